package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/barnlabs/barn/internal/queue"
	"github.com/barnlabs/barn/internal/testutil"
)

func newExecutor(reg *queue.Registry) (*queue.Executor, *queue.Signals) {
	signals := &queue.Signals{}
	return queue.NewExecutor(reg, signals, testutil.DiscardLogger()), signals
}

func TestExecSuccess(t *testing.T) {
	reg := queue.NewRegistry()
	reg.Register("double", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in struct{ N int }
		testutil.NoError(t, json.Unmarshal(args, &in))
		return json.Marshal(map[string]int{"n": in.N * 2})
	})
	exec, _ := newExecutor(reg)

	task := &queue.Task{ID: 1, Func: "double", Args: json.RawMessage(`{"n":21}`)}
	out := exec.Exec(context.Background(), task)

	testutil.Equal(t, queue.StatusDone, out.Status)
	testutil.Equal(t, `{"n":42}`, string(out.Result))
	testutil.Equal(t, "", out.Error)
	testutil.False(t, out.FinishedAt.Before(out.StartedAt))
}

func TestExecHandlerError(t *testing.T) {
	reg := queue.NewRegistry()
	reg.Register("boom", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("71ADA163 intentional failure")
	})
	exec, _ := newExecutor(reg)

	out := exec.Exec(context.Background(), &queue.Task{ID: 2, Func: "boom"})

	testutil.Equal(t, queue.StatusFailed, out.Status)
	testutil.Contains(t, out.Error, "71ADA163")
	testutil.Nil(t, out.Result)
}

func TestExecUnknownFunc(t *testing.T) {
	exec, _ := newExecutor(queue.NewRegistry())

	out := exec.Exec(context.Background(), &queue.Task{ID: 3, Func: "nope"})

	testutil.Equal(t, queue.StatusFailed, out.Status)
	testutil.Contains(t, out.Error, `no handler registered for "nope"`)
}

func TestExecPanicBecomesFailed(t *testing.T) {
	reg := queue.NewRegistry()
	reg.Register("panicky", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		panic("something broke")
	})
	exec, _ := newExecutor(reg)

	// Must not propagate the panic; the worker loop stays alive.
	out := exec.Exec(context.Background(), &queue.Task{ID: 4, Func: "panicky"})

	testutil.Equal(t, queue.StatusFailed, out.Status)
	testutil.Contains(t, out.Error, "panic: something broke")
	// The stack trace is stored on the row, not just logged.
	testutil.Contains(t, out.Error, "goroutine")
}

func TestExecDefaultsArgsToEmptyObject(t *testing.T) {
	reg := queue.NewRegistry()
	var seen string
	reg.Register("record", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		seen = string(args)
		return nil, nil
	})
	exec, _ := newExecutor(reg)

	exec.Exec(context.Background(), &queue.Task{ID: 5, Func: "record"})
	testutil.Equal(t, `{}`, seen)
}

func TestExecCurrentTask(t *testing.T) {
	reg := queue.NewRegistry()
	var gotID int64
	reg.Register("introspect", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		if cur := queue.CurrentTask(ctx); cur != nil {
			gotID = cur.ID
		}
		return nil, nil
	})
	exec, _ := newExecutor(reg)

	exec.Exec(context.Background(), &queue.Task{ID: 77, Func: "introspect"})
	testutil.Equal(t, int64(77), gotID)
}

func TestExecPreHookPanicFailsTask(t *testing.T) {
	reg := queue.NewRegistry()
	called := false
	reg.Register("never", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		called = true
		return nil, nil
	})
	exec, signals := newExecutor(reg)
	signals.PreTaskExecute.Subscribe(func(queue.TaskEvent) { panic("bad hook") })

	out := exec.Exec(context.Background(), &queue.Task{ID: 6, Func: "never"})

	testutil.Equal(t, queue.StatusFailed, out.Status)
	testutil.Contains(t, out.Error, "panic: bad hook")
	testutil.False(t, called, "handler should not run after a panicking pre-hook")
}

func TestExecPostHookPanicIsSwallowed(t *testing.T) {
	reg := queue.NewRegistry()
	reg.Register("fine", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	exec, signals := newExecutor(reg)
	signals.PostTaskExecute.Subscribe(func(queue.TaskEvent) { panic("post hook bug") })

	out := exec.Exec(context.Background(), &queue.Task{ID: 7, Func: "fine"})

	// The outcome was decided before the hook ran.
	testutil.Equal(t, queue.StatusDone, out.Status)
	testutil.Equal(t, `"ok"`, string(out.Result))
}

func TestExecPostHookCarriesError(t *testing.T) {
	reg := queue.NewRegistry()
	reg.Register("ok", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	reg.Register("boom", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("71ADA163 intentional failure")
	})
	exec, signals := newExecutor(reg)

	events := make(map[int64]queue.TaskEvent)
	signals.PostTaskExecute.Subscribe(func(ev queue.TaskEvent) { events[ev.Task.ID] = ev })

	exec.Exec(context.Background(), &queue.Task{ID: 10, Func: "ok"})
	exec.Exec(context.Background(), &queue.Task{ID: 11, Func: "boom"})

	testutil.Nil(t, events[10].Err)
	testutil.NotNil(t, events[11].Err)
	testutil.Contains(t, events[11].Err.Error(), "71ADA163")
}

func TestRegistryReplaceAndNames(t *testing.T) {
	reg := queue.NewRegistry()
	noop := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) { return nil, nil }
	reg.Register("b", noop)
	reg.Register("a", noop)
	reg.Register("b", noop) // replace, not duplicate

	names := reg.Names()
	testutil.SliceLen(t, names, 2)
	testutil.Equal(t, "a", names[0])
	testutil.Equal(t, "b", names[1])

	_, err := reg.Resolve("a")
	testutil.NoError(t, err)
	_, err = reg.Resolve("missing")
	testutil.ErrorContains(t, err, "no handler registered")
}
