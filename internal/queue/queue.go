package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Queue ties the stores, the registry, and the signal hooks together. It
// is the surface embedding applications use: register functions, enqueue
// work, and hand the Queue to a Worker and Scheduler.
type Queue struct {
	Tasks     TaskStore
	Schedules ScheduleStore
	Registry  *Registry
	Signals   *Signals

	// Sync switches enqueue calls to inline execution: the task row is
	// still written, but it is claimed and executed on the caller's
	// goroutine before the call returns. Meant for tests and scripts that
	// run without a worker.
	Sync bool

	logger   *slog.Logger
	executor *Executor
}

// New creates a Queue over the given stores.
func New(tasks TaskStore, schedules ScheduleStore, logger *slog.Logger) *Queue {
	q := &Queue{
		Tasks:     tasks,
		Schedules: schedules,
		Registry:  NewRegistry(),
		Signals:   &Signals{},
		logger:    logger,
	}
	q.executor = NewExecutor(q.Registry, q.Signals, logger)
	return q
}

// Executor returns the shared execution pipeline, for loops that claim
// tasks themselves.
func (q *Queue) Executor() *Executor {
	return q.executor
}

// Func registers a handler and returns its call wrapper.
func (q *Queue) Func(name string, h Handler) *Func {
	q.Registry.Register(name, h)
	return &Func{name: name, q: q}
}

// enqueue inserts (and in Sync mode immediately executes) a task.
func (q *Queue) enqueue(ctx context.Context, fn string, args any, runAt time.Time) (*Task, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	if q.Sync {
		if !runAt.IsZero() && runAt.After(time.Now()) {
			return nil, errors.New("cannot defer a task in sync mode")
		}
		t, err := q.Tasks.Enqueue(ctx, fn, raw, EnqueueOpts{RunAt: runAt})
		if err != nil {
			return nil, err
		}
		return q.Tasks.RunSync(ctx, t.ID, q.executor.Exec)
	}
	return q.Tasks.Enqueue(ctx, fn, raw, EnqueueOpts{RunAt: runAt})
}

func marshalArgs(args any) ([]byte, error) {
	if args == nil {
		return nil, nil
	}
	if raw, ok := args.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding task args: %w", err)
	}
	return raw, nil
}

// Func is the callable handle for one registered task function.
type Func struct {
	name string
	q    *Queue
}

// Name returns the registered function name.
func (f *Func) Name() string { return f.name }

// Delay enqueues a task due immediately.
func (f *Func) Delay(ctx context.Context, args any) (*Task, error) {
	return f.q.enqueue(ctx, f.name, args, time.Time{})
}

// ApplyOpts are scheduling options for ApplyAsync. At most one of
// Countdown and ETA may be set.
type ApplyOpts struct {
	Countdown time.Duration
	ETA       time.Time
}

// ApplyAsync enqueues a task with an explicit eligibility instant.
func (f *Func) ApplyAsync(ctx context.Context, args any, opts ApplyOpts) (*Task, error) {
	if opts.Countdown != 0 && !opts.ETA.IsZero() {
		return nil, errors.New("countdown and eta are mutually exclusive")
	}
	runAt := opts.ETA
	if opts.Countdown != 0 {
		runAt = time.Now().Add(opts.Countdown)
	}
	return f.q.enqueue(ctx, f.name, args, runAt)
}

// Cancel removes queued invocations of this function whose args contain
// every pair of argsMatch. It reports whether anything was removed.
func (f *Func) Cancel(ctx context.Context, argsMatch map[string]any) (bool, error) {
	return f.q.Tasks.Cancel(ctx, f.name, argsMatch)
}
