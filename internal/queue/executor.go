package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Executor resolves and runs task handlers and turns every failure mode
// (handler error, panic, unknown func, pre-hook panic) into a FAILED
// outcome. It never re-raises: the loop that called it keeps running.
type Executor struct {
	registry *Registry
	signals  *Signals
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(registry *Registry, signals *Signals, logger *slog.Logger) *Executor {
	return &Executor{registry: registry, signals: signals, logger: logger}
}

// Exec runs one claimed task. It is shaped to be passed as the Exec
// callback of TaskStore.ClaimNext and RunSync, so it executes inside the
// claim transaction.
func (e *Executor) Exec(ctx context.Context, t *Task) Outcome {
	started := time.Now()
	e.logger.Info("task started", "id", t.ID, "func", t.Func)

	result, err := e.run(ctx, t)

	out := Outcome{StartedAt: started, FinishedAt: time.Now()}
	if err != nil {
		out.Status = StatusFailed
		out.Error = err.Error()
		e.logger.Error("task failed", "id", t.ID, "func", t.Func, "error", err)
	} else {
		out.Status = StatusDone
		out.Result = result
		e.logger.Info("task done", "id", t.ID, "func", t.Func, "duration", out.FinishedAt.Sub(started))
	}

	e.emitPost(t, err)
	return out
}

func (e *Executor) run(ctx context.Context, t *Task) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			// The trace goes on the row, so a crashed task is debuggable
			// from the database alone.
			err = fmt.Errorf("panic: %v\n\n%s", r, stack)
			e.logger.Error("task panicked",
				"id", t.ID, "func", t.Func, "panic", r, "stack", string(stack))
		}
	}()

	// Inside the recover: a panicking pre-hook fails the task.
	e.signals.PreTaskExecute.Emit(TaskEvent{Task: t})

	h, err := e.registry.Resolve(t.Func)
	if err != nil {
		return nil, err
	}
	args := t.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return h(withCurrentTask(ctx, t), args)
}

// emitPost delivers the post-execution signal, carrying the execution
// error when the task failed. The outcome is already decided, so a
// panicking subscriber is logged and swallowed.
func (e *Executor) emitPost(t *Task, execErr error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("post-task hook panicked", "id", t.ID, "panic", r)
		}
	}()
	e.signals.PostTaskExecute.Emit(TaskEvent{Task: t, Err: execErr})
}
