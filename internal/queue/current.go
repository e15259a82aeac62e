package queue

import "context"

type currentTaskKey struct{}

// withCurrentTask stores the executing task in the context passed to its
// handler.
func withCurrentTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, currentTaskKey{}, t)
}

// CurrentTask returns the task being executed on this context, or nil when
// the context does not come from a task execution. Handlers use it to read
// their own id or run_at without threading the task through every call.
func CurrentTask(ctx context.Context) *Task {
	t, _ := ctx.Value(currentTaskKey{}).(*Task)
	return t
}
