package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNotQueued is returned by RunSync when the task is no longer claimable.
var ErrNotQueued = errors.New("task is not queued; is a worker running?")

// TaskStore is the task table behind a backend-neutral interface. Every
// state-advancing operation runs in a single transaction that also holds
// the row lock taken by its own SELECT; callers never see half a claim.
type TaskStore interface {
	// Enqueue inserts a QUEUED row. A zero opts.RunAt means "now". On
	// PostgreSQL a ready task is announced on the bus channel inside the
	// insert transaction, so the notification rides the commit.
	Enqueue(ctx context.Context, fn string, args []byte, opts EnqueueOpts) (*Task, error)

	// ClaimNext claims the oldest ready QUEUED task, runs exec inside the
	// claim transaction, records the outcome, and commits. It reports
	// whether a task was claimed. Concurrent claimers skip each other's
	// locked rows, so each task has at most one winner.
	ClaimNext(ctx context.Context, exec Exec) (bool, error)

	// RunSync locks the given task without skipping and executes it in the
	// caller's path. Non-QUEUED tasks are rejected with ErrNotQueued.
	RunSync(ctx context.Context, id int64, exec Exec) (*Task, error)

	// Cancel deletes QUEUED rows whose func matches and whose args contain
	// every pair of argsMatch. It reports whether any row was removed.
	Cancel(ctx context.Context, fn string, argsMatch map[string]any) (bool, error)

	// SweepOld deletes terminal rows with run_at older than now-ttl.
	SweepOld(ctx context.Context, ttl time.Duration) (int64, error)

	// Get returns a task by id.
	Get(ctx context.Context, id int64) (*Task, error)

	// List returns tasks filtered by status and/or func, newest first.
	List(ctx context.Context, status Status, fn string, limit, offset int) ([]Task, error)

	// Stats returns aggregate counts by status.
	Stats(ctx context.Context) (*Stats, error)
}

// ScheduleStore is the schedule table behind the same discipline.
type ScheduleStore interface {
	// DrainDue claims every due active schedule in one transaction
	// (next_run_at null or past, ordered nulls first), calls visit on each,
	// persists the mutated row, and enqueues the returned task in the same
	// transaction. It returns the number of schedules processed.
	DrainDue(ctx context.Context, visit Visit) (int, error)

	// Create inserts a schedule and returns it with its id.
	Create(ctx context.Context, s *Schedule) (*Schedule, error)

	// Get returns a schedule by id.
	Get(ctx context.Context, id int64) (*Schedule, error)

	// List returns all schedules ordered by id.
	List(ctx context.Context) ([]Schedule, error)

	// SetActive flips is_active.
	SetActive(ctx context.Context, id int64, active bool) error

	// Delete removes a schedule.
	Delete(ctx context.Context, id int64) error

	// SweepOld deletes inactive rows with next_run_at older than now-ttl.
	SweepOld(ctx context.Context, ttl time.Duration) (int64, error)
}
