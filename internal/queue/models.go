// Package queue implements the durable task queue and periodic scheduler
// over a relational database. The database owns every row; workers and
// schedulers hold only transient claims taken with row-level locks.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task. QUEUED is the only non-terminal
// state; DONE and FAILED are never revisited.
type Status string

const (
	StatusQueued Status = "QUEUED"
	StatusDone   Status = "DONE"
	StatusFailed Status = "FAILED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Task is one pending, running, or finished unit of work (a barn_task row).
type Task struct {
	ID         int64           `json:"id"`
	Func       string          `json:"func"`
	Args       json.RawMessage `json:"args,omitempty"`
	Status     Status          `json:"status"`
	RunAt      time.Time       `json:"runAt"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Schedule is a recurring or one-shot trigger (a barn_schedule row).
// Exactly one firing policy applies: Cron, Interval, or a one-shot where
// both are unset and NextRunAt carries the single firing instant.
type Schedule struct {
	ID        int64           `json:"id"`
	Name      *string         `json:"name,omitempty"`
	Func      string          `json:"func"`
	Args      json.RawMessage `json:"args,omitempty"`
	IsActive  bool            `json:"isActive"`
	Cron      *string         `json:"cron,omitempty"`
	Interval  *time.Duration  `json:"interval,omitempty"`
	NextRunAt *time.Time      `json:"nextRunAt,omitempty"`
	LastRunAt *time.Time      `json:"lastRunAt,omitempty"`
}

// EnqueueOpts are optional parameters for Enqueue.
type EnqueueOpts struct {
	// RunAt delays eligibility; zero means now.
	RunAt time.Time
}

// Outcome is the terminal record a worker writes for one claimed task.
type Outcome struct {
	Status     Status
	Result     json.RawMessage
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Exec runs one claimed task and reports its outcome. It is invoked inside
// the claim transaction, so the row lock is held for the whole execution.
type Exec func(ctx context.Context, t *Task) Outcome

// TaskSpec describes a task a schedule firing wants enqueued in the same
// transaction that advances the schedule.
type TaskSpec struct {
	Func  string
	Args  json.RawMessage
	RunAt time.Time
}

// Visit processes one due schedule: it mutates s (advancing or
// deactivating it) and returns the task to enqueue, or nil.
type Visit func(ctx context.Context, s *Schedule) (*TaskSpec, error)

// Handler is a registered task function. Args is the task's JSON argument
// bag (never nil; empty object when the task has none) and the returned
// JSON becomes the task's result.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Stats holds aggregate task counts by status.
type Stats struct {
	Queued    int      `json:"queued"`
	Done      int      `json:"done"`
	Failed    int      `json:"failed"`
	OldestAge *float64 `json:"oldestQueuedAgeSec,omitempty"`
}
