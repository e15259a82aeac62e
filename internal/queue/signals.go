package queue

import "github.com/barnlabs/barn/internal/event"

// TaskEvent is delivered to task execution signal subscribers. Err is nil
// on the pre-execute signal and carries the execution error, if any, on the
// post-execute signal.
type TaskEvent struct {
	Task *Task
	Err  error
}

// ScheduleEvent is delivered to schedule firing signal subscribers.
type ScheduleEvent struct {
	Schedule *Schedule
}

// Signals carries the synchronous hook points around task execution and
// schedule firing. Subscribers run on the worker or scheduler goroutine,
// inside the surrounding transaction. A panicking PreTaskExecute
// subscriber fails the task; a panicking PostTaskExecute subscriber is
// logged and swallowed, since the outcome is already decided.
type Signals struct {
	PreTaskExecute      event.Signal[TaskEvent]
	PostTaskExecute     event.Signal[TaskEvent]
	PreScheduleExecute  event.Signal[ScheduleEvent]
	PostScheduleExecute event.Signal[ScheduleEvent]
}
