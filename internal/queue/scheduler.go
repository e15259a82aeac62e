package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/barnlabs/barn/internal/cron"
	"github.com/barnlabs/barn/internal/event"
)

// Scheduler fires due schedules. Each pass drains every due row, and keeps
// draining while full batches come back, so a scheduler that was down
// catches up before it sleeps again.
type Scheduler struct {
	queue        *Queue
	logger       *slog.Logger
	pollInterval time.Duration
	finishedTTL  time.Duration
	wakeup       *event.Wakeup

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// SchedulerConfig holds the loop parameters.
type SchedulerConfig struct {
	// PollInterval is the base sleep between passes, jittered by ±5%.
	PollInterval time.Duration

	// FinishedTTL is how long deactivated schedules are kept. Zero
	// disables sweeping.
	FinishedTTL time.Duration
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(q *Queue, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		queue:        q,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		finishedTTL:  cfg.FinishedTTL,
		wakeup:       event.NewWakeup(),
	}
}

// Wakeup returns the flag that interrupts the idle sleep. Wire it to the
// bus listener's schedule subscription.
func (s *Scheduler) Wakeup() *event.Wakeup {
	return s.wakeup
}

// Start launches the loop. Start after Stop begins a fresh run.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.run(ctx)
}

// Stop signals the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	close(s.stop)
	<-s.done
	s.running = false
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	s.logger.Info("scheduler started", "poll_interval", s.pollInterval)
	defer s.logger.Info("scheduler finished")

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.drain(ctx)
		s.sweep(ctx)

		s.wakeup.Wait(s.stop, jitter(s.pollInterval))
		select {
		case <-s.stop:
			return
		default:
		}
	}
}

// drain processes due schedules until a pass comes back empty. A schedule
// that stays due after advancing (a tight interval, or catch-up after
// downtime) is picked up by the next pass instead of waiting a full poll.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		n, err := s.queue.Schedules.DrainDue(ctx, s.fire)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("draining schedules", "error", err)
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

// fire advances one due schedule and returns the task to enqueue. It runs
// inside the drain transaction.
func (s *Scheduler) fire(ctx context.Context, sched *Schedule) (*TaskSpec, error) {
	s.queue.Signals.PreScheduleExecute.Emit(ScheduleEvent{Schedule: sched})

	now := time.Now()
	due := now
	if sched.NextRunAt != nil {
		due = *sched.NextRunAt
	}

	// The task is enqueued for this firing regardless of how advancing
	// goes: a schedule whose cron turns out to be malformed still fires
	// once before it is deactivated.
	spec := &TaskSpec{Func: sched.Func, Args: sched.Args, RunAt: due}

	switch {
	case sched.Cron != nil:
		// Strictly after max(now, prior next_run_at): a cron schedule
		// fires once per matching instant even after downtime.
		after := now
		if sched.NextRunAt != nil && sched.NextRunAt.After(after) {
			after = *sched.NextRunAt
		}
		next, err := cron.Next(*sched.Cron, after)
		if err != nil {
			s.logger.Error("deactivating schedule with bad cron",
				"id", sched.ID, "cron", *sched.Cron, "error", err)
			sched.IsActive = false
		} else {
			sched.NextRunAt = &next
		}
	case sched.Interval != nil:
		// Interval schedules drift: the next firing is measured from the
		// moment this one was processed, not from the prior deadline.
		next := now.Add(*sched.Interval)
		sched.NextRunAt = &next
	default:
		sched.IsActive = false
	}
	sched.LastRunAt = &now

	s.logger.Info("schedule fired",
		"id", sched.ID, "func", sched.Func, "next_run_at", sched.NextRunAt, "active", sched.IsActive)

	s.queue.Signals.PostScheduleExecute.Emit(ScheduleEvent{Schedule: sched})
	return spec, nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	if s.finishedTTL <= 0 {
		return
	}
	n, err := s.queue.Schedules.SweepOld(ctx, s.finishedTTL)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("sweeping schedules", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("swept inactive schedules", "count", n)
	}
}
