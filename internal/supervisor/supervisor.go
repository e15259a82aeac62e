// Package supervisor owns the long-running components: bus listener,
// workers, scheduler, and leader elector. No component owns another; the
// supervisor starts them, wires their signals, and stops them in order.
package supervisor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/barnlabs/barn/internal/bus"
	"github.com/barnlabs/barn/internal/lock"
	"github.com/barnlabs/barn/internal/queue"
)

// Components are the parts to supervise. Nil members are skipped, so a
// SQLite deployment simply passes no Listener and no Elector.
type Components struct {
	Workers   []*queue.Worker
	Scheduler *queue.Scheduler
	Elector   *lock.Elector
	Listener  *bus.Listener
}

// Supervisor drives the components' lifecycles. When both a Scheduler and
// an Elector are present, the scheduler only ticks while this process
// holds the lease.
type Supervisor struct {
	c      Components
	logger *slog.Logger

	mu          sync.Mutex
	ctx         context.Context
	running     bool
	unsubscribe func()
}

// New creates a stopped supervisor.
func New(c Components, logger *slog.Logger) *Supervisor {
	return &Supervisor{c: c, logger: logger}
}

// Start wires the leadership gate and launches every component.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx = ctx
	s.running = true

	if s.c.Listener != nil {
		s.c.Listener.Start(ctx)
	}
	for _, w := range s.c.Workers {
		w.Start(ctx)
	}

	switch {
	case s.c.Scheduler == nil:
		// Worker-only process.
	case s.c.Elector == nil:
		s.c.Scheduler.Start(ctx)
	default:
		s.unsubscribe = s.c.Elector.OnChange.Subscribe(s.onLeaderChange)
		s.c.Elector.Start(ctx)
	}

	s.logger.Info("supervisor started",
		"workers", len(s.c.Workers),
		"scheduler", s.c.Scheduler != nil,
		"elector", s.c.Elector != nil,
		"bus", s.c.Listener != nil)
}

// onLeaderChange runs on the elector goroutine. Scheduler Start/Stop are
// idempotent, so a duplicate edge is harmless.
func (s *Supervisor) onLeaderChange(ev lock.ElectorEvent) {
	s.mu.Lock()
	ctx, running := s.ctx, s.running
	s.mu.Unlock()
	if !running {
		return
	}
	if ev.Leader {
		s.logger.Info("leadership acquired, starting scheduler", "lease", ev.Name)
		s.c.Scheduler.Start(ctx)
	} else {
		s.logger.Info("leadership lost, stopping scheduler", "lease", ev.Name)
		s.c.Scheduler.Stop()
	}
}

// Stop halts everything, in reverse dependency order: the elector first
// (releasing the lease stops the scheduler through the leadership edge),
// then workers, then the listener.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if s.c.Elector != nil {
		s.c.Elector.Stop()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if s.c.Scheduler != nil {
		s.c.Scheduler.Stop()
	}
	for _, w := range s.c.Workers {
		w.Stop()
	}
	if s.c.Listener != nil {
		s.c.Listener.Stop()
	}
	s.logger.Info("supervisor stopped")
}
