package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/barnlabs/barn/internal/event"
)

// ElectorEvent is emitted on leadership transitions only; a heartbeat that
// merely keeps the lease does not re-emit.
type ElectorEvent struct {
	Leader bool
	Name   string
	Owner  string
}

// ElectorConfig holds the election parameters.
type ElectorConfig struct {
	// Name is the lease row. Processes competing for the same role use
	// the same name.
	Name string

	// Owner identifies this process. Empty means hostname plus a random
	// suffix, so restarted processes never collide with their past self.
	Owner string

	Heartbeat time.Duration
	LeaseTTL  time.Duration
}

// Elector runs the TryAcquire/Confirm loop and exposes leadership as an
// edge-triggered signal. It never starts or stops anything itself; a
// supervisor subscribes and gates the scheduler.
type Elector struct {
	store     Store
	name      string
	owner     string
	heartbeat time.Duration
	leaseTTL  time.Duration
	logger    *slog.Logger

	// OnChange fires on Follower/Leader edges, from the elector goroutine.
	OnChange event.Signal[ElectorEvent]

	mu          sync.Mutex
	leader      bool
	token       time.Time
	lastConfirm time.Time

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewElector creates a stopped elector. LeaseTTL must be at least three
// heartbeats, so a stalled leader misses several confirms before its lease
// can expire elsewhere.
func NewElector(store Store, cfg ElectorConfig, logger *slog.Logger) (*Elector, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("lease name is required")
	}
	if cfg.Heartbeat <= 0 {
		return nil, fmt.Errorf("heartbeat must be positive")
	}
	if cfg.LeaseTTL < 3*cfg.Heartbeat {
		return nil, fmt.Errorf("lease TTL %s is less than 3 heartbeats (%s)", cfg.LeaseTTL, 3*cfg.Heartbeat)
	}
	owner := cfg.Owner
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return &Elector{
		store:     store,
		name:      cfg.Name,
		owner:     owner,
		heartbeat: cfg.Heartbeat,
		leaseTTL:  cfg.LeaseTTL,
		logger:    logger,
	}, nil
}

// Owner returns this elector's identity.
func (e *Elector) Owner() string { return e.owner }

// IsLeader reports the current state.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Start launches the election loop. The first tick happens immediately.
func (e *Elector) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.running = true
	go e.run(ctx)
}

// Stop ends the loop. A held lease is released and a released edge is
// emitted before Stop returns.
func (e *Elector) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return
	}
	close(e.stop)
	<-e.done
	e.running = false
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.done)
	e.logger.Info("elector started",
		"lease", e.name, "owner", e.owner, "heartbeat", e.heartbeat, "lease_ttl", e.leaseTTL)
	defer e.logger.Info("elector finished", "lease", e.name, "owner", e.owner)

	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-e.stop:
			e.shutdown()
			return
		case <-ctx.Done():
			e.shutdown()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	e.mu.Lock()
	leader, token := e.leader, e.token
	e.mu.Unlock()

	if !leader {
		acquired, newToken, err := e.store.TryAcquire(ctx, e.name, e.owner, e.leaseTTL)
		if err != nil {
			e.logger.Error("lease acquire failed", "lease", e.name, "error", err)
			return
		}
		if acquired {
			e.mu.Lock()
			e.leader, e.token, e.lastConfirm = true, newToken, time.Now()
			e.mu.Unlock()
			e.logger.Info("lease acquired", "lease", e.name, "owner", e.owner)
			e.OnChange.Emit(ElectorEvent{Leader: true, Name: e.name, Owner: e.owner})
		}
		return
	}

	newToken, ok, err := e.store.Confirm(ctx, e.name, e.owner, token)
	if err != nil {
		// The database may be reachable from a competitor even when it
		// is not reachable from here. Without a confirm inside the TTL
		// the lease must be assumed lost.
		e.logger.Error("lease confirm failed", "lease", e.name, "error", err)
		e.mu.Lock()
		stale := time.Since(e.lastConfirm) > e.leaseTTL
		e.mu.Unlock()
		if stale {
			e.demote("no confirm within lease TTL")
		}
		return
	}
	if !ok {
		e.demote("lease taken over")
		return
	}
	e.mu.Lock()
	e.token, e.lastConfirm = newToken, time.Now()
	e.mu.Unlock()
}

func (e *Elector) demote(reason string) {
	e.mu.Lock()
	wasLeader := e.leader
	e.leader = false
	e.token = time.Time{}
	e.mu.Unlock()
	if !wasLeader {
		return
	}
	e.logger.Warn("lease lost", "lease", e.name, "owner", e.owner, "reason", reason)
	e.OnChange.Emit(ElectorEvent{Leader: false, Name: e.name, Owner: e.owner})
}

// shutdown releases a held lease and emits the released edge.
func (e *Elector) shutdown() {
	e.mu.Lock()
	leader, token := e.leader, e.token
	e.mu.Unlock()
	if !leader {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.store.Release(ctx, e.name, e.owner, token); err != nil {
		e.logger.Error("lease release failed", "lease", e.name, "error", err)
	}
	e.demote("shutdown")
}
