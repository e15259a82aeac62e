package queue

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/barnlabs/barn/internal/event"
)

// Worker drains ready tasks in a loop: claim-and-execute until the table
// is empty, sweep expired finished rows, then sleep until the poll
// interval elapses or the wakeup flag is set by a bus notification.
type Worker struct {
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

// WorkerConfig holds the loop parameters.
type WorkerConfig struct {
	// PollInterval is the base sleep between drains. Each sleep is
	// jittered by ±5% so idle workers spread their polls.
	PollInterval time.Duration

	// FinishedTTL is how long DONE and FAILED rows are kept. Zero
	// disables sweeping.
	FinishedTTL time.Duration
}

// NewWorker creates a stopped worker.
func NewWorker(q *Queue, cfg WorkerConfig, logger *slog.Logger) *Worker {
	return &Worker{
		queue:        q,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		finishedTTL:  cfg.FinishedTTL,
		wakeup:       event.NewWakeup(),
	}
}

// Wakeup returns the flag that interrupts the idle sleep. Wire it to the
// bus listener's task subscription.
func (w *Worker) Wakeup() *event.Wakeup {
	return w.wakeup
}

// Start launches the loop. Start after Stop begins a fresh run.
func (w *Worker) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.running {
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.running = true
	go w.run(ctx)
}

// Stop signals the loop and waits for it to exit. A task in flight
// finishes first.
func (w *Worker) Stop() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if !w.running {
		return
	}
	close(w.stop)
	<-w.done
	w.running = false
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	w.logger.Info("worker started", "poll_interval", w.pollInterval)
	defer w.logger.Info("worker finished")

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		w.drain(ctx)
		w.sweep(ctx)

		w.wakeup.Wait(w.stop, jitter(w.pollInterval))
		select {
		case <-w.stop:
			return
		default:
		}
	}
}

// drain claims and executes tasks until none are ready. Store errors end
// the drain; the loop retries after the next sleep.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		claimed, err := w.queue.Tasks.ClaimNext(ctx, w.queue.executor.Exec)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("claiming task", "error", err)
			}
			return
		}
		if !claimed {
			return
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if w.finishedTTL <= 0 {
		return
	}
	n, err := w.queue.Tasks.SweepOld(ctx, w.finishedTTL)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("sweeping finished tasks", "error", err)
		}
		return
	}
	if n > 0 {
		w.logger.Info("swept finished tasks", "count", n)
	}
}

// jitter spreads d by ±5%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	f := 0.95 + 0.1*rand.Float64()
	return time.Duration(float64(d) * f)
}
