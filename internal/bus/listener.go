package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barnlabs/barn/internal/event"
)

// waitTimeout bounds each blocking wait on the listening connection so the
// loop can observe the stop request and prove liveness.
const waitTimeout = 5 * time.Second

// Listener holds one dedicated connection, LISTENs on the channels of the
// subscribed models, and sets the subscribers' wakeup flags when a
// notification arrives. Subscriptions must be registered before Start.
type Listener struct {
	pool     *pgxpool.Pool
	template string
	logger   *slog.Logger

	mu   sync.RWMutex
	subs map[Model][]*event.Wakeup

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewListener creates a Listener over the given pool. The template derives
// channel names from model names (see ChannelFor).
func NewListener(pool *pgxpool.Pool, template string, logger *slog.Logger) *Listener {
	return &Listener{
		pool:     pool,
		template: template,
		logger:   logger,
		subs:     make(map[Model][]*event.Wakeup),
	}
}

// Subscribe registers a wakeup flag for notifications about the model.
func (l *Listener) Subscribe(m Model, w *event.Wakeup) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[m] = append(l.subs[m], w)
}

// Start launches the listening goroutine.
func (l *Listener) Start(ctx context.Context) {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.running {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	l.running = true
	go l.run(ctx)
}

// Stop cancels the listener and waits for it to exit.
func (l *Listener) Stop() {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if !l.running {
		return
	}
	l.cancel()
	select {
	case <-l.done:
	case <-time.After(10 * time.Second):
		l.logger.Warn("bus listener did not stop in time")
	}
	l.running = false
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	l.logger.Info("bus listener started")
	defer l.logger.Info("bus listener finished")

	for ctx.Err() == nil {
		if err := l.listenOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("bus connection failed, reconnecting", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// listenOnce acquires a dedicated connection, LISTENs on every subscribed
// channel, and dispatches notifications until the context is cancelled or
// the connection breaks.
func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// The connection must not carry LISTEN state back into the pool.
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		conn.Release()
	}()

	l.mu.RLock()
	channels := make([]string, 0, len(l.subs))
	for m := range l.subs {
		channels = append(channels, ChannelFor(l.template, m))
	}
	l.mu.RUnlock()

	for _, ch := range channels {
		l.logger.Info("listen", "channel", ch)
		if _, err := conn.Exec(ctx, "LISTEN "+quoteIdent(ch)); err != nil {
			return err
		}
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
		n, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				l.logger.Debug("bus listener alive")
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.dispatch(n.Channel, n.Payload)
	}
}

func (l *Listener) dispatch(channel, body string) {
	p, err := DecodePayload(body)
	if err != nil {
		l.logger.Warn("invalid notification payload", "channel", channel, "payload", body)
		return
	}
	l.logger.Debug("notification", "model", p.Model, "pk", p.PK, "event", p.Event)

	l.mu.RLock()
	wakeups := l.subs[p.Model]
	l.mu.RUnlock()
	for _, w := range wakeups {
		w.Set()
	}
}

// quoteIdent quotes a channel name for LISTEN, which does not accept bind
// parameters.
func quoteIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, name[i])
	}
	return string(append(out, '"'))
}
