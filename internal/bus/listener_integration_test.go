//go:build integration

package bus_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/barnlabs/barn/internal/bus"
	"github.com/barnlabs/barn/internal/event"
	"github.com/barnlabs/barn/internal/testutil"
)

var sharedPG *testutil.PGContainer

func TestMain(m *testing.M) {
	ctx := context.Background()
	pg, cleanup := testutil.StartPostgresForTestMain(ctx)
	sharedPG = pg
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func notify(t *testing.T, channel string, p bus.Payload) {
	t.Helper()
	body, err := p.Encode()
	testutil.NoError(t, err)
	_, err = sharedPG.Pool.Exec(context.Background(), "SELECT pg_notify($1, $2)", channel, body)
	testutil.NoError(t, err)
}

func waitSet(t *testing.T, w *event.Wakeup, timeout time.Duration) bool {
	t.Helper()
	select {
	case <-w.C():
		return true
	case <-time.After(timeout):
		return false
	}
}

func TestListenerDispatchesToSubscribers(t *testing.T) {
	ctx := context.Background()
	l := bus.NewListener(sharedPG.Pool, bus.DefaultChannelTemplate, testutil.DiscardLogger())

	taskWake := event.NewWakeup()
	schedWake := event.NewWakeup()
	l.Subscribe(bus.ModelTask, taskWake)
	l.Subscribe(bus.ModelSchedule, schedWake)

	l.Start(ctx)
	defer l.Stop()
	time.Sleep(200 * time.Millisecond) // let LISTEN take effect

	notify(t, "barn_task", bus.Payload{Model: bus.ModelTask, PK: 1, Event: bus.EventCreate})
	testutil.True(t, waitSet(t, taskWake, 5*time.Second), "task subscriber should wake")
	testutil.False(t, waitSet(t, schedWake, 200*time.Millisecond),
		"schedule subscriber must not wake for task traffic")

	notify(t, "barn_schedule", bus.Payload{Model: bus.ModelSchedule, PK: 2, Event: bus.EventCreate})
	testutil.True(t, waitSet(t, schedWake, 5*time.Second), "schedule subscriber should wake")
}

func TestListenerIgnoresMalformedPayload(t *testing.T) {
	ctx := context.Background()
	l := bus.NewListener(sharedPG.Pool, bus.DefaultChannelTemplate, testutil.DiscardLogger())

	wake := event.NewWakeup()
	l.Subscribe(bus.ModelTask, wake)
	l.Start(ctx)
	defer l.Stop()
	time.Sleep(200 * time.Millisecond)

	_, err := sharedPG.Pool.Exec(ctx, "SELECT pg_notify('barn_task', 'not json')")
	testutil.NoError(t, err)
	testutil.False(t, waitSet(t, wake, 300*time.Millisecond), "garbage must not wake anyone")

	// The listener is still alive afterwards.
	notify(t, "barn_task", bus.Payload{Model: bus.ModelTask, PK: 3, Event: bus.EventUpdate})
	testutil.True(t, waitSet(t, wake, 5*time.Second))
}
