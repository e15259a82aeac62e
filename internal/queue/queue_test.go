package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/barnlabs/barn/internal/queue"
	"github.com/barnlabs/barn/internal/testutil"
)

func setupQueue(t *testing.T) *queue.Queue {
	t.Helper()
	tasks, schedules := setupSQLite(t)
	return queue.New(tasks, schedules, testutil.DiscardLogger())
}

func echoHandler(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return args, nil
}

func TestQueueDelayLeavesTaskQueued(t *testing.T) {
	q := setupQueue(t)
	echo := q.Func("echo", echoHandler)

	task, err := echo.Delay(context.Background(), map[string]any{"msg": "hi"})
	testutil.NoError(t, err)
	testutil.Equal(t, queue.StatusQueued, task.Status)
	testutil.Equal(t, "echo", task.Func)
}

func TestQueueSyncModeExecutesInline(t *testing.T) {
	q := setupQueue(t)
	q.Sync = true
	echo := q.Func("echo", echoHandler)

	task, err := echo.Delay(context.Background(), map[string]any{"msg": "hi"})
	testutil.NoError(t, err)
	testutil.Equal(t, queue.StatusDone, task.Status)
	testutil.Equal(t, `{"msg":"hi"}`, string(task.Result))
}

func TestQueueSyncModeRecordsFailure(t *testing.T) {
	q := setupQueue(t)
	q.Sync = true
	bad := q.Func("bad", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		panic("handler bug")
	})

	// The call itself succeeds; the failure lives on the task row.
	task, err := bad.Delay(context.Background(), nil)
	testutil.NoError(t, err)
	testutil.Equal(t, queue.StatusFailed, task.Status)
	testutil.Contains(t, *task.Error, "panic: handler bug")
}

func TestQueueSyncModeRejectsDeferral(t *testing.T) {
	q := setupQueue(t)
	q.Sync = true
	echo := q.Func("echo", echoHandler)

	_, err := echo.ApplyAsync(context.Background(), nil, queue.ApplyOpts{Countdown: time.Hour})
	testutil.ErrorContains(t, err, "cannot defer a task in sync mode")
}

func TestQueueSyncModeKeepsRequestedRunAt(t *testing.T) {
	q := setupQueue(t)
	q.Sync = true
	echo := q.Func("echo", echoHandler)

	eta := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	task, err := echo.ApplyAsync(context.Background(), nil, queue.ApplyOpts{ETA: eta})
	testutil.NoError(t, err)
	testutil.Equal(t, queue.StatusDone, task.Status)
	testutil.True(t, task.RunAt.Equal(eta), "run_at should be the requested ETA, got %v", task.RunAt)
}

func TestQueueApplyAsyncOptions(t *testing.T) {
	q := setupQueue(t)
	echo := q.Func("echo", echoHandler)
	ctx := context.Background()

	_, err := echo.ApplyAsync(ctx, nil, queue.ApplyOpts{Countdown: time.Minute, ETA: time.Now()})
	testutil.ErrorContains(t, err, "mutually exclusive")

	eta := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	task, err := echo.ApplyAsync(ctx, nil, queue.ApplyOpts{ETA: eta})
	testutil.NoError(t, err)
	testutil.True(t, task.RunAt.Equal(eta), "run_at should be the ETA, got %v", task.RunAt)

	task, err = echo.ApplyAsync(ctx, nil, queue.ApplyOpts{Countdown: time.Hour})
	testutil.NoError(t, err)
	testutil.True(t, task.RunAt.After(time.Now().Add(59*time.Minute)))
}

func TestQueueFuncCancel(t *testing.T) {
	q := setupQueue(t)
	send := q.Func("send", echoHandler)
	ctx := context.Background()

	_, err := send.ApplyAsync(ctx, map[string]any{"to": "a"}, queue.ApplyOpts{ETA: time.Now().Add(time.Hour)})
	testutil.NoError(t, err)

	removed, err := send.Cancel(ctx, map[string]any{"to": "a"})
	testutil.NoError(t, err)
	testutil.True(t, removed)
}

func TestQueueRawMessageArgsPassThrough(t *testing.T) {
	q := setupQueue(t)
	q.Sync = true
	echo := q.Func("echo", echoHandler)

	task, err := echo.Delay(context.Background(), json.RawMessage(`{"raw":true}`))
	testutil.NoError(t, err)
	testutil.Equal(t, `{"raw":true}`, string(task.Result))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorkerDrainsQueue(t *testing.T) {
	q := setupQueue(t)
	q.Func("echo", echoHandler)
	ctx := context.Background()

	enq, err := q.Tasks.Enqueue(ctx, "echo", json.RawMessage(`{"n":1}`), past())
	testutil.NoError(t, err)

	w := queue.NewWorker(q, queue.WorkerConfig{PollInterval: 20 * time.Millisecond}, testutil.DiscardLogger())
	w.Start(ctx)
	defer w.Stop()

	waitFor(t, 5*time.Second, func() bool {
		got, err := q.Tasks.Get(ctx, enq.ID)
		return err == nil && got.Status == queue.StatusDone
	})
}

func TestWorkerWakeupShortcutsPoll(t *testing.T) {
	q := setupQueue(t)
	q.Func("echo", echoHandler)
	ctx := context.Background()

	// Long poll interval: only the wakeup can get this task executed fast.
	w := queue.NewWorker(q, queue.WorkerConfig{PollInterval: time.Hour}, testutil.DiscardLogger())
	w.Start(ctx)
	defer w.Stop()

	time.Sleep(50 * time.Millisecond) // let the first drain pass go idle

	enq, err := q.Tasks.Enqueue(ctx, "echo", nil, past())
	testutil.NoError(t, err)
	w.Wakeup().Set()

	waitFor(t, 5*time.Second, func() bool {
		got, err := q.Tasks.Get(ctx, enq.ID)
		return err == nil && got.Status == queue.StatusDone
	})
}

func TestWorkerSurvivesPanickingTask(t *testing.T) {
	q := setupQueue(t)
	q.Func("panicky", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	})
	q.Func("echo", echoHandler)
	ctx := context.Background()

	bad, err := q.Tasks.Enqueue(ctx, "panicky", nil, queue.EnqueueOpts{RunAt: time.Now().Add(-2 * time.Second)})
	testutil.NoError(t, err)
	good, err := q.Tasks.Enqueue(ctx, "echo", nil, past())
	testutil.NoError(t, err)

	w := queue.NewWorker(q, queue.WorkerConfig{PollInterval: 20 * time.Millisecond}, testutil.DiscardLogger())
	w.Start(ctx)
	defer w.Stop()

	waitFor(t, 5*time.Second, func() bool {
		b, err1 := q.Tasks.Get(ctx, bad.ID)
		g, err2 := q.Tasks.Get(ctx, good.ID)
		return err1 == nil && err2 == nil &&
			b.Status == queue.StatusFailed && g.Status == queue.StatusDone
	})
}

func TestWorkerStartStopIdempotent(t *testing.T) {
	q := setupQueue(t)
	w := queue.NewWorker(q, queue.WorkerConfig{PollInterval: 10 * time.Millisecond}, testutil.DiscardLogger())

	w.Stop() // stop before start is a no-op
	w.Start(context.Background())
	w.Start(context.Background()) // second start is a no-op
	w.Stop()
	w.Stop()

	// Start after stop begins a fresh run.
	w.Start(context.Background())
	w.Stop()
}

func TestSchedulerFiresDueSchedule(t *testing.T) {
	q := setupQueue(t)
	q.Func("tick", echoHandler)
	ctx := context.Background()

	due := time.Now().Add(-time.Minute)
	_, err := q.Schedules.Create(ctx, &queue.Schedule{Func: "tick", IsActive: true, NextRunAt: &due})
	testutil.NoError(t, err)

	s := queue.NewScheduler(q, queue.SchedulerConfig{PollInterval: 20 * time.Millisecond}, testutil.DiscardLogger())
	s.Start(ctx)
	defer s.Stop()

	// The one-shot fires exactly once and the task lands queued with the
	// deadline as its run_at.
	waitFor(t, 5*time.Second, func() bool {
		list, err := q.Tasks.List(ctx, "", "tick", 0, 0)
		return err == nil && len(list) == 1
	})
	list, err := q.Tasks.List(ctx, "", "tick", 0, 0)
	testutil.NoError(t, err)
	testutil.True(t, list[0].RunAt.Equal(due.Truncate(time.Millisecond)),
		"task run_at should be the schedule deadline")

	schedules, err := q.Schedules.List(ctx)
	testutil.NoError(t, err)
	testutil.False(t, schedules[0].IsActive)
	testutil.NotNil(t, schedules[0].LastRunAt)
}
