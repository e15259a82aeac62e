package supervisor_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/barnlabs/barn/internal/lock"
	"github.com/barnlabs/barn/internal/migrations"
	"github.com/barnlabs/barn/internal/queue"
	"github.com/barnlabs/barn/internal/sqlite"
	"github.com/barnlabs/barn/internal/supervisor"
	"github.com/barnlabs/barn/internal/testutil"
)

type fixture struct {
	queue *queue.Queue
	locks *lock.SQLiteStore
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "barn.db"), testutil.DiscardLogger())
	testutil.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runner := migrations.NewSQLiteRunner(db, testutil.DiscardLogger())
	testutil.NoError(t, runner.Bootstrap(ctx))
	_, err = runner.Run(ctx)
	testutil.NoError(t, err)

	q := queue.New(queue.NewSQLiteTaskStore(db), queue.NewSQLiteScheduleStore(db), testutil.DiscardLogger())
	q.Func("echo", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	})
	return &fixture{queue: q, locks: lock.NewSQLiteStore(db)}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSupervisorWorkerOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	enq, err := f.queue.Tasks.Enqueue(ctx, "echo", json.RawMessage(`{"n":1}`),
		queue.EnqueueOpts{RunAt: time.Now().Add(-time.Second)})
	testutil.NoError(t, err)

	w := queue.NewWorker(f.queue, queue.WorkerConfig{PollInterval: 20 * time.Millisecond}, testutil.DiscardLogger())
	sup := supervisor.New(supervisor.Components{Workers: []*queue.Worker{w}}, testutil.DiscardLogger())
	sup.Start(ctx)
	defer sup.Stop()

	waitFor(t, 5*time.Second, func() bool {
		got, err := f.queue.Tasks.Get(ctx, enq.ID)
		return err == nil && got.Status == queue.StatusDone
	})
}

func TestSupervisorElectorGatesScheduler(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	due := time.Now().Add(-time.Minute)
	_, err := f.queue.Schedules.Create(ctx, &queue.Schedule{Func: "echo", IsActive: true, NextRunAt: &due})
	testutil.NoError(t, err)

	w := queue.NewWorker(f.queue, queue.WorkerConfig{PollInterval: 20 * time.Millisecond}, testutil.DiscardLogger())
	sched := queue.NewScheduler(f.queue, queue.SchedulerConfig{PollInterval: 20 * time.Millisecond}, testutil.DiscardLogger())
	elector, err := lock.NewElector(f.locks, lock.ElectorConfig{
		Name:      "barn_scheduler",
		Owner:     "test-owner",
		Heartbeat: 10 * time.Millisecond,
		LeaseTTL:  50 * time.Millisecond,
	}, testutil.DiscardLogger())
	testutil.NoError(t, err)

	sup := supervisor.New(supervisor.Components{
		Workers:   []*queue.Worker{w},
		Scheduler: sched,
		Elector:   elector,
	}, testutil.DiscardLogger())
	sup.Start(ctx)

	// The elector wins the lease, which starts the scheduler, which fires
	// the due schedule; the worker then executes the fired task.
	waitFor(t, 5*time.Second, elector.IsLeader)
	waitFor(t, 5*time.Second, func() bool {
		list, err := f.queue.Tasks.List(ctx, queue.StatusDone, "echo", 0, 0)
		return err == nil && len(list) == 1
	})

	sup.Stop()
	testutil.False(t, elector.IsLeader(), "stop must release the lease")

	// The lease is free for the next process.
	ok, _, err := f.locks.TryAcquire(ctx, "barn_scheduler", "next-owner", time.Minute)
	testutil.NoError(t, err)
	testutil.True(t, ok)
}

func TestSupervisorStartStopIdempotent(t *testing.T) {
	f := setup(t)
	w := queue.NewWorker(f.queue, queue.WorkerConfig{PollInterval: 20 * time.Millisecond}, testutil.DiscardLogger())
	sup := supervisor.New(supervisor.Components{Workers: []*queue.Worker{w}}, testutil.DiscardLogger())

	sup.Stop() // stop before start is a no-op
	sup.Start(context.Background())
	sup.Start(context.Background())
	sup.Stop()
	sup.Stop()
}
