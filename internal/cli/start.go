package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/barnlabs/barn/internal/bus"
	"github.com/barnlabs/barn/internal/cli/ui"
	"github.com/barnlabs/barn/internal/config"
	"github.com/barnlabs/barn/internal/lock"
	"github.com/barnlabs/barn/internal/queue"
	"github.com/barnlabs/barn/internal/supervisor"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run workers and the scheduler",
	Long: `Start the barn process: worker loops draining the task queue, plus
(unless disabled) the scheduler firing due schedules. With PostgreSQL and
multiple processes, a leader elector ensures only one scheduler ticks.

  barn start
  barn start --database-url postgresql://localhost:5432/mydb --workers 4 --bus`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	startCmd.Flags().String("database-path", "", "SQLite database file (used when no URL is set)")
	startCmd.Flags().Int("workers", 0, "Number of worker loops (default 1)")
	startCmd.Flags().Bool("scheduler", true, "Run the scheduler in this process")
	startCmd.Flags().Bool("bus", false, "Enable LISTEN/NOTIFY wakeups (PostgreSQL only)")
	startCmd.Flags().Bool("sync", false, "Execute enqueued tasks inline (testing mode)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprint(os.Stderr, ui.FormatError(err.Error(),
			"barn config generate", "barn start --help"))
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()

	spin := ui.NewStepSpinner(os.Stderr, !ui.ColorEnabled())
	spin.Start("Connecting to database...")
	b, err := openBackend(ctx, cfg, logger, true)
	if err != nil {
		spin.Fail()
		fmt.Fprint(os.Stderr, ui.FormatError(err.Error()))
		return err
	}
	defer b.close()
	spin.Done()

	q := queue.New(b.tasks, b.schedules, logger)
	q.Sync = cfg.Task.Sync
	queue.RegisterBuiltins(q.Registry, logger)

	var workers []*queue.Worker
	for i := 0; i < cfg.Worker.Count; i++ {
		workers = append(workers, queue.NewWorker(q, queue.WorkerConfig{
			PollInterval: cfg.Task.PollDuration(),
			FinishedTTL:  cfg.Task.FinishedTTLDuration(),
		}, logger.With("worker", i)))
	}

	var scheduler *queue.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = queue.NewScheduler(q, queue.SchedulerConfig{
			PollInterval: cfg.Schedule.PollDuration(),
			FinishedTTL:  cfg.Schedule.FinishedTTLDuration(),
		}, logger)
	}

	var elector *lock.Elector
	if cfg.Scheduler.Enabled && cfg.Elector.Enabled {
		elector, err = lock.NewElector(b.locks, lock.ElectorConfig{
			Name:      cfg.Elector.LeaseName,
			Owner:     cfg.Elector.Owner,
			Heartbeat: cfg.Elector.HeartbeatDuration(),
			LeaseTTL:  cfg.Elector.LeaseTTLDuration(),
		}, logger)
		if err != nil {
			fmt.Fprint(os.Stderr, ui.FormatError(err.Error()))
			return err
		}
	}

	var listener *bus.Listener
	if cfg.Bus.Enabled && b.pool != nil {
		listener = bus.NewListener(b.pool, cfg.Bus.ChannelTemplate, logger)
		for _, w := range workers {
			listener.Subscribe(bus.ModelTask, w.Wakeup())
		}
		if scheduler != nil {
			listener.Subscribe(bus.ModelSchedule, scheduler.Wakeup())
		}
	}

	sup := supervisor.New(supervisor.Components{
		Workers:   workers,
		Scheduler: scheduler,
		Elector:   elector,
		Listener:  listener,
	}, logger)
	sup.Start(ctx)
	printBanner(cfg)

	// Cooperative shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())
	sup.Stop()
	return nil
}

func printBanner(cfg *config.Config) {
	backendName := "sqlite"
	location := cfg.Database.Path
	if cfg.UsesPostgres() {
		backendName = "postgres"
		location = cfg.Database.URL
	}
	fmt.Fprintf(os.Stderr, "\n  %s %s\n\n", ui.BrandEmoji, ui.StyleBrandHeader.Render("barn "+buildVersion))
	fmt.Fprintf(os.Stderr, "  %s %s (%s)\n", ui.StyleLabel.Render("Database"), location, backendName)
	fmt.Fprintf(os.Stderr, "  %s %d\n", ui.StyleLabel.Render("Workers"), cfg.Worker.Count)
	fmt.Fprintf(os.Stderr, "  %s %v\n", ui.StyleLabel.Render("Scheduler"), cfg.Scheduler.Enabled)
	fmt.Fprintf(os.Stderr, "  %s %v\n\n", ui.StyleLabel.Render("Bus"), cfg.Bus.Enabled && cfg.UsesPostgres())
	fmt.Fprintf(os.Stderr, "  %s\n\n", ui.StyleHint.Render("Press Ctrl+C to stop"))
}
