package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/barnlabs/barn/internal/config"
	"github.com/barnlabs/barn/internal/lock"
	"github.com/barnlabs/barn/internal/migrations"
	"github.com/barnlabs/barn/internal/postgres"
	"github.com/barnlabs/barn/internal/queue"
	"github.com/barnlabs/barn/internal/sqlite"
)

// newLogger builds the process logger from the logging config.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// loadConfig resolves the config for a command, folding in flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := make(map[string]string)
	for _, name := range []string{"database-url", "database-path", "workers", "scheduler", "bus", "sync"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			flags[name] = f.Value.String()
		}
	}
	configPath, _ := cmd.Flags().GetString("config")
	return config.Load(configPath, flags)
}

// backend is an opened database with the stores on top of it.
type backend struct {
	cfg       *config.Config
	pool      *pgxpool.Pool // nil for SQLite
	db        *sql.DB       // nil for PostgreSQL
	tasks     queue.TaskStore
	schedules queue.ScheduleStore
	locks     lock.Store
}

func (b *backend) close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}

// openBackend connects to the configured database, optionally applies
// migrations, and builds the stores. The bus only exists on PostgreSQL;
// on SQLite the producer side is silently disabled.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrate bool) (*backend, error) {
	b := &backend{cfg: cfg}

	if cfg.UsesPostgres() {
		pool, err := postgres.New(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxConns:        int32(cfg.Database.MaxConns),
			MinConns:        int32(cfg.Database.MinConns),
			HealthCheckSecs: cfg.Database.HealthCheckSecs,
		}, logger)
		if err != nil {
			return nil, err
		}
		if migrate {
			runner := migrations.NewRunner(pool, logger)
			if err := runner.Bootstrap(ctx); err != nil {
				pool.Close()
				return nil, err
			}
			if _, err := runner.Run(ctx); err != nil {
				pool.Close()
				return nil, fmt.Errorf("running migrations: %w", err)
			}
		}
		busCfg := queue.BusConfig{
			Enabled:         cfg.Bus.Enabled,
			ChannelTemplate: cfg.Bus.ChannelTemplate,
		}
		b.pool = pool
		b.tasks = queue.NewPGTaskStore(pool, busCfg)
		b.schedules = queue.NewPGScheduleStore(pool, busCfg)
		b.locks = lock.NewPGStore(pool)
		return b, nil
	}

	db, err := sqlite.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}
	if migrate {
		runner := migrations.NewSQLiteRunner(db, logger)
		if err := runner.Bootstrap(ctx); err != nil {
			db.Close()
			return nil, err
		}
		if _, err := runner.Run(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	b.db = db
	b.tasks = queue.NewSQLiteTaskStore(db)
	b.schedules = queue.NewSQLiteScheduleStore(db)
	b.locks = lock.NewSQLiteStore(db)
	return b, nil
}
