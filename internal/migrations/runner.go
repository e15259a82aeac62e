// Package migrations creates and evolves the barn_* tables. Migrations
// are embedded SQL files applied in lexical order, each in its own
// transaction, tracked in barn_schema_migrations.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql
var migrationFiles embed.FS

// Applied records one applied migration.
type Applied struct {
	Name      string
	AppliedAt time.Time
}

// Runner applies the PostgreSQL migrations.
type Runner struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	fsys   fs.FS
	dir    string
}

// NewRunner creates a Runner over the embedded migration files.
func NewRunner(pool *pgxpool.Pool, logger *slog.Logger) *Runner {
	return &Runner{pool: pool, logger: logger, fsys: migrationFiles, dir: "sql/postgres"}
}

// NewRunnerWithFS creates a Runner over a caller-supplied filesystem whose
// migrations live directly under sql/. Used by tests.
func NewRunnerWithFS(pool *pgxpool.Pool, logger *slog.Logger, fsys fs.FS) *Runner {
	return &Runner{pool: pool, logger: logger, fsys: fsys, dir: "sql"}
}

// Bootstrap creates the tracking table. Idempotent.
func (r *Runner) Bootstrap(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS barn_schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	return nil
}

// Run applies every pending migration and returns how many were applied.
// A failing migration rolls back atomically and stops the run.
func (r *Runner) Run(ctx context.Context) (int, error) {
	names, err := listMigrations(r.fsys, r.dir)
	if err != nil {
		return 0, err
	}

	done, err := r.appliedSet(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, name := range names {
		if done[name] {
			continue
		}
		body, err := fs.ReadFile(r.fsys, path.Join(r.dir, name))
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := r.apply(ctx, name, string(body)); err != nil {
			return applied, fmt.Errorf("applying migration %s: %w", name, err)
		}
		r.logger.Info("migration applied", "name", name)
		applied++
	}
	return applied, nil
}

func (r *Runner) apply(ctx context.Context, name, body string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, body); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO barn_schema_migrations (name) VALUES ($1)`, name,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Runner) appliedSet(ctx context.Context) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `SELECT name FROM barn_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}

// GetApplied returns the applied migrations in application order.
func (r *Runner) GetApplied(ctx context.Context) ([]Applied, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT name, applied_at FROM barn_schema_migrations ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := []Applied{}
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

// listMigrations returns the .sql file names under dir, sorted.
func listMigrations(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
