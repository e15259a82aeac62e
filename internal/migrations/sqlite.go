package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"time"
)

// SQLiteRunner applies the SQLite migrations.
type SQLiteRunner struct {
	db     *sql.DB
	logger *slog.Logger
	fsys   fs.FS
	dir    string
}

// NewSQLiteRunner creates a SQLiteRunner over the embedded migration files.
func NewSQLiteRunner(db *sql.DB, logger *slog.Logger) *SQLiteRunner {
	return &SQLiteRunner{db: db, logger: logger, fsys: migrationFiles, dir: "sql/sqlite"}
}

// Bootstrap creates the tracking table. Idempotent.
func (r *SQLiteRunner) Bootstrap(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS barn_schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	return nil
}

// Run applies every pending migration and returns how many were applied.
func (r *SQLiteRunner) Run(ctx context.Context) (int, error) {
	names, err := listMigrations(r.fsys, r.dir)
	if err != nil {
		return 0, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT name FROM barn_schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("reading applied migrations: %w", err)
	}
	done := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, err
		}
		done[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
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

func (r *SQLiteRunner) apply(ctx context.Context, name, body string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO barn_schema_migrations (name, applied_at) VALUES (?, ?)`,
		name, time.Now().UnixMilli(),
	); err != nil {
		return err
	}
	return tx.Commit()
}
