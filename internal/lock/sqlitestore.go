package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore is the SQLite lease store. Single-process deployments rarely
// need election, but running one keeps the supervisor uniform across
// backends. Timestamps are unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a lease store over the given handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) TryAcquire(ctx context.Context, name, owner string, leaseTTL time.Duration) (bool, time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO barn_lock (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name,
	)
	if err != nil {
		return false, time.Time{}, err
	}

	var (
		curOwner sql.NullString
		lockedAt sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT owner, locked_at FROM barn_lock WHERE name = ?`, name,
	).Scan(&curOwner, &lockedAt)
	if err != nil {
		return false, time.Time{}, err
	}

	now := time.Now()
	held := curOwner.Valid && lockedAt.Valid
	if held && time.UnixMilli(lockedAt.Int64).After(now.Add(-leaseTTL)) {
		return false, time.Time{}, tx.Commit()
	}

	token := now.Truncate(time.Millisecond)
	_, err = tx.ExecContext(ctx,
		`UPDATE barn_lock SET owner = ?, locked_at = ? WHERE name = ?`,
		owner, token.UnixMilli(), name,
	)
	if err != nil {
		return false, time.Time{}, err
	}
	if err := tx.Commit(); err != nil {
		return false, time.Time{}, fmt.Errorf("commit acquire: %w", err)
	}
	return true, token, nil
}

func (s *SQLiteStore) Confirm(ctx context.Context, name, owner string, token time.Time) (time.Time, bool, error) {
	next := time.Now().Truncate(time.Millisecond)
	res, err := s.db.ExecContext(ctx,
		`UPDATE barn_lock SET locked_at = ?
		 WHERE name = ? AND owner = ? AND locked_at = ?`,
		next.UnixMilli(), name, owner, token.UnixMilli(),
	)
	if err != nil {
		return time.Time{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, false, err
	}
	return next, n > 0, nil
}

func (s *SQLiteStore) Release(ctx context.Context, name, owner string, token time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE barn_lock SET owner = NULL, locked_at = NULL
		 WHERE name = ? AND owner = ? AND locked_at = ?`,
		name, owner, token.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
