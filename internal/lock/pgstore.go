package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the PostgreSQL lease store. All timestamps are the server's
// now(), so fencing-token comparisons never mix clocks.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a lease store over the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) TryAcquire(ctx context.Context, name, owner string, leaseTTL time.Duration) (bool, time.Time, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The row is created lazily, unowned, so the FOR UPDATE below always
	// has something to lock.
	_, err = tx.Exec(ctx,
		`INSERT INTO barn_lock (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name,
	)
	if err != nil {
		return false, time.Time{}, err
	}

	var (
		curOwner *string
		lockedAt *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT owner, locked_at FROM barn_lock WHERE name = $1 FOR UPDATE`, name,
	).Scan(&curOwner, &lockedAt)
	if err != nil {
		return false, time.Time{}, err
	}

	free := curOwner == nil || lockedAt == nil
	if !free {
		var expired bool
		err = tx.QueryRow(ctx,
			`SELECT locked_at < now() - $2::interval FROM barn_lock WHERE name = $1`,
			name, intervalSec(leaseTTL),
		).Scan(&expired)
		if err != nil {
			return false, time.Time{}, err
		}
		if !expired {
			return false, time.Time{}, tx.Commit(ctx)
		}
	}

	var token time.Time
	err = tx.QueryRow(ctx,
		`UPDATE barn_lock SET owner = $2, locked_at = now()
		 WHERE name = $1
		 RETURNING locked_at`,
		name, owner,
	).Scan(&token)
	if err != nil {
		return false, time.Time{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, time.Time{}, fmt.Errorf("commit acquire: %w", err)
	}
	return true, token, nil
}

func (s *PGStore) Confirm(ctx context.Context, name, owner string, token time.Time) (time.Time, bool, error) {
	var next time.Time
	err := s.pool.QueryRow(ctx,
		`UPDATE barn_lock SET locked_at = now()
		 WHERE name = $1 AND owner = $2 AND locked_at = $3
		 RETURNING locked_at`,
		name, owner, token,
	).Scan(&next)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return next, true, nil
}

func (s *PGStore) Release(ctx context.Context, name, owner string, token time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE barn_lock SET owner = NULL, locked_at = NULL
		 WHERE name = $1 AND owner = $2 AND locked_at = $3`,
		name, owner, token,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func intervalSec(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
