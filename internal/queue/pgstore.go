package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barnlabs/barn/internal/bus"
)

// intervalSec formats a time.Duration as a Postgres-compatible interval
// string. Go's Duration.String() produces "5m0s" which Postgres cannot
// parse; this produces "300 seconds" which is unambiguous.
func intervalSec(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

// BusConfig controls producer-side notifications. With Enabled false the
// stores stay silent and consumers rely on polling alone.
type BusConfig struct {
	Enabled         bool
	ChannelTemplate string
}

// PGTaskStore is the PostgreSQL task store.
type PGTaskStore struct {
	pool *pgxpool.Pool
	bus  BusConfig
}

// NewPGTaskStore creates a task store over the given pool.
func NewPGTaskStore(pool *pgxpool.Pool, busCfg BusConfig) *PGTaskStore {
	return &PGTaskStore{pool: pool, bus: busCfg}
}

const taskColumns = `id, func, args, status, run_at, created_at, started_at, finished_at, error, result`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.Func, &t.Args, &t.Status, &t.RunAt, &t.CreatedAt,
		&t.StartedAt, &t.FinishedAt, &t.Error, &t.Result,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// notify publishes a bus payload inside tx, so delivery rides the commit.
// Rows that are not yet eligible (future instants) are filtered here to
// avoid waking consumers for work they cannot claim.
func (b BusConfig) notify(ctx context.Context, tx pgx.Tx, model bus.Model, pk int64, ev bus.Event, at time.Time) error {
	if !b.Enabled || at.After(time.Now()) {
		return nil
	}
	body, err := bus.Payload{Model: model, PK: pk, Event: ev}.Encode()
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, bus.ChannelFor(b.ChannelTemplate, model), body)
	return err
}

func insertTask(ctx context.Context, tx pgx.Tx, b BusConfig, fn string, args []byte, runAt time.Time) (*Task, error) {
	var argsParam any
	if len(args) > 0 {
		argsParam = json.RawMessage(args)
	}
	row := tx.QueryRow(ctx,
		`INSERT INTO barn_task (func, args, run_at)
		 VALUES ($1, $2, COALESCE($3, now()))
		 RETURNING `+taskColumns,
		fn, argsParam, nullableTime(runAt),
	)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if err := b.notify(ctx, tx, bus.ModelTask, t.ID, bus.EventCreate, t.RunAt); err != nil {
		return nil, fmt.Errorf("notifying task insert: %w", err)
	}
	return t, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Enqueue inserts a new QUEUED task.
func (s *PGTaskStore) Enqueue(ctx context.Context, fn string, args []byte, opts EnqueueOpts) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	t, err := insertTask(ctx, tx, s.bus, fn, args, opts.RunAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return t, nil
}

// ClaimNext claims and executes the next ready task. The SELECT holds the
// row lock with SKIP LOCKED, exec runs under that lock, and the outcome is
// written before the same transaction commits. A crash anywhere in between
// aborts the transaction and the row reverts to QUEUED.
func (s *PGTaskStore) ClaimNext(ctx context.Context, exec Exec) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM barn_task
		 WHERE status = 'QUEUED' AND run_at < now()
		 ORDER BY run_at, id
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
	)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return false, tx.Commit(ctx)
	}
	if err != nil {
		return false, err
	}

	if err := finishTask(ctx, tx, t.ID, exec(ctx, t)); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit claim: %w", err)
	}
	return true, nil
}

// finishTask records the outcome in the claim's transaction.
func finishTask(ctx context.Context, tx pgx.Tx, id int64, out Outcome) error {
	var errText *string
	if out.Error != "" {
		errText = &out.Error
	}
	var result any
	if len(out.Result) > 0 {
		result = json.RawMessage(out.Result)
	}
	_, err := tx.Exec(ctx,
		`UPDATE barn_task SET
			status = $2,
			started_at = $3,
			finished_at = $4,
			error = $5,
			result = $6
		WHERE id = $1`,
		id, out.Status, out.StartedAt, out.FinishedAt, errText, result,
	)
	if err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}
	return nil
}

// RunSync locks a specific task (without skipping) and executes it in the
// caller's path. Used by the inline-execution mode.
func (s *PGTaskStore) RunSync(ctx context.Context, id int64, exec Exec) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM barn_task WHERE id = $1 FOR UPDATE`, id,
	)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("task %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	if t.Status != StatusQueued {
		return nil, ErrNotQueued
	}

	if err := finishTask(ctx, tx, t.ID, exec(ctx, t)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit sync run: %w", err)
	}
	return s.Get(ctx, id)
}

// Cancel deletes queued tasks whose func matches and whose args contain
// every pair of argsMatch (JSONB containment).
func (s *PGTaskStore) Cancel(ctx context.Context, fn string, argsMatch map[string]any) (bool, error) {
	if argsMatch == nil {
		argsMatch = map[string]any{}
	}
	match, err := json.Marshal(argsMatch)
	if err != nil {
		return false, fmt.Errorf("encoding args match: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM barn_task
		 WHERE status = 'QUEUED' AND func = $1 AND args @> $2::jsonb`,
		fn, match,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SweepOld deletes finished tasks older than ttl.
func (s *PGTaskStore) SweepOld(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM barn_task
		 WHERE status IN ('DONE', 'FAILED') AND run_at < now() - $1::interval`,
		intervalSec(ttl),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Get returns a task by id.
func (s *PGTaskStore) Get(ctx context.Context, id int64) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM barn_task WHERE id = $1`, id,
	)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("task %d not found", id)
	}
	return t, err
}

// List returns tasks with optional filters, newest first.
func (s *PGTaskStore) List(ctx context.Context, status Status, fn string, limit, offset int) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM barn_task WHERE 1=1`
	args := []any{}
	argN := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, status)
		argN++
	}
	if fn != "" {
		query += fmt.Sprintf(" AND func = $%d", argN)
		args = append(args, fn)
		argN++
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, limit)
		argN++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argN)
		args = append(args, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Task{}
	for rows.Next() {
		var t Task
		if err := rows.Scan(
			&t.ID, &t.Func, &t.Args, &t.Status, &t.RunAt, &t.CreatedAt,
			&t.StartedAt, &t.FinishedAt, &t.Error, &t.Result,
		); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Stats returns aggregate counts by status.
func (s *PGTaskStore) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'QUEUED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'DONE' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0)
		FROM barn_task
	`).Scan(&stats.Queued, &stats.Done, &stats.Failed)
	if err != nil {
		return nil, err
	}

	var age *float64
	err = s.pool.QueryRow(ctx,
		`SELECT EXTRACT(EPOCH FROM now() - MIN(run_at))
		 FROM barn_task WHERE status = 'QUEUED'`,
	).Scan(&age)
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}
	stats.OldestAge = age

	return &stats, nil
}

// --- Schedule store ---

// PGScheduleStore is the PostgreSQL schedule store.
type PGScheduleStore struct {
	pool *pgxpool.Pool
	bus  BusConfig
}

// NewPGScheduleStore creates a schedule store over the given pool.
func NewPGScheduleStore(pool *pgxpool.Pool, busCfg BusConfig) *PGScheduleStore {
	return &PGScheduleStore{pool: pool, bus: busCfg}
}

const scheduleColumns = `id, name, func, args, is_active, cron, interval_ms, next_run_at, last_run_at`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	var intervalMS *int64
	err := row.Scan(
		&s.ID, &s.Name, &s.Func, &s.Args, &s.IsActive, &s.Cron,
		&intervalMS, &s.NextRunAt, &s.LastRunAt,
	)
	if err != nil {
		return nil, err
	}
	if intervalMS != nil {
		d := time.Duration(*intervalMS) * time.Millisecond
		s.Interval = &d
	}
	return &s, nil
}

func intervalMillis(s *Schedule) *int64 {
	if s.Interval == nil {
		return nil
	}
	ms := s.Interval.Milliseconds()
	return &ms
}

// DrainDue claims every due schedule with SKIP LOCKED, lets visit advance
// each one, and persists the row plus the fired task in the same
// transaction. Advancing and enqueueing commit or abort together, so a
// tick is never half-applied.
func (s *PGScheduleStore) DrainDue(ctx context.Context, visit Visit) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT `+scheduleColumns+` FROM barn_schedule
		 WHERE is_active AND (next_run_at IS NULL OR next_run_at < now())
		 ORDER BY next_run_at NULLS FIRST, id
		 FOR UPDATE SKIP LOCKED`,
	)
	if err != nil {
		return 0, err
	}
	due, err := collectSchedules(rows)
	if err != nil {
		return 0, err
	}

	for i := range due {
		sched := &due[i]
		spec, err := visit(ctx, sched)
		if err != nil {
			return 0, err
		}
		if spec != nil {
			if _, err := insertTask(ctx, tx, s.bus, spec.Func, spec.Args, spec.RunAt); err != nil {
				return 0, fmt.Errorf("enqueue from schedule %d: %w", sched.ID, err)
			}
		}
		_, err = tx.Exec(ctx,
			`UPDATE barn_schedule SET
				is_active = $2,
				next_run_at = $3,
				last_run_at = $4
			WHERE id = $1`,
			sched.ID, sched.IsActive, sched.NextRunAt, sched.LastRunAt,
		)
		if err != nil {
			return 0, fmt.Errorf("advance schedule %d: %w", sched.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit drain: %w", err)
	}
	return len(due), nil
}

func collectSchedules(rows pgx.Rows) ([]Schedule, error) {
	defer rows.Close()
	var result []Schedule
	for rows.Next() {
		var s Schedule
		var intervalMS *int64
		if err := rows.Scan(
			&s.ID, &s.Name, &s.Func, &s.Args, &s.IsActive, &s.Cron,
			&intervalMS, &s.NextRunAt, &s.LastRunAt,
		); err != nil {
			return nil, err
		}
		if intervalMS != nil {
			d := time.Duration(*intervalMS) * time.Millisecond
			s.Interval = &d
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// Create inserts a schedule. A ready schedule (active, next_run_at null or
// past) is announced on the bus so an idle scheduler fires it promptly.
func (s *PGScheduleStore) Create(ctx context.Context, sched *Schedule) (*Schedule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var argsParam any
	if len(sched.Args) > 0 {
		argsParam = sched.Args
	}
	row := tx.QueryRow(ctx,
		`INSERT INTO barn_schedule (name, func, args, is_active, cron, interval_ms, next_run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+scheduleColumns,
		sched.Name, sched.Func, argsParam, sched.IsActive, sched.Cron,
		intervalMillis(sched), sched.NextRunAt,
	)
	created, err := scanSchedule(row)
	if err != nil {
		return nil, err
	}

	if created.IsActive && (created.NextRunAt == nil || !created.NextRunAt.After(time.Now())) {
		at := time.Time{} // zero: always eligible for notify filtering
		if created.NextRunAt != nil {
			at = *created.NextRunAt
		}
		if err := s.bus.notify(ctx, tx, bus.ModelSchedule, created.ID, bus.EventCreate, at); err != nil {
			return nil, fmt.Errorf("notifying schedule insert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return created, nil
}

// Get returns a schedule by id.
func (s *PGScheduleStore) Get(ctx context.Context, id int64) (*Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM barn_schedule WHERE id = $1`, id,
	)
	sched, err := scanSchedule(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("schedule %d not found", id)
	}
	return sched, err
}

// List returns all schedules.
func (s *PGScheduleStore) List(ctx context.Context) ([]Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM barn_schedule ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

// SetActive flips is_active.
func (s *PGScheduleStore) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE barn_schedule SET is_active = $2 WHERE id = $1`, id, active,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %d not found", id)
	}
	return nil
}

// Delete removes a schedule.
func (s *PGScheduleStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM barn_schedule WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %d not found", id)
	}
	return nil
}

// SweepOld deletes inactive schedules older than ttl.
func (s *PGScheduleStore) SweepOld(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM barn_schedule
		 WHERE NOT is_active AND next_run_at < now() - $1::interval`,
		intervalSec(ttl),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
