package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// The SQLite stores keep the PostgreSQL semantics for a single process.
// There is no SKIP LOCKED: transactions opened with _txlock=immediate
// serialize writers, so a claim either sees a row or waits. Timestamps are
// stored as unix milliseconds in INTEGER columns.

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func rawToNullString(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// SQLiteTaskStore is the SQLite task store.
type SQLiteTaskStore struct {
	db *sql.DB
}

// NewSQLiteTaskStore creates a task store over the given handle.
func NewSQLiteTaskStore(db *sql.DB) *SQLiteTaskStore {
	return &SQLiteTaskStore{db: db}
}

const sqliteTaskColumns = `id, func, args, status, run_at, created_at, started_at, finished_at, error, result`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row taskScanner) (*Task, error) {
	var (
		t                     Task
		args, errText, result sql.NullString
		runAt, createdAt      int64
		startedAt, finishedAt sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.Func, &args, &t.Status, &runAt, &createdAt,
		&startedAt, &finishedAt, &errText, &result,
	)
	if err != nil {
		return nil, err
	}
	if args.Valid {
		t.Args = json.RawMessage(args.String)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if errText.Valid {
		t.Error = &errText.String
	}
	t.RunAt = fromMillis(runAt)
	t.CreatedAt = fromMillis(createdAt)
	t.StartedAt = fromNullMillis(startedAt)
	t.FinishedAt = fromNullMillis(finishedAt)
	return &t, nil
}

// Enqueue inserts a new QUEUED task.
func (s *SQLiteTaskStore) Enqueue(ctx context.Context, fn string, args []byte, opts EnqueueOpts) (*Task, error) {
	now := time.Now()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO barn_task (func, args, status, run_at, created_at)
		 VALUES (?, ?, 'QUEUED', ?, ?)`,
		fn, rawToNullString(args), toMillis(runAt), toMillis(now),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ClaimNext claims and executes the next ready task. The immediate
// transaction holds the write lock for the whole execution, mirroring the
// PostgreSQL row lock.
func (s *SQLiteTaskStore) ClaimNext(ctx context.Context, exec Exec) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM barn_task
		 WHERE status = 'QUEUED' AND run_at < ?
		 ORDER BY run_at, id
		 LIMIT 1`,
		toMillis(time.Now()),
	)
	t, err := scanSQLiteTask(row)
	if err == sql.ErrNoRows {
		return false, tx.Commit()
	}
	if err != nil {
		return false, err
	}

	if err := finishSQLiteTask(ctx, tx, t.ID, exec(ctx, t)); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim: %w", err)
	}
	return true, nil
}

func finishSQLiteTask(ctx context.Context, tx *sql.Tx, id int64, out Outcome) error {
	var errText sql.NullString
	if out.Error != "" {
		errText = sql.NullString{String: out.Error, Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE barn_task SET
			status = ?,
			started_at = ?,
			finished_at = ?,
			error = ?,
			result = ?
		WHERE id = ?`,
		out.Status, toMillis(out.StartedAt), toMillis(out.FinishedAt),
		errText, rawToNullString(out.Result), id,
	)
	if err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}
	return nil
}

// RunSync executes a specific queued task in the caller's path.
func (s *SQLiteTaskStore) RunSync(ctx context.Context, id int64, exec Exec) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM barn_task WHERE id = ?`, id,
	)
	t, err := scanSQLiteTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	if t.Status != StatusQueued {
		return nil, ErrNotQueued
	}

	if err := finishSQLiteTask(ctx, tx, t.ID, exec(ctx, t)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sync run: %w", err)
	}
	return s.Get(ctx, id)
}

// Cancel deletes queued tasks whose func matches and whose args contain
// every pair of argsMatch. SQLite has no JSONB containment operator, so
// candidates are decoded and compared here.
func (s *SQLiteTaskStore) Cancel(ctx context.Context, fn string, argsMatch map[string]any) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT id, args FROM barn_task WHERE status = 'QUEUED' AND func = ?`, fn,
	)
	if err != nil {
		return false, err
	}
	var victims []int64
	for rows.Next() {
		var (
			id   int64
			args sql.NullString
		)
		if err := rows.Scan(&id, &args); err != nil {
			rows.Close()
			return false, err
		}
		if argsContain(args, argsMatch) {
			victims = append(victims, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	for _, id := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM barn_task WHERE id = ?`, id); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cancel: %w", err)
	}
	return len(victims) > 0, nil
}

// argsContain reports whether the stored args object contains every pair of
// match, following JSONB @> semantics for flat objects.
func argsContain(stored sql.NullString, match map[string]any) bool {
	if len(match) == 0 {
		return true
	}
	if !stored.Valid {
		return false
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(stored.String), &decoded); err != nil {
		return false
	}
	for k, want := range match {
		got, ok := decoded[k]
		if !ok || !containedIn(normalizeJSON(want), got) {
			return false
		}
	}
	return true
}

// containedIn mirrors JSONB containment for decoded values: objects match
// when every pair of want appears in got, everything else by equality.
func containedIn(want, got any) bool {
	wantObj, wok := want.(map[string]any)
	gotObj, gok := got.(map[string]any)
	if wok && gok {
		for k, v := range wantObj {
			inner, ok := gotObj[k]
			if !ok || !containedIn(v, inner) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(want, got)
}

// normalizeJSON round-trips a Go value through JSON so numeric types line
// up with the float64s produced by decoding stored args.
func normalizeJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// SweepOld deletes finished tasks older than ttl.
func (s *SQLiteTaskStore) SweepOld(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM barn_task
		 WHERE status IN ('DONE', 'FAILED') AND run_at < ?`,
		toMillis(time.Now().Add(-ttl)),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Get returns a task by id.
func (s *SQLiteTaskStore) Get(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM barn_task WHERE id = ?`, id,
	)
	t, err := scanSQLiteTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d not found", id)
	}
	return t, err
}

// List returns tasks with optional filters, newest first.
func (s *SQLiteTaskStore) List(ctx context.Context, status Status, fn string, limit, offset int) ([]Task, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + sqliteTaskColumns + ` FROM barn_task WHERE 1=1`)
	args := []any{}
	if status != "" {
		sb.WriteString(" AND status = ?")
		args = append(args, status)
	}
	if fn != "" {
		sb.WriteString(" AND func = ?")
		args = append(args, fn)
	}
	sb.WriteString(" ORDER BY id DESC")
	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	if offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Task{}
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// Stats returns aggregate counts by status.
func (s *SQLiteTaskStore) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'QUEUED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'DONE' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0)
		FROM barn_task
	`).Scan(&stats.Queued, &stats.Done, &stats.Failed)
	if err != nil {
		return nil, err
	}

	var oldest sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(run_at) FROM barn_task WHERE status = 'QUEUED'`,
	).Scan(&oldest)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if oldest.Valid {
		age := time.Since(fromMillis(oldest.Int64)).Seconds()
		stats.OldestAge = &age
	}
	return &stats, nil
}

// SQLiteScheduleStore is the SQLite schedule store.
type SQLiteScheduleStore struct {
	db *sql.DB
}

// NewSQLiteScheduleStore creates a schedule store over the given handle.
func NewSQLiteScheduleStore(db *sql.DB) *SQLiteScheduleStore {
	return &SQLiteScheduleStore{db: db}
}

const sqliteScheduleColumns = `id, name, func, args, is_active, cron, interval_ms, next_run_at, last_run_at`

func scanSQLiteSchedule(row taskScanner) (*Schedule, error) {
	var (
		s                    Schedule
		name, args, cron     sql.NullString
		intervalMS           sql.NullInt64
		nextRunAt, lastRunAt sql.NullInt64
	)
	err := row.Scan(
		&s.ID, &name, &s.Func, &args, &s.IsActive, &cron,
		&intervalMS, &nextRunAt, &lastRunAt,
	)
	if err != nil {
		return nil, err
	}
	if name.Valid {
		s.Name = &name.String
	}
	if args.Valid {
		s.Args = json.RawMessage(args.String)
	}
	if cron.Valid {
		s.Cron = &cron.String
	}
	if intervalMS.Valid {
		d := time.Duration(intervalMS.Int64) * time.Millisecond
		s.Interval = &d
	}
	s.NextRunAt = fromNullMillis(nextRunAt)
	s.LastRunAt = fromNullMillis(lastRunAt)
	return &s, nil
}

func sqliteIntervalMillis(s *Schedule) sql.NullInt64 {
	if s.Interval == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.Interval.Milliseconds(), Valid: true}
}

// DrainDue claims every due schedule in one immediate transaction, calls
// visit on each, persists the mutated row, and enqueues the returned tasks
// in the same transaction.
func (s *SQLiteScheduleStore) DrainDue(ctx context.Context, visit Visit) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT `+sqliteScheduleColumns+` FROM barn_schedule
		 WHERE is_active AND (next_run_at IS NULL OR next_run_at < ?)
		 ORDER BY next_run_at IS NOT NULL, next_run_at, id`,
		toMillis(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	var due []Schedule
	for rows.Next() {
		sched, err := scanSQLiteSchedule(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, *sched)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for i := range due {
		sched := &due[i]
		spec, err := visit(ctx, sched)
		if err != nil {
			return 0, err
		}
		if spec != nil {
			now := time.Now()
			runAt := spec.RunAt
			if runAt.IsZero() {
				runAt = now
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO barn_task (func, args, status, run_at, created_at)
				 VALUES (?, ?, 'QUEUED', ?, ?)`,
				spec.Func, rawToNullString(spec.Args), toMillis(runAt), toMillis(now),
			)
			if err != nil {
				return 0, fmt.Errorf("enqueue from schedule %d: %w", sched.ID, err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE barn_schedule SET
				is_active = ?,
				next_run_at = ?,
				last_run_at = ?
			WHERE id = ?`,
			sched.IsActive, toNullMillis(sched.NextRunAt), toNullMillis(sched.LastRunAt), sched.ID,
		)
		if err != nil {
			return 0, fmt.Errorf("advance schedule %d: %w", sched.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit drain: %w", err)
	}
	return len(due), nil
}

// Create inserts a schedule.
func (s *SQLiteScheduleStore) Create(ctx context.Context, sched *Schedule) (*Schedule, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO barn_schedule (name, func, args, is_active, cron, interval_ms, next_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullString(sched.Name), sched.Func, rawToNullString(sched.Args),
		sched.IsActive, nullString(sched.Cron), sqliteIntervalMillis(sched),
		toNullMillis(sched.NextRunAt),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get returns a schedule by id.
func (s *SQLiteScheduleStore) Get(ctx context.Context, id int64) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteScheduleColumns+` FROM barn_schedule WHERE id = ?`, id,
	)
	sched, err := scanSQLiteSchedule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule %d not found", id)
	}
	return sched, err
}

// List returns all schedules.
func (s *SQLiteScheduleStore) List(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteScheduleColumns+` FROM barn_schedule ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Schedule
	for rows.Next() {
		sched, err := scanSQLiteSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sched)
	}
	return result, rows.Err()
}

// SetActive flips is_active.
func (s *SQLiteScheduleStore) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE barn_schedule SET is_active = ? WHERE id = ?`, active, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %d not found", id)
	}
	return nil
}

// Delete removes a schedule.
func (s *SQLiteScheduleStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM barn_schedule WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %d not found", id)
	}
	return nil
}

// SweepOld deletes inactive schedules older than ttl.
func (s *SQLiteScheduleStore) SweepOld(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM barn_schedule
		 WHERE NOT is_active AND next_run_at < ?`,
		toMillis(time.Now().Add(-ttl)),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
