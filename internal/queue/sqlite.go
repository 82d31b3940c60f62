package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"ledgerflow/internal/domain"
	_ "modernc.org/sqlite"
)

var (
	ErrEmpty    = errors.New("no jobs ready")
	ErrNotFound = errors.New("job not found")
)

// Open opens the SQLite database at path and ensures the schema exists.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist. Timestamps are unix milliseconds.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('queued','running','succeeded','failed','dead_lettered')) DEFAULT 'queued',
  attempt INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  enqueued_at INTEGER NOT NULL,
  next_run_at INTEGER NOT NULL,
  deadline INTEGER,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  idempotency_key TEXT,
  last_error TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_next_run ON jobs(status, next_run_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS job_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  finished_at INTEGER NOT NULL,
  outcome TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(job_id) REFERENCES jobs(id)
);
CREATE TABLE IF NOT EXISTS classifications (
  job_id TEXT PRIMARY KEY,
  transaction_ref TEXT NOT NULL,
  label TEXT NOT NULL,
  confidence REAL NOT NULL,
  source TEXT NOT NULL CHECK(source IN ('ai','fallback')),
  auto_applied INTEGER NOT NULL DEFAULT 0,
  fallback_reason TEXT NOT NULL DEFAULT '',
  recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_classifications_txn ON classifications(transaction_ref, recorded_at);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, j domain.Job) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Job, error)
	Reschedule(ctx context.Context, id, errStr string, runAt time.Time) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, errStr string) error
	DeadLetter(ctx context.Context, id, errStr string) (bool, error)
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Job, error)
	ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

const jobColumns = `id,type,payload,status,attempt,max_attempts,enqueued_at,next_run_at,deadline,visibility_timeout,idempotency_key,last_error,updated_at`

func (r *sqliteRepo) Enqueue(ctx context.Context, j domain.Job) (string, error) {
	id := j.ID
	if id == "" {
		id = "job_" + uuid.NewString()
	}
	if j.Type == "" {
		j.Type = domain.TypeClassify
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 5
	}
	if j.VisibilityTimeout <= 0 {
		j.VisibilityTimeout = 60
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	if j.IdempotencyKey != nil {
		row := r.db.QueryRowContext(ctx, "SELECT id FROM jobs WHERE idempotency_key = ?", *j.IdempotencyKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		}
	}

	now := r.now().UnixMilli()
	runAt := now
	if !j.NextRunAt.IsZero() {
		runAt = j.NextRunAt.UnixMilli()
	}
	var deadline sql.NullInt64
	if j.Deadline != nil {
		deadline = sql.NullInt64{Int64: j.Deadline.UnixMilli(), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO jobs (id,type,payload,status,attempt,max_attempts,enqueued_at,next_run_at,deadline,visibility_timeout,idempotency_key,last_error,updated_at)
VALUES (?,?,?,'queued',0,?,?,?,?,?,?,'',?)
`, id, j.Type, payload, j.MaxAttempts, now, runAt, deadline, j.VisibilityTimeout, j.IdempotencyKey, now)
	return id, err
}

// LeaseNext claims the oldest due job, marks it running and counts the attempt.
func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status='queued' AND next_run_at <= ?
ORDER BY next_run_at ASC, enqueued_at ASC
LIMIT 1
`, now.UnixMilli())
	j, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='running', attempt=attempt+1, updated_at=? WHERE id=? AND status='queued'`,
		now.UnixMilli(), j.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Job{}, ErrEmpty
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}

	j.Status = domain.StatusRunning
	j.Attempt++
	j.UpdatedAt = now
	return j, nil
}

func (r *sqliteRepo) Reschedule(ctx context.Context, id, errStr string, runAt time.Time) error {
	return r.finish(ctx, id, "retried", errStr, `
UPDATE jobs SET status='queued', next_run_at=?, last_error=?, updated_at=? WHERE id=? AND status='running'`,
		runAt.UnixMilli(), errStr, r.now().UnixMilli(), id)
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	return r.finish(ctx, id, "succeeded", "", `
UPDATE jobs SET status='succeeded', last_error='', updated_at=? WHERE id=? AND status='running'`,
		r.now().UnixMilli(), id)
}

// Fail marks a job failed without dead-lettering it (no handler for its type).
func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	return r.finish(ctx, id, "failed", errStr, `
UPDATE jobs SET status='failed', last_error=?, updated_at=? WHERE id=? AND status='running'`,
		errStr, r.now().UnixMilli(), id)
}

// DeadLetter moves a running job to its terminal dead_lettered state. It reports
// false when the job was not running, so the transition happens at most once.
func (r *sqliteRepo) DeadLetter(ctx context.Context, id, errStr string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='dead_lettered', last_error=?, updated_at=? WHERE id=? AND status='running'`,
		errStr, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := insertAttempt(ctx, tx, id, "dead_lettered", errStr, now); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (r *sqliteRepo) finish(ctx context.Context, id, outcome, errStr, query string, args ...any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", outcome, id, ErrNotFound)
	}
	if err := insertAttempt(ctx, tx, id, outcome, errStr, r.now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func insertAttempt(ctx context.Context, tx *sql.Tx, id, outcome, errStr string, at int64) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO job_attempts(job_id, attempt, finished_at, outcome, error)
SELECT id, attempt, ?, ?, ? FROM jobs WHERE id=?`, at, outcome, errStr, id)
	return err
}

// RecoverStale requeues running jobs whose lease expired. Jobs that already used
// their last attempt are dead-lettered instead.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	ms := now.UnixMilli()
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = CASE WHEN attempt >= max_attempts THEN 'dead_lettered' ELSE 'queued' END,
    last_error = 'lease expired',
    next_run_at = ?,
    updated_at = ?
WHERE status='running' AND updated_at + visibility_timeout*1000 < ?`, ms, ms, ms)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row)
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY enqueued_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (r *sqliteRepo) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs WHERE status=? ORDER BY updated_at DESC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		j                                domain.Job
		payload                          []byte
		status                           string
		enqueuedAt, nextRunAt, updatedAt int64
		deadline                         sql.NullInt64
		idem                             sql.NullString
	)
	err := row.Scan(&j.ID, &j.Type, &payload, &status, &j.Attempt, &j.MaxAttempts, &enqueuedAt, &nextRunAt,
		&deadline, &j.VisibilityTimeout, &idem, &j.LastError, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return domain.Job{}, fmt.Errorf("decode payload of %s: %w", j.ID, err)
	}
	j.Status = domain.JobStatus(status)
	j.EnqueuedAt = time.UnixMilli(enqueuedAt)
	j.NextRunAt = time.UnixMilli(nextRunAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	if deadline.Valid {
		d := time.UnixMilli(deadline.Int64)
		j.Deadline = &d
	}
	if idem.Valid {
		s := idem.String
		j.IdempotencyKey = &s
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
