package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ledgerflow/internal/domain"
)

// ResultStore persists classification records. Writes are keyed on the job id so
// a redelivered job overwrites its earlier record instead of duplicating it.
type ResultStore struct {
	db *sql.DB
}

func NewResultStore(db *sql.DB) *ResultStore { return &ResultStore{db: db} }

func (s *ResultStore) Record(ctx context.Context, rec domain.Record) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO classifications (job_id,transaction_ref,label,confidence,source,auto_applied,fallback_reason,recorded_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET
  transaction_ref=excluded.transaction_ref,
  label=excluded.label,
  confidence=excluded.confidence,
  source=excluded.source,
  auto_applied=excluded.auto_applied,
  fallback_reason=excluded.fallback_reason,
  recorded_at=excluded.recorded_at
`, rec.JobID, rec.TransactionRef, rec.Label, rec.Confidence, string(rec.Source), rec.AutoApplied, rec.FallbackReason, rec.RecordedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record classification for %s: %w", rec.JobID, err)
	}
	return nil
}

func (s *ResultStore) Get(ctx context.Context, jobID string) (domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT job_id,transaction_ref,label,confidence,source,auto_applied,fallback_reason,recorded_at
FROM classifications WHERE job_id=?`, jobID)
	var (
		rec        domain.Record
		source     string
		recordedAt int64
	)
	err := row.Scan(&rec.JobID, &rec.TransactionRef, &rec.Label, &rec.Confidence, &source, &rec.AutoApplied, &rec.FallbackReason, &recordedAt)
	if err == sql.ErrNoRows {
		return domain.Record{}, ErrNotFound
	}
	if err != nil {
		return domain.Record{}, err
	}
	rec.Source = domain.Source(source)
	rec.RecordedAt = time.UnixMilli(recordedAt)
	return rec, nil
}

// FallbackCandidate is a transaction whose latest label came from the fallback
// classifier.
type FallbackCandidate struct {
	JobID   string
	Payload domain.Payload
}

// ReclassifyKeyPrefix prefixes the idempotency key of a transaction's
// reclassification job. A transaction is reclassified at most once.
const ReclassifyKeyPrefix = "reclassify:"

// Fallback reasons that a second backend call cannot fix.
var unrecoverableReasons = []string{"invalid_input", "backend_fatal", "empty_label"}

// ListFallbackCandidates returns transactions whose most recent record is a
// fallback label recorded before cutoff. Records that fell back for an
// unrecoverable reason, and transactions that already have a reclassification
// job, are skipped.
func (s *ResultStore) ListFallbackCandidates(ctx context.Context, cutoff time.Time, limit int) ([]FallbackCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.job_id, j.payload
FROM classifications c
JOIN jobs j ON j.id = c.job_id
WHERE c.source = 'fallback'
  AND c.recorded_at < ?
  AND c.fallback_reason NOT IN (?,?,?)
  AND NOT EXISTS (
    SELECT 1 FROM classifications newer
    WHERE newer.transaction_ref = c.transaction_ref AND newer.recorded_at > c.recorded_at
  )
  AND NOT EXISTS (
    SELECT 1 FROM jobs r WHERE r.idempotency_key = ? || c.transaction_ref
  )
ORDER BY c.recorded_at ASC
LIMIT ?`, cutoff.UnixMilli(),
		unrecoverableReasons[0], unrecoverableReasons[1], unrecoverableReasons[2],
		ReclassifyKeyPrefix, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FallbackCandidate
	for rows.Next() {
		var (
			c       FallbackCandidate
			payload []byte
		)
		if err := rows.Scan(&c.JobID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &c.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", c.JobID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
