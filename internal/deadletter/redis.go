// Package deadletter mirrors dead-lettered jobs into Redis so operators can
// inspect them without touching the SQLite queue.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"ledgerflow/internal/domain"
)

const defaultRetention = 7 * 24 * time.Hour

// Entry is the archived view of a dead-lettered job.
type Entry struct {
	JobID          string    `json:"job_id"`
	Type           string    `json:"type"`
	TransactionRef string    `json:"transaction_ref"`
	Description    string    `json:"description"`
	Attempt        int       `json:"attempt"`
	MaxAttempts    int       `json:"max_attempts"`
	Error          string    `json:"error"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

func EntryFromJob(j domain.Job, err error, at time.Time) Entry {
	e := Entry{
		JobID:          j.ID,
		Type:           j.Type,
		TransactionRef: j.Payload.TransactionRef,
		Description:    j.Payload.Description,
		Attempt:        j.Attempt,
		MaxAttempts:    j.MaxAttempts,
		DeadLetteredAt: at.UTC(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

type Config struct {
	URL       string
	Password  string
	Namespace string
	Retention time.Duration
}

// Archive stores entries as JSON strings indexed by a sorted set scored on the
// dead-letter time.
type Archive struct {
	rdb       *redis.Client
	namespace string
	retention time.Duration
}

// NewArchive connects to Redis and verifies the connection.
func NewArchive(cfg Config) (*Archive, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newArchive(rdb, cfg), nil
}

func newArchive(rdb *redis.Client, cfg Config) *Archive {
	ns := cfg.Namespace
	if ns == "" {
		ns = "ledgerflow"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Archive{rdb: rdb, namespace: ns, retention: retention}
}

func (a *Archive) Close() error {
	return a.rdb.Close()
}

// Key helpers
func (a *Archive) indexKey() string {
	return fmt.Sprintf("%s:dead_letters", a.namespace)
}

func (a *Archive) entryKey(jobID string) string {
	return fmt.Sprintf("%s:dead_letter:%s", a.namespace, jobID)
}

func (a *Archive) Add(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := a.rdb.TxPipeline()
	pipe.Set(ctx, a.entryKey(e.JobID), data, a.retention)
	pipe.ZAdd(ctx, a.indexKey(), redis.Z{
		Score:  float64(e.DeadLetteredAt.UnixMilli()),
		Member: e.JobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to archive dead letter %s: %w", e.JobID, err)
	}
	return nil
}

// List returns up to limit entries, newest first. Index members whose entry
// expired are pruned on the way.
func (a *Archive) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := a.rdb.ZRevRange(ctx, a.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		data, err := a.rdb.Get(ctx, a.entryKey(id)).Bytes()
		if err == redis.Nil {
			a.rdb.ZRem(ctx, a.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get dead letter %s: %w", id, err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Remove drops an entry once an operator has requeued the job.
func (a *Archive) Remove(ctx context.Context, jobID string) error {
	if err := a.rdb.ZRem(ctx, a.indexKey(), jobID).Err(); err != nil {
		return fmt.Errorf("failed to remove from index: %w", err)
	}
	if err := a.rdb.Del(ctx, a.entryKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	return nil
}

// Count is the number of indexed entries, expired ones included until the
// next List prunes them.
func (a *Archive) Count(ctx context.Context) (int, error) {
	n, err := a.rdb.ZCard(ctx, a.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}
