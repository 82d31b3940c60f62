package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"ledgerflow/internal/breaker"
	"ledgerflow/internal/domain"
	"ledgerflow/internal/queue"
)

type JobStore interface {
	Enqueue(ctx context.Context, j domain.Job) (string, error)
	RecoverStale(ctx context.Context, now time.Time) (int, error)
}

type CandidateSource interface {
	ListFallbackCandidates(ctx context.Context, cutoff time.Time, limit int) ([]queue.FallbackCandidate, error)
}

type StateReader interface {
	State() breaker.State
}

type Options struct {
	// Cron expressions (standard 5-field or descriptors like @every 1m).
	RecoverStaleSpec string
	ReclassifySpec   string

	// Fallback labels younger than ReclassifyAfter are left alone.
	ReclassifyAfter time.Duration
	BatchSize       int

	MaxAttempts       int
	JobDeadline       time.Duration
	VisibilityTimeout int
}

// Service runs recurring queue maintenance on a cron schedule.
type Service struct {
	jobs       JobStore
	candidates CandidateSource
	breaker    StateReader
	cron       *cron.Cron
	opts       Options
	now        func() time.Time
}

func NewService(jobs JobStore, candidates CandidateSource, b StateReader, opts Options) *Service {
	if opts.RecoverStaleSpec == "" {
		opts.RecoverStaleSpec = "@every 1m"
	}
	if opts.ReclassifySpec == "" {
		opts.ReclassifySpec = "@every 15m"
	}
	if opts.ReclassifyAfter <= 0 {
		opts.ReclassifyAfter = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Service{
		jobs:       jobs,
		candidates: candidates,
		breaker:    b,
		cron:       cron.New(),
		opts:       opts,
		now:        time.Now,
	}
}

// Start registers the sweeps and starts the cron runner. Jobs run with ctx.
func (s *Service) Start(ctx context.Context) error {
	recoverSched, err := ParseSchedule(s.opts.RecoverStaleSpec)
	if err != nil {
		return fmt.Errorf("recover stale: %w", err)
	}
	var reclassifySched cron.Schedule
	if s.candidates != nil {
		if reclassifySched, err = ParseSchedule(s.opts.ReclassifySpec); err != nil {
			return fmt.Errorf("reclassify: %w", err)
		}
	}

	now := s.now()
	event := log.Info().
		Str("recover_stale", s.opts.RecoverStaleSpec).
		Time("next_recover_stale", recoverSched.Next(now))

	s.cron.Schedule(recoverSched, cron.FuncJob(func() {
		if _, err := s.RecoverStale(ctx); err != nil {
			log.Error().Err(err).Msg("failed to recover stale jobs")
		}
	}))
	if reclassifySched != nil {
		s.cron.Schedule(reclassifySched, cron.FuncJob(func() {
			if _, err := s.Reclassify(ctx); err != nil {
				log.Error().Err(err).Msg("failed to reclassify fallback labels")
			}
		}))
		event = event.
			Str("reclassify", s.opts.ReclassifySpec).
			Time("next_reclassify", reclassifySched.Next(now))
	}

	s.cron.Start()
	event.Msg("schedule service started")
	return nil
}

// Stop stops the cron runner and waits for running sweeps.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// RecoverStale requeues jobs whose lease expired, e.g. after a crash.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	n, err := s.jobs.RecoverStale(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running jobs")
	}
	return n, nil
}

// Reclassify re-enqueues transactions whose latest label came from the
// fallback classifier. It does nothing unless the breaker is closed.
func (s *Service) Reclassify(ctx context.Context) (int, error) {
	if st := s.breaker.State(); st != breaker.Closed {
		log.Debug().Str("state", st.String()).Msg("breaker not closed, skipping reclassification")
		return 0, nil
	}

	now := s.now()
	candidates, err := s.candidates.ListFallbackCandidates(ctx, now.Add(-s.opts.ReclassifyAfter), s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list fallback candidates: %w", err)
	}

	enqueued := 0
	for _, c := range candidates {
		key := ReclassifyKey(c.Payload.TransactionRef)
		job := domain.Job{
			Type:              domain.TypeClassify,
			Payload:           c.Payload,
			MaxAttempts:       s.opts.MaxAttempts,
			VisibilityTimeout: s.opts.VisibilityTimeout,
			IdempotencyKey:    &key,
		}
		if s.opts.JobDeadline > 0 {
			d := now.Add(s.opts.JobDeadline)
			job.Deadline = &d
		}
		id, err := s.jobs.Enqueue(ctx, job)
		if err != nil {
			log.Error().Err(err).Str("job_id", c.JobID).Str("transaction_ref", c.Payload.TransactionRef).Msg("failed to enqueue reclassification")
			continue
		}
		enqueued++
		log.Debug().Str("job_id", id).Str("previous_job_id", c.JobID).Msg("reclassification enqueued")
	}

	if enqueued > 0 {
		log.Info().Int("enqueued", enqueued).Msg("fallback labels queued for reclassification")
	}
	return enqueued, nil
}

// ReclassifyKey is the idempotency key of the single reclassification job a
// transaction may get.
func ReclassifyKey(transactionRef string) string {
	return queue.ReclassifyKeyPrefix + transactionRef
}

// ParseSchedule parses a standard 5-field cron expression or a descriptor such
// as "@every 1m" or "@hourly", the forms the service accepts.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}
