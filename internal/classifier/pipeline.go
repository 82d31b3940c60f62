// Package classifier turns transaction classification jobs into labels, calling
// the external backend behind a rate limiter, circuit breaker and retry policy,
// and falling back to keyword heuristics when the backend is unusable.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"ledgerflow/internal/breaker"
	"ledgerflow/internal/domain"
	"ledgerflow/internal/metrics"
	"ledgerflow/internal/retry"
)

// Backend is the external classification service. Errors should be
// *domain.TransientError or *domain.FatalError.
type Backend interface {
	Classify(ctx context.Context, p domain.Payload) (domain.Classification, error)
}

// Sink persists the final record and triggers downstream side effects. AI
// labels reach it as the backend returned them, trimmed of surrounding space.
type Sink interface {
	Record(ctx context.Context, rec domain.Record) error
}

type Limiter interface {
	Acquire(ctx context.Context) error
}

// Fallback reasons.
const (
	ReasonInvalidInput     = "invalid_input"
	ReasonRateLimitWait    = "rate_limit_wait"
	ReasonCircuitOpen      = "circuit_open"
	ReasonDeadline         = "deadline_exceeded"
	ReasonBackendFatal     = "backend_fatal"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonEmptyLabel       = "empty_label"
)

type Options struct {
	Retry              retry.Policy
	CallTimeout        time.Duration
	AutoApplyThreshold float64
	Fallback           *Fallback
	// OnFallback observes every fallback decision.
	OnFallback func(job domain.Job, reason string, err error)
}

type Pipeline struct {
	backend  Backend
	sink     Sink
	limiter  Limiter
	breaker  *breaker.Breaker
	fallback *Fallback
	opts     Options
}

func NewPipeline(backend Backend, sink Sink, limiter Limiter, brk *breaker.Breaker, opts Options) *Pipeline {
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = retry.DefaultPolicy
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.AutoApplyThreshold <= 0 {
		opts.AutoApplyThreshold = 0.8
	}
	fb := opts.Fallback
	if fb == nil {
		fb = NewFallback(nil)
	}
	return &Pipeline{backend: backend, sink: sink, limiter: limiter, breaker: brk, fallback: fb, opts: opts}
}

// Handle classifies the job and records the result. Backend failures never
// surface here; only sink failures are returned, as transient errors.
func (p *Pipeline) Handle(ctx context.Context, job domain.Job) error {
	cls, reason := p.Classify(ctx, job)

	rec := domain.Record{
		JobID:          job.ID,
		TransactionRef: job.Payload.TransactionRef,
		Label:          cls.Label,
		Confidence:     cls.Confidence,
		Source:         cls.Source,
		AutoApplied:    cls.Source == domain.SourceAI && cls.Confidence >= p.opts.AutoApplyThreshold,
		FallbackReason: reason,
		RecordedAt:     time.Now(),
	}
	if err := p.sink.Record(ctx, rec); err != nil {
		return domain.Transient("sink_write", err)
	}

	metrics.ClassificationsTotal.WithLabelValues(string(rec.Source), fmt.Sprint(rec.AutoApplied)).Inc()
	log.Info().
		Str("job_id", job.ID).
		Str("transaction_ref", rec.TransactionRef).
		Str("label", rec.Label).
		Float64("confidence", rec.Confidence).
		Str("source", string(rec.Source)).
		Bool("auto_applied", rec.AutoApplied).
		Msg("transaction classified")
	return nil
}

// Classify always produces a label. The second result is the fallback reason,
// empty when the backend answered.
func (p *Pipeline) Classify(ctx context.Context, job domain.Job) (domain.Classification, string) {
	if strings.TrimSpace(job.Payload.Description) == "" {
		return p.useFallback(job, ReasonInvalidInput, domain.Fatal("empty description", nil))
	}

	cctx := ctx
	if job.Deadline != nil {
		var cancel context.CancelFunc
		cctx, cancel = context.WithDeadline(ctx, *job.Deadline)
		defer cancel()
	}

	if err := p.limiter.Acquire(cctx); err != nil {
		return p.useFallback(job, ReasonRateLimitWait, err)
	}
	if g, ok := p.limiter.(interface{ Available() float64 }); ok {
		metrics.RateLimiterTokens.Set(g.Available())
	}

	cls, err := breaker.Call(cctx, p.breaker, func(ctx context.Context) (domain.Classification, error) {
		return retry.Do(ctx, p.opts.Retry, p.callBackend(job), func(err error, attempt int) {
			metrics.BackendRetries.Inc()
			log.Warn().Err(err).Str("job_id", job.ID).Int("attempt", attempt).Msg("classification backend call failed, retrying")
		})
	})
	if err != nil {
		return p.useFallback(job, failureReason(cctx, err), err)
	}

	label := strings.TrimSpace(cls.Label)
	if label == "" {
		return p.useFallback(job, ReasonEmptyLabel, errors.New("backend returned empty label"))
	}
	return domain.Classification{
		Label:      label,
		Confidence: clamp01(cls.Confidence),
		Source:     domain.SourceAI,
	}, ""
}

func (p *Pipeline) callBackend(job domain.Job) func(ctx context.Context) (domain.Classification, error) {
	return func(ctx context.Context) (domain.Classification, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		defer cancel()

		start := time.Now()
		cls, err := p.backend.Classify(callCtx, job.Payload)
		metrics.BackendLatency.Observe(time.Since(start).Seconds())
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return cls, domain.Transient("call_timeout", err)
		}
		return cls, err
	}
}

func (p *Pipeline) useFallback(job domain.Job, reason string, err error) (domain.Classification, string) {
	cls := p.fallback.Classify(job.Payload)
	metrics.FallbacksTotal.WithLabelValues(reason).Inc()
	log.Warn().
		Err(err).
		Str("job_id", job.ID).
		Str("reason", reason).
		Str("label", cls.Label).
		Msg("using fallback classifier")
	if p.opts.OnFallback != nil {
		p.opts.OnFallback(job, reason, err)
	}
	return cls, reason
}

func failureReason(ctx context.Context, err error) string {
	var openErr *breaker.OpenError
	switch {
	case errors.As(err, &openErr):
		return ReasonCircuitOpen
	case ctx.Err() != nil:
		return ReasonDeadline
	case domain.IsFatal(err):
		return ReasonBackendFatal
	default:
		return ReasonRetriesExhausted
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
