package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished job attempts by outcome (succeeded, retried, dead_lettered, failed)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerflow_jobs_total",
			Help: "Total number of job attempts by outcome",
		},
		[]string{"type", "outcome"},
	)

	// JobDuration tracks handler latency per attempt
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerflow_job_duration_seconds",
			Help:    "Job handler latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// ActiveJobs tracks occupied worker slots
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerflow_active_jobs",
			Help: "Number of jobs currently held by a worker slot",
		},
	)

	// ClassificationsTotal counts produced labels by provenance
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerflow_classifications_total",
			Help: "Total number of classifications by source",
		},
		[]string{"source", "auto_applied"},
	)

	// FallbacksTotal counts fallbacks by reason
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerflow_fallbacks_total",
			Help: "Total number of fallback classifications by reason",
		},
		[]string{"reason"},
	)

	// BackendRetries counts retries of backend calls
	BackendRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerflow_backend_retries_total",
			Help: "Total number of retried classification backend calls",
		},
	)

	// BackendLatency tracks individual backend call latency
	BackendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledgerflow_backend_latency_seconds",
			Help:    "Classification backend call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BreakerState is 0 closed, 1 open, 2 half-open
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerflow_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)

	// BreakerTransitions counts breaker state changes
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerflow_breaker_transitions_total",
			Help: "Total number of circuit breaker transitions",
		},
		[]string{"from", "to"},
	)

	// RateLimiterTokens reports tokens observed after each acquire
	RateLimiterTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerflow_ratelimiter_tokens",
			Help: "Tokens available in the backend rate limiter",
		},
	)
)
