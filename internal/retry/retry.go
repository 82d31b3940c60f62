// Package retry runs fallible operations with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"regexp"
	"strings"
	"time"

	"ledgerflow/internal/domain"
)

// Policy defines retry behavior. Treat it as immutable once built.
type Policy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	IsRetryable       func(error) bool
}

// DefaultPolicy mirrors the classification backend defaults.
var DefaultPolicy = Policy{
	MaxRetries:        3,
	InitialDelay:      500 * time.Millisecond,
	MaxDelay:          10 * time.Second,
	BackoffMultiplier: 2.0,
	IsRetryable:       DefaultIsRetryable,
}

const jitterFraction = 0.2

// Retryable applies IsRetryable, or DefaultIsRetryable when unset.
func (p Policy) Retryable(err error) bool {
	if p.IsRetryable == nil {
		return DefaultIsRetryable(err)
	}
	return p.IsRetryable(err)
}

// Backoff returns the un-jittered delay before the retry that follows attempt
// (1-based): min(MaxDelay, InitialDelay * BackoffMultiplier^(attempt-1)).
func Backoff(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Jittered applies symmetric ±20% jitter to Backoff, never exceeding MaxDelay.
func Jittered(p Policy, attempt int) time.Duration {
	base := float64(Backoff(p, attempt))
	delay := base + base*jitterFraction*(2*rand.Float64()-1)
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do executes op up to p.MaxRetries times. Non-retryable errors and the error of
// the final attempt are returned as-is. onRetry, when set, is called before each
// wait and has no say in control flow.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), onRetry func(err error, attempt int)) (T, error) {
	var zero T
	maxRetries := p.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= maxRetries || !p.Retryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w: %w", ctx.Err(), err)
		}

		if onRetry != nil {
			onRetry(err, attempt)
		}
		if serr := sleep(ctx, Jittered(p, attempt)); serr != nil {
			return zero, fmt.Errorf("%w: %w", serr, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DefaultIsRetryable treats typed transient errors, per-call timeouts, network
// faults and rate-limit/5xx signals as retryable. Everything else is fatal,
// including an open breaker, which fails fast instead of waiting out the
// cooldown.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if domain.IsFatal(err) {
		return false
	}
	if domain.IsTransient(err) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	s := strings.ToLower(err.Error())
	if retryableStatus.MatchString(s) {
		return true
	}
	for _, signal := range retryableSignals {
		if strings.Contains(s, signal) {
			return true
		}
	}
	return false
}

// Status codes only count as whole numbers, so "amount 15000" is not a 500.
var retryableStatus = regexp.MustCompile(`\b(429|500|502|503|504)\b`)

var retryableSignals = []string{
	"too many requests", "rate limit",
	"timeout", "timed out",
	"connection reset", "connection refused", "broken pipe",
	"network is unreachable", "no such host",
	"internal server error", "bad gateway", "service unavailable",
}
