// Package ratelimit bounds outbound calls with a token bucket.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// TokenBucket accrues refillPerSecond tokens per second up to maxTokens. Each
// Acquire consumes one token.
type TokenBucket struct {
	mu              sync.Mutex
	tokens          float64
	maxTokens       float64
	refillPerSecond float64
	lastRefill      time.Time
	now             func() time.Time
}

// New returns a bucket that starts full.
func New(maxTokens, refillPerSecond float64) *TokenBucket {
	if maxTokens < 1 {
		maxTokens = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 1
	}
	b := &TokenBucket{
		tokens:          maxTokens,
		maxTokens:       maxTokens,
		refillPerSecond: refillPerSecond,
		now:             time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// refill must be called with mu held.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.maxTokens, b.tokens+elapsed*b.refillPerSecond)
		b.lastRefill = now
	}
}

// Acquire blocks until a token is available and consumes it. It only returns
// an error when ctx ends first.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.refillPerSecond * float64(time.Second))
		b.mu.Unlock()

		// Another caller may take the token first; loop and re-check after waking.
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available refills and returns the current token count.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}
