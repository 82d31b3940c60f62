// Package breaker implements a three-state circuit breaker.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned without calling the operation while the breaker is open,
// or while another half-open trial is in flight.
type OpenError struct {
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open: retry in %s", e.Remaining.Round(time.Millisecond))
}

type Options struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	// OnStateChange is invoked outside the lock after every transition.
	OnStateChange func(from, to State)
}

type Breaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	lastFailureAt    time.Time
	failureThreshold int
	resetTimeout     time.Duration
	probing          bool
	onStateChange    func(from, to State)
	now              func() time.Time
}

func New(opts Options) *Breaker {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		state:            Closed,
		failureThreshold: opts.FailureThreshold,
		resetTimeout:     opts.ResetTimeout,
		onStateChange:    opts.OnStateChange,
		now:              time.Now,
	}
}

// Execute runs op unless the breaker is open. Failures caused by ctx ending are
// not held against the dependency.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	if opErr != nil && ctx.Err() != nil {
		b.release(trial)
		return opErr
	}
	b.record(trial, opErr)
	return opErr
}

// Call is Execute for operations that produce a value.
func Call[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	var from, to State
	changed := false
	defer func() {
		b.mu.Unlock()
		if changed {
			b.notify(from, to)
		}
	}()

	switch b.state {
	case Closed:
		return false, nil
	case Open:
		elapsed := b.now().Sub(b.lastFailureAt)
		if elapsed < b.resetTimeout {
			return false, &OpenError{Remaining: b.resetTimeout - elapsed}
		}
		from, to, changed = Open, HalfOpen, true
		b.state = HalfOpen
		b.probing = true
		return true, nil
	default: // HalfOpen
		if b.probing {
			return false, &OpenError{}
		}
		b.probing = true
		return true, nil
	}
}

func (b *Breaker) record(trial bool, opErr error) {
	b.mu.Lock()
	from := b.state
	if trial {
		b.probing = false
	} else if b.state != Closed {
		// Outcome of a call admitted before the breaker tripped; only the trial
		// decides what happens next.
		b.mu.Unlock()
		return
	}
	if opErr == nil {
		b.failures = 0
		if b.state == HalfOpen {
			b.state = Closed
		}
	} else {
		b.failures++
		b.lastFailureAt = b.now()
		if b.failures >= b.failureThreshold {
			b.state = Open
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// release frees a trial slot without recording an outcome.
func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	ResetTimeout        string    `json:"reset_timeout"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.failureThreshold,
		LastFailureAt:       b.lastFailureAt,
		ResetTimeout:        b.resetTimeout.String(),
	}
}
