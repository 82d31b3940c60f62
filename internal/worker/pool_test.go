package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/queue"
	"ledgerflow/internal/retry"
)

// memSource is an in-memory queue with the same status transitions as the
// SQLite repository.
type memSource struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	order []string
	dead  int
}

func newMemSource(jobs ...domain.Job) *memSource {
	s := &memSource{jobs: make(map[string]*domain.Job)}
	for i := range jobs {
		j := jobs[i]
		j.Status = domain.StatusQueued
		s.jobs[j.ID] = &j
		s.order = append(s.order, j.ID)
	}
	return s
}

func (s *memSource) LeaseNext(ctx context.Context, now time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status == domain.StatusQueued && !j.NextRunAt.After(now) {
			j.Status = domain.StatusRunning
			j.Attempt++
			return *j, nil
		}
	}
	return domain.Job{}, queue.ErrEmpty
}

func (s *memSource) transition(id string, to domain.JobStatus, errStr string) error {
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.StatusRunning {
		return fmt.Errorf("%s: %w", id, queue.ErrNotFound)
	}
	j.Status = to
	j.LastError = errStr
	return nil
}

func (s *memSource) Reschedule(ctx context.Context, id, errStr string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(id, domain.StatusQueued, errStr); err != nil {
		return err
	}
	s.jobs[id].NextRunAt = runAt
	return nil
}

func (s *memSource) Succeed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, domain.StatusSucceeded, "")
}

func (s *memSource) Fail(ctx context.Context, id, errStr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, domain.StatusFailed, errStr)
}

func (s *memSource) DeadLetter(ctx context.Context, id, errStr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; !ok || j.Status != domain.StatusRunning {
		return false, nil
	}
	s.dead++
	return true, s.transition(id, domain.StatusDeadLettered, errStr)
}

func (s *memSource) status(id string) domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

func (s *memSource) attempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Attempt
}

func classifyJob(id string, maxAttempts int) domain.Job {
	return domain.Job{ID: id, Type: domain.TypeClassify, MaxAttempts: maxAttempts}
}

var fastPolicy = retry.Policy{
	MaxRetries:        3,
	InitialDelay:      5 * time.Millisecond,
	MaxDelay:          20 * time.Millisecond,
	BackoffMultiplier: 2,
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPool_BoundedConcurrency(t *testing.T) {
	var jobs []domain.Job
	for i := 0; i < 20; i++ {
		jobs = append(jobs, classifyJob(fmt.Sprintf("job_%02d", i), 3))
	}
	src := newMemSource(jobs...)

	var active, peak int32
	var completed sync.WaitGroup
	completed.Add(20)
	handler := HandlerFunc(func(ctx context.Context, job domain.Job) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})

	pool := NewPool(src, map[string]Route{domain.TypeClassify: {Handler: handler, Policy: fastPolicy}}, Options{
		Concurrency:  5,
		PollInterval: 10 * time.Millisecond,
		Hooks:        Hooks{OnCompleted: func(domain.Job, time.Duration) { completed.Done() }},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	pool.Start(ctx)
	completed.Wait()
	elapsed := time.Since(start)
	pool.Stop()

	if peak > 5 {
		t.Errorf("peak concurrency = %d, want <= 5", peak)
	}
	if peak < 5 {
		t.Errorf("peak concurrency = %d, want 5", peak)
	}
	if elapsed < 380*time.Millisecond || elapsed > 900*time.Millisecond {
		t.Errorf("elapsed = %v, want about 400ms", elapsed)
	}
	for _, j := range jobs {
		if got := src.status(j.ID); got != domain.StatusSucceeded {
			t.Errorf("status(%s) = %q, want %q", j.ID, got, domain.StatusSucceeded)
		}
	}
}

func TestPool_RetryableErrorReschedules(t *testing.T) {
	src := newMemSource(classifyJob("job_retry", 3))

	var calls int32
	handler := HandlerFunc(func(ctx context.Context, job domain.Job) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return domain.Transient("sink_write", errors.New("database is locked"))
		}
		return nil
	})

	var retries int32
	done := make(chan struct{})
	pool := NewPool(src, map[string]Route{domain.TypeClassify: {Handler: handler, Policy: fastPolicy}}, Options{
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		Hooks: Hooks{
			OnRetry:     func(domain.Job, error, time.Duration) { atomic.AddInt32(&retries, 1) },
			OnCompleted: func(domain.Job, time.Duration) { close(done) },
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not complete")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("handler calls = %d, want 2", got)
	}
	if got := atomic.LoadInt32(&retries); got != 1 {
		t.Errorf("OnRetry calls = %d, want 1", got)
	}
	if got := src.attempts("job_retry"); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestPool_DeadLetterExactlyOnce(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int32
	}{
		{"fatal error", domain.Fatal("bad_payload", errors.New("missing description")), 1},
		{"retries exhausted", domain.Transient("sink_write", errors.New("disk full")), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newMemSource(classifyJob("job_dead", 3))

			var calls, deadLettered int32
			handler := HandlerFunc(func(ctx context.Context, job domain.Job) error {
				atomic.AddInt32(&calls, 1)
				return tt.err
			})
			pool := NewPool(src, map[string]Route{domain.TypeClassify: {Handler: handler, Policy: fastPolicy}}, Options{
				Concurrency:  2,
				PollInterval: 5 * time.Millisecond,
				Hooks: Hooks{OnDeadLettered: func(job domain.Job, err error) {
					atomic.AddInt32(&deadLettered, 1)
				}},
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			waitFor(t, 2*time.Second, func() bool { return src.status("job_dead") == domain.StatusDeadLettered })
			// keep polling for a while; a dead-lettered job must never come back
			time.Sleep(50 * time.Millisecond)
			pool.Stop()

			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("handler calls = %d, want %d", got, tt.wantCalls)
			}
			if got := atomic.LoadInt32(&deadLettered); got != 1 {
				t.Errorf("OnDeadLettered calls = %d, want 1", got)
			}
			if src.dead != 1 {
				t.Errorf("dead-letter transitions = %d, want 1", src.dead)
			}
		})
	}
}

func TestPool_UnknownTypeFails(t *testing.T) {
	src := newMemSource(domain.Job{ID: "job_unknown", Type: "resize_image", MaxAttempts: 3})
	pool := NewPool(src, map[string]Route{}, Options{Concurrency: 1, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, time.Second, func() bool { return src.status("job_unknown") == domain.StatusFailed })
}

func TestPool_PanicIsFatal(t *testing.T) {
	src := newMemSource(classifyJob("job_panic", 3))
	handler := HandlerFunc(func(ctx context.Context, job domain.Job) error {
		panic("nil map write")
	})
	var gotErr error
	var mu sync.Mutex
	pool := NewPool(src, map[string]Route{domain.TypeClassify: {Handler: handler, Policy: fastPolicy}}, Options{
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		Hooks: Hooks{OnDeadLettered: func(job domain.Job, err error) {
			mu.Lock()
			gotErr = err
			mu.Unlock()
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	waitFor(t, time.Second, func() bool { return src.status("job_panic") == domain.StatusDeadLettered })
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !domain.IsFatal(gotErr) {
		t.Errorf("dead-letter error = %v, want fatal", gotErr)
	}
	if src.attempts("job_panic") != 1 {
		t.Errorf("attempts = %d, want 1", src.attempts("job_panic"))
	}
}

func TestPool_StopWaitsForInFlight(t *testing.T) {
	src := newMemSource(classifyJob("job_slow", 3))
	started := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, job domain.Job) error {
		close(started)
		time.Sleep(80 * time.Millisecond)
		return nil
	})
	pool := NewPool(src, map[string]Route{domain.TypeClassify: {Handler: handler, Policy: fastPolicy}}, Options{
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler not started")
	}
	pool.Stop()

	if got := src.status("job_slow"); got != domain.StatusSucceeded {
		t.Errorf("status after Stop = %q, want %q", got, domain.StatusSucceeded)
	}
}
