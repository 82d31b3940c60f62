package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"ledgerflow/internal/domain"
	"ledgerflow/internal/metrics"
	"ledgerflow/internal/queue"
	"ledgerflow/internal/retry"
)

type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
}

type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// Route binds a job type to its handler and the policy used to space out
// redeliveries after retryable failures.
type Route struct {
	Handler Handler
	Policy  retry.Policy
}

// Source is the part of queue.Repository the pool drives.
type Source interface {
	LeaseNext(ctx context.Context, now time.Time) (domain.Job, error)
	Reschedule(ctx context.Context, id, errStr string, runAt time.Time) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, errStr string) error
	DeadLetter(ctx context.Context, id, errStr string) (bool, error)
}

type Hooks struct {
	OnCompleted    func(job domain.Job, took time.Duration)
	OnRetry        func(job domain.Job, err error, delay time.Duration)
	OnDeadLettered func(job domain.Job, err error)
}

type Options struct {
	Concurrency  int
	PollInterval time.Duration
	Hooks        Hooks
}

const (
	defaultConcurrency  = 5
	defaultPollInterval = 250 * time.Millisecond
)

type Pool struct {
	source    Source
	routes    map[string]Route
	sem       chan struct{}
	stop      chan struct{}
	pollEvery time.Duration
	hooks     Hooks
	now       func() time.Time

	loop     sync.WaitGroup
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewPool(source Source, routes map[string]Route, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Pool{
		source:    source,
		routes:    routes,
		sem:       make(chan struct{}, opts.Concurrency),
		stop:      make(chan struct{}),
		pollEvery: opts.PollInterval,
		hooks:     opts.Hooks,
		now:       time.Now,
	}
}

// Start runs the poll loop in the background until Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context) {
	p.loop.Add(1)
	go func() {
		defer p.loop.Done()
		p.Run(ctx)
	}()
}

// Stop stops leasing new jobs, waits for the loop started by Start to return
// and then for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.loop.Wait()
	p.wg.Wait()
}

// Run polls the source and dispatches jobs until ctx is done or Stop is called.
// Jobs already dispatched keep running on ctx.
func (p *Pool) Run(ctx context.Context) {
	log.Info().Int("workers", cap(p.sem)).Dur("poll_interval", p.pollEvery).Msg("worker pool started")
	defer log.Info().Msg("worker pool stopped")

	t := time.NewTicker(p.pollEvery)
	defer t.Stop()

	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.drain(ctx)
		}
	}
}

// drain leases due jobs until the source is empty. A slot is taken before each
// lease so concurrency never exceeds the pool size.
func (p *Pool) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case p.sem <- struct{}{}:
		}
		select {
		case <-p.stop:
			<-p.sem
			return
		default:
		}

		job, err := p.source.LeaseNext(ctx, p.now())
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				log.Error().Err(err).Msg("lease next job")
			}
			return
		}

		p.wg.Add(1)
		metrics.ActiveJobs.Inc()
		go func(j domain.Job) {
			defer func() {
				metrics.ActiveJobs.Dec()
				<-p.sem
				p.wg.Done()
			}()
			p.process(ctx, j)
		}(job)
	}
}

func (p *Pool) process(ctx context.Context, job domain.Job) {
	route, ok := p.routes[job.Type]
	if !ok {
		log.Warn().Str("job_id", job.ID).Str("type", job.Type).Msg("no handler for job type")
		if err := p.source.Fail(ctx, job.ID, "no handler for type "+job.Type); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("mark job failed")
		}
		metrics.JobsTotal.WithLabelValues(job.Type, "failed").Inc()
		return
	}

	hctx := ctx
	if job.VisibilityTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, time.Duration(job.VisibilityTimeout)*time.Second)
		defer cancel()
	}

	start := time.Now()
	err := safeHandle(hctx, route.Handler, job)
	took := time.Since(start)
	metrics.JobDuration.WithLabelValues(job.Type).Observe(took.Seconds())

	switch {
	case err == nil:
		if serr := p.source.Succeed(ctx, job.ID); serr != nil {
			log.Error().Err(serr).Str("job_id", job.ID).Msg("mark job succeeded")
			return
		}
		metrics.JobsTotal.WithLabelValues(job.Type, "succeeded").Inc()
		if p.hooks.OnCompleted != nil {
			p.hooks.OnCompleted(job, took)
		}

	case route.Policy.Retryable(err) && job.CanRetry():
		delay := retry.Jittered(route.Policy, job.Attempt)
		if serr := p.source.Reschedule(ctx, job.ID, err.Error(), p.now().Add(delay)); serr != nil {
			log.Error().Err(serr).Str("job_id", job.ID).Msg("reschedule job")
			return
		}
		log.Warn().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempt).Dur("delay", delay).Msg("job rescheduled")
		metrics.JobsTotal.WithLabelValues(job.Type, "retried").Inc()
		if p.hooks.OnRetry != nil {
			p.hooks.OnRetry(job, err, delay)
		}

	default:
		moved, serr := p.source.DeadLetter(ctx, job.ID, err.Error())
		if serr != nil {
			log.Error().Err(serr).Str("job_id", job.ID).Msg("dead-letter job")
			return
		}
		if !moved {
			return
		}
		log.Error().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempt).Msg("job dead-lettered")
		metrics.JobsTotal.WithLabelValues(job.Type, "dead_lettered").Inc()
		if p.hooks.OnDeadLettered != nil {
			p.hooks.OnDeadLettered(job, err)
		}
	}
}

func safeHandle(ctx context.Context, h Handler, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.ID).Interface("panic", r).Msg("handler panicked")
			err = domain.Fatal("panic", fmt.Errorf("%v", r))
		}
	}()
	return h.Handle(ctx, job)
}
