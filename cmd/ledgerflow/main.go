package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ledgerflow/internal/api"
	"ledgerflow/internal/backend"
	"ledgerflow/internal/breaker"
	"ledgerflow/internal/classifier"
	"ledgerflow/internal/config"
	"ledgerflow/internal/deadletter"
	"ledgerflow/internal/domain"
	"ledgerflow/internal/metrics"
	"ledgerflow/internal/queue"
	"ledgerflow/internal/ratelimit"
	"ledgerflow/internal/scheduler"
	"ledgerflow/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogging(cfg)

	db, err := queue.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open db")
	}
	defer db.Close()

	repo := queue.NewSQLiteRepo(db)
	results := queue.NewResultStore(db)
	if n, err := repo.RecoverStale(context.Background(), time.Now()); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale running jobs")
	}

	// Shared by every worker.
	limiter := ratelimit.New(float64(cfg.RateLimit.MaxTokens), cfg.RateLimit.RefillPerSecond)
	brk := breaker.New(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		OnStateChange: func(from, to breaker.State) {
			metrics.BreakerState.Set(float64(to))
			metrics.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
			log.Warn().Str("from", from.String()).Str("state", to.String()).Msg("circuit breaker transition")
		},
	})

	client, err := backend.NewHTTP(backend.Options{
		BaseURL: cfg.Backend.URL,
		APIKey:  cfg.Backend.APIKey,
		Model:   cfg.Backend.Model,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("classification backend")
	}

	policy := cfg.RetryPolicy()
	pipeline := classifier.NewPipeline(client, results, limiter, brk, classifier.Options{
		Retry:              policy,
		CallTimeout:        cfg.CallTimeout,
		AutoApplyThreshold: cfg.AutoApplyConfidenceThreshold,
	})

	var archive *deadletter.Archive
	if cfg.Redis.URL != "" {
		archive, err = deadletter.NewArchive(deadletter.Config{
			URL:       cfg.Redis.URL,
			Password:  cfg.Redis.Password,
			Namespace: cfg.Redis.Namespace,
			Retention: cfg.Redis.Retention,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("dead-letter archive")
		}
		defer archive.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(repo, map[string]worker.Route{
		domain.TypeClassify: {Handler: pipeline, Policy: policy},
	}, worker.Options{
		Concurrency:  cfg.Workers,
		PollInterval: cfg.PollInterval,
		Hooks: worker.Hooks{
			OnDeadLettered: func(job domain.Job, jobErr error) {
				if archive == nil {
					return
				}
				if err := archive.Add(ctx, deadletter.EntryFromJob(job, jobErr, time.Now())); err != nil {
					log.Error().Err(err).Str("job_id", job.ID).Msg("archive dead letter")
				}
			},
		},
	})
	pool.Start(ctx)

	sched := scheduler.NewService(repo, results, brk, scheduler.Options{
		RecoverStaleSpec:  cfg.Schedules.RecoverStale,
		ReclassifySpec:    cfg.Schedules.Reclassify,
		ReclassifyAfter:   cfg.Schedules.ReclassifyAfter,
		MaxAttempts:       cfg.Job.MaxAttempts,
		JobDeadline:       cfg.Job.Deadline,
		VisibilityTimeout: cfg.VisibilityTimeoutSeconds(),
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	deps := api.Deps{
		Repo:    repo,
		Results: results,
		Breaker: brk,
		Defaults: api.JobDefaults{
			MaxAttempts:       cfg.Job.MaxAttempts,
			Deadline:          cfg.Job.Deadline,
			VisibilityTimeout: cfg.VisibilityTimeoutSeconds(),
		},
	}
	if archive != nil {
		deps.Archive = archive
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(deps, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	sched.Stop()
	pool.Stop()
	cancel()
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}
