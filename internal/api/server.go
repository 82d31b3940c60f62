package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"ledgerflow/internal/breaker"
	"ledgerflow/internal/deadletter"
	"ledgerflow/internal/domain"
	"ledgerflow/internal/queue"
)

type Results interface {
	Get(ctx context.Context, jobID string) (domain.Record, error)
}

type BreakerView interface {
	Snapshot() breaker.Snapshot
}

// Archive is the optional Redis mirror of dead-lettered jobs.
type Archive interface {
	List(ctx context.Context, limit int) ([]deadletter.Entry, error)
	Count(ctx context.Context) (int, error)
	Remove(ctx context.Context, jobID string) error
}

// JobDefaults apply to jobs submitted without explicit limits.
type JobDefaults struct {
	MaxAttempts       int
	Deadline          time.Duration
	VisibilityTimeout int
}

type Deps struct {
	Repo     queue.Repository
	Results  Results
	Breaker  BreakerView
	Archive  Archive
	Defaults JobDefaults
}

type Server struct {
	r    *chi.Mux
	deps Deps
	now  func() time.Time
}

func NewServer(deps Deps) http.Handler {
	return NewServerWithDebug(deps, false)
}

func NewServerWithDebug(deps Deps, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, deps: deps, now: time.Now}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.submitJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Get("/dead-letters", s.listDeadLetters)
		r.Post("/dead-letters/{id}/requeue", s.requeueDeadLetter)
		r.Get("/breaker", s.breakerState)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	TransactionRef  string  `json:"transaction_ref"`
	Description     string  `json:"description"`
	Amount          float64 `json:"amount"`
	Kind            string  `json:"kind"`
	MaxAttempts     int     `json:"max_attempts"`
	DeadlineSeconds int     `json:"deadline_seconds"`
	IdempotencyKey  *string `json:"idempotency_key"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.TransactionRef) == "" {
		http.Error(w, "transaction_ref is required", http.StatusBadRequest)
		return
	}
	if req.MaxAttempts < 0 || req.DeadlineSeconds < 0 {
		http.Error(w, "max_attempts and deadline_seconds must not be negative", http.StatusBadRequest)
		return
	}

	job := s.newJob(domain.Payload{
		TransactionRef: req.TransactionRef,
		Description:    req.Description,
		Amount:         req.Amount,
		Kind:           req.Kind,
	})
	if req.MaxAttempts > 0 {
		job.MaxAttempts = req.MaxAttempts
	}
	if req.DeadlineSeconds > 0 {
		d := s.now().Add(time.Duration(req.DeadlineSeconds) * time.Second)
		job.Deadline = &d
	}
	job.IdempotencyKey = req.IdempotencyKey

	id, err := s.deps.Repo.Enqueue(r.Context(), job)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) newJob(p domain.Payload) domain.Job {
	job := domain.Job{
		Type:              domain.TypeClassify,
		Payload:           p,
		MaxAttempts:       s.deps.Defaults.MaxAttempts,
		VisibilityTimeout: s.deps.Defaults.VisibilityTimeout,
	}
	if s.deps.Defaults.Deadline > 0 {
		d := s.now().Add(s.deps.Defaults.Deadline)
		job.Deadline = &d
	}
	return job
}

type classificationView struct {
	Label          string    `json:"label"`
	Confidence     float64   `json:"confidence"`
	Source         string    `json:"source"`
	AutoApplied    bool      `json:"auto_applied"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

type jobView struct {
	ID             string              `json:"id"`
	Type           string              `json:"type"`
	Status         string              `json:"status"`
	Attempt        int                 `json:"attempt"`
	MaxAttempts    int                 `json:"max_attempts"`
	TransactionRef string              `json:"transaction_ref"`
	Description    string              `json:"description"`
	EnqueuedAt     string              `json:"enqueued_at"`
	NextRunAt      string              `json:"next_run_at"`
	Deadline       string              `json:"deadline,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	Classification *classificationView `json:"classification,omitempty"`
}

func toJobView(j domain.Job) jobView {
	v := jobView{
		ID:             j.ID,
		Type:           j.Type,
		Status:         string(j.Status),
		Attempt:        j.Attempt,
		MaxAttempts:    j.MaxAttempts,
		TransactionRef: j.Payload.TransactionRef,
		Description:    j.Payload.Description,
		EnqueuedAt:     j.EnqueuedAt.UTC().Format(time.RFC3339),
		NextRunAt:      j.NextRunAt.UTC().Format(time.RFC3339),
		LastError:      j.LastError,
	}
	if j.Deadline != nil {
		v.Deadline = j.Deadline.UTC().Format(time.RFC3339)
	}
	return v
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.deps.Repo.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	v := toJobView(j)
	if s.deps.Results != nil {
		rec, err := s.deps.Results.Get(r.Context(), id)
		switch {
		case err == nil:
			v.Classification = &classificationView{
				Label:          rec.Label,
				Confidence:     rec.Confidence,
				Source:         string(rec.Source),
				AutoApplied:    rec.AutoApplied,
				FallbackReason: rec.FallbackReason,
				RecordedAt:     rec.RecordedAt.UTC(),
			}
		case !errors.Is(err, queue.ErrNotFound):
			log.Error().Err(err).Str("job_id", id).Msg("load classification")
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	var (
		jobs []domain.Job
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		jobs, err = s.deps.Repo.ListByStatus(r.Context(), domain.JobStatus(status), limit)
	} else {
		jobs, err = s.deps.Repo.ListRecent(r.Context(), limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toJobViews(jobs))
}

// listDeadLetters reads from the queue, or from the Redis archive with
// ?source=archive when one is configured. Archive listings carry the total
// number of archived entries in X-Total-Count.
func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	if r.URL.Query().Get("source") == "archive" {
		if s.deps.Archive == nil {
			http.Error(w, "dead-letter archive not configured", http.StatusNotFound)
			return
		}
		entries, err := s.deps.Archive.List(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		total, err := s.deps.Archive.Count(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("X-Total-Count", strconv.Itoa(total))
		writeJSON(w, http.StatusOK, entries)
		return
	}

	jobs, err := s.deps.Repo.ListByStatus(r.Context(), domain.StatusDeadLettered, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toJobViews(jobs))
}

// requeueDeadLetter enqueues a fresh job carrying the dead-lettered job's
// payload. The dead-lettered job itself stays terminal.
func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.deps.Repo.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if j.Status != domain.StatusDeadLettered {
		http.Error(w, "job is "+string(j.Status)+", not dead_lettered", http.StatusConflict)
		return
	}

	job := s.newJob(j.Payload)
	job.Type = j.Type
	key := "requeue:" + j.ID
	job.IdempotencyKey = &key

	newID, err := s.deps.Repo.Enqueue(r.Context(), job)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.deps.Archive != nil {
		if err := s.deps.Archive.Remove(r.Context(), j.ID); err != nil {
			log.Warn().Err(err).Str("job_id", j.ID).Msg("remove archived dead letter")
		}
	}
	log.Info().Str("job_id", newID).Str("dead_letter_id", j.ID).Msg("dead letter requeued")
	writeJSON(w, http.StatusAccepted, submitResp{ID: newID})
}

func (s *Server) breakerState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breaker == nil {
		http.Error(w, "breaker not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Breaker.Snapshot())
}

func toJobViews(jobs []domain.Job) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobView(j))
	}
	return out
}

func parseLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return limit
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
