package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ledgerflow/internal/breaker"
	"ledgerflow/internal/deadletter"
	"ledgerflow/internal/domain"
	"ledgerflow/internal/queue"
)

type mockArchive struct {
	mu      sync.Mutex
	entries []deadletter.Entry
	total   int
	removed []string
}

func (m *mockArchive) List(ctx context.Context, limit int) ([]deadletter.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries, nil
}

func (m *mockArchive) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total, nil
}

func (m *mockArchive) Remove(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, jobID)
	return nil
}

type testEnv struct {
	handler http.Handler
	repo    queue.Repository
	results *queue.ResultStore
	archive *mockArchive
}

func setupServer(t *testing.T, withArchive bool) *testEnv {
	t.Helper()
	db, err := queue.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{repo: queue.NewSQLiteRepo(db), results: queue.NewResultStore(db)}
	deps := Deps{
		Repo:     env.repo,
		Results:  env.results,
		Breaker:  breaker.New(breaker.Options{FailureThreshold: 3, ResetTimeout: time.Minute}),
		Defaults: JobDefaults{MaxAttempts: 4, Deadline: time.Minute, VisibilityTimeout: 30},
	}
	if withArchive {
		env.archive = &mockArchive{}
		deps.Archive = env.archive
	}
	env.handler = NewServer(deps)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestServer_Health(t *testing.T) {
	env := setupServer(t, false)
	rec := env.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("GET /health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestServer_SubmitJob(t *testing.T) {
	env := setupServer(t, false)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"valid", `{"transaction_ref":"txn_1","description":"WHOLE FOODS","amount":-12.5,"kind":"expense"}`, http.StatusAccepted},
		{"missing ref", `{"description":"WHOLE FOODS"}`, http.StatusBadRequest},
		{"negative attempts", `{"transaction_ref":"txn_2","max_attempts":-1}`, http.StatusBadRequest},
		{"malformed", `{"transaction_ref":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/jobs", tt.body)
			if rec.Code != tt.code {
				t.Errorf("POST /api/jobs = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
		})
	}
}

func TestServer_GetJobWithClassification(t *testing.T) {
	env := setupServer(t, false)
	rec := env.do(t, http.MethodPost, "/api/jobs", `{"transaction_ref":"txn_1","description":"WHOLE FOODS"}`)
	id := decode[submitResp](t, rec).ID

	rec = env.do(t, http.MethodGet, "/api/jobs/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET job = %d", rec.Code)
	}
	v := decode[jobView](t, rec)
	if v.Status != string(domain.StatusQueued) || v.MaxAttempts != 4 || v.Deadline == "" {
		t.Errorf("job = %+v", v)
	}
	if v.Classification != nil {
		t.Errorf("Classification = %+v, want nil before processing", v.Classification)
	}

	if err := env.results.Record(context.Background(), domain.Record{
		JobID: id, TransactionRef: "txn_1", Label: "groceries", Confidence: 0.6,
		Source: domain.SourceFallback, FallbackReason: "circuit_open",
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	v = decode[jobView](t, env.do(t, http.MethodGet, "/api/jobs/"+id, ""))
	if v.Classification == nil || v.Classification.Label != "groceries" || v.Classification.FallbackReason != "circuit_open" {
		t.Errorf("Classification = %+v", v.Classification)
	}

	if rec := env.do(t, http.MethodGet, "/api/jobs/job_missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET missing job = %d, want 404", rec.Code)
	}
}

func TestServer_DeadLetterRequeue(t *testing.T) {
	env := setupServer(t, true)
	ctx := context.Background()

	id, err := env.repo.Enqueue(ctx, domain.Job{Type: domain.TypeClassify, MaxAttempts: 1, Payload: domain.Payload{TransactionRef: "txn_9", Description: "ACME"}})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := env.repo.LeaseNext(ctx, time.Now()); err != nil {
		t.Fatalf("LeaseNext() error = %v", err)
	}
	if moved, err := env.repo.DeadLetter(ctx, id, "fatal: panic"); err != nil || !moved {
		t.Fatalf("DeadLetter() = %v, %v", moved, err)
	}

	dead := decode[[]jobView](t, env.do(t, http.MethodGet, "/api/dead-letters", ""))
	if len(dead) != 1 || dead[0].ID != id || dead[0].LastError != "fatal: panic" {
		t.Fatalf("dead letters = %+v", dead)
	}

	rec := env.do(t, http.MethodPost, "/api/dead-letters/"+id+"/requeue", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("requeue = %d (%s)", rec.Code, rec.Body.String())
	}
	newID := decode[submitResp](t, rec).ID
	if newID == id {
		t.Error("requeue reused the dead-lettered job id")
	}

	again := decode[submitResp](t, env.do(t, http.MethodPost, "/api/dead-letters/"+id+"/requeue", ""))
	if again.ID != newID {
		t.Errorf("second requeue id = %q, want %q", again.ID, newID)
	}

	orig, err := env.repo.Get(ctx, id)
	if err != nil || orig.Status != domain.StatusDeadLettered {
		t.Errorf("original status = %q, %v, want dead_lettered", orig.Status, err)
	}
	fresh, err := env.repo.Get(ctx, newID)
	if err != nil || fresh.Status != domain.StatusQueued || fresh.Payload.TransactionRef != "txn_9" {
		t.Errorf("requeued job = %+v, %v", fresh, err)
	}
	if len(env.archive.removed) == 0 || env.archive.removed[0] != id {
		t.Errorf("archive removed = %v, want [%s ...]", env.archive.removed, id)
	}

	if rec := env.do(t, http.MethodPost, "/api/dead-letters/"+newID+"/requeue", ""); rec.Code != http.StatusConflict {
		t.Errorf("requeue of queued job = %d, want 409", rec.Code)
	}
}

func TestServer_DeadLetterArchiveSource(t *testing.T) {
	env := setupServer(t, false)
	if rec := env.do(t, http.MethodGet, "/api/dead-letters?source=archive", ""); rec.Code != http.StatusNotFound {
		t.Errorf("archive without redis = %d, want 404", rec.Code)
	}

	env = setupServer(t, true)
	env.archive.entries = []deadletter.Entry{{JobID: "job_1", Error: "boom"}}
	env.archive.total = 7
	rec := env.do(t, http.MethodGet, "/api/dead-letters?source=archive&limit=1", "")
	got := decode[[]deadletter.Entry](t, rec)
	if len(got) != 1 || got[0].JobID != "job_1" {
		t.Errorf("archive entries = %+v", got)
	}
	if total := rec.Header().Get("X-Total-Count"); total != "7" {
		t.Errorf("X-Total-Count = %q, want 7", total)
	}
}

func TestServer_BreakerAndMetrics(t *testing.T) {
	env := setupServer(t, false)

	snap := decode[breaker.Snapshot](t, env.do(t, http.MethodGet, "/api/breaker", ""))
	if snap.State != "closed" || snap.FailureThreshold != 3 {
		t.Errorf("breaker = %+v", snap)
	}

	rec := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("GET /metrics = %d", rec.Code)
	}
}
