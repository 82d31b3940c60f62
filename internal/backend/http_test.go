package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"ledgerflow/internal/domain"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func respond(status int, body string) roundTripFunc {
	return func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     make(http.Header),
		}, nil
	}
}

func newTestClient(t *testing.T, rt roundTripFunc) *HTTP {
	t.Helper()
	c, err := NewHTTP(Options{BaseURL: "https://classify.example/", APIKey: "secret", HTTPClient: &http.Client{Transport: rt}})
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	return c
}

func TestHTTP_ClassifySuccess(t *testing.T) {
	var captured classifyRequest
	var auth, path string
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		return respond(http.StatusOK, `{"label":"groceries","confidence":0.91}`)(r)
	})

	got, err := c.Classify(context.Background(), domain.Payload{Description: "WHOLE FOODS", Amount: -42, Kind: "expense"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.Label != "groceries" || got.Confidence != 0.91 || got.Source != domain.SourceAI {
		t.Errorf("Classify() = %+v", got)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer secret")
	}
	if path != "/v1/classify" {
		t.Errorf("path = %q, want /v1/classify", path)
	}
	if captured.Description != "WHOLE FOODS" || captured.Amount != -42 || captured.Kind != "expense" {
		t.Errorf("request = %+v", captured)
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		rt        roundTripFunc
		transient bool
	}{
		{"rate limited", respond(http.StatusTooManyRequests, "slow down"), true},
		{"server error", respond(http.StatusBadGateway, ""), true},
		{"request timeout", respond(http.StatusRequestTimeout, ""), true},
		{"unauthorized", respond(http.StatusUnauthorized, "bad key"), false},
		{"bad request", respond(http.StatusBadRequest, "description required"), false},
		{"garbage body", respond(http.StatusOK, "<html>"), false},
		{"empty label", respond(http.StatusOK, `{"label":"","error":"unknown merchant"}`), false},
		{"network", func(r *http.Request) (*http.Response, error) { return nil, errors.New("connection refused") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.rt)
			_, err := c.Classify(context.Background(), domain.Payload{Description: "X"})
			if err == nil {
				t.Fatal("Classify() error = nil")
			}
			if got := domain.IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, got, tt.transient)
			}
			if got := domain.IsFatal(err); got == tt.transient {
				t.Errorf("IsFatal(%v) = %v, want %v", err, got, !tt.transient)
			}
		})
	}
}

func TestNewHTTP_RequiresURL(t *testing.T) {
	if _, err := NewHTTP(Options{BaseURL: "  "}); err == nil {
		t.Error("NewHTTP() error = nil, want error for empty URL")
	}
}
