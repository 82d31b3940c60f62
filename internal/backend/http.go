// Package backend talks to the external transaction classification service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ledgerflow/internal/domain"
)

const defaultTimeout = 15 * time.Second

type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// HTTP is a JSON-over-HTTP classification client. It maps responses onto
// domain.TransientError and domain.FatalError so callers can decide on retries.
type HTTP struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

type classifyRequest struct {
	Model       string  `json:"model,omitempty"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Kind        string  `json:"kind"`
}

type classifyResponse struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

func NewHTTP(opts Options) (*HTTP, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("classification backend URL is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTP{
		endpoint: base + "/v1/classify",
		apiKey:   strings.TrimSpace(opts.APIKey),
		model:    strings.TrimSpace(opts.Model),
		client:   client,
	}, nil
}

func (h *HTTP) Classify(ctx context.Context, p domain.Payload) (domain.Classification, error) {
	body, err := json.Marshal(classifyRequest{
		Model:       h.model,
		Description: p.Description,
		Amount:      p.Amount,
		Kind:        p.Kind,
	})
	if err != nil {
		return domain.Classification{}, domain.Fatal("encode_request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Classification{}, domain.Fatal("build_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return domain.Classification{}, err
		}
		return domain.Classification{}, domain.Transient("http_request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Classification{}, domain.Transient("read_response", err)
	}

	if resp.StatusCode >= 300 {
		return domain.Classification{}, statusError(resp.StatusCode, respBody)
	}

	var out classifyResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.Classification{}, domain.Fatal("decode_response", err)
	}
	if strings.TrimSpace(out.Label) == "" {
		return domain.Classification{}, domain.Fatal("empty_label", errors.New(out.Error))
	}
	return domain.Classification{
		Label:      out.Label,
		Confidence: out.Confidence,
		Source:     domain.SourceAI,
	}, nil
}

func statusError(code int, body []byte) error {
	reason := fmt.Sprintf("http_%d", code)
	err := fmt.Errorf("classification backend status %d: %s", code, strings.TrimSpace(string(body)))
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return domain.Transient(reason, err)
	default:
		return domain.Fatal(reason, err)
	}
}
