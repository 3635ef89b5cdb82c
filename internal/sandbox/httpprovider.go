package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HTTPProvider drives a sandbox scheduler over its HTTP API. Transient
// upstream failures (429, 5xx) are retried with exponential backoff
// before being surfaced as tagged errors.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPProvider creates a provider client for the scheduler at baseURL.
func NewHTTPProvider(baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *HTTPProvider) Create(ctx context.Context, cfg CreateConfig) (*Instance, error) {
	var inst Instance
	if err := p.post(ctx, "/v1/sandboxes", cfg, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (p *HTTPProvider) RestoreFromSnapshot(ctx context.Context, cfg RestoreConfig) (*Instance, error) {
	var inst Instance
	if err := p.post(ctx, "/v1/sandboxes/restore", cfg, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (p *HTTPProvider) TakeSnapshot(ctx context.Context, objectID, reason string) (*Snapshot, error) {
	var snap Snapshot
	body := map[string]string{"objectId": objectID, "reason": reason}
	if err := p.post(ctx, "/v1/sandboxes/snapshot", body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (p *HTTPProvider) SupportsRestore() bool { return true }

// post sends a JSON request and decodes the JSON response. 4xx answers
// are permanent (the request will never succeed as-is); 429 and 5xx are
// retried and eventually surfaced as transient.
func (p *HTTPProvider) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return Permanent("encode request", err)
	}

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(Permanent("build request", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if p.token != "" {
			req.Header.Set("Authorization", "Bearer "+p.token)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, Transient("request failed", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, Transient("read response", err)
		}

		switch {
		case resp.StatusCode < 300:
			return data, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, Transient(fmt.Sprintf("status %d: %s", resp.StatusCode, data), nil)
		default:
			return nil, backoff.Permanent(Permanent(fmt.Sprintf("status %d: %s", resp.StatusCode, data), nil))
		}
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return Permanent("decode response", err)
		}
	}
	return nil
}
