package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Webhook posts notifications to a single downstream HTTP endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook service targeting url.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Webhook) NotifyToolCall(ctx context.Context, tc ToolCall) error {
	return w.post(ctx, "tool_call", tc)
}

func (w *Webhook) NotifyExecutionComplete(ctx context.Context, ec ExecutionComplete) error {
	return w.post(ctx, "execution_complete", ec)
}

func (w *Webhook) post(ctx context.Context, kind string, payload any) error {
	body, err := json.Marshal(map[string]any{"type": kind, "payload": payload})
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 300 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return struct{}{}, backoff.Permanent(fmt.Errorf("callback rejected: status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("callback failed: status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	return err
}
