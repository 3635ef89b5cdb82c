// Package callback delivers best-effort notifications to downstream
// integration bots. Delivery failures never fail the caller.
package callback

import (
	"context"
	"encoding/json"
)

// ToolCall describes a running tool invocation.
type ToolCall struct {
	SessionID string          `json:"sessionId"`
	MessageID string          `json:"messageId"`
	Tool      string          `json:"tool"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ExecutionComplete describes a finished prompt.
type ExecutionComplete struct {
	SessionID string          `json:"sessionId"`
	MessageID string          `json:"messageId"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// Service is the downstream notification surface.
type Service interface {
	NotifyToolCall(ctx context.Context, tc ToolCall) error
	NotifyExecutionComplete(ctx context.Context, ec ExecutionComplete) error
}

// Nop is a Service that does nothing. Used when no downstream bot is
// configured.
type Nop struct{}

func (Nop) NotifyToolCall(context.Context, ToolCall) error { return nil }

func (Nop) NotifyExecutionComplete(context.Context, ExecutionComplete) error { return nil }
