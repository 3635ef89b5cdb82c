package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_NotifyExecutionComplete(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.Store(body)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL)
	err := wh.NotifyExecutionComplete(context.Background(), ExecutionComplete{
		SessionID: "s1",
		MessageID: "m1",
		Success:   true,
	})
	require.NoError(t, err)

	var envelope struct {
		Type    string            `json:"type"`
		Payload ExecutionComplete `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(got.Load().([]byte), &envelope))
	assert.Equal(t, "execution_complete", envelope.Type)
	assert.Equal(t, "m1", envelope.Payload.MessageID)
	assert.True(t, envelope.Payload.Success)
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL)
	err := wh.NotifyToolCall(context.Background(), ToolCall{Tool: "bash", Status: "running"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL)
	err := wh.NotifyToolCall(context.Background(), ToolCall{Tool: "bash", Status: "running"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNop(t *testing.T) {
	var svc Service = Nop{}
	assert.NoError(t, svc.NotifyToolCall(context.Background(), ToolCall{}))
	assert.NoError(t, svc.NotifyExecutionComplete(context.Background(), ExecutionComplete{}))
}
