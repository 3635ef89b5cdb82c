package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentplane/agentplane/internal/callback"
	"github.com/agentplane/agentplane/internal/id"
	"github.com/agentplane/agentplane/internal/metrics"
	"github.com/agentplane/agentplane/internal/session/store"
)

// criticalAckTypes are the event types the sandbox retries until acked.
var criticalAckTypes = map[string]bool{
	store.EventExecutionComplete: true,
	store.EventPushComplete:      true,
	store.EventPushError:         true,
	store.EventError:             true,
}

// toolCallPersistStatuses is the allowlist of tool_call statuses worth
// a row in the event log.
var toolCallPersistStatuses = map[string]bool{
	"running": true,
	"done":    true,
	"error":   true,
}

// ingestSandboxEvent is the authoritative ingest path for sandbox
// events, from both the WebSocket and the HTTP fallback transport. raw
// is the original frame and is what gets persisted and broadcast.
func (a *Actor) ingestSandboxEvent(ctx context.Context, ev sandboxEvent, raw []byte, src *socket) error {
	metrics.EventsIngestedTotal.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case store.EventHeartbeat:
		// Health only: update the row, never persist or broadcast.
		if err := a.st.SetSandboxHeartbeat(ctx, nowMillis()); err != nil {
			return err
		}
		a.alarm.scheduleIn(a.cfg.HeartbeatTimeout())

	case store.EventToken:
		// Token chunks coalesce per message; streaming output does not
		// count as activity.
		mid := ev.MessageID
		if mid == "" {
			if msg, err := a.st.GetProcessingMessage(ctx); err == nil && msg != nil {
				mid = msg.ID
			}
		}
		if mid != "" {
			if err := a.st.UpsertEvent(ctx, store.Event{
				ID:        id.TokenEvent(mid),
				Type:      store.EventToken,
				Data:      raw,
				MessageID: &mid,
				CreatedAt: a.eventTimestamp(ev),
			}); err != nil {
				return err
			}
		}
		a.broadcastEvent(raw)

	case store.EventStepStart, store.EventStepFinish:
		a.broadcastEvent(raw)
		a.markActivity(ctx)

	case store.EventToolCall:
		if toolCallPersistStatuses[ev.Status] {
			if err := a.appendRawEvent(ctx, ev, raw); err != nil {
				return err
			}
		}
		a.broadcastEvent(raw)
		a.markActivity(ctx)
		if ev.Status == "running" {
			a.notifyToolCall(ev)
		}

	case store.EventToolResult:
		if err := a.appendRawEvent(ctx, ev, raw); err != nil {
			return err
		}
		a.broadcastEvent(raw)

	case store.EventGitSync:
		if err := a.appendRawEvent(ctx, ev, raw); err != nil {
			return err
		}
		if ev.GitSyncStatus != "" {
			if err := a.st.SetSandboxGitSyncStatus(ctx, ev.GitSyncStatus); err != nil {
				return err
			}
		}
		if ev.Sha != "" {
			if err := a.st.SetSessionCurrentSha(ctx, ev.Sha, nowMillis()); err != nil {
				return err
			}
		}
		a.broadcastEvent(raw)

	case store.EventPushComplete, store.EventPushError:
		if err := a.appendRawEvent(ctx, ev, raw); err != nil {
			return err
		}
		a.resolvePush(ev)
		a.broadcastEvent(raw)

	case store.EventExecutionComplete:
		if err := a.handleExecutionComplete(ctx, ev, raw); err != nil {
			return err
		}

	default:
		// Unknown types are persisted verbatim and fanned out.
		if err := a.appendRawEvent(ctx, ev, raw); err != nil {
			return err
		}
		a.broadcastEvent(raw)
	}

	if ev.AckID != "" && criticalAckTypes[ev.Type] {
		a.ackEvent(ctx, ev.AckID, src)
	}
	return nil
}

// handleExecutionComplete finishes the in-flight message (unless stop
// got there first), notifies downstream, snapshots in the background
// and drains the queue.
func (a *Actor) handleExecutionComplete(ctx context.Context, ev sandboxEvent, raw []byte) error {
	msg, err := a.st.GetProcessingMessage(ctx)
	if err != nil {
		return err
	}

	mid := ev.MessageID
	if mid == "" && msg != nil {
		mid = msg.ID
	}
	if mid != "" {
		if err := a.st.UpsertEvent(ctx, store.Event{
			ID:        id.ExecutionCompleteEvent(mid),
			Type:      store.EventExecutionComplete,
			Data:      raw,
			MessageID: &mid,
			CreatedAt: a.eventTimestamp(ev),
		}); err != nil {
			return err
		}
	}

	success := ev.Success == nil || *ev.Success
	if msg != nil && msg.ID == mid {
		status := store.MessageFailed
		if success {
			status = store.MessageCompleted
		}
		if err := a.st.SetMessageCompletion(ctx, mid, status, nowMillis()); err != nil {
			return err
		}
		metrics.PromptQueueDepth.Dec()
		a.logPromptComplete(ctx, mid, success)
		a.broadcastEvent(raw)
		a.broadcastFrame(broadcastAuthenticated, "processing_status", map[string]any{"isProcessing": false})
		a.notifyExecutionComplete(msg, success, ev.Error)
	} else {
		// Stop ran first; the row is already terminal. Fan out only.
		a.broadcastEvent(raw)
	}

	a.spawnBG(func() {
		a.triggerSnapshotBG("execution_complete")
	})
	a.markActivity(ctx)
	a.dispatch(ctx)
	return nil
}

func (a *Actor) logPromptComplete(ctx context.Context, messageID string, success bool) {
	ts, err := a.st.GetMessageTimestamps(ctx, messageID)
	if err != nil || ts == nil || ts.StartedAt == nil || ts.CompletedAt == nil {
		return
	}
	queue := time.Duration(*ts.StartedAt-ts.CreatedAt) * time.Millisecond
	processing := time.Duration(*ts.CompletedAt-*ts.StartedAt) * time.Millisecond
	a.log.Info("prompt.complete",
		"message", messageID,
		"success", success,
		"queue_ms", queue.Milliseconds(),
		"processing_ms", processing.Milliseconds(),
		"total_ms", (queue + processing).Milliseconds())
}

// appendRawEvent persists an inbound frame verbatim.
func (a *Actor) appendRawEvent(ctx context.Context, ev sandboxEvent, raw []byte) error {
	eid := ev.ID
	if eid == "" {
		eid = id.Generate()
	}
	var mid *string
	if ev.MessageID != "" {
		mid = &ev.MessageID
	}
	return a.st.AppendEvent(ctx, store.Event{
		ID:        eid,
		Type:      ev.Type,
		Data:      raw,
		MessageID: mid,
		CreatedAt: a.eventTimestamp(ev),
	})
}

func (a *Actor) eventTimestamp(ev sandboxEvent) int64 {
	if ev.Timestamp > 0 {
		return ev.Timestamp
	}
	return nowMillis()
}

func (a *Actor) broadcastEvent(raw []byte) {
	a.broadcast(broadcastAuthenticated, frame("sandbox_event", map[string]any{
		"event": json.RawMessage(raw),
	}))
}

// ackEvent answers a critical event on the sandbox socket.
func (a *Actor) ackEvent(ctx context.Context, ackID string, src *socket) {
	if src == nil {
		if sb, err := a.st.GetSandbox(ctx); err == nil {
			src = a.sandboxSocket(sb)
		}
	}
	if src != nil {
		src.send(frame("ack", map[string]any{"ackId": ackID}))
	}
}

// notifyToolCall fires a best-effort callback in the background.
func (a *Actor) notifyToolCall(ev sandboxEvent) {
	tc := callback.ToolCall{
		SessionID: a.id,
		MessageID: ev.MessageID,
		Tool:      ev.Tool,
		Status:    ev.Status,
		Data:      ev.Data,
	}
	a.spawnBG(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.callback.NotifyToolCall(ctx, tc); err != nil {
			a.log.Warn("tool call callback failed", "tool", tc.Tool, "error", err)
		}
	})
}

func (a *Actor) notifyExecutionComplete(msg *store.Message, success bool, errMsg string) {
	ec := callback.ExecutionComplete{
		SessionID: a.id,
		MessageID: msg.ID,
		Success:   success,
		Error:     errMsg,
	}
	if msg.CallbackContextJSON != nil {
		ec.Context = json.RawMessage(*msg.CallbackContextJSON)
	}
	a.spawnBG(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.callback.NotifyExecutionComplete(ctx, ec); err != nil {
			a.log.Warn("execution complete callback failed", "message", ec.MessageID, "error", err)
		}
	})
}
