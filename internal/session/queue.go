package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentplane/agentplane/internal/id"
	"github.com/agentplane/agentplane/internal/metrics"
	"github.com/agentplane/agentplane/internal/session/store"
)

// PromptRequest is a prompt entering the queue, from either surface.
type PromptRequest struct {
	// ParticipantID is set when the author is already resolved (WS
	// subscribe path). Otherwise AuthorUserID is resolved or created.
	ParticipantID string
	AuthorUserID  string

	Content         string
	Source          string
	Model           string
	ReasoningEffort string
	Attachments     json.RawMessage
	CallbackContext json.RawMessage
	RequestID       string
}

// Queued reports a successful enqueue.
type Queued struct {
	MessageID string `json:"messageId"`
	Position  int64  `json:"position"`
}

// enqueue persists a prompt as a pending message, mirrors it into the
// event log, notifies the originator and kicks the dispatcher.
func (a *Actor) enqueue(ctx context.Context, req PromptRequest, origin *socket) (*Queued, error) {
	sess, err := a.requireActiveSession(ctx)
	if err != nil {
		return nil, err
	}
	if req.Content == "" {
		return nil, &ValidationError{Message: "content is required"}
	}
	if req.Source == "" {
		req.Source = "web"
	}

	author, err := a.resolveAuthor(ctx, req)
	if err != nil {
		return nil, err
	}

	// Invalid model overrides are dropped, not rejected.
	var model, effort *string
	if req.Model != "" {
		if a.cfg.ModelAllowed(req.Model) {
			model = &req.Model
		} else {
			a.log.Warn("dropping invalid model override", "model", req.Model)
		}
	}
	if req.ReasoningEffort != "" {
		effortModel := sess.Model
		if model != nil {
			effortModel = *model
		}
		if a.cfg.EffortAllowed(effortModel, req.ReasoningEffort) {
			effort = &req.ReasoningEffort
		} else {
			a.log.Warn("dropping invalid reasoning effort override",
				"effort", req.ReasoningEffort, "model", effortModel)
		}
	}

	now := nowMillis()
	msg := store.Message{
		ID:              id.Generate(),
		AuthorID:        author.ID,
		Content:         req.Content,
		Source:          req.Source,
		Model:           model,
		ReasoningEffort: effort,
		Status:          store.MessagePending,
		CreatedAt:       now,
	}
	if len(req.Attachments) > 0 {
		s := string(req.Attachments)
		msg.AttachmentsJSON = &s
	}
	if len(req.CallbackContext) > 0 {
		s := string(req.CallbackContext)
		msg.CallbackContextJSON = &s
	}
	if err := a.st.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	metrics.PromptsEnqueuedTotal.Inc()
	metrics.PromptQueueDepth.Inc()

	// Mirror the prompt into the event log so replay reproduces the
	// conversation.
	userEvent := store.Event{
		ID:   id.Generate(),
		Type: store.EventUserMessage,
		Data: rawJSON(map[string]any{
			"type":      store.EventUserMessage,
			"messageId": msg.ID,
			"content":   msg.Content,
			"source":    msg.Source,
			"author": map[string]any{
				"participantId": author.ID,
				"name":          strOrEmpty(author.SCMName),
				"login":         strOrEmpty(author.SCMLogin),
			},
			"createdAt": now,
		}),
		MessageID: &msg.ID,
		CreatedAt: now,
	}
	if err := a.st.AppendEvent(ctx, userEvent); err != nil {
		return nil, err
	}
	a.broadcast(broadcastAuthenticated, frame("sandbox_event", map[string]any{
		"event": json.RawMessage(userEvent.Data),
	}))

	position, err := a.st.GetPendingOrProcessingCount(ctx)
	if err != nil {
		return nil, err
	}
	queued := &Queued{MessageID: msg.ID, Position: position}
	if origin != nil {
		fields := map[string]any{"messageId": msg.ID, "position": position}
		if req.RequestID != "" {
			fields["requestId"] = req.RequestID
		}
		origin.send(frame("prompt_queued", fields))
	}

	a.dispatch(ctx)
	return queued, nil
}

func (a *Actor) resolveAuthor(ctx context.Context, req PromptRequest) (*store.Participant, error) {
	if req.ParticipantID != "" {
		p, err := a.st.GetParticipantByID(ctx, req.ParticipantID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	if req.AuthorUserID == "" {
		return nil, &ValidationError{Message: "author is required"}
	}
	return a.st.UpsertParticipant(ctx, store.Participant{
		ID:       id.Generate(),
		UserID:   req.AuthorUserID,
		Role:     store.RoleMember,
		JoinedAt: nowMillis(),
	})
}

// dispatch sends the oldest pending message to the sandbox, if nothing
// is processing and a sandbox socket is live. Re-invoked when the
// sandbox connects and on every execution_complete.
func (a *Actor) dispatch(ctx context.Context) {
	processing, err := a.st.GetProcessingMessage(ctx)
	if err != nil {
		a.log.Error("dispatch: read processing message failed", "error", err)
		return
	}
	if processing != nil {
		return
	}

	next, err := a.st.GetNextPendingMessage(ctx)
	if err != nil {
		a.log.Error("dispatch: read pending message failed", "error", err)
		return
	}
	if next == nil {
		return
	}

	sess, err := a.st.GetSession(ctx)
	if err != nil || sess == nil {
		return
	}
	sb, err := a.st.GetSandbox(ctx)
	if err != nil {
		a.log.Error("dispatch: read sandbox failed", "error", err)
		return
	}

	sock := a.sandboxSocket(sb)
	if sock == nil {
		// A spawn already underway is warming up; a fresh one is spawning.
		switch sb.Status {
		case store.SandboxSpawning, store.SandboxConnecting, store.SandboxWarming, store.SandboxSyncing:
			a.broadcastFrame(broadcastAuthenticated, "sandbox_warming", nil)
		default:
			a.broadcastFrame(broadcastAuthenticated, "sandbox_spawning", nil)
		}
		a.ensureSandbox(ctx, "dispatch")
		return
	}

	startedAt := nowMillis()
	if err := a.st.SetMessageProcessing(ctx, next.ID, startedAt); err != nil {
		a.log.Error("dispatch: set processing failed", "error", err)
		return
	}

	// Effective model: per-message override, then session, then default.
	model := a.cfg.DefaultModel
	if sess.Model != "" {
		model = sess.Model
	}
	if next.Model != nil {
		model = *next.Model
	}
	effort := ""
	if sess.ReasoningEffort != nil {
		effort = *sess.ReasoningEffort
	}
	if next.ReasoningEffort != nil {
		effort = *next.ReasoningEffort
	}

	author, err := a.st.GetParticipantByID(ctx, next.AuthorID)
	if err != nil || author == nil {
		author = &store.Participant{ID: next.AuthorID}
	}
	cmd := promptCommand{
		Type:            "prompt",
		MessageID:       next.ID,
		Content:         next.Content,
		Model:           model,
		ReasoningEffort: effort,
		Author: promptAuthor{
			ParticipantID: author.ID,
			Name:          strOrEmpty(author.SCMName),
			Email:         strOrEmpty(author.SCMEmail),
			Login:         strOrEmpty(author.SCMLogin),
		},
	}
	if next.AttachmentsJSON != nil {
		cmd.Attachments = json.RawMessage(*next.AttachmentsJSON)
	}
	sock.send(rawJSON(cmd))

	a.log.Info("prompt dispatched", "message", next.ID, "model", model)
	a.broadcastFrame(broadcastAuthenticated, "processing_status", map[string]any{"isProcessing": true})
	a.markActivity(ctx)
	a.alarm.scheduleAt(time.UnixMilli(startedAt).Add(a.cfg.ExecutionTimeout()))
}

// stopExecution fails the in-flight message and tells the sandbox to
// stop, best effort. Idempotent: with nothing processing it is a no-op.
func (a *Actor) stopExecution(ctx context.Context) error {
	msg, err := a.st.GetProcessingMessage(ctx)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	if err := a.finishProcessingMessage(ctx, msg.ID, false, "stopped by user"); err != nil {
		return err
	}

	if sb, err := a.st.GetSandbox(ctx); err == nil {
		if sock := a.sandboxSocket(sb); sock != nil {
			sock.send(frame("stop", nil))
		}
	}
	return nil
}

// failStuckProcessingMessage is stopExecution's in-DB effect without
// any command to the sandbox. Used by watchdogs when the sandbox is
// presumed dead. Does not drain the queue.
func (a *Actor) failStuckProcessingMessage(ctx context.Context) {
	msg, err := a.st.GetProcessingMessage(ctx)
	if err != nil {
		a.log.Error("fail stuck: read processing message failed", "error", err)
		return
	}
	if msg == nil {
		return
	}
	a.log.Warn("failing stuck processing message", "message", msg.ID)
	if err := a.finishProcessingMessage(ctx, msg.ID, false, "execution timed out"); err != nil {
		a.log.Error("fail stuck message failed", "error", err)
	}
}

// finishProcessingMessage transitions a processing message to its
// terminal status, upserts the canonical execution_complete event and
// broadcasts both the event and the processing flag in one serialized
// step.
func (a *Actor) finishProcessingMessage(ctx context.Context, messageID string, success bool, errMsg string) error {
	status := store.MessageFailed
	if success {
		status = store.MessageCompleted
	}
	now := nowMillis()
	if err := a.st.SetMessageCompletion(ctx, messageID, status, now); err != nil {
		return err
	}
	metrics.PromptQueueDepth.Dec()

	// Synthetic payloads must look like the frames the sandbox sends:
	// broadcast and replay consumers key on the type field.
	payload := map[string]any{
		"type":      store.EventExecutionComplete,
		"messageId": messageID,
		"success":   success,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	ev := store.Event{
		ID:        id.ExecutionCompleteEvent(messageID),
		Type:      store.EventExecutionComplete,
		Data:      rawJSON(payload),
		MessageID: &messageID,
		CreatedAt: now,
	}
	if err := a.st.UpsertEvent(ctx, ev); err != nil {
		return err
	}

	a.broadcast(broadcastAuthenticated, frame("sandbox_event", map[string]any{
		"event": json.RawMessage(ev.Data),
	}))
	a.broadcastFrame(broadcastAuthenticated, "processing_status", map[string]any{"isProcessing": false})
	return nil
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
