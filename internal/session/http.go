package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agentplane/agentplane/internal/id"
	"github.com/agentplane/agentplane/internal/scm"
	"github.com/agentplane/agentplane/internal/session/store"
	"github.com/agentplane/agentplane/internal/token"
)

// Routes mounts the per-session HTTP surface. The edge router mounts
// this under /v1/sessions/{sessionID}.
func (m *Manager) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/init", m.handleInit)
	r.Get("/state", m.handleState)
	r.Post("/prompt", m.handlePrompt)
	r.Post("/stop", m.handleStop)
	r.Post("/sandbox-event", m.handleSandboxEvent)
	r.Post("/create-pr", m.handleCreatePR)
	r.Post("/ws-token", m.handleWSToken)
	r.Post("/archive", m.handleArchive)
	r.Post("/unarchive", m.handleUnarchive)
	r.Post("/verify-sandbox-token", m.handleVerifySandboxToken)
	r.Post("/openai-token-refresh", m.handleOpenAITokenRefresh)
	r.Get("/participants", m.handleListParticipants)
	r.Post("/participants", m.handleAddParticipant)
	r.Get("/events", m.handleListEvents)
	r.Get("/artifacts", m.handleListArtifacts)
	r.Get("/messages", m.handleListMessages)
	r.Get("/ws", m.handleClientWS)
	r.Get("/sandbox-ws", m.handleSandboxWS)
	return r
}

func (m *Manager) actor(w http.ResponseWriter, r *http.Request) *Actor {
	a, err := m.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return nil
	}
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Message})
	case errors.Is(err, ErrNotInitialized):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not initialized"})
	case errors.Is(err, ErrArchived):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session is archived"})
	case errors.Is(err, ErrPRExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "pull request already exists"})
	case errors.Is(err, ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session shutting down"})
	default:
		var se *scm.Error
		if errors.As(err, &se) {
			writeJSON(w, scm.HTTPStatus(err), map[string]string{"error": se.Message})
			return
		}
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (m *Manager) handleInit(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	var req InitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.Do(r.Context(), func(ctx context.Context) error {
		return a.Init(ctx, req)
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": a.ID(), "status": "created"})
}

func (m *Manager) handleState(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	var state *State
	err := a.Do(r.Context(), func(ctx context.Context) error {
		var err error
		state, err = a.State(ctx)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if state == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (m *Manager) handlePrompt(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	var body struct {
		Content         string          `json:"content"`
		AuthorID        string          `json:"authorId"`
		Source          string          `json:"source"`
		Model           string          `json:"model"`
		ReasoningEffort string          `json:"reasoningEffort"`
		Attachments     json.RawMessage `json:"attachments"`
		CallbackContext json.RawMessage `json:"callbackContext"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	var queued *Queued
	err := a.Do(r.Context(), func(ctx context.Context) error {
		var err error
		queued, err = a.enqueue(ctx, PromptRequest{
			AuthorUserID:    body.AuthorID,
			Content:         body.Content,
			Source:          body.Source,
			Model:           body.Model,
			ReasoningEffort: body.ReasoningEffort,
			Attachments:     body.Attachments,
			CallbackContext: body.CallbackContext,
		}, nil)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queued)
}

func (m *Manager) handleStop(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	if err := a.Do(r.Context(), a.stopExecution); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (m *Manager) handleSandboxEvent(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		return
	}
	var ev sandboxEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event"})
		return
	}
	if err := a.Do(r.Context(), func(ctx context.Context) error {
		return a.ingestSandboxEvent(ctx, ev, raw, nil)
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, err
	}
	return raw, nil
}

func (m *Manager) handleCreatePR(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	var req CreatePRRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := a.CreatePullRequest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (m *Manager) handleWSToken(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	var body struct {
		UserID string `json:"userId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId is required"})
		return
	}

	var (
		plaintext     string
		participantID string
	)
	err := a.Do(r.Context(), func(ctx context.Context) error {
		if _, err := a.requireActiveSession(ctx); err != nil {
			return err
		}
		p, err := a.st.UpsertParticipant(ctx, store.Participant{
			ID:       id.Generate(),
			UserID:   body.UserID,
			Role:     store.RoleMember,
			JoinedAt: nowMillis(),
		})
		if err != nil {
			return err
		}
		plaintext = token.Generate()
		participantID = p.ID
		return a.st.SetParticipantWSToken(ctx, p.ID, token.Hash(plaintext), nowMillis())
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":            plaintext,
		"participantId":    participantID,
		"expiresInSeconds": int(a.cfg.WSTokenTTL().Seconds()),
	})
}

func (m *Manager) handleArchive(w http.ResponseWriter, r *http.Request) {
	m.setArchived(w, r, true)
}

func (m *Manager) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	m.setArchived(w, r, false)
}

// setArchived toggles the session status. Only existing participants
// may archive or unarchive.
func (m *Manager) setArchived(w http.ResponseWriter, r *http.Request, archive bool) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	var body struct {
		UserID string `json:"userId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	var status string
	err := a.Do(r.Context(), func(ctx context.Context) error {
		sess, err := a.st.GetSession(ctx)
		if err != nil {
			return err
		}
		if sess == nil {
			return ErrNotInitialized
		}
		p, err := a.st.GetParticipantByUserID(ctx, body.UserID)
		if err != nil {
			return err
		}
		if p == nil {
			return errForbidden
		}
		status = store.SessionActive
		if archive {
			status = store.SessionArchived
		}
		if err := a.st.SetSessionStatus(ctx, status, nowMillis()); err != nil {
			return err
		}
		a.broadcastFrame(broadcastAuthenticated, "session_status", map[string]any{"status": status})
		return nil
	})
	if errors.Is(err, errForbidden) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "only session participants may archive"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

var errForbidden = errors.New("forbidden")

func (m *Manager) handleVerifySandboxToken(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	var body struct {
		SandboxID string `json:"sandboxId"`
		Token     string `json:"token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	var status int
	err := a.Do(r.Context(), func(ctx context.Context) error {
		status = a.verifySandboxToken(ctx, body.SandboxID, body.Token)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	switch status {
	case http.StatusOK:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case http.StatusGone:
		writeJSON(w, http.StatusGone, map[string]string{"error": "sandbox is terminal"})
	case http.StatusNotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown sandbox"})
	default:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
	}
}

// verifySandboxToken checks a sandbox credential in constant time.
// Returns the HTTP status the check maps to.
func (a *Actor) verifySandboxToken(ctx context.Context, sandboxID, plaintext string) int {
	sb, err := a.st.GetSandbox(ctx)
	if err != nil || sb == nil || sb.ProviderSandboxID == nil || *sb.ProviderSandboxID != sandboxID {
		return http.StatusNotFound
	}
	if store.SandboxTerminal(sb.Status) {
		return http.StatusGone
	}
	if sb.AuthTokenHash != nil && *sb.AuthTokenHash != "" {
		if token.Verify(plaintext, *sb.AuthTokenHash) {
			return http.StatusOK
		}
		return http.StatusUnauthorized
	}
	// Legacy rows store the plaintext.
	if sb.AuthToken != nil && token.VerifyLegacy(plaintext, *sb.AuthToken) {
		return http.StatusOK
	}
	return http.StatusUnauthorized
}

func (m *Manager) handleOpenAITokenRefresh(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token is required"})
		return
	}

	var delivered bool
	err := a.Do(r.Context(), func(ctx context.Context) error {
		sb, err := a.st.GetSandbox(ctx)
		if err != nil {
			return err
		}
		if sock := a.sandboxSocket(sb); sock != nil {
			delivered = sock.send(frame("openai_token", map[string]any{"token": body.Token}))
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if !delivered {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no sandbox connection"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Manager) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	var out []store.Participant
	err := a.Do(r.Context(), func(ctx context.Context) error {
		var err error
		out, err = a.st.ListParticipants(ctx)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": out})
}

func (m *Manager) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	var body struct {
		UserID   string  `json:"userId"`
		SCMLogin *string `json:"scmLogin"`
		SCMName  *string `json:"scmName"`
		SCMEmail *string `json:"scmEmail"`
		Role     string  `json:"role"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId is required"})
		return
	}
	role := body.Role
	if role != store.RoleOwner {
		role = store.RoleMember
	}

	var p *store.Participant
	err := a.Do(r.Context(), func(ctx context.Context) error {
		if _, err := a.requireActiveSession(ctx); err != nil {
			return err
		}
		var err error
		p, err = a.st.UpsertParticipant(ctx, store.Participant{
			ID:       id.Generate(),
			UserID:   body.UserID,
			SCMLogin: body.SCMLogin,
			SCMName:  body.SCMName,
			SCMEmail: body.SCMEmail,
			Role:     role,
			JoinedAt: nowMillis(),
		})
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (m *Manager) handleListEvents(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}

	limit := queryInt(r, "limit", defaultPageLimit)
	if limit < historyMinLimit {
		limit = historyMinLimit
	}
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	beforeTS := int64(queryInt(r, "beforeTimestamp", 0))
	beforeID := r.URL.Query().Get("beforeId")
	if beforeTS == 0 {
		beforeTS = nowMillis() + 1
	}

	var (
		events  []store.Event
		hasMore bool
	)
	err := a.Do(r.Context(), func(ctx context.Context) error {
		var err error
		events, hasMore, err = a.st.GetEventsHistoryPage(ctx, beforeTS, beforeID, limit)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]json.RawMessage, 0, len(events))
	for _, e := range events {
		if json.Valid(e.Data) {
			items = append(items, json.RawMessage(e.Data))
		}
	}
	resp := map[string]any{"events": items, "hasMore": hasMore}
	if len(events) > 0 {
		last := events[len(events)-1]
		resp["cursor"] = eventCursor{Timestamp: last.CreatedAt, ID: last.ID}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *Manager) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	var out []store.Artifact
	err := a.Do(r.Context(), func(ctx context.Context) error {
		var err error
		out, err = a.st.ListArtifacts(ctx)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

func (m *Manager) handleListMessages(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}
	var out []store.Message
	err := a.Do(r.Context(), func(ctx context.Context) error {
		var err error
		out, err = a.st.ListMessages(ctx)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
