package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/agentplane/agentplane/internal/id"
	"github.com/agentplane/agentplane/internal/metrics"
)

// handleClientWS upgrades a client WebSocket and pumps its frames into
// the actor. The socket is tagged with a fresh wsId; identity arrives
// later via subscribe and must do so within the auth timeout.
func (m *Manager) handleClientWS(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		a.log.Debug("client ws accept failed", "error", err)
		return
	}

	sock := newSocket(conn)
	wsID := id.Generate()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	if err := a.Do(r.Context(), func(ctx context.Context) error {
		a.reg.acceptClient(sock, wsID)
		return nil
	}); err != nil {
		sock.close(websocket.StatusInternalError, "session unavailable")
		return
	}

	// Auth watchdog: a socket that has not subscribed (and has no
	// persisted mapping from a previous life) within the window is cut
	// with 4008.
	authTimer := time.AfterFunc(a.cfg.ClientAuthTimeout(), func() {
		a.post(func() {
			if !sock.open() {
				return
			}
			if a.reg.getClient(sock) != nil || a.persistedAuth(wsID) {
				return
			}
			sock.close(wsCloseAuthTimeout, "auth timeout")
		})
	})
	defer authTimer.Stop()

	a.readClientLoop(r.Context(), sock, wsID)
}

func (a *Actor) readClientLoop(ctx context.Context, sock *socket, wsID string) {
	var readErr error
	defer func() { a.clientGone(sock, wsID, readErr) }()

	for {
		typ, data, err := sock.conn.Read(ctx)
		if err != nil {
			readErr = err
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			sock.send(frame("error", map[string]any{"code": errCodeBadRequest, "message": "invalid frame"}))
			continue
		}

		// Ping never wakes the actor.
		if f.Type == "ping" {
			sock.send(frame("pong", map[string]any{"timestamp": nowMillis()}))
			continue
		}

		if err := a.Do(ctx, func(ctx context.Context) error {
			return a.handleClientFrame(ctx, sock, f)
		}); err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return
			}
			a.log.Warn("client frame failed", "frame", f.Type, "error", err)
			sock.send(frame("error", map[string]any{"code": "INTERNAL", "message": "request failed"}))
		}
	}
}

// handleClientFrame dispatches one client frame on the mailbox.
func (a *Actor) handleClientFrame(ctx context.Context, sock *socket, f clientFrame) error {
	switch f.Type {
	case "subscribe":
		return a.handleSubscribe(ctx, sock, f)

	case "prompt":
		info := a.clientIdentity(ctx, sock)
		if info == nil {
			sock.send(frame("error", map[string]any{"code": errCodeAuth, "message": "subscribe first"}))
			return nil
		}
		_, err := a.enqueue(ctx, PromptRequest{
			ParticipantID:   info.ParticipantID,
			Content:         f.Content,
			Source:          "web",
			Model:           f.Model,
			ReasoningEffort: f.ReasoningEffort,
			Attachments:     f.Attachments,
			RequestID:       f.RequestID,
		}, sock)
		var ve *ValidationError
		if errors.As(err, &ve) {
			sock.send(frame("error", map[string]any{"code": errCodeBadRequest, "message": ve.Message}))
			return nil
		}
		return err

	case "stop":
		return a.stopExecution(ctx)

	case "typing":
		a.markActivity(ctx)
		a.ensureSandbox(ctx, "typing")
		return nil

	case "fetch_history":
		return a.handleFetchHistory(ctx, sock, f)

	case "presence":
		a.handlePresence(ctx, sock, f)
		return nil

	default:
		sock.send(frame("error", map[string]any{"code": errCodeBadRequest, "message": "unknown frame type " + f.Type}))
		return nil
	}
}

// clientGone cleans up after a client socket closes. A clean close
// drops the durable mapping; an abnormal close (1006) keeps it so the
// client can reconnect with the same wsId.
func (a *Actor) clientGone(sock *socket, wsID string, readErr error) {
	clean := websocket.CloseStatus(readErr) == websocket.StatusNormalClosure

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Do(ctx, func(ctx context.Context) error {
		info := a.reg.getClient(sock)
		a.reg.removeSocket(sock)
		sock.close(websocket.StatusNormalClosure, "")
		if info != nil {
			a.notifyClientGone(info)
			if clean {
				if err := a.st.DeleteWsClientMapping(ctx, wsID); err != nil {
					a.log.Warn("delete ws mapping failed", "error", err)
				}
			}
		}
		// With no clients left the inactivity watchdog decides the
		// sandbox's fate.
		a.alarm.scheduleIn(a.cfg.InactivityTimeout())
		return nil
	})
}
