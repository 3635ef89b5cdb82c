package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/agentplane/agentplane/internal/metrics"
	"github.com/agentplane/agentplane/internal/session/store"
)

// handleSandboxWS upgrades the sandbox WebSocket. The sandbox must
// present its plaintext auth token and its sandbox ID in headers; both
// are checked against the persisted row before the upgrade, and a
// terminal sandbox gets 410 so a late reconnect after a stop cannot
// resurrect it.
func (m *Manager) handleSandboxWS(w http.ResponseWriter, r *http.Request) {
	a := m.actor(w, r)
	if a == nil {
		return
	}

	sandboxID := r.Header.Get("X-Sandbox-ID")
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if sandboxID == "" || bearer == "" || bearer == r.Header.Get("Authorization") {
		http.Error(w, "missing sandbox credentials", http.StatusUnauthorized)
		return
	}

	var status int
	if err := a.Do(r.Context(), func(ctx context.Context) error {
		status = a.verifySandboxToken(ctx, sandboxID, bearer)
		return nil
	}); err != nil {
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}
	switch status {
	case http.StatusOK:
	case http.StatusGone:
		http.Error(w, "sandbox is terminal", http.StatusGone)
		return
	case http.StatusNotFound:
		http.Error(w, "unknown sandbox", http.StatusNotFound)
		return
	default:
		http.Error(w, "invalid sandbox token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		a.log.Debug("sandbox ws accept failed", "error", err)
		return
	}
	sock := newSocket(conn)

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	if err := a.Do(r.Context(), func(ctx context.Context) error {
		return a.sandboxConnected(ctx, sock, sandboxID)
	}); err != nil {
		sock.close(websocket.StatusInternalError, "session unavailable")
		return
	}

	a.readSandboxLoop(r.Context(), sock)
}

// sandboxConnected registers the socket, marks the sandbox ready and
// drains the queue. Runs on the mailbox.
func (a *Actor) sandboxConnected(ctx context.Context, sock *socket, sandboxID string) error {
	replaced := a.reg.acceptSandbox(sock, sandboxID)
	a.log.Info("sandbox connected", "sandbox", sandboxID, "replaced", replaced)

	if err := a.st.SetSandboxStatus(ctx, store.SandboxReady); err != nil {
		return err
	}
	if err := a.st.SetSandboxHeartbeat(ctx, nowMillis()); err != nil {
		return err
	}
	a.broadcastFrame(broadcastAuthenticated, "sandbox_status", map[string]any{"status": store.SandboxReady})

	a.markActivity(ctx)
	a.alarm.scheduleIn(a.cfg.HeartbeatTimeout())
	a.dispatch(ctx)
	return nil
}

func (a *Actor) readSandboxLoop(ctx context.Context, sock *socket) {
	defer a.sandboxGone(sock)

	for {
		typ, data, err := sock.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var ev sandboxEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			a.log.Debug("dropping malformed sandbox frame")
			continue
		}
		if err := a.Do(ctx, func(ctx context.Context) error {
			return a.ingestSandboxEvent(ctx, ev, data, sock)
		}); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("sandbox event ingest failed", "event", ev.Type, "error", err)
		}
	}
}

// sandboxGone clears the socket cache. The sandbox status is left
// untouched: a 1006 drop should let the sandbox reconnect, and the
// heartbeat watchdog owns declaring it dead.
func (a *Actor) sandboxGone(sock *socket) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Do(ctx, func(ctx context.Context) error {
		a.reg.removeSocket(sock)
		sock.close(websocket.StatusNormalClosure, "")
		a.alarm.scheduleIn(a.cfg.HeartbeatTimeout())
		return nil
	})
}
