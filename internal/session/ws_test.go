package session

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/internal/session/store"
	"github.com/agentplane/agentplane/internal/util/testutil"
)

func TestClientAuthTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.ClientAuthTimeoutSeconds = 1
	env := newTestEnv(t, cfg)
	env.initSession(t, "sess-authto")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.wsURL("sess-authto", "/ws"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	// Never subscribe: the watchdog cuts the socket.
	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, wsCloseAuthTimeout, websocket.CloseStatus(err))
}

func TestSubscribeRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t, nil)
	env.initSession(t, "sess-badtok")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.wsURL("sess-badtok", "/ws"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	writeFrame(t, conn, map[string]any{"type": "subscribe", "token": "not-a-real-token"})
	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, wsCloseUnauthorized, websocket.CloseStatus(err))
}

func TestSubscribeRejectsExpiredToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.WSTokenTTLSeconds = 0
	env := newTestEnv(t, cfg)
	env.initSession(t, "sess-expired")

	var tokenResp struct {
		Token string `json:"token"`
	}
	resp := env.postJSON(t, "sess-expired", "/ws-token", map[string]any{"userId": "u1"}, &tokenResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.wsURL("sess-expired", "/ws"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	writeFrame(t, conn, map[string]any{"type": "subscribe", "token": tokenResp.Token})
	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, wsCloseUnauthorized, websocket.CloseStatus(err))
}

func TestPingAnsweredWithoutAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	env.initSession(t, "sess-ping")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.wsURL("sess-ping", "/ws"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	writeFrame(t, conn, map[string]any{"type": "ping"})
	pong := readFrameOfType(t, conn, "pong")
	var ts int64
	require.NoError(t, json.Unmarshal(pong["timestamp"], &ts))
	assert.Positive(t, ts)
}

func TestPromptOverWebSocket(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.initSession(t, "sess-ws-prompt")

	conn, sub := env.dialClient(t, "sess-ws-prompt", "u1")
	var participantID string
	require.NoError(t, json.Unmarshal(sub["participantId"], &participantID))
	require.NotEmpty(t, participantID)

	writeFrame(t, conn, map[string]any{
		"type":      "prompt",
		"content":   "refactor the config loader",
		"requestId": "req-7",
	})
	queued := readFrameOfType(t, conn, "prompt_queued")

	var mid, requestID string
	require.NoError(t, json.Unmarshal(queued["messageId"], &mid))
	require.NoError(t, json.Unmarshal(queued["requestId"], &requestID))
	assert.Equal(t, "req-7", requestID)

	msg := messageRow(t, a, mid)
	require.NotNil(t, msg)
	assert.Equal(t, participantID, msg.AuthorID)
	assert.Equal(t, "web", msg.Source)

	// Empty content is a frame-level error, not a dropped connection.
	writeFrame(t, conn, map[string]any{"type": "prompt"})
	errFrame := readFrameOfType(t, conn, "error")
	var code string
	require.NoError(t, json.Unmarshal(errFrame["code"], &code))
	assert.Equal(t, errCodeBadRequest, code)
}

func TestUnknownFrameType(t *testing.T) {
	env := newTestEnv(t, nil)
	env.initSession(t, "sess-unknown")

	conn, _ := env.dialClient(t, "sess-unknown", "u1")
	writeFrame(t, conn, map[string]any{"type": "teleport"})
	errFrame := readFrameOfType(t, conn, "error")
	var code string
	require.NoError(t, json.Unmarshal(errFrame["code"], &code))
	assert.Equal(t, errCodeBadRequest, code)
}

func TestVerifySandboxTokenEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.initSession(t, "sess-verify")
	waitSpawned(t, env)
	spawn := env.provider.spawnConfig()

	resp := env.postJSON(t, "sess-verify", "/verify-sandbox-token", map[string]any{
		"sandboxId": spawn.SandboxID, "token": spawn.AuthToken,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.postJSON(t, "sess-verify", "/verify-sandbox-token", map[string]any{
		"sandboxId": spawn.SandboxID, "token": "wrong",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.postJSON(t, "sess-verify", "/verify-sandbox-token", map[string]any{
		"sandboxId": "sbx-someone-else", "token": spawn.AuthToken,
	}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOpenAITokenRefresh(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.initSession(t, "sess-oai")

	// No sandbox connection yet.
	resp := env.postJSON(t, "sess-oai", "/openai-token-refresh", map[string]any{"token": "fresh"}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	waitSpawned(t, env)
	sandboxConn := env.dialSandbox(t, "sess-oai")
	waitSandboxStatus(t, a, "ready")

	resp = env.postJSON(t, "sess-oai", "/openai-token-refresh", map[string]any{"token": "fresh"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	refreshed := readFrameOfType(t, sandboxConn, "openai_token")
	var tok string
	require.NoError(t, json.Unmarshal(refreshed["token"], &tok))
	assert.Equal(t, "fresh", tok)
}

func TestClientReconnectKeepsMappingOnAbnormalClose(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.initSession(t, "sess-reconnect")

	conn, sub := env.dialClient(t, "sess-reconnect", "u1")
	var participantID string
	require.NoError(t, json.Unmarshal(sub["participantId"], &participantID))

	// Find the mapping wsId through the registry.
	var wsID string
	require.NoError(t, a.Do(context.Background(), func(ctx context.Context) error {
		for _, info := range a.reg.authenticatedClients() {
			wsID = info.WsID
		}
		return nil
	}))
	require.NotEmpty(t, wsID)

	// Abnormal close. Wait for the server to process the disconnect,
	// then check the durable mapping survived for recovery.
	_ = conn.CloseNow()
	require.Eventually(t, func() bool {
		var live int
		err := a.Do(context.Background(), func(ctx context.Context) error {
			live = len(a.reg.clientSockets())
			return nil
		})
		return err == nil && live == 0
	}, 10*time.Second, 10*time.Millisecond, "client socket never removed")

	var mapping *store.WsClientMapping
	require.NoError(t, a.Do(context.Background(), func(ctx context.Context) error {
		var err error
		mapping, err = a.st.GetWsClientMapping(ctx, wsID)
		return err
	}))
	require.NotNil(t, mapping, "mapping dropped on abnormal close")
	assert.Equal(t, participantID, mapping.ParticipantID)
}

func TestStaleMappingClosesWithMappingLost(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.initSession(t, "sess-maplost")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.wsURL("sess-maplost", "/ws"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	var wsID string
	testutil.RequireEventually(t, func() bool {
		_ = a.Do(ctx, func(ctx context.Context) error {
			for _, s := range a.reg.clientSockets() {
				wsID = s.tags[tagWsID]
			}
			return nil
		})
		return wsID != ""
	}, "client socket never registered")

	// A mapping from a previous life marks the socket authenticated via
	// the broadcast backfill, then disappears before the next frame.
	require.NoError(t, a.Do(ctx, func(ctx context.Context) error {
		p, err := a.st.GetParticipantByUserID(ctx, "u1")
		if err != nil {
			return err
		}
		if err := a.st.UpsertWsClientMapping(ctx, store.WsClientMapping{
			WsID:          wsID,
			ParticipantID: p.ID,
			ClientID:      "c1",
			CreatedAt:     nowMillis(),
		}); err != nil {
			return err
		}
		a.reg.authComplete = false
		a.broadcastFrame(broadcastAuthenticated, "session_status", map[string]any{"status": "active"})
		return a.st.DeleteWsClientMapping(ctx, wsID)
	}))

	writeFrame(t, conn, map[string]any{"type": "prompt", "content": "hi"})
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, wsCloseMappingLost, websocket.CloseStatus(err))
			return
		}
	}
}
