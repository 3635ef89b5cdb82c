package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPair returns both ends of a live WebSocket connection.
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	ch := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ch <- c
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c, <-ch
}

func testRegistry() *wsRegistry {
	return newWSRegistry(slog.Default())
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestRegistrySandboxReplacement(t *testing.T) {
	r := testRegistry()

	clientA, serverA := wsPair(t)
	_, serverB := wsPair(t)

	sockA := newSocket(serverA)
	sockB := newSocket(serverB)

	require.False(t, r.acceptSandbox(sockA, "sbx-1"))
	require.Same(t, sockA, r.getSandboxSocket("sbx-1"))

	// A second sandbox connection supersedes the first.
	require.True(t, r.acceptSandbox(sockB, "sbx-2"))
	require.Same(t, sockB, r.getSandboxSocket("sbx-2"))

	// The old connection was closed with a normal status.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _, err := clientA.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestRegistrySandboxRescanByExpectedID(t *testing.T) {
	r := testRegistry()

	_, server := wsPair(t)
	sock := newSocket(server)
	r.acceptSandbox(sock, "sbx-expected")

	// Losing the cache is recoverable: the rescan matches on the tag.
	r.sandbox = nil
	require.Same(t, sock, r.getSandboxSocket("sbx-expected"))

	// But only for the expected ID.
	r.sandbox = nil
	require.Nil(t, r.getSandboxSocket("sbx-other"))
}

func TestRegistryClearSandboxSocketIfMatch(t *testing.T) {
	r := testRegistry()

	_, serverA := wsPair(t)
	_, serverB := wsPair(t)
	sockA := newSocket(serverA)
	sockB := newSocket(serverB)

	r.acceptSandbox(sockA, "sbx-1")
	r.acceptSandbox(sockB, "sbx-2")

	// A stale close must not clear the replacement.
	r.clearSandboxSocketIfMatch(sockA)
	require.Same(t, sockB, r.getSandboxSocket("sbx-2"))

	r.clearSandboxSocketIfMatch(sockB)
	require.Nil(t, r.sandbox)
}

func TestRegistryBroadcastModes(t *testing.T) {
	r := testRegistry()

	authedClient, authedServer := wsPair(t)
	anonClient, anonServer := wsPair(t)
	sandboxClient, sandboxServer := wsPair(t)

	authed := newSocket(authedServer)
	anon := newSocket(anonServer)
	sandboxSock := newSocket(sandboxServer)

	r.acceptClient(authed, "ws-authed")
	r.acceptClient(anon, "ws-anon")
	r.acceptSandbox(sandboxSock, "sbx-1")
	r.setClient(authed, &clientInfo{ParticipantID: "p1", ClientID: "c1", WsID: "ws-authed"})

	noAuth := func(string) bool { return false }

	r.broadcast(broadcastAuthenticated, frame("presence_sync", nil), noAuth)
	r.broadcast(broadcastAll, frame("session_status", nil), noAuth)

	// The authenticated client sees both frames in order.
	assert.Equal(t, "presence_sync", frameType(t, readJSON(t, authedClient)))
	assert.Equal(t, "session_status", frameType(t, readJSON(t, authedClient)))

	// The anonymous client was skipped by the authenticated_only fan-out:
	// its first frame is the all_clients one.
	assert.Equal(t, "session_status", frameType(t, readJSON(t, anonClient)))

	// The sandbox socket is never a broadcast target: the only frame it
	// ever gets here is one sent directly.
	sandboxSock.send(frame("ack", map[string]any{"ackId": "a1"}))
	assert.Equal(t, "ack", frameType(t, readJSON(t, sandboxClient)))
}

func TestRegistryBroadcastBackfillsPersistedAuth(t *testing.T) {
	r := testRegistry()

	client, server := wsPair(t)
	sock := newSocket(server)
	r.acceptClient(sock, "ws-recovered")

	// Not in the in-memory authenticated set, but a durable mapping
	// exists from a previous process life.
	persisted := func(wsID string) bool { return wsID == "ws-recovered" }

	r.broadcast(broadcastAuthenticated, frame("sandbox_status", map[string]any{"status": "ready"}), persisted)
	m := readJSON(t, client)
	assert.Equal(t, "sandbox_status", frameType(t, m))
}

func TestSocketSendAfterClose(t *testing.T) {
	_, server := wsPair(t)
	sock := newSocket(server)

	require.True(t, sock.open())
	require.True(t, sock.send(frame("ping", nil)))

	sock.close(websocket.StatusNormalClosure, "")
	require.False(t, sock.open())
	require.False(t, sock.send(frame("ping", nil)))
}

func TestRegistrySocketCount(t *testing.T) {
	r := testRegistry()
	assert.Equal(t, int64(0), r.socketCount())

	_, serverA := wsPair(t)
	_, serverB := wsPair(t)
	sockA := newSocket(serverA)
	sockB := newSocket(serverB)

	r.acceptClient(sockA, "ws-a")
	assert.Equal(t, int64(1), r.socketCount())

	// Re-registering the same socket does not double count.
	r.acceptClient(sockA, "ws-a")
	assert.Equal(t, int64(1), r.socketCount())

	// A sandbox replacing a previous one keeps the count balanced.
	r.acceptSandbox(sockB, "sbx-1")
	assert.Equal(t, int64(2), r.socketCount())
	_, serverC := wsPair(t)
	sockC := newSocket(serverC)
	r.acceptSandbox(sockC, "sbx-2")
	assert.Equal(t, int64(2), r.socketCount())

	r.removeSocket(sockA)
	r.removeSocket(sockC)
	assert.Equal(t, int64(0), r.socketCount())

	// Removing an already removed socket is a no-op.
	r.removeSocket(sockA)
	assert.Equal(t, int64(0), r.socketCount())
}
