package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/agentplane/agentplane/internal/metrics"
)

const (
	tagWsID    = "wsid"
	tagSandbox = "sandbox"
	tagSid     = "sid"

	// Outbound frames slower than this are dropped with the socket.
	socketWriteTimeout = 10 * time.Second
	socketSendBuffer   = 64
)

// socket wraps one WebSocket connection with its survival tags and a
// dedicated writer goroutine. send never blocks the actor: frames are
// queued, and a full or closed queue drops the frame.
type socket struct {
	conn *websocket.Conn
	tags map[string]string

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(conn *websocket.Conn) *socket {
	s := &socket{
		conn: conn,
		tags: make(map[string]string),
		out:  make(chan []byte, socketSendBuffer),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *socket) writeLoop() {
	for {
		select {
		case b := <-s.out:
			ctx, cancel := context.WithTimeout(context.Background(), socketWriteTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				s.close(websocket.StatusInternalError, "write failed")
				return
			}
			metrics.WSMessagesTotal.Inc()
		case <-s.done:
			return
		}
	}
}

// send queues a frame. Returns false (silently) when the socket is not
// open or its queue is full.
func (s *socket) send(b []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- b:
		return true
	default:
		return false
	}
}

func (s *socket) open() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *socket) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(code, reason)
	})
}

// socketKind is the result of classifying a socket by its tags.
type socketKind struct {
	Sandbox   bool
	SandboxID string
	WsID      string
}

// clientInfo is the in-memory identity of an authenticated client
// socket. Lost on actor restart and rebuilt from WsClientMapping.
type clientInfo struct {
	ParticipantID string
	ClientID      string
	WsID          string

	lastHistoryFetch time.Time
}

// broadcast modes.
const (
	broadcastAll           = "all_clients"
	broadcastAuthenticated = "authenticated_only"
)

// wsRegistry is the sole owner of WebSocket bookkeeping. All methods
// run on the actor goroutine; only the per-socket writer goroutines run
// concurrently, and liveCount is the one field readable off-goroutine.
type wsRegistry struct {
	log *slog.Logger

	sockets   map[*socket]struct{}
	liveCount atomic.Int64
	clients   map[*socket]*clientInfo
	sandbox   *socket

	// authenticated is built incrementally as clients subscribe. After a
	// restart the first authenticated_only broadcast backfills it from
	// persisted mappings and marks it complete.
	authenticated map[*socket]struct{}
	authComplete  bool
}

func newWSRegistry(log *slog.Logger) *wsRegistry {
	return &wsRegistry{
		log:           log,
		sockets:       make(map[*socket]struct{}),
		clients:       make(map[*socket]*clientInfo),
		authenticated: make(map[*socket]struct{}),
	}
}

// acceptClient registers a client socket under its wsId tag.
func (r *wsRegistry) acceptClient(s *socket, wsID string) {
	s.tags[tagWsID] = wsID
	r.addSocket(s)
}

// acceptSandbox registers a sandbox socket. A previously active sandbox
// socket is closed and replaced.
func (r *wsRegistry) acceptSandbox(s *socket, sandboxID string) (replaced bool) {
	s.tags[tagSandbox] = "1"
	if sandboxID != "" {
		s.tags[tagSid] = sandboxID
	}
	r.addSocket(s)

	if prev := r.sandbox; prev != nil && prev != s && prev.open() {
		prev.close(websocket.StatusNormalClosure, "New sandbox connecting")
		r.dropSocket(prev)
		replaced = true
	}
	r.sandbox = s
	return replaced
}

func (r *wsRegistry) addSocket(s *socket) {
	if _, ok := r.sockets[s]; !ok {
		r.sockets[s] = struct{}{}
		r.liveCount.Add(1)
	}
}

func (r *wsRegistry) dropSocket(s *socket) {
	if _, ok := r.sockets[s]; ok {
		delete(r.sockets, s)
		r.liveCount.Add(-1)
	}
}

// socketCount is the number of registered sockets. Safe to read off the
// actor goroutine; the idle reaper uses it.
func (r *wsRegistry) socketCount() int64 {
	return r.liveCount.Load()
}

// classify parses a socket's tags.
func (r *wsRegistry) classify(s *socket) socketKind {
	if _, ok := s.tags[tagSandbox]; ok {
		return socketKind{Sandbox: true, SandboxID: s.tags[tagSid]}
	}
	return socketKind{WsID: s.tags[tagWsID]}
}

// getSandboxSocket returns the active sandbox socket. On a cache miss
// it rescans live sockets for one tagged with the expected sandbox ID
// and re-caches it.
func (r *wsRegistry) getSandboxSocket(expectedSandboxID string) *socket {
	if r.sandbox != nil && r.sandbox.open() {
		return r.sandbox
	}
	r.sandbox = nil
	for s := range r.sockets {
		if !s.open() {
			continue
		}
		kind := r.classify(s)
		if kind.Sandbox && expectedSandboxID != "" && kind.SandboxID == expectedSandboxID {
			r.sandbox = s
			return s
		}
	}
	return nil
}

// clearSandboxSocketIfMatch drops the cached sandbox socket, but only
// if s is still the active one. A close racing a replacement must not
// clear the replacement.
func (r *wsRegistry) clearSandboxSocketIfMatch(s *socket) {
	if r.sandbox == s {
		r.sandbox = nil
	}
}

func (r *wsRegistry) setClient(s *socket, info *clientInfo) {
	r.clients[s] = info
	r.authenticated[s] = struct{}{}
}

func (r *wsRegistry) getClient(s *socket) *clientInfo {
	return r.clients[s]
}

// isAuthenticated reports whether the socket is in the authenticated
// set, including sockets backfilled from persisted mappings.
func (r *wsRegistry) isAuthenticated(s *socket) bool {
	_, ok := r.authenticated[s]
	return ok
}

func (r *wsRegistry) removeSocket(s *socket) {
	r.dropSocket(s)
	delete(r.clients, s)
	delete(r.authenticated, s)
	r.clearSandboxSocketIfMatch(s)
}

// clientSockets returns the live client sockets.
func (r *wsRegistry) clientSockets() []*socket {
	var out []*socket
	for s := range r.sockets {
		if !s.open() {
			continue
		}
		if kind := r.classify(s); !kind.Sandbox {
			out = append(out, s)
		}
	}
	return out
}

// authenticatedClients returns the clientInfo of every authenticated
// client socket.
func (r *wsRegistry) authenticatedClients() []*clientInfo {
	var out []*clientInfo
	for s, info := range r.clients {
		if s.open() {
			out = append(out, info)
		}
	}
	return out
}

// broadcast fans a pre-serialized payload out to client sockets. The
// sandbox socket is never a broadcast target.
//
// persistedAuth resolves whether a wsId has a durable mapping; it is
// only consulted during the one backfill scan after a restart.
func (r *wsRegistry) broadcast(mode string, payload []byte, persistedAuth func(wsID string) bool) {
	if mode == broadcastAll {
		for _, s := range r.clientSockets() {
			s.send(payload)
		}
		return
	}

	if !r.authComplete {
		for _, s := range r.clientSockets() {
			if _, ok := r.authenticated[s]; ok {
				continue
			}
			wsID := s.tags[tagWsID]
			if wsID != "" && persistedAuth != nil && persistedAuth(wsID) {
				r.authenticated[s] = struct{}{}
			}
		}
		r.authComplete = true
	}

	for s := range r.authenticated {
		if s.open() {
			s.send(payload)
		}
	}
}
