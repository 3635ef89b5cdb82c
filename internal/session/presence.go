package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentplane/agentplane/internal/id"
	"github.com/agentplane/agentplane/internal/session/store"
	"github.com/agentplane/agentplane/internal/token"
)

const (
	replayLimit       = 500
	historyMaxLimit   = 500
	historyMinLimit   = 1
	defaultPageLimit  = 100
	errCodeRateLimit  = "RATE_LIMITED"
	errCodeBadRequest = "BAD_REQUEST"
	errCodeAuth       = "AUTH_REQUIRED"
)

// handleSubscribe authenticates a client socket by WS token, rebuilds
// its identity mapping and answers with the full session state plus a
// bounded chronological replay of the event log.
func (a *Actor) handleSubscribe(ctx context.Context, sock *socket, f clientFrame) error {
	if f.Token == "" {
		sock.close(wsCloseUnauthorized, "auth token required")
		return nil
	}

	p, err := a.st.GetParticipantByWSTokenHash(ctx, token.Hash(f.Token))
	if err != nil {
		return err
	}
	if p == nil || p.WSTokenCreatedAt == nil {
		sock.close(wsCloseUnauthorized, "invalid auth token")
		return nil
	}
	if time.Since(time.UnixMilli(*p.WSTokenCreatedAt)) > a.cfg.WSTokenTTL() {
		sock.close(wsCloseUnauthorized, "auth token expired")
		return nil
	}

	wsID := sock.tags[tagWsID]
	clientID := f.ClientID
	if clientID == "" {
		clientID = id.Generate()
	}
	if err := a.st.UpsertWsClientMapping(ctx, store.WsClientMapping{
		WsID:          wsID,
		ParticipantID: p.ID,
		ClientID:      clientID,
		CreatedAt:     nowMillis(),
	}); err != nil {
		return err
	}
	a.reg.setClient(sock, &clientInfo{
		ParticipantID: p.ID,
		ClientID:      clientID,
		WsID:          wsID,
	})

	state, err := a.State(ctx)
	if err != nil {
		return err
	}
	replay, err := a.buildReplay(ctx)
	if err != nil {
		return err
	}

	fields := map[string]any{
		"sessionId":     a.id,
		"state":         state,
		"participantId": p.ID,
		"participant":   p,
		"replay":        replay,
	}
	if state != nil && state.Sandbox != nil && state.Sandbox.LastSpawnError != nil {
		fields["spawnError"] = *state.Sandbox.LastSpawnError
	}
	sock.send(frame("subscribed", fields))

	a.broadcastPresenceSync(ctx)
	return nil
}

// replayPage is the event replay delivered on subscribe.
type replayPage struct {
	Events  []json.RawMessage `json:"events"`
	HasMore bool              `json:"hasMore"`
	Cursor  *eventCursor      `json:"cursor,omitempty"`
}

// buildReplay returns the newest replayLimit non-heartbeat events in
// chronological order, with a cursor pointing at the oldest delivered
// row for fetch_history continuation.
func (a *Actor) buildReplay(ctx context.Context) (*replayPage, error) {
	// Probe one past the limit to learn whether older pages exist.
	events, err := a.st.GetEventsForReplay(ctx, replayLimit+1)
	if err != nil {
		return nil, err
	}

	page := &replayPage{Events: []json.RawMessage{}}
	if len(events) > replayLimit {
		page.HasMore = true
		events = events[len(events)-replayLimit:]
	}
	if len(events) > 0 {
		oldest := events[0]
		page.Cursor = &eventCursor{Timestamp: oldest.CreatedAt, ID: oldest.ID}
	}
	for _, e := range events {
		// Malformed stored payloads are skipped, never fatal.
		if !json.Valid(e.Data) {
			continue
		}
		page.Events = append(page.Events, json.RawMessage(e.Data))
	}
	return page, nil
}

// handleFetchHistory pages backwards through the event log. Rate
// limited per client; the page limit clamps to [1, 500].
func (a *Actor) handleFetchHistory(ctx context.Context, sock *socket, f clientFrame) error {
	info := a.clientIdentity(ctx, sock)
	if info == nil {
		sock.send(frame("error", map[string]any{"code": errCodeAuth, "message": "subscribe first"}))
		return nil
	}

	now := time.Now()
	if now.Sub(info.lastHistoryFetch) < a.cfg.HistoryRateLimit() {
		sock.send(frame("error", map[string]any{"code": errCodeRateLimit, "message": "history requests are rate limited"}))
		return nil
	}
	info.lastHistoryFetch = now

	limit := f.Limit
	if limit == 0 {
		limit = defaultPageLimit
	}
	if limit < historyMinLimit {
		limit = historyMinLimit
	}
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}

	cursor := f.Cursor
	if cursor == nil {
		cursor = &eventCursor{Timestamp: nowMillis() + 1}
	}

	events, hasMore, err := a.st.GetEventsHistoryPage(ctx, cursor.Timestamp, cursor.ID, limit)
	if err != nil {
		return err
	}

	items := make([]json.RawMessage, 0, len(events))
	for _, e := range events {
		if !json.Valid(e.Data) {
			continue
		}
		items = append(items, json.RawMessage(e.Data))
	}
	fields := map[string]any{
		"items":   items,
		"hasMore": hasMore,
	}
	if len(events) > 0 {
		last := events[len(events)-1]
		fields["cursor"] = eventCursor{Timestamp: last.CreatedAt, ID: last.ID}
	}
	sock.send(frame("history_page", fields))
	return nil
}

// clientIdentity resolves a socket's identity: the in-memory info if it
// exists, otherwise recovery from the persisted mapping. A socket that
// is in the authenticated set but whose mapping has disappeared is
// unrecoverable and is closed with 4002; the client must reconnect and
// subscribe again.
func (a *Actor) clientIdentity(ctx context.Context, sock *socket) *clientInfo {
	info := a.reg.getClient(sock)
	if info == nil {
		info = a.recoverClient(ctx, sock)
	}
	if info == nil && a.reg.isAuthenticated(sock) {
		sock.close(wsCloseMappingLost, "client mapping lost")
	}
	return info
}

// recoverClient rebuilds a socket's clientInfo from its persisted
// mapping after a restart. Returns nil if the mapping is gone.
func (a *Actor) recoverClient(ctx context.Context, sock *socket) *clientInfo {
	wsID := sock.tags[tagWsID]
	if wsID == "" {
		return nil
	}
	m, err := a.st.GetWsClientMapping(ctx, wsID)
	if err != nil || m == nil {
		return nil
	}
	info := &clientInfo{
		ParticipantID: m.ParticipantID,
		ClientID:      m.ClientID,
		WsID:          wsID,
	}
	a.reg.setClient(sock, info)
	return info
}

// handlePresence fans a client's presence update out to the other
// authenticated clients.
func (a *Actor) handlePresence(ctx context.Context, sock *socket, f clientFrame) {
	info := a.clientIdentity(ctx, sock)
	if info == nil {
		return
	}
	fields := map[string]any{
		"participantId": info.ParticipantID,
		"clientId":      info.ClientID,
		"status":        f.Status,
	}
	if f.Cursor != nil {
		fields["cursor"] = f.Cursor
	}
	a.broadcastFrame(broadcastAuthenticated, "presence_update", fields)
}

// broadcastPresenceSync sends the full presence roster.
func (a *Actor) broadcastPresenceSync(ctx context.Context) {
	type presence struct {
		ParticipantID string `json:"participantId"`
		ClientID      string `json:"clientId"`
	}
	var list []presence
	for _, info := range a.reg.authenticatedClients() {
		list = append(list, presence{ParticipantID: info.ParticipantID, ClientID: info.ClientID})
	}
	a.broadcastFrame(broadcastAuthenticated, "presence_sync", map[string]any{"clients": list})
}

// notifyClientGone handles an authenticated client socket closing.
func (a *Actor) notifyClientGone(info *clientInfo) {
	a.broadcastFrame(broadcastAuthenticated, "presence_leave", map[string]any{
		"participantId": info.ParticipantID,
		"clientId":      info.ClientID,
	})
}
