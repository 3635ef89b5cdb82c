package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agentplane/agentplane/internal/eventcodec"
)

// IsUniqueViolation reports whether err is a UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Sessions ---

// UpsertSession inserts the session row or updates its mutable fields.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, session_name, title, repo_owner, repo_name, repo_id,
			base_branch, branch_name, base_sha, current_sha, model, reasoning_effort,
			status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_name = excluded.session_name,
			title = COALESCE(excluded.title, sessions.title),
			base_branch = excluded.base_branch,
			model = excluded.model,
			reasoning_effort = COALESCE(excluded.reasoning_effort, sessions.reasoning_effort),
			updated_at = excluded.updated_at`,
		sess.ID, sess.SessionName, sess.Title, sess.RepoOwner, sess.RepoName, sess.RepoID,
		sess.BaseBranch, sess.BranchName, sess.BaseSha, sess.CurrentSha, sess.Model,
		sess.ReasoningEffort, sess.Status, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession returns the session row, or nil if the actor is
// uninitialized.
func (s *Store) GetSession(ctx context.Context) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_name, title, repo_owner, repo_name, repo_id, base_branch,
			branch_name, base_sha, current_sha, model, reasoning_effort, status,
			created_at, updated_at
		FROM sessions LIMIT 1`)

	var sess Session
	err := row.Scan(&sess.ID, &sess.SessionName, &sess.Title, &sess.RepoOwner, &sess.RepoName,
		&sess.RepoID, &sess.BaseBranch, &sess.BranchName, &sess.BaseSha, &sess.CurrentSha,
		&sess.Model, &sess.ReasoningEffort, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// SetSessionStatus updates the session status.
func (s *Store) SetSessionStatus(ctx context.Context, status string, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ?`, status, now)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return nil
}

// SetSessionBranch records the branch the session pushes to.
func (s *Store) SetSessionBranch(ctx context.Context, branch string, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET branch_name = ?, updated_at = ?`, branch, now)
	if err != nil {
		return fmt.Errorf("set session branch: %w", err)
	}
	return nil
}

// SetSessionCurrentSha records the latest synced commit.
func (s *Store) SetSessionCurrentSha(ctx context.Context, sha string, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET current_sha = ?, updated_at = ?`, sha, now)
	if err != nil {
		return fmt.Errorf("set session current sha: %w", err)
	}
	return nil
}

// --- Sandboxes ---

// UpsertSandbox inserts the sandbox row if it does not exist yet.
func (s *Store) UpsertSandbox(ctx context.Context, sb Sandbox) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandboxes (id, provider_sandbox_id, provider_object_id, snapshot_image_id,
			auth_token, auth_token_hash, status, git_sync_status, last_heartbeat, last_activity,
			last_spawn_error, last_spawn_error_at, spawn_failure_count, last_spawn_failure, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sb.ID, sb.ProviderSandboxID, sb.ProviderObjectID, sb.SnapshotImageID,
		sb.AuthToken, sb.AuthTokenHash, sb.Status, sb.GitSyncStatus, sb.LastHeartbeat,
		sb.LastActivity, sb.LastSpawnError, sb.LastSpawnErrorAt, sb.SpawnFailureCount,
		sb.LastSpawnFailure, sb.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert sandbox: %w", err)
	}
	return nil
}

// GetSandbox returns the sandbox row, or nil if absent.
func (s *Store) GetSandbox(ctx context.Context) (*Sandbox, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider_sandbox_id, provider_object_id, snapshot_image_id, auth_token,
			auth_token_hash, status, git_sync_status, last_heartbeat, last_activity,
			last_spawn_error, last_spawn_error_at, spawn_failure_count, last_spawn_failure,
			created_at
		FROM sandboxes LIMIT 1`)

	var sb Sandbox
	err := row.Scan(&sb.ID, &sb.ProviderSandboxID, &sb.ProviderObjectID, &sb.SnapshotImageID,
		&sb.AuthToken, &sb.AuthTokenHash, &sb.Status, &sb.GitSyncStatus, &sb.LastHeartbeat,
		&sb.LastActivity, &sb.LastSpawnError, &sb.LastSpawnErrorAt, &sb.SpawnFailureCount,
		&sb.LastSpawnFailure, &sb.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox: %w", err)
	}
	return &sb, nil
}

// SetSandboxStatus updates only the status column.
func (s *Store) SetSandboxStatus(ctx context.Context, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandboxes SET status = ?`, status)
	if err != nil {
		return fmt.Errorf("set sandbox status: %w", err)
	}
	return nil
}

// BeginSpawn stamps the row for a new spawn attempt: the expected
// sandbox ID, the token hash (no plaintext is written for new spawns),
// a cleared spawn error and a fresh createdAt.
func (s *Store) BeginSpawn(ctx context.Context, providerSandboxID, authTokenHash string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes SET
			provider_sandbox_id = ?,
			auth_token = NULL,
			auth_token_hash = ?,
			status = ?,
			last_heartbeat = NULL,
			last_spawn_error = NULL,
			last_spawn_error_at = NULL,
			created_at = ?`,
		providerSandboxID, authTokenHash, SandboxSpawning, createdAt)
	if err != nil {
		return fmt.Errorf("begin spawn: %w", err)
	}
	return nil
}

// SetSandboxProviderObject records the provider-side object handle.
func (s *Store) SetSandboxProviderObject(ctx context.Context, objectID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandboxes SET provider_object_id = ?`, objectID)
	if err != nil {
		return fmt.Errorf("set sandbox provider object: %w", err)
	}
	return nil
}

// SetSandboxSnapshotImage records the latest snapshot image.
func (s *Store) SetSandboxSnapshotImage(ctx context.Context, imageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandboxes SET snapshot_image_id = ?`, imageID)
	if err != nil {
		return fmt.Errorf("set sandbox snapshot image: %w", err)
	}
	return nil
}

// SetSandboxHeartbeat updates the heartbeat watermark.
func (s *Store) SetSandboxHeartbeat(ctx context.Context, ts int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandboxes SET last_heartbeat = ?`, ts)
	if err != nil {
		return fmt.Errorf("set sandbox heartbeat: %w", err)
	}
	return nil
}

// SetSandboxActivity updates the activity watermark.
func (s *Store) SetSandboxActivity(ctx context.Context, ts int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandboxes SET last_activity = ?`, ts)
	if err != nil {
		return fmt.Errorf("set sandbox activity: %w", err)
	}
	return nil
}

// SetSandboxGitSyncStatus updates the git sync state.
func (s *Store) SetSandboxGitSyncStatus(ctx context.Context, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandboxes SET git_sync_status = ?`, status)
	if err != nil {
		return fmt.Errorf("set sandbox git sync status: %w", err)
	}
	return nil
}

// RecordSpawnFailure persists a failed spawn. countFailure controls
// whether the failure feeds the circuit breaker (transient upstream
// failures do not).
func (s *Store) RecordSpawnFailure(ctx context.Context, msg string, at int64, countFailure bool) error {
	query := `UPDATE sandboxes SET status = ?, last_spawn_error = ?, last_spawn_error_at = ?`
	args := []any{SandboxFailed, msg, at}
	if countFailure {
		query += `, spawn_failure_count = spawn_failure_count + 1, last_spawn_failure = ?`
		args = append(args, at)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record spawn failure: %w", err)
	}
	return nil
}

// ResetSpawnFailures closes the circuit breaker.
func (s *Store) ResetSpawnFailures(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET spawn_failure_count = 0, last_spawn_failure = NULL`)
	if err != nil {
		return fmt.Errorf("reset spawn failures: %w", err)
	}
	return nil
}

// --- Participants ---

// UpsertParticipant inserts a participant or refreshes an existing
// row's SCM identity, keyed by user_id. Returns the stored row.
func (s *Store) UpsertParticipant(ctx context.Context, p Participant) (*Participant, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, user_id, scm_user_id, scm_login, scm_name, scm_email,
			scm_access_token_encrypted, scm_refresh_token_encrypted, scm_token_expires_at,
			ws_auth_token_hash, ws_token_created_at, role, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			scm_user_id = COALESCE(excluded.scm_user_id, participants.scm_user_id),
			scm_login = COALESCE(excluded.scm_login, participants.scm_login),
			scm_name = COALESCE(excluded.scm_name, participants.scm_name),
			scm_email = COALESCE(excluded.scm_email, participants.scm_email),
			scm_access_token_encrypted = COALESCE(excluded.scm_access_token_encrypted, participants.scm_access_token_encrypted),
			scm_refresh_token_encrypted = COALESCE(excluded.scm_refresh_token_encrypted, participants.scm_refresh_token_encrypted),
			scm_token_expires_at = COALESCE(excluded.scm_token_expires_at, participants.scm_token_expires_at)`,
		p.ID, p.UserID, p.SCMUserID, p.SCMLogin, p.SCMName, p.SCMEmail,
		p.SCMAccessTokenEncrypted, p.SCMRefreshTokenEncrypted, p.SCMTokenExpiresAt,
		p.WSAuthTokenHash, p.WSTokenCreatedAt, p.Role, p.JoinedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert participant: %w", err)
	}
	return s.GetParticipantByUserID(ctx, p.UserID)
}

func (s *Store) scanParticipant(row *sql.Row) (*Participant, error) {
	var p Participant
	err := row.Scan(&p.ID, &p.UserID, &p.SCMUserID, &p.SCMLogin, &p.SCMName, &p.SCMEmail,
		&p.SCMAccessTokenEncrypted, &p.SCMRefreshTokenEncrypted, &p.SCMTokenExpiresAt,
		&p.WSAuthTokenHash, &p.WSTokenCreatedAt, &p.Role, &p.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	return &p, nil
}

const participantColumns = `id, user_id, scm_user_id, scm_login, scm_name, scm_email,
	scm_access_token_encrypted, scm_refresh_token_encrypted, scm_token_expires_at,
	ws_auth_token_hash, ws_token_created_at, role, joined_at`

// GetParticipantByID returns a participant by row ID, or nil.
func (s *Store) GetParticipantByID(ctx context.Context, id string) (*Participant, error) {
	return s.scanParticipant(s.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = ?`, id))
}

// GetParticipantByUserID returns a participant by user ID, or nil.
func (s *Store) GetParticipantByUserID(ctx context.Context, userID string) (*Participant, error) {
	return s.scanParticipant(s.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE user_id = ?`, userID))
}

// GetParticipantByWSTokenHash resolves a subscriber by token hash.
func (s *Store) GetParticipantByWSTokenHash(ctx context.Context, hash string) (*Participant, error) {
	return s.scanParticipant(s.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE ws_auth_token_hash = ?`, hash))
}

// SetParticipantWSToken rotates a participant's WS auth token hash.
func (s *Store) SetParticipantWSToken(ctx context.Context, participantID, hash string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET ws_auth_token_hash = ?, ws_token_created_at = ? WHERE id = ?`,
		hash, createdAt, participantID)
	if err != nil {
		return fmt.Errorf("set participant ws token: %w", err)
	}
	return nil
}

// ListParticipants returns every participant in join order.
func (s *Store) ListParticipants(ctx context.Context) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM participants ORDER BY joined_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.UserID, &p.SCMUserID, &p.SCMLogin, &p.SCMName, &p.SCMEmail,
			&p.SCMAccessTokenEncrypted, &p.SCMRefreshTokenEncrypted, &p.SCMTokenExpiresAt,
			&p.WSAuthTokenHash, &p.WSTokenCreatedAt, &p.Role, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Messages ---

// CreateMessage persists a new pending prompt.
func (s *Store) CreateMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, author_id, content, source, model, reasoning_effort,
			attachments_json, callback_context_json, status, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AuthorID, m.Content, m.Source, m.Model, m.ReasoningEffort,
		m.AttachmentsJSON, m.CallbackContextJSON, m.Status, m.CreatedAt, m.StartedAt, m.CompletedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

const messageColumns = `id, author_id, content, source, model, reasoning_effort,
	attachments_json, callback_context_json, status, created_at, started_at, completed_at`

func (s *Store) scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.AuthorID, &m.Content, &m.Source, &m.Model, &m.ReasoningEffort,
		&m.AttachmentsJSON, &m.CallbackContextJSON, &m.Status, &m.CreatedAt, &m.StartedAt, &m.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return &m, nil
}

// GetMessage returns a message by ID, or nil.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
}

// GetNextPendingMessage returns the oldest pending prompt, or nil.
// FIFO order is (created_at, id).
func (s *Store) GetNextPendingMessage(ctx context.Context) (*Message, error) {
	return s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE status = ?
		 ORDER BY created_at ASC, id ASC LIMIT 1`, MessagePending))
}

// GetProcessingMessage returns the in-flight prompt, or nil. At most
// one message is ever in processing.
func (s *Store) GetProcessingMessage(ctx context.Context) (*Message, error) {
	return s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE status = ? LIMIT 1`, MessageProcessing))
}

// GetPendingOrProcessingCount returns the queue depth.
func (s *Store) GetPendingOrProcessingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE status IN (?, ?)`,
		MessagePending, MessageProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// SetMessageProcessing transitions a message to processing.
func (s *Store) SetMessageProcessing(ctx context.Context, id string, startedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, started_at = ? WHERE id = ?`,
		MessageProcessing, startedAt, id)
	if err != nil {
		return fmt.Errorf("set message processing: %w", err)
	}
	return nil
}

// SetMessageCompletion finishes a message with completed or failed.
func (s *Store) SetMessageCompletion(ctx context.Context, id, status string, completedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, completed_at = ? WHERE id = ?`,
		status, completedAt, id)
	if err != nil {
		return fmt.Errorf("set message completion: %w", err)
	}
	return nil
}

// GetMessageTimestamps returns a message's lifecycle milestones.
func (s *Store) GetMessageTimestamps(ctx context.Context, id string) (*MessageTimestamps, error) {
	var ts MessageTimestamps
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, started_at, completed_at FROM messages WHERE id = ?`, id).
		Scan(&ts.CreatedAt, &ts.StartedAt, &ts.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message timestamps: %w", err)
	}
	return &ts, nil
}

// ListMessages returns all messages in FIFO order.
func (s *Store) ListMessages(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.Content, &m.Source, &m.Model, &m.ReasoningEffort,
			&m.AttachmentsJSON, &m.CallbackContextJSON, &m.Status, &m.CreatedAt, &m.StartedAt, &m.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent inserts a new event row.
func (s *Store) AppendEvent(ctx context.Context, e Event) error {
	data, compression := eventcodec.Compress(e.Data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, data, data_compression, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, data, compression, e.MessageID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// UpsertEvent inserts or replaces an event with a deterministic ID
// (token:{messageId}, execution_complete:{messageId}); latest wins.
func (s *Store) UpsertEvent(ctx context.Context, e Event) error {
	data, compression := eventcodec.Compress(e.Data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, data, data_compression, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			data_compression = excluded.data_compression,
			message_id = excluded.message_id,
			created_at = excluded.created_at`,
		e.ID, e.Type, data, compression, e.MessageID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var compression int
		if err := rows.Scan(&e.ID, &e.Type, &e.Data, &compression, &e.MessageID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		data, err := eventcodec.Decompress(e.Data, eventcodec.Compression(compression))
		if err != nil {
			return nil, fmt.Errorf("decompress event %s: %w", e.ID, err)
		}
		e.Data = data
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEventsForReplay returns the newest `limit` non-heartbeat events in
// chronological (ASC) order.
func (s *Store) GetEventsForReplay(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, data, data_compression, message_id, created_at
		FROM events WHERE type != ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, EventHeartbeat, limit)
	if err != nil {
		return nil, fmt.Errorf("events for replay: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// Fetched newest-first; deliver oldest-first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// GetEventsHistoryPage returns up to `limit` non-heartbeat events older
// than the (beforeTS, beforeID) cursor, newest-first, plus whether more
// pages exist.
func (s *Store) GetEventsHistoryPage(ctx context.Context, beforeTS int64, beforeID string, limit int) ([]Event, bool, error) {
	// Probe one past the limit to detect another page.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, data, data_compression, message_id, created_at
		FROM events
		WHERE type != ?1 AND (created_at < ?2 OR (created_at = ?2 AND id < ?3))
		ORDER BY created_at DESC, id DESC
		LIMIT ?4`, EventHeartbeat, beforeTS, beforeID, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("events history page: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	return events, hasMore, nil
}

// --- Artifacts ---

// InsertArtifact persists a new artifact. A second pr artifact fails
// the partial unique index; detect with IsUniqueViolation.
func (s *Store) InsertArtifact(ctx context.Context, a Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, type, url, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Type, a.URL, a.MetadataJSON, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// GetPRArtifact returns the session's pr artifact, or nil.
func (s *Store) GetPRArtifact(ctx context.Context) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, url, metadata_json, created_at
		FROM artifacts WHERE type = ? LIMIT 1`, ArtifactPR)

	var a Artifact
	err := row.Scan(&a.ID, &a.Type, &a.URL, &a.MetadataJSON, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pr artifact: %w", err)
	}
	return &a, nil
}

// ListArtifacts returns all artifacts, oldest first.
func (s *Store) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, url, metadata_json, created_at
		FROM artifacts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.Type, &a.URL, &a.MetadataJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- WebSocket client mappings ---

// UpsertWsClientMapping persists a socket's authenticated identity.
func (s *Store) UpsertWsClientMapping(ctx context.Context, m WsClientMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ws_client_mappings (ws_id, participant_id, client_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ws_id) DO UPDATE SET
			participant_id = excluded.participant_id,
			client_id = excluded.client_id`,
		m.WsID, m.ParticipantID, m.ClientID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert ws client mapping: %w", err)
	}
	return nil
}

// GetWsClientMapping returns the mapping for a socket, or nil.
func (s *Store) GetWsClientMapping(ctx context.Context, wsID string) (*WsClientMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ws_id, participant_id, client_id, created_at
		FROM ws_client_mappings WHERE ws_id = ?`, wsID)

	var m WsClientMapping
	err := row.Scan(&m.WsID, &m.ParticipantID, &m.ClientID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ws client mapping: %w", err)
	}
	return &m, nil
}

// DeleteWsClientMapping drops a socket's mapping on clean close.
func (s *Store) DeleteWsClientMapping(ctx context.Context, wsID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ws_client_mappings WHERE ws_id = ?`, wsID)
	if err != nil {
		return fmt.Errorf("delete ws client mapping: %w", err)
	}
	return nil
}
