package store

// initialSchema creates every table at its current shape. Later
// migrations are replayed on top and no-op thanks to the ignorable
// error handling in Migrate.
var initialSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		session_name TEXT NOT NULL,
		title TEXT,
		repo_owner TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		repo_id TEXT,
		base_branch TEXT NOT NULL,
		branch_name TEXT,
		base_sha TEXT,
		current_sha TEXT,
		model TEXT NOT NULL,
		reasoning_effort TEXT,
		status TEXT NOT NULL DEFAULT 'created',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sandboxes (
		id TEXT PRIMARY KEY,
		provider_sandbox_id TEXT,
		provider_object_id TEXT,
		snapshot_image_id TEXT,
		auth_token TEXT,
		auth_token_hash TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		git_sync_status TEXT NOT NULL DEFAULT 'idle',
		last_heartbeat INTEGER,
		last_activity INTEGER,
		last_spawn_error TEXT,
		last_spawn_error_at INTEGER,
		spawn_failure_count INTEGER NOT NULL DEFAULT 0,
		last_spawn_failure INTEGER,
		created_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		scm_user_id TEXT,
		scm_login TEXT,
		scm_name TEXT,
		scm_email TEXT,
		scm_access_token_encrypted TEXT,
		scm_refresh_token_encrypted TEXT,
		scm_token_expires_at INTEGER,
		ws_auth_token_hash TEXT UNIQUE,
		ws_token_created_at INTEGER,
		role TEXT NOT NULL DEFAULT 'member',
		joined_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		author_id TEXT NOT NULL REFERENCES participants(id),
		content TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'web',
		model TEXT,
		reasoning_effort TEXT,
		attachments_json TEXT,
		callback_context_json TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS messages_status_created ON messages(status, created_at)`,

	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		data BLOB NOT NULL,
		data_compression INTEGER NOT NULL DEFAULT 0,
		message_id TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_created_id ON events(created_at, id)`,

	`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		url TEXT,
		metadata_json TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS artifacts_one_pr ON artifacts(type) WHERE type = 'pr'`,

	`CREATE TABLE IF NOT EXISTS ws_client_mappings (
		ws_id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
}
