package store

// Session statuses.
const (
	SessionCreated   = "created"
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionArchived  = "archived"
)

// Sandbox statuses.
const (
	SandboxPending      = "pending"
	SandboxSpawning     = "spawning"
	SandboxConnecting   = "connecting"
	SandboxWarming      = "warming"
	SandboxSyncing      = "syncing"
	SandboxReady        = "ready"
	SandboxRunning      = "running"
	SandboxStale        = "stale"
	SandboxSnapshotting = "snapshotting"
	SandboxStopped      = "stopped"
	SandboxFailed       = "failed"
)

// SandboxTerminal reports whether a sandbox status is terminal. A
// sandbox in a terminal state rejects new sandbox sockets with 410.
func SandboxTerminal(status string) bool {
	return status == SandboxStopped || status == SandboxStale || status == SandboxFailed
}

// Message statuses.
const (
	MessagePending    = "pending"
	MessageProcessing = "processing"
	MessageCompleted  = "completed"
	MessageFailed     = "failed"
)

// Event types.
const (
	EventToolCall          = "tool_call"
	EventToolResult        = "tool_result"
	EventToken             = "token"
	EventError             = "error"
	EventGitSync           = "git_sync"
	EventStepStart         = "step_start"
	EventStepFinish        = "step_finish"
	EventExecutionComplete = "execution_complete"
	EventHeartbeat         = "heartbeat"
	EventPushComplete      = "push_complete"
	EventPushError         = "push_error"
	EventUserMessage       = "user_message"
)

// Artifact types.
const (
	ArtifactPR     = "pr"
	ArtifactBranch = "branch"
)

// Participant roles.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// Session is the single session row. Timestamps are epoch millis.
type Session struct {
	ID              string  `json:"id"`
	SessionName     string  `json:"sessionName"`
	Title           *string `json:"title,omitempty"`
	RepoOwner       string  `json:"repoOwner"`
	RepoName        string  `json:"repoName"`
	RepoID          *string `json:"repoId,omitempty"`
	BaseBranch      string  `json:"baseBranch"`
	BranchName      *string `json:"branchName,omitempty"`
	BaseSha         *string `json:"baseSha,omitempty"`
	CurrentSha      *string `json:"currentSha,omitempty"`
	Model           string  `json:"model"`
	ReasoningEffort *string `json:"reasoningEffort,omitempty"`
	Status          string  `json:"status"`
	CreatedAt       int64   `json:"createdAt"`
	UpdatedAt       int64   `json:"updatedAt"`
}

// Sandbox is the single sandbox row.
type Sandbox struct {
	ID                string  `json:"id"`
	ProviderSandboxID *string `json:"providerSandboxId,omitempty"`
	ProviderObjectID  *string `json:"providerObjectId,omitempty"`
	SnapshotImageID   *string `json:"snapshotImageId,omitempty"`
	AuthToken         *string `json:"-"`
	AuthTokenHash     *string `json:"-"`
	Status            string  `json:"status"`
	GitSyncStatus     string  `json:"gitSyncStatus"`
	LastHeartbeat     *int64  `json:"lastHeartbeat,omitempty"`
	LastActivity      *int64  `json:"lastActivity,omitempty"`
	LastSpawnError    *string `json:"lastSpawnError,omitempty"`
	LastSpawnErrorAt  *int64  `json:"lastSpawnErrorAt,omitempty"`
	SpawnFailureCount int64   `json:"spawnFailureCount"`
	LastSpawnFailure  *int64  `json:"lastSpawnFailure,omitempty"`
	CreatedAt         int64   `json:"createdAt"`
}

// Participant is a user who has joined the session.
type Participant struct {
	ID                       string  `json:"id"`
	UserID                   string  `json:"userId"`
	SCMUserID                *string `json:"scmUserId,omitempty"`
	SCMLogin                 *string `json:"scmLogin,omitempty"`
	SCMName                  *string `json:"scmName,omitempty"`
	SCMEmail                 *string `json:"scmEmail,omitempty"`
	SCMAccessTokenEncrypted  *string `json:"-"`
	SCMRefreshTokenEncrypted *string `json:"-"`
	SCMTokenExpiresAt        *int64  `json:"-"`
	WSAuthTokenHash          *string `json:"-"`
	WSTokenCreatedAt         *int64  `json:"-"`
	Role                     string  `json:"role"`
	JoinedAt                 int64   `json:"joinedAt"`
}

// Message is a queued prompt.
type Message struct {
	ID                  string  `json:"id"`
	AuthorID            string  `json:"authorId"`
	Content             string  `json:"content"`
	Source              string  `json:"source"`
	Model               *string `json:"model,omitempty"`
	ReasoningEffort     *string `json:"reasoningEffort,omitempty"`
	AttachmentsJSON     *string `json:"attachmentsJson,omitempty"`
	CallbackContextJSON *string `json:"callbackContextJson,omitempty"`
	Status              string  `json:"status"`
	CreatedAt           int64   `json:"createdAt"`
	StartedAt           *int64  `json:"startedAt,omitempty"`
	CompletedAt         *int64  `json:"completedAt,omitempty"`
}

// MessageTimestamps are the milestones of one message's life, used for
// the prompt.complete duration log.
type MessageTimestamps struct {
	CreatedAt   int64
	StartedAt   *int64
	CompletedAt *int64
}

// Event is one row of the append-only activity log. Data is the
// decompressed JSON payload.
type Event struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Data      []byte  `json:"data"`
	MessageID *string `json:"messageId,omitempty"`
	CreatedAt int64   `json:"createdAt"`
}

// Artifact is a user-visible output of the session.
type Artifact struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	URL          *string `json:"url,omitempty"`
	MetadataJSON *string `json:"metadataJson,omitempty"`
	CreatedAt    int64   `json:"createdAt"`
}

// WsClientMapping ties a WebSocket ID to an authenticated participant.
// It outlives the in-memory socket caches.
type WsClientMapping struct {
	WsID          string `json:"wsId"`
	ParticipantID string `json:"participantId"`
	ClientID      string `json:"clientId"`
	CreatedAt     int64  `json:"createdAt"`
}
