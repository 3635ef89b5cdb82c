package session

import (
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// Close codes on the client WebSocket surface.
const (
	wsCloseUnauthorized = websocket.StatusCode(4001)
	wsCloseMappingLost  = websocket.StatusCode(4002)
	wsCloseAuthTimeout  = websocket.StatusCode(4008)
)

// clientFrame is every frame a client may send. Type selects which
// fields are meaningful.
type clientFrame struct {
	Type string `json:"type"`

	// subscribe
	Token    string `json:"token,omitempty"`
	ClientID string `json:"clientId,omitempty"`

	// prompt
	Content         string          `json:"content,omitempty"`
	Model           string          `json:"model,omitempty"`
	ReasoningEffort string          `json:"reasoningEffort,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
	RequestID       string          `json:"requestId,omitempty"`

	// fetch_history
	Cursor *eventCursor `json:"cursor,omitempty"`
	Limit  int          `json:"limit,omitempty"`

	// presence
	Status string `json:"status,omitempty"`
}

// eventCursor is the composite keyset cursor over the event log.
type eventCursor struct {
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
}

// sandboxEvent is every frame the sandbox may send. Fields beyond Type
// are read per event type; the raw frame is what gets persisted.
type sandboxEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	AckID     string `json:"ackId,omitempty"`

	// execution_complete, push_complete
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	// tool_call
	Tool   string `json:"tool,omitempty"`
	Status string `json:"status,omitempty"`

	// push_complete / push_error
	Branch string `json:"branch,omitempty"`

	// git_sync
	GitSyncStatus string `json:"gitSyncStatus,omitempty"`
	Sha           string `json:"sha,omitempty"`

	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// promptAuthor identifies the participant a prompt commits as.
type promptAuthor struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	Login         string `json:"login,omitempty"`
}

// promptCommand is the command dispatched to the sandbox for one
// message.
type promptCommand struct {
	Type            string          `json:"type"`
	MessageID       string          `json:"messageId"`
	Content         string          `json:"content"`
	Model           string          `json:"model"`
	ReasoningEffort string          `json:"reasoningEffort,omitempty"`
	Author          promptAuthor    `json:"author"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
}

// pushSpec tells the sandbox how to push the session branch.
type pushSpec struct {
	Branch    string `json:"branch"`
	RemoteURL string `json:"remoteUrl"`
	Username  string `json:"username"`
	Token     string `json:"token"`
}

// pushCommand wraps a pushSpec for the sandbox socket.
type pushCommand struct {
	Type string   `json:"type"`
	Push pushSpec `json:"pushSpec"`
}

// frame serializes an outbound message of the given type. fields may be
// nil. Marshal failures cannot happen for the value types we pass and
// are treated as programmer error.
func frame(typ string, fields map[string]any) []byte {
	m := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		m[k] = v
	}
	m["type"] = typ
	b, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("marshal %s frame: %v", typ, err))
	}
	return b
}
