// Package sandbox abstracts the remote execution environment provider.
// The actor consumes create/restore/snapshot; the runtime itself is an
// external collaborator.
package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure. The circuit breaker only
// counts permanent and unknown failures; transient failures (rate
// limits, capacity) do not open it.
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorTransient
	ErrorPermanent
)

// Error is a tagged provider failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox provider: %s: %v", e.Message, e.Err)
	}
	return "sandbox provider: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a transient provider failure.
func Transient(msg string, err error) error {
	return &Error{Kind: ErrorTransient, Message: msg, Err: err}
}

// Permanent wraps err as a permanent provider failure.
func Permanent(msg string, err error) error {
	return &Error{Kind: ErrorPermanent, Message: msg, Err: err}
}

// Classify returns the error kind for a provider error chain.
// Unwrapped errors are unknown, which the breaker counts.
func Classify(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorUnknown
}

// CreateConfig carries everything a provider needs to boot a sandbox
// for a session.
type CreateConfig struct {
	SessionID  string            `json:"sessionId"`
	SandboxID  string            `json:"sandboxId"`
	AuthToken  string            `json:"authToken"`
	RepoOwner  string            `json:"repoOwner"`
	RepoName   string            `json:"repoName"`
	BaseBranch string            `json:"baseBranch"`
	BaseSha    string            `json:"baseSha,omitempty"`
	Model      string            `json:"model"`
	ImageID    string            `json:"imageId,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// RestoreConfig boots a sandbox from a previously taken snapshot.
type RestoreConfig struct {
	CreateConfig
	SnapshotImageID string `json:"snapshotImageId"`
}

// Instance identifies a provider-side sandbox object.
type Instance struct {
	ObjectID string `json:"objectId"`
}

// Snapshot is the result of a takeSnapshot call.
type Snapshot struct {
	ImageID string `json:"imageId"`
}

// Provider is the sandbox runtime surface the lifecycle manager drives.
type Provider interface {
	Create(ctx context.Context, cfg CreateConfig) (*Instance, error)
	// RestoreFromSnapshot boots from a snapshot image. Providers that
	// cannot restore report SupportsRestore() == false and the caller
	// falls back to Create.
	RestoreFromSnapshot(ctx context.Context, cfg RestoreConfig) (*Instance, error)
	TakeSnapshot(ctx context.Context, objectID, reason string) (*Snapshot, error)
	SupportsRestore() bool
}
