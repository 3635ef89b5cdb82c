// Package scm abstracts the source-control provider consumed by the
// pull-request flow. The session actor never speaks git directly; it
// asks the provider for push credentials and PR creation.
package scm

import (
	"context"
	"errors"
	"fmt"
)

// PushCredentials authorize the sandbox to push a branch. App-level,
// not tied to any participant.
type PushCredentials struct {
	Username  string `json:"username"`
	Token     string `json:"token"`
	RemoteURL string `json:"remoteUrl"`
}

// PullRequestInput describes a PR to create on behalf of a user.
type PullRequestInput struct {
	Owner      string
	Repo       string
	Title      string
	Body       string
	HeadBranch string
	BaseBranch string
	// UserToken is the OAuth token of the prompting participant; the
	// PR is authored as them.
	UserToken string
}

// PullRequest is the created PR.
type PullRequest struct {
	Number int    `json:"prNumber"`
	URL    string `json:"prUrl"`
	State  string `json:"state"`
}

// Provider is the SCM surface the actor consumes.
type Provider interface {
	// GeneratePushCredentials mints app-level credentials for pushing
	// the session branch.
	GeneratePushCredentials(ctx context.Context, owner, repo string) (*PushCredentials, error)
	// DefaultBranch returns the repository's default branch.
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
	// CreatePullRequest opens a PR using the user's OAuth token.
	CreatePullRequest(ctx context.Context, in PullRequestInput) (*PullRequest, error)
}

// Error carries the upstream HTTP status so handlers can propagate it.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scm: %s (status %d): %v", e.Message, e.Status, e.Err)
	}
	return fmt.Sprintf("scm: %s (status %d)", e.Message, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus extracts the upstream status from an SCM error chain.
// Returns 502 for errors without one.
func HTTPStatus(err error) int {
	var se *Error
	if errors.As(err, &se) && se.Status != 0 {
		return se.Status
	}
	return 502
}
