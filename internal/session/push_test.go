package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/internal/scm"
)

func TestNormalizeBranch(t *testing.T) {
	assert.Equal(t, "feature/login", normalizeBranch("  Feature/Login "))
	assert.Equal(t, "main", normalizeBranch("main"))
}

func TestDefaultHeadBranch(t *testing.T) {
	assert.Equal(t, "agentplane/s1", defaultHeadBranch("s1"))
	assert.Equal(t, "agentplane/sess-2026-08", defaultHeadBranch("SESS-2026-08-26-long"))
}

type prCall struct {
	res *CreatePRResult
	err error
}

func TestCreatePRPushRendezvous(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.initSession(t, "sess-push")

	waitSpawned(t, env)
	sandboxConn := env.dialSandbox(t, "sess-push")
	waitSandboxStatus(t, a, "ready")

	done := make(chan prCall, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res, err := a.CreatePullRequest(ctx, CreatePRRequest{HeadBranch: "Feature/Login"})
		done <- prCall{res, err}
	}()

	// The sandbox is asked to push with app-level credentials.
	cmd := readFrameOfType(t, sandboxConn, "push")
	var spec pushSpec
	require.NoError(t, json.Unmarshal(cmd["pushSpec"], &spec))
	assert.Equal(t, "Feature/Login", spec.Branch)
	assert.Equal(t, "x-access-token", spec.Username)
	assert.Equal(t, "push-token", spec.Token)
	assert.Contains(t, spec.RemoteURL, "acme/web-app")

	// Branch matching is case-insensitive on resolution.
	writeFrame(t, sandboxConn, map[string]any{
		"type": "push_complete", "branch": "FEATURE/LOGIN", "success": true, "ackId": "push-1",
	})
	readFrameOfType(t, sandboxConn, "ack")

	call := <-done
	require.NoError(t, call.err)
	// No participant OAuth token: manual fallback with a compare link.
	assert.Equal(t, "manual", call.res.Status)
	assert.Equal(t, "Feature/Login", call.res.HeadBranch)
	assert.Contains(t, call.res.CreatePRURL, "compare/main...Feature/Login")

	// The pushed branch is recorded on the session.
	var state *State
	require.NoError(t, a.Do(context.Background(), func(ctx context.Context) error {
		var err error
		state, err = a.State(ctx)
		return err
	}))
	require.NotNil(t, state.Session.BranchName)
	assert.Equal(t, "Feature/Login", *state.Session.BranchName)
}

func TestCreatePRPushFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.initSession(t, "sess-push-fail")

	waitSpawned(t, env)
	sandboxConn := env.dialSandbox(t, "sess-push-fail")
	waitSandboxStatus(t, a, "ready")

	done := make(chan prCall, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res, err := a.CreatePullRequest(ctx, CreatePRRequest{HeadBranch: "fix/crash"})
		done <- prCall{res, err}
	}()

	readFrameOfType(t, sandboxConn, "push")
	writeFrame(t, sandboxConn, map[string]any{
		"type": "push_error", "branch": "fix/crash", "error": "remote rejected", "ackId": "push-2",
	})
	readFrameOfType(t, sandboxConn, "ack")

	call := <-done
	require.Error(t, call.err)
	var se *scm.Error
	require.ErrorAs(t, call.err, &se)
	assert.Equal(t, 502, se.Status)
	assert.Contains(t, se.Message, "remote rejected")
}

func TestCreatePRShortSessionIDFallbackBranch(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.initSession(t, "s1")

	waitSpawned(t, env)
	sandboxConn := env.dialSandbox(t, "s1")
	waitSandboxStatus(t, a, "ready")

	done := make(chan prCall, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res, err := a.CreatePullRequest(ctx, CreatePRRequest{})
		done <- prCall{res, err}
	}()

	// No request branch and no stored branch: the fallback derives one
	// from the session ID, however short.
	cmd := readFrameOfType(t, sandboxConn, "push")
	var spec pushSpec
	require.NoError(t, json.Unmarshal(cmd["pushSpec"], &spec))
	assert.Equal(t, "agentplane/s1", spec.Branch)

	writeFrame(t, sandboxConn, map[string]any{
		"type": "push_complete", "branch": "agentplane/s1", "success": true, "ackId": "push-3",
	})
	readFrameOfType(t, sandboxConn, "ack")

	call := <-done
	require.NoError(t, call.err)
	assert.Equal(t, "agentplane/s1", call.res.HeadBranch)
}
