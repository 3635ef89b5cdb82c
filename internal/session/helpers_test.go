package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/internal/callback"
	"github.com/agentplane/agentplane/internal/config"
	"github.com/agentplane/agentplane/internal/sandbox"
	"github.com/agentplane/agentplane/internal/scm"
	"github.com/agentplane/agentplane/internal/secrets"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Addr:         ":0",
		DataDir:      t.TempDir(),
		LogLevel:     "debug",
		BaseURL:      "http://agentplane.test",
		DefaultModel: "openai/gpt-5-codex",
		Models: map[string][]string{
			"openai/gpt-5-codex": {"low", "medium", "high"},
		},
		ClientAuthTimeoutSeconds: 5,
		WSTokenTTLSeconds:        3600,
		PushTimeoutSeconds:       5,
		ExecutionTimeoutSeconds:  300,
		InactivityTimeoutSeconds: 300,
		InactivityWarningSeconds: 60,
		HeartbeatTimeoutSeconds:  60,
		SpawnWaitWindowSeconds:   60,
		ActorIdleLingerSeconds:   3600,
		BreakerFailureThreshold:  3,
		BreakerOpenWindowSeconds: 60,
		HistoryRateLimitMillis:   200,
		ShutdownGraceSeconds:     5,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

// fakeProvider is an in-memory sandbox provider. It records calls and
// the last create config, which is how tests learn the sandbox auth
// token a spawn generated.
type fakeProvider struct {
	mu              sync.Mutex
	createErr       error
	restoreErr      error
	supportsRestore bool
	createCalls     int
	restoreCalls    int
	snapshotCalls   int
	lastCreate      sandbox.CreateConfig
}

func (f *fakeProvider) Create(ctx context.Context, cfg sandbox.CreateConfig) (*sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastCreate = cfg
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &sandbox.Instance{ObjectID: fmt.Sprintf("obj-%d", f.createCalls)}, nil
}

func (f *fakeProvider) RestoreFromSnapshot(ctx context.Context, cfg sandbox.RestoreConfig) (*sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreCalls++
	f.lastCreate = cfg.CreateConfig
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return &sandbox.Instance{ObjectID: "obj-restored"}, nil
}

func (f *fakeProvider) TakeSnapshot(ctx context.Context, objectID, reason string) (*sandbox.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotCalls++
	return &sandbox.Snapshot{ImageID: fmt.Sprintf("img-%d", f.snapshotCalls)}, nil
}

func (f *fakeProvider) SupportsRestore() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supportsRestore
}

func (f *fakeProvider) stats() (creates, restores, snapshots int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.restoreCalls, f.snapshotCalls
}

func (f *fakeProvider) spawnConfig() sandbox.CreateConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCreate
}

// fakeSCM fulfils push credentials and PR creation in memory.
type fakeSCM struct {
	mu      sync.Mutex
	created int
}

func (f *fakeSCM) GeneratePushCredentials(ctx context.Context, owner, repo string) (*scm.PushCredentials, error) {
	return &scm.PushCredentials{
		Username:  "x-access-token",
		Token:     "push-token",
		RemoteURL: fmt.Sprintf("https://github.com/%s/%s.git", owner, repo),
	}, nil
}

func (f *fakeSCM) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return "main", nil
}

func (f *fakeSCM) CreatePullRequest(ctx context.Context, in scm.PullRequestInput) (*scm.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &scm.PullRequest{
		Number: f.created,
		URL:    fmt.Sprintf("https://github.com/%s/%s/pull/%d", in.Owner, in.Repo, f.created),
		State:  "open",
	}, nil
}

func (f *fakeSCM) prCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type testEnv struct {
	cfg      *config.Config
	provider *fakeProvider
	scm      *fakeSCM
	mgr      *Manager
	srv      *httptest.Server
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	env := &testEnv{
		cfg:      cfg,
		provider: &fakeProvider{},
		scm:      &fakeSCM{},
	}
	env.mgr = NewManager(Deps{
		Config:        cfg,
		SCM:           env.scm,
		Sandbox:       env.provider,
		Callback:      callback.Nop{},
		GlobalSecrets: secrets.Static{"GLOBAL_SECRET": "1"},
		Cipher:        secrets.PlaintextCipher{},
	})

	r := chi.NewRouter()
	r.Route("/v1/sessions/{sessionID}", func(r chi.Router) {
		r.Mount("/", env.mgr.Routes())
	})
	env.srv = httptest.NewServer(r)

	t.Cleanup(func() {
		env.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		env.mgr.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) actor(t *testing.T, sessionID string) *Actor {
	t.Helper()
	a, err := e.mgr.Get(context.Background(), sessionID)
	require.NoError(t, err)
	return a
}

// postJSON posts to /v1/sessions/{sid}{path} and decodes the response.
func (e *testEnv) postJSON(t *testing.T, sessionID, path string, body any, out any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(
		e.srv.URL+"/v1/sessions/"+sessionID+path,
		"application/json",
		strings.NewReader(string(b)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (e *testEnv) initSession(t *testing.T, sessionID string) *Actor {
	t.Helper()
	resp := e.postJSON(t, sessionID, "/init", map[string]any{
		"sessionName": "test-session",
		"repoOwner":   "acme",
		"repoName":    "web-app",
		"baseBranch":  "main",
		"owner":       map[string]any{"userId": "u1", "scmLogin": "octocat"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return e.actor(t, sessionID)
}

func (e *testEnv) wsURL(sessionID, path string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/sessions/" + sessionID + path
}

// dialSandbox connects as the sandbox the last spawn expected.
func (e *testEnv) dialSandbox(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	spawn := e.provider.spawnConfig()
	require.NotEmpty(t, spawn.SandboxID, "no spawn recorded")

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+spawn.AuthToken)
	hdr.Set("X-Sandbox-ID", spawn.SandboxID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, e.wsURL(sessionID, "/sandbox-ws"), &websocket.DialOptions{
		HTTPHeader: hdr,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// dialClient connects and subscribes a client, returning the conn and
// the decoded subscribed frame.
func (e *testEnv) dialClient(t *testing.T, sessionID, userID string) (*websocket.Conn, map[string]json.RawMessage) {
	t.Helper()

	var tokenResp struct {
		Token         string `json:"token"`
		ParticipantID string `json:"participantId"`
	}
	resp := e.postJSON(t, sessionID, "/ws-token", map[string]any{"userId": userID}, &tokenResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, tokenResp.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, e.wsURL(sessionID, "/ws"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	writeFrame(t, conn, map[string]any{"type": "subscribe", "token": tokenResp.Token, "clientId": "client-" + userID})
	sub := readFrameOfType(t, conn, "subscribed")
	return conn, sub
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	b, err := json.Marshal(frame)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

// readFrame reads and decodes one frame into a loose field map.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// readFrameOfType skips frames until one of the wanted type arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, typ string) map[string]json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		m := readFrame(t, conn)
		var got string
		require.NoError(t, json.Unmarshal(m["type"], &got))
		if got == typ {
			return m
		}
	}
	t.Fatalf("no %s frame before deadline", typ)
	return nil
}

func frameType(t *testing.T, m map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	require.NoError(t, json.Unmarshal(m["type"], &typ))
	return typ
}
