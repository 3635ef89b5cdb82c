// Package session implements the per-session actor: a single-writer
// runtime that owns one session's SQLite state, multiplexes client and
// sandbox WebSockets, serializes prompts through a FIFO queue, drives
// the sandbox lifecycle state machine and orchestrates pull-request
// creation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/agentplane/agentplane/internal/callback"
	"github.com/agentplane/agentplane/internal/config"
	"github.com/agentplane/agentplane/internal/id"
	"github.com/agentplane/agentplane/internal/sandbox"
	"github.com/agentplane/agentplane/internal/scm"
	"github.com/agentplane/agentplane/internal/secrets"
	"github.com/agentplane/agentplane/internal/session/store"
	"github.com/agentplane/agentplane/internal/util/sanitize"
)

// ErrStopped is returned by Do once the actor has shut down.
var ErrStopped = errors.New("session actor stopped")

const maxTitleLen = 200

// Deps are the external collaborators a session actor consumes.
type Deps struct {
	Config   *config.Config
	Log      *slog.Logger
	SCM      scm.Provider
	Sandbox  sandbox.Provider
	Callback callback.Service
	// GlobalSecrets and RepoSecrets feed the sandbox environment;
	// per-repo values win on merge.
	GlobalSecrets secrets.Store
	RepoSecrets   secrets.Store
	Cipher        secrets.Cipher
}

// Actor is one live session. Exactly one instance exists per session
// ID; every state mutation runs on its mailbox goroutine.
type Actor struct {
	id  string
	cfg *config.Config
	log *slog.Logger

	st       *store.Store
	scm      scm.Provider
	provider sandbox.Provider
	callback callback.Service
	global   secrets.Store
	repo     secrets.Store
	cipher   secrets.Cipher

	mailbox chan func()
	quit    chan struct{}
	stopped chan struct{}
	bg      sync.WaitGroup

	reg   *wsRegistry
	alarm *alarmClock

	// Soft state. Recomputable; lost on restart by design.
	spawning         bool
	pushWaits        map[string]chan pushOutcome
	inactivityWarned bool

	// lastBusy is unix millis of the last mailbox work or live socket,
	// read by the manager's idle reaper.
	lastBusy atomic.Int64
}

// New opens the session's database, runs migrations and starts the
// mailbox goroutine.
func New(sessionID string, st *store.Store, deps Deps) (*Actor, error) {
	if err := st.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate session %s: %w", sessionID, err)
	}

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	a := &Actor{
		id:        sessionID,
		cfg:       deps.Config,
		log:       log.With("session", sessionID),
		st:        st,
		scm:       deps.SCM,
		provider:  deps.Sandbox,
		callback:  deps.Callback,
		global:    deps.GlobalSecrets,
		repo:      deps.RepoSecrets,
		cipher:    deps.Cipher,
		mailbox:   make(chan func(), 128),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		pushWaits: make(map[string]chan pushOutcome),
	}
	if a.callback == nil {
		a.callback = callback.Nop{}
	}
	a.alarm = newAlarmClock(a.fireAlarm)
	a.reg = newWSRegistry(a.log)
	a.lastBusy.Store(time.Now().UnixMilli())

	go a.run()
	return a, nil
}

// ID returns the session ID.
func (a *Actor) ID() string { return a.id }

func (a *Actor) run() {
	defer close(a.stopped)
	for {
		select {
		case fn := <-a.mailbox:
			fn()
			a.lastBusy.Store(time.Now().UnixMilli())
		case <-a.quit:
			a.teardown()
			return
		}
	}
}

// Do runs fn on the actor goroutine and waits for its result. This is
// the only entry point for external callers; it serializes all session
// mutations.
func (a *Actor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	select {
	case a.mailbox <- func() { errc <- fn(ctx) }:
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post schedules fn on the mailbox without waiting. Used by timers and
// background goroutines re-entering the actor.
func (a *Actor) post(fn func()) {
	select {
	case a.mailbox <- fn:
	case <-a.stopped:
	}
}

func (a *Actor) fireAlarm() {
	a.post(func() {
		if err := a.handleAlarm(context.Background()); err != nil {
			a.log.Error("alarm handler failed", "error", err)
		}
	})
}

// Stop shuts the actor down: best-effort shutdown notice to the
// sandbox, 1001 to clients, then the mailbox goroutine exits and the
// database closes.
func (a *Actor) Stop(ctx context.Context) {
	_ = a.Do(ctx, func(ctx context.Context) error {
		if sb, err := a.st.GetSandbox(ctx); err == nil && sb != nil {
			if sock := a.sandboxSocket(sb); sock != nil {
				sock.send(frame("shutdown", nil))
			}
		}
		for _, s := range a.reg.clientSockets() {
			s.close(websocket.StatusGoingAway, "session shutting down")
		}
		return nil
	})

	close(a.quit)
	select {
	case <-a.stopped:
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		a.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (a *Actor) teardown() {
	a.alarm.stop()
	for s := range a.reg.sockets {
		s.close(websocket.StatusGoingAway, "session shutting down")
	}
	if err := a.st.Close(); err != nil {
		a.log.Warn("close session store failed", "error", err)
	}
}

// IdleSince returns how long the actor has been without mailbox work
// and without live sockets. The manager reaps actors past the idle
// linger; all durable state is in SQLite and the next Get revives them.
func (a *Actor) IdleSince(now time.Time) time.Duration {
	if a.reg.socketCount() > 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(a.lastBusy.Load()))
}

// spawnBG runs fn on a tracked background goroutine.
func (a *Actor) spawnBG(fn func()) {
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		fn()
	}()
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// --- broadcast helpers ---

// persistedAuth reports whether a wsId has a durable client mapping.
// Consulted only by the registry's post-restart backfill scan.
func (a *Actor) persistedAuth(wsID string) bool {
	m, err := a.st.GetWsClientMapping(context.Background(), wsID)
	return err == nil && m != nil
}

func (a *Actor) broadcast(mode string, payload []byte) {
	a.reg.broadcast(mode, payload, a.persistedAuth)
}

func (a *Actor) broadcastFrame(mode, typ string, fields map[string]any) {
	a.broadcast(mode, frame(typ, fields))
}

// sandboxSocket resolves the live sandbox socket for the current row.
func (a *Actor) sandboxSocket(sb *store.Sandbox) *socket {
	expected := ""
	if sb != nil && sb.ProviderSandboxID != nil {
		expected = *sb.ProviderSandboxID
	}
	return a.reg.getSandboxSocket(expected)
}

// --- init / state ---

// InitRequest initializes (or re-initializes) a session. Idempotent.
type InitRequest struct {
	SessionName     string  `json:"sessionName"`
	Title           *string `json:"title,omitempty"`
	RepoOwner       string  `json:"repoOwner"`
	RepoName        string  `json:"repoName"`
	RepoID          *string `json:"repoId,omitempty"`
	BaseBranch      string  `json:"baseBranch"`
	BaseSha         *string `json:"baseSha,omitempty"`
	Model           string  `json:"model,omitempty"`
	ReasoningEffort *string `json:"reasoningEffort,omitempty"`

	Owner InitOwner `json:"owner"`
}

// InitOwner identifies the session owner.
type InitOwner struct {
	UserID   string  `json:"userId"`
	SCMLogin *string `json:"scmLogin,omitempty"`
	SCMName  *string `json:"scmName,omitempty"`
	SCMEmail *string `json:"scmEmail,omitempty"`
}

// Init upserts the Session, Sandbox and owner Participant rows and
// kicks off a warm spawn in the background.
func (a *Actor) Init(ctx context.Context, req InitRequest) error {
	if req.SessionName == "" || req.RepoOwner == "" || req.RepoName == "" || req.BaseBranch == "" {
		return &ValidationError{Message: "sessionName, repoOwner, repoName and baseBranch are required"}
	}
	if req.Owner.UserID == "" {
		return &ValidationError{Message: "owner.userId is required"}
	}

	model := req.Model
	if model == "" {
		model = a.cfg.DefaultModel
	}
	if !a.cfg.ModelAllowed(model) {
		return &ValidationError{Message: fmt.Sprintf("model %q is not allowed", model)}
	}
	var effort *string
	if req.ReasoningEffort != nil && a.cfg.EffortAllowed(model, *req.ReasoningEffort) {
		effort = req.ReasoningEffort
	}

	var title *string
	if req.Title != nil {
		t := sanitize.Title(*req.Title, maxTitleLen)
		title = &t
	}

	now := nowMillis()
	sess := store.Session{
		ID:              a.id,
		SessionName:     req.SessionName,
		Title:           title,
		RepoOwner:       req.RepoOwner,
		RepoName:        req.RepoName,
		RepoID:          req.RepoID,
		BaseBranch:      req.BaseBranch,
		BaseSha:         req.BaseSha,
		Model:           model,
		ReasoningEffort: effort,
		Status:          store.SessionCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.st.UpsertSession(ctx, sess); err != nil {
		return err
	}

	if err := a.st.UpsertSandbox(ctx, store.Sandbox{
		ID:            id.Generate(),
		Status:        store.SandboxPending,
		GitSyncStatus: "idle",
		CreatedAt:     now,
	}); err != nil {
		return err
	}

	if _, err := a.st.UpsertParticipant(ctx, store.Participant{
		ID:       id.Generate(),
		UserID:   req.Owner.UserID,
		SCMLogin: req.Owner.SCMLogin,
		SCMName:  req.Owner.SCMName,
		SCMEmail: req.Owner.SCMEmail,
		Role:     store.RoleOwner,
		JoinedAt: now,
	}); err != nil {
		return err
	}

	a.log.Info("session initialized", "repo", req.RepoOwner+"/"+req.RepoName, "model", model)

	// Warm spawn: start the sandbox before the first prompt arrives.
	a.ensureSandbox(ctx, "warm")
	return nil
}

// State is the session+sandbox snapshot returned by GET state.
type State struct {
	Session store.Session  `json:"session"`
	Sandbox *store.Sandbox `json:"sandbox,omitempty"`
}

// State returns the current snapshot, or nil if uninitialized.
func (a *Actor) State(ctx context.Context) (*State, error) {
	sess, err := a.st.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	sb, err := a.st.GetSandbox(ctx)
	if err != nil {
		return nil, err
	}
	return &State{Session: *sess, Sandbox: sb}, nil
}

// requireActiveSession loads the session and rejects archived or
// missing sessions for write paths.
func (a *Actor) requireActiveSession(ctx context.Context) (*store.Session, error) {
	sess, err := a.st.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotInitialized
	}
	if sess.Status == store.SessionArchived {
		return nil, ErrArchived
	}
	return sess, nil
}

// --- activity bookkeeping ---

// markActivity stamps the sandbox activity watermark and (re)schedules
// the inactivity check.
func (a *Actor) markActivity(ctx context.Context) {
	now := nowMillis()
	if err := a.st.SetSandboxActivity(ctx, now); err != nil {
		a.log.Warn("mark activity failed", "error", err)
		return
	}
	a.inactivityWarned = false
	a.alarm.scheduleIn(a.cfg.InactivityTimeout())
}

// --- typed errors shared by handlers ---

// ValidationError is a 400-class failure; it never mutates state.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var (
	// ErrNotInitialized marks a session without an init.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrArchived blocks write paths on archived sessions.
	ErrArchived = errors.New("session is archived")
	// ErrPRExists signals the exactly-once PR conflict.
	ErrPRExists = errors.New("pull request already exists for session")
)

// rawJSON returns v marshaled, for event payload storage.
func rawJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal event payload: %v", err))
	}
	return b
}
