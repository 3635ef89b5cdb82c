package session

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/agentplane/agentplane/internal/id"
	"github.com/agentplane/agentplane/internal/metrics"
	"github.com/agentplane/agentplane/internal/sandbox"
	"github.com/agentplane/agentplane/internal/secrets"
	"github.com/agentplane/agentplane/internal/session/store"
	"github.com/agentplane/agentplane/internal/token"
)

// spawnAction is the persisted-state guard's verdict.
type spawnAction int

const (
	actionSkip spawnAction = iota
	actionWait
	actionSpawn
	actionRestore
)

// ensureSandbox decides whether a sandbox needs to be started and, if
// so, kicks the spawn or restore off in the background. Called on warm
// init, typing and queue dispatch. Runs on the mailbox.
func (a *Actor) ensureSandbox(ctx context.Context, trigger string) {
	sb, err := a.st.GetSandbox(ctx)
	if err != nil {
		a.log.Error("ensure sandbox: read failed", "error", err)
		return
	}
	if sb == nil {
		return
	}

	// Circuit breaker first: repeated permanent failures disable
	// spawning for the open window.
	decision := evaluateBreaker(sb, a.cfg.BreakerFailureThreshold, a.cfg.BreakerOpenWindow(), time.Now())
	if decision.Open {
		metrics.SandboxSpawnsTotal.WithLabelValues("breaker_open").Inc()
		wait := decision.Remaining.Round(time.Second)
		a.broadcastFrame(broadcastAuthenticated, "sandbox_error", map[string]any{
			"error": fmt.Sprintf("sandbox spawning temporarily disabled after repeated failures; retry in %s", wait),
		})
		return
	}
	if decision.Reset {
		if err := a.st.ResetSpawnFailures(ctx); err != nil {
			a.log.Error("reset spawn failures failed", "error", err)
			return
		}
		sb.SpawnFailureCount = 0
	}

	if a.spawning {
		return
	}

	switch a.spawnDecision(sb, time.Now()) {
	case actionSkip, actionWait:
		return
	case actionRestore:
		a.startSpawn(ctx, trigger, true, *sb.SnapshotImageID)
	case actionSpawn:
		a.startSpawn(ctx, trigger, false, "")
	}
}

// spawnDecision maps the persisted sandbox status (and its age) to an
// action. Spawning/connecting rows older than the wait window are
// treated as stalled and respawned.
func (a *Actor) spawnDecision(sb *store.Sandbox, now time.Time) spawnAction {
	switch sb.Status {
	case store.SandboxReady, store.SandboxRunning, store.SandboxWarming,
		store.SandboxSyncing, store.SandboxSnapshotting:
		return actionSkip
	case store.SandboxSpawning, store.SandboxConnecting:
		if now.Sub(time.UnixMilli(sb.CreatedAt)) < a.cfg.SpawnWaitWindow() {
			return actionWait
		}
		return actionSpawn
	}
	if sb.SnapshotImageID != nil && *sb.SnapshotImageID != "" &&
		a.provider != nil && a.provider.SupportsRestore() {
		return actionRestore
	}
	return actionSpawn
}

// startSpawn stamps the row for a new attempt and launches the
// provider call off the mailbox. Runs on the mailbox.
func (a *Actor) startSpawn(ctx context.Context, trigger string, restore bool, snapshotImageID string) {
	sess, err := a.st.GetSession(ctx)
	if err != nil || sess == nil {
		return
	}
	if a.provider == nil {
		a.log.Warn("no sandbox provider configured")
		return
	}

	plaintext := token.Generate()
	now := nowMillis()
	expectedID := id.Sandbox(sess.RepoOwner, sess.RepoName, now)

	if err := a.st.BeginSpawn(ctx, expectedID, token.Hash(plaintext), now); err != nil {
		a.log.Error("begin spawn failed", "error", err)
		return
	}
	a.spawning = true
	a.broadcastFrame(broadcastAuthenticated, "sandbox_status", map[string]any{"status": store.SandboxSpawning})
	a.log.Info("spawning sandbox", "trigger", trigger, "sandbox", expectedID, "restore", restore)

	cfg := sandbox.CreateConfig{
		SessionID:  a.id,
		SandboxID:  expectedID,
		AuthToken:  plaintext,
		RepoOwner:  sess.RepoOwner,
		RepoName:   sess.RepoName,
		BaseBranch: sess.BaseBranch,
		Model:      sess.Model,
	}
	if sess.BaseSha != nil {
		cfg.BaseSha = *sess.BaseSha
	}

	a.spawnBG(func() {
		a.runSpawn(cfg, restore, snapshotImageID)
	})
}

// runSpawn resolves the environment and calls the provider. Runs off
// the mailbox; every state mutation re-enters via Do.
func (a *Actor) runSpawn(cfg sandbox.CreateConfig, restore bool, snapshotImageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	defer func() {
		a.post(func() { a.spawning = false })
	}()

	env, err := secrets.Merge(ctx, a.global, a.repo, cfg.RepoOwner, cfg.RepoName)
	if err != nil {
		a.log.Warn("resolve spawn secrets failed", "error", err)
		env = nil
	}
	cfg.Env = env

	var inst *sandbox.Instance
	if restore {
		inst, err = a.provider.RestoreFromSnapshot(ctx, sandbox.RestoreConfig{
			CreateConfig:    cfg,
			SnapshotImageID: snapshotImageID,
		})
	} else {
		inst, err = a.provider.Create(ctx, cfg)
	}

	if err != nil {
		a.recordSpawnFailure(err, restore)
		return
	}

	metrics.SandboxSpawnsTotal.WithLabelValues("success").Inc()
	_ = a.Do(ctx, func(ctx context.Context) error {
		if err := a.st.SetSandboxProviderObject(ctx, inst.ObjectID); err != nil {
			return err
		}
		if err := a.st.SetSandboxStatus(ctx, store.SandboxConnecting); err != nil {
			return err
		}
		if err := a.st.ResetSpawnFailures(ctx); err != nil {
			return err
		}
		a.broadcastFrame(broadcastAuthenticated, "sandbox_status", map[string]any{"status": store.SandboxConnecting})
		if restore {
			a.broadcastFrame(broadcastAuthenticated, "sandbox_restored", map[string]any{
				"message": "sandbox restored from snapshot",
			})
		}
		return nil
	})
}

// recordSpawnFailure persists the failure and feeds the breaker for
// permanent and unknown errors. Restore failures never count.
func (a *Actor) recordSpawnFailure(spawnErr error, restore bool) {
	kind := sandbox.Classify(spawnErr)
	countFailure := !restore && kind != sandbox.ErrorTransient

	outcome := "unknown_failure"
	switch kind {
	case sandbox.ErrorPermanent:
		outcome = "permanent_failure"
	case sandbox.ErrorTransient:
		outcome = "transient_failure"
	}
	metrics.SandboxSpawnsTotal.WithLabelValues(outcome).Inc()
	a.log.Error("sandbox spawn failed", "restore", restore, "kind", outcome, "error", spawnErr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.Do(ctx, func(ctx context.Context) error {
		if err := a.st.RecordSpawnFailure(ctx, spawnErr.Error(), nowMillis(), countFailure); err != nil {
			return err
		}
		a.broadcastFrame(broadcastAuthenticated, "sandbox_status", map[string]any{"status": store.SandboxFailed})
		a.broadcastFrame(broadcastAuthenticated, "sandbox_error", map[string]any{"error": spawnErr.Error()})
		return nil
	})
}

// --- snapshots ---

// triggerSnapshot takes a provider snapshot. Runs on the mailbox and
// suspends the actor while the provider works; per-session ordering is
// the point. No-op without a provider object or while another snapshot
// runs. The previous status is restored afterwards, so callers that
// stop the sandbox write the terminal status before snapshotting.
func (a *Actor) triggerSnapshot(ctx context.Context, reason string) error {
	sb, err := a.st.GetSandbox(ctx)
	if err != nil || sb == nil {
		return err
	}
	if sb.ProviderObjectID == nil || *sb.ProviderObjectID == "" || sb.Status == store.SandboxSnapshotting {
		return nil
	}

	prev := sb.Status
	if err := a.st.SetSandboxStatus(ctx, store.SandboxSnapshotting); err != nil {
		return err
	}
	a.broadcastFrame(broadcastAuthenticated, "sandbox_status", map[string]any{"status": store.SandboxSnapshotting})

	metrics.SandboxSnapshotsTotal.WithLabelValues(reason).Inc()
	snap, err := a.provider.TakeSnapshot(ctx, *sb.ProviderObjectID, reason)
	if err != nil {
		a.log.Warn("snapshot failed", "reason", reason, "error", err)
	} else {
		if err := a.st.SetSandboxSnapshotImage(ctx, snap.ImageID); err != nil {
			return err
		}
		a.broadcastFrame(broadcastAuthenticated, "snapshot_saved", map[string]any{
			"imageId": snap.ImageID,
			"reason":  reason,
		})
	}

	if err := a.st.SetSandboxStatus(ctx, prev); err != nil {
		return err
	}
	return nil
}

// triggerSnapshotBG runs a snapshot via the mailbox from a background
// goroutine. Fire and forget.
func (a *Actor) triggerSnapshotBG(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := a.Do(ctx, func(ctx context.Context) error {
		return a.triggerSnapshot(ctx, reason)
	}); err != nil {
		a.log.Warn("background snapshot failed", "reason", reason, "error", err)
	}
}

// --- alarm handler ---

// handleAlarm is the single watchdog entry point. Checks run in a fixed
// order: execution timeout, terminal guard, heartbeat staleness,
// inactivity.
func (a *Actor) handleAlarm(ctx context.Context) error {
	now := time.Now()

	// 1. Execution timeout: enforced even if the sandbox is silent.
	if msg, err := a.st.GetProcessingMessage(ctx); err == nil && msg != nil && msg.StartedAt != nil {
		deadline := time.UnixMilli(*msg.StartedAt).Add(a.cfg.ExecutionTimeout())
		if !now.Before(deadline) {
			a.failStuckProcessingMessage(ctx)
		} else {
			a.alarm.scheduleAt(deadline)
		}
	}

	sb, err := a.st.GetSandbox(ctx)
	if err != nil || sb == nil {
		return err
	}

	// 2. Terminal guard.
	if store.SandboxTerminal(sb.Status) {
		return nil
	}

	// 3. Heartbeat staleness.
	if sb.LastHeartbeat != nil {
		staleAt := time.UnixMilli(*sb.LastHeartbeat).Add(a.cfg.HeartbeatTimeout())
		if !now.Before(staleAt) {
			return a.handleStaleSandbox(ctx, sb)
		}
		a.alarm.scheduleAt(staleAt)
	}

	// 4. Inactivity.
	return a.handleInactivityCheck(ctx, sb, now)
}

// handleStaleSandbox stops a sandbox whose heartbeats dried up. The
// snapshot is fire-and-forget: the connection is likely already dead.
func (a *Actor) handleStaleSandbox(ctx context.Context, sb *store.Sandbox) error {
	a.log.Warn("sandbox heartbeat stale", "last_heartbeat", *sb.LastHeartbeat)

	a.failStuckProcessingMessage(ctx)
	a.spawnBG(func() {
		a.triggerSnapshotBG("heartbeat_timeout")
	})

	if err := a.st.SetSandboxStatus(ctx, store.SandboxStale); err != nil {
		return err
	}
	a.broadcastFrame(broadcastAuthenticated, "sandbox_status", map[string]any{"status": store.SandboxStale})

	if sock := a.sandboxSocket(sb); sock != nil {
		sock.send(frame("shutdown", nil))
		sock.close(websocket.StatusNormalClosure, "heartbeat timeout")
		a.reg.clearSandboxSocketIfMatch(sock)
	}
	return nil
}

// handleInactivityCheck pauses the sandbox when the session has been
// idle with no connected clients, warns connected clients once, or
// reschedules the check.
func (a *Actor) handleInactivityCheck(ctx context.Context, sb *store.Sandbox, now time.Time) error {
	if sb.LastActivity == nil {
		a.alarm.scheduleIn(a.cfg.InactivityTimeout())
		return nil
	}

	deadline := time.UnixMilli(*sb.LastActivity).Add(a.cfg.InactivityTimeout())
	clients := len(a.reg.clientSockets())

	switch {
	case !now.Before(deadline) && clients == 0:
		return a.pauseForInactivity(ctx, sb)

	case !now.Before(deadline):
		// Clients are still connected; extend and warn once.
		if !a.inactivityWarned {
			a.inactivityWarned = true
			a.broadcastFrame(broadcastAuthenticated, "sandbox_warning", map[string]any{
				"message": fmt.Sprintf("session idle; sandbox will pause in %s without activity", a.cfg.InactivityWarning()),
			})
		}
		a.alarm.scheduleIn(a.cfg.InactivityWarning())

	default:
		a.alarm.scheduleAt(deadline)
	}
	return nil
}

// pauseForInactivity stops the sandbox and snapshots it so a later
// prompt can restore. Status goes to stopped before the snapshot so a
// late reconnect is rejected with 410.
func (a *Actor) pauseForInactivity(ctx context.Context, sb *store.Sandbox) error {
	a.log.Info("pausing sandbox after inactivity")

	a.failStuckProcessingMessage(ctx)

	if err := a.st.SetSandboxStatus(ctx, store.SandboxStopped); err != nil {
		return err
	}
	a.broadcastFrame(broadcastAuthenticated, "sandbox_status", map[string]any{"status": store.SandboxStopped})

	// Awaited: the socket is still healthy, so the snapshot should
	// complete before the shutdown notice. The pre-snapshot status it
	// restores is the stopped we just wrote.
	if err := a.triggerSnapshot(ctx, "inactivity_timeout"); err != nil {
		a.log.Warn("inactivity snapshot failed", "error", err)
	}

	if sock := a.sandboxSocket(sb); sock != nil {
		sock.send(frame("shutdown", nil))
		sock.close(websocket.StatusNormalClosure, "inactivity timeout")
		a.reg.clearSandboxSocketIfMatch(sock)
	}
	a.broadcastFrame(broadcastAuthenticated, "sandbox_warning", map[string]any{
		"message": "sandbox paused after inactivity; a new prompt will resume it",
	})
	return nil
}
