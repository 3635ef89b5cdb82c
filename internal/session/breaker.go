package session

import (
	"time"

	"github.com/agentplane/agentplane/internal/session/store"
)

// breakerDecision is the circuit breaker's answer for one spawn
// attempt.
type breakerDecision struct {
	// Open means spawning is disabled; Remaining says for how long.
	Open      bool
	Remaining time.Duration
	// Reset means the cooldown elapsed and the failure count should be
	// cleared before proceeding.
	Reset bool
}

// evaluateBreaker decides whether the spawn circuit is open. The
// breaker trips after threshold counted failures and stays open for
// window from the last counted failure.
func evaluateBreaker(sb *store.Sandbox, threshold int, window time.Duration, now time.Time) breakerDecision {
	if sb == nil || threshold <= 0 || sb.SpawnFailureCount < int64(threshold) {
		return breakerDecision{}
	}
	if sb.LastSpawnFailure == nil {
		return breakerDecision{Reset: true}
	}
	elapsed := now.Sub(time.UnixMilli(*sb.LastSpawnFailure))
	if elapsed < window {
		return breakerDecision{Open: true, Remaining: window - elapsed}
	}
	return breakerDecision{Reset: true}
}
