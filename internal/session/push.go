package session

import (
	"context"
	"strings"
	"time"

	"github.com/agentplane/agentplane/internal/session/store"
)

// pushOutcome is the result of a push rendezvous.
type pushOutcome struct {
	Success bool
	Error   string
}

func normalizeBranch(b string) string {
	return strings.ToLower(strings.TrimSpace(b))
}

// defaultHeadBranch derives a branch name from the session ID when
// neither the request nor the session carries one. Session IDs may be
// as short as one character; long ones are clipped.
func defaultHeadBranch(sessionID string) string {
	s := strings.ToLower(sessionID)
	if len(s) > 12 {
		s = s[:12]
	}
	return "agentplane/" + s
}

// pushBranchToRemote asks the sandbox to push a branch and waits for
// the matching push_complete/push_error event, bounded by the push
// timeout. With no sandbox socket the push resolves successfully and
// the caller assumes a manual push.
//
// Runs outside the mailbox: only the register and clear steps are
// serialized, so events keep flowing while the push is pending.
func (a *Actor) pushBranchToRemote(ctx context.Context, branch string, spec pushSpec) pushOutcome {
	key := normalizeBranch(branch)
	ch := make(chan pushOutcome, 1)

	var sent bool
	err := a.Do(ctx, func(ctx context.Context) error {
		sb, err := a.st.GetSandbox(ctx)
		if err != nil {
			return err
		}
		sock := a.sandboxSocket(sb)
		if sock == nil {
			return nil
		}
		if _, exists := a.pushWaits[key]; exists {
			return &ValidationError{Message: "a push is already pending for branch " + branch}
		}
		a.pushWaits[key] = ch
		sock.send(rawJSON(pushCommand{Type: "push", Push: spec}))
		sent = true
		return nil
	})
	if err != nil {
		return pushOutcome{Success: false, Error: err.Error()}
	}
	if !sent {
		return pushOutcome{Success: true}
	}

	defer a.clearPushWait(key, ch)

	timer := time.NewTimer(a.cfg.PushTimeout())
	defer timer.Stop()
	select {
	case out := <-ch:
		return out
	case <-timer.C:
		return pushOutcome{Success: false, Error: "push timed out"}
	case <-ctx.Done():
		return pushOutcome{Success: false, Error: ctx.Err().Error()}
	}
}

// clearPushWait removes the resolver if it is still the registered one.
func (a *Actor) clearPushWait(key string, ch chan pushOutcome) {
	a.post(func() {
		if a.pushWaits[key] == ch {
			delete(a.pushWaits, key)
		}
	})
}

// resolvePush signals the pending resolver for a push event's branch.
// Runs on the mailbox from event ingest.
func (a *Actor) resolvePush(ev sandboxEvent) {
	key := normalizeBranch(ev.Branch)
	ch, ok := a.pushWaits[key]
	if !ok {
		return
	}
	delete(a.pushWaits, key)

	out := pushOutcome{Success: ev.Type == store.EventPushComplete}
	if out.Success && ev.Success != nil {
		out.Success = *ev.Success
	}
	if !out.Success {
		out.Error = ev.Error
		if out.Error == "" {
			out.Error = "push failed"
		}
	}
	ch <- out
}
