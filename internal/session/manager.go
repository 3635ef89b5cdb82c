package session

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/agentplane/agentplane/internal/metrics"
	"github.com/agentplane/agentplane/internal/session/store"
)

// Session IDs become database file names; keep them boring.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const reapInterval = time.Minute

// Manager owns the set of resident session actors: exactly one per
// session ID, created on demand and reaped after the idle linger. All
// durable state is in each session's SQLite file, so eviction is safe
// and the next Get revives the actor.
type Manager struct {
	deps Deps

	mu     sync.Mutex
	actors map[string]*Actor

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager starts the manager and its idle reaper.
func NewManager(deps Deps) *Manager {
	m := &Manager{
		deps:   deps,
		actors: make(map[string]*Actor),
		stopCh: make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Get returns the live actor for sessionID, starting one if needed.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Actor, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid session id %q", sessionID)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[sessionID]; ok {
		return a, nil
	}

	st, err := store.Open(m.deps.Config.SessionDBPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", sessionID, err)
	}
	a, err := New(sessionID, st, m.deps)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	m.actors[sessionID] = a
	metrics.ActiveSessions.Inc()
	return a, nil
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.stopCh:
			return
		}
	}
}

// reapIdle evicts actors idle past the configured linger.
func (m *Manager) reapIdle() {
	linger := m.deps.Config.ActorIdleLinger()
	if linger <= 0 {
		return
	}
	now := time.Now()

	m.mu.Lock()
	var idle []*Actor
	for sid, a := range m.actors {
		if a.IdleSince(now) >= linger {
			idle = append(idle, a)
			delete(m.actors, sid)
			metrics.ActiveSessions.Dec()
		}
	}
	m.mu.Unlock()

	for _, a := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		a.Stop(ctx)
		cancel()
	}
}

// Shutdown stops every resident actor.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for sid, a := range m.actors {
		actors = append(actors, a)
		delete(m.actors, sid)
		metrics.ActiveSessions.Dec()
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			a.Stop(ctx)
		}(a)
	}
	wg.Wait()
}
