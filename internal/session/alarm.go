package session

import (
	"sync"
	"time"
)

// alarmClock is the actor's single scheduled wake-up. At most one alarm
// is armed at a time; scheduling an earlier deadline replaces a later
// one, and a later deadline while an earlier one is armed is a no-op.
type alarmClock struct {
	mu    sync.Mutex
	timer *time.Timer
	at    time.Time
	fire  func()
}

func newAlarmClock(fire func()) *alarmClock {
	return &alarmClock{fire: fire}
}

// scheduleAt arms the alarm for t unless an earlier deadline is already
// armed.
func (a *alarmClock) scheduleAt(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil && !a.at.IsZero() && !t.Before(a.at) {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.at = t
	a.timer = time.AfterFunc(time.Until(t), func() {
		a.mu.Lock()
		a.timer = nil
		a.at = time.Time{}
		a.mu.Unlock()
		a.fire()
	})
}

// scheduleIn arms the alarm d from now, earliest-deadline-wins.
func (a *alarmClock) scheduleIn(d time.Duration) {
	a.scheduleAt(time.Now().Add(d))
}

// deadline returns the armed deadline, or the zero time.
func (a *alarmClock) deadline() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.at
}

func (a *alarmClock) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.at = time.Time{}
}
