package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentplane/agentplane/internal/util/testutil"
)

func TestAlarmEarliestDeadlineWins(t *testing.T) {
	var fired atomic.Int32
	clock := newAlarmClock(func() { fired.Add(1) })
	defer clock.stop()

	early := time.Now().Add(50 * time.Millisecond)
	clock.scheduleAt(early)
	// A later deadline while an earlier one is armed is a no-op.
	clock.scheduleAt(time.Now().Add(10 * time.Second))
	assert.Equal(t, early, clock.deadline())

	testutil.RequireEventually(t, func() bool {
		return fired.Load() == 1
	}, "alarm never fired")
	assert.True(t, clock.deadline().IsZero())
}

func TestAlarmEarlierDeadlineReplacesLater(t *testing.T) {
	var fired atomic.Int32
	clock := newAlarmClock(func() { fired.Add(1) })
	defer clock.stop()

	clock.scheduleAt(time.Now().Add(10 * time.Second))
	clock.scheduleIn(50 * time.Millisecond)

	testutil.RequireEventually(t, func() bool {
		return fired.Load() == 1
	}, "replacement alarm never fired")

	// The 10s deadline was replaced, not queued behind.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, fired.Load())
}

func TestAlarmStop(t *testing.T) {
	var fired atomic.Int32
	clock := newAlarmClock(func() { fired.Add(1) })

	clock.scheduleIn(30 * time.Millisecond)
	clock.stop()

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, fired.Load())
	assert.True(t, clock.deadline().IsZero())
}

func TestAlarmRearmsAfterFiring(t *testing.T) {
	var fired atomic.Int32
	clock := newAlarmClock(func() { fired.Add(1) })
	defer clock.stop()

	clock.scheduleIn(20 * time.Millisecond)
	testutil.RequireEventually(t, func() bool { return fired.Load() == 1 }, "first fire")

	clock.scheduleIn(20 * time.Millisecond)
	testutil.RequireEventually(t, func() bool { return fired.Load() == 2 }, "second fire")
}
