package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentplane/agentplane/internal/session/store"
)

func TestEvaluateBreaker(t *testing.T) {
	now := time.Now()
	millis := func(t time.Time) *int64 {
		v := t.UnixMilli()
		return &v
	}

	t.Run("below threshold stays closed", func(t *testing.T) {
		sb := &store.Sandbox{SpawnFailureCount: 2, LastSpawnFailure: millis(now)}
		d := evaluateBreaker(sb, 3, time.Minute, now)
		assert.False(t, d.Open)
		assert.False(t, d.Reset)
	})

	t.Run("recent failures at threshold open it", func(t *testing.T) {
		sb := &store.Sandbox{SpawnFailureCount: 3, LastSpawnFailure: millis(now.Add(-10 * time.Second))}
		d := evaluateBreaker(sb, 3, time.Minute, now)
		assert.True(t, d.Open)
		assert.InDelta(t, 50*time.Second, d.Remaining, float64(time.Second))
	})

	t.Run("cooldown elapsed resets", func(t *testing.T) {
		sb := &store.Sandbox{SpawnFailureCount: 5, LastSpawnFailure: millis(now.Add(-2 * time.Minute))}
		d := evaluateBreaker(sb, 3, time.Minute, now)
		assert.False(t, d.Open)
		assert.True(t, d.Reset)
	})

	t.Run("count without timestamp resets", func(t *testing.T) {
		sb := &store.Sandbox{SpawnFailureCount: 3}
		d := evaluateBreaker(sb, 3, time.Minute, now)
		assert.False(t, d.Open)
		assert.True(t, d.Reset)
	})

	t.Run("nil sandbox or disabled threshold", func(t *testing.T) {
		assert.False(t, evaluateBreaker(nil, 3, time.Minute, now).Open)
		sb := &store.Sandbox{SpawnFailureCount: 100, LastSpawnFailure: millis(now)}
		assert.False(t, evaluateBreaker(sb, 0, time.Minute, now).Open)
	})
}
