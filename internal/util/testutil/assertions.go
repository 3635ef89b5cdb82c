// Package testutil holds small helpers shared across test packages.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Shared polling parameters so every eventually-style wait in the
// suite times out and retries at the same cadence.
const (
	waitTimeout = 10 * time.Second
	waitTick    = 10 * time.Millisecond
)

// AssertEventually polls condition until it returns true, reporting a
// non-fatal failure if it never does within the shared timeout.
func AssertEventually(t testing.TB, condition func() bool, msgAndArgs ...any) bool {
	t.Helper()
	return assert.Eventually(t, condition, waitTimeout, waitTick, msgAndArgs...)
}

// RequireEventually is AssertEventually but fails the test immediately
// on timeout.
func RequireEventually(t testing.TB, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, waitTimeout, waitTick, msgAndArgs...)
}
