// Package id generates identifiers for sessions, messages, events and
// sandboxes.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 48-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 48)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// TokenEvent returns the deterministic event ID that coalesces token
// events for a message. One row per message, latest wins.
func TokenEvent(messageID string) string {
	return "token:" + messageID
}

// ExecutionCompleteEvent returns the deterministic event ID for a
// message's execution_complete event.
func ExecutionCompleteEvent(messageID string) string {
	return "execution_complete:" + messageID
}

// Sandbox returns the expected sandbox ID for a spawn attempt. The ID
// is deterministic over (owner, repo, spawn time) so a reconnecting
// sandbox can be matched against the row that spawned it.
func Sandbox(repoOwner, repoName string, nowMillis int64) string {
	return fmt.Sprintf("sbx-%s-%s-%d", repoOwner, repoName, nowMillis)
}
