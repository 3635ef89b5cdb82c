// Package token generates and verifies the bearer tokens used by
// client WebSocket subscriptions and sandbox connections.
//
// Tokens are 256-bit random values. Only the SHA-256 hex digest is
// persisted; the plaintext is returned to the caller once and never
// stored. SHA-256 (rather than a salted password hash) is deliberate:
// subscribe resolves the participant by an indexed hash lookup, which
// requires a deterministic digest, and the tokens carry enough entropy
// that offline brute force is not a concern.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Generate returns a new 256-bit token as a hex string.
func Generate() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("generate token: %v", err))
	}
	return hex.EncodeToString(b)
}

// Hash returns the SHA-256 hex digest of a plaintext token.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether plaintext hashes to storedHash. The comparison
// is constant time.
func Verify(plaintext, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(plaintext)), []byte(storedHash)) == 1
}

// VerifyLegacy compares a plaintext token against a stored plaintext
// token in constant time. Only used for sandbox rows written before
// token hashing was introduced.
func VerifyLegacy(plaintext, storedPlaintext string) bool {
	if len(plaintext) != len(storedPlaintext) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(plaintext), []byte(storedPlaintext)) == 1
}
