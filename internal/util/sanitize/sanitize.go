// Package sanitize normalizes user-supplied display strings.
package sanitize

import (
	"strings"
	"unicode"
)

// Title strips control characters from a session title or display name
// and clamps it to maxRunes runes. Surrounding whitespace is trimmed.
func Title(s string, maxRunes int) string {
	out := make([]rune, 0, min(len(s), maxRunes))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		out = append(out, r)
		if len(out) == maxRunes {
			break
		}
	}
	return strings.TrimSpace(string(out))
}
