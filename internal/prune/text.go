// Package prune clips outbound text to the platform's message size
// limit while keeping the reply readable from both ends.
package prune

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxMessageBytes is the payload ceiling for one Lark message; text
	// beyond it is rejected by the API.
	MaxMessageBytes = 100 * 1024

	snipMarker = "[...snip...]"
)

// Exceeds reports whether s would be rejected as oversized.
func Exceeds(s string, maxBytes int) bool {
	if maxBytes <= 0 {
		maxBytes = MaxMessageBytes
	}
	return len(s) > maxBytes
}

// Clip fits s into maxBytes. Oversized text keeps its head and tail with
// a snip marker between them so the start of the answer and any closing
// summary both survive. Cuts land on rune boundaries.
func Clip(s string, maxBytes int) string {
	if maxBytes <= 0 {
		maxBytes = MaxMessageBytes
	}
	if len(s) <= maxBytes {
		return s
	}
	note := fmt.Sprintf("%s (%d bytes omitted)", snipMarker, len(s)-maxBytes)
	budget := maxBytes - len(note) - 2
	if budget <= 0 {
		return safePrefix(s, maxBytes)
	}
	headBudget := budget * 2 / 3
	head := strings.TrimRight(safePrefix(s, headBudget), "\n")
	tail := strings.TrimLeft(safeSuffix(s, budget-headBudget), "\n")
	return head + "\n" + note + "\n" + tail
}

func safePrefix(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if maxBytes >= len(s) {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func safeSuffix(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if maxBytes >= len(s) {
		return s
	}
	start := len(s) - maxBytes
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
