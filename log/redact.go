package log

import (
	"strings"
	"unicode/utf8"
)

const clipLen = 500

// RedactString keeps just enough of a secret to correlate log lines against
// each other without exposing usable token material.
func RedactString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 8) + s[len(s)-4:]
}

// Clip bounds request and response bodies before they enter a log payload.
// The cut never splits a UTF-8 sequence.
func Clip(s string) string {
	if len(s) <= clipLen {
		return s
	}
	n := clipLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "...(clipped)"
}
