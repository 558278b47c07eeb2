package log_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/xeptore/ondusd/log"
)

func TestRedactString(t *testing.T) {
	t.Parallel()
	if got := log.RedactString("abc"); got != "***" {
		t.Errorf("expected short secrets to be fully masked, got %q", got)
	}
	got := log.RedactString("eyJhbGciOiJSUzI1NiJ9.payload.sig")
	if got != "eyJh********.sig" {
		t.Errorf("unexpected redaction: %q", got)
	}
	if strings.Contains(got, "payload") {
		t.Errorf("redacted string leaks middle segment: %q", got)
	}
}

func TestClip(t *testing.T) {
	t.Parallel()
	if got := log.Clip("short"); got != "short" {
		t.Errorf("short strings must pass through, got %q", got)
	}

	long := strings.Repeat("a", 498) + "é" + strings.Repeat("b", 100)
	got := log.Clip(long)
	if !strings.HasSuffix(got, "...(clipped)") {
		t.Errorf("clipped string misses marker: %q", got[len(got)-20:])
	}
	body := strings.TrimSuffix(got, "...(clipped)")
	if len(body) > 500 {
		t.Errorf("clipped body exceeds bound: %d", len(body))
	}
	if !strings.HasPrefix(body, strings.Repeat("a", 498)) {
		t.Error("clipped body lost prefix content")
	}
	if !utf8.ValidString(body) {
		t.Error("clip split a multi-byte sequence")
	}
}
