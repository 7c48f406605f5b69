package netlog

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/quietproxy/snet/internal/errs"
)

func captureLog(t *testing.T, f func()) string {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})
	f()
	return buf.String()
}

func TestErrorTagsKnownCategory(t *testing.T) {
	l := New("resolver")
	out := captureLog(t, func() {
		l.Error("resolving host", errs.Wrap(errs.Resolve, "resolver.lookupIPv4", errors.New("no such host")))
	})
	if !strings.Contains(out, "[resolver]") || !strings.Contains(out, "[RESOLVE]") {
		t.Fatalf("expected component and category tags, got %q", out)
	}
}

func TestErrorLeavesUncategorizedErrorsUntagged(t *testing.T) {
	l := New("config")
	out := captureLog(t, func() {
		l.Error("reading file", errors.New("permission denied"))
	})
	if strings.Contains(out, "[TRANSIENT]") || strings.Contains(out, "[FATAL_IO]") {
		t.Fatalf("did not expect a category tag on a plain error, got %q", out)
	}
	if !strings.Contains(out, "permission denied") {
		t.Fatalf("expected underlying message preserved, got %q", out)
	}
}

func TestErrorIsNoopOnNil(t *testing.T) {
	l := New("x")
	out := captureLog(t, func() { l.Error("should not print", nil) })
	if out != "" {
		t.Fatalf("expected no output for a nil error, got %q", out)
	}
}
