package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New(LevelNormal, &buf)

	log.Debug("hidden %d", 1)
	log.Info("shown %d", 2)
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line leaked at normal level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown 2") {
		t.Fatalf("info line missing: %q", buf.String())
	}

	buf.Reset()
	log.SetLevel(LevelOff)
	log.Error("nothing")
	if buf.Len() != 0 {
		t.Fatalf("expected no output when off, got %q", buf.String())
	}
}

func TestWithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithFormat(LevelNormal, &buf, FormatJSON)
	child := parent.With("cache")

	parent.SetLevel(LevelVerbose)
	child.Debug("evicted")

	out := buf.String()
	if !strings.Contains(out, `"component":"cache"`) || !strings.Contains(out, "evicted") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelVerbose,
		"VERBOSE": LevelVerbose,
		"off":     LevelOff,
		"info":    LevelNormal,
		"":        LevelNormal,
		"weird":   LevelNormal,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}
