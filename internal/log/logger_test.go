package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestSetupOnlyOnce(t *testing.T) {
	logger = nil
	once = sync.Once{}

	Setup("debug", "json")
	first := logger
	if first == nil {
		t.Fatal("logger should not be nil")
	}
	Setup("error", "text")
	if logger != first {
		t.Fatal("second Setup must not replace the logger")
	}
	if Get() != first {
		t.Fatal("Get must return the installed logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", "text").Info("hello", "k", "v")

	out := buf.String()
	if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "k=v") {
		t.Fatalf("expected text handler output, got %q", out)
	}
}

func TestNewAutoFallsBackToJSONForBuffers(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", "auto").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("expected JSON output for non-terminal writer: %v (%q)", err, buf.String())
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "json")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}
	l.Warn("kept")
	if !strings.Contains(buf.String(), `"msg":"kept"`) {
		t.Fatalf("expected warn record, got %q", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))
	once = sync.Once{}
	once.Do(func() {})

	WithComponent("sweep").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if out["component"] != "sweep" || out["msg"] != "hello" {
		t.Errorf("unexpected record: %v", out)
	}
}
