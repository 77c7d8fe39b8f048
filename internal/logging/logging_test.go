package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerConsoleLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.Log(&ResolutionLog{
		RequestID:  "req-1",
		Dataset:    "users_snapshot",
		Key:        "users_snapshot",
		Source:     "cache",
		Rows:       10,
		DurationMs: 3,
		Refresh:    true,
		Success:    true,
	})
	out := buf.String()
	for _, want := range []string{"✓", "req-1", "users_snapshot", "cache", "rows=10", "[refresh]"} {
		if !strings.Contains(out, want) {
			t.Fatalf("console line %q missing %q", out, want)
		}
	}

	buf.Reset()
	l.Log(&ResolutionLog{RequestID: "req-2", Key: "users_snapshot", Error: "store unavailable"})
	if !strings.Contains(buf.String(), "✗") || !strings.Contains(buf.String(), "error: store unavailable") {
		t.Fatalf("unexpected failure output %q", buf.String())
	}
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolutions.log")
	l := NewLogger(nil)
	if err := l.SetOutput(path); err != nil {
		t.Fatalf("SetOutput failed: %v", err)
	}
	l.Log(&ResolutionLog{RequestID: "a", Key: "k", Source: "store", Success: true, Rows: 2})
	l.Log(&ResolutionLog{RequestID: "b", Key: "k", Source: "cache", Success: true, Rows: 2})
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var entry ResolutionLog
	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.RequestID != "b" || entry.Source != "cache" || entry.Timestamp.IsZero() {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestLoggerDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.SetEnabled(false)
	l.Log(&ResolutionLog{Key: "k"})
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}

func TestSetLevelFromString(t *testing.T) {
	defer SetLevel(slog.LevelInfo)

	SetLevelFromString("debug")
	if logLevel.Level() != slog.LevelDebug {
		t.Fatalf("expected debug, got %v", logLevel.Level())
	}
	SetLevelFromString("WARNING")
	if logLevel.Level() != slog.LevelWarn {
		t.Fatalf("expected warn, got %v", logLevel.Level())
	}
	SetLevelFromString("bogus")
	if logLevel.Level() != slog.LevelWarn {
		t.Fatalf("unknown level must leave level unchanged, got %v", logLevel.Level())
	}
}

func TestInitStructuredJSON(t *testing.T) {
	defer InitStructured("text", "info")

	var buf bytes.Buffer
	InitStructuredTo(&buf, "json", "info")
	Op().Info("cache unavailable", "key", "users_snapshot")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "cache unavailable" || rec["key"] != "users_snapshot" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	if got := RequestID(ctx); got != "abc" {
		t.Fatalf("expected carried id, got %q", got)
	}
	a, b := RequestID(context.Background()), RequestID(context.Background())
	if a == "" || a == b {
		t.Fatalf("expected fresh unique ids, got %q and %q", a, b)
	}
}

func TestForAddsRequestID(t *testing.T) {
	defer InitStructured("text", "info")

	var buf bytes.Buffer
	InitStructuredTo(&buf, "json", "debug")
	For(WithRequestID(context.Background(), "req-7")).Debug("resolved")
	For(context.Background()).Debug("bare")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), buf.String())
	}
	var first, second map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("bad JSON %q: %v", lines[0], err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("bad JSON %q: %v", lines[1], err)
	}
	if first["request_id"] != "req-7" {
		t.Fatalf("expected request_id, got %v", first)
	}
	if _, ok := second["request_id"]; ok {
		t.Fatalf("unexpected request_id on bare context: %v", second)
	}
}

func TestParseLevel(t *testing.T) {
	if l, ok := ParseLevel(" Warning "); !ok || l != slog.LevelWarn {
		t.Fatalf("expected warn, got %v %v", l, ok)
	}
	if _, ok := ParseLevel("verbose"); ok {
		t.Fatal("expected unknown level to be rejected")
	}
}
