package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ResolutionLog is one resolve call as seen by the caller.
type ResolutionLog struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Dataset    string    `json:"dataset"`
	Key        string    `json:"key"`
	Source     string    `json:"source,omitempty"` // cache or store
	Refresh    bool      `json:"refresh,omitempty"`
	Coalesced  bool      `json:"coalesced,omitempty"`
	Rows       int       `json:"rows"`
	AgeMs      int64     `json:"age_ms,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	CacheError string    `json:"cache_error,omitempty"`
}

// consoleLine renders e as a single human-readable line, plus a second line
// for the error when the call failed.
func (e *ResolutionLog) consoleLine() string {
	var b strings.Builder
	mark, source := "✓", e.Source
	if !e.Success {
		mark = "✗"
	}
	if source == "" {
		source = "-"
	}
	fmt.Fprintf(&b, "[resolve] %s %-8s %s <- %s rows=%d %dms", mark, e.RequestID, e.Key, source, e.Rows, e.DurationMs)
	if e.Source == "cache" && e.AgeMs > 0 {
		fmt.Fprintf(&b, " age=%dms", e.AgeMs)
	}
	for _, tag := range []struct {
		on   bool
		name string
	}{
		{e.Refresh, "refresh"},
		{e.Coalesced, "coalesced"},
		{e.CacheError != "", "cache-degraded"},
	} {
		if tag.on {
			b.WriteString(" [" + tag.name + "]")
		}
	}
	b.WriteByte('\n')
	if e.Error != "" {
		b.WriteString("[resolve]   error: " + e.Error + "\n")
	}
	return b.String()
}

// Logger records resolve calls: a line per call on the console and,
// once SetOutput is called, a JSON object per call in a file.
type Logger struct {
	mu      sync.Mutex
	off     bool
	console io.Writer
	file    *os.File
	enc     *json.Encoder
}

// NewLogger writes console lines to console; nil keeps the console quiet.
func NewLogger(console io.Writer) *Logger {
	return &Logger{console: console}
}

// SetOutput appends JSON lines to path, replacing any earlier file.
func (l *Logger) SetOutput(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open resolution log: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
	l.file, l.enc = f, json.NewEncoder(f)
	return nil
}

// SetEnabled switches every sink on or off.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.off = !enabled
	l.mu.Unlock()
}

// Log records entry, stamping it with the current time if unset.
func (l *Logger) Log(entry *ResolutionLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.off {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if l.console != nil {
		io.WriteString(l.console, entry.consoleLine())
	}
	if l.enc != nil {
		_ = l.enc.Encode(entry)
	}
}

// Close releases the log file, if any.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) closeFile() {
	if l.file != nil {
		l.file.Close()
		l.file, l.enc = nil, nil
	}
}
