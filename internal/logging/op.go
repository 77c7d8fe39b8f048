package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// Operational logs (daemon lifecycle, degraded dependencies, failed fetches)
// go through slog. Per-call resolution records go through Logger instead.
var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	opLogger.Store(newOpLogger(os.Stderr, "text"))
}

func newOpLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Op returns the operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// For returns the operational logger annotated with the request id and
// trace/span ids carried by ctx, when there are any.
func For(ctx context.Context) *slog.Logger {
	l := opLogger.Load()
	if ctx == nil {
		return l
	}
	var args []any
	if id, ok := requestIDFrom(ctx); ok {
		args = append(args, "request_id", id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		args = append(args, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" (any case)
// to a slog level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// SetLevel changes the operational log level.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString is SetLevel for a level name. Unknown names are ignored.
func SetLevelFromString(level string) {
	if l, ok := ParseLevel(level); ok {
		logLevel.Set(l)
	}
}

// InitStructured points the operational logger at stderr using format
// ("text" or "json") and level.
func InitStructured(format, level string) {
	InitStructuredTo(os.Stderr, format, level)
}

// InitStructuredTo is InitStructured with an explicit destination.
func InitStructuredTo(w io.Writer, format, level string) {
	SetLevelFromString(level)
	opLogger.Store(newOpLogger(w, format))
}
