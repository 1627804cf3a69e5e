package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// LogLevelEnv is consulted when no -log-level flag is given.
const LogLevelEnv = "STOWAGE_LOG_LEVEL"

// NewLogger creates a JSON logger on stdout tagged with the component name.
// Records logged with a context carrying a sampled span get trace_id and
// span_id attributes.
func NewLogger(component string, level slog.Level) *slog.Logger {
	return newLogger(os.Stdout, component, level)
}

func newLogger(w io.Writer, component string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(traceHandler{h}).With("component", component)
}

// traceHandler copies the span identifiers of the record's context onto it.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

// ParseLogLevel maps debug, info, warn(ing) and error, case-insensitively.
// Anything else is info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogLevel prefers the flag value, then STOWAGE_LOG_LEVEL.
func GetLogLevel(flagLevel string) slog.Level {
	if flagLevel == "" {
		flagLevel = os.Getenv(LogLevelEnv)
	}
	return ParseLogLevel(flagLevel)
}
