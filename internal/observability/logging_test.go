package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "flush", slog.LevelInfo)
	logger.Debug("dropped")
	if buf.Len() != 0 {
		t.Errorf("debug record written at info level: %s", buf.String())
	}
	if NewLogger("flush", slog.LevelWarn).Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{" info ", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLogLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		name      string
		flagLevel string
		envLevel  string
		expected  slog.Level
	}{
		{"flag takes precedence", "debug", "error", slog.LevelDebug},
		{"env used when flag empty", "", "warn", slog.LevelWarn},
		{"default when both empty", "", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STOWAGE_LOG_LEVEL", tt.envLevel)
			if got := GetLogLevel(tt.flagLevel); got != tt.expected {
				t.Errorf("GetLogLevel(%q) = %v, want %v (env=%q)", tt.flagLevel, got, tt.expected, tt.envLevel)
			}
		})
	}
}

func TestLogger_AddsSpanIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "flush", slog.LevelDebug).With("sink", "vehicles")

	logger.InfoContext(context.Background(), "no span")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := line["trace_id"]; ok {
		t.Error("did not expect trace_id without a span")
	}
	if line["sink"] != "vehicles" || line["component"] != "flush" {
		t.Errorf("expected sink and component attributes, got %v", line)
	}

	buf.Reset()
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "flush")
	defer span.End()
	logger.WithGroup("batch").ErrorContext(ctx, "with span", "size", 3)
	line = nil
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["trace_id"] != span.SpanContext().TraceID().String() {
		// inside a group the ids land under the group key
		group, _ := line["batch"].(map[string]any)
		if group["trace_id"] != span.SpanContext().TraceID().String() {
			t.Errorf("expected trace_id %s, got %v", span.SpanContext().TraceID(), line)
		}
	}
}
