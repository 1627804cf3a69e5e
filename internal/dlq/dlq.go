// Package dlq publishes the events of quarantined batches to a dead-letter
// destination so an operator can inspect and replay them.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lsm/stowage/internal/batch"
	"github.com/lsm/stowage/internal/tracing"
)

// Header names attached to every dead-lettered event.
const (
	HeaderOriginalShard = "stowage-original-shard"
	HeaderPosition      = "stowage-position"
	HeaderOriginalKey   = "stowage-original-key"
	HeaderErrorKind     = "stowage-error-kind"
	HeaderErrorMessage  = "stowage-error-message"
	HeaderAttempts      = "stowage-attempts"
	HeaderSink          = "stowage-sink"
	HeaderFailedAt      = "stowage-failed-at"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo describes why a batch was quarantined.
type FailureInfo struct {
	Sink         string
	ErrorKind    string
	ErrorMessage string
	Attempts     int
}

// Handler publishes failed batches to a dead-letter topic.
type Handler struct {
	publisher Publisher
	topicFn   func(sink string) string
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides the default DLQ topic naming function.
func WithTopicFunc(fn func(sink string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// NewHandler creates a new DLQ handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   DefaultTopic,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DefaultTopic names the dead-letter topic of a sink.
func DefaultTopic(sink string) string {
	return "stowage-dlq-" + sink
}

// Send publishes every event of b, in order, to the sink's dead-letter topic.
// The payload is the value and the position the key. It stops at the first
// publish error; events already published stay published.
func (h *Handler) Send(ctx context.Context, b batch.Batch, info FailureInfo) error {
	topic := h.topicFn(info.Sink)
	failedAt := h.now().UTC().Format(time.RFC3339)

	for _, evt := range b.Events {
		headers := map[string]string{
			HeaderOriginalShard: evt.Position.Shard,
			HeaderPosition:      evt.Position.Token,
			HeaderErrorKind:     info.ErrorKind,
			HeaderErrorMessage:  info.ErrorMessage,
			HeaderAttempts:      strconv.Itoa(info.Attempts),
			HeaderSink:          info.Sink,
			HeaderFailedAt:      failedAt,
		}
		if len(evt.Key) > 0 {
			headers[HeaderOriginalKey] = string(evt.Key)
		}
		tracing.InjectHeaders(ctx, headers)

		if err := h.publisher.Publish(ctx, topic, []byte(evt.Position.String()), evt.Payload, headers); err != nil {
			return fmt.Errorf("dlq publish %s to %s: %w", evt.Position, topic, err)
		}
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}
