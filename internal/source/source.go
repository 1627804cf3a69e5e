package source

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Position is a source-assigned marker for an event. Tokens are ordered only
// within a shard; across shards no ordering is implied.
type Position struct {
	Shard string // stream key, topic/partition or JetStream stream
	Token string // entry id, offset or stream sequence
}

func (p Position) String() string {
	return p.Shard + "@" + p.Token
}

// Event represents a raw event consumed from a source. Events are immutable
// once read.
type Event struct {
	Position   Position
	Key        []byte
	Payload    []byte
	Headers    map[string]string
	ReceivedAt time.Time
}

// Source consumes events from an external log.
type Source interface {
	// Start begins consuming events. Blocks until ctx is cancelled.
	// Events are delivered to the handler function in per-shard order.
	// On restart the source resumes from its durable cursor, so events that
	// were delivered but never acknowledged are delivered again.
	Start(ctx context.Context, handler func(context.Context, Event) error) error

	// Close performs graceful shutdown.
	Close() error
}

// Acker acknowledges durably processed events back to the source log.
type Acker interface {
	// Ack marks every given position, and everything before it in the same
	// shard, as processed.
	Ack(ctx context.Context, positions []Position) error
}

// Trimmer is implemented by sources that can discard acknowledged history.
type Trimmer interface {
	// Trim removes entries strictly before each given position.
	Trim(ctx context.Context, before []Position) error
}

// NewPacer returns a limiter allowing one pull per interval. A zero interval
// disables pacing.
func NewPacer(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Deliver hands evt to handler, retrying at the pacer's rate for as long as
// the handler refuses it. Sources with cumulative cursors cannot skip an
// event, so only ctx ending stops the retries.
func Deliver(ctx context.Context, pacer *rate.Limiter, logger *slog.Logger, handler func(context.Context, Event) error, evt Event) error {
	for {
		err := handler(ctx, evt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("handler refused event, retrying", "shard", evt.Position.Shard, "position", evt.Position.Token, "error", err)
		if err := pacer.Wait(ctx); err != nil {
			return ctx.Err()
		}
	}
}
