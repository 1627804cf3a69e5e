// Package ack acknowledges committed batches back to the source log and,
// optionally, trims the acknowledged history.
package ack

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/stowage/internal/batch"
	"github.com/lsm/stowage/internal/retry"
	"github.com/lsm/stowage/internal/source"
	"github.com/lsm/stowage/internal/tracing"
)

// Config holds coordinator configuration.
type Config struct {
	Sink  string
	Trim  bool
	Retry retry.Config
}

func defaultRetry() retry.Config {
	return retry.Config{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     2 * time.Second,
		Jitter:          0.2,
	}
}

// Coordinator acknowledges batches after the writer confirmed the commit.
// It is called from the flush controller only, never concurrently.
type Coordinator struct {
	acker   source.Acker
	trimmer source.Trimmer
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer

	mu        sync.Mutex
	committed map[string]source.Position
}

// NewCoordinator creates a coordinator. Trimming is enabled only when
// cfg.Trim is set and the acker also implements source.Trimmer.
func NewCoordinator(acker source.Acker, cfg Config, logger *slog.Logger) (*Coordinator, error) {
	if acker == nil {
		return nil, fmt.Errorf("acker is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = defaultRetry()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("ack retry config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		acker:     acker,
		cfg:       cfg,
		logger:    logger,
		committed: make(map[string]source.Position),
	}
	if cfg.Trim {
		t, ok := acker.(source.Trimmer)
		if !ok {
			logger.Warn("trim requested but source cannot trim; acknowledged entries will be kept", "sink", cfg.Sink)
		} else {
			c.trimmer = t
		}
	}
	return c, nil
}

// SetTracer sets the tracer for ack spans.
func (c *Coordinator) SetTracer(tracer trace.Tracer) {
	c.tracer = tracer
}

// Ack acknowledges every position of a committed batch. Failures are
// retried; an error means the positions may be delivered again, which
// duplicates rows but never loses them.
func (c *Coordinator) Ack(ctx context.Context, b batch.Batch) error {
	if b.Empty() {
		return nil
	}
	positions := b.Positions()
	marks := HighWater(positions)

	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanAck,
		trace.WithAttributes(tracing.SinkAttr(c.cfg.Sink), tracing.BatchSizeAttr(len(positions))))
	defer span.End()

	err := retry.Do(ctx, c.cfg.Retry, func() error {
		return c.acker.Ack(ctx, positions)
	})
	if err != nil {
		tracing.SetSpanError(span, err)
		return fmt.Errorf("ack %d positions: %w", len(positions), err)
	}

	c.mu.Lock()
	for _, p := range marks {
		c.committed[p.Shard] = p
	}
	c.mu.Unlock()
	tracing.SetSpanOK(span)

	if c.trimmer != nil {
		c.trim(ctx, marks)
	}
	return nil
}

func (c *Coordinator) trim(ctx context.Context, marks []source.Position) {
	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanTrim)
	defer span.End()
	if err := c.trimmer.Trim(ctx, marks); err != nil {
		tracing.SetSpanError(span, err)
		c.logger.Warn("trim failed", "sink", c.cfg.Sink, "error", err)
		return
	}
	for _, p := range marks {
		span.AddEvent("trimmed", trace.WithAttributes(tracing.ShardAttr(p.Shard)))
		c.logger.Debug("trimmed", "sink", c.cfg.Sink, "shard", p.Shard, "before", p.Token)
	}
}

// Committed returns the last acknowledged position per shard.
func (c *Coordinator) Committed() map[string]source.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.committed)
}

// HighWater returns the last position of each shard, in the order shards
// first appear. Positions of one shard are assumed to be in source order.
func HighWater(positions []source.Position) []source.Position {
	idx := make(map[string]int)
	var out []source.Position
	for _, p := range positions {
		if i, ok := idx[p.Shard]; ok {
			out[i] = p
			continue
		}
		idx[p.Shard] = len(out)
		out = append(out, p)
	}
	return out
}
