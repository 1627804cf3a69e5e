// Package pipeline runs a sink: the source feeds the accumulator while the
// flush controller writes and acknowledges batches.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lsm/stowage/internal/batch"
	"github.com/lsm/stowage/internal/dlq"
	"github.com/lsm/stowage/internal/flush"
	"github.com/lsm/stowage/internal/observability"
	"github.com/lsm/stowage/internal/sink"
	"github.com/lsm/stowage/internal/source"
)

// Config holds pipeline configuration.
type Config struct {
	Sink string
}

// Pipeline owns the lifecycle of one sink.
type Pipeline struct {
	config     Config
	source     source.Source
	acc        *batch.Accumulator
	controller *flush.Controller
	writer     sink.Writer
	dlq        *dlq.Handler
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// New creates a pipeline. dlqHandler may be nil.
func New(cfg Config, src source.Source, acc *batch.Accumulator, ctrl *flush.Controller, w sink.Writer, dlqHandler *dlq.Handler, m *observability.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		config:     cfg,
		source:     src,
		acc:        acc,
		controller: ctrl,
		writer:     w,
		dlq:        dlqHandler,
		metrics:    m,
		logger:     logger,
	}
}

// Run consumes and flushes until ctx is cancelled or the controller halts.
// Buffered events get a final flush on the way out. A clean shutdown
// returns nil; a halt returns the *flush.FatalError.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("starting pipeline", "sink", p.config.Sink)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.controller.Run(gctx)
	})
	g.Go(func() error {
		err := p.source.Start(gctx, p.handle)
		if gctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("source stopped unexpectedly")
		}
		return fmt.Errorf("source: %w", err)
	})
	return g.Wait()
}

// handle appends one event to the accumulator.
func (p *Pipeline) handle(ctx context.Context, evt source.Event) error {
	err := p.acc.Append(ctx, evt)
	switch {
	case err == nil:
		p.metrics.EventsAppended.WithLabelValues(p.config.Sink).Inc()
	case errors.Is(err, batch.ErrCapacityExceeded):
		p.metrics.EventsShed.WithLabelValues(p.config.Sink).Inc()
	}
	return err
}

// Drain forces a flush of whatever is buffered.
func (p *Pipeline) Drain(ctx context.Context) error {
	return p.controller.Drain(ctx)
}

// DrainHandler serves POST /drain: a checkpoint that flushes the buffer and
// replies once the batch is committed and acknowledged.
func (p *Pipeline) DrainHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := p.Drain(r.Context()); err != nil {
			p.logger.Warn("drain request failed", "sink", p.config.Sink, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "drained"})
	})
}

// SetThresholds applies new batch thresholds to the running accumulator.
func (p *Pipeline) SetThresholds(maxBatchSize int, maxBatchAge time.Duration) {
	p.acc.SetThresholds(maxBatchSize, maxBatchAge)
	cfg := p.acc.Config()
	p.logger.Info("batch thresholds updated", "sink", p.config.Sink, "max_batch_size", cfg.MaxBatchSize, "max_batch_age", cfg.MaxBatchAge)
}

// CheckController fails once the controller reached Fatal.
func (p *Pipeline) CheckController(context.Context) error {
	if s := p.controller.State(); s == flush.Fatal {
		return fmt.Errorf("flush controller is %s", s)
	}
	return nil
}

// CheckStore pings the target store.
func (p *Pipeline) CheckStore(ctx context.Context) error {
	return p.writer.Ping(ctx)
}

// Shutdown closes source, sink, and DLQ in order. Returns all errors joined.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down pipeline", "sink", p.config.Sink)

	var errs []error

	if err := p.source.Close(); err != nil {
		p.logger.Error("source close error", "sink", p.config.Sink, "error", err)
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}
	if err := p.writer.Close(); err != nil {
		p.logger.Error("sink close error", "sink", p.config.Sink, "error", err)
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}
	if p.dlq != nil {
		if err := p.dlq.Close(); err != nil {
			p.logger.Error("dlq close error", "sink", p.config.Sink, "error", err)
			errs = append(errs, fmt.Errorf("dlq close: %w", err))
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown: %w", err))
	}

	return errors.Join(errs...)
}
