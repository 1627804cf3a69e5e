// Package flush drives batches from the accumulator into the sink writer and
// acknowledges them once they are durably committed.
package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/stowage/internal/batch"
	"github.com/lsm/stowage/internal/dlq"
	"github.com/lsm/stowage/internal/observability"
	"github.com/lsm/stowage/internal/retry"
	"github.com/lsm/stowage/internal/sink"
	"github.com/lsm/stowage/internal/tracing"
)

// ErrStopped is returned by Drain once the controller has stopped.
var ErrStopped = errors.New("flush: controller stopped")

var errInterrupted = errors.New("flush: interrupted during backoff")

// FatalPolicy selects what happens to a batch that cannot be written.
type FatalPolicy string

const (
	// PolicyHalt stops the controller; Run returns a *FatalError.
	PolicyHalt FatalPolicy = "halt"
	// PolicyDeadLetter publishes the batch to the dead-letter handler,
	// acknowledges it once published and keeps going.
	PolicyDeadLetter FatalPolicy = "deadletter"
)

// Config holds controller configuration. Backoff.MaxAttempts is the total
// number of write attempts per batch.
type Config struct {
	Sink                string
	CheckInterval       time.Duration
	WriteTimeout        time.Duration
	ShutdownGracePeriod time.Duration
	Backoff             retry.Config
	OnFatal             FatalPolicy
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:       250 * time.Millisecond,
		WriteTimeout:        30 * time.Second,
		ShutdownGracePeriod: 10 * time.Second,
		Backoff:             retry.DefaultConfig(),
		OnFatal:             PolicyHalt,
	}
}

// FatalError is returned by Run when a batch could not be persisted and the
// policy is to halt, or dead-lettering failed. The batch was not acknowledged.
type FatalError struct {
	Kind     sink.Kind
	Attempts int
	Events   int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("flush failed after %d attempt(s) on %d events (%s): %v", e.Attempts, e.Events, e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Acknowledger acknowledges committed batches.
type Acknowledger interface {
	Ack(ctx context.Context, b batch.Batch) error
}

// DeadLetterer quarantines batches that cannot be written.
type DeadLetterer interface {
	Send(ctx context.Context, b batch.Batch, info dlq.FailureInfo) error
}

// Controller is the flush state machine. Run owns all flushing; at most one
// batch is in Flushing or Retrying at any time.
type Controller struct {
	cfg     Config
	acc     *batch.Accumulator
	writer  sink.Writer
	acker   Acknowledger
	dlq     DeadLetterer
	metrics *observability.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error

	state    atomic.Int32
	drainReq chan chan error
	done     chan struct{}

	// pending is a batch whose backoff was interrupted by shutdown.
	pending         batch.Batch
	pendingAttempts int
}

// Option configures a Controller.
type Option func(*Controller)

// WithDeadLetter sets the dead-letter handler used by PolicyDeadLetter.
func WithDeadLetter(d DeadLetterer) Option {
	return func(c *Controller) { c.dlq = d }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer sets the tracer for flush spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithSleep overrides how backoff delays are waited out, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

// NewController creates a controller. Zero durations and attempts fall back
// to DefaultConfig values.
func NewController(cfg Config, acc *batch.Accumulator, w sink.Writer, acker Acknowledger, logger *slog.Logger, opts ...Option) (*Controller, error) {
	if acc == nil || w == nil || acker == nil {
		return nil, fmt.Errorf("accumulator, writer and acknowledger are required")
	}
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = def.ShutdownGracePeriod
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.OnFatal == "" {
		cfg.OnFatal = def.OnFatal
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, fmt.Errorf("backoff config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("sink", cfg.Sink)

	c := &Controller{
		cfg:      cfg,
		acc:      acc,
		writer:   w,
		acker:    acker,
		logger:   logger,
		sleep:    retry.Sleep,
		drainReq: make(chan chan error),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	switch cfg.OnFatal {
	case PolicyHalt:
	case PolicyDeadLetter:
		if c.dlq == nil {
			return nil, fmt.Errorf("onFatal %q requires a dead-letter handler", cfg.OnFatal)
		}
	default:
		return nil, fmt.Errorf("onFatal %q is not valid (must be halt or deadletter)", cfg.OnFatal)
	}
	if c.metrics == nil {
		c.metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	c.setState(Idle)
	return c, nil
}

// State returns the current state. An idle controller with buffered events
// reports Accumulating.
func (c *Controller) State() State {
	s := State(c.state.Load())
	if s == Idle && c.acc.Len() > 0 {
		return Accumulating
	}
	return s
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.SetState(c.cfg.Sink, s.String(), AllStates())
}

// Run evaluates flush thresholds until ctx is cancelled, then makes a final
// best-effort flush bounded by the shutdown grace period. It returns nil on
// clean shutdown and a *FatalError when a batch fails under PolicyHalt.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	c.logger.Info("flush controller started",
		"check_interval", c.cfg.CheckInterval, "max_attempts", c.cfg.Backoff.MaxAttempts, "on_fatal", c.cfg.OnFatal)

	for {
		var err error
		select {
		case <-ctx.Done():
			return c.shutdown(ctx)
		case <-ticker.C:
			c.observeDepth()
			if c.acc.ShouldFlush() {
				err = c.flush(ctx)
			}
		case <-c.acc.Ready():
			if c.acc.ShouldFlush() {
				err = c.flush(ctx)
			}
		case reply := <-c.drainReq:
			err = c.flush(ctx)
			if errors.Is(err, errInterrupted) {
				reply <- ctx.Err()
			} else {
				reply <- err
			}
		}
		if errors.Is(err, errInterrupted) {
			return c.shutdown(ctx)
		}
		if err != nil {
			return err
		}
	}
}

// Drain forces a flush of whatever is buffered and waits for its outcome.
// It is a no-op when nothing is buffered.
func (c *Controller) Drain(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.drainReq <- reply:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) observeDepth() {
	c.metrics.AccumulatorDepth.WithLabelValues(c.cfg.Sink).Set(float64(c.acc.Len()))
	c.metrics.InFlightEvents.WithLabelValues(c.cfg.Sink).Set(float64(c.acc.InFlight()))
}

func (c *Controller) flush(ctx context.Context) error {
	b := c.acc.Drain()
	if b.Empty() {
		return nil
	}
	c.metrics.BatchSize.WithLabelValues(c.cfg.Sink).Observe(float64(b.Len()))
	return c.process(ctx, b)
}

// process writes b with retries. It returns nil once b reached a terminal
// outcome that lets the controller continue, errInterrupted when shutdown
// cut a backoff short, or a *FatalError.
func (c *Controller) process(ctx context.Context, b batch.Batch) error {
	for attempt := 1; ; attempt++ {
		c.setState(Flushing)
		err := c.attempt(context.WithoutCancel(ctx), b, attempt)
		if err == nil {
			c.committed(ctx, b)
			return nil
		}

		we := sink.AsWriteError(err)
		if !we.Retryable || attempt >= c.cfg.Backoff.MaxAttempts {
			return c.fail(ctx, b, we, attempt)
		}

		delay := retry.Backoff(attempt-1, c.cfg.Backoff)
		c.setState(Retrying)
		c.metrics.FlushRetries.WithLabelValues(c.cfg.Sink).Inc()
		c.logger.Warn("flush failed, retrying",
			"attempt", attempt, "batch_size", b.Len(), "backoff", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			c.pending = b
			c.pendingAttempts = attempt
			return errInterrupted
		}
	}
}

// attempt makes one write bounded by the write timeout. parent must not be
// tied to shutdown so a write in progress is never torn.
func (c *Controller) attempt(parent context.Context, b batch.Batch, attempt int) error {
	ctx, cancel := context.WithTimeout(parent, c.cfg.WriteTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanFlush,
		trace.WithAttributes(
			tracing.SinkAttr(c.cfg.Sink),
			tracing.BatchSizeAttr(b.Len()),
			tracing.AttemptAttr(attempt),
		),
	)
	defer span.End()

	start := time.Now()
	err := c.writer.Write(ctx, b)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = sink.Transient("write timeout", err)
	}

	result := "ok"
	if err != nil {
		result = string(sink.AsWriteError(err).Kind)
		tracing.SetSpanError(span, err)
		span.SetAttributes(tracing.ErrorKindAttr(result))
		c.logger.DebugContext(ctx, "write attempt failed", "attempt", attempt, "error", err)
	} else {
		tracing.SetSpanOK(span)
	}
	c.metrics.FlushDuration.WithLabelValues(c.cfg.Sink, result).Observe(time.Since(start).Seconds())
	return err
}

// committed acknowledges a durably written batch. Ack failures are reported
// but never undo the write.
func (c *Controller) committed(ctx context.Context, b batch.Batch) {
	n := b.Len()
	c.metrics.RowsPersisted.WithLabelValues(c.cfg.Sink).Add(float64(n))
	c.metrics.Batches.WithLabelValues(c.cfg.Sink, observability.OutcomeCommitted).Inc()
	c.ack(ctx, b)
	c.acc.Release(n)
	c.setState(Idle)
	c.logger.Debug("batch committed", "batch_size", n)
}

// ack advances the source past b. Only called once b is durable, either in
// the store or in the dead-letter destination.
func (c *Controller) ack(ctx context.Context, b batch.Batch) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.acker.Ack(actx, b); err != nil {
		c.metrics.AckErrors.WithLabelValues(c.cfg.Sink).Inc()
		c.logger.Error("ack failed; events will be redelivered", "batch_size", b.Len(), "error", err)
	}
}

// fail applies the fatal policy to a batch that will not be retried.
func (c *Controller) fail(ctx context.Context, b batch.Batch, we *sink.WriteError, attempts int) error {
	c.setState(Fatal)
	n := b.Len()
	fe := &FatalError{Kind: we.Kind, Attempts: attempts, Events: n, Err: we}
	c.logger.Error("batch cannot be persisted",
		"batch_size", n, "attempt", attempts, "kind", we.Kind, "state", Fatal.String(), "error", we)

	if c.cfg.OnFatal == PolicyDeadLetter {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
		defer cancel()
		dctx, span := tracing.StartSpan(dctx, c.tracer, tracing.SpanDeadLetter,
			trace.WithAttributes(tracing.SinkAttr(c.cfg.Sink), tracing.BatchSizeAttr(n)))
		err := c.dlq.Send(dctx, b, dlq.FailureInfo{
			Sink:         c.cfg.Sink,
			ErrorKind:    string(we.Kind),
			ErrorMessage: we.Error(),
			Attempts:     attempts,
		})
		if err == nil {
			tracing.SetSpanOK(span)
			span.End()
			c.metrics.DeadLettered.WithLabelValues(c.cfg.Sink).Add(float64(n))
			c.metrics.Batches.WithLabelValues(c.cfg.Sink, observability.OutcomeDeadLettered).Inc()
			c.logger.Error("batch dead-lettered", "batch_size", n)
			c.ack(ctx, b)
			c.acc.Release(n)
			c.setState(Idle)
			return nil
		}
		tracing.SetSpanError(span, err)
		span.End()
		c.logger.Error("dead-letter failed, halting", "batch_size", n, "error", err)
		fe.Err = errors.Join(we, fmt.Errorf("dead-letter: %w", err))
	}

	c.metrics.Batches.WithLabelValues(c.cfg.Sink, observability.OutcomeFatal).Inc()
	c.acc.Release(n)
	return fe
}

// shutdown makes one final attempt within the grace period. The batch cut
// short during backoff and the buffered events go out together: acks are
// cumulative per shard, so writing the later events alone would acknowledge
// the earlier ones too. Anything not written stays unacknowledged.
func (c *Controller) shutdown(ctx context.Context) error {
	grace, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ShutdownGracePeriod)
	defer cancel()

	c.logger.Info("flush controller stopping", "buffered", c.acc.Len(), "grace", c.cfg.ShutdownGracePeriod)

	b, attempt := c.pending, c.pendingAttempts+1
	c.pending, c.pendingAttempts = batch.Batch{}, 0
	if rest := c.acc.Drain(); !rest.Empty() {
		c.metrics.BatchSize.WithLabelValues(c.cfg.Sink).Observe(float64(rest.Len()))
		if b.Empty() {
			b = rest
		} else {
			b.Events = slices.Concat(b.Events, rest.Events)
		}
	}
	if !b.Empty() {
		if err := c.final(grace, b, attempt); err != nil {
			return err
		}
	}
	c.observeDepth()
	c.logger.Info("flush controller stopped")
	return nil
}

func (c *Controller) final(grace context.Context, b batch.Batch, attempt int) error {
	if grace.Err() != nil {
		c.abandon(b, grace.Err())
		return nil
	}
	c.setState(Flushing)
	err := c.attempt(grace, b, attempt)
	if err == nil {
		c.committed(grace, b)
		return nil
	}
	we := sink.AsWriteError(err)
	if we.Retryable {
		c.abandon(b, err)
		return nil
	}
	return c.fail(grace, b, we, attempt)
}

func (c *Controller) abandon(b batch.Batch, err error) {
	c.metrics.Batches.WithLabelValues(c.cfg.Sink, observability.OutcomeAbandoned).Inc()
	c.logger.Warn("batch left unacknowledged at shutdown", "batch_size", b.Len(), "error", err)
	c.acc.Release(b.Len())
	c.setState(Idle)
}
