package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lsm/stowage/internal/source"
)

// ErrCapacityExceeded is returned by Append under the shed overflow policy when
// the memory ceiling is reached. It is a backpressure signal, not a failure.
var ErrCapacityExceeded = errors.New("batch: capacity exceeded")

// OverflowPolicy selects what Append does once the memory ceiling is reached.
type OverflowPolicy string

const (
	// OverflowBlock makes Append wait until an in-flight batch is released.
	OverflowBlock OverflowPolicy = "block"
	// OverflowShed makes Append fail fast with ErrCapacityExceeded.
	OverflowShed OverflowPolicy = "shed"
)

// Config holds accumulator thresholds.
type Config struct {
	MaxBatchSize  int
	MaxBatchAge   time.Duration
	MemoryCeiling int // buffered + in-flight events; 0 disables the ceiling
	Overflow      OverflowPolicy
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 10000,
		MaxBatchAge:  5 * time.Second,
		Overflow:     OverflowBlock,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("maxBatchSize must be positive"))
	}
	if c.MaxBatchAge <= 0 {
		errs = append(errs, errors.New("maxBatchAge must be positive"))
	}
	if c.MemoryCeiling < 0 {
		errs = append(errs, errors.New("memoryCeiling cannot be negative"))
	}
	if c.MemoryCeiling > 0 && c.MemoryCeiling < c.MaxBatchSize {
		errs = append(errs, fmt.Errorf("memoryCeiling %d is below maxBatchSize %d", c.MemoryCeiling, c.MaxBatchSize))
	}
	switch c.Overflow {
	case OverflowBlock, OverflowShed:
	default:
		errs = append(errs, fmt.Errorf("overflow %q is not valid (must be block or shed)", c.Overflow))
	}
	return errors.Join(errs...)
}

// Accumulator gathers incoming events into the current batch. Appends and
// drains may run concurrently from different goroutines.
type Accumulator struct {
	mu       sync.Mutex
	cfg      Config
	events   []source.Event
	openedAt time.Time
	inflight int

	relief chan struct{} // closed and replaced on every Release
	ready  chan struct{} // coalesced size-threshold signal
	now    func() time.Time
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) {
		a.now = now
	}
}

// NewAccumulator creates an accumulator. Zero thresholds fall back to
// DefaultConfig values.
func NewAccumulator(cfg Config, opts ...Option) (*Accumulator, error) {
	def := DefaultConfig()
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxBatchAge == 0 {
		cfg.MaxBatchAge = def.MaxBatchAge
	}
	if cfg.Overflow == "" {
		cfg.Overflow = def.Overflow
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("accumulator config: %w", err)
	}

	a := &Accumulator{
		cfg:    cfg,
		relief: make(chan struct{}),
		ready:  make(chan struct{}, 1),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Append adds an event to the current batch. When the memory ceiling is
// reached it either blocks until relieved (or ctx ends) or returns
// ErrCapacityExceeded, depending on the overflow policy.
func (a *Accumulator) Append(ctx context.Context, evt source.Event) error {
	a.mu.Lock()
	for a.cfg.MemoryCeiling > 0 && len(a.events)+a.inflight >= a.cfg.MemoryCeiling {
		if a.cfg.Overflow == OverflowShed {
			a.mu.Unlock()
			return ErrCapacityExceeded
		}
		relief := a.relief
		a.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-relief:
		}
		a.mu.Lock()
	}

	if len(a.events) == 0 {
		a.openedAt = a.now()
	}
	a.events = append(a.events, evt)
	full := len(a.events) >= a.cfg.MaxBatchSize
	a.mu.Unlock()

	if full {
		select {
		case a.ready <- struct{}{}:
		default:
		}
	}
	return nil
}

// ShouldFlush reports whether the current batch reached the size or age
// threshold. An empty batch never needs a flush.
func (a *Accumulator) ShouldFlush() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) == 0 {
		return false
	}
	if len(a.events) >= a.cfg.MaxBatchSize {
		return true
	}
	return a.now().Sub(a.openedAt) >= a.cfg.MaxBatchAge
}

// Ready fires after an append fills the batch to the size threshold. Signals
// are coalesced; callers must still check ShouldFlush.
func (a *Accumulator) Ready() <-chan struct{} {
	return a.ready
}

// Drain swaps out the current batch for a fresh one and returns it. Drained
// events count against the memory ceiling until Release is called. Draining
// an empty accumulator returns an empty Batch.
func (a *Accumulator) Drain() Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) == 0 {
		return Batch{}
	}
	b := Batch{Events: a.events, OpenedAt: a.openedAt}
	a.events = make([]source.Event, 0, min(len(b.Events), a.cfg.MaxBatchSize))
	a.openedAt = time.Time{}
	a.inflight += len(b.Events)
	return b
}

// Release marks n drained events as no longer in flight and wakes blocked
// appenders.
func (a *Accumulator) Release(n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.inflight -= n
	if a.inflight < 0 {
		a.inflight = 0
	}
	close(a.relief)
	a.relief = make(chan struct{})
	a.mu.Unlock()
}

// SetThresholds replaces the size and age thresholds of a running
// accumulator. Non-positive values leave the current setting unchanged.
func (a *Accumulator) SetThresholds(maxBatchSize int, maxBatchAge time.Duration) {
	a.mu.Lock()
	if maxBatchSize > 0 {
		a.cfg.MaxBatchSize = maxBatchSize
	}
	if maxBatchAge > 0 {
		a.cfg.MaxBatchAge = maxBatchAge
	}
	full := len(a.events) > 0 && len(a.events) >= a.cfg.MaxBatchSize
	a.mu.Unlock()

	if full {
		select {
		case a.ready <- struct{}{}:
		default:
		}
	}
}

// Config returns the current configuration.
func (a *Accumulator) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Len returns the number of buffered events.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

// InFlight returns the number of drained, unreleased events.
func (a *Accumulator) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight
}
