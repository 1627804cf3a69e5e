// Package batch accumulates source events into ordered batches and hands them
// off to the flush path with a drain-and-swap, so ingestion never shares
// mutable state with a flush in progress.
package batch

import (
	"time"

	"github.com/lsm/stowage/internal/source"
)

// Batch is an ordered sequence of events. It is written whole or not at all.
type Batch struct {
	Events   []source.Event
	OpenedAt time.Time // time of the first append
}

// Len returns the number of events in the batch.
func (b Batch) Len() int { return len(b.Events) }

// Empty reports whether the batch holds no events.
func (b Batch) Empty() bool { return len(b.Events) == 0 }

// Positions returns the positions of all events in insertion order.
func (b Batch) Positions() []source.Position {
	out := make([]source.Position, len(b.Events))
	for i, evt := range b.Events {
		out[i] = evt.Position
	}
	return out
}
