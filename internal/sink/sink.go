package sink

import (
	"context"

	"github.com/lsm/stowage/internal/batch"
)

// Writer durably persists batches into the target table.
type Writer interface {
	// Write persists every event of the batch as one atomic operation.
	// Returns nil only after the store confirmed the commit; any failure
	// leaves no row of the batch behind. An empty batch is a no-op.
	// Errors are *WriteError values.
	Write(ctx context.Context, b batch.Batch) error

	// Ping checks the store session, establishing it if needed.
	Ping(ctx context.Context) error

	// Close performs graceful shutdown.
	Close() error
}
