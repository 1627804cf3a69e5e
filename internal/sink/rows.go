package sink

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lsm/stowage/internal/batch"
	"github.com/lsm/stowage/internal/jsonpath"
)

// Row is a persisted row: a writer-generated id and the serialized payload.
type Row struct {
	ID   string
	Body json.RawMessage
}

// IDFunc generates row identifiers.
type IDFunc func() string

// NewID returns a random (version 4) UUID string. Source-assigned ids are not
// unique across shards, so every row gets a fresh one at flush time.
func NewID() string {
	return uuid.NewString()
}

// BuildRows converts a batch into rows, in batch order. Only the payload (or
// its payloadField sub-document) is kept; positions, keys and headers are
// discarded. A payload that is not JSON, or lacks the field, fails the whole
// batch with an integrity error.
func BuildRows(b batch.Batch, payloadField string, newID IDFunc) ([]Row, error) {
	if newID == nil {
		newID = NewID
	}
	rows := make([]Row, 0, b.Len())
	for i, evt := range b.Events {
		body, err := jsonpath.Extract(evt.Payload, payloadField)
		if err != nil {
			return nil, Integrity("build rows", fmt.Errorf("event %d at %s: %w", i, evt.Position, err))
		}
		rows = append(rows, Row{ID: newID(), Body: body})
	}
	return rows, nil
}

// Pages splits rows into consecutive chunks of at most size rows.
func Pages(rows []Row, size int) [][]Row {
	if size <= 0 || size >= len(rows) {
		if len(rows) == 0 {
			return nil
		}
		return [][]Row{rows}
	}
	pages := make([][]Row, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		pages = append(pages, rows[start:end])
	}
	return pages
}
