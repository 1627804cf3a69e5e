package sink

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/google/uuid"

	"github.com/lsm/stowage/internal/batch"
	"github.com/lsm/stowage/internal/source"
)

func testBatch(payloads ...string) batch.Batch {
	var b batch.Batch
	for i, p := range payloads {
		b.Events = append(b.Events, source.Event{
			Position: source.Position{Shard: "events", Token: strconv.Itoa(i) + "-0"},
			Key:      []byte("k" + strconv.Itoa(i)),
			Payload:  []byte(p),
			Headers:  map[string]string{"seq": strconv.Itoa(i)},
		})
	}
	return b
}

func TestBuildRows_WholePayload(t *testing.T) {
	b := testBatch(`{"veh":1}`, `{"veh":2}`)
	rows, err := BuildRows(b, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if string(rows[0].Body) != `{"veh":1}` || string(rows[1].Body) != `{"veh":2}` {
		t.Errorf("rows out of order or altered: %s, %s", rows[0].Body, rows[1].Body)
	}
	for _, r := range rows {
		if _, err := uuid.Parse(r.ID); err != nil {
			t.Errorf("id %q is not a UUID: %v", r.ID, err)
		}
	}
}

func TestBuildRows_DesignatedFieldOnly(t *testing.T) {
	b := testBatch(`{"id":"1618-0","value":{"veh":12,"spd":4.2}}`)
	rows, err := BuildRows(b, "$.value", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(rows[0].Body) != `{"veh":12,"spd":4.2}` {
		t.Errorf("expected only the value field, got %s", rows[0].Body)
	}
	if rows[0].ID == "1618-0" {
		t.Error("source id must not be reused as row id")
	}
}

func TestBuildRows_IntegrityErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{"not json", `veh=12`, ""},
		{"missing field", `{"other":1}`, "$.value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildRows(testBatch(`{"ok":true}`, tt.payload), tt.field, nil)
			var we *WriteError
			if !errors.As(err, &we) {
				t.Fatalf("expected *WriteError, got %v", err)
			}
			if we.Kind != KindIntegrity || we.Retryable {
				t.Errorf("expected non-retryable integrity error, got %+v", we)
			}
		})
	}
}

func TestBuildRows_IDFunc(t *testing.T) {
	n := 0
	rows, err := BuildRows(testBatch(`1`, `2`, `3`), "", func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, r := range rows {
		if r.ID != fmt.Sprintf("id-%d", i+1) {
			t.Errorf("row %d: expected id-%d, got %s", i, i+1, r.ID)
		}
	}
}

func TestBuildRows_IDsUniqueAcrossManyFlushes(t *testing.T) {
	seen := make(map[string]struct{}, 100000)
	b := testBatch(`{"a":1}`, `{"a":2}`, `{"a":3}`, `{"a":4}`, `{"a":5}`, `{"a":6}`, `{"a":7}`, `{"a":8}`, `{"a":9}`, `{"a":10}`)
	for flush := 0; flush < 10000; flush++ {
		rows, err := BuildRows(b, "", nil)
		if err != nil {
			t.Fatalf("flush %d: %v", flush, err)
		}
		for _, r := range rows {
			if _, dup := seen[r.ID]; dup {
				t.Fatalf("flush %d: duplicate id %s", flush, r.ID)
			}
			seen[r.ID] = struct{}{}
		}
	}
	if len(seen) != 100000 {
		t.Fatalf("expected 100000 ids, got %d", len(seen))
	}
}

func TestPages(t *testing.T) {
	rows := make([]Row, 7)
	tests := []struct {
		size int
		want []int
	}{
		{size: 3, want: []int{3, 3, 1}},
		{size: 7, want: []int{7}},
		{size: 100, want: []int{7}},
		{size: 0, want: []int{7}},
		{size: 1, want: []int{1, 1, 1, 1, 1, 1, 1}},
	}
	for _, tt := range tests {
		pages := Pages(rows, tt.size)
		if len(pages) != len(tt.want) {
			t.Fatalf("size %d: expected %d pages, got %d", tt.size, len(tt.want), len(pages))
		}
		for i, p := range pages {
			if len(p) != tt.want[i] {
				t.Errorf("size %d page %d: expected %d rows, got %d", tt.size, i, tt.want[i], len(p))
			}
		}
	}
	if Pages(nil, 10) != nil {
		t.Error("expected no pages for no rows")
	}
}

func TestClassifySQLState(t *testing.T) {
	tests := map[string]Kind{
		"08006": KindTransient,
		"08001": KindTransient,
		"53300": KindTransient,
		"57P01": KindTransient,
		"40001": KindTransient,
		"40P01": KindTransient,
		"57014": KindTransient,
		"23505": KindIntegrity,
		"22P02": KindIntegrity,
		"42P01": KindIntegrity,
		"42703": KindIntegrity,
	}
	for code, want := range tests {
		if got := ClassifySQLState(code); got != want {
			t.Errorf("ClassifySQLState(%s) = %s, want %s", code, got, want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsConnectionError(t *testing.T) {
	yes := []error{
		context.DeadlineExceeded,
		io.EOF,
		fmt.Errorf("read: %w", io.ErrUnexpectedEOF),
		driver.ErrBadConn,
		timeoutErr{},
		&net.OpError{Op: "dial", Err: errors.New("connection refused")},
	}
	for _, err := range yes {
		if !IsConnectionError(err) {
			t.Errorf("expected %v to be a connection error", err)
		}
	}
	if IsConnectionError(nil) || IsConnectionError(errors.New("duplicate key")) {
		t.Error("unexpected connection error classification")
	}
}

func TestAsWriteError(t *testing.T) {
	if AsWriteError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
	we := AsWriteError(errors.New("boom"))
	if we.Kind != KindTransient || !we.Retryable {
		t.Errorf("expected unclassified errors to be transient, got %+v", we)
	}

	integrity := fmt.Errorf("flush: %w", Integrity("insert", errors.New("bad")))
	if IsRetryable(integrity) {
		t.Error("expected wrapped integrity error to be non-retryable")
	}
	if got := AsWriteError(integrity).Error(); got != "integrity write error: insert: bad" {
		t.Errorf("unexpected message: %q", got)
	}
}
