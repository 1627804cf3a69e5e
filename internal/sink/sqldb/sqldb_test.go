package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/lsm/stowage/internal/batch"
	"github.com/lsm/stowage/internal/sink"
	"github.com/lsm/stowage/internal/source"
)

const createTable = `CREATE TABLE positions (id TEXT PRIMARY KEY, body TEXT NOT NULL)`

func setupSQLite(t *testing.T) (string, *sql.DB) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "sink.db") + "?_journal_mode=WAL&_synchronous=OFF&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(createTable); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return dsn, db
}

func newSQLiteWriter(t *testing.T, dsn string, pageSize int, opts ...Option) *Writer {
	t.Helper()
	w, err := NewWriter(Config{Driver: DialectSQLite, DSN: dsn, Table: "positions", PageSize: pageSize}, nil, opts...)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM positions`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func testBatch(n int) batch.Batch {
	var b batch.Batch
	for i := 0; i < n; i++ {
		b.Events = append(b.Events, source.Event{
			Position: source.Position{Shard: "telemetry", Token: strconv.Itoa(i) + "-0"},
			Payload:  []byte(`{"id":"` + strconv.Itoa(i) + `-0","value":{"veh":` + strconv.Itoa(i) + `}}`),
		})
	}
	return b
}

func TestNewWriter_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown driver", Config{Driver: "mysql", DSN: "x", Table: "t"}},
		{"missing dsn", Config{Driver: DialectSQLite, Table: "t"}},
		{"missing table", Config{Driver: DialectSQLite, DSN: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWriter(tt.cfg, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewWriter_PageSizeCappedByDialect(t *testing.T) {
	w, err := NewWriter(Config{Driver: DialectSQLite, DSN: "file::memory:", Table: "t", PageSize: 10000}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if w.cfg.PageSize != 499 {
		t.Errorf("expected sqlite page size 499, got %d", w.cfg.PageSize)
	}

	p, err := NewWriter(Config{Driver: DialectPostgres, DSN: "host=localhost", Table: "t"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if p.cfg.PageSize != 10000 {
		t.Errorf("expected postgres page size 10000, got %d", p.cfg.PageSize)
	}
}

func TestInsertSQL(t *testing.T) {
	pg, err := NewWriter(Config{Driver: DialectPostgres, DSN: "host=localhost", Schema: "fleet", Table: "positions"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pg.Close()
	want := `INSERT INTO "fleet"."positions" (id, body) VALUES ($1::uuid, $2::jsonb), ($3::uuid, $4::jsonb)`
	if got := pg.insertSQL(2); got != want {
		t.Errorf("postgres insert:\n got %s\nwant %s", got, want)
	}

	lite, err := NewWriter(Config{Driver: DialectSQLite, DSN: "file::memory:", Table: "positions"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer lite.Close()
	want = `INSERT INTO "positions" (id, body) VALUES (?, ?), (?, ?), (?, ?)`
	if got := lite.insertSQL(3); got != want {
		t.Errorf("sqlite insert:\n got %s\nwant %s", got, want)
	}
}

func TestWrite_EmptyBatchIssuesNoWrite(t *testing.T) {
	w, err := NewWriter(Config{Driver: DialectSQLite, DSN: "file:" + filepath.Join(t.TempDir(), "missing", "x.db"), Table: "positions"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// The DSN points to a directory that does not exist, so any attempt to
	// touch the store would fail.
	if err := w.Write(context.Background(), batch.Batch{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.conn != nil {
		t.Error("expected no session for an empty batch")
	}
}

func TestWrite_PersistsPayloadField(t *testing.T) {
	dsn, db := setupSQLite(t)
	w, err := NewWriter(Config{Driver: DialectSQLite, DSN: dsn, Table: "positions", PayloadField: "$.value", PageSize: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Write(context.Background(), testBatch(5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := countRows(t, db); n != 5 {
		t.Fatalf("expected 5 rows, got %d", n)
	}

	rows, err := db.Query(`SELECT body FROM positions ORDER BY rowid`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	i := 0
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			t.Fatal(err)
		}
		if want := `{"veh":` + strconv.Itoa(i) + `}`; body != want {
			t.Errorf("row %d: body %s, want %s", i, body, want)
		}
		i++
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestWrite_FailureOnLastPageLeavesNoRows(t *testing.T) {
	dsn, db := setupSQLite(t)
	if _, err := db.Exec(`INSERT INTO positions (id, body) VALUES ('taken', '{}')`); err != nil {
		t.Fatal(err)
	}

	// Page size 1 and three events: the third id collides, so pages one and
	// two succeed inside the transaction and page three fails.
	n := 0
	w := newSQLiteWriter(t, dsn, 1, WithIDFunc(func() string {
		n++
		if n == 3 {
			return "taken"
		}
		return fmt.Sprintf("id-%d", n)
	}))

	err := w.Write(context.Background(), testBatch(3))
	var we *sink.WriteError
	if !errors.As(err, &we) {
		t.Fatalf("expected *sink.WriteError, got %v", err)
	}
	if we.Kind != sink.KindIntegrity || we.Retryable {
		t.Errorf("expected non-retryable integrity error, got %+v", we)
	}
	if !strings.Contains(we.Op, "page 3/3") {
		t.Errorf("expected failing page in op, got %q", we.Op)
	}
	if got := countRows(t, db); got != 1 {
		t.Errorf("expected only the pre-existing row, got %d rows", got)
	}

	// The session stays usable after the rollback.
	n = 10
	if err := w.Write(context.Background(), testBatch(2)); err != nil {
		t.Fatalf("write after rollback: %v", err)
	}
	if got := countRows(t, db); got != 3 {
		t.Errorf("expected 3 rows, got %d", got)
	}
}

func TestWrite_MissingTableIsIntegrity(t *testing.T) {
	dsn, _ := setupSQLite(t)
	w, err := NewWriter(Config{Driver: DialectSQLite, DSN: dsn, Table: "nope"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	err = w.Write(context.Background(), testBatch(1))
	var we *sink.WriteError
	if !errors.As(err, &we) || we.Kind != sink.KindIntegrity {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestWrite_IDsUniqueAcrossManyFlushes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 10000-flush run in short mode")
	}
	dsn, db := setupSQLite(t)
	w := newSQLiteWriter(t, dsn, 0)

	b := testBatch(2)
	const flushes = 10000
	for i := 0; i < flushes; i++ {
		if err := w.Write(context.Background(), b); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	if got := countRows(t, db); got != 2*flushes {
		t.Fatalf("expected %d rows, got %d", 2*flushes, got)
	}
	var distinct int
	if err := db.QueryRow(`SELECT COUNT(DISTINCT id) FROM positions`).Scan(&distinct); err != nil {
		t.Fatal(err)
	}
	if distinct != 2*flushes {
		t.Errorf("expected %d distinct ids, got %d", 2*flushes, distinct)
	}
}

func TestWrite_RedeliveryDuplicatesRows(t *testing.T) {
	dsn, db := setupSQLite(t)
	w := newSQLiteWriter(t, dsn, 10)

	// A crash between commit and ack means the same events are read again
	// and persisted a second time under new ids.
	b := testBatch(3)
	if err := w.Write(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if got := countRows(t, db); got != 6 {
		t.Errorf("expected 6 rows after redelivery, got %d", got)
	}
}

func TestPing(t *testing.T) {
	dsn, _ := setupSQLite(t)
	w := newSQLiteWriter(t, dsn, 10)
	if err := w.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if w.conn == nil {
		t.Error("expected ping to establish the session")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want sink.Kind
	}{
		{"pq unique violation", &pq.Error{Code: "23505"}, sink.KindIntegrity},
		{"pq serialization failure", &pq.Error{Code: "40001"}, sink.KindTransient},
		{"pq connection failure", &pq.Error{Code: "08006"}, sink.KindTransient},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, sink.KindTransient},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, sink.KindTransient},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, sink.KindIntegrity},
		{"sqlite too big", sqlite3.Error{Code: sqlite3.ErrTooBig}, sink.KindIntegrity},
		{"bad conn", fmt.Errorf("exec: %w", sql.ErrConnDone), sink.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify("op", tt.err).Kind; got != tt.want {
				t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
