// Package sqldb persists batches through database/sql, using lib/pq for
// PostgreSQL or go-sqlite3 for SQLite. A batch is one transaction made of
// multi-row INSERT statements.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/stowage/internal/batch"
	"github.com/lsm/stowage/internal/sink"
	"github.com/lsm/stowage/internal/tracing"
)

// Dialect selects the database/sql driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// Bind parameter limits per statement.
const (
	postgresMaxParams = 65535
	sqliteMaxParams   = 999
)

// Config holds database/sql writer configuration. For PostgreSQL the DSN is
// a lib/pq connection string; lib/pq picks up PGPASSWORD on its own.
type Config struct {
	Driver       Dialect
	DSN          string
	Schema       string
	Table        string
	PayloadField string
	PageSize     int
}

// MaxPageSize is the most rows one INSERT can carry for the dialect.
func (d Dialect) MaxPageSize() int {
	if d == DialectSQLite {
		return sqliteMaxParams / 2
	}
	return postgresMaxParams / 2
}

// Writer is a sink.Writer over a single pinned database/sql connection.
type Writer struct {
	cfg    Config
	db     *sql.DB
	table  string
	newID  sink.IDFunc
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	conn    *sql.Conn
	suspect bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithIDFunc overrides row id generation.
func WithIDFunc(fn sink.IDFunc) Option {
	return func(w *Writer) { w.newID = fn }
}

// WithTracer sets the tracer for write spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Writer) { w.tracer = tracer }
}

// NewWriter opens the database handle. sql.Open does not connect; the
// session is established on the first write or ping.
func NewWriter(cfg Config, logger *slog.Logger, opts ...Option) (*Writer, error) {
	switch cfg.Driver {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported driver %q (expected postgres or sqlite3)", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if cfg.PageSize <= 0 || cfg.PageSize > cfg.Driver.MaxPageSize() {
		cfg.PageSize = min(10000, cfg.Driver.MaxPageSize())
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	table := pq.QuoteIdentifier(cfg.Table)
	if cfg.Schema != "" {
		table = pq.QuoteIdentifier(cfg.Schema) + "." + table
	}

	w := &Writer{
		cfg:    cfg,
		db:     db,
		table:  table,
		newID:  sink.NewID,
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// insertSQL renders a multi-row insert for n rows.
func (w *Writer) insertSQL(n int) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(w.table)
	sb.WriteString(" (id, body) VALUES ")
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		if w.cfg.Driver == DialectPostgres {
			fmt.Fprintf(&sb, "($%d::uuid, $%d::jsonb)", 2*i+1, 2*i+2)
		} else {
			sb.WriteString("(?, ?)")
		}
	}
	return sb.String()
}

// session returns the pinned connection. Caller holds w.mu.
func (w *Writer) session(ctx context.Context) (*sql.Conn, error) {
	if w.conn != nil && w.suspect {
		if err := w.conn.PingContext(ctx); err != nil {
			w.logger.Warn("database session lost, reconnecting", "driver", w.cfg.Driver, "error", err)
			_ = w.conn.Close()
			w.conn = nil
		}
	}
	if w.conn == nil {
		c, err := w.db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		w.conn = c
		w.logger.Info("database session established", "driver", w.cfg.Driver, "table", w.table)
	}
	w.suspect = false
	return w.conn, nil
}

// Write persists the batch in a single transaction.
func (w *Writer) Write(ctx context.Context, b batch.Batch) error {
	if b.Empty() {
		return nil
	}
	rows, err := sink.BuildRows(b, w.cfg.PayloadField, w.newID)
	if err != nil {
		return err
	}
	pages := sink.Pages(rows, w.cfg.PageSize)

	system := "postgresql"
	if w.cfg.Driver == DialectSQLite {
		system = "sqlite"
	}
	ctx, span := tracing.StartSpan(ctx, w.tracer, tracing.SpanWrite,
		trace.WithAttributes(
			tracing.DBSystemAttr(system),
			tracing.DBTableAttr(w.table),
			tracing.BatchSizeAttr(len(rows)),
			tracing.PagesAttr(len(pages)),
		),
	)
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()

	c, err := w.session(ctx)
	if err != nil {
		werr := classify("connect", err)
		tracing.SetSpanError(span, werr)
		return werr
	}
	if err := w.writeTx(ctx, c, pages); err != nil {
		if sink.IsConnectionError(err) {
			w.suspect = true
		}
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (w *Writer) writeTx(ctx context.Context, c *sql.Conn, pages [][]sink.Row) error {
	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	for i, page := range pages {
		args := make([]any, 0, 2*len(page))
		for _, r := range page {
			args = append(args, r.ID, string(r.Body))
		}
		if _, err := tx.ExecContext(ctx, w.insertSQL(len(page)), args...); err != nil {
			w.rollback(tx)
			return classify(fmt.Sprintf("insert page %d/%d", i+1, len(pages)), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// rollback aborts tx. database/sql already rolls back a transaction whose
// context was cancelled, in which case Rollback reports ErrTxDone.
func (w *Writer) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		w.logger.Warn("rollback failed", "error", err)
		w.suspect = true
	}
}

// Ping checks the session, establishing it if needed.
func (w *Writer) Ping(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, err := w.session(ctx)
	if err != nil {
		return classify("connect", err)
	}
	if err := c.PingContext(ctx); err != nil {
		w.suspect = true
		return classify("ping", err)
	}
	return nil
}

// Close releases the session and the database handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.conn != nil {
		errs = append(errs, w.conn.Close())
		w.conn = nil
	}
	errs = append(errs, w.db.Close())
	return errors.Join(errs...)
}

// classify maps driver errors onto the sink error taxonomy.
func classify(op string, err error) *sink.WriteError {
	var we *sink.WriteError
	if errors.As(err, &we) {
		return we
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if sink.ClassifySQLState(string(pqErr.Code)) == sink.KindTransient {
			return sink.Transient(op, err)
		}
		return sink.Integrity(op, err)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrFull:
			return sink.Transient(op, err)
		default:
			return sink.Integrity(op, err)
		}
	}
	return sink.Transient(op, err)
}
