// Package postgres persists batches into a PostgreSQL table over a single
// pgx connection. Each batch runs in one transaction; rows are sent in pages
// of pipelined inserts through a statement prepared once per session.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/stowage/internal/batch"
	"github.com/lsm/stowage/internal/sink"
	"github.com/lsm/stowage/internal/tracing"
)

const insertStmt = "stowage_insert"

// Config holds PostgreSQL writer configuration. The password is never part of
// the configuration; it is read from PGPASSWORD.
type Config struct {
	Host           string
	Port           int
	Database       string
	User           string
	SSLMode        string
	Schema         string
	Table          string
	PayloadField   string
	PageSize       int
	ConnectTimeout time.Duration
	// RollbackTimeout bounds a rollback issued after the write context is gone.
	RollbackTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "prefer"
	}
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.PageSize <= 0 {
		c.PageSize = 10000
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RollbackTimeout <= 0 {
		c.RollbackTimeout = 5 * time.Second
	}
}

// ConnString renders the keyword/value connection string.
func (c Config) ConnString() string {
	kv := []string{
		"host=" + quote(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"sslmode=" + quote(c.SSLMode),
		fmt.Sprintf("connect_timeout=%d", int(c.ConnectTimeout.Seconds())),
	}
	if c.Database != "" {
		kv = append(kv, "dbname="+quote(c.Database))
	}
	if c.User != "" {
		kv = append(kv, "user="+quote(c.User))
	}
	if pw := os.Getenv("PGPASSWORD"); pw != "" {
		kv = append(kv, "password="+quote(pw))
	}
	return strings.Join(kv, " ")
}

func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// InsertSQL returns the parameterized insert for the configured table.
func (c Config) InsertSQL() string {
	return fmt.Sprintf("INSERT INTO %s (id, body) VALUES ($1::uuid, $2::jsonb)",
		pgx.Identifier{c.Schema, c.Table}.Sanitize())
}

// conn abstracts the *pgx.Conn methods used by Writer for testing.
type conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
}

type dialFunc func(ctx context.Context) (conn, error)

// Writer is a sink.Writer backed by one persistent PostgreSQL session.
type Writer struct {
	cfg    Config
	dial   dialFunc
	newID  sink.IDFunc
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	conn    conn
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

func withDialer(d dialFunc) Option {
	return func(w *Writer) { w.dial = d }
}

// NewWriter creates a writer. No connection is made until the first write
// or ping.
func NewWriter(cfg Config, logger *slog.Logger, opts ...Option) (*Writer, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	w := &Writer{
		cfg:    cfg,
		newID:  sink.NewID,
		logger: logger,
	}
	w.dial = w.connect
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Writer) connect(ctx context.Context) (conn, error) {
	connCfg, err := pgx.ParseConfig(w.cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	c, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, err
	}
	if _, err := c.Prepare(ctx, insertStmt, w.cfg.InsertSQL()); err != nil {
		_ = c.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	w.logger.Info("postgres session established",
		"host", w.cfg.Host, "database", w.cfg.Database, "table", w.cfg.Schema+"."+w.cfg.Table)
	return c, nil
}

// session returns the live connection, establishing it on first use and
// re-establishing it once if a suspect session fails its ping.
// Caller holds w.mu.
func (w *Writer) session(ctx context.Context) (conn, error) {
	if w.conn != nil && !w.conn.IsClosed() && w.suspect {
		if err := w.conn.Ping(ctx); err != nil {
			w.logger.Warn("postgres session lost, reconnecting", "error", err)
			w.closeConn(ctx)
		}
	}
	if w.conn == nil || w.conn.IsClosed() {
		c, err := w.dial(ctx)
		if err != nil {
			return nil, err
		}
		w.conn = c
	}
	w.suspect = false
	return w.conn, nil
}

func (w *Writer) closeConn(ctx context.Context) {
	if w.conn == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.RollbackTimeout)
	defer cancel()
	_ = w.conn.Close(cctx)
	w.conn = nil
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

	ctx, span := tracing.StartSpan(ctx, w.tracer, tracing.SpanWrite,
		trace.WithAttributes(
			tracing.DBSystemAttr("postgresql"),
			tracing.DBTableAttr(w.cfg.Schema+"."+w.cfg.Table),
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
		if isSessionFailure(err) {
			w.suspect = true
		}
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (w *Writer) writeTx(ctx context.Context, c conn, pages [][]sink.Row) error {
	tx, err := c.Begin(ctx)
	if err != nil {
		return classify("begin", err)
	}
	for i, page := range pages {
		if err := sendPage(ctx, tx, page); err != nil {
			w.rollback(ctx, tx)
			return classify(fmt.Sprintf("insert page %d/%d", i+1, len(pages)), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		w.rollback(ctx, tx)
		return classify("commit", err)
	}
	return nil
}

func sendPage(ctx context.Context, tx pgx.Tx, page []sink.Row) error {
	pb := &pgx.Batch{}
	for _, r := range page {
		pb.Queue(insertStmt, r.ID, r.Body)
	}
	br := tx.SendBatch(ctx, pb)
	for range page {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

// rollback aborts tx. When the write context is already done the rollback
// runs on a fresh bounded context so the server still sees it.
func (w *Writer) rollback(ctx context.Context, tx pgx.Tx) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), w.cfg.RollbackTimeout)
		defer cancel()
	}
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
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
	if err := c.Ping(ctx); err != nil {
		w.suspect = true
		return classify("ping", err)
	}
	return nil
}

// Close closes the session.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RollbackTimeout)
	defer cancel()
	err := w.conn.Close(ctx)
	w.conn = nil
	return err
}

// classify maps pgx errors onto the sink error taxonomy. Server errors are
// classified by SQLSTATE; everything below the SQL layer (timeouts, broken
// connections, unknown client errors) is transient.
func classify(op string, err error) *sink.WriteError {
	var we *sink.WriteError
	if errors.As(err, &we) {
		return we
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if sink.ClassifySQLState(pgErr.Code) == sink.KindTransient {
			return sink.Transient(op, err)
		}
		return sink.Integrity(op, err)
	}
	return sink.Transient(op, err)
}

// isSessionFailure reports failures that may have left the session unusable.
// Anything that is not a server-side SQL error counts.
func isSessionFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	return true
}
