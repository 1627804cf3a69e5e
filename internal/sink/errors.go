package sink

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Kind classifies write failures.
type Kind string

const (
	// KindTransient covers connection loss, timeouts and contention. Retryable.
	KindTransient Kind = "transient"
	// KindIntegrity covers malformed payloads, constraint violations and
	// schema mismatches. Never retried.
	KindIntegrity Kind = "integrity"
)

// WriteError is returned by Writer.Write.
type WriteError struct {
	Kind      Kind
	Retryable bool
	Op        string
	Err       error
}

func (e *WriteError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s write error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s write error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable write error.
func Transient(op string, err error) *WriteError {
	return &WriteError{Kind: KindTransient, Retryable: true, Op: op, Err: err}
}

// Integrity wraps err as a non-retryable write error.
func Integrity(op string, err error) *WriteError {
	return &WriteError{Kind: KindIntegrity, Retryable: false, Op: op, Err: err}
}

// AsWriteError returns err as a *WriteError. Errors that are not already
// classified are treated as transient, except nil which returns nil.
func AsWriteError(err error) *WriteError {
	if err == nil {
		return nil
	}
	var we *WriteError
	if errors.As(err, &we) {
		return we
	}
	return Transient("", err)
}

// IsRetryable reports whether err is a retryable write failure.
func IsRetryable(err error) bool {
	we := AsWriteError(err)
	return we != nil && we.Retryable
}

// ClassifySQLState maps a five-character SQLSTATE code to a failure kind.
func ClassifySQLState(code string) Kind {
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return KindTransient
	case strings.HasPrefix(code, "53"): // insufficient resources
		return KindTransient
	case strings.HasPrefix(code, "57P"): // admin/crash shutdown, cannot connect now
		return KindTransient
	case code == "40001", code == "40P01": // serialization failure, deadlock
		return KindTransient
	case code == "55P03", code == "57014": // lock not available, query canceled
		return KindTransient
	default:
		return KindIntegrity
	}
}

// IsConnectionError reports errors that happen below the SQL layer: broken
// sessions, network failures and deadlines.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
