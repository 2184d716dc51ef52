package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind classifies ledger failures by how the caller may react.
type Kind int

const (
	// KindUnknown is reported for errors that did not come from a ledger call.
	KindUnknown Kind = iota
	// KindTransient covers timeouts and connection failures: retry with backoff.
	KindTransient
	// KindRejected means the ledger refused the write (funds, nonce, revert):
	// retry only after corrective action.
	KindRejected
	// KindPermanent means the request itself is malformed: never retry.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified ledger failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error { return &Error{Kind: KindTransient, Op: op, Err: err} }

// Rejected wraps err as a ledger rejection.
func Rejected(op string, err error) error { return &Error{Kind: KindRejected, Op: op, Err: err} }

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) error { return &Error{Kind: KindPermanent, Op: op, Err: err} }

// KindOf classifies err. Classified errors keep their kind; bare timeouts and
// network errors are transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	if isNetworkError(err) {
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err may be retried blindly.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}
