// Package errs provides a small categorized error type. internal/config
// tags its flag and key-load failures with it, internal/resolver tags DNS
// failures, and internal/netlog uses the category to tag log lines. The
// tunnel ErrorHandler and relay.Event callbacks carry no error value.
// Grounded on the teacher's
// internal/errors/standard.go categorized-error idiom, pared down to the
// categories this protocol actually produces.
package errs

import (
	"errors"
	"fmt"
)

// Category classifies the circumstances of an error.
type Category string

const (
	// Transient conditions clear on their own; callers may retry.
	Transient Category = "TRANSIENT"
	// PeerClosed means the remote end closed its side in an orderly way.
	PeerClosed Category = "PEER_CLOSED"
	// FatalIO covers unrecoverable socket or syscall failures.
	FatalIO Category = "FATAL_IO"
	// Protocol covers malformed or out-of-sequence wire data.
	Protocol Category = "PROTOCOL"
	// Resolve covers DNS/address resolution failures.
	Resolve Category = "RESOLVE"
	// Timeout covers deadlines (keepalive, handshake) elapsing.
	Timeout Category = "TIMEOUT"
	// Config covers startup configuration problems (bad key, bad flag).
	Config Category = "CONFIG"
)

// Error wraps a Category and an Op (the component/operation that raised
// it) around a cause, which may be nil for conditions with no underlying
// error value (e.g. a keepalive timeout).
type Error struct {
	Category Category
	Op       string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Category)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error. cause may be nil.
func New(cat Category, op string, cause error) *Error {
	return &Error{Category: cat, Op: op, Cause: cause}
}

func Wrap(cat Category, op string, cause error) *Error { return New(cat, op, cause) }

// Is reports whether err is (or wraps) an *Error of the given category.
func Is(err error, cat Category) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Category == cat
}
