package imap

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrorKind is the value-level error taxonomy the engine classifies
// every failure into. It is deliberately not a family of error types: callers switch on
// Kind, not on the concrete Go type, so that Error can always be
// wrapped with eris without losing the classification.
type ErrorKind int

const (
	// KindLocal is a failure that never touched the connection: a
	// caller buffer too small, a codec failure. The connection is
	// untouched.
	KindLocal ErrorKind = iota

	// KindProtocol is a tagged NO/BAD response. The mailbox state is
	// intact; only the one command failed.
	KindProtocol

	// KindRejectedExpected is a tagged NO/BAD the caller has a named
	// recovery path for, e.g. [TRYCREATE] on COPY/APPEND.
	KindRejectedExpected

	// KindFatal means the connection is dead or desynchronized; the
	// caller must transition to Disconnected and discard the mailbox.
	KindFatal

	// KindCancelled means the operation was abandoned by an external
	// cancel signal; the connection is forced to Disconnected to avoid
	// desynchronization.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindProtocol:
		return "protocol"
	case KindRejectedExpected:
		return "rejected-expected"
	case KindFatal:
		return "fatal"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is goimap's error value. Qualifier carries the bracketed
// response code from an OK/NO/BAD line (e.g. "TRYCREATE",
// "UIDVALIDITY 1"), when one was present.
type Error struct {
	Kind      ErrorKind
	Qualifier string
	cause     error
}

func (e *Error) Error() string {
	if e.Qualifier != "" {
		return fmt.Sprintf("imap: %s [%s]: %v", e.Kind, e.Qualifier, e.cause)
	}
	return fmt.Sprintf("imap: %s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError wraps cause with eris (for a captured stack and formatted
// chain) and classifies it.
func NewError(kind ErrorKind, qualifier string, cause error) *Error {
	return &Error{Kind: kind, Qualifier: qualifier, cause: eris.Wrap(cause, kind.String())}
}

// Fatalf builds a KindFatal error, the kind that forces a connection
// to Disconnected.
func Fatalf(format string, args ...interface{}) *Error {
	return NewError(KindFatal, "", eris.Errorf(format, args...))
}

// Protocolf builds a KindProtocol error from a tagged NO/BAD, keeping
// qualifier as the bracketed response code, if any.
func Protocolf(qualifier, format string, args ...interface{}) *Error {
	return NewError(KindProtocol, qualifier, eris.Errorf(format, args...))
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
