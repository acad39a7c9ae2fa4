// Package qerr defines the error taxonomy shared by the queue, the batcher,
// the batch client and the stream connection manager.
//
// Every error produced by these components is a *Error carrying a Kind, so
// callers can classify failures with errors.Is against the sentinel values
// or with KindOf:
//
//   - Cancelled: caller initiated, never shown as a failure to the end user
//   - Transport: network or connection failure, affects a whole batch
//   - NoResponse: the server silently dropped one index of a batch
//   - Query: the engine reported a failure for one query
//   - Fatal: the connection manager exhausted its retry budget
//   - Duplicate: a key was enqueued twice
package qerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCancelled
	KindTransport
	KindNoResponse
	KindQuery
	KindFatal
	KindDuplicate
)

// String returns the string representation of a Kind
func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindTransport:
		return "transport"
	case KindNoResponse:
		return "no response"
	case KindQuery:
		return "query"
	case KindFatal:
		return "fatal"
	case KindDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per kind. errors.Is(err, ErrCancelled) is true for
// every *Error of kind KindCancelled
var (
	ErrCancelled    = &Error{Kind: KindCancelled}
	ErrTransport    = &Error{Kind: KindTransport}
	ErrNoResponse   = &Error{Kind: KindNoResponse}
	ErrQuery        = &Error{Kind: KindQuery}
	ErrFatal        = &Error{Kind: KindFatal}
	ErrDuplicateKey = &Error{Kind: KindDuplicate}
)

// Error is a classified error
type Error struct {
	Kind Kind
	Op   string // operation or component that failed, e.g. "batch", "queue"
	Err  error  // underlying cause, may be nil
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates a classified error
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Cancelled creates a KindCancelled error
func Cancelled(op string, cause error) *Error { return New(KindCancelled, op, cause) }

// Transport creates a KindTransport error
func Transport(op string, cause error) *Error { return New(KindTransport, op, cause) }

// NoResponse creates a KindNoResponse error for a dropped batch index
func NoResponse(op string, index int) *Error {
	return New(KindNoResponse, op, fmt.Errorf("no response for index %d", index))
}

// Query creates a KindQuery error from an engine reported message
func Query(op string, msg string) *Error { return New(KindQuery, op, errors.New(msg)) }

// Fatal creates a KindFatal error
func Fatal(op string, cause error) *Error { return New(KindFatal, op, cause) }

// KindOf returns the kind of err. Context cancellation is reported as
// KindCancelled, any other unclassified error as KindUnknown
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// IsUserVisible reports whether err should be surfaced to the end user.
// Cancellations are suppressed
func IsUserVisible(err error) bool {
	return err != nil && KindOf(err) != KindCancelled
}

// IsRetryable reports whether the call that failed with err may be retried
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindNoResponse:
		return true
	default:
		return false
	}
}
