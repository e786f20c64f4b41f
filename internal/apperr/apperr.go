// Package apperr defines the failure kinds surfaced by the sync client.
// Every Error carries a message that is safe to show to a user as-is.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotConnected           Kind = "not_connected"
	KindTimeout                Kind = "timeout"
	KindServer                 Kind = "server_error"
	KindConnectionTimeout      Kind = "connection_timeout"
	KindReconciliationConflict Kind = "reconciliation_conflict"
	KindInvalidTransition      Kind = "invalid_transition"
	KindInvalidPayload         Kind = "invalid_payload"
)

var defaultMessages = map[Kind]string{
	KindNotConnected:           "Not connected to the server. Please check your connection.",
	KindTimeout:                "The server took too long to respond. Please try again.",
	KindServer:                 "Something went wrong. Please try again.",
	KindConnectionTimeout:      "Could not connect to the server. Please try again.",
	KindReconciliationConflict: "Request state was corrected from conflicting updates.",
	KindInvalidTransition:      "This action is not available for the request right now.",
	KindInvalidPayload:         "Received malformed data.",
}

// Sentinels for errors.Is.
var (
	ErrNotConnected      = &Error{Kind: KindNotConnected}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrServer            = &Error{Kind: KindServer}
	ErrConnectionTimeout = &Error{Kind: KindConnectionTimeout}
	ErrConflict          = &Error{Kind: KindReconciliationConflict}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrInvalidPayload    = &Error{Kind: KindInvalidPayload}
)

type Error struct {
	Kind    Kind
	Op      string // event or operation name
	Message string
	Err     error
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if m, ok := defaultMessages[e.Kind]; ok {
		return m
	}
	return string(e.Kind)
}

// Detail renders the error for logs, including op and cause.
func (e *Error) Detail() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Error())
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can compare against the
// package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
