// Package errs defines the core's machine-readable error kinds.
// User-visible failures always carry a Kind and a human message; this
// package never leaks stack traces to callers.
package errs

import "fmt"

// Kind is a machine-readable error category. String values are stable and
// may be serialized to API responses by the outer HTTP layer.
type Kind string

const (
	InvalidRequest    Kind = "InvalidRequest"
	Unauthorized      Kind = "Unauthorized"
	NotFound          Kind = "NotFound"
	Conflict          Kind = "Conflict"
	StoreUnavailable  Kind = "StoreUnavailable"
	LLMUnavailable    Kind = "LLMUnavailable"
	RerankUnavailable Kind = "RerankUnavailable"
	ConnectorFailed   Kind = "ConnectorFailed"
	RetrievalFailed   Kind = "RetrievalFailed"
	IndexingFailed    Kind = "IndexingFailed"
	Internal          Kind = "Internal"
)

// Error is the core's error type: a Kind plus a human message and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, else Internal.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return Internal
}

// As walks err's single-error Unwrap chain and stores the first *Error it
// finds in target. It does not descend into errors that unwrap to a list
// (Unwrap() []error).
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
