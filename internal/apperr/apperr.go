// Package apperr defines the error taxonomy shared by every kensa component.
//
// Every error that crosses the service façade is an *Error carrying a Kind,
// the operation that failed, and a human-readable message. Adapters translate
// the Kind into their own surface (HTTP status, process exit code); the core
// never sees those adapter-shaped values.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	Validation Kind = "validation"
	NotFound   Kind = "not_found"
	Conflict   Kind = "conflict"
	Invariant  Kind = "invariant"
	Backend    Kind = "backend"
	IO         Kind = "io"
)

// Error is the typed error returned by façade operations.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and op to err. If err is already an *Error its kind and
// message are kept and only a missing op is filled in.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Op != "" {
			return ae
		}
		return &Error{Kind: ae.Kind, Op: op, Message: ae.Message, Err: ae.Err}
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// KindOf reports the Kind of err. Errors outside the taxonomy are treated as
// Invariant: something the core did not anticipate.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Invariant
}

// Is reports whether err belongs to kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the message without the op prefix.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}

// HTTPStatus maps a Kind to the HTTP status used by the API adapter.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Exit codes used by the CLI adapter.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
	ExitBackend = 3
)

// ExitCode maps a Kind to the CLI exit code.
func ExitCode(kind Kind) int {
	if kind == Backend {
		return ExitBackend
	}
	return ExitFailure
}
