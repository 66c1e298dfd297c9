// Package derrors defines the classified error kinds shared by every
// diagraph component package. It lives under internal/ so
// that leaf packages (chunker, knowledge, router, ...) and the root
// diagraph package can both depend on it without an import cycle; the
// root package re-exports these as diagraph.Kind / diagraph.Err*.
package derrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can branch with errors.Is against
// a sentinel, regardless of the wrapped detail.
type Kind string

const (
	InputInvalid       Kind = "input_invalid"
	NotFound           Kind = "not_found"
	BackendUnavailable Kind = "backend_unavailable"
	ParseFailure       Kind = "parse_failure"
	ValidationFailure  Kind = "validation_failure"
	Conflict           Kind = "conflict"
	Transient          Kind = "transient"
)

var (
	ErrInputInvalid       = errors.New(string(InputInvalid))
	ErrNotFound           = errors.New(string(NotFound))
	ErrBackendUnavailable = errors.New(string(BackendUnavailable))
	ErrParseFailure       = errors.New(string(ParseFailure))
	ErrValidationFailure  = errors.New(string(ValidationFailure))
	ErrConflict           = errors.New(string(Conflict))
	ErrTransient          = errors.New(string(Transient))
)

func sentinelFor(k Kind) error {
	switch k {
	case InputInvalid:
		return ErrInputInvalid
	case NotFound:
		return ErrNotFound
	case BackendUnavailable:
		return ErrBackendUnavailable
	case ParseFailure:
		return ErrParseFailure
	case ValidationFailure:
		return ErrValidationFailure
	case Conflict:
		return ErrConflict
	case Transient:
		return ErrTransient
	default:
		return errors.New(string(k))
	}
}

// Error is a classified diagraph error.
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

func (e *Error) Is(target error) bool { return target == sentinelFor(e.Kind) }

// New builds a classified Error.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}
