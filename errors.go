package diagraph

import "diagraph/internal/derrors"

// Kind classifies a diagraph error so callers can branch with errors.Is
// against the sentinel Kind values below, regardless of the wrapped detail.
// It is a re-export of internal/derrors.Kind, the type every component
// package (chunker, knowledge, router, ...) builds its own errors from.
type Kind = derrors.Kind

const (
	KindInputInvalid       = derrors.InputInvalid
	KindNotFound           = derrors.NotFound
	KindBackendUnavailable = derrors.BackendUnavailable
	KindParseFailure       = derrors.ParseFailure
	KindValidationFailure  = derrors.ValidationFailure
	KindConflict           = derrors.Conflict
	KindTransient          = derrors.Transient
)

// Sentinel errors, one per Kind, for errors.Is comparisons.
var (
	ErrInputInvalid       = derrors.ErrInputInvalid
	ErrNotFound           = derrors.ErrNotFound
	ErrBackendUnavailable = derrors.ErrBackendUnavailable
	ErrParseFailure       = derrors.ErrParseFailure
	ErrValidationFailure  = derrors.ErrValidationFailure
	ErrConflict           = derrors.ErrConflict
	ErrTransient          = derrors.ErrTransient
)

// Error is a classified diagraph error. The request-level propagation
// policy surfaces these as {code: "", error: message} to
// callers outside the core; the Kind lets an HTTP adapter map to a status.
type Error = derrors.Error

// NewError builds a classified Error.
func NewError(kind Kind, msg string, cause error) *Error {
	return derrors.New(kind, msg, cause)
}
