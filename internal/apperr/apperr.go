// Package apperr defines the typed error taxonomy shared by every service
// layer. Handlers map a Kind to an HTTP status at the boundary; internal
// callers branch on Kind with errors.As.
package apperr

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The zero value is KindInternal.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindIllegalTransition
	KindValidationBlocked
	KindSchemaMismatch
	KindMergeConflict
	KindVersionNotFound
	KindPreconditionFailed
	KindBadRequest
)

// String returns the stable wire code for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindIllegalTransition:
		return "illegal_transition"
	case KindValidationBlocked:
		return "validation_blocked"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindMergeConflict:
		return "merge_conflict"
	case KindVersionNotFound:
		return "version_not_found"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindBadRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind to the status code used by the HTTP surface.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound, KindVersionNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindMergeConflict:
		return http.StatusConflict
	case KindValidationBlocked:
		return http.StatusUnprocessableEntity
	case KindIllegalTransition, KindPreconditionFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified application error. CorrelationID is only populated
// for internal errors so operators can find the matching log line.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Internal wraps an unexpected failure and stamps a correlation id.
func Internal(err error, format string, args ...any) *Error {
	return &Error{
		Kind:          KindInternal,
		Message:       fmt.Sprintf(format, args...),
		CorrelationID: newCorrelationID(),
		Err:           err,
	}
}

// KindOf extracts the Kind from any error in the chain, defaulting to
// KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

func newCorrelationID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "corr-unknown"
	}
	return "corr-" + hex.EncodeToString(b[:])
}
