// Package apperr defines the user-visible error taxonomy. Every error that
// crosses the HTTP boundary is an *Error with a stable code; internal causes
// are kept for logging and never serialized.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
	KindRateLimit
	KindProofRejected
	KindUpstream
	KindReconciliation
)

var kindCodes = map[Kind]string{
	KindInternal:       "INTERNAL_ERROR",
	KindValidation:     "VALIDATION_ERROR",
	KindAuth:           "AUTH_ERROR",
	KindForbidden:      "FORBIDDEN",
	KindNotFound:       "NOT_FOUND",
	KindConflict:       "CONFLICT",
	KindRateLimit:      "RATE_LIMIT_EXCEEDED",
	KindProofRejected:  "PROOF_REJECTED",
	KindUpstream:       "UPSTREAM_UNAVAILABLE",
	KindReconciliation: "RECONCILIATION_ERROR",
}

func (k Kind) String() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindInternal]
}

// Error is a classified failure with a stable code and a human message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]string
	// Status overrides the default HTTP status of Kind when non-zero.
	Status int
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the error to a response status code.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindProofRejected:
		return http.StatusUnprocessableEntity
	case KindUpstream:
		return http.StatusServiceUnavailable
	case KindReconciliation:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: kind.String(), Message: msg, Cause: cause}
}

// Validation reports malformed input. fields maps input names to problems.
func Validation(msg string, fields map[string]string) *Error {
	e := newError(KindValidation, msg, nil)
	e.Fields = fields
	return e
}

func Auth(msg string) *Error { return newError(KindAuth, msg, nil) }

func Forbidden(msg string) *Error { return newError(KindForbidden, msg, nil) }

func NotFound(msg string) *Error { return newError(KindNotFound, msg, nil) }

func Conflict(msg string, cause error) *Error { return newError(KindConflict, msg, cause) }

func RateLimited(msg string) *Error { return newError(KindRateLimit, msg, nil) }

func ProofRejected(msg string, cause error) *Error { return newError(KindProofRejected, msg, cause) }

func Upstream(msg string, cause error) *Error { return newError(KindUpstream, msg, cause) }

func Internal(cause error) *Error { return newError(KindInternal, "internal error", cause) }

// Reconciliation reports an event that cannot be applied. Signature
// failures reject the whole batch with 401.
func Reconciliation(msg string, cause error) *Error {
	return newError(KindReconciliation, msg, cause)
}

func SignatureMismatch(cause error) *Error {
	e := newError(KindReconciliation, "event batch signature mismatch", cause)
	e.Status = http.StatusUnauthorized
	return e
}

// As extracts the classified error from err. Unclassified errors come back
// as Internal so callers can always respond with a stable code.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

type body struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Write sends err as a JSON error body. The cause is never included.
func Write(w http.ResponseWriter, err error) *Error {
	e := As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body{Code: e.Code, Message: e.Message, Fields: e.Fields})
	return e
}
