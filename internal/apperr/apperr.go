// Package apperr defines the structured error taxonomy returned across the
// thinkflow client boundary.
package apperr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind groups error codes by how a caller should react to them.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindCapacity    Kind = "capacity"
	KindWorkflow    Kind = "workflow"
	KindGraph       Kind = "graph"
	KindPersistence Kind = "persistence"
	KindInternal    Kind = "internal"
)

// Code identifies a specific error.
type Code string

const (
	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeSessionAlreadyExists Code = "SESSION_ALREADY_EXISTS"
	CodeInvalidSessionID     Code = "INVALID_SESSION_ID"
	CodeInvalidStep          Code = "INVALID_STEP"
	CodeTechniqueMismatch    Code = "TECHNIQUE_MISMATCH"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeSessionConflict      Code = "SESSION_CONFLICT"

	CodeSessionTooLarge     Code = "SESSION_TOO_LARGE"
	CodeMaxSessionsExceeded Code = "MAX_SESSIONS_EXCEEDED"
	CodeRequestTimeout      Code = "REQUEST_TIMEOUT"

	CodeSkippedDiscovery Code = "SKIPPED_DISCOVERY"
	CodeSkippedPlanning  Code = "SKIPPED_PLANNING"
	CodeInvalidTechnique Code = "INVALID_TECHNIQUE"

	CodeCircularDependency Code = "CIRCULAR_DEPENDENCY"
	CodeDependenciesNotMet Code = "DEPENDENCIES_NOT_MET"
	CodeUnknownDependency  Code = "UNKNOWN_DEPENDENCY"
	CodeGroupNotFound      Code = "GROUP_NOT_FOUND"

	CodePersistenceWriteFailed Code = "PERSISTENCE_WRITE_FAILED"
	CodePersistenceReadFailed  Code = "PERSISTENCE_READ_FAILED"

	CodeInternal Code = "INTERNAL_ERROR"
)

var codeKinds = map[Code]Kind{
	CodeSessionNotFound:        KindValidation,
	CodeSessionAlreadyExists:   KindValidation,
	CodeInvalidSessionID:       KindValidation,
	CodeInvalidStep:            KindValidation,
	CodeTechniqueMismatch:      KindValidation,
	CodeInvalidArgument:        KindValidation,
	CodeSessionConflict:        KindValidation,
	CodeSessionTooLarge:        KindCapacity,
	CodeMaxSessionsExceeded:    KindCapacity,
	CodeRequestTimeout:         KindCapacity,
	CodeSkippedDiscovery:       KindWorkflow,
	CodeSkippedPlanning:        KindWorkflow,
	CodeInvalidTechnique:       KindWorkflow,
	CodeCircularDependency:     KindGraph,
	CodeDependenciesNotMet:     KindGraph,
	CodeUnknownDependency:      KindGraph,
	CodeGroupNotFound:          KindGraph,
	CodePersistenceWriteFailed: KindPersistence,
	CodePersistenceReadFailed:  KindPersistence,
	CodeInternal:               KindInternal,
}

// KindOf returns the kind a code belongs to.
func KindOf(code Code) Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindInternal
}

// Error is the structured error returned by every client-facing operation.
type Error struct {
	Kind          Kind           `json:"kind"`
	Code          Code           `json:"code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	Suggestions   []string       `json:"suggestions,omitempty"`
	Example       map[string]any `json:"example,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Cause         error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the operation may succeed if attempted again.
func (e *Error) Retryable() bool {
	return e.Kind == KindPersistence
}

// WithDetail adds a detail entry to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithSuggestions appends recovery suggestions.
func (e *Error) WithSuggestions(s ...string) *Error {
	e.Suggestions = append(e.Suggestions, s...)
	return e
}

// WithExample attaches an example payload the caller can send next.
func (e *Error) WithExample(example map[string]any) *Error {
	e.Example = example
	return e
}

// New creates an error with the kind implied by code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Kind: KindOf(code), Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error carrying cause.
func Wrap(cause error, code Code, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Cause = cause
	return e
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// From converts any error into an *Error fit for the client boundary.
// Unstructured errors become INTERNAL_ERROR with a fresh correlation id and
// their text withheld from the caller.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Internal(err)
}

// Internal wraps an unexpected failure with a correlation id.
func Internal(cause error) *Error {
	return &Error{
		Kind:          KindInternal,
		Code:          CodeInternal,
		Message:       "internal error",
		CorrelationID: uuid.NewString(),
		Cause:         cause,
	}
}
