// Package errors provides structured error handling for Sketchflow.
// It implements coded errors with context for programmatic handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies an error class for programmatic handling.
type Code string

const (
	// Ingestion errors (1xx)
	CodeIngestIO         Code = "E101" // transient adapter write failure, caller may retry
	CodeInvalidEvent     Code = "E102"
	CodeDuplicateBatch   Code = "E103"
	CodeUnknownTimeline  Code = "E104"
	CodeInvalidTimestamp Code = "E105"
	CodeMissingColumn    Code = "E106"

	// Registry/scheduling errors (2xx)
	CodeCycle           Code = "E201"
	CodeUnknownAnalyzer Code = "E202"
	CodeDuplicateName   Code = "E203"

	// Execution errors (3xx)
	CodeAnalyzerTransient Code = "E301"
	CodeAnalyzerTerminal  Code = "E302"
	CodeTimeout           Code = "E303"
	CodeCancelled         Code = "E304"
	CodeSkippedDependency Code = "E305"

	// Store consistency errors (4xx)
	CodeStaleSession      Code = "E401"
	CodeIllegalTransition Code = "E402"
	CodeSessionNotFound   Code = "E403"
	CodeDuplicateSession  Code = "E404"
	CodeStoreIO           Code = "E405"

	// Unknown
	CodeUnknown Code = "E999"
)

// Error is the base error type for all Sketchflow errors.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, v))
			first = false
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// IsCode checks whether an error carries a specific code.
func IsCode(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// GetCode extracts the code from an error.
func GetCode(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether the failure is transient: the session (or
// ingest batch) may be retried without operator intervention.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeIngestIO, CodeAnalyzerTransient, CodeTimeout:
		return true
	default:
		return false
	}
}

// IsConsistency reports whether the error is an optimistic-concurrency
// guard: the writer must re-read and re-evaluate, never overwrite.
func IsConsistency(err error) bool {
	switch GetCode(err) {
	case CodeStaleSession, CodeIllegalTransition:
		return true
	default:
		return false
	}
}

// --- Convenience constructors ---

// IngestIO creates a transient ingest I/O error.
func IngestIO(err error, timelineID string) *Error {
	return Wrap(err, CodeIngestIO, "event store write failed").
		WithContext("timeline", timelineID)
}

// Cycle creates a dependency-cycle error.
func Cycle(path []string) *Error {
	return New(CodeCycle, "analyzer dependency cycle").
		WithContext("path", strings.Join(path, " -> "))
}

// UnknownAnalyzer creates an unknown-analyzer error.
func UnknownAnalyzer(name string) *Error {
	return New(CodeUnknownAnalyzer, "analyzer not registered").
		WithContext("analyzer", name)
}

// StaleSession creates a version-mismatch error.
func StaleSession(sessionID string, want, got int64) *Error {
	return New(CodeStaleSession, "session version mismatch").
		WithContext("session", sessionID).
		WithContext("want", want).
		WithContext("got", got)
}

// IllegalTransition creates a state-machine violation error.
func IllegalTransition(sessionID, from, to string) *Error {
	return New(CodeIllegalTransition, "illegal session transition").
		WithContext("session", sessionID).
		WithContext("from", from).
		WithContext("to", to)
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
