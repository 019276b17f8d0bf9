package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies an error for retry and containment logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed
	// on retry. Examples: network timeouts, temporary service
	// unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable failure. The
	// action fails and its transitive dependents are skipped.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassFatal indicates a planning-phase failure that aborts the
	// whole run before any provider call.
	ErrorClassFatal ErrorClass = "fatal"
)

// ReconcileError is a classified error with resource and operation
// context.
type ReconcileError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the identity that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Cycle carries the identities forming a dependency cycle for
	// ErrCodeDependencyCycle errors.
	Cycle []Identity `json:"cycle,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ReconcileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s", e.Resource)
		if e.Operation != "" {
			fmt.Fprintf(&b, ", operation=%s", e.Operation)
		}
		b.WriteString(")")
	}
	if len(e.Cycle) > 0 {
		ids := make([]string, len(e.Cycle))
		for i, id := range e.Cycle {
			ids[i] = id.String()
		}
		fmt.Fprintf(&b, ": %s", strings.Join(ids, " -> "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two reconcile errors
// match when class and code agree.
func (e *ReconcileError) Is(target error) bool {
	t, ok := target.(*ReconcileError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a transient error.
func NewTransientError(message string, err error) *ReconcileError {
	return &ReconcileError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a permanent error.
func NewPermanentError(message string, err error) *ReconcileError {
	return &ReconcileError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewSchemaViolation creates the fatal error for malformed or
// incomplete resource declarations.
func NewSchemaViolation(message string, id Identity) *ReconcileError {
	return &ReconcileError{
		Class:    ErrorClassFatal,
		Message:  message,
		Code:     ErrCodeSchemaViolation,
		Resource: id.String(),
	}
}

// NewDependencyCycle creates the fatal error for a cyclic configuration
// graph, carrying the identities on the cycle.
func NewDependencyCycle(cycle []Identity) *ReconcileError {
	return &ReconcileError{
		Class:   ErrorClassFatal,
		Message: "dependency cycle detected",
		Code:    ErrCodeDependencyCycle,
		Cycle:   cycle,
	}
}

// NewStateLocked creates the fatal error for a contended state lock.
func NewStateLocked(holder string, err error) *ReconcileError {
	return &ReconcileError{
		Class:   ErrorClassFatal,
		Message: fmt.Sprintf("state is locked by %s", holder),
		Code:    ErrCodeStateLocked,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *ReconcileError) WithResource(id Identity) *ReconcileError {
	e.Resource = id.String()
	return e
}

// WithOperation adds operation context to an error.
func (e *ReconcileError) WithOperation(operation string) *ReconcileError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *ReconcileError) WithCode(code string) *ReconcileError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *ReconcileError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *ReconcileError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsFatal returns true if the error aborts planning for the entire run.
func IsFatal(err error) bool {
	var e *ReconcileError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// IsStateLocked returns true for lock-contention failures, which the
// caller may retry after backoff.
func IsStateLocked(err error) bool {
	var e *ReconcileError
	if errors.As(err, &e) {
		return e.Code == ErrCodeStateLocked
	}
	return false
}

// Classify converts an arbitrary error into a ReconcileError. Already
// classified errors pass through; everything else is permanent.
func Classify(err error) *ReconcileError {
	if err == nil {
		return nil
	}
	var e *ReconcileError
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError("execution failed", err).WithCode(ErrCodeProviderFailed)
}

// Common error codes.
const (
	ErrCodeSchemaViolation  = "SCHEMA_VIOLATION"
	ErrCodeDependencyCycle  = "DEPENDENCY_CYCLE"
	ErrCodeStateLocked      = "STATE_LOCKED"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeCancelled        = "CANCELLED"
)
