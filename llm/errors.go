package llm

import (
	"errors"
)

// Error types for classifying model-call failures. The fallback ladder keys
// its behavior off these classes: transient errors get exactly one immediate
// retry, timeouts and schema violations are never retried.

// TransientError represents a temporary failure (network, rate limit,
// provider 5xx) that may succeed on an immediate retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable once).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent failure (auth, bad request, unknown
// provider) that must not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// TimeoutError reports that a call exceeded its profile budget and was
// cancelled client-side. Retrying a timed-out call cannot help an
// interactive budget, so timeouts are never retried.
type TimeoutError struct {
	err error
}

func (e *TimeoutError) Error() string {
	return e.err.Error()
}

func (e *TimeoutError) Unwrap() error {
	return e.err
}

// NewTimeoutError wraps an error as a client-side timeout.
func NewTimeoutError(err error) error {
	return &TimeoutError{err: err}
}

// SchemaViolationError reports model output that failed validation against
// the task's expected structure. Distinct from transport failures; the same
// prompt is never retried, but the violation is flagged in audit as a
// quality signal.
type SchemaViolationError struct {
	err error
}

func (e *SchemaViolationError) Error() string {
	return e.err.Error()
}

func (e *SchemaViolationError) Unwrap() error {
	return e.err
}

// NewSchemaViolationError wraps an error as a schema violation.
func NewSchemaViolationError(err error) error {
	return &SchemaViolationError{err: err}
}

// IsTransient returns true if the error is transient and may be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and must not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsTimeout returns true if the call was cancelled for exceeding its budget.
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}

// IsSchemaViolation returns true if the model output failed validation.
func IsSchemaViolation(err error) bool {
	var violation *SchemaViolationError
	return errors.As(err, &violation)
}
