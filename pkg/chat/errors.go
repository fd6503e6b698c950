package chat

import (
	"errors"
	"fmt"
)

// Request-level error taxonomy. Only the kind and a fixed user-safe
// string ever cross the service boundary; wrapped detail is for logs.
var (
	// ErrOrchestratorUnavailable means the circuit breaker is open and
	// the cool-down has not elapsed. Reported with the generic
	// user-safe message, never retried within this request.
	ErrOrchestratorUnavailable = errors.New("orchestrator unavailable")
	// ErrOrchestratorCall means a network or 5xx failure from a closed
	// breaker. Counts toward the breaker threshold.
	ErrOrchestratorCall = errors.New("orchestrator call failed")
	// ErrPersistence means a storage write failed. Propagated as a
	// hard failure of the whole request with no partial-state cleanup.
	ErrPersistence = errors.New("persistence failed")
)

// ValidationError reports a missing or malformed request field. It is
// returned immediately and never retried.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s is required", e.Field)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a missing-session lookup failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// UserSafeMessage is the only failure text shown to customers. The
// underlying cause is logged, never returned verbatim.
const UserSafeMessage = "Unable to process your request at the moment. Please try again later."
