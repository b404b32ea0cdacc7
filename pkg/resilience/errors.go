package resilience

import (
	stderrors "errors"
	"fmt"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
)

// RejectedError is returned when a circuit breaker refuses a call without
// invoking the operation.
type RejectedError struct {
	Breaker string
	State   CircuitState
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("service unavailable: circuit breaker '%s' is %s (%s)", e.Breaker, e.State, e.Reason)
}

// A rejection is classified as an unavailable external dependency that is
// not retried and can be served from fallback data.
func (e *RejectedError) Category() errors.ErrorType { return errors.ErrorTypeExternal }
func (e *RejectedError) Severity() errors.Severity  { return errors.SeverityHigh }
func (e *RejectedError) Retryable() bool            { return false }
func (e *RejectedError) Recoverable() bool          { return true }

// ExhaustedError is returned when every retry attempt failed.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsRejected reports whether err is, or wraps, a circuit breaker rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return stderrors.As(err, &rejected)
}

// IsExhausted reports whether err is, or wraps, an exhausted retry.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return stderrors.As(err, &exhausted)
}
