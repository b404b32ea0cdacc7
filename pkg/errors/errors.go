package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the category of an error
type ErrorType string

const (
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeAnalysis           ErrorType = "analysis"
	ErrorTypeExternal           ErrorType = "external_service"
	ErrorTypeResourceExhaustion ErrorType = "resource_exhaustion"
	ErrorTypeConfiguration      ErrorType = "configuration"
	ErrorTypeNetwork            ErrorType = "network"
	ErrorTypeRateLimit          ErrorType = "rate_limit"
	ErrorTypeAuthentication     ErrorType = "authentication"
	ErrorTypeAuthorization      ErrorType = "authorization"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeTimeout            ErrorType = "timeout"
	ErrorTypeInternal           ErrorType = "internal"
)

// Severity is the impact tier of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Classified is implemented by errors that carry enough information for the
// resilience layer to decide whether to retry, degrade or surface them.
type Classified interface {
	error
	Category() ErrorType
	Severity() Severity
	Retryable() bool
	Recoverable() bool
}

// AppError represents an application error with context
type AppError struct {
	Type       ErrorType         `json:"type"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Level      Severity          `json:"severity"`
	CanRetry   bool              `json:"retryable"`
	CanRecover bool              `json:"recoverable"`
	Details    map[string]string `json:"details,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Cause      error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) Category() ErrorType { return e.Type }
func (e *AppError) Severity() Severity  { return e.Level }
func (e *AppError) Retryable() bool     { return e.CanRetry }
func (e *AppError) Recoverable() bool   { return e.CanRecover }

// NewAppError creates a new application error classified with the defaults
// for its type.
func NewAppError(errorType ErrorType, code, message string) *AppError {
	class := defaultClassification(errorType)
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Level:      class.severity,
		CanRetry:   class.retryable,
		CanRecover: class.recoverable,
		Details:    make(map[string]string),
		Timestamp:  time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRequestID adds a request ID to the error
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// WithSeverity overrides the default severity
func (e *AppError) WithSeverity(severity Severity) *AppError {
	e.Level = severity
	return e
}

// WithRetryable overrides the default retry classification
func (e *AppError) WithRetryable(retryable bool) *AppError {
	e.CanRetry = retryable
	return e
}

// WithRecoverable overrides the default recoverability
func (e *AppError) WithRecoverable(recoverable bool) *AppError {
	e.CanRecover = recoverable
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewAnalysisError(message string) *AppError {
	return NewAppError(ErrorTypeAnalysis, "ANALYSIS_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewResourceExhaustionError(resource, message string) *AppError {
	return NewAppError(ErrorTypeResourceExhaustion, "RESOURCE_EXHAUSTED", message).
		WithDetail("resource", resource)
}

func NewConfigurationError(message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, "CONFIGURATION_ERROR", message)
}

func NewNetworkError(message string) *AppError {
	return NewAppError(ErrorTypeNetwork, "NETWORK_ERROR", message)
}

func NewRateLimitError(message string) *AppError {
	return NewAppError(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", message)
}

func NewAuthenticationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthentication, "AUTHENTICATION_ERROR", message)
}

func NewAuthorizationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthorization, "AUTHORIZATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// NewRuleSourceError reports a failure of the remote rule source.
func NewRuleSourceError(source, message string) *AppError {
	return NewExternalError(source, message).WithDetail("component", "rule_source")
}

// asClassified finds the outermost classified error in the chain.
func asClassified(err error) (Classified, bool) {
	if err == nil {
		return nil, false
	}
	var c Classified
	if stderrors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if c, ok := asClassified(err); ok {
		return c.Category() == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's classified
func GetType(err error) ErrorType {
	if c, ok := asClassified(err); ok {
		return c.Category()
	}
	return ErrorTypeInternal
}

// GetSeverity returns the severity of err. Unclassified errors are treated as
// medium severity.
func GetSeverity(err error) Severity {
	if c, ok := asClassified(err); ok {
		return c.Severity()
	}
	return SeverityMedium
}

// IsRetryable reports whether err may succeed when attempted again.
// Unclassified errors are assumed to be transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if c, ok := asClassified(err); ok {
		return c.Retryable()
	}
	return true
}

// IsRecoverable reports whether the service can keep running in a reduced
// mode after err. Unclassified errors are assumed recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	if c, ok := asClassified(err); ok {
		return c.Recoverable()
	}
	return true
}

// IsCritical reports whether err carries critical severity.
func IsCritical(err error) bool {
	return err != nil && GetSeverity(err) >= SeverityCritical
}

// Is and As re-export the standard library helpers so callers that import
// this package under the name errors still have them.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// New returns a plain error.
func New(text string) error { return stderrors.New(text) }
