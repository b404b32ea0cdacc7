package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/resilience"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// StatusCode maps an error onto the HTTP status returned for it.
func StatusCode(err error) int {
	if resilience.IsRejected(err) {
		return http.StatusServiceUnavailable
	}

	switch errors.GetType(err) {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorTypeExternal, errors.ErrorTypeNetwork,
		errors.ErrorTypeAuthentication, errors.ErrorTypeAuthorization:
		// Credential problems belong to the upstream source, not the caller
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponseFromError sends an error response based on the error type
func ErrorResponseFromError(c *gin.Context, err error) {
	apiError := &APIError{
		Code:    errors.GetCode(err),
		Message: "An unknown error occurred",
	}

	var appErr *errors.AppError
	var rejected *resilience.RejectedError
	switch {
	case errors.As(err, &rejected):
		apiError.Code = "DEPENDENCY_UNAVAILABLE"
		apiError.Message = rejected.Error()
		apiError.Details = map[string]string{"service": rejected.Breaker}
	case errors.As(err, &appErr):
		apiError.Message = appErr.Message
		if len(appErr.Details) > 0 {
			apiError.Details = make(map[string]string, len(appErr.Details))
			for k, v := range appErr.Details {
				apiError.Details[k] = v
			}
		}
	}

	c.JSON(StatusCode(err), APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
