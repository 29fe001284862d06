package api

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
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

// AcceptedResponse sends a 202 Accepted response
func AcceptedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// StatusFromError maps an error to its HTTP status
func StatusFromError(err error) int {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Type {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorTypeCircuitOpen, errors.ErrorTypeExternal:
		return http.StatusServiceUnavailable
	case errors.ErrorTypeCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponseFromError sends an error response based on the error type.
// Internal errors never expose their message.
func ErrorResponseFromError(c *gin.Context, err error) {
	status := StatusFromError(err)

	apiError := &APIError{
		Code:    "INTERNAL_ERROR",
		Message: "An internal error occurred",
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && status != http.StatusInternalServerError {
		apiError.Code = appErr.Code
		apiError.Message = appErr.Message
		if len(appErr.Details) > 0 {
			apiError.Details = appErr.Details
		}
	}

	c.JSON(status, APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	ErrorResponseFromError(c, errors.NewValidationError(message))
}

// UnauthorizedResponse sends a 401 Unauthorized response
func UnauthorizedResponse(c *gin.Context, message string) {
	ErrorResponseFromError(c, errors.NewAuthenticationError(message))
}

// MethodNotAllowedResponse sends a 405 response listing the allowed methods
func MethodNotAllowedResponse(c *gin.Context, allowed string) {
	c.Header("Allow", allowed)
	c.JSON(http.StatusMethodNotAllowed, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "METHOD_NOT_ALLOWED",
			Message: "method not allowed",
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
