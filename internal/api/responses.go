package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bastionlabs/bastion/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error payload
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func requestID(c *gin.Context) string {
	if v, ok := c.Get("request_id"); ok {
		if id, ok := v.(string); ok {
			return id
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

// ErrorResponseFromError maps an application error to an HTTP response
func ErrorResponseFromError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrorTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrorTypeCircuitOpen, errors.ErrorTypeUnavailable, errors.ErrorTypeTransient, errors.ErrorTypeFallback:
		status = http.StatusServiceUnavailable
	case errors.ErrorTypeTimeout:
		status = http.StatusGatewayTimeout
	}

	c.JSON(status, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    errors.GetCode(err),
			Message: err.Error(),
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// NotFoundResponse sends a 404 response
func NotFoundResponse(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "NOT_FOUND",
			Message: message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
