// internal/utils/response.go
package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// APIResponse is the envelope every endpoint answers with. Success responses
// carry data (and meta for lists); failures carry a coded error. Clients
// branch on error.code, message text is for humans.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeSuccess(c *gin.Context, status int, data, meta interface{}) {
	c.JSON(status, APIResponse{Success: true, Data: data, Meta: meta})
}

func writeError(c *gin.Context, status int, code, message string, details interface{}) {
	c.JSON(status, APIResponse{
		Success: false,
		Error:   &APIError{Code: code, Message: message, Details: details},
	})
}

func orDefault(message, fallback string) string {
	if message == "" {
		return fallback
	}
	return message
}

func SuccessResponse(c *gin.Context, data interface{}) {
	writeSuccess(c, http.StatusOK, data, nil)
}

func SuccessResponseWithMeta(c *gin.Context, data interface{}, meta interface{}) {
	writeSuccess(c, http.StatusOK, data, meta)
}

func CreatedResponse(c *gin.Context, data interface{}) {
	writeSuccess(c, http.StatusCreated, data, nil)
}

func ErrorResponse(c *gin.Context, statusCode int, code, message string, details interface{}) {
	writeError(c, statusCode, code, message, details)
}

func BadRequestResponse(c *gin.Context, message string, details interface{}) {
	writeError(c, http.StatusBadRequest, "BAD_REQUEST", orDefault(message, "Invalid request"), details)
}

func UnauthorizedResponse(c *gin.Context, message string) {
	writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", orDefault(message, "Authentication required"), nil)
}

func ForbiddenResponse(c *gin.Context, message string) {
	writeError(c, http.StatusForbidden, "FORBIDDEN", orDefault(message, "Access denied"), nil)
}

func NotFoundResponse(c *gin.Context, resource string) {
	writeError(c, http.StatusNotFound, "NOT_FOUND", resource+" not found", nil)
}

func ConflictResponse(c *gin.Context, message string) {
	writeError(c, http.StatusConflict, "CONFLICT", message, nil)
}

// UnprocessableResponse is for requests that parse fine but break a business
// rule; the code names the rule (AMOUNT_BELOW_MINIMUM, UNKNOWN_EVENT_TYPE, ...).
func UnprocessableResponse(c *gin.Context, code, message string) {
	writeError(c, http.StatusUnprocessableEntity, code, message, nil)
}

func ServiceUnavailableResponse(c *gin.Context, message string) {
	writeError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", orDefault(message, "Service temporarily unavailable"), nil)
}

func InternalErrorResponse(c *gin.Context, message string) {
	writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", orDefault(message, "Internal server error"), nil)
}

func ValidationErrorResponse(c *gin.Context, errors []ValidationError) {
	writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid input", errors)
}

func PaginatedResponse(c *gin.Context, result PaginationResult) {
	SetPaginationHeaders(c, result)
	writeSuccess(c, http.StatusOK, result.Data, gin.H{
		"pagination": gin.H{
			"page":        result.Page,
			"limit":       result.Limit,
			"total":       result.Total,
			"total_pages": result.TotalPages,
		},
	})
}

func GetMerchantIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	value, exists := c.Get("merchant_id")
	if !exists {
		return uuid.Nil, false
	}
	id, ok := value.(uuid.UUID)
	return id, ok
}

func GetRoleFromContext(c *gin.Context) (string, bool) {
	value, exists := c.Get("role")
	if !exists {
		return "", false
	}
	role, ok := value.(string)
	return role, ok
}
