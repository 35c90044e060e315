package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/temcen/bookrex/internal/validation"
)

const maxBodyBytes = 64 << 10

// ValidateBody checks a JSON request body against a named schema and
// restores it for the handler.
func ValidateBody(validator *validation.SchemaValidator, schemaName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ct := c.GetHeader("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
			abortWithError(c, http.StatusUnsupportedMediaType, "INVALID_CONTENT_TYPE", "Content-Type must be application/json")
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "BODY_READ_ERROR", "Failed to read request body")
			return
		}
		if len(bodyBytes) > maxBodyBytes {
			abortWithError(c, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body is too large")
			return
		}
		if len(bodyBytes) == 0 {
			abortWithError(c, http.StatusBadRequest, "EMPTY_BODY", "Request body is required")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		result := validator.ValidateJSON(schemaName, bodyBytes)
		if !result.Valid {
			apiError := result.ToAPIError()
			if errorObj, ok := apiError["error"].(map[string]interface{}); ok {
				errorObj["request_id"] = c.GetString("request_id")
				errorObj["path"] = c.Request.URL.Path
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, apiError)
			return
		}

		c.Next()
	}
}
