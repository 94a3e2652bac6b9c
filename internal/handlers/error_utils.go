package handlers

import (
	"fmt"
	"strconv"

	"fieldsync/internal/middleware"
	contextutils "fieldsync/internal/utils"

	"github.com/gin-gonic/gin"
)

// HandleAppError sends the structured error response for err
func HandleAppError(c *gin.Context, err error) {
	middleware.HandleAppError(c, err)
}

// HandleValidationError handles input validation errors consistently
func HandleValidationError(c *gin.Context, field string, value interface{}, reason string) {
	appErr := contextutils.NewAppError(
		contextutils.ErrorCodeInvalidInput,
		contextutils.SeverityWarn,
		fmt.Sprintf("Invalid %s", field),
		fmt.Sprintf("Value '%v' is invalid: %s", value, reason),
	)

	middleware.StandardizeAppError(c, appErr)
}

// bindJSON decodes the request body into dst and writes a 400 when it cannot.
// It reports whether the handler should continue.
func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		middleware.StandardizeAppError(c, contextutils.NewAppErrorWithCause(
			contextutils.ErrorCodeInvalidInput,
			contextutils.SeverityWarn,
			"Invalid request body",
			err.Error(),
			err,
		))
		return false
	}
	return true
}

// queryInt parses an optional positive integer query parameter
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		HandleValidationError(c, name, raw, "must be a positive integer")
		return 0, false
	}
	return n, true
}
