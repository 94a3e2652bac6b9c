package middleware

import (
	"bytes"
	"io"
	"net/http"

	"fieldsync/internal/observability"
	contextutils "fieldsync/internal/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// RequestValidationMiddleware validates JSON request bodies against a named
// schema and restores the body for the handler. Bodies larger than maxBytes
// are rejected.
func RequestValidationMiddleware(loader *SchemaLoader, schemaName string, maxBytes int64, logger *observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "request_validation",
			attribute.String("schema.name", schemaName),
		)
		defer span.End()

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes))
		if err != nil {
			HandleAppError(c, contextutils.NewAppErrorWithCause(contextutils.ErrorCodeInvalidInput, contextutils.SeverityWarn,
				"Request body could not be read", err.Error(), err))
			c.Abort()
			return
		}

		if err := loader.ValidateBytes(body, schemaName); err != nil {
			logger.Warn(ctx, "Request validation failed", map[string]interface{}{
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
				"schema": schemaName,
				"error":  err.Error(),
			})
			span.SetAttributes(attribute.Bool("validation.failed", true))
			HandleAppError(c, err)
			c.Abort()
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
