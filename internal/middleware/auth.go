// Package middleware provides authentication, validation and recovery middleware for the Gin web framework.
package middleware

import (
	"strings"

	contextutils "fieldsync/internal/utils"

	"github.com/gin-gonic/gin"
)

// DeviceIDKey is the gin context key holding the authenticated device id
const DeviceIDKey = "device_id"

// TokenVerifier checks a bearer token and returns the device it was issued to
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// RequireDeviceToken returns a middleware that requires a valid bearer device token
func RequireDeviceToken(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			HandleAppError(c, contextutils.WrapError(contextutils.ErrUnauthorized, "bearer token required"))
			c.Abort()
			return
		}

		deviceID, err := verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			HandleAppError(c, err)
			c.Abort()
			return
		}

		c.Set(DeviceIDKey, deviceID)
		c.Request = c.Request.WithContext(contextutils.WithDeviceID(c.Request.Context(), deviceID))
		c.Next()
	}
}

// DeviceID returns the authenticated device id, or "" outside RequireDeviceToken
func DeviceID(c *gin.Context) string {
	return c.GetString(DeviceIDKey)
}
