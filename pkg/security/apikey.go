package security

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/commitdiary/stepper/pkg/logging"
)

// APIKeyConfig controls shared-key authentication
type APIKeyConfig struct {
	Enabled    bool
	Key        string
	HeaderName string
	SkipHealth bool
}

// IsHealthPath reports whether path is one of the unauthenticated probe
// endpoints
func IsHealthPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/") || path == "/metrics" || path == "/"
}

// APIKeyMiddleware rejects requests that do not carry the configured key
func APIKeyMiddleware(config APIKeyConfig, logger *logging.Logger) gin.HandlerFunc {
	header := config.HeaderName
	if header == "" {
		header = "x-api-key"
	}

	return func(c *gin.Context) {
		if !config.Enabled || (config.SkipHealth && IsHealthPath(c.Request.URL.Path)) {
			c.Next()
			return
		}

		if config.Key == "" {
			logger.Error("API key authentication is enabled but STEPPER_API_KEY is not set")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Server configuration error",
			})
			return
		}

		provided := c.GetHeader(header)
		if provided == "" {
			logger.Warn("Missing API key", "path", c.Request.URL.Path, "ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": fmt.Sprintf("Missing API key. Include it in the '%s' header.", header),
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(config.Key)) != 1 {
			logger.Warn("Invalid API key", "path", c.Request.URL.Path, "ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "Invalid API key.",
			})
			return
		}

		c.Next()
	}
}
