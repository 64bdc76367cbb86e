package security

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SecurityHeadersConfig holds configuration for security headers
type SecurityHeadersConfig struct {
	CSPDirectives map[string][]string

	HSTSMaxAge            int
	HSTSIncludeSubdomains bool

	ReferrerPolicy        string
	XFrameOptions         string
	XPermittedCrossDomain string
}

// DefaultSecurityHeadersConfig returns the header set applied to every API
// response
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		CSPDirectives: map[string][]string{
			"default-src": {"'self'"},
			"script-src":  {"'self'"},
			"style-src":   {"'self'", "'unsafe-inline'"},
			"img-src":     {"'self'", "data:", "https:"},
		},
		HSTSMaxAge:            15552000, // 180 days
		HSTSIncludeSubdomains: true,
		ReferrerPolicy:        "no-referrer",
		XFrameOptions:         "SAMEORIGIN",
		XPermittedCrossDomain: "none",
	}
}

// SecurityHeadersMiddleware returns a Gin middleware that sets security headers
func SecurityHeadersMiddleware(config SecurityHeadersConfig) gin.HandlerFunc {
	csp := buildCSP(config.CSPDirectives)
	hsts := buildHSTS(config.HSTSMaxAge, config.HSTSIncludeSubdomains)

	return func(c *gin.Context) {
		if csp != "" {
			c.Header("Content-Security-Policy", csp)
		}
		if hsts != "" {
			c.Header("Strict-Transport-Security", hsts)
		}
		if config.ReferrerPolicy != "" {
			c.Header("Referrer-Policy", config.ReferrerPolicy)
		}
		if config.XFrameOptions != "" {
			c.Header("X-Frame-Options", config.XFrameOptions)
		}
		if config.XPermittedCrossDomain != "" {
			c.Header("X-Permitted-Cross-Domain-Policies", config.XPermittedCrossDomain)
		}
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-DNS-Prefetch-Control", "off")
		c.Header("X-Download-Options", "noopen")
		c.Header("Cross-Origin-Opener-Policy", "same-origin")
		c.Header("Cross-Origin-Resource-Policy", "same-origin")
		c.Header("X-XSS-Protection", "0")

		c.Next()
	}
}

// CORSConfig lists the origins allowed to call the API
type CORSConfig struct {
	AllowedOrigins   []string
	AllowCredentials bool
}

// CORSMiddleware allows the configured origins. "*" allows every origin.
// Requests without an Origin header pass through untouched.
func CORSMiddleware(config CORSConfig) gin.HandlerFunc {
	allowed := make(map[string]bool, len(config.AllowedOrigins))
	wildcard := false
	for _, origin := range config.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = true
	}

	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return wildcard || allowed[origin]
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Authorization", "x-api-key", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Remaining"},
		AllowCredentials: config.AllowCredentials,
		MaxAge:           24 * time.Hour,
	})
}

// RequestSizeMiddleware limits the size of request bodies
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":    "Request body too large",
				"max_size": maxSize,
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// buildCSP constructs a Content Security Policy header value with directives
// in a stable order
func buildCSP(directives map[string][]string) string {
	names := make([]string, 0, len(directives))
	for name, sources := range directives {
		if len(sources) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+strings.Join(directives[name], " "))
	}
	return strings.Join(parts, "; ")
}

func buildHSTS(maxAge int, includeSubdomains bool) string {
	if maxAge <= 0 {
		return ""
	}
	hsts := fmt.Sprintf("max-age=%d", maxAge)
	if includeSubdomains {
		hsts += "; includeSubDomains"
	}
	return hsts
}
