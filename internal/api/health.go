package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/commitdiary/stepper/internal/orchestrator"
	"github.com/commitdiary/stepper/pkg/config"
)

// Version is reported by GET /
const Version = "1.0.0"

// HealthHandler reports provider availability. Degraded still answers 200.
func HealthHandler(service orchestrator.ReportService) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := service.Health(c.Request.Context())
		status := http.StatusOK
		if report.Status == orchestrator.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}

// RootHandler describes the service and its endpoints
func RootHandler(cfg config.APIConfig) gin.HandlerFunc {
	body := gin.H{
		"service": "stepper",
		"version": Version,
		"endpoints": gin.H{
			"POST /v1/reports":           "Enqueue report generation",
			"POST /v1/reports/immediate": "Generate report immediately",
			"GET /v1/reports/:jobId":     "Get job status",
			"DELETE /v1/reports":         "Purge a cached report",
			"GET /health":                "Health check",
			"GET /metrics":               "Prometheus metrics",
		},
		"security": gin.H{
			"cors":           cfg.CORS.Enabled,
			"rateLimit":      cfg.RateLimit.Enabled,
			"helmet":         cfg.HelmetEnabled,
			"apiKeyRequired": cfg.APIKey.Enabled,
		},
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, body)
	}
}
