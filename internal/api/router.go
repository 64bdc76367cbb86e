package api

import (
	"github.com/gin-gonic/gin"

	"github.com/commitdiary/stepper/internal/orchestrator"
	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/health"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/metrics"
	"github.com/commitdiary/stepper/pkg/security"
	"github.com/commitdiary/stepper/pkg/tracing"
)

const defaultMaxRequestSize = 10 << 20

// RouterDeps are the collaborators of the HTTP API. Health, Metrics, Tracer
// and RateLimiter may be nil.
type RouterDeps struct {
	Config      *config.Config
	Service     orchestrator.ReportService
	Health      *health.Service
	Metrics     *metrics.Metrics
	Tracer      *tracing.TracingService
	RateLimiter *security.RateLimiter
	Logger      *logging.Logger
}

// NewRouter creates and configures the API router
func NewRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if !cfg.Server.TrustProxy {
		_ = router.SetTrustedProxies(nil)
	}

	router.Use(RequestIDMiddleware())
	router.Use(RecoveryMiddleware(logger, deps.Metrics))
	router.Use(LoggingMiddleware(logger))
	if deps.Tracer != nil {
		router.Use(deps.Tracer.TracingMiddleware())
	}
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
	}
	if cfg.API.HelmetEnabled {
		router.Use(security.SecurityHeadersMiddleware(security.DefaultSecurityHeadersConfig()))
	}
	if cfg.API.CORS.Enabled {
		router.Use(security.CORSMiddleware(security.CORSConfig{
			AllowedOrigins:   cfg.API.CORS.AllowedOrigins,
			AllowCredentials: cfg.API.CORS.AllowCredentials,
		}))
	}
	if deps.RateLimiter != nil {
		router.Use(deps.RateLimiter.IPMiddleware())
	}
	router.Use(security.APIKeyMiddleware(security.APIKeyConfig{
		Enabled:    cfg.API.APIKey.Enabled,
		Key:        cfg.API.APIKey.Key,
		HeaderName: cfg.API.APIKey.Header,
		SkipHealth: cfg.API.APIKey.SkipHealth,
	}, logger))

	maxSize := cfg.API.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	router.Use(security.RequestSizeMiddleware(maxSize))

	router.GET("/", RootHandler(cfg.API))
	router.GET("/health", HealthHandler(deps.Service))
	if deps.Health != nil {
		router.GET("/health/live", deps.Health.LivenessHandler())
		router.GET("/health/ready", deps.Health.ReadinessHandler())
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	reports := NewReportHandler(deps.Service, logger)
	v1 := router.Group("/v1")
	{
		userLimited := v1.Group("")
		if deps.RateLimiter != nil {
			userLimited.Use(deps.RateLimiter.UserMiddleware())
		}
		userLimited.POST("/reports", reports.CreateReport)
		userLimited.POST("/reports/immediate", reports.CreateImmediateReport)

		v1.GET("/reports/:jobId", reports.GetReport)
		v1.DELETE("/reports", reports.DeleteReport)
	}

	router.NoRoute(func(c *gin.Context) {
		notFound(c, "Endpoint not found")
	})

	return router
}
