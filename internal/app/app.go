// Package app wires the report pipeline from configuration. Both binaries
// build on it: the API server with or without embedded workers, and the
// standalone worker process.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/commitdiary/stepper/internal/api"
	"github.com/commitdiary/stepper/internal/cache"
	"github.com/commitdiary/stepper/internal/notifications"
	"github.com/commitdiary/stepper/internal/notifications/channels"
	"github.com/commitdiary/stepper/internal/orchestrator"
	"github.com/commitdiary/stepper/internal/providers"
	"github.com/commitdiary/stepper/internal/queue"
	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/health"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/metrics"
	"github.com/commitdiary/stepper/pkg/resilience"
	"github.com/commitdiary/stepper/pkg/security"
	"github.com/commitdiary/stepper/pkg/tracing"
)

const (
	queueSizeInterval = 15 * time.Second
	cleanupInterval   = 30 * time.Second
)

// Options selects the parts of the pipeline a process runs
type Options struct {
	// Workers consumes report jobs in this process
	Workers bool
}

// App holds every long-lived component of one process
type App struct {
	Config       *config.Config
	Logger       *logging.Logger
	Redis        *queue.RedisClient
	Queue        *queue.Queue
	Cache        *cache.ReportCache
	Orchestrator *orchestrator.Orchestrator
	Service      *orchestrator.Service
	Metrics      *metrics.Metrics
	Tracer       *tracing.TracingService
	Alerts       *resilience.AlertManager
	Health       *health.Service
	RateLimiter  *security.RateLimiter

	zap       *zap.Logger
	collector *metrics.MetricsCollector
	cancel    context.CancelFunc
}

// New builds the logger, Redis connection, provider pool, cache, queue and
// service described by cfg. Nothing is started.
func New(cfg *config.Config, opts Options) (*App, error) {
	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "stepper",
		Version:     api.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to create notification logger: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, zap: zapLogger}

	a.Tracer, err = tracing.NewTracingService(&tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: api.Version,
		Environment:    cfg.Server.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewMetrics(&metrics.Config{
			Namespace: cfg.Metrics.Namespace,
			Enabled:   true,
		})
	}

	a.Redis, err = queue.NewRedisClient(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("Redis connection established", "url", security.RedactSecrets(cfg.Redis.URL))

	a.Health = health.NewService(logger, nil)
	a.Health.RegisterChecker("redis", health.NewRedisChecker(a.Redis, "redis"))

	a.Alerts = newAlertManager(cfg.Alerting, zapLogger)

	pool, err := orchestrator.NewPoolFromConfig(cfg.Providers,
		providers.Options{Redact: cfg.Security.RedactBeforeSend, Logger: logger},
		orchestrator.RuntimeOptions{
			Retry:   cfg.Retry,
			Circuit: cfg.Circuit,
			Alerts:  a.Alerts,
			Logger:  logger,
		})
	if err != nil {
		a.Redis.Close()
		return nil, fmt.Errorf("failed to build provider pool: %w", err)
	}
	if len(pool.Runtimes()) == 0 {
		logger.Warn("No providers enabled, every report will use the fallback policy")
	}

	a.Orchestrator = orchestrator.NewOrchestrator(pool, orchestrator.Config{
		FallbackMode: cfg.Fallback.Mode,
		Alerts:       a.Alerts,
		Metrics:      a.Metrics,
		Tracer:       a.Tracer,
		Logger:       logger,
	})

	a.Health.RegisterChecker("providers", a.Orchestrator.ProviderChecker())

	a.Cache = cache.NewReportCache(a.Redis, cfg.Cache, cfg.Redis.KeyPrefix, logger)
	a.Queue = queue.NewQueue(a.Redis, cfg.Queue.Name, queue.DefaultQueueConfig(), logger)

	var worker *queue.Worker
	if opts.Workers {
		worker = queue.NewWorker(a.Queue, queue.WorkerConfig{
			Concurrency:     cfg.Queue.Concurrency,
			PollInterval:    cfg.Queue.PollInterval,
			CleanupInterval: cleanupInterval,
			ShutdownTimeout: cfg.Queue.ShutdownTimeout,
		}, logger)
		worker.RegisterHandler(orchestrator.JobTypeReport, orchestrator.NewReportJobHandler(orchestrator.HandlerDeps{
			Orchestrator: a.Orchestrator,
			Cache:        a.Cache,
			Queue:        a.Queue,
			Webhooks:     notifications.NewWebhookSender(cfg.Webhook, zapLogger),
			Alerts:       a.Alerts,
			Metrics:      a.Metrics,
			Tracer:       a.Tracer,
			LockTTL:      cfg.Queue.JobTimeout,
			Logger:       logger,
		}))
	}

	a.Service = orchestrator.NewService(orchestrator.ServiceDeps{
		Orchestrator: a.Orchestrator,
		Cache:        a.Cache,
		Queue:        a.Queue,
		Worker:       worker,
		Metrics:      a.Metrics,
		Config:       cfg.Queue,
		Logger:       logger,
	})

	rl := cfg.API.RateLimit
	a.RateLimiter = security.NewRateLimiter(security.RateLimitConfig{
		Enabled:     rl.Enabled,
		Window:      rl.Window,
		MaxPerIP:    rl.MaxRequests,
		MaxPerUser:  rl.MaxPerUser,
		SkipHealth:  rl.SkipHealth,
		RedisClient: a.Redis.Client(),
		KeyPrefix:   cfg.Redis.KeyPrefix + "ratelimit:",
	}, logger)

	if a.Metrics != nil {
		a.collector = metrics.NewMetricsCollector(a.Metrics, a.Queue, queueSizeInterval)
	}

	logger.Info("Report pipeline initialized",
		"providers", pool.Names(),
		"fallback_mode", string(cfg.Fallback.Mode),
		"workers", opts.Workers,
	)
	return a, nil
}

// newAlertManager logs every alert and forwards them to Discord and Slack
// when those are configured
func newAlertManager(cfg config.AlertingConfig, zapLogger *zap.Logger) *resilience.AlertManager {
	am := resilience.NewAlertManager()
	am.AddHandler(resilience.NewLoggingAlertHandler())

	if cfg.DiscordWebhookURL == "" && cfg.SlackWebhookURL == "" {
		return am
	}

	notifier := notifications.NewService(zapLogger)
	if cfg.DiscordWebhookURL != "" {
		notifier.RegisterChannelHandler(channels.NewDiscordHandler(cfg.DiscordWebhookURL, zapLogger))
	}
	if cfg.SlackWebhookURL != "" {
		notifier.RegisterChannelHandler(channels.NewSlackHandler(cfg.SlackWebhookURL, cfg.SlackChannel, zapLogger))
	}
	am.AddHandler(notifier)
	return am
}

// Start launches the embedded workers, if any, and the queue size sampler
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.Service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	if a.collector != nil {
		go a.collector.Start(ctx)
	}
	return nil
}

// Close stops the workers, drains pending alerts and releases connections
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.collector != nil {
		a.collector.Stop()
	}
	record(a.Service.Stop(ctx))
	if a.cancel != nil {
		a.cancel()
	}

	a.Alerts.Wait()
	record(a.Tracer.Shutdown(ctx))
	record(a.Redis.Close())
	_ = a.zap.Sync()

	return firstErr
}
