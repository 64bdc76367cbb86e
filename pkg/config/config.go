package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig     `json:"server"`
	Redis    RedisConfig      `json:"redis"`
	Cache    CacheConfig      `json:"cache"`
	Queue    QueueConfig      `json:"queue"`
	Retry    RetryConfig      `json:"retry"`
	Circuit  CircuitConfig    `json:"circuit"`
	Fallback FallbackConfig   `json:"fallback"`
	Webhook  WebhookConfig    `json:"webhook"`
	Alerting AlertingConfig   `json:"alerting"`
	Security SecurityConfig   `json:"security"`
	API      APIConfig        `json:"api"`
	Logging  LoggingConfig    `json:"logging"`
	Metrics  MetricsConfig    `json:"metrics"`
	Tracing  TracingConfig    `json:"tracing"`
	Providers []ProviderConfig `json:"providers"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Environment     string        `json:"environment"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	TrustProxy      bool          `json:"trust_proxy"`
	// EmbeddedWorkers runs the job workers inside the API process.
	EmbeddedWorkers bool `json:"embedded_workers"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	URL       string `json:"url"`
	KeyPrefix string `json:"key_prefix"`
	PoolSize  int    `json:"pool_size"`
}

// CacheConfig controls report cache lifetimes
type CacheConfig struct {
	TTL                  time.Duration `json:"ttl"`
	FailedTTL            time.Duration `json:"failed_ttl"`
	StaleThreshold       time.Duration `json:"stale_threshold"`
	StaleWhileRevalidate bool          `json:"stale_while_revalidate"`
	EncryptionKey        string        `json:"-"`
}

// QueueConfig controls the report-generation queue and its workers
type QueueConfig struct {
	Name            string        `json:"name"`
	Concurrency     int           `json:"concurrency"`
	MaxAttempts     int           `json:"max_attempts"`
	Backoff         time.Duration `json:"backoff"`
	JobTimeout      time.Duration `json:"job_timeout"`
	PollInterval    time.Duration `json:"poll_interval"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// RetryConfig controls per-provider retries
type RetryConfig struct {
	MaxAttemptsPerProvider int           `json:"max_attempts_per_provider"`
	BaseDelay              time.Duration `json:"base_delay"`
	MaxJitter              time.Duration `json:"max_jitter"`
	RateLimitFallback      time.Duration `json:"rate_limit_fallback"`
}

// CircuitConfig controls per-provider circuit breakers
type CircuitConfig struct {
	FailureThreshold         int           `json:"failure_threshold"`
	ErrorThresholdPercentage float64       `json:"error_threshold_percentage"`
	Window                   time.Duration `json:"window"`
	Cooldown                 time.Duration `json:"cooldown"`
}

// FallbackMode selects what happens once every provider has failed
type FallbackMode string

const (
	// FallbackModeTemplate synthesizes a deterministic report from the input.
	FallbackModeTemplate FallbackMode = "template"
	// FallbackModeFail returns an error so the queue retries the job.
	FallbackModeFail FallbackMode = "fail"
)

// FallbackConfig holds the terminal-failure policy
type FallbackConfig struct {
	Mode FallbackMode `json:"mode"`
}

// WebhookConfig controls outbound job webhooks
type WebhookConfig struct {
	Enabled    bool          `json:"enabled"`
	Secret     string        `json:"-"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
	Timeout    time.Duration `json:"timeout"`
}

// AlertingConfig holds operational alert destinations
type AlertingConfig struct {
	DiscordWebhookURL string `json:"-"`
	SlackWebhookURL   string `json:"-"`
	SlackChannel      string `json:"slack_channel"`
}

// SecurityConfig holds prompt hygiene settings
type SecurityConfig struct {
	RedactBeforeSend bool `json:"redact_before_send"`
}

// APIConfig holds HTTP middleware settings
type APIConfig struct {
	CORS           CORSConfig      `json:"cors"`
	RateLimit      RateLimitConfig `json:"rate_limit"`
	HelmetEnabled  bool            `json:"helmet_enabled"`
	APIKey         APIKeyConfig    `json:"api_key"`
	MaxRequestSize int64           `json:"max_request_size"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled          bool     `json:"enabled"`
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowCredentials bool     `json:"allow_credentials"`
}

// RateLimitConfig holds inbound request rate limits
type RateLimitConfig struct {
	Enabled     bool          `json:"enabled"`
	Window      time.Duration `json:"window"`
	MaxRequests int           `json:"max_requests"`
	MaxPerUser  int           `json:"max_per_user"`
	SkipHealth  bool          `json:"skip_health"`
}

// APIKeyConfig holds static API key authentication settings
type APIKeyConfig struct {
	Enabled    bool   `json:"enabled"`
	Key        string `json:"-"`
	Header     string `json:"header"`
	SkipHealth bool   `json:"skip_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	fallbackMode := FallbackMode(strings.ToLower(getEnvString("FALLBACK_MODE", "")))
	if fallbackMode == "" {
		fallbackMode = FallbackModeTemplate
		if !getEnvBool("FALLBACK_ENABLED", true) {
			fallbackMode = FallbackModeFail
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host:            getEnvString("HOST", "0.0.0.0"),
			Port:            getEnvInt("PORT", 3001),
			Environment:     getEnvString("ENVIRONMENT", "development"),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			TrustProxy:      getEnvBool("TRUST_PROXY", false),
			EmbeddedWorkers: getEnvBool("EMBEDDED_WORKERS", true),
		},
		Redis: RedisConfig{
			URL:       getEnvString("REDIS_URL", "redis://localhost:6379"),
			KeyPrefix: getEnvString("REDIS_KEY_PREFIX", "stepper:"),
			PoolSize:  getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Cache: CacheConfig{
			TTL:                  getEnvSeconds("CACHE_TTL_SECONDS", 172800),
			FailedTTL:            getEnvSeconds("CACHE_FAILED_TTL_SECONDS", 3600),
			StaleThreshold:       getEnvSeconds("CACHE_STALE_THRESHOLD", 86400),
			StaleWhileRevalidate: getEnvBool("CACHE_STALE_WHILE_REVALIDATE", true),
			EncryptionKey:        getEnvString("CACHE_ENCRYPTION_KEY", ""),
		},
		Queue: QueueConfig{
			Name:            getEnvString("QUEUE_NAME", "report-generation"),
			Concurrency:     getEnvInt("QUEUE_CONCURRENCY", 5),
			MaxAttempts:     getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
			Backoff:         getEnvMillis("QUEUE_BACKOFF_MS", 10000),
			JobTimeout:      getEnvDuration("QUEUE_JOB_TIMEOUT", 30*time.Minute),
			PollInterval:    getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			ShutdownTimeout: getEnvDuration("QUEUE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Retry: RetryConfig{
			MaxAttemptsPerProvider: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:              getEnvMillis("RETRY_BASE_DELAY_MS", 40000),
			MaxJitter:              getEnvMillis("RETRY_MAX_JITTER_MS", 10000),
			RateLimitFallback:      getEnvSeconds("RETRY_RATE_LIMIT_FALLBACK", 7200),
		},
		Circuit: CircuitConfig{
			FailureThreshold:         getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
			ErrorThresholdPercentage: getEnvFloat("CIRCUIT_ERROR_PERCENTAGE", 50),
			Window:                   getEnvSeconds("CIRCUIT_WINDOW_SECONDS", 300),
			Cooldown:                 getEnvSeconds("CIRCUIT_COOLDOWN_SECONDS", 300),
		},
		Fallback: FallbackConfig{Mode: fallbackMode},
		Webhook: WebhookConfig{
			Enabled:    getEnvBool("WEBHOOK_ENABLED", true),
			Secret:     getEnvString("WEBHOOK_SECRET", ""),
			MaxRetries: getEnvInt("WEBHOOK_MAX_RETRIES", 3),
			RetryDelay: getEnvMillis("WEBHOOK_RETRY_DELAY_MS", 5000),
			Timeout:    getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Alerting: AlertingConfig{
			DiscordWebhookURL: getEnvString("DISCORD_WEBHOOK_URL", ""),
			SlackWebhookURL:   getEnvString("SLACK_WEBHOOK_URL", ""),
			SlackChannel:      getEnvString("SLACK_CHANNEL", ""),
		},
		Security: SecurityConfig{
			RedactBeforeSend: getEnvBool("REDACT_BEFORE_SEND", true),
		},
		API: APIConfig{
			CORS: CORSConfig{
				Enabled:          getEnvBool("CORS_ENABLED", true),
				AllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
				AllowCredentials: getEnvBool("CORS_ALLOW_CREDENTIALS", false),
			},
			RateLimit: RateLimitConfig{
				Enabled:     getEnvBool("RATE_LIMIT_ENABLED", true),
				Window:      getEnvMillis("RATE_LIMIT_WINDOW_MS", 900000),
				MaxRequests: getEnvInt("RATE_LIMIT_MAX_REQUESTS", 100),
				MaxPerUser:  getEnvInt("RATE_LIMIT_MAX_PER_USER", 50),
				SkipHealth:  getEnvBool("RATE_LIMIT_SKIP_HEALTH", true),
			},
			HelmetEnabled: getEnvBool("HELMET_ENABLED", true),
			APIKey: APIKeyConfig{
				Enabled:    getEnvBool("API_KEY_ENABLED", false),
				Key:        getEnvString("STEPPER_API_KEY", ""),
				Header:     getEnvString("API_KEY_HEADER", "x-api-key"),
				SkipHealth: getEnvBool("API_KEY_SKIP_HEALTH", true),
			},
			MaxRequestSize: getEnvInt64("MAX_REQUEST_SIZE", 1<<20),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", ""),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			ServiceName:    getEnvString("TRACING_SERVICE_NAME", "stepper"),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 1.0),
		},
	}

	providers, err := LoadProviders(getEnvString("PROVIDERS_CONFIG_FILE", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}
	config.Providers = providers

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max attempts must be positive")
	}
	if c.Retry.MaxAttemptsPerProvider <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if c.Circuit.ErrorThresholdPercentage <= 0 || c.Circuit.ErrorThresholdPercentage > 100 {
		return fmt.Errorf("circuit error threshold percentage must be in (0, 100]")
	}
	switch c.Fallback.Mode {
	case FallbackModeTemplate, FallbackModeFail:
	default:
		return fmt.Errorf("unknown fallback mode: %q", c.Fallback.Mode)
	}
	for _, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// EnabledProviders returns the enabled providers in priority order
func (c *Config) EnabledProviders() []ProviderConfig {
	enabled := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	return enabled
}

// Address returns the listen address of the HTTP server
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvSeconds reads an integer number of seconds
func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

// getEnvMillis reads an integer number of milliseconds
func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
