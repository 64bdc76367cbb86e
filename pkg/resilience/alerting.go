package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	// SeverityInfo - informational alerts
	SeverityInfo AlertSeverity = iota
	// SeverityWarning - warning alerts that need attention
	SeverityWarning
	// SeverityCritical - critical alerts that need urgent attention
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert represents an operational alert
type Alert struct {
	ID          string                 `json:"id"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AlertHandler delivers alerts to one destination
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManager fans alerts out to its handlers, with a per-source rate limit
type AlertManager struct {
	mutex    sync.RWMutex
	handlers []AlertHandler
	logger   *logging.Logger

	limitMu       sync.Mutex
	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration

	// asyncTimeout bounds fire-and-forget deliveries
	asyncTimeout time.Duration
	inflight     sync.WaitGroup
}

// NewAlertManager creates a new alert manager
func NewAlertManager() *AlertManager {
	return &AlertManager{
		handlers:      make([]AlertHandler, 0),
		logger:        logging.GetLogger(),
		alertCounts:   make(map[string]int),
		lastReset:     time.Now(),
		rateLimit:     100,
		resetInterval: time.Hour,
		asyncTimeout:  15 * time.Second,
	}
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert sends an alert to all registered handlers. It fails only when
// every handler failed.
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	if !am.checkRateLimit(alert.Source) {
		am.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = fmt.Sprintf("%s-%d", alert.Source, alert.Timestamp.UnixNano())
	}

	am.mutex.RLock()
	handlers := make([]AlertHandler, len(am.handlers))
	copy(handlers, am.handlers)
	am.mutex.RUnlock()

	am.logger.Info("Sending alert",
		"id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
	)

	var lastErr error
	successCount := 0
	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}
	return nil
}

// SendAsync delivers an alert in the background. Errors are logged only.
func (am *AlertManager) SendAsync(alert Alert) {
	am.inflight.Add(1)
	go func() {
		defer am.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), am.asyncTimeout)
		defer cancel()
		if err := am.SendAlert(ctx, alert); err != nil {
			am.logger.Warn("Async alert delivery failed", "title", alert.Title, "error", err)
		}
	}()
}

// Wait blocks until background deliveries finish
func (am *AlertManager) Wait() {
	am.inflight.Wait()
}

func (am *AlertManager) checkRateLimit(source string) bool {
	am.limitMu.Lock()
	defer am.limitMu.Unlock()

	now := time.Now()
	if now.Sub(am.lastReset) >= am.resetInterval {
		am.alertCounts = make(map[string]int)
		am.lastReset = now
	}

	count := am.alertCounts[source]
	if count >= am.rateLimit {
		return false
	}
	am.alertCounts[source] = count + 1
	return true
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler() *LoggingAlertHandler {
	return &LoggingAlertHandler{logger: logging.GetLogger()}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
		"description", alert.Description,
	}
	for key, value := range alert.Tags {
		fields = append(fields, "tag_"+key, value)
	}
	for key, value := range alert.Metadata {
		fields = append(fields, "meta_"+key, value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	default:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}
	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// CriticalFailureCount is the consecutive failure count at which provider
// failure alerts escalate to critical
const CriticalFailureCount = 5

// ProviderFailureAlert describes a failed provider call
func ProviderFailureAlert(provider string, consecutiveErrors int64, err error) Alert {
	detail := "Unknown error"
	if err != nil {
		detail = err.Error()
	}
	severity := SeverityWarning
	if consecutiveErrors >= CriticalFailureCount {
		severity = SeverityCritical
	}
	return Alert{
		Severity:    severity,
		Title:       "AI Provider Failure",
		Description: fmt.Sprintf("Provider **%s** has failed %d times\n\n**Error Details:**\n`%s`", provider, consecutiveErrors, detail),
		Source:      "provider:" + provider,
		Tags: map[string]string{
			"provider":   provider,
			"error_code": string(errors.KindOf(err)),
		},
		Metadata: map[string]interface{}{
			"provider":   provider,
			"errorCount": consecutiveErrors,
			"error":      detail,
		},
	}
}

// BreakerStateAlert describes a circuit breaker transition
func BreakerStateAlert(name string, from, to CircuitState) Alert {
	alert := Alert{
		Source: "circuit:" + name,
		Tags: map[string]string{
			"provider":        name,
			"circuit_breaker": "true",
		},
		Metadata: map[string]interface{}{
			"provider": name,
			"from":     from.String(),
			"to":       to.String(),
		},
	}
	switch to {
	case StateOpen:
		alert.Severity = SeverityCritical
		alert.Title = "Circuit Breaker Opened"
		alert.Description = fmt.Sprintf("Circuit breaker for provider **%s** is now OPEN", name)
	case StateHalfOpen:
		alert.Severity = SeverityInfo
		alert.Title = "Circuit Breaker Half-Open"
		alert.Description = fmt.Sprintf("Circuit breaker for provider **%s** is probing", name)
	default:
		alert.Severity = SeverityInfo
		alert.Title = "Circuit Breaker Closed"
		alert.Description = fmt.Sprintf("Circuit breaker for provider **%s** recovered", name)
	}
	return alert
}

// BreakerAlerter returns an OnStateChange hook that forwards transitions to
// the alert manager without blocking the breaker
func BreakerAlerter(am *AlertManager) func(name string, from, to CircuitState) {
	return func(name string, from, to CircuitState) {
		if am == nil {
			return
		}
		am.SendAsync(BreakerStateAlert(name, from, to))
	}
}

// JobFailedAlert describes a job that exhausted its queue retries
func JobFailedAlert(jobID, fingerprint string, attempts int, reason string) Alert {
	return Alert{
		Severity:    SeverityCritical,
		Title:       "Job Failed Permanently",
		Description: fmt.Sprintf("Job %s failed after %d attempts: %s", jobID, attempts, reason),
		Source:      "queue",
		Metadata: map[string]interface{}{
			"jobId":    jobID,
			"cacheKey": fingerprint,
			"attempts": attempts,
			"error":    reason,
		},
	}
}
