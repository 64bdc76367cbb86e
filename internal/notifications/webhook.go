package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/resilience"
	"github.com/commitdiary/stepper/pkg/security"
)

// Job webhook statuses
const (
	WebhookStatusCompleted = "completed"
	WebhookStatusFailed    = "failed"
)

// WebhookPayload is the body POSTed to a job's callback URL
type WebhookPayload struct {
	JobID     string      `json:"jobId"`
	Status    string      `json:"status"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

var errInvalidWebhookRequest = stderrors.New("invalid webhook request")

// webhookStatusError carries a non-2xx response status
type webhookStatusError struct {
	status int
}

func (e *webhookStatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.status)
}

// WebhookSender delivers signed job webhooks
type WebhookSender struct {
	logger     *zap.Logger
	httpClient *http.Client
	config     config.WebhookConfig
	sleep      resilience.SleepFunc
	now        func() time.Time
}

// NewWebhookSender creates a webhook sender
func NewWebhookSender(cfg config.WebhookConfig, logger *zap.Logger) *WebhookSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookSender{
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		sleep:      resilience.SleepContext,
		now:        time.Now,
	}
}

// Send posts payload to url, retrying server errors, 408, 429 and network
// failures with a linear backoff
func (s *WebhookSender) Send(ctx context.Context, url string, payload WebhookPayload) error {
	if payload.Timestamp == 0 {
		payload.Timestamp = s.now().UnixMilli()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	retrier := resilience.NewRetrier(resilience.RetryConfig{
		MaxAttempts:     s.config.MaxRetries,
		Backoff:         resilience.LinearBackoff(s.config.RetryDelay),
		RetryableErrors: isRetryableWebhookError,
		Sleep:           s.sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.logger.Warn("Webhook delivery failed, retrying",
				zap.String("job_id", payload.JobID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	})

	return retrier.Execute(ctx, func(ctx context.Context) error {
		return s.post(ctx, url, body)
	})
}

func (s *WebhookSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidWebhookRequest, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Stepper/1.0")
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	if s.config.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Secret)
		req.Header.Set("X-Webhook-Signature", security.SignPayload(s.config.Secret, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &webhookStatusError{status: resp.StatusCode}
	}
	return nil
}

func isRetryableWebhookError(err error) bool {
	var statusErr *webhookStatusError
	if stderrors.As(err, &statusErr) {
		return statusErr.status >= 500 ||
			statusErr.status == http.StatusRequestTimeout ||
			statusErr.status == http.StatusTooManyRequests
	}
	if stderrors.Is(err, errInvalidWebhookRequest) || stderrors.Is(err, context.Canceled) {
		return false
	}
	// network error
	return err != nil
}

// NotifySuccess sends the completed webhook. Failures are logged only.
func (s *WebhookSender) NotifySuccess(ctx context.Context, url, jobID string, result interface{}) {
	s.notify(ctx, url, WebhookPayload{JobID: jobID, Status: WebhookStatusCompleted, Result: result})
}

// NotifyFailure sends the failed webhook. Failures are logged only.
func (s *WebhookSender) NotifyFailure(ctx context.Context, url, jobID, reason string) {
	s.notify(ctx, url, WebhookPayload{JobID: jobID, Status: WebhookStatusFailed, Error: reason})
}

func (s *WebhookSender) notify(ctx context.Context, url string, payload WebhookPayload) {
	if url == "" || !s.config.Enabled {
		return
	}
	if err := s.Send(ctx, url, payload); err != nil {
		s.logger.Error("Webhook delivery failed",
			zap.String("job_id", payload.JobID),
			zap.String("status", payload.Status),
			zap.String("url", maskURL(url)),
			zap.Error(err))
		return
	}
	s.logger.Info("Webhook delivered",
		zap.String("job_id", payload.JobID),
		zap.String("status", payload.Status))
}

func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
