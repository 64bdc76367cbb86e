package notifications

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/commitdiary/stepper/pkg/resilience"
)

// Service fans operational alerts out to the registered channels. It is a
// resilience.AlertHandler, so the AlertManager's rate limiting and async
// delivery sit in front of it.
type Service struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[NotificationChannelType]ChannelHandler
}

var _ resilience.AlertHandler = (*Service)(nil)

// NewService creates a notification service
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger:   logger,
		handlers: make(map[NotificationChannelType]ChannelHandler),
	}
}

// RegisterChannelHandler registers a handler for its channel type
func (s *Service) RegisterChannelHandler(handler ChannelHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[handler.GetChannelType()] = handler
}

// GetSupportedChannels returns the registered channel types
func (s *Service) GetSupportedChannels() []NotificationChannelType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]NotificationChannelType, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, t)
	}
	return types
}

// Name implements resilience.AlertHandler
func (s *Service) Name() string {
	return "notifications"
}

// HandleAlert sends the alert to every channel. It fails only when every
// channel failed.
func (s *Service) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	return s.Send(ctx, MessageFromAlert(alert))
}

// Send delivers message to every registered channel
func (s *Service) Send(ctx context.Context, message NotificationMessage) error {
	s.mu.RLock()
	handlers := make([]ChannelHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var failed int
	var lastErr error
	for _, h := range handlers {
		if err := h.Send(ctx, message); err != nil {
			failed++
			lastErr = err
			s.logger.Warn("Failed to send notification",
				zap.String("channel", string(h.GetChannelType())),
				zap.String("subject", message.Subject),
				zap.Error(err))
		}
	}

	if failed == len(handlers) {
		return fmt.Errorf("all %d notification channels failed: %w", failed, lastErr)
	}
	return nil
}

// MessageFromAlert converts an alert into a notification message
func MessageFromAlert(alert resilience.Alert) NotificationMessage {
	severity := SeverityInfo
	switch alert.Severity {
	case resilience.SeverityCritical:
		severity = SeverityCritical
	case resilience.SeverityWarning:
		severity = SeverityWarning
	}

	var metadata map[string]interface{}
	if len(alert.Metadata) > 0 {
		metadata = make(map[string]interface{}, len(alert.Metadata)+1)
		for k, v := range alert.Metadata {
			metadata[k] = v
		}
		metadata["timestamp"] = alert.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}

	return NotificationMessage{
		Subject:  alert.Title,
		Body:     alert.Description,
		Severity: severity,
		Metadata: metadata,
	}
}
