package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/commitdiary/stepper/internal/notifications"
)

// Discord embed colours
const (
	colorCritical = 0xff0000
	colorWarning  = 0xffa500
	colorInfo     = 0x00ff00
)

// DiscordHandler posts operational alerts to a Discord webhook
type DiscordHandler struct {
	webhookURL string
	logger     *zap.Logger
	httpClient *http.Client
	now        func() time.Time
}

// DiscordMessage represents a Discord webhook payload
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// DiscordEmbed represents a rich embed
type DiscordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

// DiscordField represents one inline embed field
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// NewDiscordHandler creates a Discord handler. An empty webhookURL makes
// Send a no-op.
func NewDiscordHandler(webhookURL string, logger *zap.Logger) *DiscordHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordHandler{
		webhookURL: webhookURL,
		logger:     logger,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// Send posts the message to Discord
func (h *DiscordHandler) Send(ctx context.Context, message notifications.NotificationMessage) error {
	if h.webhookURL == "" {
		h.logger.Debug("Discord webhook URL not configured, skipping alert")
		return nil
	}

	payload, err := json.Marshal(h.buildDiscordMessage(message))
	if err != nil {
		return fmt.Errorf("failed to marshal discord message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.logger.Warn("Discord webhook request failed", zap.Int("status", resp.StatusCode))
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}

	h.logger.Info("Successfully sent Discord notification",
		zap.String("subject", message.Subject),
		zap.String("webhook_url", maskWebhookURL(h.webhookURL)))

	return nil
}

// GetChannelType returns the channel type
func (h *DiscordHandler) GetChannelType() notifications.NotificationChannelType {
	return notifications.ChannelTypeDiscord
}

// buildDiscordMessage renders an embed when the message carries metadata and
// plain content otherwise
func (h *DiscordHandler) buildDiscordMessage(message notifications.NotificationMessage) DiscordMessage {
	if len(message.Metadata) == 0 {
		return DiscordMessage{
			Content: fmt.Sprintf("%s **%s**\n%s", severityEmoji(message.Severity), message.Subject, message.Body),
		}
	}

	keys := make([]string, 0, len(message.Metadata))
	for k := range message.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]DiscordField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, DiscordField{
			Name:   k,
			Value:  fmt.Sprintf("%v", message.Metadata[k]),
			Inline: true,
		})
	}

	return DiscordMessage{
		Embeds: []DiscordEmbed{{
			Title:       message.Subject,
			Description: message.Body,
			Color:       severityColor(message.Severity),
			Fields:      fields,
			Timestamp:   h.now().UTC().Format(time.RFC3339),
		}},
	}
}

func severityEmoji(severity string) string {
	switch severity {
	case notifications.SeverityCritical:
		return "🚨"
	case notifications.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func severityColor(severity string) int {
	switch severity {
	case notifications.SeverityCritical:
		return colorCritical
	case notifications.SeverityWarning:
		return colorWarning
	default:
		return colorInfo
	}
}

// maskWebhookURL masks the webhook URL for logging
func maskWebhookURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
