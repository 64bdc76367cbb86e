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

// SlackHandler implements notification sending to Slack
type SlackHandler struct {
	webhookURL string
	channel    string
	logger     *zap.Logger
	httpClient *http.Client
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackHandler creates a new Slack notification handler
func NewSlackHandler(webhookURL, channel string, logger *zap.Logger) *SlackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlackHandler{
		webhookURL: webhookURL,
		channel:    channel,
		logger:     logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send sends a notification to Slack
func (h *SlackHandler) Send(ctx context.Context, message notifications.NotificationMessage) error {
	if h.webhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	payload, err := json.Marshal(h.buildSlackMessage(message))
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	h.logger.Info("Successfully sent Slack notification",
		zap.String("subject", message.Subject),
		zap.String("webhook_url", maskWebhookURL(h.webhookURL)))

	return nil
}

// GetChannelType returns the channel type
func (h *SlackHandler) GetChannelType() notifications.NotificationChannelType {
	return notifications.ChannelTypeSlack
}

func (h *SlackHandler) buildSlackMessage(message notifications.NotificationMessage) SlackMessage {
	slackMessage := SlackMessage{
		Text:     message.Subject,
		Username: "Stepper",
		Channel:  h.channel,
	}

	attachment := SlackAttachment{
		Text:      message.Body,
		Footer:    "Stepper Report Service",
		Timestamp: time.Now().Unix(),
	}

	switch message.Severity {
	case notifications.SeverityCritical:
		slackMessage.IconEmoji = ":rotating_light:"
		attachment.Color = "danger"
	case notifications.SeverityWarning:
		slackMessage.IconEmoji = ":warning:"
		attachment.Color = "warning"
	default:
		slackMessage.IconEmoji = ":information_source:"
		attachment.Color = "good"
	}

	keys := make([]string, 0, len(message.Metadata))
	for k := range message.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: k,
			Value: fmt.Sprintf("%v", message.Metadata[k]),
			Short: true,
		})
	}

	slackMessage.Attachments = []SlackAttachment{attachment}
	return slackMessage
}
