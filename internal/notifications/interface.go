package notifications

import (
	"context"
)

// NotificationChannelType represents the type of notification channel
type NotificationChannelType string

const (
	ChannelTypeDiscord NotificationChannelType = "discord"
	ChannelTypeSlack   NotificationChannelType = "slack"
)

// Severity levels carried on every message
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// NotificationMessage is a channel-independent operational message
type NotificationMessage struct {
	Subject  string                 `json:"subject"`
	Body     string                 `json:"body"`
	Severity string                 `json:"severity"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ChannelHandler delivers messages to one destination
type ChannelHandler interface {
	Send(ctx context.Context, message NotificationMessage) error
	GetChannelType() NotificationChannelType
}
