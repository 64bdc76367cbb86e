package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/commitdiary/stepper/pkg/resilience"
)

type fakeChannel struct {
	mu       sync.Mutex
	kind     NotificationChannelType
	err      error
	messages []NotificationMessage
}

func (f *fakeChannel) Send(_ context.Context, msg NotificationMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return f.err
}

func (f *fakeChannel) GetChannelType() NotificationChannelType {
	return f.kind
}

func TestService_SendFansOut(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))
	discord := &fakeChannel{kind: ChannelTypeDiscord}
	slack := &fakeChannel{kind: ChannelTypeSlack, err: errors.New("slack down")}
	svc.RegisterChannelHandler(discord)
	svc.RegisterChannelHandler(slack)

	assert.ElementsMatch(t, []NotificationChannelType{ChannelTypeDiscord, ChannelTypeSlack}, svc.GetSupportedChannels())

	require.NoError(t, svc.Send(context.Background(), NotificationMessage{Subject: "hello"}))
	assert.Len(t, discord.messages, 1)
	assert.Len(t, slack.messages, 1)
}

func TestService_SendFailsWhenAllChannelsFail(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))
	svc.RegisterChannelHandler(&fakeChannel{kind: ChannelTypeDiscord, err: errors.New("discord down")})

	err := svc.Send(context.Background(), NotificationMessage{Subject: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord down")
}

func TestService_NoChannels(t *testing.T) {
	svc := NewService(nil)
	assert.NoError(t, svc.Send(context.Background(), NotificationMessage{Subject: "hello"}))
}

func TestService_HandleAlert(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))
	discord := &fakeChannel{kind: ChannelTypeDiscord}
	svc.RegisterChannelHandler(discord)

	am := resilience.NewAlertManager()
	am.AddHandler(svc)

	alert := resilience.JobFailedAlert("job-9", "stepper:report:u:sha:abc", 5, "all providers failed")
	require.NoError(t, am.SendAlert(context.Background(), alert))

	require.Len(t, discord.messages, 1)
	msg := discord.messages[0]
	assert.Equal(t, "Job Failed Permanently", msg.Subject)
	assert.Equal(t, SeverityCritical, msg.Severity)
	assert.Equal(t, "job-9", msg.Metadata["jobId"])
	assert.Contains(t, msg.Metadata, "timestamp")
}

func TestMessageFromAlert(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name     string
		alert    resilience.Alert
		severity string
		metadata bool
	}{
		{
			name:     "warning with metadata",
			alert:    resilience.Alert{Severity: resilience.SeverityWarning, Title: "t", Timestamp: ts, Metadata: map[string]interface{}{"provider": "openai"}},
			severity: SeverityWarning,
			metadata: true,
		},
		{
			name:     "info without metadata",
			alert:    resilience.Alert{Severity: resilience.SeverityInfo, Title: "t", Timestamp: ts},
			severity: SeverityInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := MessageFromAlert(tt.alert)
			assert.Equal(t, tt.severity, msg.Severity)
			if tt.metadata {
				assert.Equal(t, "2024-01-02T03:04:05.000Z", msg.Metadata["timestamp"])
				assert.Equal(t, "openai", msg.Metadata["provider"])
			} else {
				assert.Nil(t, msg.Metadata)
			}
		})
	}
}
