package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(t *testing.T, level string) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewLogger(&Config{
		Level:       level,
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	})
	require.NoError(t, err)
	logger.SetOutput(&buf)
	return logger, &buf
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				Level:       "info",
				Format:      "json",
				Output:      "stdout",
				ServiceName: "test-service",
				Version:     "1.0.0",
			},
		},
		{
			name:   "text format to discard",
			config: &Config{Level: "debug", Format: "text", Output: "discard"},
		},
		{
			name:    "invalid log level",
			config:  &Config{Level: "invalid", Format: "json", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			config:  &Config{Level: "info", Format: "invalid", Output: "stdout"},
			wantErr: true,
		},
		{
			name:   "nil config uses defaults",
			config: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithJobID(ctx, "job-1")
	ctx = WithUserID(ctx, "user-1")

	logger.WithContext(ctx).Info("test message")

	entry := decodeEntry(t, buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Equal(t, "user-1", entry["user_id"])
	assert.Equal(t, "test-service", entry["service"])
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Equal(t, "test message", entry["message"])
	assert.Equal(t, "req-1", GetRequestID(ctx))
}

func TestLogger_LogRequest(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.LogRequest(context.Background(), "POST", "/v1/reports", "curl", "127.0.0.1", 202, 100*time.Millisecond)

	entry := decodeEntry(t, buf)
	assert.Equal(t, "POST", entry["http_method"])
	assert.Equal(t, "/v1/reports", entry["http_path"])
	assert.Equal(t, float64(202), entry["http_status"])
	assert.Equal(t, float64(100), entry["response_time_ms"])
}

func TestLogger_LogProviderEvent(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.LogProviderEvent(context.Background(), "provider_failed", "gemini", false, logrus.Fields{"error_code": "TIMEOUT"})

	entry := decodeEntry(t, buf)
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "gemini", entry["provider"])
	assert.Equal(t, "TIMEOUT", entry["error_code"])
	assert.Equal(t, false, entry["success"])
}

func TestLogger_LogReportEvent(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.LogReportEvent(context.Background(), "enqueued", "job-9", "stepper:report:u:c:abc", nil)

	entry := decodeEntry(t, buf)
	assert.Equal(t, "enqueued", entry["event"])
	assert.Equal(t, "job-9", entry["job_id"])
	assert.Equal(t, "stepper:report:u:c:abc", entry["fingerprint"])
}

func TestLogger_KeyValueHelpers(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.Warn("breaker opened", "name", "openai", "err", errors.New("boom"), "dangling")

	entry := decodeEntry(t, buf)
	assert.Equal(t, "breaker opened", entry["message"])
	assert.Equal(t, "openai", entry["name"])
	assert.Equal(t, "boom", entry["err"])
	_, hasDangling := entry["dangling"]
	assert.False(t, hasDangling)
}

func TestLogger_DebugSuppressedAtInfo(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())
}
