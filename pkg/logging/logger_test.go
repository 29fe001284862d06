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

func newTestLogger(t *testing.T, level string) (*Logger, *bytes.Buffer) {
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

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
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
			name:   "valid config",
			config: &Config{Level: "info", Format: "json", Output: "stdout", ServiceName: "svc", Version: "1.0.0"},
		},
		{
			name:    "invalid log level",
			config:  &Config{Level: "loud", Format: "json", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			config:  &Config{Level: "info", Format: "xml", Output: "stdout"},
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
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger, buf := newTestLogger(t, "info")

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithExpert(ctx, "tax_advisor")

	logger.WithContext(ctx).Info("test message")

	entry := decode(t, buf)
	assert.Equal(t, "corr-1", entry["correlation_id"])
	assert.Equal(t, "user-1", entry["user_id"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "tax_advisor", entry["expert"])
	assert.Equal(t, "test-service", entry["service"])
	assert.Equal(t, "test message", entry["message"])
}

func TestLogger_LogRequest(t *testing.T) {
	logger, buf := newTestLogger(t, "info")

	logger.LogRequest(context.Background(), "POST", "/api/v1/command", "curl", "127.0.0.1", 200, 100*time.Millisecond)

	entry := decode(t, buf)
	assert.Equal(t, "POST", entry["http_method"])
	assert.Equal(t, "/api/v1/command", entry["http_path"])
	assert.Equal(t, float64(200), entry["http_status"])
	assert.Equal(t, float64(100), entry["response_time_ms"])
}

func TestLogger_LogRoutingEvent(t *testing.T) {
	logger, buf := newTestLogger(t, "info")

	logger.LogRoutingEvent(context.Background(), "req-9", "portfolio_advisor", 60, "keyword", logrus.Fields{"hits": 0})

	entry := decode(t, buf)
	assert.Equal(t, "routing", entry["event"])
	assert.Equal(t, "req-9", entry["request_id"])
	assert.Equal(t, "portfolio_advisor", entry["expert"])
	assert.Equal(t, float64(60), entry["confidence"])
	assert.Equal(t, "keyword", entry["method"])
	assert.Equal(t, float64(0), entry["hits"])
}

func TestLogger_LogDependencyEvent(t *testing.T) {
	logger, buf := newTestLogger(t, "info")

	logger.LogDependencyEvent(context.Background(), "news_interpreter", false, 503, 250*time.Millisecond, errors.New("upstream unavailable"))

	entry := decode(t, buf)
	assert.Equal(t, "news_interpreter", entry["dependency"])
	assert.Equal(t, false, entry["success"])
	assert.Equal(t, float64(503), entry["status_code"])
	assert.Equal(t, float64(250), entry["latency_ms"])
	assert.Equal(t, "upstream unavailable", entry["error"])
	assert.Equal(t, "warning", entry["level"])
}

func TestLogger_LogError(t *testing.T) {
	logger, buf := newTestLogger(t, "debug")

	logger.LogError(context.Background(), assert.AnError, "test error message", logrus.Fields{"component": "dispatch"})

	entry := decode(t, buf)
	assert.Equal(t, "test error message", entry["message"])
	assert.Equal(t, assert.AnError.Error(), entry["error"])
	assert.Equal(t, "dispatch", entry["component"])
	assert.Contains(t, entry, "stack_trace")
}

func TestLogger_LogPanicDoesNotExit(t *testing.T) {
	logger, buf := newTestLogger(t, "info")

	logger.LogPanic(context.Background(), "boom", "recovered panic")

	entry := decode(t, buf)
	assert.Equal(t, "boom", entry["panic"])
	assert.Equal(t, "error", entry["level"])
}

func TestLogger_KeyValueHelpers(t *testing.T) {
	logger, buf := newTestLogger(t, "info")

	logger.Info("circuit opened", "dependency", "market_data", "failures", 5, "cause", errors.New("timeout"), "dangling")

	entry := decode(t, buf)
	assert.Equal(t, "circuit opened", entry["message"])
	assert.Equal(t, "market_data", entry["dependency"])
	assert.Equal(t, float64(5), entry["failures"])
	assert.Equal(t, "timeout", entry["cause"])
	assert.NotContains(t, entry, "dangling")
}

func TestContextIDHelpers(t *testing.T) {
	id1 := NewCorrelationID()
	id2 := NewCorrelationID()
	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)

	ctx := WithCorrelationID(context.Background(), id1)
	ctx = WithUserID(ctx, "user-123")
	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, id1, GetCorrelationID(ctx))
	assert.Equal(t, "user-123", GetUserID(ctx))
	assert.Equal(t, "req-123", GetRequestID(ctx))

	empty := context.Background()
	assert.Empty(t, GetCorrelationID(empty))
	assert.Empty(t, GetUserID(empty))
	assert.Empty(t, GetRequestID(empty))
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&Config{Level: "info", Format: "text", Output: "stdout", ServiceName: "test-service"})
	require.NoError(t, err)
	logger.SetOutput(&buf)

	logger.WithFields(logrus.Fields{"test_field": "test_value"}).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "test_field=test_value")
	assert.Contains(t, output, "service=test-service")
}

func BenchmarkLogger_WithContext(b *testing.B) {
	logger := NewDiscardLogger()
	ctx := WithRequestID(context.Background(), "req")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.WithContext(ctx).Info("benchmark message")
	}
}
