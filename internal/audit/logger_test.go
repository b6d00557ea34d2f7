package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsdigest/watchtower/internal/models"
)

func testConfig(t *testing.T) *Config {
	tmpDir := t.TempDir()
	return &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		MaxSize:      10,
		MaxBackups:   3,
		MaxAge:       7,
		LogLevel:     "info",
	}
}

func countLines(content []byte) int {
	n := 0
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(testConfig(t))
	require.NoError(t, err)
	defer logger.Close()

	assert.NotNil(t, logger.App())
}

func TestNewLoggerWithInvalidLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogLevel = "invalid"

	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "logs/audit.log", cfg.AuditLogPath)
	assert.Equal(t, "logs/watchtower.log", cfg.AppLogPath)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 10, cfg.MaxBackups)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestAppLoggerLevel(t *testing.T) {
	cfg := testConfig(t)
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	defer logger.Close()

	logger.App().Debug("hidden debug line")
	require.NoError(t, logger.SetLevel("debug"))
	logger.App().Debug("visible debug line")
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(cfg.AppLogPath)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "hidden debug line")
	assert.Contains(t, string(content), "visible debug line")

	assert.Error(t, logger.SetLevel("loud"))
}

func TestLogEvent(t *testing.T) {
	cfg := testConfig(t)
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	defer logger.Close()

	event := NewEvent(EventConfigLoaded).
		WithCorrelationID("test-123").
		WithActor("operator").
		WithResource("/etc/watchtower/config.yaml", "file")

	require.NoError(t, logger.Log(context.Background(), event))
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(cfg.AuditLogPath)
	require.NoError(t, err)

	logContent := string(content)
	assert.Contains(t, logContent, "test-123")
	assert.Contains(t, logContent, "config.loaded")
	assert.Contains(t, logContent, "operator")
}

func TestLogAlertLifecycle(t *testing.T) {
	cfg := testConfig(t)
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	defer logger.Close()

	ctx := WithCorrelationID(context.Background(), "corr-alert")
	alert := &models.Alert{
		ID:        "a-1",
		DedupeKey: "metric:cpu_percent|high",
		Severity:  models.SeverityHigh,
		Status:    models.StatusNew,
	}

	require.NoError(t, logger.LogAlert(ctx, EventAlertCreated, alert, "system"))
	alert.Status = models.StatusAcknowledged
	require.NoError(t, logger.LogAlert(ctx, EventAlertAcknowledged, alert, "alice"))
	alert.Status = models.StatusResolved
	require.NoError(t, logger.LogAlert(ctx, EventAlertResolved, alert, "alice"))
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(cfg.AuditLogPath)
	require.NoError(t, err)

	logContent := string(content)
	assert.Contains(t, logContent, "alert.created")
	assert.Contains(t, logContent, "alert.acknowledged")
	assert.Contains(t, logContent, "alert.resolved")
	assert.Contains(t, logContent, "corr-alert")
	assert.Equal(t, 3, countLines(content))

	assert.Error(t, logger.LogAlert(ctx, EventAlertCreated, nil, "system"))
}

func TestLogThresholdOverride(t *testing.T) {
	cfg := testConfig(t)
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.LogThresholdOverride(context.Background(), "cpu_percent", 80, 90, "bob"))
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(cfg.AuditLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "threshold.override")
	assert.Contains(t, string(content), "cpu_percent")
}

func TestBufferAutoFlush(t *testing.T) {
	cfg := testConfig(t)
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log(context.Background(), NewEvent(EventConfigReload)))
	}

	// auto-flush ticks every second
	time.Sleep(1500 * time.Millisecond)

	content, err := os.ReadFile(cfg.AuditLogPath)
	require.NoError(t, err)
	assert.NotEmpty(t, content)
}

func TestBufferFullFlush(t *testing.T) {
	cfg := testConfig(t)
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 105; i++ {
		require.NoError(t, logger.Log(context.Background(), NewEvent(EventConfigReload)))
	}
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(cfg.AuditLogPath)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, countLines(content), 105)
}

func TestCloseIsIdempotent(t *testing.T) {
	logger, err := NewLogger(testConfig(t))
	require.NoError(t, err)

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	require.NoError(t, logger.LogThresholdOverride(context.Background(), "m", 1, 2, "x"))
	require.NoError(t, logger.Close())
}

func TestCorrelationID(t *testing.T) {
	id1 := GenerateCorrelationID()
	id2 := GenerateCorrelationID()
	assert.NotEqual(t, id1, id2)

	ctx := context.Background()
	assert.Empty(t, GetCorrelationID(ctx))

	ctx = WithCorrelationID(ctx, "test-correlation-id")
	assert.Equal(t, "test-correlation-id", GetCorrelationID(ctx))
}

func TestEventBuilderChain(t *testing.T) {
	event := NewEvent(EventAlertEscalated).
		WithCorrelationID("corr-123").
		WithActor("escalation").
		WithResource("a-9", "alert").
		WithDescription("escalated to level 1").
		WithMetadata("level", 1)

	assert.Equal(t, "corr-123", event.CorrelationID)
	assert.Equal(t, "escalation", event.Actor)
	assert.Equal(t, "alert", event.ResourceType)
	assert.Equal(t, ResultSuccess, event.Result)
	assert.Equal(t, 1, event.Metadata["level"])

	event.WithError(os.ErrDeadlineExceeded)
	assert.Equal(t, ResultFailure, event.Result)
	assert.NotEmpty(t, event.Error)
}

func TestEventJSONSerialization(t *testing.T) {
	event := NewEvent(EventThresholdOverride).
		WithResource("cpu_percent", "metric").
		WithMetadata("base", 90.0)

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "threshold.override", decoded["event_type"])
	assert.Equal(t, "cpu_percent", decoded["resource"])
	assert.Equal(t, "success", decoded["result"])
}
