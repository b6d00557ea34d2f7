package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsdigest/watchtower/internal/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.Equal(t, 80.0, cfg.Thresholds.DefaultBase)
	assert.Equal(t, 100.0, cfg.Thresholds.DefaultMax)
	assert.Equal(t, 60, cfg.Thresholds.WindowSize)

	assert.Equal(t, 2, cfg.Detector.Quorum)
	assert.Equal(t, 3.0, cfg.Detector.ZScoreMultiplier)

	assert.Equal(t, 3, cfg.Patterns.MinFrequency)
	assert.Equal(t, 30*time.Minute, cfg.Patterns.Window)

	assert.Equal(t, 300*time.Second, cfg.Alerts.SuppressionWindow)
	assert.Equal(t, 60*time.Second, cfg.Escalation.Tick)
	require.Len(t, cfg.Escalation.Rules, 1)
	assert.Equal(t, int64(1800), cfg.Escalation.Rules[0].TimeThresholdSeconds)

	assert.Equal(t, []string{"log"}, cfg.Notify.DefaultChannels)
	assert.Empty(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name:      "invalid port",
			modifyFn:  func(cfg *Config) { cfg.Server.Port = 0 },
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name:      "invalid log level",
			modifyFn:  func(cfg *Config) { cfg.Logging.Level = "verbose" },
			wantError: true,
			errorMsg:  "invalid level",
		},
		{
			name: "min above max",
			modifyFn: func(cfg *Config) {
				cfg.Thresholds.DefaultMin = 90
				cfg.Thresholds.DefaultMax = 50
			},
			wantError: true,
			errorMsg:  "must not exceed default_max",
		},
		{
			name: "metric base outside its bounds",
			modifyFn: func(cfg *Config) {
				cfg.Thresholds.Metrics["cpu_percent"] = MetricThreshold{Base: 90, Min: 0, Max: 0}
			},
			wantError: true,
			errorMsg:  "base (90) must lie within [0, 0]",
		},
		{
			name:      "quorum above voter count",
			modifyFn:  func(cfg *Config) { cfg.Detector.Quorum = 4 },
			wantError: true,
			errorMsg:  "quorum must be between 1",
		},
		{
			name: "unknown channel in escalation action",
			modifyFn: func(cfg *Config) {
				cfg.Escalation.Rules = append(cfg.Escalation.Rules, models.EscalationRule{
					TimeThresholdSeconds: 3600,
					Actions:              []models.EscalationAction{{Type: models.ActionNotifyChannel, Channel: "pager"}},
				})
			},
			wantError: true,
			errorMsg:  "unknown channel 'pager'",
		},
		{
			name: "invalid action type",
			modifyFn: func(cfg *Config) {
				cfg.Escalation.Rules[0].Actions = []models.EscalationAction{{Type: "page_everyone"}}
			},
			wantError: true,
			errorMsg:  "invalid action",
		},
		{
			name: "slack channel without url",
			modifyFn: func(cfg *Config) {
				cfg.Notify.Channels = append(cfg.Notify.Channels, ChannelConfig{Name: "chat", Type: "slack"})
			},
			wantError: true,
			errorMsg:  "a valid http(s) url is required",
		},
		{
			name: "unknown channel type",
			modifyFn: func(cfg *Config) {
				cfg.Notify.Channels = append(cfg.Notify.Channels, ChannelConfig{Name: "sms", Type: "sms"})
			},
			wantError: true,
			errorMsg:  "invalid channel type",
		},
		{
			name:      "unknown fallback channel",
			modifyFn:  func(cfg *Config) { cfg.Notify.FallbackChannel = "nowhere" },
			wantError: true,
			errorMsg:  "unknown channel 'nowhere'",
		},
		{
			name:      "sample retention below window",
			modifyFn:  func(cfg *Config) { cfg.Persistence.SampleRetention = 10 },
			wantError: true,
			errorMsg:  "sample_retention",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()
			if !tt.wantError {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.errorMsg) {
					found = true
				}
			}
			assert.True(t, found, "expected an error containing %q, got %v", tt.errorMsg, errs)
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9191
logging:
  level: debug
thresholds:
  default_base: 70
  window_size: 30
  metrics:
    cpu_percent:
      base: 85
      min: 50
      max: 99
persistence:
  sample_retention: 30
patterns:
  window: 10m
  retention: 1h
notify:
  default_channels: [ops-hook]
  channels:
    - name: ops-hook
      type: webhook
      url: https://hooks.example.com/watchtower
escalation:
  tick: 30s
  rules:
    - after_seconds: 3600
      actions:
        - type: notify_channel
          channel: ops-hook
    - after_seconds: 900
      actions:
        - type: severity_increase
        - type: reassign
          target: on-call
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.NoError(t, mgr.Validate(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 70.0, cfg.Thresholds.DefaultBase)
	assert.Equal(t, MetricThreshold{Base: 85, Min: 50, Max: 99}, cfg.Thresholds.Metrics["cpu_percent"])
	assert.Equal(t, 10*time.Minute, cfg.Patterns.Window)
	assert.Equal(t, 30*time.Second, cfg.Escalation.Tick)

	require.Len(t, cfg.Escalation.Rules, 2)
	assert.Equal(t, int64(3600), cfg.Escalation.Rules[0].TimeThresholdSeconds)
	assert.Equal(t, models.ActionNotifyChannel, cfg.Escalation.Rules[0].Actions[0].Type)
	assert.Equal(t, "on-call", cfg.Escalation.Rules[1].Actions[1].Target)

	require.Len(t, cfg.Notify.Channels, 1)
	assert.Equal(t, "webhook", cfg.Notify.Channels[0].Type)
	assert.Equal(t, []string{"ops-hook"}, cfg.Notify.DefaultChannels)
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("WATCHTOWER_SERVER_PORT", "7070")
	t.Setenv("WATCHTOWER_SMTP_PASSWORD", "s3cret")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
notify:
  default_channels: [mail]
  channels:
    - name: mail
      type: email
      smtp_addr: smtp.example.com:587
      from: watchtower@example.com
      to: [me@example.com]
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	require.NoError(t, mgr.Load(context.Background()))

	cfg := mgr.Get(context.Background())
	assert.Equal(t, 7070, cfg.Server.Port)
	require.Len(t, cfg.Notify.Channels, 1)
	assert.Equal(t, "s3cret", cfg.Notify.Channels[0].Password)
}

func TestConfigManagerMissingFile(t *testing.T) {
	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.NoError(t, mgr.Validate(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
	assert.Len(t, cfg.Escalation.Rules, 1)
}

func TestConfigManagerPartialMetricOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
thresholds:
  default_min: 5
  default_max: 120
  metrics:
    cpu_percent:
      base: 90
    queue_depth:
      min: 0
      max: 40
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.NoError(t, mgr.Validate(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, MetricThreshold{Base: 90, Min: 5, Max: 120}, cfg.Thresholds.Metrics["cpu_percent"])
	assert.Equal(t, MetricThreshold{Base: 80, Min: 0, Max: 40}, cfg.Thresholds.Metrics["queue_depth"])
}

func TestConfigManagerRejectsMetricBaseOutsideBounds(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
thresholds:
  metrics:
    cpu_percent:
      base: 90
      max: 50
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thresholds.metrics.cpu_percent")
}

func TestConfigManagerValidationFailure(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("detector:\n  quorum: 0\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detector.quorum")
}
