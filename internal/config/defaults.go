package config

import (
	"time"

	"github.com/newsdigest/watchtower/internal/models"
)

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8090
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.RateLimitPerMinute = 600
	cfg.Server.MaxBodyBytes = 1 << 20

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/watchtower/watchtower.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.AppLogPath = "logs/watchtower.log"
	cfg.Logging.AuditLogPath = "logs/audit.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true
	cfg.Logging.Stderr = true

	// Intake defaults
	cfg.Intake.Shards = 4
	cfg.Intake.QueueSize = 1024
	cfg.Intake.MaxAbsValue = 1e12
	cfg.Intake.MaxLineBytes = 16 * 1024
	cfg.Intake.NATS.Enabled = false
	cfg.Intake.NATS.URL = "nats://127.0.0.1:4222"
	cfg.Intake.NATS.MetricSubject = "watchtower.metrics"
	cfg.Intake.NATS.LogSubject = "watchtower.logs"

	// Threshold defaults
	cfg.Thresholds.DefaultBase = 80
	cfg.Thresholds.DefaultMin = 0
	cfg.Thresholds.DefaultMax = 100
	cfg.Thresholds.WindowSize = 60
	cfg.Thresholds.WindowDuration = 0 // count-bounded only
	cfg.Thresholds.TrendSamples = 10
	cfg.Thresholds.AdaptiveFactor = 1.0
	cfg.Thresholds.StdMultiplier = 2.0
	cfg.Thresholds.Metrics = map[string]MetricThreshold{}

	// Detector defaults
	cfg.Detector.Quorum = 2
	cfg.Detector.MinSamples = 4
	cfg.Detector.ZScoreMultiplier = 3.0
	cfg.Detector.TrendSamples = 5
	cfg.Detector.SlopeBound = 5.0
	cfg.Detector.Isolation.Enabled = false
	cfg.Detector.Isolation.Trees = 50
	cfg.Detector.Isolation.SubSample = 32
	cfg.Detector.Isolation.ScoreThreshold = 0.65
	cfg.Detector.Isolation.Seed = 1

	// Pattern defaults
	cfg.Patterns.MinFrequency = 3
	cfg.Patterns.Window = 30 * time.Minute
	cfg.Patterns.Retention = 24 * time.Hour
	cfg.Patterns.SimilarityThreshold = 0.8
	cfg.Patterns.MaxExamples = 5
	cfg.Patterns.SweepInterval = 5 * time.Minute

	// Alert defaults
	cfg.Alerts.SuppressionWindow = 300 * time.Second
	cfg.Alerts.SuppressDuplicates = false
	cfg.Alerts.FindingsBuffer = 512
	cfg.Alerts.FindingsRetention = 24 * time.Hour

	// Escalation defaults
	cfg.Escalation.Tick = 60 * time.Second
	cfg.Escalation.Rules = []models.EscalationRule{
		{
			TimeThresholdSeconds: 1800,
			Actions: []models.EscalationAction{
				{Type: models.ActionSeverityIncrease},
			},
		},
	}

	// Notify defaults
	cfg.Notify.Timeout = 10 * time.Second
	cfg.Notify.Retries = 2
	cfg.Notify.RetryBackoff = 500 * time.Millisecond
	cfg.Notify.Workers = 4
	cfg.Notify.QueueSize = 256
	cfg.Notify.RatePerMinute = 60
	cfg.Notify.DefaultChannels = []string{"log"}
	cfg.Notify.FallbackChannel = ""
	cfg.Notify.Channels = []ChannelConfig{
		{Name: "log", Type: "log"},
	}

	// Persistence defaults
	cfg.Persistence.QueueSize = 4096
	cfg.Persistence.RetryInterval = 5 * time.Second
	cfg.Persistence.OutageBound = 2 * time.Minute
	cfg.Persistence.SampleRetention = 60

	return cfg
}
