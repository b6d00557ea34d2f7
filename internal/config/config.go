package config

import (
	"context"
	"time"

	"github.com/newsdigest/watchtower/internal/models"
)

// Package config provides configuration management for watchtower.
//
// Responsibilities:
//   - Load configuration from a YAML file, environment variables and CLI flags
//   - Validate every section on startup, never at first use
//   - Provide typed access to thresholds, escalation rules and channel configs
//   - Reload the log level when the file changes
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (highest priority)
//   2. Environment variables (WATCHTOWER_* prefix)
//   3. YAML config file (default: /etc/watchtower/config.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server       - HTTP listen address and timeouts
//   2. Database     - SQLite file path
//   3. Logging      - level, rotated log files
//   4. Intake       - sharding, input limits, NATS source
//   5. Thresholds   - adaptive threshold defaults and per-metric overrides
//   6. Detector     - ensemble quorum and voter parameters
//   7. Patterns     - frequency bar, window, retention, similarity
//   8. Alerts       - suppression window and findings buffer
//   9. Escalation   - tick and ordered rules
//  10. Notify       - channels, retries, timeout, fallback
//  11. Persistence  - write-behind queue and outage bound

// MetricThreshold overrides the threshold defaults for one metric.
type MetricThreshold struct {
	Base float64 `mapstructure:"base"`
	Min  float64 `mapstructure:"min"`
	Max  float64 `mapstructure:"max"`
}

// ChannelConfig selects and configures one notification channel variant.
type ChannelConfig struct {
	Name     string   `mapstructure:"name"`
	Type     string   `mapstructure:"type"` // email | slack | webhook | nats | log
	URL      string   `mapstructure:"url"`
	Subject  string   `mapstructure:"subject"`
	SMTPAddr string   `mapstructure:"smtp_addr"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
}

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host               string
		Port               int
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		ShutdownTimeout    time.Duration
		RateLimitPerMinute int
		MaxBodyBytes       int64
		APIKey             string
	}

	// Database configuration
	Database struct {
		SQLitePath string
	}

	// Logging configuration
	Logging struct {
		Level        string
		AppLogPath   string
		AuditLogPath string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Compress     bool
		Stderr       bool
	}

	// Intake configuration
	Intake struct {
		Shards       int
		QueueSize    int
		MaxAbsValue  float64
		MaxLineBytes int
		NATS         struct {
			Enabled       bool
			URL           string
			MetricSubject string
			LogSubject    string
		}
	}

	// Threshold manager configuration
	Thresholds struct {
		DefaultBase    float64
		DefaultMin     float64
		DefaultMax     float64
		WindowSize     int
		WindowDuration time.Duration
		TrendSamples   int
		AdaptiveFactor float64
		StdMultiplier  float64
		Metrics        map[string]MetricThreshold
	}

	// Anomaly detector configuration
	Detector struct {
		Quorum           int
		MinSamples       int
		ZScoreMultiplier float64
		TrendSamples     int
		SlopeBound       float64
		Isolation        struct {
			Enabled        bool
			Trees          int
			SubSample      int
			ScoreThreshold float64
			Seed           int64
		}
	}

	// Pattern engine configuration
	Patterns struct {
		MinFrequency        int
		Window              time.Duration
		Retention           time.Duration
		SimilarityThreshold float64
		MaxExamples         int
		SweepInterval       time.Duration
	}

	// Alert manager configuration
	Alerts struct {
		SuppressionWindow  time.Duration
		SuppressDuplicates bool
		FindingsBuffer     int
		FindingsRetention  time.Duration
	}

	// Escalation configuration
	Escalation struct {
		Tick  time.Duration
		Rules []models.EscalationRule
	}

	// Notification configuration
	Notify struct {
		Timeout         time.Duration
		Retries         int
		RetryBackoff    time.Duration
		Workers         int
		QueueSize       int
		RatePerMinute   int
		DefaultChannels []string
		FallbackChannel string
		Channels        []ChannelConfig
	}

	// Persistence configuration
	Persistence struct {
		QueueSize       int
		RetryInterval   time.Duration
		OutageBound     time.Duration
		SampleRetention int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/watchtower/config.yaml")
}
