package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("WATCHTOWER")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional: defaults + env vars are a valid setup.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
// Invalid reloads are dropped; the previous configuration stays in effect.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		prev := m.config
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		if errs := m.config.Validate(); len(errs) > 0 {
			m.config = prev
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
// Slice and map sections (rules, channels, per-metric thresholds) are not
// registered here; they fall back to DefaultConfig when absent from the file.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()

	m.viper.SetDefault("server.host", d.Server.Host)
	m.viper.SetDefault("server.port", d.Server.Port)
	m.viper.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	m.viper.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	m.viper.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	m.viper.SetDefault("server.rate_limit_per_minute", d.Server.RateLimitPerMinute)
	m.viper.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	m.viper.SetDefault("server.api_key", d.Server.APIKey)

	m.viper.SetDefault("database.sqlite_path", d.Database.SQLitePath)

	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.app_log_path", d.Logging.AppLogPath)
	m.viper.SetDefault("logging.audit_log_path", d.Logging.AuditLogPath)
	m.viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", d.Logging.Compress)
	m.viper.SetDefault("logging.stderr", d.Logging.Stderr)

	m.viper.SetDefault("intake.shards", d.Intake.Shards)
	m.viper.SetDefault("intake.queue_size", d.Intake.QueueSize)
	m.viper.SetDefault("intake.max_abs_value", d.Intake.MaxAbsValue)
	m.viper.SetDefault("intake.max_line_bytes", d.Intake.MaxLineBytes)
	m.viper.SetDefault("intake.nats.enabled", d.Intake.NATS.Enabled)
	m.viper.SetDefault("intake.nats.url", d.Intake.NATS.URL)
	m.viper.SetDefault("intake.nats.metric_subject", d.Intake.NATS.MetricSubject)
	m.viper.SetDefault("intake.nats.log_subject", d.Intake.NATS.LogSubject)

	m.viper.SetDefault("thresholds.default_base", d.Thresholds.DefaultBase)
	m.viper.SetDefault("thresholds.default_min", d.Thresholds.DefaultMin)
	m.viper.SetDefault("thresholds.default_max", d.Thresholds.DefaultMax)
	m.viper.SetDefault("thresholds.window_size", d.Thresholds.WindowSize)
	m.viper.SetDefault("thresholds.window_duration", d.Thresholds.WindowDuration)
	m.viper.SetDefault("thresholds.trend_samples", d.Thresholds.TrendSamples)
	m.viper.SetDefault("thresholds.adaptive_factor", d.Thresholds.AdaptiveFactor)
	m.viper.SetDefault("thresholds.std_multiplier", d.Thresholds.StdMultiplier)

	m.viper.SetDefault("detector.quorum", d.Detector.Quorum)
	m.viper.SetDefault("detector.min_samples", d.Detector.MinSamples)
	m.viper.SetDefault("detector.zscore_multiplier", d.Detector.ZScoreMultiplier)
	m.viper.SetDefault("detector.trend_samples", d.Detector.TrendSamples)
	m.viper.SetDefault("detector.slope_bound", d.Detector.SlopeBound)
	m.viper.SetDefault("detector.isolation.enabled", d.Detector.Isolation.Enabled)
	m.viper.SetDefault("detector.isolation.trees", d.Detector.Isolation.Trees)
	m.viper.SetDefault("detector.isolation.sub_sample", d.Detector.Isolation.SubSample)
	m.viper.SetDefault("detector.isolation.score_threshold", d.Detector.Isolation.ScoreThreshold)
	m.viper.SetDefault("detector.isolation.seed", d.Detector.Isolation.Seed)

	m.viper.SetDefault("patterns.min_frequency", d.Patterns.MinFrequency)
	m.viper.SetDefault("patterns.window", d.Patterns.Window)
	m.viper.SetDefault("patterns.retention", d.Patterns.Retention)
	m.viper.SetDefault("patterns.similarity_threshold", d.Patterns.SimilarityThreshold)
	m.viper.SetDefault("patterns.max_examples", d.Patterns.MaxExamples)
	m.viper.SetDefault("patterns.sweep_interval", d.Patterns.SweepInterval)

	m.viper.SetDefault("alerts.suppression_window", d.Alerts.SuppressionWindow)
	m.viper.SetDefault("alerts.suppress_duplicates", d.Alerts.SuppressDuplicates)
	m.viper.SetDefault("alerts.findings_buffer", d.Alerts.FindingsBuffer)
	m.viper.SetDefault("alerts.findings_retention", d.Alerts.FindingsRetention)

	m.viper.SetDefault("escalation.tick", d.Escalation.Tick)

	m.viper.SetDefault("notify.timeout", d.Notify.Timeout)
	m.viper.SetDefault("notify.retries", d.Notify.Retries)
	m.viper.SetDefault("notify.retry_backoff", d.Notify.RetryBackoff)
	m.viper.SetDefault("notify.workers", d.Notify.Workers)
	m.viper.SetDefault("notify.queue_size", d.Notify.QueueSize)
	m.viper.SetDefault("notify.rate_per_minute", d.Notify.RatePerMinute)
	m.viper.SetDefault("notify.default_channels", d.Notify.DefaultChannels)
	m.viper.SetDefault("notify.fallback_channel", d.Notify.FallbackChannel)

	m.viper.SetDefault("persistence.queue_size", d.Persistence.QueueSize)
	m.viper.SetDefault("persistence.retry_interval", d.Persistence.RetryInterval)
	m.viper.SetDefault("persistence.outage_bound", d.Persistence.OutageBound)
	m.viper.SetDefault("persistence.sample_retention", d.Persistence.SampleRetention)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := DefaultConfig()

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.ReadTimeout = m.viper.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = m.viper.GetDuration("server.write_timeout")
	cfg.Server.ShutdownTimeout = m.viper.GetDuration("server.shutdown_timeout")
	cfg.Server.RateLimitPerMinute = m.viper.GetInt("server.rate_limit_per_minute")
	cfg.Server.MaxBodyBytes = m.viper.GetInt64("server.max_body_bytes")
	cfg.Server.APIKey = m.viper.GetString("server.api_key")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")
	cfg.Logging.Stderr = m.viper.GetBool("logging.stderr")

	// Intake
	cfg.Intake.Shards = m.viper.GetInt("intake.shards")
	cfg.Intake.QueueSize = m.viper.GetInt("intake.queue_size")
	cfg.Intake.MaxAbsValue = m.viper.GetFloat64("intake.max_abs_value")
	cfg.Intake.MaxLineBytes = m.viper.GetInt("intake.max_line_bytes")
	cfg.Intake.NATS.Enabled = m.viper.GetBool("intake.nats.enabled")
	cfg.Intake.NATS.URL = m.viper.GetString("intake.nats.url")
	cfg.Intake.NATS.MetricSubject = m.viper.GetString("intake.nats.metric_subject")
	cfg.Intake.NATS.LogSubject = m.viper.GetString("intake.nats.log_subject")

	// Thresholds
	cfg.Thresholds.DefaultBase = m.viper.GetFloat64("thresholds.default_base")
	cfg.Thresholds.DefaultMin = m.viper.GetFloat64("thresholds.default_min")
	cfg.Thresholds.DefaultMax = m.viper.GetFloat64("thresholds.default_max")
	cfg.Thresholds.WindowSize = m.viper.GetInt("thresholds.window_size")
	cfg.Thresholds.WindowDuration = m.viper.GetDuration("thresholds.window_duration")
	cfg.Thresholds.TrendSamples = m.viper.GetInt("thresholds.trend_samples")
	cfg.Thresholds.AdaptiveFactor = m.viper.GetFloat64("thresholds.adaptive_factor")
	cfg.Thresholds.StdMultiplier = m.viper.GetFloat64("thresholds.std_multiplier")
	if m.viper.IsSet("thresholds.metrics") {
		raw := map[string]metricThresholdInput{}
		if err := m.viper.UnmarshalKey("thresholds.metrics", &raw); err != nil {
			return fmt.Errorf("thresholds.metrics: %w", err)
		}
		defaults := MetricThreshold{
			Base: cfg.Thresholds.DefaultBase,
			Min:  cfg.Thresholds.DefaultMin,
			Max:  cfg.Thresholds.DefaultMax,
		}
		cfg.Thresholds.Metrics = make(map[string]MetricThreshold, len(raw))
		for name, in := range raw {
			cfg.Thresholds.Metrics[name] = in.resolve(defaults)
		}
	}

	// Detector
	cfg.Detector.Quorum = m.viper.GetInt("detector.quorum")
	cfg.Detector.MinSamples = m.viper.GetInt("detector.min_samples")
	cfg.Detector.ZScoreMultiplier = m.viper.GetFloat64("detector.zscore_multiplier")
	cfg.Detector.TrendSamples = m.viper.GetInt("detector.trend_samples")
	cfg.Detector.SlopeBound = m.viper.GetFloat64("detector.slope_bound")
	cfg.Detector.Isolation.Enabled = m.viper.GetBool("detector.isolation.enabled")
	cfg.Detector.Isolation.Trees = m.viper.GetInt("detector.isolation.trees")
	cfg.Detector.Isolation.SubSample = m.viper.GetInt("detector.isolation.sub_sample")
	cfg.Detector.Isolation.ScoreThreshold = m.viper.GetFloat64("detector.isolation.score_threshold")
	cfg.Detector.Isolation.Seed = m.viper.GetInt64("detector.isolation.seed")

	// Patterns
	cfg.Patterns.MinFrequency = m.viper.GetInt("patterns.min_frequency")
	cfg.Patterns.Window = m.viper.GetDuration("patterns.window")
	cfg.Patterns.Retention = m.viper.GetDuration("patterns.retention")
	cfg.Patterns.SimilarityThreshold = m.viper.GetFloat64("patterns.similarity_threshold")
	cfg.Patterns.MaxExamples = m.viper.GetInt("patterns.max_examples")
	cfg.Patterns.SweepInterval = m.viper.GetDuration("patterns.sweep_interval")

	// Alerts
	cfg.Alerts.SuppressionWindow = m.viper.GetDuration("alerts.suppression_window")
	cfg.Alerts.SuppressDuplicates = m.viper.GetBool("alerts.suppress_duplicates")
	cfg.Alerts.FindingsBuffer = m.viper.GetInt("alerts.findings_buffer")
	cfg.Alerts.FindingsRetention = m.viper.GetDuration("alerts.findings_retention")

	// Escalation
	cfg.Escalation.Tick = m.viper.GetDuration("escalation.tick")
	if m.viper.IsSet("escalation.rules") {
		cfg.Escalation.Rules = nil
		if err := m.viper.UnmarshalKey("escalation.rules", &cfg.Escalation.Rules); err != nil {
			return fmt.Errorf("escalation.rules: %w", err)
		}
	}

	// Notify
	cfg.Notify.Timeout = m.viper.GetDuration("notify.timeout")
	cfg.Notify.Retries = m.viper.GetInt("notify.retries")
	cfg.Notify.RetryBackoff = m.viper.GetDuration("notify.retry_backoff")
	cfg.Notify.Workers = m.viper.GetInt("notify.workers")
	cfg.Notify.QueueSize = m.viper.GetInt("notify.queue_size")
	cfg.Notify.RatePerMinute = m.viper.GetInt("notify.rate_per_minute")
	cfg.Notify.DefaultChannels = m.viper.GetStringSlice("notify.default_channels")
	cfg.Notify.FallbackChannel = m.viper.GetString("notify.fallback_channel")
	if m.viper.IsSet("notify.channels") {
		cfg.Notify.Channels = nil
		if err := m.viper.UnmarshalKey("notify.channels", &cfg.Notify.Channels); err != nil {
			return fmt.Errorf("notify.channels: %w", err)
		}
	}

	// Persistence
	cfg.Persistence.QueueSize = m.viper.GetInt("persistence.queue_size")
	cfg.Persistence.RetryInterval = m.viper.GetDuration("persistence.retry_interval")
	cfg.Persistence.OutageBound = m.viper.GetDuration("persistence.outage_bound")
	cfg.Persistence.SampleRetention = m.viper.GetInt("persistence.sample_retention")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for credentials.
func (m *viperConfigManager) applyEnvOverrides() {
	// SMTP password is never expected in the file.
	if pw := os.Getenv("WATCHTOWER_SMTP_PASSWORD"); pw != "" {
		for i := range m.config.Notify.Channels {
			if m.config.Notify.Channels[i].Type == "email" {
				m.config.Notify.Channels[i].Password = pw
			}
		}
	}

	if url := os.Getenv("WATCHTOWER_SLACK_WEBHOOK_URL"); url != "" {
		for i := range m.config.Notify.Channels {
			if m.config.Notify.Channels[i].Type == "slack" {
				m.config.Notify.Channels[i].URL = url
			}
		}
	}
}

// metricThresholdInput keeps absent keys distinguishable from explicit zeros.
type metricThresholdInput struct {
	Base *float64 `mapstructure:"base"`
	Min  *float64 `mapstructure:"min"`
	Max  *float64 `mapstructure:"max"`
}

// resolve fills keys the override leaves out from the threshold defaults.
func (in metricThresholdInput) resolve(defaults MetricThreshold) MetricThreshold {
	out := defaults
	if in.Base != nil {
		out.Base = *in.Base
	}
	if in.Min != nil {
		out.Min = *in.Min
	}
	if in.Max != nil {
		out.Max = *in.Max
	}
	return out
}
