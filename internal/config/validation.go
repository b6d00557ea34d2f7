package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/newsdigest/watchtower/internal/models"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

var validChannelTypes = map[string]bool{
	"email":   true,
	"slack":   true,
	"webhook": true,
	"nats":    true,
	"log":     true,
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout", "shutdown_timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}
	if c.Server.RateLimitPerMinute < 0 {
		add("server.rate_limit_per_minute", "rate_limit_per_minute cannot be negative, got %d", c.Server.RateLimitPerMinute)
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes", "max_body_bytes cannot be negative, got %d", c.Server.MaxBodyBytes)
	}

	// Database
	if strings.TrimSpace(c.Database.SQLitePath) == "" {
		add("database.sqlite_path", "sqlite_path is required")
	}

	// Logging
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	// Intake
	if c.Intake.Shards < 1 {
		add("intake.shards", "shards must be at least 1, got %d", c.Intake.Shards)
	}
	if c.Intake.QueueSize < 1 {
		add("intake.queue_size", "queue_size must be at least 1, got %d", c.Intake.QueueSize)
	}
	if c.Intake.MaxAbsValue <= 0 {
		add("intake.max_abs_value", "max_abs_value must be positive")
	}
	if c.Intake.NATS.Enabled {
		if c.Intake.NATS.URL == "" {
			add("intake.nats.url", "url is required when nats is enabled")
		}
		if c.Intake.NATS.MetricSubject == "" && c.Intake.NATS.LogSubject == "" {
			add("intake.nats", "at least one of metric_subject and log_subject is required")
		}
	}

	// Thresholds
	if c.Thresholds.DefaultMin > c.Thresholds.DefaultMax {
		add("thresholds.default_min", "default_min (%g) must not exceed default_max (%g)", c.Thresholds.DefaultMin, c.Thresholds.DefaultMax)
	}
	if c.Thresholds.WindowSize < 2 {
		add("thresholds.window_size", "window_size must be at least 2, got %d", c.Thresholds.WindowSize)
	}
	if c.Thresholds.TrendSamples < 2 {
		add("thresholds.trend_samples", "trend_samples must be at least 2, got %d", c.Thresholds.TrendSamples)
	}
	if c.Thresholds.WindowDuration < 0 {
		add("thresholds.window_duration", "window_duration must not be negative")
	}
	for name, mt := range c.Thresholds.Metrics {
		if mt.Min > mt.Max {
			add("thresholds.metrics."+name, "min (%g) must not exceed max (%g)", mt.Min, mt.Max)
		} else if mt.Base < mt.Min || mt.Base > mt.Max {
			add("thresholds.metrics."+name, "base (%g) must lie within [%g, %g]", mt.Base, mt.Min, mt.Max)
		}
	}

	// Detector
	voters := 3
	if c.Detector.Isolation.Enabled {
		voters++
		if c.Detector.Isolation.Trees < 1 {
			add("detector.isolation.trees", "trees must be at least 1")
		}
		if c.Detector.Isolation.SubSample < 2 {
			add("detector.isolation.sub_sample", "sub_sample must be at least 2")
		}
		if c.Detector.Isolation.ScoreThreshold <= 0 || c.Detector.Isolation.ScoreThreshold >= 1 {
			add("detector.isolation.score_threshold", "score_threshold must be in (0, 1)")
		}
	}
	if c.Detector.Quorum < 1 || c.Detector.Quorum > voters {
		add("detector.quorum", "quorum must be between 1 and the number of voters (%d), got %d", voters, c.Detector.Quorum)
	}
	if c.Detector.MinSamples < 2 {
		add("detector.min_samples", "min_samples must be at least 2, got %d", c.Detector.MinSamples)
	}
	if c.Detector.MinSamples > c.Thresholds.WindowSize {
		add("detector.min_samples", "min_samples (%d) cannot exceed thresholds.window_size (%d)", c.Detector.MinSamples, c.Thresholds.WindowSize)
	}
	if c.Detector.ZScoreMultiplier <= 0 {
		add("detector.zscore_multiplier", "zscore_multiplier must be positive")
	}
	if c.Detector.TrendSamples < 2 {
		add("detector.trend_samples", "trend_samples must be at least 2, got %d", c.Detector.TrendSamples)
	}
	if c.Detector.SlopeBound <= 0 {
		add("detector.slope_bound", "slope_bound must be positive")
	}

	// Patterns
	if c.Patterns.MinFrequency < 1 {
		add("patterns.min_frequency", "min_frequency must be at least 1, got %d", c.Patterns.MinFrequency)
	}
	if c.Patterns.Window <= 0 {
		add("patterns.window", "window must be positive")
	}
	if c.Patterns.Retention < c.Patterns.Window {
		add("patterns.retention", "retention (%s) must be at least the window (%s)", c.Patterns.Retention, c.Patterns.Window)
	}
	if c.Patterns.SimilarityThreshold <= 0 || c.Patterns.SimilarityThreshold > 1 {
		add("patterns.similarity_threshold", "similarity_threshold must be in (0, 1], got %g", c.Patterns.SimilarityThreshold)
	}
	if c.Patterns.SweepInterval <= 0 {
		add("patterns.sweep_interval", "sweep_interval must be positive")
	}

	// Alerts
	if c.Alerts.SuppressionWindow < 0 {
		add("alerts.suppression_window", "suppression_window must not be negative")
	}
	if c.Alerts.FindingsBuffer < 1 {
		add("alerts.findings_buffer", "findings_buffer must be at least 1")
	}

	// Escalation
	if c.Escalation.Tick <= 0 {
		add("escalation.tick", "tick must be positive")
	}
	channels := map[string]bool{}
	for i, ch := range c.Notify.Channels {
		field := fmt.Sprintf("notify.channels[%d]", i)
		if ch.Name == "" {
			add(field+".name", "channel name is required")
			continue
		}
		if channels[ch.Name] {
			add(field+".name", "duplicate channel name '%s'", ch.Name)
		}
		channels[ch.Name] = true
		if !validChannelTypes[ch.Type] {
			add(field+".type", "invalid channel type '%s', must be one of: email, slack, webhook, nats, log", ch.Type)
			continue
		}
		errs = append(errs, validateChannel(field, ch)...)
	}
	seenThresholds := map[int64]bool{}
	for i, rule := range c.Escalation.Rules {
		field := fmt.Sprintf("escalation.rules[%d]", i)
		if rule.TimeThresholdSeconds <= 0 {
			add(field+".after_seconds", "after_seconds must be positive, got %d", rule.TimeThresholdSeconds)
		}
		if seenThresholds[rule.TimeThresholdSeconds] {
			add(field+".after_seconds", "duplicate after_seconds %d", rule.TimeThresholdSeconds)
		}
		seenThresholds[rule.TimeThresholdSeconds] = true
		if len(rule.Actions) == 0 {
			add(field+".actions", "at least one action is required")
		}
		for j, a := range rule.Actions {
			af := fmt.Sprintf("%s.actions[%d]", field, j)
			switch a.Type {
			case models.ActionSeverityIncrease:
			case models.ActionNotifyChannel:
				if !channels[a.Channel] {
					add(af+".channel", "unknown channel '%s'", a.Channel)
				}
			case models.ActionReassign:
				if a.Target == "" {
					add(af+".target", "reassign requires a target")
				}
			default:
				add(af+".type", "invalid action '%s', must be one of: severity_increase, notify_channel, reassign", a.Type)
			}
		}
	}

	// Notify
	if c.Notify.Timeout <= 0 {
		add("notify.timeout", "timeout must be positive")
	}
	if c.Notify.Retries < 0 {
		add("notify.retries", "retries must not be negative")
	}
	if c.Notify.Workers < 1 {
		add("notify.workers", "workers must be at least 1")
	}
	if c.Notify.RatePerMinute < 1 {
		add("notify.rate_per_minute", "rate_per_minute must be at least 1")
	}
	for _, name := range c.Notify.DefaultChannels {
		if !channels[name] {
			add("notify.default_channels", "unknown channel '%s'", name)
		}
	}
	if c.Notify.FallbackChannel != "" && !channels[c.Notify.FallbackChannel] {
		add("notify.fallback_channel", "unknown channel '%s'", c.Notify.FallbackChannel)
	}

	// Persistence
	if c.Persistence.QueueSize < 1 {
		add("persistence.queue_size", "queue_size must be at least 1")
	}
	if c.Persistence.RetryInterval <= 0 {
		add("persistence.retry_interval", "retry_interval must be positive")
	}
	if c.Persistence.OutageBound <= 0 {
		add("persistence.outage_bound", "outage_bound must be positive")
	}
	if c.Persistence.SampleRetention < c.Thresholds.WindowSize {
		add("persistence.sample_retention", "sample_retention (%d) must cover thresholds.window_size (%d)", c.Persistence.SampleRetention, c.Thresholds.WindowSize)
	}

	return errs
}

func validateChannel(field string, ch ChannelConfig) []error {
	var errs []error
	switch ch.Type {
	case "slack", "webhook":
		u, err := url.Parse(ch.URL)
		if ch.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, &ValidationError{Field: field + ".url", Message: fmt.Sprintf("a valid http(s) url is required for %s channels", ch.Type)})
		}
	case "email":
		if ch.SMTPAddr == "" {
			errs = append(errs, &ValidationError{Field: field + ".smtp_addr", Message: "smtp_addr is required for email channels"})
		}
		if ch.From == "" || len(ch.To) == 0 {
			errs = append(errs, &ValidationError{Field: field + ".to", Message: "from and at least one recipient are required for email channels"})
		}
	case "nats":
		if ch.URL == "" || ch.Subject == "" {
			errs = append(errs, &ValidationError{Field: field + ".subject", Message: "url and subject are required for nats channels"})
		}
	}
	return errs
}
