package models

import (
	"fmt"
	"strings"
	"time"
)

// Package models defines the core data types shared by every watchtower
// component: metric samples, log events, thresholds, patterns, findings,
// alerts, escalation rules and notification records.
//
// Ownership:
//   - MetricSample, LogEvent and Finding are immutable once produced.
//   - ThresholdState is owned by the Threshold Manager; everyone else reads copies.
//   - PatternRecord is owned by the Pattern Engine.
//   - Alert is owned by the Alert Manager; the Escalation Engine mutates it
//     only through Alert Manager methods.

// MetricSample is one metric observation pushed by a metric source.
type MetricSample struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ThresholdState is the adaptive threshold for a single metric.
type ThresholdState struct {
	MetricName         string    `json:"metric_name"`
	BaseThreshold      float64   `json:"base_threshold"`
	CurrentThreshold   float64   `json:"current_threshold"`
	RollingMean        float64   `json:"rolling_mean"`
	RollingStdDev      float64   `json:"rolling_stddev"`
	Trend              float64   `json:"trend"`
	MinBound           float64   `json:"min_bound"`
	MaxBound           float64   `json:"max_bound"`
	SampleCount        int       `json:"sample_count"`
	LastRecalculatedAt time.Time `json:"last_recalculated_at"`
}

// Threshold history reasons.
const (
	ReasonDrift          = "drift"
	ReasonManualOverride = "manual_override"
)

// ThresholdHistory is one append-only audit row written on every recalculation.
type ThresholdHistory struct {
	ID            int64     `json:"id"`
	MetricName    string    `json:"metric_name"`
	Threshold     float64   `json:"threshold"`
	BaseThreshold float64   `json:"base_threshold"`
	Mean          float64   `json:"mean"`
	StdDev        float64   `json:"stddev"`
	Trend         float64   `json:"trend"`
	Reason        string    `json:"reason"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// LogLevel is the level tag carried by a log line.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
	LevelFatal LogLevel = "FATAL"
)

// LogEvent is a normalized log line.
type LogEvent struct {
	Timestamp           time.Time `json:"timestamp"`
	Level               LogLevel  `json:"level"`
	RawText             string    `json:"raw_text"`
	NormalizedSignature string    `json:"normalized_signature"`
}

// Severity is the ordered alert severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

var severityByRank = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the position of s on the severity scale; unknown values rank lowest.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Bump returns the next severity up, capped at critical.
func (s Severity) Bump() Severity {
	r := s.Rank() + 1
	if r >= len(severityByRank) {
		r = len(severityByRank) - 1
	}
	return severityByRank[r]
}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// SeverityForLevel maps a log level to an alert severity.
func SeverityForLevel(l LogLevel) Severity {
	switch l {
	case LevelFatal:
		return SeverityCritical
	case LevelError:
		return SeverityHigh
	case LevelWarn:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// PatternRecord is a cluster of log events sharing a signature.
type PatternRecord struct {
	Signature     string      `json:"signature"`
	Frequency     int64       `json:"frequency"`
	FirstSeen     time.Time   `json:"first_seen"`
	LastSeen      time.Time   `json:"last_seen"`
	Severity      Severity    `json:"severity"`
	ExampleTexts  []string    `json:"example_texts"`
	LastFindingAt time.Time   `json:"last_finding_at"`
	WindowHits    []time.Time `json:"window_hits"`
}

// FindingKind discriminates the Finding union.
type FindingKind string

const (
	FindingAnomaly FindingKind = "anomaly"
	FindingPattern FindingKind = "pattern"
)

// AnomalyFinding is emitted by the anomaly detector when the ensemble reaches quorum.
type AnomalyFinding struct {
	MetricName     string   `json:"metric_name"`
	Value          float64  `json:"value"`
	Threshold      float64  `json:"threshold"`
	DeviationScore float64  `json:"deviation_score"`
	DetectorVotes  []string `json:"detector_votes"`
}

// PatternFinding is emitted when a log signature crosses the frequency bar.
type PatternFinding struct {
	Signature string   `json:"signature"`
	Frequency int64    `json:"frequency"`
	Severity  Severity `json:"severity"`
}

// Finding is a single detection event before it becomes a tracked Alert.
// Exactly one of Anomaly and Pattern is set, matching Kind.
type Finding struct {
	Kind       FindingKind     `json:"kind"`
	DetectedAt time.Time       `json:"detected_at"`
	Anomaly    *AnomalyFinding `json:"anomaly,omitempty"`
	Pattern    *PatternFinding `json:"pattern,omitempty"`
}

// NewAnomalyFinding wraps an anomaly finding.
func NewAnomalyFinding(f AnomalyFinding, at time.Time) Finding {
	return Finding{Kind: FindingAnomaly, DetectedAt: at, Anomaly: &f}
}

// NewPatternFinding wraps a pattern finding.
func NewPatternFinding(f PatternFinding, at time.Time) Finding {
	return Finding{Kind: FindingPattern, DetectedAt: at, Pattern: &f}
}

// Subject returns the metric name or signature the finding is about.
func (f Finding) Subject() string {
	switch f.Kind {
	case FindingAnomaly:
		if f.Anomaly != nil {
			return f.Anomaly.MetricName
		}
	case FindingPattern:
		if f.Pattern != nil {
			return f.Pattern.Signature
		}
	}
	return ""
}

// AlertStatus is a state of the alert lifecycle.
type AlertStatus string

const (
	StatusNew          AlertStatus = "NEW"
	StatusSuppressed   AlertStatus = "SUPPRESSED"
	StatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	StatusEscalated    AlertStatus = "ESCALATED"
	StatusResolved     AlertStatus = "RESOLVED"
)

// Terminal reports whether no further transition is possible from s.
func (s AlertStatus) Terminal() bool {
	return s == StatusResolved || s == StatusSuppressed
}

// ParseAlertStatus parses a status name case-insensitively.
func ParseAlertStatus(s string) (AlertStatus, error) {
	st := AlertStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusNew, StatusSuppressed, StatusAcknowledged, StatusEscalated, StatusResolved:
		return st, nil
	}
	return "", fmt.Errorf("unknown alert status %q", s)
}

// Alert is a tracked incident derived from one or more findings.
type Alert struct {
	ID              string      `json:"id"`
	DedupeKey       string      `json:"dedupe_key"`
	Severity        Severity    `json:"severity"`
	Status          AlertStatus `json:"status"`
	Message         string      `json:"message"`
	SourceFinding   Finding     `json:"source_finding"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	EscalationLevel int         `json:"escalation_level"`
	Occurrences     int         `json:"occurrences"`
	AcknowledgedBy  string      `json:"acknowledged_by,omitempty"`
	ResolvedBy      string      `json:"resolved_by,omitempty"`
	Assignee        string      `json:"assignee,omitempty"`
	PendingChannels []string    `json:"pending_channels,omitempty"`
	ReopenedFrom    string      `json:"reopened_from,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (a Alert) Clone() Alert {
	out := a
	if a.PendingChannels != nil {
		out.PendingChannels = append([]string(nil), a.PendingChannels...)
	}
	if a.SourceFinding.Anomaly != nil {
		an := *a.SourceFinding.Anomaly
		an.DetectorVotes = append([]string(nil), an.DetectorVotes...)
		out.SourceFinding.Anomaly = &an
	}
	if a.SourceFinding.Pattern != nil {
		p := *a.SourceFinding.Pattern
		out.SourceFinding.Pattern = &p
	}
	return out
}

// EscalationActionType enumerates escalation actions.
type EscalationActionType string

const (
	ActionSeverityIncrease EscalationActionType = "severity_increase"
	ActionNotifyChannel    EscalationActionType = "notify_channel"
	ActionReassign         EscalationActionType = "reassign"
)

// EscalationAction is one step of an escalation rule.
type EscalationAction struct {
	Type    EscalationActionType `json:"type" mapstructure:"type"`
	Channel string               `json:"channel,omitempty" mapstructure:"channel"`
	Target  string               `json:"target,omitempty" mapstructure:"target"`
}

// EscalationRule promotes an unresolved alert once it is older than TimeThresholdSeconds.
type EscalationRule struct {
	TimeThresholdSeconds int64              `json:"time_threshold_seconds" mapstructure:"after_seconds"`
	Actions              []EscalationAction `json:"actions" mapstructure:"actions"`
}

// NotificationRecord is one delivery attempt, appended to the audit trail.
type NotificationRecord struct {
	ID          int64     `json:"id"`
	AlertID     string    `json:"alert_id"`
	Channel     string    `json:"channel"`
	Attempt     int       `json:"attempt"`
	AttemptedAt time.Time `json:"attempted_at"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}
