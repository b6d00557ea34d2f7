package intake

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/newsdigest/watchtower/internal/models"
)

// Package intake normalizes pushed metric samples and raw log lines into
// typed records. It holds no business logic: anything malformed is turned
// into an InputError for the caller to drop, log and count.

// InputError reports a malformed sample or log line.
type InputError struct {
	Kind   string // "sample" or "log"
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
}

// Sink receives normalized records from a source.
type Sink interface {
	SubmitSample(ctx context.Context, sample models.MetricSample) error
	SubmitLog(ctx context.Context, event models.LogEvent) error
}

// Limits bounds what intake accepts.
type Limits struct {
	MaxAbsValue  float64
	MaxLineBytes int
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() Limits {
	return Limits{MaxAbsValue: 1e12, MaxLineBytes: 16 * 1024}
}

var metricNameRe = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:.\-]{0,127}$`)

// ValidateMetricName rejects names intake would not accept.
func ValidateMetricName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &InputError{Kind: "sample", Reason: "metric name is required"}
	}
	if !metricNameRe.MatchString(name) {
		return &InputError{Kind: "sample", Reason: fmt.Sprintf("invalid metric name %q", name)}
	}
	return nil
}

// ParseSample validates one metric observation. A zero timestamp is
// replaced by now.
func (l Limits) ParseSample(name string, value float64, ts time.Time, now time.Time) (models.MetricSample, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.MetricSample{}, &InputError{Kind: "sample", Reason: "metric name is required"}
	}
	if !metricNameRe.MatchString(name) {
		return models.MetricSample{}, &InputError{Kind: "sample", Reason: fmt.Sprintf("invalid metric name %q", name)}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return models.MetricSample{}, &InputError{Kind: "sample", Reason: fmt.Sprintf("%s: value is not a finite number", name)}
	}
	if l.MaxAbsValue > 0 && math.Abs(value) > l.MaxAbsValue {
		return models.MetricSample{}, &InputError{Kind: "sample", Reason: fmt.Sprintf("%s: value %g out of range", name, value)}
	}
	if ts.IsZero() {
		ts = now
	}
	return models.MetricSample{Name: name, Value: value, Timestamp: ts.UTC()}, nil
}

var (
	levelKVRe  = regexp.MustCompile(`(?i)\blevel=["']?(debug|info|warning|warn|error|err|fatal|critical|crit)\b["']?`)
	levelTagRe = regexp.MustCompile(`(?i)\[(debug|info|warning|warn|error|err|fatal|critical|crit)\]:?`)
	levelWord  = regexp.MustCompile(`\b(DEBUG|INFO|WARNING|WARN|ERROR|ERR|FATAL|CRITICAL|CRIT)\b:?`)
)

func normalizeLevel(s string) models.LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return models.LevelDebug
	case "WARN", "WARNING":
		return models.LevelWarn
	case "ERROR", "ERR":
		return models.LevelError
	case "FATAL", "CRITICAL", "CRIT":
		return models.LevelFatal
	default:
		return models.LevelInfo
	}
}

// ExtractLevel finds the level tag of a log line and returns the line with
// the tag removed. Lines without a tag are INFO.
func ExtractLevel(line string) (models.LogLevel, string) {
	for _, re := range []*regexp.Regexp{levelKVRe, levelTagRe, levelWord} {
		loc := re.FindStringSubmatchIndex(line)
		if loc == nil {
			continue
		}
		level := normalizeLevel(line[loc[2]:loc[3]])
		rest := strings.TrimSpace(strings.TrimSpace(line[:loc[0]]) + " " + strings.TrimSpace(line[loc[1]:]))
		return level, rest
	}
	return models.LevelInfo, line
}

// ParseLogLine turns a raw line into a LogEvent with its signature.
func (l Limits) ParseLogLine(raw string, receivedAt time.Time) (models.LogEvent, error) {
	if l.MaxLineBytes > 0 && len(raw) > l.MaxLineBytes {
		return models.LogEvent{}, &InputError{Kind: "log", Reason: fmt.Sprintf("line exceeds %d bytes", l.MaxLineBytes)}
	}
	line := strings.TrimSpace(raw)
	if line == "" {
		return models.LogEvent{}, &InputError{Kind: "log", Reason: "empty line"}
	}

	level, message := ExtractLevel(line)
	sig := Signature(message)
	if sig == "" {
		return models.LogEvent{}, &InputError{Kind: "log", Reason: "line has no message"}
	}
	return models.LogEvent{
		Timestamp:           receivedAt.UTC(),
		Level:               level,
		RawText:             line,
		NormalizedSignature: sig,
	}, nil
}
