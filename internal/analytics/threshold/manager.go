package threshold

import (
	"time"

	"github.com/newsdigest/watchtower/internal/models"
)

// Package threshold maintains one adaptive threshold per metric name.
//
// Responsibilities:
//   - Keep a bounded rolling window of recent samples per metric
//   - Recompute the threshold on every accepted sample
//   - Record every recalculation as an append-only history row
//   - Accept manual overrides of the base threshold
//   - Rehydrate windows from persisted samples after a restart
//
// Threshold Formula:
//
//   current = clamp(base + adaptive_factor*trend + std_multiplier*stddev, min, max)
//
//   - trend: least-squares slope over the last trend_samples values
//   - stddev: population standard deviation of the window
//   - min/max: per-metric bounds so drift can never silence an incident
//
// Concurrency:
//   - One lock per metric; there is no global lock
//   - Readers always receive copies of ThresholdState
//   - Callers must feed samples for one metric in arrival order

// Settings overrides the threshold defaults for a single metric.
type Settings struct {
	Base float64
	Min  float64
	Max  float64
}

// Config controls window sizing and the threshold formula.
type Config struct {
	DefaultBase    float64
	DefaultMin     float64
	DefaultMax     float64
	WindowSize     int
	WindowDuration time.Duration
	TrendSamples   int
	AdaptiveFactor float64
	StdMultiplier  float64
	Metrics        map[string]Settings
}

// HistorySink receives every history row as it is produced.
type HistorySink interface {
	AppendThresholdHistory(h models.ThresholdHistory)
}

// View is a read-only snapshot used by the anomaly detector.
type View struct {
	State  models.ThresholdState
	Recent []float64
}

// Manager owns every ThresholdState.
type Manager interface {
	// Record ingests one sample. Malformed values are dropped and logged;
	// the returned bool reports whether the sample was accepted.
	Record(metricName string, value float64) (models.ThresholdState, bool)

	// RecordSample ingests one sample with its timestamp.
	RecordSample(sample models.MetricSample) (models.ThresholdState, bool)

	// GetThreshold returns the current state, creating it with the configured
	// base threshold if absent.
	GetThreshold(metricName string) models.ThresholdState

	// View returns the current state plus the last n window values, or false
	// if the metric has never been seen.
	View(metricName string, n int) (View, bool)

	// SetBaseThreshold overrides the base threshold and recalculates.
	SetBaseThreshold(metricName string, base float64) (models.ThresholdState, error)

	// History returns up to limit recent in-memory history rows, newest first.
	History(metricName string, limit int) []models.ThresholdHistory

	// Restore replays persisted samples into an empty window without writing
	// history. A non-nil base replaces the configured base.
	Restore(metricName string, samples []models.MetricSample, base *float64) models.ThresholdState

	// Snapshot returns the state of every known metric, sorted by name.
	Snapshot() []models.ThresholdState
}
