package db

import (
	"context"
	"errors"
	"time"

	"github.com/newsdigest/watchtower/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for watchtower state.
type Store interface {
	AlertStore
	ThresholdStore
	SampleStore
	PatternStore
	NotificationStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Alert store ──────────────────────────────────────────────────────────────

// AlertQuery filters ListAlerts.
type AlertQuery struct {
	Statuses []models.AlertStatus
	Since    time.Time
	Limit    int
}

// AlertStore persists alerts.
type AlertStore interface {
	// SaveAlert creates or updates an alert.
	SaveAlert(ctx context.Context, alert *models.Alert) error

	// GetAlert retrieves one alert. Returns ErrNotFound when missing.
	GetAlert(ctx context.Context, id string) (*models.Alert, error)

	// ListAlerts returns alerts newest first.
	ListAlerts(ctx context.Context, q AlertQuery) ([]models.Alert, error)
}

// ─── Threshold store ──────────────────────────────────────────────────────────

// ThresholdStore persists the append-only threshold audit trail.
type ThresholdStore interface {
	// AppendThresholdHistory writes one history row.
	AppendThresholdHistory(ctx context.Context, h *models.ThresholdHistory) error

	// QueryThresholdHistory returns rows for a metric, newest first.
	QueryThresholdHistory(ctx context.Context, metric string, limit int) ([]models.ThresholdHistory, error)

	// LatestOverrides returns the most recent manual base per metric.
	LatestOverrides(ctx context.Context) (map[string]float64, error)
}

// ─── Sample store ─────────────────────────────────────────────────────────────

// SampleStore keeps a bounded tail of raw samples per metric so rolling
// windows survive a restart.
type SampleStore interface {
	// AppendSample writes one sample.
	AppendSample(ctx context.Context, sample *models.MetricSample) error

	// PruneSamples keeps only the newest keep samples of a metric.
	PruneSamples(ctx context.Context, metric string, keep int) error

	// RecentSamples returns up to limit samples of a metric, oldest first.
	RecentSamples(ctx context.Context, metric string, limit int) ([]models.MetricSample, error)

	// MetricNames lists metrics with stored samples.
	MetricNames(ctx context.Context) ([]string, error)
}

// ─── Pattern store ────────────────────────────────────────────────────────────

// PatternStore persists pattern records.
type PatternStore interface {
	UpsertPattern(ctx context.Context, rec *models.PatternRecord) error
	DeletePattern(ctx context.Context, signature string) error
	ListPatterns(ctx context.Context) ([]models.PatternRecord, error)
}

// ─── Notification store ───────────────────────────────────────────────────────

// NotificationStore persists delivery attempts.
type NotificationStore interface {
	// AppendNotification writes one attempt record.
	AppendNotification(ctx context.Context, rec *models.NotificationRecord) error

	// ListNotifications returns attempts for an alert, oldest first.
	ListNotifications(ctx context.Context, alertID string) ([]models.NotificationRecord, error)
}
