package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/alerting"
	"github.com/newsdigest/watchtower/internal/db"
	"github.com/newsdigest/watchtower/internal/intake"
	"github.com/newsdigest/watchtower/internal/metrics"
	"github.com/newsdigest/watchtower/internal/models"
)

// ErrInvalidArgument wraps operator input that cannot be served.
var ErrInvalidArgument = errors.New("invalid argument")

// DefaultHistoryLimit bounds ThresholdHistory when no limit is given.
const DefaultHistoryLimit = 100

// AlertDetail is an alert with its delivery attempts.
type AlertDetail struct {
	models.Alert
	Notifications []models.NotificationRecord `json:"notifications"`
}

// Health is the liveness summary served on /healthz.
type Health struct {
	Status           string          `json:"status"` // ok | degraded
	StoreError       string          `json:"store_error,omitempty"`
	PersistenceQueue int             `json:"persistence_queue"`
	Alerts           alerting.Health `json:"alerts"`
	Voters           []string        `json:"voters"`
	Channels         []string        `json:"channels"`
	RecentFindings   int             `json:"recent_findings"`
	CheckedAt        time.Time       `json:"checked_at"`
}

// ─── Alerts ─────────────────────────────────────────────────────────────────

// AcknowledgeAlert moves an alert to ACKNOWLEDGED on behalf of actor.
func (m *Monitor) AcknowledgeAlert(ctx context.Context, id, actor string) (models.Alert, error) {
	return m.alerts.Acknowledge(id, actorOrDefault(actor))
}

// ResolveAlert closes an alert on behalf of actor.
func (m *Monitor) ResolveAlert(ctx context.Context, id, actor string) (models.Alert, error) {
	return m.alerts.Resolve(id, actorOrDefault(actor))
}

// ReopenAlert raises a fresh alert from a SUPPRESSED one.
func (m *Monitor) ReopenAlert(ctx context.Context, id, actor string) (models.Alert, error) {
	return m.alerts.Reopen(id, actorOrDefault(actor))
}

// GetActiveAlerts lists open alerts, most severe first.
func (m *Monitor) GetActiveAlerts(ctx context.Context, filter alerting.Filter) []models.Alert {
	return m.alerts.Active(filter)
}

// GetAlert returns one alert with its notification records. Alerts already
// pruned from memory are read from the store.
func (m *Monitor) GetAlert(ctx context.Context, id string) (AlertDetail, error) {
	alert, err := m.alerts.Get(id)
	if errors.Is(err, alerting.ErrNotFound) {
		stored, serr := m.store.GetAlert(ctx, id)
		switch {
		case errors.Is(serr, db.ErrNotFound):
			return AlertDetail{}, err
		case serr != nil:
			return AlertDetail{}, fmt.Errorf("failed to load alert %s: %w", id, serr)
		}
		alert, err = *stored, nil
	}
	if err != nil {
		return AlertDetail{}, err
	}

	records, err := m.store.ListNotifications(ctx, id)
	if err != nil {
		m.logger.Warn("failed to load notification records", zap.String("alert_id", id), zap.Error(err))
	}
	return AlertDetail{Alert: alert, Notifications: records}, nil
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return "operator"
	}
	return actor
}

// ─── Thresholds ─────────────────────────────────────────────────────────────

// GetThreshold returns the threshold of metric, creating it with the
// configured base if it has never been seen.
func (m *Monitor) GetThreshold(ctx context.Context, metric string) (models.ThresholdState, error) {
	if err := intake.ValidateMetricName(metric); err != nil {
		return models.ThresholdState{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return m.thresholds.GetThreshold(metric), nil
}

// Thresholds returns every known threshold, sorted by metric name.
func (m *Monitor) Thresholds(ctx context.Context) []models.ThresholdState {
	return m.thresholds.Snapshot()
}

// SetBaseThreshold overrides the base threshold of metric and records the
// override in the audit trail.
func (m *Monitor) SetBaseThreshold(ctx context.Context, metric string, base float64, actor string) (models.ThresholdState, error) {
	if err := intake.ValidateMetricName(metric); err != nil {
		return models.ThresholdState{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	previous := m.thresholds.GetThreshold(metric).BaseThreshold
	state, err := m.thresholds.SetBaseThreshold(metric, base)
	if err != nil {
		return models.ThresholdState{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := m.audit.LogThresholdOverride(ctx, metric, previous, base, actorOrDefault(actor)); err != nil {
		m.logger.Warn("failed to audit threshold override", zap.String("metric", metric), zap.Error(err))
	}
	return state, nil
}

// ThresholdHistory returns up to limit history rows of metric, newest first.
// Rows from before the last restart come from the store.
func (m *Monitor) ThresholdHistory(ctx context.Context, metric string, limit int) ([]models.ThresholdHistory, error) {
	if err := intake.ValidateMetricName(metric); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows := m.thresholds.History(metric, limit)
	if len(rows) >= limit {
		return rows, nil
	}

	stored, err := m.store.QueryThresholdHistory(ctx, metric, limit)
	if err != nil {
		m.logger.Warn("threshold history from memory only", zap.String("metric", metric), zap.Error(err))
		return rows, nil
	}
	var oldest time.Time
	if len(rows) > 0 {
		oldest = rows[len(rows)-1].RecordedAt
	}
	for _, h := range stored {
		if len(rows) >= limit {
			break
		}
		if oldest.IsZero() || h.RecordedAt.Before(oldest) {
			rows = append(rows, h)
		}
	}
	return rows, nil
}

// ─── Findings and patterns ──────────────────────────────────────────────────

// GetRecentFindings returns findings of the last minutes, newest first.
func (m *Monitor) GetRecentFindings(ctx context.Context, minutes int) ([]models.Finding, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("%w: minutes must be positive, got %d", ErrInvalidArgument, minutes)
	}
	window := time.Duration(minutes) * time.Minute
	if r := m.cfg.Alerts.FindingsRetention; r > 0 && window > r {
		window = r
	}
	return m.recent.Since(m.now().Add(-window)), nil
}

// Patterns lists pattern records, most frequent first.
func (m *Monitor) Patterns(ctx context.Context) []models.PatternRecord {
	return m.patterns.Records()
}

// ─── Intake ─────────────────────────────────────────────────────────────────

// IngestSample validates and queues one metric sample. A zero timestamp
// means now.
func (m *Monitor) IngestSample(ctx context.Context, name string, value float64, ts time.Time) error {
	sample, err := m.limits.ParseSample(name, value, ts, m.now())
	if err != nil {
		metrics.IntakeRejectedTotal.WithLabelValues("sample").Inc()
		return err
	}
	return m.SubmitSample(ctx, sample)
}

// IngestLog validates and queues one raw log line.
func (m *Monitor) IngestLog(ctx context.Context, line string) error {
	event, err := m.limits.ParseLogLine(line, m.now())
	if err != nil {
		metrics.IntakeRejectedTotal.WithLabelValues("log").Inc()
		return err
	}
	return m.SubmitLog(ctx, event)
}

// ─── Health ─────────────────────────────────────────────────────────────────

// Health pings the store and summarizes the pipeline.
func (m *Monitor) Health(ctx context.Context) Health {
	h := Health{
		Status:           "ok",
		PersistenceQueue: m.writer.Pending(),
		Alerts:           m.alerts.Health(),
		Voters:           m.detector.Voters(),
		Channels:         m.dispatcher.Channels(),
		RecentFindings:   m.recent.Len(),
		CheckedAt:        m.now(),
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.store.Ping(pingCtx); err != nil {
		h.Status = "degraded"
		h.StoreError = err.Error()
	}
	return h
}

// ─── Rehydration ────────────────────────────────────────────────────────────

// Rehydrate reloads threshold windows, pattern records and open alerts from
// the store. It keeps going past individual failures and returns the first.
func (m *Monitor) Rehydrate(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	overrides, err := m.store.LatestOverrides(ctx)
	if err != nil {
		keep(fmt.Errorf("failed to load threshold overrides: %w", err))
	}
	names, err := m.store.MetricNames(ctx)
	if err != nil {
		keep(fmt.Errorf("failed to load metric names: %w", err))
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
	}
	for name := range overrides {
		if !seen[name] {
			names = append(names, name)
		}
	}

	restored := 0
	for _, name := range names {
		samples, err := m.store.RecentSamples(ctx, name, m.cfg.Thresholds.WindowSize)
		if err != nil {
			keep(fmt.Errorf("failed to load samples of %s: %w", name, err))
			continue
		}
		var base *float64
		if b, ok := overrides[name]; ok {
			base = &b
		}
		m.thresholds.Restore(name, samples, base)
		restored++
	}

	records, err := m.store.ListPatterns(ctx)
	if err != nil {
		keep(fmt.Errorf("failed to load pattern records: %w", err))
	} else {
		m.patterns.Restore(records)
	}

	open, err := m.store.ListAlerts(ctx, db.AlertQuery{Statuses: []models.AlertStatus{
		models.StatusNew, models.StatusAcknowledged, models.StatusEscalated,
	}})
	if err != nil {
		keep(fmt.Errorf("failed to load open alerts: %w", err))
	}
	// Closed alerts still inside the suppression window keep deduplicating.
	recent, err := m.store.ListAlerts(ctx, db.AlertQuery{Since: m.now().Add(-m.cfg.Alerts.SuppressionWindow)})
	if err != nil {
		keep(fmt.Errorf("failed to load recent alerts: %w", err))
	}
	m.alerts.Restore(append(open, recent...))

	m.logger.Info("state rehydrated",
		zap.Int("metrics", restored),
		zap.Int("patterns", len(records)),
		zap.Int("open_alerts", len(open)),
	)
	return firstErr
}
