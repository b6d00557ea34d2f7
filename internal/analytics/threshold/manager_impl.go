package threshold

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/analytics/timeseries"
	"github.com/newsdigest/watchtower/internal/metrics"
	"github.com/newsdigest/watchtower/internal/models"
)

// historyLimit bounds the in-memory history kept per metric.
const historyLimit = 256

type series struct {
	mu      sync.RWMutex
	window  *timeseries.Window
	state   models.ThresholdState
	history []models.ThresholdHistory
}

type managerImpl struct {
	cfg    Config
	series sync.Map // metric name -> *series
	sink   HistorySink
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*managerImpl)

// WithHistorySink persists history rows as they are produced.
func WithHistorySink(sink HistorySink) Option {
	return func(m *managerImpl) { m.sink = sink }
}

// WithLogger sets the logger used for dropped samples.
func WithLogger(logger *zap.Logger) Option {
	return func(m *managerImpl) { m.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *managerImpl) { m.now = now }
}

// NewManager creates a threshold manager.
func NewManager(cfg Config, opts ...Option) Manager {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 60
	}
	if cfg.TrendSamples < 2 {
		cfg.TrendSamples = 2
	}
	m := &managerImpl{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *managerImpl) settings(metricName string) Settings {
	if s, ok := m.cfg.Metrics[metricName]; ok {
		return s
	}
	return Settings{Base: m.cfg.DefaultBase, Min: m.cfg.DefaultMin, Max: m.cfg.DefaultMax}
}

func (m *managerImpl) getOrCreate(metricName string) *series {
	if v, ok := m.series.Load(metricName); ok {
		return v.(*series)
	}
	st := m.settings(metricName)
	s := &series{
		window: timeseries.NewWindow(m.cfg.WindowSize, m.cfg.WindowDuration),
		state: models.ThresholdState{
			MetricName:       metricName,
			BaseThreshold:    st.Base,
			CurrentThreshold: clamp(st.Base, st.Min, st.Max),
			MinBound:         st.Min,
			MaxBound:         st.Max,
		},
	}
	v, _ := m.series.LoadOrStore(metricName, s)
	return v.(*series)
}

// Record ingests one sample stamped with the current time.
func (m *managerImpl) Record(metricName string, value float64) (models.ThresholdState, bool) {
	return m.RecordSample(models.MetricSample{Name: metricName, Value: value, Timestamp: m.now()})
}

// RecordSample ingests one sample.
func (m *managerImpl) RecordSample(sample models.MetricSample) (models.ThresholdState, bool) {
	if sample.Name == "" || math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		m.logger.Warn("dropping malformed sample",
			zap.String("metric", sample.Name),
			zap.Float64("value", sample.Value),
		)
		return models.ThresholdState{}, false
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.now()
	}

	s := m.getOrCreate(sample.Name)
	s.mu.Lock()
	s.window.Push(timeseries.Point{Timestamp: sample.Timestamp, Value: sample.Value})
	h := m.recalculateLocked(s, sample.Timestamp, models.ReasonDrift)
	state := s.state
	s.mu.Unlock()

	m.emit(h)
	return state, true
}

// recalculateLocked recomputes the threshold and appends a history row.
// Caller must hold s.mu.
func (m *managerImpl) recalculateLocked(s *series, at time.Time, reason string) models.ThresholdHistory {
	m.applyFormula(s, at)

	h := models.ThresholdHistory{
		MetricName:    s.state.MetricName,
		Threshold:     s.state.CurrentThreshold,
		BaseThreshold: s.state.BaseThreshold,
		Mean:          s.state.RollingMean,
		StdDev:        s.state.RollingStdDev,
		Trend:         s.state.Trend,
		Reason:        reason,
		RecordedAt:    at,
	}
	s.history = append(s.history, h)
	if len(s.history) > historyLimit {
		s.history = append(s.history[:0:0], s.history[len(s.history)-historyLimit:]...)
	}
	return h
}

func (m *managerImpl) applyFormula(s *series, at time.Time) {
	st := &s.state
	st.RollingMean = s.window.Mean()
	st.RollingStdDev = s.window.StdDev()
	st.Trend = s.window.Slope(m.cfg.TrendSamples)
	st.SampleCount = s.window.Len()
	raw := st.BaseThreshold + m.cfg.AdaptiveFactor*st.Trend + m.cfg.StdMultiplier*st.RollingStdDev
	st.CurrentThreshold = clamp(raw, st.MinBound, st.MaxBound)
	st.LastRecalculatedAt = at
	metrics.ThresholdRecalculations.Inc()
}

func (m *managerImpl) emit(h models.ThresholdHistory) {
	if m.sink != nil {
		m.sink.AppendThresholdHistory(h)
	}
}

// GetThreshold returns the current state for a metric.
func (m *managerImpl) GetThreshold(metricName string) models.ThresholdState {
	s := m.getOrCreate(metricName)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// View returns the state plus recent values for evaluation.
func (m *managerImpl) View(metricName string, n int) (View, bool) {
	v, ok := m.series.Load(metricName)
	if !ok {
		return View{}, false
	}
	s := v.(*series)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{State: s.state, Recent: s.window.Last(n)}, true
}

// SetBaseThreshold overrides the base threshold for a metric.
func (m *managerImpl) SetBaseThreshold(metricName string, base float64) (models.ThresholdState, error) {
	if metricName == "" {
		return models.ThresholdState{}, fmt.Errorf("metric name is required")
	}
	if math.IsNaN(base) || math.IsInf(base, 0) {
		return models.ThresholdState{}, fmt.Errorf("base threshold must be a finite number")
	}

	s := m.getOrCreate(metricName)
	s.mu.Lock()
	s.state.BaseThreshold = base
	h := m.recalculateLocked(s, m.now(), models.ReasonManualOverride)
	state := s.state
	s.mu.Unlock()

	m.emit(h)
	return state, nil
}

// History returns recent history rows, newest first.
func (m *managerImpl) History(metricName string, limit int) []models.ThresholdHistory {
	v, ok := m.series.Load(metricName)
	if !ok {
		return nil
	}
	s := v.(*series)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]models.ThresholdHistory, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// Restore rehydrates a metric's window from persisted samples.
func (m *managerImpl) Restore(metricName string, samples []models.MetricSample, base *float64) models.ThresholdState {
	s := m.getOrCreate(metricName)
	s.mu.Lock()
	defer s.mu.Unlock()

	if base != nil {
		s.state.BaseThreshold = *base
	}
	var last time.Time
	for _, sample := range samples {
		if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
			continue
		}
		s.window.Push(timeseries.Point{Timestamp: sample.Timestamp, Value: sample.Value})
		last = sample.Timestamp
	}
	if last.IsZero() {
		last = m.now()
	}
	m.applyFormula(s, last)
	return s.state
}

// Snapshot returns every state sorted by metric name.
func (m *managerImpl) Snapshot() []models.ThresholdState {
	var out []models.ThresholdState
	m.series.Range(func(_, v any) bool {
		s := v.(*series)
		s.mu.RLock()
		out = append(out, s.state)
		s.mu.RUnlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MetricName < out[j].MetricName })
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
