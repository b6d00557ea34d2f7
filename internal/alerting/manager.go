package alerting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/audit"
	"github.com/newsdigest/watchtower/internal/metrics"
	"github.com/newsdigest/watchtower/internal/models"
)

// SystemActor is recorded for transitions not made by an operator.
const SystemActor = "system"

type entry struct {
	mu    sync.Mutex
	alert models.Alert
}

type slot struct {
	mu      sync.Mutex
	alertID string
}

// Manager owns every alert. All methods are safe for concurrent use.
type Manager struct {
	cfg      Config
	notifier Notifier
	store    Store
	auditor  audit.Logger
	logger   *zap.Logger
	now      func() time.Time

	alerts sync.Map // id -> *entry
	slots  sync.Map // dedupe key -> *slot

	active          atomic.Int64
	softFailures    atomic.Int64
	lastSoftFailure atomic.Int64

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets the dispatcher new alerts are handed to.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithStore persists every alert change.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithAuditLogger records lifecycle transitions in the audit log.
func WithAuditLogger(l audit.Logger) Option {
	return func(m *Manager) { m.auditor = l }
}

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an alert manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers a listener called after every alert change. Listeners
// run on the caller's goroutine while the alert is locked, so they see each
// alert's changes in order. They must not block or call back into the Manager.
func (m *Manager) Subscribe(fn func(Event)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// ─── Findings ───────────────────────────────────────────────────────────────

// DedupeKey returns the deduplication key for a finding.
func DedupeKey(f models.Finding) string {
	switch f.Kind {
	case models.FindingPattern:
		return fmt.Sprintf("pattern:%s|%s", f.Subject(), SeverityFor(f))
	default:
		return fmt.Sprintf("metric:%s|%s", f.Subject(), SeverityFor(f))
	}
}

// SeverityFor derives the initial alert severity of a finding. Pattern
// findings carry their own; anomalies are graded by deviation score.
func SeverityFor(f models.Finding) models.Severity {
	if f.Pattern != nil {
		if f.Pattern.Severity.Valid() {
			return f.Pattern.Severity
		}
		return models.SeverityLow
	}
	if f.Anomaly == nil {
		return models.SeverityLow
	}
	switch score := f.Anomaly.DeviationScore; {
	case score >= 0.9:
		return models.SeverityCritical
	case score >= 0.75:
		return models.SeverityHigh
	case score >= 0.5:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func messageFor(f models.Finding) string {
	switch {
	case f.Anomaly != nil:
		a := f.Anomaly
		return fmt.Sprintf("%s=%g exceeded threshold %.4g (votes: %s)",
			a.MetricName, a.Value, a.Threshold, strings.Join(a.DetectorVotes, ", "))
	case f.Pattern != nil:
		return fmt.Sprintf("log pattern %q seen %d times", f.Pattern.Signature, f.Pattern.Frequency)
	}
	return "unknown finding"
}

// HandleFinding deduplicates a finding into an existing alert or creates a
// new one. It returns the resulting alert and whether it was newly created.
func (m *Manager) HandleFinding(f models.Finding) (models.Alert, bool) {
	key := DedupeKey(f)
	now := m.now()

	v, _ := m.slots.LoadOrStore(key, &slot{})
	s := v.(*slot)
	s.mu.Lock()

	if e := m.entry(s.alertID); e != nil {
		e.mu.Lock()
		a := &e.alert
		foldable := !a.Status.Terminal() || a.Status == models.StatusSuppressed
		if foldable && now.Sub(a.UpdatedAt) <= m.cfg.SuppressionWindow {
			a.Occurrences++
			a.UpdatedAt = now
			evType := EventUpdated
			from := a.Status
			if m.cfg.SuppressDuplicates && a.Status == models.StatusNew {
				a.Status = models.StatusSuppressed
				evType = EventSuppressed
				m.active.Add(-1)
			}
			out := a.Clone()
			s.mu.Unlock()

			metrics.AlertsDeduplicated.Inc()
			if from != out.Status {
				metrics.AlertTransitions.WithLabelValues(string(from), string(out.Status)).Inc()
			}
			m.afterChange(evType, out, SystemActor)
			e.mu.Unlock()
			return out, false
		}
		e.mu.Unlock()
	}

	alert := models.Alert{
		ID:            uuid.NewString(),
		DedupeKey:     key,
		Severity:      SeverityFor(f),
		Status:        models.StatusNew,
		Message:       messageFor(f),
		SourceFinding: f,
		CreatedAt:     now,
		UpdatedAt:     now,
		Occurrences:   1,
	}
	e := &entry{alert: alert}
	e.mu.Lock()
	m.alerts.Store(alert.ID, e)
	s.alertID = alert.ID
	s.mu.Unlock()

	m.active.Add(1)
	metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()
	m.logger.Info("alert created",
		zap.String("alert_id", alert.ID),
		zap.String("dedupe_key", key),
		zap.String("severity", string(alert.Severity)),
	)

	out := alert.Clone()
	m.afterChange(EventCreated, out, SystemActor)
	e.mu.Unlock()
	if m.notifier != nil {
		m.notifier.Enqueue(out.Clone(), m.cfg.DefaultChannels)
	}
	return out, true
}

// ─── Operator transitions ───────────────────────────────────────────────────

// Acknowledge moves a NEW or ESCALATED alert to ACKNOWLEDGED. Acknowledging
// an already acknowledged alert is a no-op.
func (m *Manager) Acknowledge(id, actor string) (models.Alert, error) {
	return m.mutate(id, func(a *models.Alert) (EventType, error) {
		switch {
		case a.Status.Terminal():
			return "", ErrAlreadyTerminal
		case a.Status == models.StatusAcknowledged:
			return "", nil
		case !CanTransition(a.Status, models.StatusAcknowledged):
			return "", ErrInvalidTransition
		}
		m.transition(a, models.StatusAcknowledged)
		a.AcknowledgedBy = actor
		return EventAcknowledged, nil
	}, actor)
}

// Resolve moves an alert to RESOLVED. A NEW alert passes through
// ACKNOWLEDGED on the way.
func (m *Manager) Resolve(id, actor string) (models.Alert, error) {
	return m.mutate(id, func(a *models.Alert) (EventType, error) {
		if a.Status.Terminal() {
			return "", ErrAlreadyTerminal
		}
		if a.Status == models.StatusNew {
			m.transition(a, models.StatusAcknowledged)
			if a.AcknowledgedBy == "" {
				a.AcknowledgedBy = actor
			}
		}
		if !CanTransition(a.Status, models.StatusResolved) {
			return "", ErrInvalidTransition
		}
		m.transition(a, models.StatusResolved)
		a.ResolvedBy = actor
		a.PendingChannels = nil
		return EventResolved, nil
	}, actor)
}

// Reopen creates a fresh NEW alert from a SUPPRESSED one. The suppressed
// alert is left untouched; later duplicates fold into the new alert.
func (m *Manager) Reopen(id, actor string) (models.Alert, error) {
	e := m.entry(id)
	if e == nil {
		return models.Alert{}, ErrNotFound
	}

	e.mu.Lock()
	src := e.alert.Clone()
	e.mu.Unlock()
	if src.Status != models.StatusSuppressed {
		return models.Alert{}, fmt.Errorf("%w: cannot reopen %s alert", ErrInvalidTransition, src.Status)
	}

	v, _ := m.slots.LoadOrStore(src.DedupeKey, &slot{})
	s := v.(*slot)
	s.mu.Lock()
	now := m.now()
	alert := models.Alert{
		ID:            uuid.NewString(),
		DedupeKey:     src.DedupeKey,
		Severity:      src.Severity,
		Status:        models.StatusNew,
		Message:       src.Message,
		SourceFinding: src.SourceFinding,
		CreatedAt:     now,
		UpdatedAt:     now,
		Occurrences:   1,
		ReopenedFrom:  src.ID,
	}
	ne := &entry{alert: alert}
	ne.mu.Lock()
	m.alerts.Store(alert.ID, ne)
	s.alertID = alert.ID
	s.mu.Unlock()

	m.active.Add(1)
	metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()
	out := alert.Clone()
	m.afterChange(EventReopened, out, actor)
	ne.mu.Unlock()
	if m.notifier != nil {
		m.notifier.Enqueue(out.Clone(), m.cfg.DefaultChannels)
	}
	return out, nil
}

// ─── Escalation ─────────────────────────────────────────────────────────────

// Escalate applies rule actions and raises the escalation level to level.
// It returns ErrInvalidTransition when the alert is already at or above
// level, so concurrent sweeps apply each rule once.
func (m *Manager) Escalate(id string, level int, actions []models.EscalationAction) (models.Alert, error) {
	return m.mutate(id, func(a *models.Alert) (EventType, error) {
		if a.Status.Terminal() {
			return "", ErrAlreadyTerminal
		}
		if level <= a.EscalationLevel {
			return "", fmt.Errorf("%w: alert already at level %d", ErrInvalidTransition, a.EscalationLevel)
		}
		for _, act := range actions {
			switch act.Type {
			case models.ActionSeverityIncrease:
				a.Severity = a.Severity.Bump()
			case models.ActionReassign:
				if act.Target != "" {
					a.Assignee = act.Target
				}
			}
		}
		if a.Status == models.StatusNew {
			m.transition(a, models.StatusEscalated)
		}
		a.EscalationLevel = level
		metrics.EscalationsTotal.WithLabelValues(fmt.Sprintf("%d", level)).Inc()
		return EventEscalated, nil
	}, SystemActor)
}

// RecordDispatch stores the outcome of a notification dispatch. Failed
// channels are kept as pending for the next escalation sweep; zero
// deliveries count as a soft failure. It never moves updated_at.
func (m *Manager) RecordDispatch(id string, delivered, failed []string) {
	if len(delivered) == 0 && len(failed) > 0 {
		m.softFailures.Add(1)
		m.lastSoftFailure.Store(m.now().UnixNano())
	}
	_, err := m.apply(id, func(a *models.Alert) (EventType, error) {
		if a.Status.Terminal() {
			return "", nil
		}
		pending := make([]string, 0, len(a.PendingChannels)+len(failed))
		seen := make(map[string]bool)
		for _, ch := range append(append([]string(nil), a.PendingChannels...), failed...) {
			if seen[ch] || contains(delivered, ch) {
				continue
			}
			seen[ch] = true
			pending = append(pending, ch)
		}
		if len(pending) == 0 {
			pending = nil
		}
		if sameChannels(a.PendingChannels, pending) {
			return "", nil
		}
		a.PendingChannels = pending
		return EventUpdated, nil
	}, SystemActor, false)
	if err != nil {
		m.logger.Debug("dispatch outcome for unknown alert", zap.String("alert_id", id), zap.Error(err))
	}
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Get returns a copy of one alert.
func (m *Manager) Get(id string) (models.Alert, error) {
	e := m.entry(id)
	if e == nil {
		return models.Alert{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alert.Clone(), nil
}

// Active lists alerts matching filter, most severe first, then oldest first.
func (m *Manager) Active(filter Filter) []models.Alert {
	want := make(map[models.AlertStatus]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		want[s] = true
	}

	var out []models.Alert
	m.alerts.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		a := e.alert.Clone()
		e.mu.Unlock()

		if len(want) > 0 {
			if !want[a.Status] {
				return true
			}
		} else if a.Status.Terminal() {
			return true
		}
		if filter.MinSeverity != "" && a.Severity.Rank() < filter.MinSeverity.Rank() {
			return true
		}
		out = append(out, a)
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	metrics.ActiveAlerts.Set(float64(m.active.Load()))
	return out
}

// Health reports pipeline counters.
func (m *Manager) Health() Health {
	h := Health{
		ActiveAlerts: int(m.active.Load()),
		SoftFailures: m.softFailures.Load(),
	}
	if ns := m.lastSoftFailure.Load(); ns > 0 {
		h.LastSoftFailure = time.Unix(0, ns).UTC()
	}
	return h
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Restore loads persisted alerts. Later alerts win the dedupe slot for a key.
func (m *Manager) Restore(alerts []models.Alert) {
	sorted := append([]models.Alert(nil), alerts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt) })

	for _, a := range sorted {
		if a.ID == "" {
			continue
		}
		if _, loaded := m.alerts.LoadOrStore(a.ID, &entry{alert: a.Clone()}); loaded {
			continue
		}
		if !a.Status.Terminal() {
			m.active.Add(1)
		}
		v, _ := m.slots.LoadOrStore(a.DedupeKey, &slot{})
		s := v.(*slot)
		s.mu.Lock()
		s.alertID = a.ID
		s.mu.Unlock()
	}
	metrics.ActiveAlerts.Set(float64(m.active.Load()))
}

// Prune drops terminal alerts last updated before cutoff from memory.
func (m *Manager) Prune(cutoff time.Time) int {
	removed := 0
	m.alerts.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		drop := e.alert.Status.Terminal() && e.alert.UpdatedAt.Before(cutoff)
		key := e.alert.DedupeKey
		e.mu.Unlock()
		if !drop {
			return true
		}
		if sv, ok := m.slots.Load(key); ok {
			s := sv.(*slot)
			s.mu.Lock()
			if s.alertID == k.(string) {
				s.alertID = ""
			}
			s.mu.Unlock()
		}
		m.alerts.Delete(k)
		removed++
		return true
	})
	return removed
}

// ─── Internals ──────────────────────────────────────────────────────────────

func (m *Manager) entry(id string) *entry {
	if id == "" {
		return nil
	}
	v, ok := m.alerts.Load(id)
	if !ok {
		return nil
	}
	return v.(*entry)
}

// mutate runs fn under the alert's lock. An empty event type means nothing
// changed. The change is persisted and published before the lock is released.
func (m *Manager) mutate(id string, fn func(*models.Alert) (EventType, error), actor string) (models.Alert, error) {
	return m.apply(id, fn, actor, true)
}

// apply is mutate with control over updated_at. Bookkeeping changes leave it
// alone so they do not extend the dedupe window.
func (m *Manager) apply(id string, fn func(*models.Alert) (EventType, error), actor string, touch bool) (models.Alert, error) {
	e := m.entry(id)
	if e == nil {
		return models.Alert{}, ErrNotFound
	}

	e.mu.Lock()
	wasTerminal := e.alert.Status.Terminal()
	working := e.alert.Clone()
	evType, err := fn(&working)
	if err != nil {
		out := e.alert.Clone()
		e.mu.Unlock()
		return out, err
	}
	if evType == "" {
		out := e.alert.Clone()
		e.mu.Unlock()
		return out, nil
	}
	if touch {
		working.UpdatedAt = m.now()
	}
	e.alert = working
	out := e.alert.Clone()
	if !wasTerminal && out.Status.Terminal() {
		m.active.Add(-1)
	}
	m.afterChange(evType, out, actor)
	e.mu.Unlock()
	return out, nil
}

func (m *Manager) transition(a *models.Alert, to models.AlertStatus) {
	metrics.AlertTransitions.WithLabelValues(string(a.Status), string(to)).Inc()
	a.Status = to
}

var auditTypes = map[EventType]audit.EventType{
	EventCreated:      audit.EventAlertCreated,
	EventSuppressed:   audit.EventAlertSuppressed,
	EventAcknowledged: audit.EventAlertAcknowledged,
	EventEscalated:    audit.EventAlertEscalated,
	EventResolved:     audit.EventAlertResolved,
	EventReopened:     audit.EventAlertReopened,
}

func (m *Manager) afterChange(evType EventType, alert models.Alert, actor string) {
	if m.store != nil {
		m.store.SaveAlert(alert.Clone())
	}
	if m.auditor != nil {
		if at, ok := auditTypes[evType]; ok {
			if err := m.auditor.LogAlert(context.Background(), at, &alert, actor); err != nil {
				m.logger.Warn("audit write failed", zap.String("alert_id", alert.ID), zap.Error(err))
			}
		}
	}
	metrics.ActiveAlerts.Set(float64(m.active.Load()))

	m.listenersMu.RLock()
	listeners := m.listeners
	m.listenersMu.RUnlock()
	ev := Event{Type: evType, Actor: actor, Alert: alert, At: m.now()}
	for _, fn := range listeners {
		fn(ev)
	}
}

func sameChannels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
