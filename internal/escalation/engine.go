package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/alerting"
	"github.com/newsdigest/watchtower/internal/metrics"
	"github.com/newsdigest/watchtower/internal/models"
)

// Package escalation promotes unresolved alerts by age.
//
// Rules are ordered by time threshold. On each sweep every open alert whose
// age exceeds the thresholds of rules it has not yet passed gets those rules
// applied in one step, so a sweep run twice at the same instant changes
// nothing the second time. Channels that failed delivery earlier are retried
// with exponential backoff until they succeed or the alert closes. An alert
// whose retry is still in flight is not enqueued again.

const (
	defaultRetryBase   = time.Minute
	defaultRetryMax    = 30 * time.Minute
	defaultInFlightTTL = 10 * time.Minute
)

// Alerts is the subset of the alert manager the engine drives.
type Alerts interface {
	Active(filter alerting.Filter) []models.Alert
	Escalate(id string, level int, actions []models.EscalationAction) (models.Alert, error)
}

// Result summarizes one sweep.
type Result struct {
	Escalated    int
	Redispatched int
}

// retryState tracks re-dispatch of one alert's pending channels.
type retryState struct {
	attempts int
	sentAt   time.Time
	next     time.Time
	inFlight bool
}

// Engine applies escalation rules to open alerts.
type Engine struct {
	rules    []models.EscalationRule
	alerts   Alerts
	notifier alerting.Notifier
	defaults []string
	logger   *zap.Logger

	retryBase   time.Duration
	retryMax    time.Duration
	inFlightTTL time.Duration

	mu      sync.Mutex
	retries map[string]*retryState
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefaultChannels sets the channels used when an escalation names none.
func WithDefaultChannels(channels []string) Option {
	return func(e *Engine) { e.defaults = append([]string(nil), channels...) }
}

// WithRetryBackoff sets the delay before the first re-dispatch of pending
// channels and its cap. The delay doubles after every attempt.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(e *Engine) {
		if base > 0 {
			e.retryBase = base
		}
		if max >= base && max > 0 {
			e.retryMax = max
		}
	}
}

// WithInFlightTTL bounds how long a re-dispatch without a reported outcome
// blocks the next one.
func WithInFlightTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.inFlightTTL = ttl
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an escalation engine. Rules are copied and sorted by
// threshold.
func NewEngine(rules []models.EscalationRule, alerts Alerts, notifier alerting.Notifier, opts ...Option) *Engine {
	sorted := make([]models.EscalationRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimeThresholdSeconds < sorted[j].TimeThresholdSeconds
	})
	e := &Engine{
		rules:    sorted,
		alerts:   alerts,
		notifier: notifier,
		logger:   zap.NewNop(),

		retryBase:   defaultRetryBase,
		retryMax:    defaultRetryMax,
		inFlightTTL: defaultInFlightTTL,
		retries:     make(map[string]*retryState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the rules in evaluation order.
func (e *Engine) Rules() []models.EscalationRule {
	return append([]models.EscalationRule(nil), e.rules...)
}

// dueLevel returns how many rules an alert of the given age has passed.
func (e *Engine) dueLevel(age time.Duration) int {
	level := 0
	for _, r := range e.rules {
		if age > time.Duration(r.TimeThresholdSeconds)*time.Second {
			level++
		} else {
			break
		}
	}
	return level
}

// Sweep escalates every open alert that is due at now and retries pending
// channels whose backoff has elapsed.
func (e *Engine) Sweep(now time.Time) Result {
	var res Result
	active := e.alerts.Active(alerting.Filter{})
	open := make(map[string]bool, len(active))
	for _, alert := range active {
		open[alert.ID] = true
		target := e.dueLevel(now.Sub(alert.CreatedAt))
		if target <= alert.EscalationLevel {
			if len(alert.PendingChannels) == 0 {
				e.forget(alert.ID)
				continue
			}
			if e.notifier != nil && e.claimRetry(alert.ID, now) {
				e.notifier.Enqueue(alert, alert.PendingChannels)
				res.Redispatched++
			}
			continue
		}

		var actions []models.EscalationAction
		for _, r := range e.rules[alert.EscalationLevel:target] {
			actions = append(actions, r.Actions...)
		}
		updated, err := e.alerts.Escalate(alert.ID, target, actions)
		if err != nil {
			// Closed or escalated concurrently since Active was read.
			if !errors.Is(err, alerting.ErrAlreadyTerminal) && !errors.Is(err, alerting.ErrInvalidTransition) {
				e.logger.Warn("escalation failed", zap.String("alert_id", alert.ID), zap.Error(err))
			}
			continue
		}
		res.Escalated++
		e.logger.Info("alert escalated",
			zap.String("alert_id", updated.ID),
			zap.Int("level", updated.EscalationLevel),
			zap.String("severity", string(updated.Severity)),
			zap.String("assignee", updated.Assignee),
		)
		if e.notifier != nil {
			if len(updated.PendingChannels) > 0 {
				e.markSent(updated.ID, now)
			}
			e.notifier.Enqueue(updated, e.channelsFor(actions, updated.PendingChannels))
		}
	}
	e.prune(open)
	return res
}

// Settled records the outcome of a dispatch for alertID. A dispatch with
// failures schedules the next retry from the current backoff; a clean one
// resets the backoff.
func (e *Engine) Settled(alertID string, failed []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.retries[alertID]
	if !ok {
		return
	}
	if len(failed) == 0 {
		delete(e.retries, alertID)
		return
	}
	st.inFlight = false
}

// claimRetry reports whether the pending channels of alertID may be
// re-dispatched at now and, if so, marks the retry in flight.
func (e *Engine) claimRetry(alertID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.retries[alertID]
	if !ok {
		st = &retryState{}
		e.retries[alertID] = st
	}
	if st.inFlight && now.Sub(st.sentAt) < e.inFlightTTL {
		return false
	}
	if now.Before(st.next) {
		return false
	}
	e.sentLocked(st, now)
	return true
}

func (e *Engine) markSent(alertID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.retries[alertID]
	if !ok {
		st = &retryState{}
		e.retries[alertID] = st
	}
	e.sentLocked(st, now)
}

func (e *Engine) sentLocked(st *retryState, now time.Time) {
	delay := e.retryMax
	if st.attempts < 20 {
		if d := e.retryBase << st.attempts; d < delay {
			delay = d
		}
	}
	st.attempts++
	st.sentAt = now
	st.next = now.Add(delay)
	st.inFlight = true
}

func (e *Engine) forget(alertID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.retries, alertID)
}

// prune drops retry state of alerts that are no longer open.
func (e *Engine) prune(open map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.retries {
		if !open[id] {
			delete(e.retries, id)
		}
	}
}

// PendingRetries returns how many alerts have retry state.
func (e *Engine) PendingRetries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retries)
}

func (e *Engine) channelsFor(actions []models.EscalationAction, pending []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(ch string) {
		if ch != "" && !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	for _, a := range actions {
		if a.Type == models.ActionNotifyChannel {
			add(a.Channel)
		}
	}
	if len(out) == 0 {
		for _, ch := range e.defaults {
			add(ch)
		}
	}
	for _, ch := range pending {
		add(ch)
	}
	return out
}

// Run sweeps on every tick until ctx is done. A panicking sweep is logged
// and counted; the loop keeps going.
func (e *Engine) Run(ctx context.Context, tick time.Duration) error {
	if tick <= 0 {
		return fmt.Errorf("escalation tick must be positive, got %s", tick)
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			e.safeSweep(now)
		}
	}
}

func (e *Engine) safeSweep(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CyclePanics.WithLabelValues("escalation").Inc()
			e.logger.Error("escalation sweep panicked", zap.Any("panic", r))
		}
	}()
	e.Sweep(now)
}
