package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/newsdigest/watchtower/internal/metrics"
	"github.com/newsdigest/watchtower/internal/models"
)

// Config controls delivery.
type Config struct {
	Timeout         time.Duration
	Retries         int
	RetryBackoff    time.Duration
	Workers         int
	QueueSize       int
	RatePerMinute   int
	FallbackChannel string

	// BreakerFailures consecutive failures open a channel's circuit for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// RecordSink stores one NotificationRecord per attempt.
type RecordSink interface {
	AppendNotification(rec models.NotificationRecord)
}

// Outcome is the result of one dispatch.
type Outcome struct {
	Delivered []string
	Failed    []string
}

// OutcomeFunc receives the outcome of every queued dispatch.
type OutcomeFunc func(alertID string, outcome Outcome)

var errUnknownChannel = errors.New("unknown channel")

type guardedChannel struct {
	ch      Channel
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

type job struct {
	alert    models.Alert
	channels []string
}

// Dispatcher fans alerts out to channels. Enqueue never blocks the caller;
// queued jobs are delivered by the workers started with Run.
type Dispatcher struct {
	cfg       Config
	channels  map[string]*guardedChannel
	queue     chan job
	sink      RecordSink
	onOutcome OutcomeFunc
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	closed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecordSink persists delivery attempts.
func WithRecordSink(s RecordSink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithOutcome registers the callback for queued dispatches.
func WithOutcome(fn OutcomeFunc) Option {
	return func(d *Dispatcher) { d.onOutcome = fn }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher over channels.
func NewDispatcher(cfg Config, channels []Channel, opts ...Option) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	d := &Dispatcher{
		cfg:      cfg,
		channels: make(map[string]*guardedChannel, len(channels)),
		queue:    make(chan job, cfg.QueueSize),
		logger:   zap.NewNop(),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
		burst = cfg.RatePerMinute
	}
	for _, ch := range channels {
		name := ch.Name()
		d.channels[name] = &guardedChannel{
			ch:      ch,
			limiter: rate.NewLimiter(limit, burst),
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Timeout:     cfg.BreakerCooldown,
				ReadyToTrip: func(c gobreaker.Counts) bool {
					return c.ConsecutiveFailures >= cfg.BreakerFailures
				},
				OnStateChange: d.onStateChange,
			}),
		}
		metrics.CircuitState.WithLabelValues(name).Set(0)
	}
	return d
}

func (d *Dispatcher) onStateChange(name string, from, to gobreaker.State) {
	state := 0.0
	switch to {
	case gobreaker.StateHalfOpen:
		state = 1
	case gobreaker.StateOpen:
		state = 2
	}
	metrics.CircuitState.WithLabelValues(name).Set(state)
	d.logger.Info("notification circuit changed state",
		zap.String("channel", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// Channels lists configured channel names.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.channels))
	for name := range d.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Enqueue queues an alert for delivery. When the queue is full the dispatch
// is reported as failed on every channel so the escalation sweep retries it.
func (d *Dispatcher) Enqueue(alert models.Alert, channels []string) {
	channels = dedupe(channels)
	if len(channels) == 0 {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.closed {
		select {
		case d.queue <- job{alert: alert.Clone(), channels: channels}:
			return
		default:
		}
	}

	metrics.DispatchSoftFailures.Inc()
	d.logger.Warn("notification queue full, dispatch deferred",
		zap.String("alert_id", alert.ID),
		zap.Strings("channels", channels),
	)
	if d.onOutcome != nil {
		d.onOutcome(alert.ID, Outcome{Failed: channels})
	}
}

// Run delivers queued jobs on cfg.Workers goroutines until ctx is done.
// Jobs still queued at shutdown are delivered with a short grace period.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case j := <-d.queue:
					d.runJob(gctx, j)
				}
			}
		})
	}
	err := g.Wait()

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout+time.Second)
	defer cancel()
	for {
		select {
		case j := <-d.queue:
			d.runJob(drainCtx, j)
		default:
			return err
		}
	}
}

func (d *Dispatcher) runJob(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CyclePanics.WithLabelValues("dispatch").Inc()
			d.logger.Error("dispatch panicked", zap.String("alert_id", j.alert.ID), zap.Any("panic", r))
		}
	}()
	out := d.Dispatch(ctx, j.alert, j.channels)
	if d.onOutcome != nil {
		d.onOutcome(j.alert.ID, out)
	}
}

// Dispatch delivers an alert to channels concurrently and waits for every
// channel to finish. When none succeeds the fallback channel is tried.
func (d *Dispatcher) Dispatch(ctx context.Context, alert models.Alert, channels []string) Outcome {
	channels = dedupe(channels)
	msg := NewMessage(alert, d.now())

	results := make([]bool, len(channels))
	var g errgroup.Group
	for i, name := range channels {
		i, name := i, name
		g.Go(func() error {
			results[i] = d.deliver(ctx, alert.ID, name, msg)
			return nil
		})
	}
	_ = g.Wait()

	var out Outcome
	for i, name := range channels {
		if results[i] {
			out.Delivered = append(out.Delivered, name)
		} else {
			out.Failed = append(out.Failed, name)
		}
	}

	if len(out.Delivered) == 0 && len(channels) > 0 {
		if fb := d.cfg.FallbackChannel; fb != "" && !contains(channels, fb) {
			if d.deliver(ctx, alert.ID, fb, msg) {
				out.Delivered = append(out.Delivered, fb)
			}
		}
	}
	if len(out.Delivered) == 0 && len(channels) > 0 {
		metrics.DispatchSoftFailures.Inc()
		d.logger.Warn("alert reached no notification channel",
			zap.String("alert_id", alert.ID),
			zap.Strings("channels", channels),
		)
	}
	return out
}

// deliver tries one channel up to Retries+1 times.
func (d *Dispatcher) deliver(ctx context.Context, alertID, name string, msg Message) bool {
	gc, ok := d.channels[name]
	if !ok {
		d.record(alertID, name, 1, errUnknownChannel)
		metrics.NotificationsTotal.WithLabelValues(name, "failure").Inc()
		return false
	}

	attempts := d.cfg.Retries + 1
	backoff := d.cfg.RetryBackoff
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := gc.limiter.Wait(ctx); err != nil {
			d.record(alertID, name, attempt, fmt.Errorf("rate limited: %w", err))
			metrics.NotificationsTotal.WithLabelValues(name, "rate_limited").Inc()
			return false
		}

		start := time.Now()
		_, err := gc.breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
			return nil, gc.ch.Send(callCtx, msg)
		})
		metrics.NotificationDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		d.record(alertID, name, attempt, err)

		if err == nil {
			metrics.NotificationsTotal.WithLabelValues(name, "success").Inc()
			return true
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.NotificationsTotal.WithLabelValues(name, "circuit_open").Inc()
			return false
		}
		metrics.NotificationsTotal.WithLabelValues(name, "failure").Inc()
		d.logger.Debug("notification attempt failed",
			zap.String("alert_id", alertID),
			zap.String("channel", name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < attempts && backoff > 0 {
			if d.sleep(ctx, backoff) != nil {
				return false
			}
			backoff *= 2
		}
	}
	return false
}

func (d *Dispatcher) record(alertID, channel string, attempt int, err error) {
	if d.sink == nil {
		return
	}
	rec := models.NotificationRecord{
		AlertID:     alertID,
		Channel:     channel,
		Attempt:     attempt,
		AttemptedAt: d.now(),
		Success:     err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	d.sink.AppendNotification(rec)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func dedupe(list []string) []string {
	out := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, s := range list {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
