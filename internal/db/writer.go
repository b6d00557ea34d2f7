package db

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/metrics"
	"github.com/newsdigest/watchtower/internal/models"
)

// StoreUnavailableMetric names the self-monitoring finding raised when the
// store stays unreachable past the outage bound.
const StoreUnavailableMetric = "watchtower_store_unavailable"

// WriterConfig controls the write-behind queue.
type WriterConfig struct {
	QueueSize       int
	RetryInterval   time.Duration
	OutageBound     time.Duration
	SampleRetention int
}

type op struct {
	kind string
	fn   func(ctx context.Context, s Store) error
}

// Writer queues writes so the evaluation path never waits on disk. It
// retries while the store is unreachable and raises a single finding when
// an outage lasts longer than OutageBound. A write that fails while the
// store still answers Ping is logged and dropped.
//
// Writer satisfies the sink interfaces of the alert manager, threshold
// manager, pattern engine and notification dispatcher.
type Writer struct {
	cfg      WriterConfig
	store    Store
	queue    chan op
	logger   *zap.Logger
	now      func() time.Time
	onOutage func(models.Finding)

	mu     sync.RWMutex
	closed bool

	// owned by the Run goroutine
	sampleWrites   map[string]int
	outageStart    time.Time
	outageReported bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriterLogger sets the writer logger.
func WithWriterLogger(l *zap.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// WithOutageHandler receives the store-unavailable finding.
func WithOutageHandler(fn func(models.Finding)) WriterOption {
	return func(w *Writer) { w.onOutage = fn }
}

// WithWriterClock overrides the time source.
func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a write-behind queue in front of store.
func NewWriter(store Store, cfg WriterConfig, opts ...WriterOption) *Writer {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	w := &Writer{
		cfg:          cfg,
		store:        store,
		queue:        make(chan op, cfg.QueueSize),
		logger:       zap.NewNop(),
		now:          time.Now,
		sampleWrites: make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ─── Sinks ────────────────────────────────────────────────────────────────────

// SaveAlert queues an alert upsert.
func (w *Writer) SaveAlert(alert models.Alert) {
	a := alert.Clone()
	w.enqueue(op{kind: "alert", fn: func(ctx context.Context, s Store) error {
		return s.SaveAlert(ctx, &a)
	}})
}

// AppendThresholdHistory queues a history row.
func (w *Writer) AppendThresholdHistory(h models.ThresholdHistory) {
	w.enqueue(op{kind: "threshold_history", fn: func(ctx context.Context, s Store) error {
		return s.AppendThresholdHistory(ctx, &h)
	}})
}

// SaveSample queues a raw sample and periodically trims the metric's tail.
func (w *Writer) SaveSample(sample models.MetricSample) {
	if w.cfg.SampleRetention <= 0 {
		return
	}
	w.enqueue(op{kind: "sample", fn: func(ctx context.Context, s Store) error {
		if err := s.AppendSample(ctx, &sample); err != nil {
			return err
		}
		w.sampleWrites[sample.Name]++
		if w.sampleWrites[sample.Name] >= w.cfg.SampleRetention {
			w.sampleWrites[sample.Name] = 0
			return s.PruneSamples(ctx, sample.Name, w.cfg.SampleRetention)
		}
		return nil
	}})
}

// UpsertPattern queues a pattern record upsert.
func (w *Writer) UpsertPattern(rec models.PatternRecord) {
	w.enqueue(op{kind: "pattern", fn: func(ctx context.Context, s Store) error {
		return s.UpsertPattern(ctx, &rec)
	}})
}

// DeletePattern queues a pattern record delete.
func (w *Writer) DeletePattern(signature string) {
	w.enqueue(op{kind: "pattern_delete", fn: func(ctx context.Context, s Store) error {
		return s.DeletePattern(ctx, signature)
	}})
}

// AppendNotification queues a delivery attempt record.
func (w *Writer) AppendNotification(rec models.NotificationRecord) {
	w.enqueue(op{kind: "notification", fn: func(ctx context.Context, s Store) error {
		return s.AppendNotification(ctx, &rec)
	}})
}

func (w *Writer) enqueue(o op) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		metrics.PersistenceDropped.Inc()
		return
	}
	select {
	case w.queue <- o:
		metrics.PersistenceQueueDepth.Set(float64(len(w.queue)))
	default:
		metrics.PersistenceDropped.Inc()
		w.logger.Warn("persistence queue full, dropping write", zap.String("kind", o.kind))
	}
}

// Pending returns the number of queued writes.
func (w *Writer) Pending() int {
	return len(w.queue)
}

// ─── Loop ─────────────────────────────────────────────────────────────────────

// Run applies queued writes until ctx is done, then drains what is left with
// one attempt per write.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain(nil)
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			w.drain(nil)
			return nil
		case o := <-w.queue:
			metrics.PersistenceQueueDepth.Set(float64(len(w.queue)))
			if !w.apply(ctx, o) {
				w.drain(&o)
				return nil
			}
		}
	}
}

// apply retries o while the store is unreachable. It returns false when ctx
// ended before o was written.
func (w *Writer) apply(ctx context.Context, o op) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CyclePanics.WithLabelValues("persistence").Inc()
			w.logger.Error("persistence write panicked", zap.String("kind", o.kind), zap.Any("panic", r))
			done = true
		}
	}()

	for {
		err := w.attempt(ctx, o)
		if err == nil {
			w.recovered()
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pingErr := w.store.Ping(pingCtx)
		cancel()
		if pingErr == nil {
			w.recovered()
			metrics.PersistenceDropped.Inc()
			w.logger.Error("persistence write failed", zap.String("kind", o.kind), zap.Error(err))
			return true
		}

		w.unavailable(err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.cfg.RetryInterval):
		}
	}
}

func (w *Writer) attempt(ctx context.Context, o op) error {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return o.fn(opCtx, w.store)
}

func (w *Writer) unavailable(err error) {
	now := w.now()
	if w.outageStart.IsZero() {
		w.outageStart = now
		metrics.StoreUnavailable.Set(1)
		w.logger.Warn("persistence store unavailable, retrying", zap.Error(err))
	}
	outage := now.Sub(w.outageStart)
	if w.outageReported || outage <= w.cfg.OutageBound {
		return
	}
	w.outageReported = true
	w.logger.Error("persistence store unavailable beyond outage bound",
		zap.Duration("outage", outage),
		zap.Duration("bound", w.cfg.OutageBound),
		zap.Int("queued", len(w.queue)),
	)
	if w.onOutage != nil {
		w.onOutage(models.NewAnomalyFinding(models.AnomalyFinding{
			MetricName:     StoreUnavailableMetric,
			Value:          outage.Seconds(),
			Threshold:      w.cfg.OutageBound.Seconds(),
			DeviationScore: 1,
			DetectorVotes:  []string{"persistence"},
		}, now))
	}
}

func (w *Writer) recovered() {
	if w.outageStart.IsZero() {
		return
	}
	w.logger.Info("persistence store recovered", zap.Duration("outage", w.now().Sub(w.outageStart)))
	w.outageStart = time.Time{}
	w.outageReported = false
	metrics.StoreUnavailable.Set(0)
}

func (w *Writer) drain(first *op) {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	write := func(o op) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.attempt(ctx, o); err != nil {
			metrics.PersistenceDropped.Inc()
			w.logger.Warn("dropping write at shutdown", zap.String("kind", o.kind), zap.Error(err))
		}
	}
	if first != nil {
		write(*first)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case o := <-w.queue:
			write(o)
		default:
			metrics.PersistenceQueueDepth.Set(0)
			return
		}
	}
}
