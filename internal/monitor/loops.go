package monitor

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/newsdigest/watchtower/internal/alerting"
	"github.com/newsdigest/watchtower/internal/audit"
	"github.com/newsdigest/watchtower/internal/db"
	"github.com/newsdigest/watchtower/internal/metrics"
	"github.com/newsdigest/watchtower/internal/models"
)

// Run rehydrates state from the store and runs every background cycle until
// ctx is cancelled. Queued writes are flushed before it returns.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	if err := m.Rehydrate(ctx); err != nil {
		// a cold start is better than no start
		m.logger.Warn("rehydration incomplete", zap.Error(err))
	}

	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = m.writer.Run(writerCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range m.shards {
		i, shard := i, shard
		g.Go(func() error { return m.runShard(gctx, i, shard) })
	}
	g.Go(func() error { return m.runLogs(gctx) })
	g.Go(func() error { return m.runFindings(gctx) })
	g.Go(func() error { return m.dispatcher.Run(gctx) })
	g.Go(func() error { return m.escalation.Run(gctx, m.cfg.Escalation.Tick) })
	g.Go(func() error { return m.runSweeps(gctx, m.cfg.Patterns.SweepInterval) })
	if m.nats != nil {
		g.Go(func() error { return m.nats.Run(gctx) })
	}

	m.logger.Info("monitor running")
	err := g.Wait()

	stopWriter()
	<-writerDone
	m.logger.Info("monitor stopped", zap.Error(err))
	return err
}

// ─── Intake sink ────────────────────────────────────────────────────────────

// SubmitSample queues a parsed sample on its metric's shard. It blocks while
// the shard is full, until ctx is done.
func (m *Monitor) SubmitSample(ctx context.Context, sample models.MetricSample) error {
	i := m.shardFor(sample.Name)
	select {
	case m.shards[i] <- sample:
		metrics.SamplesTotal.Inc()
		metrics.IntakeQueueDepth.WithLabelValues(strconv.Itoa(i)).Set(float64(len(m.shards[i])))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sample %s not queued: %w", sample.Name, ctx.Err())
	}
}

// SubmitLog queues a parsed log event.
func (m *Monitor) SubmitLog(ctx context.Context, event models.LogEvent) error {
	select {
	case m.logs <- event:
		metrics.LogEventsTotal.Inc()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("log event not queued: %w", ctx.Err())
	}
}

func (m *Monitor) shardFor(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32() % uint32(len(m.shards)))
}

// ─── Cycles ─────────────────────────────────────────────────────────────────

func (m *Monitor) runShard(ctx context.Context, index int, queue <-chan models.MetricSample) error {
	label := strconv.Itoa(index)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sample := <-queue:
			metrics.IntakeQueueDepth.WithLabelValues(label).Set(float64(len(queue)))
			if f, ok := m.processSample(sample); ok {
				m.emit(ctx, f)
			}
		}
	}
}

// processSample evaluates then records one sample.
func (m *Monitor) processSample(sample models.MetricSample) (f models.Finding, found bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CyclePanics.WithLabelValues("samples").Inc()
			m.logger.Error("sample evaluation panicked", zap.String("metric", sample.Name), zap.Any("panic", r))
			found = false
		}
	}()

	af, isAnomaly := m.detector.Evaluate(sample)
	if _, ok := m.thresholds.RecordSample(sample); !ok {
		return models.Finding{}, false
	}
	m.writer.SaveSample(sample)
	if !isAnomaly {
		return models.Finding{}, false
	}
	return models.NewAnomalyFinding(af, m.now()), true
}

func (m *Monitor) runLogs(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-m.logs:
			if f, ok := m.processLog(event); ok {
				m.emit(ctx, f)
			}
		}
	}
}

func (m *Monitor) processLog(event models.LogEvent) (f models.Finding, found bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CyclePanics.WithLabelValues("logs").Inc()
			m.logger.Error("log ingestion panicked", zap.String("signature", event.NormalizedSignature), zap.Any("panic", r))
			found = false
		}
	}()

	pattern, ok := m.patterns.Ingest(event)
	if !ok {
		return models.Finding{}, false
	}
	return models.NewPatternFinding(pattern, m.now()), true
}

func (m *Monitor) emit(ctx context.Context, f models.Finding) {
	select {
	case m.findings <- f:
	case <-ctx.Done():
	}
}

func (m *Monitor) runFindings(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-m.findings:
			m.handleFinding(f)
		}
	}
}

// handleFinding records f in the recent findings log and hands it to the
// alert manager.
func (m *Monitor) handleFinding(f models.Finding) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CyclePanics.WithLabelValues("findings").Inc()
			m.logger.Error("finding handling panicked", zap.String("subject", f.Subject()), zap.Any("panic", r))
		}
	}()

	metrics.FindingsTotal.WithLabelValues(string(f.Kind)).Inc()
	m.recent.Add(f)
	alert, created := m.alerts.HandleFinding(f)
	m.logger.Debug("finding handled",
		zap.String("kind", string(f.Kind)),
		zap.String("subject", f.Subject()),
		zap.String("alert_id", alert.ID),
		zap.Bool("created", created),
	)
}

func (m *Monitor) runSweeps(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("pattern sweep interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(m.now())
		}
	}
}

// sweep expires stale pattern records and forgets closed alerts older than
// the findings retention.
func (m *Monitor) sweep(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CyclePanics.WithLabelValues("sweep").Inc()
			m.logger.Error("sweep panicked", zap.Any("panic", r))
		}
	}()

	expired := m.patterns.Sweep(now)
	pruned := m.alerts.Prune(now.Add(-m.cfg.Alerts.FindingsRetention))
	if expired > 0 || pruned > 0 {
		m.logger.Info("sweep completed", zap.Int("patterns_expired", expired), zap.Int("alerts_pruned", pruned))
	}
}

// onStoreOutage runs on the writer goroutine when the store has been
// unreachable past the outage bound.
func (m *Monitor) onStoreOutage(f models.Finding) {
	ev := audit.NewEvent(audit.EventStoreUnavailable).
		WithActor(alerting.SystemActor).
		WithResource(db.StoreUnavailableMetric, "store").
		WithResult(audit.ResultFailure).
		WithDescription("persistence store unreachable beyond outage bound")
	if f.Anomaly != nil {
		ev = ev.WithMetadata("outage_seconds", f.Anomaly.Value)
	}
	if err := m.audit.Log(context.Background(), ev); err != nil {
		m.logger.Warn("failed to audit store outage", zap.Error(err))
	}
	m.handleFinding(f)
}
