package monitor

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/alerting"
	"github.com/newsdigest/watchtower/internal/analytics/anomaly"
	"github.com/newsdigest/watchtower/internal/analytics/patterns"
	"github.com/newsdigest/watchtower/internal/analytics/threshold"
	"github.com/newsdigest/watchtower/internal/audit"
	"github.com/newsdigest/watchtower/internal/config"
	"github.com/newsdigest/watchtower/internal/db"
	"github.com/newsdigest/watchtower/internal/escalation"
	"github.com/newsdigest/watchtower/internal/intake"
	"github.com/newsdigest/watchtower/internal/models"
	"github.com/newsdigest/watchtower/internal/notify"
)

// Package monitor is the explicit context object of watchtower. It builds
// every component from one Config, wires them together and runs the
// background cycles.
//
// Data Flow:
//
//   intake ──► sample shards ──► detector ──► threshold manager
//          │                        │
//          │                        ▼
//          └─► log queue ──► pattern engine ──► findings ──► alert manager
//                                                               │
//                                   escalation engine ◄─────────┤
//                                                               ▼
//                                                      notification dispatcher
//
// Background Cycles (one errgroup):
//   - N sample shards; a metric always hashes to the same shard so its
//     samples are evaluated in arrival order
//   - log consumer, findings consumer
//   - escalation ticker, pattern sweep ticker
//   - dispatcher workers, optional NATS source
//   - persistence writer, stopped last so late writes are flushed
//
// Every sample is evaluated against the threshold state from before it is
// recorded.

// ErrAlreadyRunning is returned by Run on a monitor that is already running.
var ErrAlreadyRunning = errors.New("monitor already running")

// Monitor owns every watchtower component.
type Monitor struct {
	cfg    *config.Config
	audit  audit.Logger
	logger *zap.Logger
	now    func() time.Time
	limits intake.Limits

	store      db.Store
	ownStore   bool
	writer     *db.Writer
	thresholds threshold.Manager
	detector   anomaly.Detector
	patterns   patterns.Engine
	alerts     *alerting.Manager
	dispatcher *notify.Dispatcher
	escalation *escalation.Engine
	nats       *intake.NATSSource

	channels []notify.Channel
	voters   []anomaly.Voter

	shards   []chan models.MetricSample
	logs     chan models.LogEvent
	findings chan models.Finding
	recent   *findingLog

	running atomic.Bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithStore uses an already opened store instead of opening
// database.sqlite_path. The caller keeps ownership.
func WithStore(s db.Store) Option {
	return func(m *Monitor) { m.store = s }
}

// WithAuditLogger sets the audit logger; its App logger becomes the
// application logger of every component.
func WithAuditLogger(l audit.Logger) Option {
	return func(m *Monitor) { m.audit = l }
}

// WithChannels replaces the channels built from notify.channels.
func WithChannels(channels ...notify.Channel) Option {
	return func(m *Monitor) { m.channels = channels }
}

// WithVoters adds detector voters after the built-in ones.
func WithVoters(voters ...anomaly.Voter) Option {
	return func(m *Monitor) { m.voters = append(m.voters, voters...) }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New builds a monitor from cfg. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Monitor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	m := &Monitor{
		cfg: cfg,
		now: time.Now,
		limits: intake.Limits{
			MaxAbsValue:  cfg.Intake.MaxAbsValue,
			MaxLineBytes: cfg.Intake.MaxLineBytes,
		},
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.initializeComponents(); err != nil {
		if m.ownStore && m.store != nil {
			_ = m.store.Close()
		}
		return nil, err
	}
	return m, nil
}

// initializeComponents builds the components bottom-up: persistence first,
// then analytics, then alerting and delivery.
func (m *Monitor) initializeComponents() error {
	cfg := m.cfg

	if m.audit == nil {
		logger, err := audit.NewLogger(auditConfig(cfg))
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		m.audit = logger
	}
	m.logger = m.audit.App().Named("monitor")
	app := m.audit.App()

	if m.store == nil {
		store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		m.store = store
		m.ownStore = true
	}

	m.writer = db.NewWriter(m.store, writerConfig(cfg),
		db.WithWriterLogger(app.Named("persistence")),
		db.WithWriterClock(m.now),
		db.WithOutageHandler(m.onStoreOutage),
	)

	m.thresholds = threshold.NewManager(thresholdConfig(cfg),
		threshold.WithHistorySink(m.writer),
		threshold.WithLogger(app.Named("thresholds")),
		threshold.WithClock(m.now),
	)

	detectorOpts := []anomaly.Option{anomaly.WithLogger(app.Named("detector"))}
	if len(m.voters) > 0 {
		detectorOpts = append(detectorOpts, anomaly.WithVoters(m.voters...))
	}
	m.detector = anomaly.NewDetector(detectorConfig(cfg), m.thresholds, detectorOpts...)

	m.patterns = patterns.NewEngine(patternConfig(cfg),
		patterns.WithRecordSink(m.writer),
		patterns.WithLogger(app.Named("patterns")),
	)

	if m.channels == nil {
		channels, err := notify.Build(cfg.Notify.Channels, &http.Client{}, app.Named("notify"))
		if err != nil {
			return fmt.Errorf("failed to build notification channels: %w", err)
		}
		m.channels = channels
	}

	// The dispatcher reports outcomes back to the alert manager, which
	// in turn enqueues on the dispatcher; the closure breaks the cycle.
	m.dispatcher = notify.NewDispatcher(dispatcherConfig(cfg), m.channels,
		notify.WithRecordSink(m.writer),
		notify.WithOutcome(func(alertID string, o notify.Outcome) {
			m.alerts.RecordDispatch(alertID, o.Delivered, o.Failed)
			if m.escalation != nil {
				m.escalation.Settled(alertID, o.Failed)
			}
		}),
		notify.WithLogger(app.Named("notify")),
		notify.WithClock(m.now),
	)

	m.alerts = alerting.NewManager(alertingConfig(cfg),
		alerting.WithNotifier(m.dispatcher),
		alerting.WithStore(m.writer),
		alerting.WithAuditLogger(m.audit),
		alerting.WithLogger(app.Named("alerts")),
		alerting.WithClock(m.now),
	)

	m.escalation = escalation.NewEngine(cfg.Escalation.Rules, m.alerts, m.dispatcher,
		escalation.WithDefaultChannels(cfg.Notify.DefaultChannels),
		escalation.WithRetryBackoff(cfg.Escalation.Tick, 32*cfg.Escalation.Tick),
		escalation.WithLogger(app.Named("escalation")),
	)

	if cfg.Intake.NATS.Enabled {
		m.nats = intake.NewNATSSource(intake.NATSConfig{
			URL:           cfg.Intake.NATS.URL,
			MetricSubject: cfg.Intake.NATS.MetricSubject,
			LogSubject:    cfg.Intake.NATS.LogSubject,
		}, m.limits, m, app)
	}

	shards := cfg.Intake.Shards
	if shards < 1 {
		shards = 1
	}
	queue := cfg.Intake.QueueSize
	if queue < 1 {
		queue = 1
	}
	m.shards = make([]chan models.MetricSample, shards)
	for i := range m.shards {
		m.shards[i] = make(chan models.MetricSample, queue)
	}
	m.logs = make(chan models.LogEvent, queue)
	m.findings = make(chan models.Finding, queue)
	m.recent = newFindingLog(cfg.Alerts.FindingsBuffer)

	m.logger.Info("monitor initialized",
		zap.Int("shards", shards),
		zap.Strings("voters", m.detector.Voters()),
		zap.Strings("channels", m.dispatcher.Channels()),
		zap.Int("escalation_rules", len(m.escalation.Rules())),
		zap.Bool("nats", m.nats != nil),
	)
	return nil
}

// Logger returns the application logger.
func (m *Monitor) Logger() *zap.Logger {
	return m.audit.App()
}

// Audit returns the audit logger.
func (m *Monitor) Audit() audit.Logger {
	return m.audit
}

// Subscribe registers fn for every alert lifecycle event.
func (m *Monitor) Subscribe(fn func(alerting.Event)) {
	m.alerts.Subscribe(fn)
}

// Close releases the store if the monitor opened it. Call after Run returns.
func (m *Monitor) Close() error {
	if m.ownStore {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}

// ─── Config mapping ─────────────────────────────────────────────────────────

func auditConfig(cfg *config.Config) *audit.Config {
	return &audit.Config{
		AuditLogPath: cfg.Logging.AuditLogPath,
		AppLogPath:   cfg.Logging.AppLogPath,
		MaxSize:      cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		LogLevel:     cfg.Logging.Level,
		Stderr:       cfg.Logging.Stderr,
	}
}

func writerConfig(cfg *config.Config) db.WriterConfig {
	return db.WriterConfig{
		QueueSize:       cfg.Persistence.QueueSize,
		RetryInterval:   cfg.Persistence.RetryInterval,
		OutageBound:     cfg.Persistence.OutageBound,
		SampleRetention: cfg.Persistence.SampleRetention,
	}
}

func thresholdConfig(cfg *config.Config) threshold.Config {
	t := cfg.Thresholds
	out := threshold.Config{
		DefaultBase:    t.DefaultBase,
		DefaultMin:     t.DefaultMin,
		DefaultMax:     t.DefaultMax,
		WindowSize:     t.WindowSize,
		WindowDuration: t.WindowDuration,
		TrendSamples:   t.TrendSamples,
		AdaptiveFactor: t.AdaptiveFactor,
		StdMultiplier:  t.StdMultiplier,
		Metrics:        make(map[string]threshold.Settings, len(t.Metrics)),
	}
	for name, mt := range t.Metrics {
		out.Metrics[name] = threshold.Settings{Base: mt.Base, Min: mt.Min, Max: mt.Max}
	}
	return out
}

func detectorConfig(cfg *config.Config) anomaly.Config {
	d := cfg.Detector
	return anomaly.Config{
		Quorum:           d.Quorum,
		MinSamples:       d.MinSamples,
		ZScoreMultiplier: d.ZScoreMultiplier,
		TrendSamples:     d.TrendSamples,
		SlopeBound:       d.SlopeBound,
		Isolation: anomaly.IsolationConfig{
			Enabled:        d.Isolation.Enabled,
			Trees:          d.Isolation.Trees,
			SubSample:      d.Isolation.SubSample,
			ScoreThreshold: d.Isolation.ScoreThreshold,
			Seed:           d.Isolation.Seed,
			History:        cfg.Thresholds.WindowSize,
		},
	}
}

func patternConfig(cfg *config.Config) patterns.Config {
	p := cfg.Patterns
	return patterns.Config{
		MinFrequency:        p.MinFrequency,
		Window:              p.Window,
		Retention:           p.Retention,
		SimilarityThreshold: p.SimilarityThreshold,
		MaxExamples:         p.MaxExamples,
	}
}

func alertingConfig(cfg *config.Config) alerting.Config {
	return alerting.Config{
		SuppressionWindow:  cfg.Alerts.SuppressionWindow,
		SuppressDuplicates: cfg.Alerts.SuppressDuplicates,
		DefaultChannels:    cfg.Notify.DefaultChannels,
	}
}

func dispatcherConfig(cfg *config.Config) notify.Config {
	n := cfg.Notify
	return notify.Config{
		Timeout:         n.Timeout,
		Retries:         n.Retries,
		RetryBackoff:    n.RetryBackoff,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerMinute:   n.RatePerMinute,
		FallbackChannel: n.FallbackChannel,
	}
}
