package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every watchtower self-metric. It is served on /metrics
// instead of the global default registry so tests can start several
// monitors in one process.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Watchtower self-monitoring metrics
var (
	// Intake metrics
	SamplesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "watchtower_samples_total",
			Help: "Total number of metric samples accepted by intake",
		},
	)

	LogEventsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "watchtower_log_events_total",
			Help: "Total number of log lines accepted by intake",
		},
	)

	IntakeRejectedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_intake_rejected_total",
			Help: "Total number of malformed samples or log lines dropped",
		},
		[]string{"kind"}, // kind: sample/log
	)

	IntakeQueueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchtower_intake_queue_depth",
			Help: "Samples waiting in each intake shard",
		},
		[]string{"shard"},
	)

	// Detection metrics
	ThresholdRecalculations = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "watchtower_threshold_recalculations_total",
			Help: "Total number of adaptive threshold recalculations",
		},
	)

	EvaluationDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchtower_evaluation_duration_seconds",
			Help:    "Time to evaluate one sample against the detector ensemble",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8), // 10µs to ~160ms
		},
	)

	VoterVotesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_voter_votes_total",
			Help: "Total number of positive votes per detector voter",
		},
		[]string{"voter"},
	)

	FindingsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_findings_total",
			Help: "Total number of findings emitted",
		},
		[]string{"kind"}, // kind: anomaly/pattern
	)

	PatternRecords = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchtower_pattern_records",
			Help: "Current number of tracked log pattern records",
		},
	)

	// Alert metrics
	AlertsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_alerts_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity"},
	)

	AlertsDeduplicated = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "watchtower_alerts_deduplicated_total",
			Help: "Total number of findings folded into an existing alert",
		},
	)

	AlertTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_alert_transitions_total",
			Help: "Total number of alert state transitions",
		},
		[]string{"from", "to"},
	)

	ActiveAlerts = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchtower_active_alerts",
			Help: "Current number of non-terminal alerts",
		},
	)

	EscalationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_escalations_total",
			Help: "Total number of escalation rules applied",
		},
		[]string{"level"},
	)

	// Notification metrics
	NotificationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_notifications_total",
			Help: "Total number of notification attempts",
		},
		[]string{"channel", "result"}, // result: success/failure/rate_limited/circuit_open
	)

	NotificationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchtower_notification_duration_seconds",
			Help:    "Notification channel send duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"channel"},
	)

	DispatchSoftFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "watchtower_dispatch_soft_failures_total",
			Help: "Total number of dispatches where no channel succeeded",
		},
	)

	CircuitState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchtower_channel_circuit_state",
			Help: "Circuit breaker state per channel (0=closed, 1=half-open, 2=open)",
		},
		[]string{"channel"},
	)

	// Persistence metrics
	PersistenceQueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchtower_persistence_queue_depth",
			Help: "Writes waiting in the write-behind queue",
		},
	)

	PersistenceDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "watchtower_persistence_dropped_total",
			Help: "Total number of writes dropped because the queue was full",
		},
	)

	StoreUnavailable = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchtower_store_unavailable",
			Help: "Whether the persistence store is unreachable (1=unavailable, 0=ok)",
		},
	)

	// Loop metrics
	CyclePanics = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_cycle_panics_total",
			Help: "Total number of recovered panics per background cycle",
		},
		[]string{"cycle"},
	)

	// WebSocket metrics
	WebSocketConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchtower_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "watchtower_websocket_messages_total",
			Help: "Total number of alert events pushed to WebSocket clients",
		},
	)
)
