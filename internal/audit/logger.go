package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/newsdigest/watchtower/internal/models"
)

// Logger owns the application logger and the append-only audit trail.
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogAlert records an alert lifecycle event (created, acknowledged, escalated...)
	LogAlert(ctx context.Context, eventType EventType, alert *models.Alert, actor string) error

	// LogThresholdOverride records an operator override of a metric's base threshold
	LogThresholdOverride(ctx context.Context, metric string, previous, base float64, actor string) error

	// App returns the structured application logger
	App() *zap.Logger

	// SetLevel changes the application log level at runtime
	SetLevel(level string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string

	// Stderr tees application logs to stderr in console format
	Stderr bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/watchtower.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
	}
}

const bufferLimit = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	level       zap.AtomicLevel
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func rotator(path string, config *Config) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
}

// NewLogger creates the application logger and the audit trail
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	encCfg := encoderConfig()

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.AddSync(rotator(config.AppLogPath, config)),
			atomicLevel,
		),
	}
	if config.Stderr {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.Lock(os.Stderr),
			atomicLevel,
		))
	}
	appLogger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Audit logs are always INFO level and append-only
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.AddSync(rotator(config.AuditLogPath, config)),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: zap.New(auditCore),
		level:       atomicLevel,
		config:      config,
		buffer:      make([]*Event, 0, bufferLimit),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// NewNopLogger returns a Logger that discards everything. Used by tests
// and by CLI subcommands that never write an audit trail.
func NewNopLogger() Logger {
	return &auditLogger{
		appLogger:   zap.NewNop(),
		auditLogger: zap.NewNop(),
		level:       zap.NewAtomicLevel(),
		config:      DefaultConfig(),
		buffer:      make([]*Event, 0, bufferLimit),
		flushTicker: time.NewTicker(time.Second),
		stopCh:      make(chan struct{}),
	}
}

// App returns the structured application logger
func (l *auditLogger) App() *zap.Logger {
	return l.appLogger
}

// SetLevel changes the application log level at runtime
func (l *auditLogger) SetLevel(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", level, err)
	}
	l.level.SetLevel(lvl)
	return nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= bufferLimit {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogAlert records an alert lifecycle event
func (l *auditLogger) LogAlert(ctx context.Context, eventType EventType, alert *models.Alert, actor string) error {
	if alert == nil {
		return fmt.Errorf("nil alert for %s", eventType)
	}
	event := NewEvent(eventType).
		WithActor(actor).
		WithResource(alert.ID, "alert").
		WithMetadata("dedupe_key", alert.DedupeKey).
		WithMetadata("severity", string(alert.Severity)).
		WithMetadata("status", string(alert.Status)).
		WithMetadata("escalation_level", alert.EscalationLevel).
		WithDescription(fmt.Sprintf("Alert %s %s", alert.ID, alert.Status))
	if alert.ReopenedFrom != "" {
		event.WithMetadata("reopened_from", alert.ReopenedFrom)
	}

	return l.Log(ctx, event)
}

// LogThresholdOverride records a manual base threshold change
func (l *auditLogger) LogThresholdOverride(ctx context.Context, metric string, previous, base float64, actor string) error {
	event := NewEvent(EventThresholdOverride).
		WithActor(actor).
		WithResource(metric, "metric").
		WithMetadata("previous_base", previous).
		WithMetadata("base", base).
		WithDescription(fmt.Sprintf("Base threshold for %s set to %g", metric, base))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	// stderr cannot be synced on most terminals
	_ = l.appLogger.Sync()
	return nil
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})

	return l.Sync()
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
