package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/metrics"
)

// NATSConfig selects the subjects a NATSSource subscribes to. An empty
// subject is not subscribed.
type NATSConfig struct {
	URL           string
	MetricSubject string
	LogSubject    string
}

// samplePayload is the wire format on the metric subject. A message may
// carry one object or an array of them.
type samplePayload struct {
	Name      string    `json:"name"`
	Value     *float64  `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// logPayload is the JSON wire format on the log subject. Non-JSON messages
// are taken as one raw line.
type logPayload struct {
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// NATSSource subscribes to metric and log subjects and forwards normalized
// records to a Sink.
type NATSSource struct {
	cfg    NATSConfig
	limits Limits
	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewNATSSource creates a source; Run connects and subscribes.
func NewNATSSource(cfg NATSConfig, limits Limits, sink Sink, logger *zap.Logger) *NATSSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{
		cfg:    cfg,
		limits: limits,
		sink:   sink,
		logger: logger.Named("nats-intake"),
		now:    time.Now,
	}
}

// Run connects, subscribes and blocks until ctx is cancelled, then drains
// the connection.
func (s *NATSSource) Run(ctx context.Context) error {
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("watchtower-intake"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", s.cfg.URL, err)
	}

	if s.cfg.MetricSubject != "" {
		if _, err := nc.Subscribe(s.cfg.MetricSubject, func(msg *nats.Msg) { s.handleMetric(ctx, msg) }); err != nil {
			nc.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.MetricSubject, err)
		}
	}
	if s.cfg.LogSubject != "" {
		if _, err := nc.Subscribe(s.cfg.LogSubject, func(msg *nats.Msg) { s.handleLog(ctx, msg) }); err != nil {
			nc.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.LogSubject, err)
		}
	}
	s.logger.Info("nats intake subscribed",
		zap.String("url", s.cfg.URL),
		zap.String("metric_subject", s.cfg.MetricSubject),
		zap.String("log_subject", s.cfg.LogSubject),
	)

	<-ctx.Done()
	if err := nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("nats drain failed", zap.Error(err))
	}
	return nil
}

func (s *NATSSource) handleMetric(ctx context.Context, msg *nats.Msg) {
	payloads, err := decodeSamples(msg.Data)
	if err != nil {
		s.reject("sample", err)
		return
	}
	for _, p := range payloads {
		if p.Value == nil {
			s.reject("sample", &InputError{Kind: "sample", Reason: fmt.Sprintf("%s: value is required", p.Name)})
			continue
		}
		sample, err := s.limits.ParseSample(p.Name, *p.Value, p.Timestamp, s.now())
		if err != nil {
			s.reject("sample", err)
			continue
		}
		if err := s.sink.SubmitSample(ctx, sample); err != nil {
			s.logger.Warn("sample not accepted", zap.String("metric", sample.Name), zap.Error(err))
		}
	}
}

func (s *NATSSource) handleLog(ctx context.Context, msg *nats.Msg) {
	line, at := string(msg.Data), s.now()
	trimmed := bytes.TrimSpace(msg.Data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var p logPayload
		if err := json.Unmarshal(trimmed, &p); err == nil {
			line = p.Line
			if !p.Timestamp.IsZero() {
				at = p.Timestamp
			}
		}
	}

	event, err := s.limits.ParseLogLine(line, at)
	if err != nil {
		s.reject("log", err)
		return
	}
	if err := s.sink.SubmitLog(ctx, event); err != nil {
		s.logger.Warn("log event not accepted", zap.Error(err))
	}
}

func (s *NATSSource) reject(kind string, err error) {
	metrics.IntakeRejectedTotal.WithLabelValues(kind).Inc()
	s.logger.Warn("dropping malformed input", zap.String("kind", kind), zap.Error(err))
}

func decodeSamples(data []byte) ([]samplePayload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &InputError{Kind: "sample", Reason: "empty payload"}
	}
	if trimmed[0] == '[' {
		var batch []samplePayload
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, &InputError{Kind: "sample", Reason: err.Error()}
		}
		return batch, nil
	}
	var one samplePayload
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, &InputError{Kind: "sample", Reason: err.Error()}
	}
	return []samplePayload{one}, nil
}
