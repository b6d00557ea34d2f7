package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/config"
	"github.com/newsdigest/watchtower/internal/models"
)

type fakeChannel struct {
	name  string
	fails int32 // number of leading calls that fail
	block bool
	calls atomic.Int32
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(ctx context.Context, _ Message) error {
	n := c.calls.Add(1)
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if n <= c.fails {
		return errors.New("boom")
	}
	return nil
}

type memorySink struct {
	mu      sync.Mutex
	records []models.NotificationRecord
}

func (s *memorySink) AppendNotification(rec models.NotificationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *memorySink) Records() []models.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.NotificationRecord(nil), s.records...)
}

func testAlert() models.Alert {
	return models.Alert{
		ID:       "alert-1",
		Severity: models.SeverityHigh,
		Status:   models.StatusNew,
		Message:  "cpu_percent=95 exceeded threshold 82.16",
		SourceFinding: models.NewAnomalyFinding(models.AnomalyFinding{
			MetricName: "cpu_percent", Value: 95,
		}, time.Time{}),
		Occurrences: 1,
	}
}

func testConfig() Config {
	return Config{
		Timeout:      time.Second,
		Retries:      2,
		RetryBackoff: time.Millisecond,
		Workers:      2,
		QueueSize:    8,
	}
}

func TestWebhookDelivery(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := &memorySink{}
	d := NewDispatcher(testConfig(), []Channel{NewWebhookChannel("hook", srv.URL, srv.Client())}, WithRecordSink(sink))

	out := d.Dispatch(context.Background(), testAlert(), []string{"hook"})
	assert.Equal(t, []string{"hook"}, out.Delivered)
	assert.Empty(t, out.Failed)
	assert.Equal(t, "alert-1", got.Alert.ID)
	assert.Equal(t, "[HIGH] cpu_percent=95 exceeded threshold 82.16", got.Subject)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, 1, records[0].Attempt)
}

func TestRetriesThenFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &memorySink{}
	d := NewDispatcher(testConfig(), []Channel{NewSlackChannel("slack", srv.URL, srv.Client())}, WithRecordSink(sink))

	out := d.Dispatch(context.Background(), testAlert(), []string{"slack"})
	assert.Empty(t, out.Delivered)
	assert.Equal(t, []string{"slack"}, out.Failed)
	assert.Equal(t, int32(3), hits.Load())

	records := sink.Records()
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, i+1, rec.Attempt)
		assert.False(t, rec.Success)
		assert.Contains(t, rec.Error, "status 500")
	}
}

func TestRetrySucceeds(t *testing.T) {
	ch := &fakeChannel{name: "flaky", fails: 1}
	sink := &memorySink{}
	d := NewDispatcher(testConfig(), []Channel{ch}, WithRecordSink(sink))

	out := d.Dispatch(context.Background(), testAlert(), []string{"flaky"})
	assert.Equal(t, []string{"flaky"}, out.Delivered)
	assert.Equal(t, int32(2), ch.calls.Load())

	records := sink.Records()
	require.Len(t, records, 2)
	assert.False(t, records[0].Success)
	assert.True(t, records[1].Success)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	ch := &fakeChannel{name: "down", fails: 100}
	cfg := testConfig()
	cfg.Retries = 0
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Hour
	d := NewDispatcher(cfg, []Channel{ch})

	for i := 0; i < 4; i++ {
		out := d.Dispatch(context.Background(), testAlert(), []string{"down"})
		assert.Equal(t, []string{"down"}, out.Failed)
	}
	assert.Equal(t, int32(2), ch.calls.Load(), "open circuit short-circuits sends")
}

func TestTimeoutFailsAttempt(t *testing.T) {
	ch := &fakeChannel{name: "slow", block: true}
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.Retries = 0
	sink := &memorySink{}
	d := NewDispatcher(cfg, []Channel{ch}, WithRecordSink(sink))

	out := d.Dispatch(context.Background(), testAlert(), []string{"slow"})
	assert.Equal(t, []string{"slow"}, out.Failed)
	records := sink.Records()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Error, "deadline exceeded")
}

func TestFallbackChannel(t *testing.T) {
	bad := &fakeChannel{name: "email", fails: 100}
	fallback := &fakeChannel{name: "log"}
	cfg := testConfig()
	cfg.Retries = 0
	cfg.FallbackChannel = "log"
	d := NewDispatcher(cfg, []Channel{bad, fallback})

	out := d.Dispatch(context.Background(), testAlert(), []string{"email"})
	assert.Equal(t, []string{"log"}, out.Delivered)
	assert.Equal(t, []string{"email"}, out.Failed)
	assert.Equal(t, int32(1), fallback.calls.Load())
}

func TestUnknownChannelIsRecorded(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(testConfig(), nil, WithRecordSink(sink))

	out := d.Dispatch(context.Background(), testAlert(), []string{"nowhere"})
	assert.Equal(t, []string{"nowhere"}, out.Failed)
	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "unknown channel", records[0].Error)
}

func TestEnqueueDeliversThroughWorkers(t *testing.T) {
	ch := &fakeChannel{name: "ops"}
	outcomes := make(chan Outcome, 1)
	d := NewDispatcher(testConfig(), []Channel{ch}, WithOutcome(func(id string, o Outcome) {
		assert.Equal(t, "alert-1", id)
		outcomes <- o
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Enqueue(testAlert(), []string{"ops", "ops"})
	select {
	case o := <-outcomes:
		assert.Equal(t, []string{"ops"}, o.Delivered)
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestEnqueueWhenQueueFull(t *testing.T) {
	var failed []string
	cfg := testConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, []Channel{&fakeChannel{name: "ops"}}, WithOutcome(func(_ string, o Outcome) {
		failed = append(failed, o.Failed...)
	}))

	d.Enqueue(testAlert(), []string{"ops"})
	d.Enqueue(testAlert(), []string{"ops"})
	assert.Equal(t, []string{"ops"}, failed, "overflow is reported as failed so it is retried")
}

func TestSlackPayload(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	}))
	defer srv.Close()

	ch := NewSlackChannel("slack", srv.URL, srv.Client())
	require.NoError(t, ch.Send(context.Background(), NewMessage(testAlert(), time.Now())))
	assert.Equal(t, "[HIGH] cpu_percent=95 exceeded threshold 82.16", payload["text"])
	attachments, ok := payload["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)
	assert.Equal(t, "danger", attachments[0].(map[string]any)["color"])
}

func TestEmailChannel(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	send := func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}
	ch := NewEmailChannel("email", "smtp.example.com:25", "watchtower@example.com", []string{"ops@example.com"}, "", "", send)

	require.NoError(t, ch.Send(context.Background(), NewMessage(testAlert(), time.Now())))
	assert.Equal(t, "smtp.example.com:25", gotAddr)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: [HIGH] cpu_percent=95")
	assert.Contains(t, gotMsg, "Alert:      alert-1\r\n")
}

type fakePublisher struct {
	subject string
	data    []byte
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subject, p.data = subject, data
	return nil
}

func TestNATSChannel(t *testing.T) {
	pub := &fakePublisher{}
	dials := 0
	ch := NewNATSChannel("bus", "watchtower.alerts", func() (Publisher, error) {
		dials++
		return pub, nil
	})

	require.NoError(t, ch.Send(context.Background(), NewMessage(testAlert(), time.Now())))
	require.NoError(t, ch.Send(context.Background(), NewMessage(testAlert(), time.Now())))
	assert.Equal(t, 1, dials, "connection is reused")
	assert.Equal(t, "watchtower.alerts", pub.subject)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.data, &msg))
	assert.Equal(t, "alert-1", msg.Alert.ID)

	failing := NewNATSChannel("bus", "x", func() (Publisher, error) { return nil, errors.New("no servers") })
	err := failing.Send(context.Background(), NewMessage(testAlert(), time.Now()))
	assert.ErrorContains(t, err, "no servers")
}

func TestBuild(t *testing.T) {
	channels, err := Build([]config.ChannelConfig{
		{Name: "log", Type: "log"},
		{Name: "hook", Type: "webhook", URL: "http://localhost:1"},
		{Name: "slack", Type: "Slack", URL: "http://localhost:2"},
		{Name: "mail", Type: "email", SMTPAddr: "localhost:25", From: "a@b", To: []string{"c@d"}},
		{Name: "bus", Type: "nats", URL: "nats://localhost:4222", Subject: "alerts"},
	}, http.DefaultClient, zap.NewNop())
	require.NoError(t, err)

	var names []string
	for _, ch := range channels {
		names = append(names, ch.Name())
	}
	assert.Equal(t, []string{"log", "hook", "slack", "mail", "bus"}, names)

	_, err = Build([]config.ChannelConfig{{Name: "x", Type: "pigeon"}}, http.DefaultClient, zap.NewNop())
	assert.ErrorContains(t, err, "unknown type")

	_, err = Build([]config.ChannelConfig{{Name: "x", Type: "log"}, {Name: "x", Type: "log"}}, http.DefaultClient, zap.NewNop())
	assert.ErrorContains(t, err, "duplicate")
}

func TestMessageBody(t *testing.T) {
	a := testAlert()
	a.EscalationLevel = 2
	a.Assignee = "oncall"
	msg := NewMessage(a, time.Now())
	assert.True(t, strings.HasPrefix(msg.Subject, "[HIGH]"))
	assert.Contains(t, msg.Body, "Escalation: level 2")
	assert.Contains(t, msg.Body, "Assignee:   oncall")
}
