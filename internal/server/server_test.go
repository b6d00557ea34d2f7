package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/audit"
	"github.com/newsdigest/watchtower/internal/config"
	"github.com/newsdigest/watchtower/internal/db"
	"github.com/newsdigest/watchtower/internal/middleware"
	"github.com/newsdigest/watchtower/internal/models"
	"github.com/newsdigest/watchtower/internal/monitor"
	"github.com/newsdigest/watchtower/internal/notify"
)

type countingChannel struct {
	mu   sync.Mutex
	sent int
}

func (c *countingChannel) Name() string { return "log" }

func (c *countingChannel) Send(context.Context, notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return nil
}

func newTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Persistence.RetryInterval = 10 * time.Millisecond
	cfg.Server.RateLimitPerMinute = 0
	return cfg
}

// newTestServer runs a monitor over an in-memory store and serves it with
// httptest.
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m, err := monitor.New(cfg,
		monitor.WithStore(store),
		monitor.WithAuditLogger(audit.NewNopLogger()),
		monitor.WithChannels(&countingChannel{}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	s, err := NewServer(cfg, m, zap.NewNop())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.hub.Close()
		if s.limiter != nil {
			s.limiter.Stop()
		}
	})
	return s, ts
}

func do(t *testing.T, method, url string, body string, headers ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode(t *testing.T, raw []byte, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v), string(raw))
}

type alertList struct {
	Alerts []models.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

func TestNewServerValidates(t *testing.T) {
	_, err := NewServer(nil, nil, nil)
	assert.Error(t, err)
	_, err = NewServer(config.DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, newTestConfig())

	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h monitor.Health
	decode(t, body, &h)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, []string{"log"}, h.Channels)
	assert.NotEmpty(t, resp.Header.Get(middleware.CorrelationHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, newTestConfig())
	resp, body := do(t, http.MethodGet, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "watchtower_")
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, newTestConfig())
	api := ts.URL + "/api/v1"

	samples := `[
		{"name":"cpu_percent","value":70,"timestamp":"2026-03-01T12:00:00Z"},
		{"name":"cpu_percent","value":71,"timestamp":"2026-03-01T12:00:01Z"},
		{"name":"cpu_percent","value":70,"timestamp":"2026-03-01T12:00:02Z"},
		{"name":"cpu_percent","value":72,"timestamp":"2026-03-01T12:00:03Z"},
		{"name":"cpu_percent","value":95,"timestamp":"2026-03-01T12:00:04Z"}
	]`
	resp, body := do(t, http.MethodPost, api+"/metrics", samples)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var ingest IngestResponse
	decode(t, body, &ingest)
	assert.Equal(t, 5, ingest.Accepted)
	assert.Empty(t, ingest.Rejected)

	var list alertList
	require.Eventually(t, func() bool {
		_, body := do(t, http.MethodGet, api+"/alerts", "")
		list = alertList{}
		return json.Unmarshal(body, &list) == nil && list.Count == 1
	}, 2*time.Second, 10*time.Millisecond)
	id := list.Alerts[0].ID

	resp, body = do(t, http.MethodGet, api+"/alerts/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail monitor.AlertDetail
	decode(t, body, &detail)
	assert.Equal(t, id, detail.ID)
	assert.Equal(t, models.StatusNew, detail.Status)

	resp, body = do(t, http.MethodPost, api+"/alerts/"+id+"/acknowledge", "", ActorHeader, "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var acked models.Alert
	decode(t, body, &acked)
	assert.Equal(t, models.StatusAcknowledged, acked.Status)
	assert.Equal(t, "alice", acked.AcknowledgedBy)

	resp, body = do(t, http.MethodPost, api+"/alerts/"+id+"/resolve", `{"actor":"bob"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var resolved models.Alert
	decode(t, body, &resolved)
	assert.Equal(t, models.StatusResolved, resolved.Status)
	assert.Equal(t, "bob", resolved.ResolvedBy)

	resp, body = do(t, http.MethodPost, api+"/alerts/"+id+"/resolve", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var apiErr APIError
	decode(t, body, &apiErr)
	assert.Equal(t, ErrCodeConflict, apiErr.Code)

	resp, _ = do(t, http.MethodPost, api+"/alerts/"+id+"/reopen", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "only suppressed alerts reopen")

	resp, body = do(t, http.MethodGet, api+"/alerts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list = alertList{}
	decode(t, body, &list)
	assert.Zero(t, list.Count, "resolved alerts are not active")

	resp, body = do(t, http.MethodGet, api+"/findings?minutes=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var findings struct {
		Count int `json:"count"`
	}
	decode(t, body, &findings)
	assert.Equal(t, 1, findings.Count)
}

func TestIngestMetricsRejections(t *testing.T) {
	_, ts := newTestServer(t, newTestConfig())
	api := ts.URL + "/api/v1"

	resp, body := do(t, http.MethodPost, api+"/metrics",
		`[{"name":"queue_depth","value":3},{"name":"bad name!","value":1},{"name":"queue_depth"}]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var ingest IngestResponse
	decode(t, body, &ingest)
	assert.Equal(t, 1, ingest.Accepted)
	require.Len(t, ingest.Rejected, 2)
	assert.Equal(t, 1, ingest.Rejected[0].Index)
	assert.Equal(t, 2, ingest.Rejected[1].Index)

	resp, _ = do(t, http.MethodPost, api+"/metrics", `{"name":"","value":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "nothing accepted")

	resp, body = do(t, http.MethodPost, api+"/metrics", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var apiErr APIError
	decode(t, body, &apiErr)
	assert.Equal(t, ErrCodeInvalidRequest, apiErr.Code)
	assert.Equal(t, resp.Header.Get(middleware.CorrelationHeader), apiErr.RequestID)

	resp, _ = do(t, http.MethodPost, api+"/metrics", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestLogs(t *testing.T) {
	_, ts := newTestServer(t, newTestConfig())
	api := ts.URL + "/api/v1"

	req, err := http.NewRequest(http.MethodPost, api+"/logs",
		strings.NewReader("[ERROR] db timeout\n\n[INFO] request served\n"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var ingest IngestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ingest))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 2, ingest.Accepted, "blank lines are skipped")

	resp2, body := do(t, http.MethodPost, api+"/logs", `{"lines":["[WARN] disk 91% full"]}`)
	require.Equal(t, http.StatusAccepted, resp2.StatusCode, string(body))
	ingest = IngestResponse{}
	decode(t, body, &ingest)
	assert.Equal(t, 1, ingest.Accepted)

	resp2, _ = do(t, http.MethodPost, api+"/logs", `{"lines":[`)
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestAlertNotFound(t *testing.T) {
	_, ts := newTestServer(t, newTestConfig())
	api := ts.URL + "/api/v1"

	resp, body := do(t, http.MethodGet, api+"/alerts/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var apiErr APIError
	decode(t, body, &apiErr)
	assert.Equal(t, ErrCodeNotFound, apiErr.Code)

	resp, _ = do(t, http.MethodPost, api+"/alerts/does-not-exist/acknowledge", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListAlertsQueryValidation(t *testing.T) {
	_, ts := newTestServer(t, newTestConfig())
	api := ts.URL + "/api/v1"

	for _, q := range []string{"status=bogus", "severity=bogus", "limit=-1", "limit=abc"} {
		resp, _ := do(t, http.MethodGet, api+"/alerts?"+q, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
	resp, body := do(t, http.MethodGet, api+"/alerts?status=new,acknowledged&severity=HIGH&limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list alertList
	decode(t, body, &list)
	assert.NotNil(t, list.Alerts)
	assert.Zero(t, list.Count)
}

func TestThresholdEndpoints(t *testing.T) {
	_, ts := newTestServer(t, newTestConfig())
	api := ts.URL + "/api/v1"

	resp, body := do(t, http.MethodPut, api+"/thresholds/cpu_percent", `{"base":90,"actor":"bob"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var state models.ThresholdState
	decode(t, body, &state)
	assert.Equal(t, "cpu_percent", state.MetricName)
	assert.Equal(t, 90.0, state.BaseThreshold)

	resp, body = do(t, http.MethodGet, api+"/thresholds/cpu_percent", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state = models.ThresholdState{}
	decode(t, body, &state)
	assert.Equal(t, 90.0, state.BaseThreshold)

	resp, body = do(t, http.MethodGet, api+"/thresholds", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Thresholds []models.ThresholdState `json:"thresholds"`
		Count      int                     `json:"count"`
	}
	decode(t, body, &list)
	assert.Equal(t, 1, list.Count)

	resp, _ = do(t, http.MethodPut, api+"/thresholds/cpu_percent", `{"actor":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "base is required")

	resp, _ = do(t, http.MethodGet, api+"/thresholds/bad!name", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, api+"/thresholds/cpu_percent/history?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var history struct {
		History []models.ThresholdHistory `json:"history"`
	}
	decode(t, body, &history)
	assert.NotNil(t, history.History)

	resp, _ = do(t, http.MethodGet, api+"/thresholds/cpu_percent/history?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFindingsAndPatterns(t *testing.T) {
	_, ts := newTestServer(t, newTestConfig())
	api := ts.URL + "/api/v1"

	resp, _ := do(t, http.MethodGet, api+"/findings", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, api+"/findings?minutes=0", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for i := 0; i < 3; i++ {
		r, _ := do(t, http.MethodPost, api+"/logs", `{"lines":["[ERROR] upstream 10.0.0.9 refused connection"]}`)
		require.Equal(t, http.StatusAccepted, r.StatusCode)
	}
	require.Eventually(t, func() bool {
		_, body := do(t, http.MethodGet, api+"/patterns", "")
		var p struct {
			Patterns []models.PatternRecord `json:"patterns"`
		}
		return json.Unmarshal(body, &p) == nil && len(p.Patterns) == 1 && p.Patterns[0].Frequency == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, newTestConfig())
	resp, _ := do(t, http.MethodDelete, ts.URL+"/api/v1/alerts", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRateLimitAppliesToAPI(t *testing.T) {
	cfg := newTestConfig()
	cfg.Server.RateLimitPerMinute = 2
	_, ts := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/patterns", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/patterns", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is not rate limited")
}

func TestBodyLimit(t *testing.T) {
	cfg := newTestConfig()
	cfg.Server.MaxBodyBytes = 16
	_, ts := newTestServer(t, cfg)

	resp, _ := do(t, http.MethodPost, ts.URL+"/api/v1/metrics", `[{"name":"cpu_percent","value":1}]`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestStartStop(t *testing.T) {
	cfg := newTestConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	s, _ := newTestServer(t, cfg)

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(), "already running")

	resp, _ := do(t, http.MethodGet, fmt.Sprintf("http://%s/healthz", s.Addr()), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
	assert.Error(t, s.Stop(ctx))
}

func TestAPIKeyProtectsAPI(t *testing.T) {
	cfg := newTestConfig()
	cfg.Server.APIKey = "s3cret"
	_, ts := newTestServer(t, cfg)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/alerts", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var apiErr APIError
	decode(t, body, &apiErr)
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/alerts", "", middleware.APIKeyHeader, "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays open")
}
