package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/newsdigest/watchtower/internal/middleware"
	"github.com/newsdigest/watchtower/internal/models"
	"github.com/newsdigest/watchtower/internal/monitor"
	"github.com/newsdigest/watchtower/internal/server"
)

// Package client is a thin HTTP client for the watchtower REST API, used by
// the CLI subcommands.

// Error is a non-2xx response from the API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("watchtower: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("watchtower: %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one watchtower server.
type Client struct {
	base   string
	actor  string
	apiKey string
	http   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithActor names the operator sent on mutating requests.
func WithActor(actor string) Option {
	return func(c *Client) { c.actor = actor }
}

// WithAPIKey sets the key sent in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// New creates a client for the server at base, e.g. http://localhost:8090.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ─── Alerts ─────────────────────────────────────────────────────────────────

// AlertQuery filters ListAlerts.
type AlertQuery struct {
	Statuses []string
	Severity string
	Limit    int
}

// ListAlerts returns active alerts matching q.
func (c *Client) ListAlerts(ctx context.Context, q AlertQuery) ([]models.Alert, error) {
	v := url.Values{}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Severity != "" {
		v.Set("severity", q.Severity)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var out struct {
		Alerts []models.Alert `json:"alerts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts", v, nil, &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}

// GetAlert returns one alert with its delivery attempts.
func (c *Client) GetAlert(ctx context.Context, id string) (monitor.AlertDetail, error) {
	var out monitor.AlertDetail
	err := c.do(ctx, http.MethodGet, "/api/v1/alerts/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Acknowledge acknowledges an alert.
func (c *Client) Acknowledge(ctx context.Context, id string) (models.Alert, error) {
	return c.alertAction(ctx, id, "acknowledge")
}

// Resolve resolves an alert.
func (c *Client) Resolve(ctx context.Context, id string) (models.Alert, error) {
	return c.alertAction(ctx, id, "resolve")
}

// Reopen reopens a suppressed alert as a new one.
func (c *Client) Reopen(ctx context.Context, id string) (models.Alert, error) {
	return c.alertAction(ctx, id, "reopen")
}

func (c *Client) alertAction(ctx context.Context, id, action string) (models.Alert, error) {
	var out models.Alert
	body := server.ActionRequest{Actor: c.actor}
	err := c.do(ctx, http.MethodPost, "/api/v1/alerts/"+url.PathEscape(id)+"/"+action, nil, body, &out)
	return out, err
}

// ─── Thresholds ─────────────────────────────────────────────────────────────

// Thresholds lists every known threshold.
func (c *Client) Thresholds(ctx context.Context) ([]models.ThresholdState, error) {
	var out struct {
		Thresholds []models.ThresholdState `json:"thresholds"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/thresholds", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Thresholds, nil
}

// GetThreshold returns the threshold of metric.
func (c *Client) GetThreshold(ctx context.Context, metric string) (models.ThresholdState, error) {
	var out models.ThresholdState
	err := c.do(ctx, http.MethodGet, "/api/v1/thresholds/"+url.PathEscape(metric), nil, nil, &out)
	return out, err
}

// SetBaseThreshold overrides the base threshold of metric.
func (c *Client) SetBaseThreshold(ctx context.Context, metric string, base float64) (models.ThresholdState, error) {
	var out models.ThresholdState
	body := server.ThresholdRequest{Base: &base, Actor: c.actor}
	err := c.do(ctx, http.MethodPut, "/api/v1/thresholds/"+url.PathEscape(metric), nil, body, &out)
	return out, err
}

// ThresholdHistory returns up to limit recalculations of metric, newest first.
func (c *Client) ThresholdHistory(ctx context.Context, metric string, limit int) ([]models.ThresholdHistory, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		History []models.ThresholdHistory `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/thresholds/"+url.PathEscape(metric)+"/history", v, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// ─── Findings, patterns, intake ─────────────────────────────────────────────

// Findings returns findings of the last minutes.
func (c *Client) Findings(ctx context.Context, minutes int) ([]models.Finding, error) {
	v := url.Values{}
	v.Set("minutes", strconv.Itoa(minutes))
	var out struct {
		Findings []models.Finding `json:"findings"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/findings", v, nil, &out); err != nil {
		return nil, err
	}
	return out.Findings, nil
}

// Patterns lists pattern records.
func (c *Client) Patterns(ctx context.Context) ([]models.PatternRecord, error) {
	var out struct {
		Patterns []models.PatternRecord `json:"patterns"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/patterns", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Patterns, nil
}

// PushSamples sends a batch of samples.
func (c *Client) PushSamples(ctx context.Context, samples []server.SamplePayload) (server.IngestResponse, error) {
	var out server.IngestResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/metrics", nil, samples, &out)
	return out, err
}

// Health returns the server health summary. A degraded server is not an
// error.
func (c *Client) Health(ctx context.Context) (monitor.Health, error) {
	var out monitor.Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && out.Status != "" {
		return out, nil
	}
	return out, err
}

// ─── Transport ──────────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.actor != "" {
		req.Header.Set(server.ActorHeader, c.actor)
	}
	if c.apiKey != "" {
		req.Header.Set(middleware.APIKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var e server.APIError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Code = e.Code
			apiErr.Message = e.Error
			apiErr.RequestID = e.RequestID
		} else if out != nil {
			// /healthz answers 503 with its normal body.
			_ = json.Unmarshal(raw, out)
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
