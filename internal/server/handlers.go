package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/newsdigest/watchtower/internal/alerting"
	"github.com/newsdigest/watchtower/internal/intake"
	"github.com/newsdigest/watchtower/internal/models"
)

// ActorHeader names the operator on mutating requests when the body does not.
const ActorHeader = "X-Watchtower-Actor"

// defaultFindingsMinutes is used when ?minutes= is absent.
const defaultFindingsMinutes = 60

// SamplePayload is one pushed metric observation.
type SamplePayload struct {
	Name      string    `json:"name"`
	Value     *float64  `json:"value"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// LogsPayload is the JSON form of POST /api/v1/logs.
type LogsPayload struct {
	Lines []string `json:"lines"`
}

// Rejection reports one input that was dropped.
type Rejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// IngestResponse summarizes a push.
type IngestResponse struct {
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// ActionRequest is the optional body of alert actions.
type ActionRequest struct {
	Actor string `json:"actor"`
}

// ThresholdRequest is the body of PUT /api/v1/thresholds/{metric}.
type ThresholdRequest struct {
	Base  *float64 `json:"base"`
	Actor string   `json:"actor"`
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.ops.Health(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// ─── Intake ─────────────────────────────────────────────────────────────────

func (s *Server) handleIngestMetrics(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondError(w, r, http.StatusRequestEntityTooLarge, ErrCodeInvalidRequest, err.Error())
		return
	}
	samples, err := decodeSamples(body)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	resp := IngestResponse{}
	for i, p := range samples {
		if p.Value == nil {
			resp.Rejected = append(resp.Rejected, Rejection{Index: i, Error: "value is required"})
			continue
		}
		if err := s.ops.IngestSample(r.Context(), p.Name, *p.Value, p.Timestamp); err != nil {
			if !s.reject(&resp, i, err) {
				s.writeError(w, r, err)
				return
			}
			continue
		}
		resp.Accepted++
	}
	writeJSON(w, ingestStatus(resp), resp)
}

func (s *Server) handleIngestLogs(w http.ResponseWriter, r *http.Request) {
	var lines []string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var p LogsPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			s.respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
		lines = p.Lines
	} else {
		scanner := bufio.NewScanner(r.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			if line := scanner.Text(); strings.TrimSpace(line) != "" {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			s.respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
	}

	resp := IngestResponse{}
	for i, line := range lines {
		if err := s.ops.IngestLog(r.Context(), line); err != nil {
			if !s.reject(&resp, i, err) {
				s.writeError(w, r, err)
				return
			}
			continue
		}
		resp.Accepted++
	}
	writeJSON(w, ingestStatus(resp), resp)
}

// reject records err against input i when it is an input error; any other
// error aborts the request.
func (s *Server) reject(resp *IngestResponse, i int, err error) bool {
	var inputErr *intake.InputError
	if !errors.As(err, &inputErr) {
		return false
	}
	resp.Rejected = append(resp.Rejected, Rejection{Index: i, Error: err.Error()})
	return true
}

func ingestStatus(resp IngestResponse) int {
	if resp.Accepted == 0 && len(resp.Rejected) > 0 {
		return http.StatusBadRequest
	}
	return http.StatusAccepted
}

// decodeSamples accepts one object or an array of them.
func decodeSamples(body []byte) ([]SamplePayload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		var batch []SamplePayload
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("invalid body: %w", err)
		}
		return batch, nil
	}
	var one SamplePayload
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, fmt.Errorf("invalid body: %w", err)
	}
	return []SamplePayload{one}, nil
}

// ─── Alerts ─────────────────────────────────────────────────────────────────

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter alerting.Filter

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := models.ParseAlertStatus(part)
			if err != nil {
				s.respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if raw := q.Get("severity"); raw != "" {
		sev, err := models.ParseSeverity(raw)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
		filter.MinSeverity = sev
	}
	limit, ok := s.intParam(w, r, "limit", 0)
	if !ok {
		return
	}
	filter.Limit = limit

	alerts := s.ops.GetActiveAlerts(r.Context(), filter)
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	detail, err := s.ops.GetAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type alertAction func(ctx context.Context, id, actor string) (models.Alert, error)

func (s *Server) handleAlertAction(action alertAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ActionRequest
		if !s.decodeOptional(w, r, &req) {
			return
		}
		alert, err := action(r.Context(), mux.Vars(r)["id"], actorFrom(r, req.Actor))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)
	}
}

// ─── Thresholds ─────────────────────────────────────────────────────────────

func (s *Server) handleListThresholds(w http.ResponseWriter, r *http.Request) {
	states := s.ops.Thresholds(r.Context())
	if states == nil {
		states = []models.ThresholdState{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thresholds": states,
		"count":      len(states),
	})
}

func (s *Server) handleGetThreshold(w http.ResponseWriter, r *http.Request) {
	state, err := s.ops.GetThreshold(r.Context(), mux.Vars(r)["metric"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Base == nil {
		s.respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "base is required")
		return
	}

	state, err := s.ops.SetBaseThreshold(r.Context(), mux.Vars(r)["metric"], *req.Base, actorFrom(r, req.Actor))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleThresholdHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.intParam(w, r, "limit", 0)
	if !ok {
		return
	}
	rows, err := s.ops.ThresholdHistory(r.Context(), mux.Vars(r)["metric"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []models.ThresholdHistory{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": rows,
		"count":   len(rows),
	})
}

// ─── Findings and patterns ──────────────────────────────────────────────────

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	minutes, ok := s.intParam(w, r, "minutes", defaultFindingsMinutes)
	if !ok {
		return
	}
	findings, err := s.ops.GetRecentFindings(r.Context(), minutes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"findings": findings,
		"count":    len(findings),
	})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	records := s.ops.Patterns(r.Context())
	if records == nil {
		records = []models.PatternRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": records,
		"count":    len(records),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, fmt.Sprintf("%s must be a non-negative integer", name))
		return 0, false
	}
	return n, true
}

// decodeOptional decodes a JSON body if there is one.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}
	return true
}

func actorFrom(r *http.Request, bodyActor string) string {
	if bodyActor != "" {
		return bodyActor
	}
	return r.Header.Get(ActorHeader)
}
