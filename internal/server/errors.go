package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/alerting"
	"github.com/newsdigest/watchtower/internal/audit"
	"github.com/newsdigest/watchtower/internal/intake"
	"github.com/newsdigest/watchtower/internal/monitor"
)

// APIError is the body of every error response.
type APIError struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, APIError{
		Error:     message,
		Code:      code,
		RequestID: audit.GetCorrelationID(r.Context()),
	})
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var inputErr *intake.InputError
	switch {
	case errors.Is(err, alerting.ErrNotFound):
		s.respondError(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, alerting.ErrAlreadyTerminal), errors.Is(err, alerting.ErrInvalidTransition):
		s.respondError(w, r, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, monitor.ErrInvalidArgument), errors.As(err, &inputErr):
		s.respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		s.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
	}
}
