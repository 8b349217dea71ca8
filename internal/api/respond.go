package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rewired-gh/linewatch/internal/dashboard"
	"github.com/rewired-gh/linewatch/internal/engine"
	"github.com/rewired-gh/linewatch/internal/logger"
	"github.com/rewired-gh/linewatch/internal/movement"
	"github.com/rewired-gh/linewatch/internal/stats"
	"github.com/rewired-gh/linewatch/internal/storage"
)

// errBadRequest marks malformed request input.
var errBadRequest = errors.New("bad request")

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
	Retryable bool   `json:"retryable"`
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// statusFor maps an error onto its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, engine.ErrInvalidSnapshot),
		errors.Is(err, movement.ErrInvalidThresholds),
		errors.Is(err, dashboard.ErrInvalidScope),
		errors.Is(err, stats.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("error encoding response: %v", err)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		logger.Error("%s %s: %v", r.Method, r.URL.Path, err)
	} else {
		logger.Debug("%s %s: %v", r.Method, r.URL.Path, err)
	}

	respondJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   err.Error(),
		Code:      status,
		Retryable: status == http.StatusServiceUnavailable,
	})
}

func parseIntParam(r *http.Request, param string, defaultValue int) (int, error) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("%s must be an integer, got %q", param, raw)
	}
	return v, nil
}

func parseFloatParam(r *http.Request, param string, defaultValue float64) (float64, error) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, badRequest("%s must be a number, got %q", param, raw)
	}
	return v, nil
}

func parseBoolParam(r *http.Request, param string) (*bool, error) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, badRequest("%s must be a boolean, got %q", param, raw)
	}
	return &v, nil
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates. A plain date used
// as an upper bound covers the whole day.
func parseTimeParam(r *http.Request, param string, endOfDay bool) (time.Time, error) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, badRequest("%s must be a date or RFC 3339 timestamp, got %q", param, raw)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}
