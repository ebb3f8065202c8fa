package governance

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// CheckResponse is the body of GET /check.
type CheckResponse struct {
	Allowed       bool   `json:"allowed"`
	RequestsToday int    `json:"requestsToday"`
	Limit         int    `json:"limit"`
	Reason        string `json:"reason,omitempty"`
}

// MetricsResponse is the body of GET /metrics.
type MetricsResponse struct {
	RequestsToday int       `json:"requestsToday"`
	Limit         int       `json:"limit"`
	Blocked       bool      `json:"blocked"`
	LastReset     time.Time `json:"lastReset"`
	NextReset     time.Time `json:"nextReset"`
}

// Handler returns the governor's HTTP surface.
func (g *Governor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /check", g.handleCheck)
	mux.HandleFunc("GET /metrics", g.handleMetrics)
	return mux
}

func (g *Governor) handleCheck(w http.ResponseWriter, r *http.Request) {
	state, err := g.Check(r.Context())
	resp := CheckResponse{
		Allowed:       err == nil,
		RequestsToday: state.RequestsToday,
		Limit:         g.limit,
	}
	status := http.StatusOK
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		status = http.StatusTooManyRequests
		resp.Reason = "daily quota exceeded, resets at 00:00 UTC"
	case err != nil:
		g.logger.Error("governance check failed", slog.String("error", err.Error()))
		status = http.StatusInternalServerError
		resp.Reason = err.Error()
	}
	writeJSON(w, status, resp)
}

func (g *Governor) handleMetrics(w http.ResponseWriter, r *http.Request) {
	state := g.State()
	writeJSON(w, http.StatusOK, MetricsResponse{
		RequestsToday: state.RequestsToday,
		Limit:         g.limit,
		Blocked:       state.Blocked,
		LastReset:     state.LastReset,
		NextReset:     g.NextAlarm(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
