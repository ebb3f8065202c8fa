package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/governance"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/llm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/orchestrator"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/store"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/webhook"
)

// Sentinel errors for the HTTP surface itself.
var (
	ErrUnauthorized = errors.New("missing or invalid bearer token")
	ErrNoAPIKeys    = errors.New("no API keys configured")
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps an error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case validate.IsValidationError(err), errors.Is(err, llm.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized), errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, swarm.ErrTaskNotFound), errors.Is(err, swarm.ErrNoTasks):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrRateLimited), errors.Is(err, governance.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, connectors.ErrNotConfigured), errors.Is(err, ErrNoAPIKeys),
		errors.Is(err, store.ErrNotReady), errors.Is(err, llm.ErrNoProvider):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
