// Package api exposes probes and manual pass triggers for serve mode.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"reconciler/internal/apperrors"
	"reconciler/internal/enclave"
	"reconciler/internal/health"
)

// Passes runs reconciliation passes on demand.
type Passes interface {
	TriggerStudies(ctx context.Context) (*enclave.PassResult, error)
	TriggerErrors(ctx context.Context) (*enclave.ScanResult, error)
}

// Handler contains the HTTP handlers.
type Handler struct {
	passes Passes
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(passes Passes, healthChecker *health.Checker) *Handler {
	return &Handler{
		passes: passes,
		health: healthChecker,
	}
}

// passResponse wraps a pass result with the error that ended it, if any.
type passResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RunStudies handles POST /v1/passes/studies.
func (h *Handler) RunStudies(w http.ResponseWriter, r *http.Request) {
	result, err := h.passes.TriggerStudies(r.Context())
	if result == nil {
		h.writePass(w, r, nil, false, err)
		return
	}
	h.writePass(w, r, result, result.Skipped, err)
}

// RunErrors handles POST /v1/passes/errors.
func (h *Handler) RunErrors(w http.ResponseWriter, r *http.Request) {
	result, err := h.passes.TriggerErrors(r.Context())
	if result == nil {
		h.writePass(w, r, nil, false, err)
		return
	}
	h.writePass(w, r, result, result.Skipped, err)
}

// writePass answers 200 for a completed pass, 409 when another holder of the
// pass lock made this one skip, and the mapped error status otherwise. The
// partial result is included whenever the pass produced one.
func (h *Handler) writePass(w http.ResponseWriter, r *http.Request, result any, skipped bool, err error) {
	switch {
	case err != nil:
		status := apperrors.HTTPStatus(err)
		logAtStatus(r, status, err)
		h.writeJSON(w, status, passResponse{Result: result, Error: err.Error()})
	case skipped:
		h.writeJSON(w, http.StatusConflict, passResponse{Result: result, Error: "pass already running elsewhere"})
	default:
		h.writeJSON(w, http.StatusOK, passResponse{Result: result})
	}
}

// Livez handles GET /livez.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz. It answers 503 when the backend is unreachable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func logAtStatus(r *http.Request, status int, err error) {
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Pass failed", "error", err, "path", r.URL.Path)
		return
	}
	slog.WarnContext(r.Context(), "Pass failed upstream", "error", err, "path", r.URL.Path, "status", status)
}
