// Package handlers implements the status server's endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
)

// HealthChecker probes one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the body of a healthy /healthz reply.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager aggregates registered checkers into one liveness answer.
type HealthManager struct {
	version  string
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager reporting the given version string.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: map[string]HealthChecker{},
	}
}

// RegisterChecker adds a named probe.
func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.checkers[name] = c
}

// HealthHandler serves the liveness endpoint: 200 with per-check statuses
// when the overall status is healthy or degraded (a check timed out), 503
// with the standard error envelope when any check is unhealthy.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	for name, c := range m.checkers {
		if err := c.CheckHealth(ctx); err != nil {
			if ctx.Err() != nil {
				checks[name] = "timeout"
			} else {
				checks[name] = "unhealthy"
			}
		} else {
			checks[name] = "healthy"
		}
	}

	status := m.determineOverallStatus(checks)
	if status != "healthy" && status != "degraded" {
		details := map[string]any{"checks": checks}
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable,
			apperrors.CodeServiceUnavailable, "health checks failed", "", details)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:  status,
		Version: m.version,
		Checks:  checks,
	})
}

// determineOverallStatus folds per-check statuses: any unhealthy check is
// unhealthy, a timeout alone degrades, otherwise healthy.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}
