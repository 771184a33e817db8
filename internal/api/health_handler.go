package api

import (
	"context"
	"net/http"

	"github.com/phrazzld/scanrelay/internal/api/shared"
	"github.com/phrazzld/scanrelay/internal/health"
)

// HealthChecker produces health reports.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// HealthHandler serves the health report.
type HealthHandler struct {
	checker HealthChecker
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Report handles GET /health-report. It answers 503 while any component
// is critical.
func (h *HealthHandler) Report(w http.ResponseWriter, r *http.Request) {
	report := h.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	shared.RespondWithJSON(w, r, status, report)
}

// Live handles GET /health.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
