package web

import (
	"context"
	"net/http"
	"time"

	"github.com/idost/parasto-jobs/internal/core"
)

// healthCheckTimeout bounds each dependency probe.
const healthCheckTimeout = 2 * time.Second

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status string                `json:"status"`
	Jobs   core.JobLimiterStatus `json:"jobs"`
	Checks map[string]string     `json:"checks,omitempty"`
}

// handleHealth reports job slot usage and the result of each dependency
// probe. Any failing probe makes the response 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Jobs:   s.jobs.Limiter().Status(),
	}

	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for _, hc := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := hc.Check(ctx)
		cancel()

		if err != nil {
			resp.Status = "degraded"
			resp.Checks[hc.Name] = err.Error()
			continue
		}
		resp.Checks[hc.Name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
