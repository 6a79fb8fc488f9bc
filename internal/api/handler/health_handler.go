package handler

import (
	"net/http"

	"github.com/dronehub/telemetry-scheduler/internal/coordinator"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/monitoring"
)

// HealthHandler serves the readiness probe: component health from the
// coordinator plus dependency probes from the monitoring collector.
type HealthHandler struct {
	coord     *coordinator.Coordinator
	collector *monitoring.Collector
}

func NewHealthHandler(coord *coordinator.Coordinator, collector *monitoring.Collector) *HealthHandler {
	return &HealthHandler{coord: coord, collector: collector}
}

type healthResponse struct {
	Status       domain.HealthStatus                `json:"status"`
	Components   map[string]domain.HealthStatus     `json:"components"`
	Dependencies map[string]domain.DependencyHealth `json:"dependencies"`
}

// Health handles GET /health. Healthy maps to 200, degraded to 206, and
// unhealthy to 503 so load balancers can act on the status code alone.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.coord.Status()
	depOverall, deps := h.collector.Health()

	overall := status.Overall
	if rank(depOverall) > rank(overall) {
		overall = depOverall
	}

	code := http.StatusOK
	switch overall {
	case domain.HealthDegraded:
		code = http.StatusPartialContent
	case domain.HealthUnhealthy:
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, healthResponse{
		Status:       overall,
		Components:   status.Components,
		Dependencies: deps,
	})
}

func rank(s domain.HealthStatus) int {
	switch s {
	case domain.HealthDegraded:
		return 1
	case domain.HealthUnhealthy:
		return 2
	}
	return 0
}
