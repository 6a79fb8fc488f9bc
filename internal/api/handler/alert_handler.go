package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/monitoring"
)

// AlertHandler serves the active alert list and manual resolution.
type AlertHandler struct {
	collector *monitoring.Collector
	logger    *zap.Logger
}

func NewAlertHandler(collector *monitoring.Collector, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{collector: collector, logger: logger}
}

// List handles GET /api/v1/alerts.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	alerts := h.collector.ActiveAlerts()
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// Resolve handles POST /api/v1/alerts/{id}/resolve.
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.collector.ResolveAlert(id); err != nil {
		mapError(w, err)
		return
	}

	h.logger.Info("alert resolved", zap.String("alert_id", id))
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
