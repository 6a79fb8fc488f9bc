package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/coordinator"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/producer"
)

// ScheduleHandler exposes manual triggers for the cron producers and the
// aggregated scheduler status.
type ScheduleHandler struct {
	archive *producer.ArchiveProducer
	cleanup *producer.CleanupProducer
	coord   *coordinator.Coordinator
	logger  *zap.Logger
}

func NewScheduleHandler(archive *producer.ArchiveProducer, cleanup *producer.CleanupProducer, coord *coordinator.Coordinator, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{archive: archive, cleanup: cleanup, coord: coord, logger: logger}
}

type triggerRequest struct {
	JobType string `json:"job_type,omitempty"`
}

// Trigger handles POST /api/v1/schedule/trigger. An empty body (or empty
// job_type) runs all job types.
func (h *ScheduleHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var jobType *domain.JobType
	if req.JobType != "" {
		jt := domain.JobType(req.JobType)
		jobType = &jt
	}

	if err := h.archive.Trigger(r.Context(), jobType); err != nil {
		mapError(w, err)
		return
	}

	h.logger.Info("manual archive trigger accepted",
		zap.String("job_type", req.JobType))
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

type cleanupTriggerRequest struct {
	TableName     string `json:"table_name,omitempty"`
	DaysThreshold int    `json:"days_threshold,omitempty"`
}

// TriggerCleanup handles POST /api/v1/cleanup/trigger.
func (h *ScheduleHandler) TriggerCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupTriggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := h.cleanup.Trigger(r.Context(), req.TableName, req.DaysThreshold); err != nil {
		mapError(w, err)
		return
	}

	h.logger.Info("manual cleanup trigger accepted",
		zap.String("table", req.TableName),
		zap.Int("days_threshold", req.DaysThreshold))
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// Status handles GET /api/v1/schedule/status.
func (h *ScheduleHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.coord.Status())
}
