package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/repository"
)

// TaskHandler serves the task inspection endpoints.
type TaskHandler struct {
	tasks  repository.TaskRepository
	logger *zap.Logger
}

func NewTaskHandler(tasks repository.TaskRepository, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, logger: logger}
}

// maxPageSize caps the page size a caller can request.
const maxPageSize = 100

type taskListResponse struct {
	Tasks []*domain.Task `json:"tasks"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

// List handles GET /api/v1/tasks with filter and pagination query params.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.TaskFilter{
		Page:     intParam(q.Get("page"), 1),
		Limit:    intParam(q.Get("limit"), 20),
		SortBy:   q.Get("sort_by"),
		SortDesc: q.Get("order") != "asc",
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}

	if v := q.Get("job_type"); v != "" {
		jt := domain.JobType(v)
		if !jt.IsValid() {
			mapError(w, domain.ErrInvalidJobType)
			return
		}
		filter.JobType = &jt
	}
	if v := q.Get("status"); v != "" {
		st := domain.TaskStatus(v)
		if !st.IsValid() {
			respondError(w, http.StatusUnprocessableEntity, "invalid status filter")
			return
		}
		filter.Status = &st
	}
	if v := q.Get("batch_id"); v != "" {
		filter.BatchID = &v
	}
	if v := q.Get("created_by"); v != "" {
		filter.CreatedBy = &v
	}
	if t, ok := timeParam(q.Get("from")); ok {
		filter.From = &t
	}
	if t, ok := timeParam(q.Get("to")); ok {
		filter.To = &t
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		mapError(w, domain.ErrInvalidDateRange)
		return
	}

	tasks, total, err := h.tasks.FindByFilter(r.Context(), filter)
	if err != nil {
		h.logger.Error("task list failed", zap.Error(err))
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, taskListResponse{
		Tasks: tasks,
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
	})
}

// GetByID handles GET /api/v1/tasks/{id}.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	task, err := h.tasks.FindByID(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// Delete handles DELETE /api/v1/tasks/{id}. Running tasks are refused.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if err := h.tasks.Delete(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}

	h.logger.Info("task deleted", zap.Int64("task_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// Statistics handles GET /api/v1/tasks/statistics with optional from/to.
func (h *TaskHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var from, to *time.Time
	if t, ok := timeParam(q.Get("from")); ok {
		from = &t
	}
	if t, ok := timeParam(q.Get("to")); ok {
		to = &t
	}

	stats, err := h.tasks.Statistics(r.Context(), from, to)
	if err != nil {
		h.logger.Error("task statistics failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func timeParam(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
