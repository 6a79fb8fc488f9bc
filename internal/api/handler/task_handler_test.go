package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/api/handler"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/repository"
)

func taskRouter(tasks *repository.MockTaskRepository) http.Handler {
	th := handler.NewTaskHandler(tasks, zap.NewNop())
	r := chi.NewRouter()
	r.Get("/tasks/statistics", th.Statistics)
	r.Get("/tasks", th.List)
	r.Get("/tasks/{id}", th.GetByID)
	r.Delete("/tasks/{id}", th.Delete)
	return r
}

func seedTasks(tasks *repository.MockTaskRepository) {
	now := time.Now().UTC()
	tasks.Seed(&domain.Task{
		ID: 1, JobType: domain.JobTypePositions, BatchID: "b1",
		Status: domain.TaskStatusCompleted, CreatedAt: now,
	})
	tasks.Seed(&domain.Task{
		ID: 2, JobType: domain.JobTypeCommands, BatchID: "b2",
		Status: domain.TaskStatusPending, CreatedAt: now.Add(-time.Hour),
	})
	started := now.Add(-time.Minute)
	tasks.Seed(&domain.Task{
		ID: 3, JobType: domain.JobTypePositions, BatchID: "b3",
		Status: domain.TaskStatusRunning, StartedAt: &started, CreatedAt: now.Add(-2 * time.Hour),
	})
}

func TestTaskHandler_List(t *testing.T) {
	tasks := repository.NewMockTaskRepository()
	seedTasks(tasks)
	srv := taskRouter(tasks)

	t.Run("unfiltered", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp struct {
			Tasks []domain.Task `json:"tasks"`
			Total int64         `json:"total"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Total != 3 || len(resp.Tasks) != 3 {
			t.Fatalf("total=%d len=%d, want 3/3", resp.Total, len(resp.Tasks))
		}
	})

	t.Run("status filter", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks?status=pending", nil))
		var resp struct {
			Total int64 `json:"total"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Total != 1 {
			t.Fatalf("total = %d, want 1", resp.Total)
		}
	})

	t.Run("invalid job type", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks?job_type=bogus", nil))
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", rec.Code)
		}
	})

	t.Run("oversized limit is clamped", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks?limit=100000", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp struct {
			Limit int `json:"limit"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Limit != 100 {
			t.Fatalf("limit = %d, want clamped to 100", resp.Limit)
		}
	})

	t.Run("limit at the cap passes through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks?limit=100", nil))
		var resp struct {
			Limit int `json:"limit"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Limit != 100 {
			t.Fatalf("limit = %d, want 100", resp.Limit)
		}
	})
}

func TestTaskHandler_GetByID(t *testing.T) {
	tasks := repository.NewMockTaskRepository()
	seedTasks(tasks)
	srv := taskRouter(tasks)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/404", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTaskHandler_Delete(t *testing.T) {
	tasks := repository.NewMockTaskRepository()
	seedTasks(tasks)
	srv := taskRouter(tasks)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/tasks/1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if _, err := tasks.FindByID(context.Background(), 1); err == nil {
		t.Fatal("expected task gone")
	}

	// Running tasks are refused.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/tasks/3", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestTaskHandler_Statistics(t *testing.T) {
	tasks := repository.NewMockTaskRepository()
	seedTasks(tasks)
	srv := taskRouter(tasks)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/statistics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats domain.TaskStatistics
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Running != 1 || stats.Completed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
