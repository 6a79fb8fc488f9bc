package repository

import (
	"context"
	"time"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

// TaskRepository defines all persistence operations for archive tasks.
// The pgx implementation is in pg_task_repo.go.
// Tests use a hand-written mock (mock_task_repo.go).
type TaskRepository interface {
	// Create inserts a new task with status=pending and retry_count=0.
	// A duplicate batch_id returns domain.ErrConflict with no side effects.
	Create(ctx context.Context, t *domain.Task) error

	FindByID(ctx context.Context, id int64) (*domain.Task, error)
	FindByBatchID(ctx context.Context, batchID string) (*domain.Task, error)
	FindByFilter(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, int64, error)

	FindPending(ctx context.Context, limit int) ([]*domain.Task, error)
	FindRunning(ctx context.Context) ([]*domain.Task, error)

	// FindTimedOut returns running tasks started more than timeout ago.
	FindTimedOut(ctx context.Context, timeout time.Duration) ([]*domain.Task, error)

	// FindRetryable returns failed tasks with retry_count < maxRetries
	// whose completed_at is older than cooldown.
	FindRetryable(ctx context.Context, maxRetries int, cooldown time.Duration) ([]*domain.Task, error)

	// Update applies a partial update. A status change that is not a legal
	// transition returns domain.ErrIllegalTransition. Moving into running
	// sets started_at; moving into a terminal state sets completed_at.
	Update(ctx context.Context, id int64, upd domain.TaskUpdate) (*domain.Task, error)

	// BatchUpdateStatus applies the same status (and optional error message)
	// to several tasks, with the same implied-timestamp rules as Update.
	BatchUpdateStatus(ctx context.Context, ids []int64, status domain.TaskStatus, errMsg *string) (int64, error)

	// Delete removes a task. Running tasks are refused with
	// domain.ErrTaskRunning.
	Delete(ctx context.Context, id int64) error

	// CleanupOlderThan physically deletes terminal tasks created before the
	// cutoff and returns the number removed.
	CleanupOlderThan(ctx context.Context, days int) (int64, error)

	Statistics(ctx context.Context, from, to *time.Time) (*domain.TaskStatistics, error)

	// Ping verifies the underlying store is reachable (health probes).
	Ping(ctx context.Context) error
}

// TelemetryRepository estimates pending archival work in the telemetry
// source tables. The scheduler never reads row contents, only counts.
type TelemetryRepository interface {
	// CountUnarchived counts rows in table with archived_at IS NULL inside
	// the half-open interval [from, to].
	CountUnarchived(ctx context.Context, table string, from, to time.Time) (int64, error)
}
