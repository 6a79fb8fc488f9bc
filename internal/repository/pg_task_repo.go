package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

const taskColumns = `id, job_type, source_table, archive_table,
	       date_range_start, date_range_end, batch_id, status,
	       total_records, archived_records, retry_count,
	       started_at, completed_at, error_message,
	       created_by, created_at, updated_at`

type pgTaskRepository struct {
	pool *pgxpool.Pool
}

// NewPgTaskRepository returns a TaskRepository backed by PostgreSQL.
func NewPgTaskRepository(pool *pgxpool.Pool) TaskRepository {
	return &pgTaskRepository{pool: pool}
}

func (r *pgTaskRepository) Create(ctx context.Context, t *domain.Task) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO archive_tasks
			(job_type, source_table, archive_table, date_range_start, date_range_end,
			 batch_id, status, total_records, archived_records, retry_count,
			 created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		t.JobType, t.SourceTable, t.ArchiveTable, t.DateRangeStart, t.DateRangeEnd,
		t.BatchID, t.Status, t.TotalRecords, t.ArchivedRecords, t.RetryCount,
		t.CreatedBy, t.CreatedAt, t.UpdatedAt,
	)
	if err := row.Scan(&t.ID); err != nil {
		if strings.Contains(err.Error(), "idx_archive_tasks_batch_id") {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *pgTaskRepository) FindByID(ctx context.Context, id int64) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM archive_tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return t, err
}

func (r *pgTaskRepository) FindByBatchID(ctx context.Context, batchID string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM archive_tasks WHERE batch_id = $1`, batchID)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return t, err
}

func (r *pgTaskRepository) FindByFilter(ctx context.Context, f domain.TaskFilter) ([]*domain.Task, int64, error) {
	where, args := buildTaskWhere(f)
	offset := (f.Page - 1) * f.Limit

	// Count total matching rows for pagination metadata.
	var total int64
	countQuery := "SELECT COUNT(*) FROM archive_tasks" + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	order := orderClause(f)

	// Append pagination args after the WHERE args.
	args = append(args, f.Limit, offset)
	limitPlaceholder := fmt.Sprintf("$%d", len(args)-1)
	offsetPlaceholder := fmt.Sprintf("$%d", len(args))

	query := fmt.Sprintf(`SELECT %s FROM archive_tasks%s %s LIMIT %s OFFSET %s`,
		taskColumns, where, order, limitPlaceholder, offsetPlaceholder)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	return tasks, total, err
}

func (r *pgTaskRepository) FindPending(ctx context.Context, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM archive_tasks
		 WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *pgTaskRepository) FindRunning(ctx context.Context) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM archive_tasks
		 WHERE status = 'running' ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("find running: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *pgTaskRepository) FindTimedOut(ctx context.Context, timeout time.Duration) ([]*domain.Task, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM archive_tasks
		 WHERE status = 'running' AND started_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find timed out: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *pgTaskRepository) FindRetryable(ctx context.Context, maxRetries int, cooldown time.Duration) ([]*domain.Task, error) {
	cutoff := time.Now().UTC().Add(-cooldown)
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM archive_tasks
		 WHERE status = 'failed'
		   AND retry_count < $1
		   AND completed_at <= $2
		 LIMIT 500`, maxRetries, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find retryable: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *pgTaskRepository) Update(ctx context.Context, id int64, upd domain.TaskUpdate) (*domain.Task, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM archive_tasks WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if upd.Status != nil && *upd.Status != t.Status {
		if !t.Status.CanTransition(*upd.Status) {
			return nil, fmt.Errorf("%w: %s → %s", domain.ErrIllegalTransition, t.Status, *upd.Status)
		}
		t.Status = *upd.Status
		switch {
		case t.Status == domain.TaskStatusRunning:
			t.StartedAt = &now
		case t.Status.IsTerminal():
			t.CompletedAt = &now
		}
	}
	if upd.TotalRecords != nil {
		t.TotalRecords = *upd.TotalRecords
	}
	if upd.ArchivedRecords != nil {
		t.ArchivedRecords = *upd.ArchivedRecords
	}
	if upd.RetryCount != nil {
		t.RetryCount = *upd.RetryCount
	}
	if upd.StartedAt != nil {
		t.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		t.CompletedAt = upd.CompletedAt
	}
	if upd.ErrorMessage != nil {
		t.ErrorMessage = upd.ErrorMessage
	}
	if upd.ClearTimestamps {
		t.StartedAt = nil
		t.CompletedAt = nil
		t.ErrorMessage = nil
	}
	t.UpdatedAt = now

	_, err = tx.Exec(ctx, `
		UPDATE archive_tasks
		SET status = $1, total_records = $2, archived_records = $3,
		    retry_count = $4, started_at = $5, completed_at = $6,
		    error_message = $7, updated_at = $8
		WHERE id = $9`,
		t.Status, t.TotalRecords, t.ArchivedRecords,
		t.RetryCount, t.StartedAt, t.CompletedAt,
		t.ErrorMessage, t.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return t, nil
}

func (r *pgTaskRepository) BatchUpdateStatus(ctx context.Context, ids []int64, status domain.TaskStatus, errMsg *string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	var startedAt, completedAt any
	switch {
	case status == domain.TaskStatusRunning:
		startedAt = now
	case status.IsTerminal():
		completedAt = now
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE archive_tasks
		SET status = $1,
		    started_at = COALESCE($2, started_at),
		    completed_at = COALESCE($3, completed_at),
		    error_message = COALESCE($4, error_message),
		    updated_at = $5
		WHERE id = ANY($6)`,
		status, startedAt, completedAt, errMsg, now, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("batch update status: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgTaskRepository) Delete(ctx context.Context, id int64) error {
	t, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == domain.TaskStatusRunning {
		return domain.ErrTaskRunning
	}

	tag, err := r.pool.Exec(ctx, `DELETE FROM archive_tasks WHERE id = $1 AND status <> 'running'`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgTaskRepository) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM archive_tasks
		WHERE status IN ('completed', 'failed') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgTaskRepository) Statistics(ctx context.Context, from, to *time.Time) (*domain.TaskStatistics, error) {
	where, args := buildTaskWhere(domain.TaskFilter{From: from, To: to})

	query := fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'running'),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(SUM(archived_records) FILTER (WHERE status = 'completed'), 0),
		       COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
		                FILTER (WHERE status = 'completed'
		                        AND started_at IS NOT NULL
		                        AND completed_at IS NOT NULL), 0)
		FROM archive_tasks%s`, where)

	var s domain.TaskStatistics
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&s.Total, &s.Pending, &s.Running, &s.Completed, &s.Failed,
		&s.TotalRecordsProcessed, &s.AverageExecutionSecs,
	)
	if err != nil {
		return nil, fmt.Errorf("task statistics: %w", err)
	}
	return &s, nil
}

func (r *pgTaskRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// ---- helpers ----

// scanTask reads a single task row from any pgx row type.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(
		&t.ID, &t.JobType, &t.SourceTable, &t.ArchiveTable,
		&t.DateRangeStart, &t.DateRangeEnd, &t.BatchID, &t.Status,
		&t.TotalRecords, &t.ArchivedRecords, &t.RetryCount,
		&t.StartedAt, &t.CompletedAt, &t.ErrorMessage,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var result []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// buildTaskWhere builds a parameterised WHERE clause from a TaskFilter.
func buildTaskWhere(f domain.TaskFilter) (string, []any) {
	var conditions []string
	var args []any

	add := func(condition string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if f.JobType != nil {
		add("job_type = $%d", *f.JobType)
	}
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.BatchID != nil {
		add("batch_id = $%d", *f.BatchID)
	}
	if f.CreatedBy != nil {
		add("created_by = $%d", *f.CreatedBy)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// orderClause maps the filter's sort field onto a known column to keep the
// query injection-safe. Default is created_at DESC.
func orderClause(f domain.TaskFilter) string {
	col := "created_at"
	switch f.SortBy {
	case "started_at", "completed_at", "updated_at", "batch_id", "status", "job_type":
		col = f.SortBy
	}
	dir := "DESC"
	if f.SortBy != "" && !f.SortDesc {
		dir = "ASC"
	}
	return fmt.Sprintf("ORDER BY %s %s", col, dir)
}
