package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

// MockTaskRepository is a hand-written, in-memory implementation of
// TaskRepository used in unit tests. No mock-generation library needed.
type MockTaskRepository struct {
	mu     sync.RWMutex
	tasks  map[int64]*domain.Task
	nextID int64

	// Optional error overrides, set in tests to simulate failure paths.
	CreateErr   error
	FindByIDErr error
	UpdateErr   error
	PingErr     error
}

func NewMockTaskRepository() *MockTaskRepository {
	return &MockTaskRepository{
		tasks:  make(map[int64]*domain.Task),
		nextID: 1,
	}
}

func (m *MockTaskRepository) Create(_ context.Context, t *domain.Task) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.BatchID == t.BatchID {
			return domain.ErrConflict
		}
	}
	t.ID = m.nextID
	m.nextID++
	clone := *t
	m.tasks[t.ID] = &clone
	return nil
}

func (m *MockTaskRepository) FindByID(_ context.Context, id int64) (*domain.Task, error) {
	if m.FindByIDErr != nil {
		return nil, m.FindByIDErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (m *MockTaskRepository) FindByBatchID(_ context.Context, batchID string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		if t.BatchID == batchID {
			clone := *t
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockTaskRepository) FindByFilter(_ context.Context, f domain.TaskFilter) ([]*domain.Task, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*domain.Task
	for _, t := range m.tasks {
		if f.JobType != nil && t.JobType != *f.JobType {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.BatchID != nil && t.BatchID != *f.BatchID {
			continue
		}
		if f.CreatedBy != nil && t.CreatedBy != *f.CreatedBy {
			continue
		}
		if f.From != nil && t.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && t.CreatedAt.After(*f.To) {
			continue
		}
		clone := *t
		matched = append(matched, &clone)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if f.Limit > 0 {
		start := (f.Page - 1) * f.Limit
		if start > len(matched) {
			start = len(matched)
		}
		end := start + f.Limit
		if end > len(matched) {
			end = len(matched)
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (m *MockTaskRepository) FindPending(_ context.Context, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	return m.findByStatus(domain.TaskStatusPending, limit), nil
}

func (m *MockTaskRepository) FindRunning(_ context.Context) ([]*domain.Task, error) {
	return m.findByStatus(domain.TaskStatusRunning, 0), nil
}

func (m *MockTaskRepository) FindTimedOut(_ context.Context, timeout time.Duration) ([]*domain.Task, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Task
	for _, t := range m.tasks {
		if t.Status == domain.TaskStatusRunning && t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			clone := *t
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (m *MockTaskRepository) FindRetryable(_ context.Context, maxRetries int, cooldown time.Duration) ([]*domain.Task, error) {
	cutoff := time.Now().UTC().Add(-cooldown)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Task
	for _, t := range m.tasks {
		if t.Status == domain.TaskStatusFailed &&
			t.RetryCount < maxRetries &&
			t.CompletedAt != nil && !t.CompletedAt.After(cutoff) {
			clone := *t
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (m *MockTaskRepository) Update(_ context.Context, id int64, upd domain.TaskUpdate) (*domain.Task, error) {
	if m.UpdateErr != nil {
		return nil, m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
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

	clone := *t
	return &clone, nil
}

func (m *MockTaskRepository) BatchUpdateStatus(ctx context.Context, ids []int64, status domain.TaskStatus, errMsg *string) (int64, error) {
	var n int64
	for _, id := range ids {
		upd := domain.TaskUpdate{Status: &status, ErrorMessage: errMsg}
		if _, err := m.Update(ctx, id, upd); err == nil {
			n++
		}
	}
	return n, nil
}

func (m *MockTaskRepository) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status == domain.TaskStatusRunning {
		return domain.ErrTaskRunning
	}
	delete(m.tasks, id)
	return nil
}

func (m *MockTaskRepository) CleanupOlderThan(_ context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tasks {
		if t.Status.IsTerminal() && t.CreatedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *MockTaskRepository) Statistics(_ context.Context, from, to *time.Time) (*domain.TaskStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s domain.TaskStatistics
	var execTotal float64
	var execCount int64
	for _, t := range m.tasks {
		if from != nil && t.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && t.CreatedAt.After(*to) {
			continue
		}
		s.Total++
		switch t.Status {
		case domain.TaskStatusPending:
			s.Pending++
		case domain.TaskStatusRunning:
			s.Running++
		case domain.TaskStatusCompleted:
			s.Completed++
			s.TotalRecordsProcessed += t.ArchivedRecords
			if t.StartedAt != nil && t.CompletedAt != nil {
				execTotal += t.CompletedAt.Sub(*t.StartedAt).Seconds()
				execCount++
			}
		case domain.TaskStatusFailed:
			s.Failed++
		}
	}
	if execCount > 0 {
		s.AverageExecutionSecs = execTotal / float64(execCount)
	}
	return &s, nil
}

func (m *MockTaskRepository) Ping(_ context.Context) error {
	return m.PingErr
}

func (m *MockTaskRepository) findByStatus(status domain.TaskStatus, limit int) []*domain.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Task
	for _, t := range m.tasks {
		if t.Status == status {
			clone := *t
			result = append(result, &clone)
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result
}

// Seed inserts a task directly, bypassing Create's conflict check. Tests
// use it to set up arbitrary lifecycle states.
func (m *MockTaskRepository) Seed(t *domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		t.ID = m.nextID
		m.nextID++
	} else if t.ID >= m.nextID {
		m.nextID = t.ID + 1
	}
	clone := *t
	m.tasks[t.ID] = &clone
}

// MockTelemetryRepository returns canned per-table counts.
type MockTelemetryRepository struct {
	mu     sync.RWMutex
	Counts map[string]int64
	Err    error
}

func NewMockTelemetryRepository() *MockTelemetryRepository {
	return &MockTelemetryRepository{Counts: make(map[string]int64)}
}

func (m *MockTelemetryRepository) CountUnarchived(_ context.Context, table string, _, _ time.Time) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !telemetryTables[table] {
		return 0, domain.ErrInvalidTable
	}
	return m.Counts[table], nil
}
