package monitor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/broker"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/monitor"
	"github.com/dronehub/telemetry-scheduler/internal/repository"
)

func newMonitor() (*monitor.Monitor, *repository.MockTaskRepository, *broker.MockBroker) {
	tasks := repository.NewMockTaskRepository()
	bk := broker.NewMockBroker()
	m := monitor.New(monitor.Config{
		TimeoutSweepInterval: 30 * time.Minute,
		RetrySweepInterval:   15 * time.Minute,
		TaskTimeout:          4 * time.Hour,
		RetryCooldown:        30 * time.Minute,
		MaxRetries:           3,
		BatchSize:            1000,
	}, tasks, bk, zap.NewNop(), nil, nil)
	return m, tasks, bk
}

func timePtr(t time.Time) *time.Time { return &t }

func TestMonitor_SweepTimeouts(t *testing.T) {
	m, tasks, _ := newMonitor()
	ctx := context.Background()

	stale := time.Now().UTC().Add(-5 * time.Hour)
	fresh := time.Now().UTC().Add(-1 * time.Hour)

	tasks.Seed(&domain.Task{
		ID: 1, JobType: domain.JobTypePositions, BatchID: "b1",
		Status: domain.TaskStatusRunning, StartedAt: timePtr(stale),
	})
	tasks.Seed(&domain.Task{
		ID: 2, JobType: domain.JobTypeCommands, BatchID: "b2",
		Status: domain.TaskStatusRunning, StartedAt: timePtr(fresh),
	})

	if err := m.SweepTimeouts(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	timedOut, _ := tasks.FindByID(ctx, 1)
	if timedOut.Status != domain.TaskStatusFailed {
		t.Fatalf("stale task status = %s, want failed", timedOut.Status)
	}
	if timedOut.ErrorMessage == nil || *timedOut.ErrorMessage != "Task execution timeout" {
		t.Fatalf("unexpected error message: %v", timedOut.ErrorMessage)
	}

	stillRunning, _ := tasks.FindByID(ctx, 2)
	if stillRunning.Status != domain.TaskStatusRunning {
		t.Fatalf("fresh task status = %s, want running", stillRunning.Status)
	}
}

func TestMonitor_SweepRetries(t *testing.T) {
	m, tasks, bk := newMonitor()
	ctx := context.Background()

	reason := "worker crashed"
	tasks.Seed(&domain.Task{
		ID:              7,
		JobType:         domain.JobTypePositions,
		BatchID:         "DRONE_POSITIONS_20250609_1",
		SourceTable:     "drone_positions",
		ArchiveTable:    "drone_positions_archive",
		Status:          domain.TaskStatusFailed,
		RetryCount:      1,
		ArchivedRecords: 340,
		TotalRecords:    5000,
		StartedAt:       timePtr(time.Now().UTC().Add(-2 * time.Hour)),
		CompletedAt:     timePtr(time.Now().UTC().Add(-time.Hour)),
		ErrorMessage:    &reason,
	})

	if err := m.SweepRetries(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task, _ := tasks.FindByID(ctx, 7)
	if task.Status != domain.TaskStatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if task.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", task.RetryCount)
	}
	if task.ArchivedRecords != 0 {
		t.Fatalf("archived records = %d, want 0 after reset", task.ArchivedRecords)
	}
	if task.StartedAt != nil || task.CompletedAt != nil || task.ErrorMessage != nil {
		t.Fatal("expected timestamps and error message cleared on reset")
	}

	published := bk.PublishedTo("archive.positions")
	if len(published) != 1 {
		t.Fatalf("expected 1 republish, got %d", len(published))
	}
	var msg domain.TaskMessage
	if err := json.Unmarshal(published[0].Body, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.RetryCount != 2 {
		t.Fatalf("message retry count = %d, want 2", msg.RetryCount)
	}
	if msg.BatchID != "DRONE_POSITIONS_20250609_1" {
		t.Fatalf("batch id changed on retry: %s", msg.BatchID)
	}
	if !msg.Metadata.IsRetry {
		t.Fatal("expected isRetry metadata")
	}
	if msg.Metadata.OriginalFailureReason != reason {
		t.Fatalf("original failure = %q, want %q", msg.Metadata.OriginalFailureReason, reason)
	}
}

func TestMonitor_SweepRetries_RespectsBudgetAndCooldown(t *testing.T) {
	m, tasks, bk := newMonitor()
	ctx := context.Background()

	// Exhausted retry budget.
	tasks.Seed(&domain.Task{
		ID: 1, JobType: domain.JobTypePositions, BatchID: "b1",
		Status: domain.TaskStatusFailed, RetryCount: 3,
		CompletedAt: timePtr(time.Now().UTC().Add(-time.Hour)),
	})
	// Failed too recently; cooldown not elapsed.
	tasks.Seed(&domain.Task{
		ID: 2, JobType: domain.JobTypeCommands, BatchID: "b2",
		Status: domain.TaskStatusFailed, RetryCount: 0,
		CompletedAt: timePtr(time.Now().UTC().Add(-time.Minute)),
	})

	if err := m.SweepRetries(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(bk.Published()); got != 0 {
		t.Fatalf("expected no republishes, got %d", got)
	}
	exhausted, _ := tasks.FindByID(ctx, 1)
	if exhausted.Status != domain.TaskStatusFailed {
		t.Fatalf("exhausted task status = %s, want failed", exhausted.Status)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	m, _, _ := newMonitor()
	ctx := context.Background()

	if m.Healthy() {
		t.Fatal("expected unhealthy before start")
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !m.Healthy() {
		t.Fatal("expected healthy after start")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := m.Stop(stopCtx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if m.Healthy() {
		t.Fatal("expected unhealthy after stop")
	}
}
