package resulthandler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/broker"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/repository"
	"github.com/dronehub/telemetry-scheduler/internal/resulthandler"
)

func newHandler() (*resulthandler.Handler, *repository.MockTaskRepository, *broker.MockBroker) {
	tasks := repository.NewMockTaskRepository()
	bk := broker.NewMockBroker()
	h := resulthandler.New(tasks, bk, zap.NewNop(), nil, nil)
	return h, tasks, bk
}

func resultDelivery(t *testing.T, msg domain.TaskResultMessage) broker.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	return broker.Delivery{Body: body, MaxRetries: 3}
}

// settle calls HandleDelivery with recording ack/nack closures.
func settle(t *testing.T, h *resulthandler.Handler, d broker.Delivery) (acked, nacked, requeued bool) {
	t.Helper()
	ack := func() error { acked = true; return nil }
	nack := func(r bool) error { nacked = true; requeued = r; return nil }
	if err := h.HandleDelivery(context.Background(), d, ack, nack); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return acked, nacked, requeued
}

func seedRunning(tasks *repository.MockTaskRepository, id int64) {
	started := time.Now().UTC().Add(-time.Hour)
	tasks.Seed(&domain.Task{
		ID: id, JobType: domain.JobTypePositions, BatchID: "batch",
		Status: domain.TaskStatusRunning, StartedAt: &started,
		TotalRecords: 1000,
	})
}

func TestHandler_CompletedResult(t *testing.T) {
	h, tasks, _ := newHandler()
	seedRunning(tasks, 1)

	completedAt := time.Now().UTC()
	acked, _, _ := settle(t, h, resultDelivery(t, domain.TaskResultMessage{
		TaskID:           1,
		Status:           domain.ResultCompleted,
		ProcessedRecords: 1000,
		CompletedAt:      completedAt,
	}))
	if !acked {
		t.Fatal("expected ack")
	}

	task, _ := tasks.FindByID(context.Background(), 1)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.ArchivedRecords != 1000 {
		t.Fatalf("archived records = %d, want 1000", task.ArchivedRecords)
	}
	if task.CompletedAt == nil || !task.CompletedAt.Equal(completedAt) {
		t.Fatalf("completed_at = %v, want %v", task.CompletedAt, completedAt)
	}
}

func TestHandler_FailedResult(t *testing.T) {
	h, tasks, _ := newHandler()
	seedRunning(tasks, 1)

	acked, _, _ := settle(t, h, resultDelivery(t, domain.TaskResultMessage{
		TaskID:       1,
		Status:       domain.ResultFailed,
		ErrorMessage: "disk full on worker",
		CompletedAt:  time.Now().UTC(),
	}))
	if !acked {
		t.Fatal("expected ack")
	}

	task, _ := tasks.FindByID(context.Background(), 1)
	if task.Status != domain.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if task.ErrorMessage == nil || *task.ErrorMessage != "disk full on worker" {
		t.Fatalf("error message = %v", task.ErrorMessage)
	}
}

func TestHandler_PartialResult(t *testing.T) {
	h, tasks, _ := newHandler()
	seedRunning(tasks, 1)

	acked, _, _ := settle(t, h, resultDelivery(t, domain.TaskResultMessage{
		TaskID:           1,
		Status:           domain.ResultPartial,
		ProcessedRecords: 600,
		ErrorMessage:     "source rows vanished mid-batch",
		CompletedAt:      time.Now().UTC(),
	}))
	if !acked {
		t.Fatal("expected ack")
	}

	task, _ := tasks.FindByID(context.Background(), 1)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("partial result should complete the task, got %s", task.Status)
	}
	if task.ArchivedRecords != 600 {
		t.Fatalf("archived records = %d, want 600", task.ArchivedRecords)
	}
	if task.ErrorMessage == nil {
		t.Fatal("expected error message kept for the operator")
	}
}

func TestHandler_PendingTaskIsClaimedFirst(t *testing.T) {
	h, tasks, _ := newHandler()
	tasks.Seed(&domain.Task{
		ID: 1, JobType: domain.JobTypePositions, BatchID: "batch",
		Status: domain.TaskStatusPending,
	})

	acked, _, _ := settle(t, h, resultDelivery(t, domain.TaskResultMessage{
		TaskID:           1,
		Status:           domain.ResultCompleted,
		ProcessedRecords: 10,
		CompletedAt:      time.Now().UTC(),
	}))
	if !acked {
		t.Fatal("expected ack")
	}

	task, _ := tasks.FindByID(context.Background(), 1)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.StartedAt == nil {
		t.Fatal("expected started_at set by the claim transition")
	}
}

func TestHandler_LateResultForTerminalTaskIgnored(t *testing.T) {
	h, tasks, _ := newHandler()
	completed := time.Now().UTC().Add(-time.Hour)
	tasks.Seed(&domain.Task{
		ID: 1, JobType: domain.JobTypePositions, BatchID: "batch",
		Status: domain.TaskStatusCompleted, ArchivedRecords: 500,
		CompletedAt: &completed,
	})

	acked, _, _ := settle(t, h, resultDelivery(t, domain.TaskResultMessage{
		TaskID:       1,
		Status:       domain.ResultFailed,
		ErrorMessage: "late failure",
		CompletedAt:  time.Now().UTC(),
	}))
	if !acked {
		t.Fatal("expected ack for ignored late result")
	}

	task, _ := tasks.FindByID(context.Background(), 1)
	if task.Status != domain.TaskStatusCompleted || task.ArchivedRecords != 500 {
		t.Fatal("late result must not modify a terminal record")
	}
}

func TestHandler_LateSuccessUpgradesFailedTask(t *testing.T) {
	h, tasks, _ := newHandler()
	failedAt := time.Now().UTC().Add(-time.Hour)
	errMsg := "Task execution timeout"
	tasks.Seed(&domain.Task{
		ID: 1, JobType: domain.JobTypePositions, BatchID: "batch",
		Status: domain.TaskStatusFailed, CompletedAt: &failedAt,
		ErrorMessage: &errMsg,
	})

	completedAt := time.Now().UTC()
	acked, _, _ := settle(t, h, resultDelivery(t, domain.TaskResultMessage{
		TaskID:           1,
		Status:           domain.ResultCompleted,
		ProcessedRecords: 900,
		CompletedAt:      completedAt,
	}))
	if !acked {
		t.Fatal("expected ack")
	}

	task, _ := tasks.FindByID(context.Background(), 1)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed after late success", task.Status)
	}
	if task.ArchivedRecords != 900 {
		t.Fatalf("archived records = %d, want 900", task.ArchivedRecords)
	}
	if task.ErrorMessage != nil {
		t.Fatal("expected stale error message cleared")
	}
}

func TestHandler_MalformedMessageDeadLetters(t *testing.T) {
	h, _, _ := newHandler()

	_, nacked, requeued := settle(t, h, broker.Delivery{Body: []byte("{not json")})
	if !nacked || requeued {
		t.Fatalf("expected nack without requeue, got nacked=%v requeued=%v", nacked, requeued)
	}
}

func TestHandler_InvalidFieldsDeadLetter(t *testing.T) {
	h, _, _ := newHandler()

	tests := []struct {
		name string
		msg  domain.TaskResultMessage
	}{
		{"zero task id", domain.TaskResultMessage{Status: domain.ResultCompleted}},
		{"bad status", domain.TaskResultMessage{TaskID: 1, Status: "done"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, nacked, requeued := settle(t, h, resultDelivery(t, tt.msg))
			if !nacked || requeued {
				t.Fatalf("expected dead-letter nack, got nacked=%v requeued=%v", nacked, requeued)
			}
		})
	}
}

func TestHandler_UnknownTaskAcked(t *testing.T) {
	h, _, _ := newHandler()

	acked, _, _ := settle(t, h, resultDelivery(t, domain.TaskResultMessage{
		TaskID: 404, Status: domain.ResultCompleted, CompletedAt: time.Now().UTC(),
	}))
	if !acked {
		t.Fatal("expected ack for unknown task id")
	}
}

func TestHandler_StoreErrorRequeues(t *testing.T) {
	h, tasks, _ := newHandler()
	seedRunning(tasks, 1)
	tasks.UpdateErr = errors.New("connection reset")

	_, nacked, requeued := settle(t, h, resultDelivery(t, domain.TaskResultMessage{
		TaskID: 1, Status: domain.ResultCompleted, CompletedAt: time.Now().UTC(),
	}))
	if !nacked || !requeued {
		t.Fatalf("expected nack with requeue, got nacked=%v requeued=%v", nacked, requeued)
	}
}

func TestHandler_SubscribesAllResultQueues(t *testing.T) {
	h, _, bk := newHandler()

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	for _, q := range broker.ResultQueues {
		if !bk.Subscribed(q) {
			t.Fatalf("expected subscription on %s", q)
		}
	}
}
