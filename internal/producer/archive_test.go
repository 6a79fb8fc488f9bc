package producer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/broker"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/repository"
)

func newArchiveProducer(counts map[string]int64) (*ArchiveProducer, *repository.MockTaskRepository, *broker.MockBroker) {
	tasks := repository.NewMockTaskRepository()
	telemetry := repository.NewMockTelemetryRepository()
	for table, n := range counts {
		telemetry.Counts[table] = n
	}
	bk := broker.NewMockBroker()

	p := NewArchiveProducer(ArchiveConfig{
		CronSpec:      "0 2 * * *",
		Timezone:      "UTC",
		RetentionDays: 1,
		BatchSize:     1000,
		MaxRetries:    3,
		CreatedBy:     "scheduler",
	}, tasks, telemetry, bk, zap.NewNop(), nil)
	p.now = func() time.Time {
		return time.Date(2025, 6, 10, 2, 0, 0, 0, time.UTC)
	}
	return p, tasks, bk
}

func TestArchiveProducer_TriggerAllTypes(t *testing.T) {
	p, tasks, bk := newArchiveProducer(map[string]int64{
		"drone_positions":        5000,
		"drone_commands":         120,
		"drone_real_time_status": 77,
	})

	if err := p.Trigger(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	published := bk.Published()
	if len(published) != 3 {
		t.Fatalf("expected 3 publishes, got %d", len(published))
	}

	for _, pub := range published {
		if pub.Exchange != broker.ExchangeMain {
			t.Fatalf("expected exchange %s, got %s", broker.ExchangeMain, pub.Exchange)
		}
		var msg domain.TaskMessage
		if err := json.Unmarshal(pub.Body, &msg); err != nil {
			t.Fatalf("unmarshal message: %v", err)
		}
		if msg.TaskType.RoutingKey() != pub.RoutingKey {
			t.Fatalf("routing key %s does not match job type %s", pub.RoutingKey, msg.TaskType)
		}
		if pub.Options.Priority != msg.TaskType.Priority() {
			t.Fatalf("priority %d does not match job type %s", pub.Options.Priority, msg.TaskType)
		}

		task, err := tasks.FindByID(context.Background(), msg.TaskID)
		if err != nil {
			t.Fatalf("task record missing for message %d: %v", msg.TaskID, err)
		}
		if task.Status != domain.TaskStatusPending {
			t.Fatalf("expected pending record, got %s", task.Status)
		}
		if task.BatchID != msg.BatchID {
			t.Fatalf("batch id mismatch: record %s, message %s", task.BatchID, msg.BatchID)
		}
	}
}

func TestArchiveProducer_ArchiveWindow(t *testing.T) {
	p, _, bk := newArchiveProducer(map[string]int64{"drone_positions": 10})

	jt := domain.JobTypePositions
	if err := p.Trigger(context.Background(), &jt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	published := bk.PublishedTo("archive.positions")
	if len(published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(published))
	}

	var msg domain.TaskMessage
	if err := json.Unmarshal(published[0].Body, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}

	// Retention 1 day from 2025-06-10 means the full day of 2025-06-09.
	wantStart := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	wantEnd := wantStart.Add(24*time.Hour - time.Millisecond)
	if !msg.DateRangeStart.Equal(wantStart) {
		t.Fatalf("range start = %v, want %v", msg.DateRangeStart, wantStart)
	}
	if !msg.DateRangeEnd.Equal(wantEnd) {
		t.Fatalf("range end = %v, want %v", msg.DateRangeEnd, wantEnd)
	}
}

func TestArchiveProducer_SkipsEmptyTables(t *testing.T) {
	p, tasks, bk := newArchiveProducer(map[string]int64{
		"drone_positions": 100,
		// commands and status have zero unarchived rows
	})

	if err := p.Trigger(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(bk.Published()); got != 1 {
		t.Fatalf("expected 1 publish for the non-empty table, got %d", got)
	}
	if _, total, _ := tasks.FindByFilter(context.Background(), domain.TaskFilter{}); total != 1 {
		t.Fatalf("expected 1 task record, got %d", total)
	}
}

func TestArchiveProducer_InvalidJobType(t *testing.T) {
	p, _, _ := newArchiveProducer(nil)

	jt := domain.JobType("bogus")
	if err := p.Trigger(context.Background(), &jt); !errors.Is(err, domain.ErrInvalidJobType) {
		t.Fatalf("expected ErrInvalidJobType, got %v", err)
	}
}

func TestArchiveProducer_ConflictSuppressesPublish(t *testing.T) {
	p, tasks, bk := newArchiveProducer(map[string]int64{"drone_positions": 50})

	// A previous tick in the same millisecond already produced this batch.
	tasks.Seed(&domain.Task{
		JobType: domain.JobTypePositions,
		BatchID: domain.NewBatchID(domain.JobTypePositions,
			time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC), p.now()),
		Status: domain.TaskStatusPending,
	})

	jt := domain.JobTypePositions
	if err := p.Trigger(context.Background(), &jt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(bk.Published()); got != 0 {
		t.Fatalf("expected no publish after batch conflict, got %d", got)
	}
}

func TestArchiveProducer_EstimationFailureSkips(t *testing.T) {
	tasks := repository.NewMockTaskRepository()
	telemetry := repository.NewMockTelemetryRepository()
	telemetry.Err = errors.New("telemetry db down")
	bk := broker.NewMockBroker()

	p := NewArchiveProducer(ArchiveConfig{
		Timezone: "UTC", RetentionDays: 1, BatchSize: 1000, MaxRetries: 3,
	}, tasks, telemetry, bk, zap.NewNop(), nil)

	if err := p.Trigger(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(bk.Published()); got != 0 {
		t.Fatalf("expected no publishes when estimation fails, got %d", got)
	}
}

// blockingTelemetry parks CountUnarchived until released, letting tests
// hold a tick open.
type blockingTelemetry struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTelemetry) CountUnarchived(context.Context, string, time.Time, time.Time) (int64, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return 0, nil
}

func TestArchiveProducer_OverlappingTickSkipped(t *testing.T) {
	tasks := repository.NewMockTaskRepository()
	telemetry := &blockingTelemetry{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	bk := broker.NewMockBroker()

	p := NewArchiveProducer(ArchiveConfig{
		Timezone: "UTC", RetentionDays: 1, BatchSize: 1000, MaxRetries: 3,
	}, tasks, telemetry, bk, zap.NewNop(), nil)

	jt := domain.JobTypePositions
	done := make(chan error, 1)
	go func() { done <- p.Trigger(context.Background(), &jt) }()

	<-telemetry.entered
	if err := p.Trigger(context.Background(), &jt); !errors.Is(err, domain.ErrTickInProgress) {
		t.Fatalf("expected ErrTickInProgress, got %v", err)
	}

	close(telemetry.release)
	if err := <-done; err != nil {
		t.Fatalf("first tick failed: %v", err)
	}
}
