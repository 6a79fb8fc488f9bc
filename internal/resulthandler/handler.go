package resulthandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/broker"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/repository"
)

// Handler consumes worker result callbacks and reconciles task records.
// It is subscribed to every result queue; subscription is re-established
// by the coordinator after broker reconnects.
type Handler struct {
	tasks  repository.TaskRepository
	bk     broker.Broker
	logger *zap.Logger

	started atomic.Bool

	// Metrics hooks (nil = no-op).
	onCompleted func()
	onFailed    func()
}

func New(tasks repository.TaskRepository, bk broker.Broker, logger *zap.Logger, onCompleted, onFailed func()) *Handler {
	if onCompleted == nil {
		onCompleted = func() {}
	}
	if onFailed == nil {
		onFailed = func() {}
	}
	return &Handler{
		tasks:       tasks,
		bk:          bk,
		logger:      logger,
		onCompleted: onCompleted,
		onFailed:    onFailed,
	}
}

// Start subscribes to all result queues.
func (h *Handler) Start(ctx context.Context) error {
	if err := h.Subscribe(ctx); err != nil {
		return err
	}
	h.started.Store(true)
	h.logger.Info("result handler started")
	return nil
}

// Stop marks the handler stopped. Consumer goroutines die with the
// consume context owned by the coordinator.
func (h *Handler) Stop(_ context.Context) error {
	h.started.Store(false)
	h.logger.Info("result handler stopped")
	return nil
}

func (h *Handler) Healthy() bool { return h.started.Load() }

// Subscribe registers the consumer on every result queue. Called at start
// and again after every broker reconnect.
func (h *Handler) Subscribe(ctx context.Context) error {
	for _, q := range broker.ResultQueues {
		if err := h.bk.Consume(ctx, q, h.HandleDelivery); err != nil {
			return fmt.Errorf("subscribe %s: %w", q, err)
		}
	}
	return nil
}

// HandleDelivery processes one result message. The broker message is acked
// only after the store update succeeds; store errors nack with requeue so
// the result is retried. Unknown task ids are acked; the fault is
// historical and redelivery cannot fix it.
func (h *Handler) HandleDelivery(ctx context.Context, d broker.Delivery, ack broker.AckFunc, nack broker.NackFunc) error {
	var result domain.TaskResultMessage
	if err := json.Unmarshal(d.Body, &result); err != nil {
		h.logger.Error("malformed result message, dead-lettering",
			zap.String("message_id", d.MessageID), zap.Error(err))
		return nack(false)
	}
	if result.TaskID == 0 || !result.Status.IsValid() {
		h.logger.Error("invalid result message, dead-lettering",
			zap.Int64("task_id", result.TaskID),
			zap.String("status", string(result.Status)))
		return nack(false)
	}

	if err := h.apply(ctx, result); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("result for unknown task, acking",
				zap.Int64("task_id", result.TaskID))
			return ack()
		}
		h.logger.Error("result apply failed, requeueing",
			zap.Int64("task_id", result.TaskID), zap.Error(err))
		return nack(true)
	}

	return ack()
}

// apply reconciles one result against the task record.
//
// Late-arrival policy: results for already-terminal records are ignored,
// with one exception: a completed result may upgrade a failed record,
// covering a timeout sweep racing a slow but ultimately successful worker.
func (h *Handler) apply(ctx context.Context, result domain.TaskResultMessage) error {
	task, err := h.tasks.FindByID(ctx, result.TaskID)
	if err != nil {
		return err
	}

	if task.Status.IsTerminal() {
		if task.Status == domain.TaskStatusFailed && result.Status == domain.ResultCompleted {
			return h.lateSuccess(ctx, task, result)
		}
		h.logger.Warn("late result for terminal task ignored",
			zap.Int64("task_id", task.ID),
			zap.String("record_status", string(task.Status)),
			zap.String("result_status", string(result.Status)),
		)
		return nil
	}

	// Workers report results without an explicit running transition when
	// execution is fast; claim the task first so the state machine holds.
	if task.Status == domain.TaskStatusPending {
		running := domain.TaskStatusRunning
		if task, err = h.tasks.Update(ctx, task.ID, domain.TaskUpdate{Status: &running}); err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
	}

	upd := domain.TaskUpdate{CompletedAt: &result.CompletedAt}
	var final domain.TaskStatus

	switch result.Status {
	case domain.ResultCompleted:
		final = domain.TaskStatusCompleted
		upd.ArchivedRecords = &result.ProcessedRecords
	case domain.ResultFailed:
		final = domain.TaskStatusFailed
		upd.ErrorMessage = &result.ErrorMessage
	case domain.ResultPartial:
		// Partial results are recorded as completed with the error kept
		// for the operator; the archived count reflects actual progress.
		final = domain.TaskStatusCompleted
		upd.ArchivedRecords = &result.ProcessedRecords
		upd.ErrorMessage = &result.ErrorMessage
	}
	upd.Status = &final

	if _, err := h.tasks.Update(ctx, task.ID, upd); err != nil {
		return fmt.Errorf("finalize task: %w", err)
	}

	if final == domain.TaskStatusCompleted {
		h.onCompleted()
	} else {
		h.onFailed()
	}

	h.logger.Info("task result applied",
		zap.Int64("task_id", task.ID),
		zap.String("batch_id", task.BatchID),
		zap.String("result", string(result.Status)),
		zap.Int64("processed_records", result.ProcessedRecords),
		zap.Int64("execution_ms", result.ExecutionTimeMs),
	)
	return nil
}

// lateSuccess walks a failed record back through the legal path
// (failed→pending→running→completed) so the late completion lands without
// violating the state machine.
func (h *Handler) lateSuccess(ctx context.Context, task *domain.Task, result domain.TaskResultMessage) error {
	pending := domain.TaskStatusPending
	if _, err := h.tasks.Update(ctx, task.ID, domain.TaskUpdate{Status: &pending, ClearTimestamps: true}); err != nil {
		return fmt.Errorf("late success reset: %w", err)
	}
	running := domain.TaskStatusRunning
	if _, err := h.tasks.Update(ctx, task.ID, domain.TaskUpdate{Status: &running}); err != nil {
		return fmt.Errorf("late success claim: %w", err)
	}

	completed := domain.TaskStatusCompleted
	if _, err := h.tasks.Update(ctx, task.ID, domain.TaskUpdate{
		Status:          &completed,
		ArchivedRecords: &result.ProcessedRecords,
		CompletedAt:     &result.CompletedAt,
	}); err != nil {
		return fmt.Errorf("late success finalize: %w", err)
	}

	h.onCompleted()
	h.logger.Info("late success accepted for failed task",
		zap.Int64("task_id", task.ID),
		zap.String("batch_id", task.BatchID),
	)
	return nil
}
