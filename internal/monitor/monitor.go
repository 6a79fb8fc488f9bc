package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/broker"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/repository"
)

const timeoutErrorMessage = "Task execution timeout"

// Config carries the monitor's sweep intervals and policies.
type Config struct {
	TimeoutSweepInterval time.Duration
	RetrySweepInterval   time.Duration
	TaskTimeout          time.Duration
	RetryCooldown        time.Duration
	MaxRetries           int
	BatchSize            int
}

// Monitor runs two independent background sweeps against the task store:
// one fails tasks stuck in running past the execution timeout, the other
// resets and republishes retry-eligible failed tasks.
type Monitor struct {
	cfg    Config
	tasks  repository.TaskRepository
	bk     broker.Broker
	logger *zap.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	// Metrics hooks (nil = no-op).
	onTimeout func()
	onRetry   func()
}

func New(cfg Config, tasks repository.TaskRepository, bk broker.Broker, logger *zap.Logger, onTimeout, onRetry func()) *Monitor {
	if onTimeout == nil {
		onTimeout = func() {}
	}
	if onRetry == nil {
		onRetry = func() {}
	}
	return &Monitor{
		cfg:       cfg,
		tasks:     tasks,
		bk:        bk,
		logger:    logger,
		onTimeout: onTimeout,
		onRetry:   onRetry,
	}
}

// Start launches both sweep loops. They tick until Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go m.loop(loopCtx, "timeout sweep", m.cfg.TimeoutSweepInterval, m.SweepTimeouts)
	go m.loop(loopCtx, "retry sweep", m.cfg.RetrySweepInterval, m.SweepRetries)

	m.started.Store(true)
	m.logger.Info("task monitor started",
		zap.Duration("timeout_interval", m.cfg.TimeoutSweepInterval),
		zap.Duration("retry_interval", m.cfg.RetrySweepInterval),
	)
	return nil
}

// Stop cancels the loops and waits for in-flight sweeps to finish.
func (m *Monitor) Stop(ctx context.Context) error {
	m.started.Store(false)
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("task monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) Healthy() bool { return m.started.Load() }

func (m *Monitor) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) error) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweep(ctx); err != nil {
				m.logger.Error("sweep error", zap.String("sweep", name), zap.Error(err))
			}
		}
	}
}

// SweepTimeouts fails every running task started more than TaskTimeout ago.
// A single task failure never halts the sweep.
func (m *Monitor) SweepTimeouts(ctx context.Context) error {
	timedOut, err := m.tasks.FindTimedOut(ctx, m.cfg.TaskTimeout)
	if err != nil {
		return fmt.Errorf("find timed out tasks: %w", err)
	}

	for _, t := range timedOut {
		status := domain.TaskStatusFailed
		errMsg := timeoutErrorMessage
		if _, err := m.tasks.Update(ctx, t.ID, domain.TaskUpdate{
			Status:       &status,
			ErrorMessage: &errMsg,
		}); err != nil {
			m.logger.Error("failed to time out task",
				zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}

		m.onTimeout()
		m.logger.Warn("task timed out",
			zap.Int64("task_id", t.ID),
			zap.String("batch_id", t.BatchID),
			zap.Timep("started_at", t.StartedAt),
		)
	}

	if len(timedOut) > 0 {
		m.logger.Info("timeout sweep complete", zap.Int("count", len(timedOut)))
	}
	return nil
}

// SweepRetries resets retry-eligible failed tasks and republishes them with
// an incremented retry count. The original batch id and date range are
// preserved so the worker redoes exactly the same slice of work.
func (m *Monitor) SweepRetries(ctx context.Context) error {
	retryable, err := m.tasks.FindRetryable(ctx, m.cfg.MaxRetries, m.cfg.RetryCooldown)
	if err != nil {
		return fmt.Errorf("find retryable tasks: %w", err)
	}

	for _, t := range retryable {
		if err := m.retryOne(ctx, t); err != nil {
			m.logger.Error("retry failed",
				zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}
	}

	if len(retryable) > 0 {
		m.logger.Info("retry sweep complete", zap.Int("count", len(retryable)))
	}
	return nil
}

func (m *Monitor) retryOne(ctx context.Context, t *domain.Task) error {
	var failureReason string
	if t.ErrorMessage != nil {
		failureReason = *t.ErrorMessage
	}
	nextRetry := t.RetryCount + 1

	status := domain.TaskStatusPending
	var zero int64
	if _, err := m.tasks.Update(ctx, t.ID, domain.TaskUpdate{
		Status:          &status,
		ArchivedRecords: &zero,
		RetryCount:      &nextRetry,
		ClearTimestamps: true,
	}); err != nil {
		return fmt.Errorf("reset task: %w", err)
	}

	msg := domain.TaskMessage{
		TaskID:         t.ID,
		TaskType:       t.JobType,
		BatchID:        t.BatchID,
		SourceTable:    t.SourceTable,
		ArchiveTable:   t.ArchiveTable,
		DateRangeStart: t.DateRangeStart,
		DateRangeEnd:   t.DateRangeEnd,
		BatchSize:      m.cfg.BatchSize,
		Priority:       t.JobType.Priority(),
		RetryCount:     nextRetry,
		MaxRetries:     m.cfg.MaxRetries,
		Metadata: domain.TaskMetadata{
			EstimatedRecords:      t.TotalRecords,
			SourceTable:           t.SourceTable,
			ArchiveTable:          t.ArchiveTable,
			IsRetry:               true,
			OriginalFailureReason: failureReason,
		},
	}

	err := m.bk.Publish(ctx, broker.ExchangeMain, t.JobType.RoutingKey(), msg, broker.PublishOptions{
		Priority:   msg.Priority,
		MessageID:  fmt.Sprintf("%d", t.ID),
		Type:       string(t.JobType),
		RetryCount: nextRetry,
		MaxRetries: m.cfg.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("republish task: %w", err)
	}

	m.onRetry()
	m.logger.Info("task republished for retry",
		zap.Int64("task_id", t.ID),
		zap.String("batch_id", t.BatchID),
		zap.Int("retry_count", nextRetry),
		zap.String("original_failure", failureReason),
	)
	return nil
}
