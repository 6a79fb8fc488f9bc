package producer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/broker"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/repository"
)

var allJobTypes = []domain.JobType{
	domain.JobTypePositions,
	domain.JobTypeCommands,
	domain.JobTypeStatus,
}

// ArchiveConfig carries the producer's tuning knobs.
type ArchiveConfig struct {
	CronSpec      string
	Timezone      string
	RetentionDays int
	BatchSize     int
	MaxRetries    int
	CreatedBy     string
}

// ArchiveProducer fires on a cron schedule, estimates pending archival work
// per job type, inserts one task record each, and publishes matching task
// messages to the broker.
type ArchiveProducer struct {
	cfg       ArchiveConfig
	tasks     repository.TaskRepository
	telemetry repository.TelemetryRepository
	bk        broker.Broker
	logger    *zap.Logger

	cron    *cron.Cron
	inTick  atomic.Bool
	started atomic.Bool

	// onPublished is an optional metrics hook (nil = no-op).
	onPublished func(jobType domain.JobType)

	now func() time.Time // injected in tests
}

func NewArchiveProducer(
	cfg ArchiveConfig,
	tasks repository.TaskRepository,
	telemetry repository.TelemetryRepository,
	bk broker.Broker,
	logger *zap.Logger,
	onPublished func(domain.JobType),
) *ArchiveProducer {
	if onPublished == nil {
		onPublished = func(domain.JobType) {}
	}
	return &ArchiveProducer{
		cfg:         cfg,
		tasks:       tasks,
		telemetry:   telemetry,
		bk:          bk,
		logger:      logger,
		onPublished: onPublished,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the cron entry and begins ticking.
func (p *ArchiveProducer) Start(ctx context.Context) error {
	loc, err := time.LoadLocation(p.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", p.cfg.Timezone, err)
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(p.cfg.CronSpec, func() {
		if err := p.runTick(ctx, allJobTypes); err != nil {
			p.logger.Warn("archive tick skipped", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register archive cron %q: %w", p.cfg.CronSpec, err)
	}

	c.Start()
	p.cron = c
	p.started.Store(true)
	p.logger.Info("archive producer started",
		zap.String("cron", p.cfg.CronSpec),
		zap.String("timezone", p.cfg.Timezone),
	)
	return nil
}

// Stop halts the cron and waits for an in-flight tick to finish.
func (p *ArchiveProducer) Stop(ctx context.Context) error {
	p.started.Store(false)
	if p.cron == nil {
		return nil
	}
	stopCtx := p.cron.Stop()
	select {
	case <-stopCtx.Done():
		p.logger.Info("archive producer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthy reports whether the producer is running.
func (p *ArchiveProducer) Healthy() bool { return p.started.Load() }

// Trigger runs one tick on demand. A nil jobType runs all three types;
// otherwise only the requested one.
func (p *ArchiveProducer) Trigger(ctx context.Context, jobType *domain.JobType) error {
	types := allJobTypes
	if jobType != nil {
		if !jobType.IsValid() {
			return domain.ErrInvalidJobType
		}
		types = []domain.JobType{*jobType}
	}
	return p.runTick(ctx, types)
}

// runTick produces tasks for the given job types. Overlapping ticks are
// skipped, not queued; the three per-type publishes run in parallel.
func (p *ArchiveProducer) runTick(ctx context.Context, types []domain.JobType) error {
	if !p.inTick.CompareAndSwap(false, true) {
		p.logger.Warn("archive tick already in progress, skipping")
		return domain.ErrTickInProgress
	}
	defer p.inTick.Store(false)

	var wg sync.WaitGroup
	for _, jt := range types {
		wg.Add(1)
		go func(jt domain.JobType) {
			defer wg.Done()
			if err := p.produceOne(ctx, jt); err != nil {
				p.logger.Error("archive produce failed",
					zap.String("job_type", string(jt)),
					zap.Error(err),
				)
			}
		}(jt)
	}
	wg.Wait()
	return nil
}

func (p *ArchiveProducer) produceOne(ctx context.Context, jt domain.JobType) error {
	now := p.now()
	start, end := p.archiveWindow(now)

	log := p.logger.With(zap.String("job_type", string(jt)))

	count, err := p.telemetry.CountUnarchived(ctx, jt.SourceTable(), start, end)
	if err != nil {
		// Estimation failure is not fatal: treat as zero and skip.
		log.Warn("row estimation failed, treating as zero", zap.Error(err))
		count = 0
	}
	if count == 0 {
		log.Info("no unarchived rows, skipping",
			zap.Time("range_start", start),
			zap.Time("range_end", end),
		)
		return nil
	}

	batchID := domain.NewBatchID(jt, start, now)
	task := &domain.Task{
		JobType:        jt,
		SourceTable:    jt.SourceTable(),
		ArchiveTable:   jt.ArchiveTable(),
		DateRangeStart: start,
		DateRangeEnd:   end,
		BatchID:        batchID,
		Status:         domain.TaskStatusPending,
		TotalRecords:   count,
		CreatedBy:      p.cfg.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := p.tasks.Create(ctx, task); err != nil {
		// A conflict means a concurrent tick already produced this batch;
		// either way, nothing is published for this type.
		return fmt.Errorf("create task record: %w", err)
	}

	msg := domain.TaskMessage{
		TaskID:         task.ID,
		TaskType:       jt,
		BatchID:        batchID,
		SourceTable:    task.SourceTable,
		ArchiveTable:   task.ArchiveTable,
		DateRangeStart: start,
		DateRangeEnd:   end,
		BatchSize:      p.cfg.BatchSize,
		Priority:       jt.Priority(),
		RetryCount:     0,
		MaxRetries:     p.cfg.MaxRetries,
		Metadata: domain.TaskMetadata{
			EstimatedRecords: count,
			SourceTable:      task.SourceTable,
			ArchiveTable:     task.ArchiveTable,
		},
	}

	err = p.bk.Publish(ctx, broker.ExchangeMain, jt.RoutingKey(), msg, broker.PublishOptions{
		Priority:   msg.Priority,
		MessageID:  fmt.Sprintf("%d", task.ID),
		Type:       string(jt),
		RetryCount: 0,
		MaxRetries: p.cfg.MaxRetries,
	})
	if err != nil {
		// The record stays pending; the retry path picks it up once a
		// worker claims it, or the operator intervenes.
		return fmt.Errorf("publish task %d: %w", task.ID, err)
	}

	p.onPublished(jt)
	log.Info("archive task published",
		zap.Int64("task_id", task.ID),
		zap.String("batch_id", batchID),
		zap.Int64("estimated_records", count),
		zap.Uint8("priority", msg.Priority),
	)
	return nil
}

// archiveWindow returns the full archive day [00:00:00, 23:59:59.999] for
// today minus retentionDays.
func (p *ArchiveProducer) archiveWindow(now time.Time) (time.Time, time.Time) {
	day := now.AddDate(0, 0, -p.cfg.RetentionDays)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24*time.Hour - time.Millisecond)
	return start, end
}
