package producer

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/broker"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/repository"
)

// Cleanup message priorities. Scheduled runs are background work; manual
// triggers get a bump.
const (
	priorityLow    uint8 = 3
	priorityMedium uint8 = 5
)

const cleanupType = "physical_delete"

var cleanupTables = []string{
	"drone_positions",
	"drone_commands",
	"drone_real_time_status",
}

// CleanupConfig carries the cleanup producer's tuning knobs.
// TaskRetentionDays bounds how long terminal task records are kept; zero
// disables the purge.
type CleanupConfig struct {
	CronSpec          string
	Timezone          string
	Days              int
	BatchSize         int
	MaxRetries        int
	TaskRetentionDays int
}

// CleanupProducer emits one physical-delete message per telemetry table on
// its own cron. Cleanup tasks are broker-only: they have no task-store
// record in the current design. The same cron also purges terminal task
// records past their retention window.
type CleanupProducer struct {
	cfg    CleanupConfig
	tasks  repository.TaskRepository
	bk     broker.Broker
	logger *zap.Logger

	cron    *cron.Cron
	inTick  atomic.Bool
	started atomic.Bool

	now func() time.Time
}

func NewCleanupProducer(cfg CleanupConfig, tasks repository.TaskRepository, bk broker.Broker, logger *zap.Logger) *CleanupProducer {
	return &CleanupProducer{
		cfg:    cfg,
		tasks:  tasks,
		bk:     bk,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *CleanupProducer) Start(ctx context.Context) error {
	loc, err := time.LoadLocation(p.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", p.cfg.Timezone, err)
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(p.cfg.CronSpec, func() {
		if err := p.runTick(ctx, cleanupTables, p.cfg.Days, priorityLow); err != nil {
			p.logger.Warn("cleanup tick skipped", zap.Error(err))
		}
		p.purgeTaskRecords(ctx)
	}); err != nil {
		return fmt.Errorf("register cleanup cron %q: %w", p.cfg.CronSpec, err)
	}

	c.Start()
	p.cron = c
	p.started.Store(true)
	p.logger.Info("cleanup producer started",
		zap.String("cron", p.cfg.CronSpec),
		zap.String("timezone", p.cfg.Timezone),
	)
	return nil
}

func (p *CleanupProducer) Stop(ctx context.Context) error {
	p.started.Store(false)
	if p.cron == nil {
		return nil
	}
	stopCtx := p.cron.Stop()
	select {
	case <-stopCtx.Done():
		p.logger.Info("cleanup producer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *CleanupProducer) Healthy() bool { return p.started.Load() }

// Trigger publishes cleanup messages on demand. An empty tableName targets
// every table; daysThreshold <= 0 falls back to the configured default.
func (p *CleanupProducer) Trigger(ctx context.Context, tableName string, daysThreshold int) error {
	tables := cleanupTables
	if tableName != "" {
		if !validCleanupTable(tableName) {
			return domain.ErrInvalidTable
		}
		tables = []string{tableName}
	}
	if daysThreshold <= 0 {
		daysThreshold = p.cfg.Days
	}
	return p.runTick(ctx, tables, daysThreshold, priorityMedium)
}

func (p *CleanupProducer) runTick(ctx context.Context, tables []string, days int, priority uint8) error {
	if !p.inTick.CompareAndSwap(false, true) {
		p.logger.Warn("cleanup tick already in progress, skipping")
		return domain.ErrTickInProgress
	}
	defer p.inTick.Store(false)

	now := p.now()
	threshold := now.AddDate(0, 0, -days)

	for _, table := range tables {
		msg := domain.CleanupTaskMessage{
			TaskID:        cleanupTaskID(table, now),
			CleanupType:   cleanupType,
			TableName:     table,
			DateThreshold: threshold,
			BatchSize:     p.cfg.BatchSize,
			Priority:      priority,
			RetryCount:    0,
			MaxRetries:    p.cfg.MaxRetries,
		}

		err := p.bk.Publish(ctx, broker.ExchangeMain, broker.QueueCleanupExpired, msg, broker.PublishOptions{
			Priority:   priority,
			MessageID:  msg.TaskID,
			Type:       cleanupType,
			RetryCount: 0,
			MaxRetries: p.cfg.MaxRetries,
		})
		if err != nil {
			p.logger.Error("cleanup publish failed",
				zap.String("table", table),
				zap.Error(err),
			)
			continue
		}

		p.logger.Info("cleanup task published",
			zap.String("task_id", msg.TaskID),
			zap.String("table", table),
			zap.Time("threshold", threshold),
		)
	}
	return nil
}

// purgeTaskRecords physically deletes terminal task records older than the
// retention window. Runs piggybacked on the cleanup cron.
func (p *CleanupProducer) purgeTaskRecords(ctx context.Context) {
	if p.tasks == nil || p.cfg.TaskRetentionDays <= 0 {
		return
	}
	n, err := p.tasks.CleanupOlderThan(ctx, p.cfg.TaskRetentionDays)
	if err != nil {
		p.logger.Error("task record purge failed",
			zap.Int("retention_days", p.cfg.TaskRetentionDays),
			zap.Error(err),
		)
		return
	}
	if n > 0 {
		p.logger.Info("purged old task records",
			zap.Int64("deleted", n),
			zap.Int("retention_days", p.cfg.TaskRetentionDays),
		)
	}
}

func cleanupTaskID(table string, now time.Time) string {
	return fmt.Sprintf("cleanup_%s_%d_%04d", table, now.UnixMilli(), rand.Intn(10000))
}

func validCleanupTable(name string) bool {
	for _, t := range cleanupTables {
		if t == name {
			return true
		}
	}
	return false
}
