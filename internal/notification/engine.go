package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/cache"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/notification/provider"
	"github.com/dronehub/telemetry-scheduler/internal/ratelimiter"
)

const (
	messageTTL     = 24 * time.Hour
	historyEntries = 1000
)

// Config tunes the engine's dispatch behaviour.
type Config struct {
	DrainInterval time.Duration
	MaxRetries    int
}

// Engine turns alerts into notifications: it matches rules, applies
// cooldowns, renders templates, and drains a dispatch queue through the
// channel providers. The queue is in-memory with a KV shadow so a restart
// can pick up undelivered messages.
type Engine struct {
	cfg       Config
	rules     *RuleStore
	templates *TemplateStore
	providers *provider.Registry
	limiters  *ratelimiter.ChannelLimiters
	kv        cache.Cache
	logger    *zap.Logger

	queueMu sync.Mutex
	queue   []*domain.NotificationMessage

	// isProcessing serializes drains: a tick that fires while the previous
	// drain is still running is skipped.
	isProcessing atomic.Bool

	statsMu sync.Mutex
	stats   domain.NotificationStats

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	// Metrics hooks (nil = no-op).
	onSent   func(channel domain.Channel)
	onFailed func(channel domain.Channel)
}

func NewEngine(
	cfg Config,
	rules *RuleStore,
	templates *TemplateStore,
	providers *provider.Registry,
	limiters *ratelimiter.ChannelLimiters,
	kv cache.Cache,
	logger *zap.Logger,
	onSent, onFailed func(domain.Channel),
) *Engine {
	if onSent == nil {
		onSent = func(domain.Channel) {}
	}
	if onFailed == nil {
		onFailed = func(domain.Channel) {}
	}
	return &Engine{
		cfg:       cfg,
		rules:     rules,
		templates: templates,
		providers: providers,
		limiters:  limiters,
		kv:        kv,
		logger:    logger,
		onSent:    onSent,
		onFailed:  onFailed,
	}
}

// Start validates and initializes the configured providers, restores any
// persisted queue, and launches the drain loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.providers.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize providers: %w", err)
	}

	if err := e.restoreQueue(ctx); err != nil {
		e.logger.Warn("failed to restore notification queue", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.drainLoop(loopCtx)

	e.started.Store(true)
	e.logger.Info("notification engine started",
		zap.Duration("drain_interval", e.cfg.DrainInterval))
	return nil
}

// Stop halts the drain loop and persists whatever is still queued so the
// next start can resume it.
func (e *Engine) Stop(ctx context.Context) error {
	e.started.Store(false)
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.persistQueue(ctx); err != nil {
		e.logger.Warn("failed to persist notification queue", zap.Error(err))
	}
	if err := e.providers.Cleanup(); err != nil {
		e.logger.Warn("provider cleanup failed", zap.Error(err))
	}
	e.logger.Info("notification engine stopped")
	return nil
}

func (e *Engine) Healthy() bool { return e.started.Load() }

// HandleAlert runs the alert through every matching rule and enqueues one
// message per target. A rule in cooldown for this alert type is skipped
// silently.
func (e *Engine) HandleAlert(ctx context.Context, alert domain.Alert) {
	now := time.Now().UTC()
	matched := e.rules.Match(alert, now)
	if len(matched) == 0 {
		return
	}

	for _, rule := range matched {
		if rule.CooldownSeconds > 0 {
			key := cache.CooldownKey(rule.ID, string(alert.Type))
			ok, err := e.kv.SetNX(ctx, key, alert.ID, time.Duration(rule.CooldownSeconds)*time.Second)
			if err != nil {
				// A cache fault must not silence alerting; deliver anyway.
				e.logger.Warn("cooldown check failed, delivering anyway",
					zap.String("rule_id", rule.ID), zap.Error(err))
			} else if !ok {
				e.logger.Debug("rule in cooldown, suppressing",
					zap.String("rule_id", rule.ID),
					zap.String("alert_type", string(alert.Type)))
				continue
			}
		}

		for _, target := range rule.Targets {
			tmpl := e.templates.Get(target.TemplateID, target.Channel)
			title, content := Render(tmpl, alert)

			msg := &domain.NotificationMessage{
				ID:         uuid.New().String(),
				Title:      title,
				Content:    content,
				Severity:   domain.MapAlertSeverity(alert.Severity),
				Channel:    target.Channel,
				Recipients: target.Recipients,
				Status:     domain.NotificationPending,
				MaxRetries: e.cfg.MaxRetries,
				AlertID:    alert.ID,
				Metadata:   map[string]string{"rule_id": rule.ID},
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			e.Enqueue(ctx, msg)
		}
	}
}

// Enqueue stores the message in the KV shadow and appends it to the
// dispatch queue.
func (e *Engine) Enqueue(ctx context.Context, msg *domain.NotificationMessage) {
	if data, err := json.Marshal(msg); err == nil {
		if err := e.kv.Set(ctx, cache.NotificationKey(msg.ID), string(data), messageTTL); err != nil {
			e.logger.Warn("failed to shadow notification",
				zap.String("notification_id", msg.ID), zap.Error(err))
		}
	}

	e.queueMu.Lock()
	e.queue = append(e.queue, msg)
	depth := len(e.queue)
	e.queueMu.Unlock()

	e.statsMu.Lock()
	e.stats.Total++
	e.statsMu.Unlock()

	e.logger.Info("notification queued",
		zap.String("notification_id", msg.ID),
		zap.String("channel", string(msg.Channel)),
		zap.String("severity", string(msg.Severity)),
		zap.Int("queue_depth", depth),
	)
}

func (e *Engine) drainLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Drain(ctx)
		}
	}
}

// Drain dispatches everything currently queued. Drains never overlap; a
// tick during an active drain is dropped.
func (e *Engine) Drain(ctx context.Context) {
	if !e.isProcessing.CompareAndSwap(false, true) {
		return
	}
	defer e.isProcessing.Store(false)

	e.queueMu.Lock()
	batch := e.queue
	e.queue = nil
	e.queueMu.Unlock()

	for _, msg := range batch {
		if ctx.Err() != nil {
			// Shutdown mid-drain: requeue the remainder for persistence.
			e.requeue(msg)
			continue
		}
		e.dispatch(ctx, msg)
	}
}

// dispatch attempts one delivery and books the outcome. A failed attempt
// below the retry budget goes back on the queue; an exhausted one is
// archived as failed.
func (e *Engine) dispatch(ctx context.Context, msg *domain.NotificationMessage) {
	msg.Status = domain.NotificationSending
	msg.UpdatedAt = time.Now().UTC()

	p, err := e.providers.Get(msg.Channel)
	if err != nil {
		e.fail(ctx, msg, fmt.Sprintf("no provider for channel %s", msg.Channel))
		return
	}

	if err := e.limiters.Wait(ctx, msg.Channel); err != nil {
		e.requeue(msg)
		return
	}

	result, err := p.Send(ctx, msg)
	if err != nil {
		e.fail(ctx, msg, err.Error())
		return
	}
	if !result.Success {
		msg.RetryCount++
		msg.Error = result.Error
		if msg.RetryCount >= msg.MaxRetries {
			e.fail(ctx, msg, result.Error)
			return
		}
		msg.Status = domain.NotificationPending
		msg.UpdatedAt = time.Now().UTC()
		e.requeue(msg)
		e.logger.Warn("notification send failed, will retry",
			zap.String("notification_id", msg.ID),
			zap.String("channel", string(msg.Channel)),
			zap.Int("retry_count", msg.RetryCount),
			zap.String("error", result.Error),
		)
		return
	}

	msg.Status = domain.NotificationSent
	msg.Error = ""
	msg.UpdatedAt = time.Now().UTC()
	e.archive(ctx, msg)

	e.statsMu.Lock()
	e.stats.Sent++
	e.statsMu.Unlock()
	e.onSent(msg.Channel)

	e.logger.Info("notification sent",
		zap.String("notification_id", msg.ID),
		zap.String("channel", string(msg.Channel)),
	)
}

func (e *Engine) fail(ctx context.Context, msg *domain.NotificationMessage, reason string) {
	msg.Status = domain.NotificationFailed
	msg.Error = reason
	msg.UpdatedAt = time.Now().UTC()
	e.archive(ctx, msg)

	e.statsMu.Lock()
	e.stats.Failed++
	e.statsMu.Unlock()
	e.onFailed(msg.Channel)

	e.logger.Error("notification failed permanently",
		zap.String("notification_id", msg.ID),
		zap.String("channel", string(msg.Channel)),
		zap.String("error", reason),
	)
}

func (e *Engine) requeue(msg *domain.NotificationMessage) {
	e.queueMu.Lock()
	e.queue = append(e.queue, msg)
	e.queueMu.Unlock()
}

// archive writes the terminal message to the capped history list, updates
// its KV shadow, and persists the running stats.
func (e *Engine) archive(ctx context.Context, msg *domain.NotificationMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := e.kv.PushCapped(ctx, cache.KeyNotificationHist, string(data), historyEntries); err != nil {
		e.logger.Warn("failed to archive notification", zap.Error(err))
	}
	if err := e.kv.Set(ctx, cache.NotificationKey(msg.ID), string(data), messageTTL); err != nil {
		e.logger.Warn("failed to update notification shadow", zap.Error(err))
	}

	e.statsMu.Lock()
	stats := e.stats
	e.statsMu.Unlock()
	if data, err := json.Marshal(stats); err == nil {
		_ = e.kv.Set(ctx, cache.KeyNotificationStats, string(data), 0)
	}
}

// TestSend builds a synthetic message and dispatches it immediately,
// bypassing rules and cooldowns. Used by the test-notification endpoint.
func (e *Engine) TestSend(ctx context.Context, channel domain.Channel, recipients []string) (*domain.NotificationMessage, error) {
	if !channel.IsValid() {
		return nil, fmt.Errorf("channel %q: %w", channel, domain.ErrNoProvider)
	}
	if _, err := e.providers.Get(channel); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msg := &domain.NotificationMessage{
		ID:         uuid.New().String(),
		Title:      "Test notification",
		Content:    "This is a test notification from the telemetry scheduler.",
		Severity:   domain.SeverityInfo,
		Channel:    channel,
		Recipients: recipients,
		Status:     domain.NotificationPending,
		MaxRetries: 1,
		Metadata:   map[string]string{"test": "true"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	e.statsMu.Lock()
	e.stats.Total++
	e.statsMu.Unlock()

	e.dispatch(ctx, msg)
	return msg, nil
}

// History reads the newest entries from the archived history list.
func (e *Engine) History(ctx context.Context, limit int64) ([]domain.NotificationMessage, error) {
	if limit <= 0 || limit > historyEntries {
		limit = 50
	}
	raw, err := e.kv.ListRange(ctx, cache.KeyNotificationHist, 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]domain.NotificationMessage, 0, len(raw))
	for _, item := range raw {
		var msg domain.NotificationMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Stats returns the running counters plus the current queue depth.
func (e *Engine) Stats() (domain.NotificationStats, int) {
	e.statsMu.Lock()
	stats := e.stats
	e.statsMu.Unlock()

	e.queueMu.Lock()
	depth := len(e.queue)
	e.queueMu.Unlock()
	return stats, depth
}

// persistQueue snapshots the undelivered queue to the KV cache.
func (e *Engine) persistQueue(ctx context.Context) error {
	e.queueMu.Lock()
	batch := e.queue
	e.queueMu.Unlock()

	if len(batch) == 0 {
		return e.kv.Delete(ctx, cache.KeyNotificationQueue)
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	return e.kv.Set(ctx, cache.KeyNotificationQueue, string(data), messageTTL)
}

// restoreQueue loads a previously persisted queue, if any.
func (e *Engine) restoreQueue(ctx context.Context) error {
	raw, err := e.kv.Get(ctx, cache.KeyNotificationQueue)
	if err != nil || raw == "" {
		return err
	}
	var batch []*domain.NotificationMessage
	if err := json.Unmarshal([]byte(raw), &batch); err != nil {
		return err
	}

	e.queueMu.Lock()
	e.queue = append(e.queue, batch...)
	e.queueMu.Unlock()

	if err := e.kv.Delete(ctx, cache.KeyNotificationQueue); err != nil {
		return err
	}
	e.logger.Info("restored persisted notification queue",
		zap.Int("messages", len(batch)))
	return nil
}
