package notification_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/cache"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/notification"
	"github.com/dronehub/telemetry-scheduler/internal/notification/provider"
	"github.com/dronehub/telemetry-scheduler/internal/ratelimiter"
)

// fakeProvider records sends and returns scripted outcomes.
type fakeProvider struct {
	mu          sync.Mutex
	channel     domain.Channel
	sent        []*domain.NotificationMessage
	fail        int // number of initial sends that report failure
	initialized bool
	cleaned     bool
}

func (f *fakeProvider) Channel() domain.Channel { return f.channel }
func (f *fakeProvider) Configured() bool        { return true }
func (f *fakeProvider) ValidateConfig() error   { return nil }

func (f *fakeProvider) Initialize(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	return nil
}

func (f *fakeProvider) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = true
	return nil
}

func (f *fakeProvider) lifecycle() (initialized, cleaned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized, f.cleaned
}

func (f *fakeProvider) Send(_ context.Context, msg *domain.NotificationMessage) (*domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *msg
	f.sent = append(f.sent, &clone)
	if f.fail > 0 {
		f.fail--
		return &domain.SendResult{Error: "provider unavailable", SentAt: time.Now().UTC()}, nil
	}
	return &domain.SendResult{Success: true, MessageID: msg.ID, SentAt: time.Now().UTC()}, nil
}

func (f *fakeProvider) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newEngine(t *testing.T, providers ...provider.Provider) (*notification.Engine, *cache.MemoryCache) {
	t.Helper()
	kv := cache.NewMemoryCache()
	e := notification.NewEngine(
		notification.Config{DrainInterval: time.Hour, MaxRetries: 2},
		notification.NewRuleStore(),
		notification.NewTemplateStore(),
		provider.NewRegistry(providers...),
		ratelimiter.New(1000),
		kv,
		zap.NewNop(),
		nil, nil,
	)
	return e, kv
}

func criticalAlert() domain.Alert {
	return domain.Alert{
		ID:        "alert-1",
		Type:      domain.AlertTypeCPU,
		Severity:  domain.AlertSeverityCritical,
		Message:   "CPU usage 95.0%",
		Value:     95,
		Threshold: 90,
		Timestamp: time.Now().UTC(),
	}
}

func TestEngine_HandleAlertEnqueuesPerTarget(t *testing.T) {
	email := &fakeProvider{channel: domain.ChannelEmail}
	webhook := &fakeProvider{channel: domain.ChannelWebhook}
	e, _ := newEngine(t, email, webhook)
	ctx := context.Background()

	e.HandleAlert(ctx, criticalAlert())

	// The default critical rule has an email and a webhook target.
	if _, depth := e.Stats(); depth != 2 {
		t.Fatalf("queue depth = %d, want 2", depth)
	}

	e.Drain(ctx)

	if email.sendCount() != 1 || webhook.sendCount() != 1 {
		t.Fatalf("sends = email %d, webhook %d; want 1 each",
			email.sendCount(), webhook.sendCount())
	}
	stats, depth := e.Stats()
	if stats.Sent != 2 || depth != 0 {
		t.Fatalf("stats = %+v depth = %d, want 2 sent and empty queue", stats, depth)
	}
}

func TestEngine_CooldownSuppressesRepeatAlerts(t *testing.T) {
	webhook := &fakeProvider{channel: domain.ChannelWebhook}
	email := &fakeProvider{channel: domain.ChannelEmail}
	e, _ := newEngine(t, email, webhook)
	ctx := context.Background()

	e.HandleAlert(ctx, criticalAlert())
	e.HandleAlert(ctx, criticalAlert()) // same type, inside cooldown

	if _, depth := e.Stats(); depth != 2 {
		t.Fatalf("queue depth = %d, want 2 (second alert suppressed)", depth)
	}
}

func TestEngine_CooldownIsPerAlertType(t *testing.T) {
	webhook := &fakeProvider{channel: domain.ChannelWebhook}
	email := &fakeProvider{channel: domain.ChannelEmail}
	e, _ := newEngine(t, email, webhook)
	ctx := context.Background()

	e.HandleAlert(ctx, criticalAlert())

	disk := criticalAlert()
	disk.ID = "alert-2"
	disk.Type = domain.AlertTypeDisk
	e.HandleAlert(ctx, disk)

	if _, depth := e.Stats(); depth != 4 {
		t.Fatalf("queue depth = %d, want 4 (different type not suppressed)", depth)
	}
}

func TestEngine_RetryThenExhaust(t *testing.T) {
	// Fails every attempt; MaxRetries=2 allows two attempts total.
	webhook := &fakeProvider{channel: domain.ChannelWebhook, fail: 10}
	email := &fakeProvider{channel: domain.ChannelEmail}
	e, _ := newEngine(t, email, webhook)
	ctx := context.Background()

	warning := criticalAlert()
	warning.Severity = domain.AlertSeverityWarning // matches webhook-only rule
	e.HandleAlert(ctx, warning)

	e.Drain(ctx) // attempt 1 fails, message requeued
	if _, depth := e.Stats(); depth != 1 {
		t.Fatalf("queue depth after first drain = %d, want 1", depth)
	}

	e.Drain(ctx) // attempt 2 fails, budget exhausted
	stats, depth := e.Stats()
	if depth != 0 {
		t.Fatalf("queue depth after exhaustion = %d, want 0", depth)
	}
	if stats.Failed != 1 {
		t.Fatalf("failed count = %d, want 1", stats.Failed)
	}
	if webhook.sendCount() != 2 {
		t.Fatalf("send attempts = %d, want 2", webhook.sendCount())
	}
}

func TestEngine_RetrySucceedsOnSecondAttempt(t *testing.T) {
	webhook := &fakeProvider{channel: domain.ChannelWebhook, fail: 1}
	email := &fakeProvider{channel: domain.ChannelEmail}
	e, _ := newEngine(t, email, webhook)
	ctx := context.Background()

	warning := criticalAlert()
	warning.Severity = domain.AlertSeverityWarning
	e.HandleAlert(ctx, warning)

	e.Drain(ctx)
	e.Drain(ctx)

	stats, _ := e.Stats()
	if stats.Sent != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want 1 sent 0 failed", stats)
	}
}

func TestEngine_HistoryRecordsTerminalMessages(t *testing.T) {
	webhook := &fakeProvider{channel: domain.ChannelWebhook}
	email := &fakeProvider{channel: domain.ChannelEmail}
	e, _ := newEngine(t, email, webhook)
	ctx := context.Background()

	e.HandleAlert(ctx, criticalAlert())
	e.Drain(ctx)

	history, err := e.History(ctx, 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	for _, msg := range history {
		if msg.Status != domain.NotificationSent {
			t.Fatalf("history status = %s, want sent", msg.Status)
		}
		if msg.AlertID != "alert-1" {
			t.Fatalf("history alert id = %s, want alert-1", msg.AlertID)
		}
	}
}

func TestEngine_TestSend(t *testing.T) {
	webhook := &fakeProvider{channel: domain.ChannelWebhook}
	e, _ := newEngine(t, webhook)
	ctx := context.Background()

	msg, err := e.TestSend(ctx, domain.ChannelWebhook, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Status != domain.NotificationSent {
		t.Fatalf("status = %s, want sent", msg.Status)
	}
	if webhook.sendCount() != 1 {
		t.Fatalf("send count = %d, want 1", webhook.sendCount())
	}

	if _, err := e.TestSend(ctx, domain.ChannelSMS, nil); err == nil {
		t.Fatal("expected error for channel without provider")
	}
}

func TestEngine_LifecycleInitializesAndCleansProviders(t *testing.T) {
	webhook := &fakeProvider{channel: domain.ChannelWebhook}
	email := &fakeProvider{channel: domain.ChannelEmail}
	e, _ := newEngine(t, email, webhook)
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	for _, p := range []*fakeProvider{email, webhook} {
		if initialized, _ := p.lifecycle(); !initialized {
			t.Fatalf("provider %s not initialized on start", p.channel)
		}
	}

	if err := e.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	for _, p := range []*fakeProvider{email, webhook} {
		if _, cleaned := p.lifecycle(); !cleaned {
			t.Fatalf("provider %s not cleaned up on stop", p.channel)
		}
	}
}

func TestEngine_QueuePersistsAcrossRestart(t *testing.T) {
	webhook := &fakeProvider{channel: domain.ChannelWebhook}
	email := &fakeProvider{channel: domain.ChannelEmail}
	e, kv := newEngine(t, email, webhook)
	ctx := context.Background()

	e.HandleAlert(ctx, criticalAlert())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// A second engine sharing the KV cache picks the queue back up.
	e2 := notification.NewEngine(
		notification.Config{DrainInterval: time.Hour, MaxRetries: 2},
		notification.NewRuleStore(),
		notification.NewTemplateStore(),
		provider.NewRegistry(email, webhook),
		ratelimiter.New(1000),
		kv,
		zap.NewNop(),
		nil, nil,
	)
	if err := e2.Start(ctx); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	defer e2.Stop(ctx)

	if _, depth := e2.Stats(); depth != 2 {
		t.Fatalf("restored queue depth = %d, want 2", depth)
	}
}
