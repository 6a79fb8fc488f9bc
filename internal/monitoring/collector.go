package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/broker"
	"github.com/dronehub/telemetry-scheduler/internal/cache"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/repository"
)

const (
	systemMetricsTTL   = 5 * time.Minute
	taskHistoryEntries = 288 // ~24h of samples
	maxTrackedAlerts   = 200
)

// Thresholds holds warn/critical bounds per alert type.
type Thresholds struct {
	CPUWarn, CPUCritical           float64
	MemoryWarn, MemoryCritical     float64
	DiskWarn, DiskCritical         float64
	FailureWarn, FailureCritical   float64
	QueueWarn, QueueCritical       float64
}

// DefaultThresholds returns the standard alerting bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarn: 70, CPUCritical: 90,
		MemoryWarn: 80, MemoryCritical: 95,
		DiskWarn: 85, DiskCritical: 95,
		FailureWarn: 10, FailureCritical: 25,
		QueueWarn: 1000, QueueCritical: 5000,
	}
}

// Config tunes the collector's loops.
type Config struct {
	MetricsInterval time.Duration
	HealthInterval  time.Duration
	DiskPath        string // mount point sampled for disk usage
	Thresholds      Thresholds
}

// Collector samples system and task metrics, probes dependency health, and
// raises alerts against thresholds. Alerts are in-memory and resolve only
// manually; the cooldown layer downstream absorbs repeated raises.
type Collector struct {
	cfg    Config
	tasks  repository.TaskRepository
	bk     broker.Broker
	kv     cache.Cache
	logger *zap.Logger

	// onAlert forwards raised alerts to the notification engine (nil = no-op).
	onAlert func(domain.Alert)

	// onTaskSample feeds each task metrics sample to the Prometheus gauges
	// (nil = no-op).
	onTaskSample func(domain.TaskMetrics)

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	startAt time.Time

	mu       sync.RWMutex
	alerts   []*domain.Alert
	health   map[string]domain.DependencyHealth
	lastCPU  cpuSample
}

type cpuSample struct {
	procTime time.Duration // cumulative user+system CPU time
	wallTime time.Time
}

func New(cfg Config, tasks repository.TaskRepository, bk broker.Broker, kv cache.Cache, logger *zap.Logger, onAlert func(domain.Alert)) *Collector {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if onAlert == nil {
		onAlert = func(domain.Alert) {}
	}
	return &Collector{
		cfg:          cfg,
		tasks:        tasks,
		bk:           bk,
		kv:           kv,
		logger:       logger,
		onAlert:      onAlert,
		onTaskSample: func(domain.TaskMetrics) {},
		health:       make(map[string]domain.DependencyHealth),
	}
}

// OnTaskSample registers a callback invoked with every task metrics sample.
// Must be set before Start.
func (c *Collector) OnTaskSample(fn func(domain.TaskMetrics)) {
	if fn != nil {
		c.onTaskSample = fn
	}
}

// Start launches the metrics and health loops.
func (c *Collector) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.startAt = time.Now().UTC()

	c.wg.Add(2)
	go c.loop(loopCtx, c.cfg.MetricsInterval, c.collectMetrics)
	go c.loop(loopCtx, c.cfg.HealthInterval, c.collectHealth)

	c.started.Store(true)
	c.logger.Info("monitoring collector started",
		zap.Duration("metrics_interval", c.cfg.MetricsInterval),
		zap.Duration("health_interval", c.cfg.HealthInterval),
	)
	return nil
}

func (c *Collector) Stop(ctx context.Context) error {
	c.started.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("monitoring collector stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collector) Healthy() bool { return c.started.Load() }

func (c *Collector) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// collectMetrics samples the process and the task table, snapshots both to
// the KV cache, and evaluates thresholds.
func (c *Collector) collectMetrics(ctx context.Context) {
	sys := c.SampleSystem()
	if data, err := json.Marshal(sys); err == nil {
		if err := c.kv.Set(ctx, cache.KeySystemMetrics, string(data), systemMetricsTTL); err != nil {
			c.logger.Warn("failed to store system metrics", zap.Error(err))
		}
	}

	tasks, err := c.sampleTasks(ctx)
	if err != nil {
		c.logger.Warn("failed to sample task metrics", zap.Error(err))
	} else {
		c.onTaskSample(tasks)
		if data, err := json.Marshal(tasks); err == nil {
			if err := c.kv.Set(ctx, cache.KeyTaskMetrics, string(data), systemMetricsTTL); err != nil {
				c.logger.Warn("failed to store task metrics", zap.Error(err))
			}
			if err := c.kv.PushCapped(ctx, cache.KeyTaskMetricsHistory, string(data), taskHistoryEntries); err != nil {
				c.logger.Warn("failed to append task metrics history", zap.Error(err))
			}
		}
	}

	c.evaluate(sys, tasks)
}

// SampleSystem reads process CPU, heap, and disk usage. CPU percent is the
// CPU-time delta over the wall-clock delta since the previous sample; the
// first sample reports zero.
func (c *Collector) SampleSystem() domain.SystemMetrics {
	now := time.Now().UTC()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var ru syscall.Rusage
	var cpuPercent float64
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		procTime := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
		c.mu.Lock()
		prev := c.lastCPU
		c.lastCPU = cpuSample{procTime: procTime, wallTime: now}
		c.mu.Unlock()
		if !prev.wallTime.IsZero() {
			wall := now.Sub(prev.wallTime)
			if wall > 0 {
				cpuPercent = float64(procTime-prev.procTime) / float64(wall) * 100
			}
		}
	}

	m := domain.SystemMetrics{
		CPUPercent:     cpuPercent,
		HeapUsedBytes:  mem.HeapAlloc,
		HeapTotalBytes: mem.HeapSys,
		UptimeMs:       now.Sub(c.startAt).Milliseconds(),
		SampledAt:      now,
	}
	if mem.HeapSys > 0 {
		m.MemoryPercent = float64(mem.HeapAlloc) / float64(mem.HeapSys) * 100
	}

	var fs syscall.Statfs_t
	if err := syscall.Statfs(c.cfg.DiskPath, &fs); err == nil && fs.Blocks > 0 {
		total := fs.Blocks * uint64(fs.Bsize)
		free := fs.Bavail * uint64(fs.Bsize)
		m.DiskTotalBytes = total
		m.DiskUsedBytes = total - free
		m.DiskPercent = float64(total-free) / float64(total) * 100
	}

	return m
}

func (c *Collector) sampleTasks(ctx context.Context) (domain.TaskMetrics, error) {
	from := time.Now().UTC().Add(-24 * time.Hour)
	stats, err := c.tasks.Statistics(ctx, &from, nil)
	if err != nil {
		return domain.TaskMetrics{}, err
	}

	m := domain.TaskMetrics{
		Pending:   stats.Pending,
		Running:   stats.Running,
		Completed: stats.Completed,
		Failed:    stats.Failed,
		SampledAt: time.Now().UTC(),
	}
	if stats.Total > 0 {
		m.FailureRate = float64(stats.Failed) / float64(stats.Total) * 100
	}
	return m, nil
}

// evaluate compares the latest samples against thresholds and raises
// alerts for every crossing. Critical wins over warning per type.
func (c *Collector) evaluate(sys domain.SystemMetrics, tasks domain.TaskMetrics) {
	t := c.cfg.Thresholds
	c.check(domain.AlertTypeCPU, sys.CPUPercent, t.CPUWarn, t.CPUCritical, "CPU usage %.1f%%")
	c.check(domain.AlertTypeMemory, sys.MemoryPercent, t.MemoryWarn, t.MemoryCritical, "heap usage %.1f%%")
	c.check(domain.AlertTypeDisk, sys.DiskPercent, t.DiskWarn, t.DiskCritical, "disk usage %.1f%%")
	c.check(domain.AlertTypeTaskFailure, tasks.FailureRate, t.FailureWarn, t.FailureCritical, "task failure rate %.1f%%")
	c.check(domain.AlertTypeQueueSize, float64(tasks.Pending), t.QueueWarn, t.QueueCritical, "pending queue size %.0f")
}

func (c *Collector) check(alertType domain.AlertType, value, warn, critical float64, format string) {
	switch {
	case value >= critical:
		c.RaiseAlert(alertType, domain.AlertSeverityCritical, value, critical, fmt.Sprintf(format, value))
	case value >= warn:
		c.RaiseAlert(alertType, domain.AlertSeverityWarning, value, warn, fmt.Sprintf(format, value))
	}
}

// RaiseAlert records a fresh alert and forwards it to the notification
// layer. Every threshold crossing raises; downstream cooldowns deduplicate.
func (c *Collector) RaiseAlert(alertType domain.AlertType, severity domain.AlertSeverity, value, threshold float64, message string) domain.Alert {
	alert := domain.Alert{
		ID:        uuid.New().String(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Value:     value,
		Threshold: threshold,
		Timestamp: time.Now().UTC(),
	}

	c.mu.Lock()
	c.alerts = append(c.alerts, &alert)
	if len(c.alerts) > maxTrackedAlerts {
		c.alerts = c.alerts[len(c.alerts)-maxTrackedAlerts:]
	}
	c.mu.Unlock()

	c.logger.Warn("alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alertType)),
		zap.String("severity", string(severity)),
		zap.Float64("value", value),
		zap.Float64("threshold", threshold),
	)

	c.onAlert(alert)
	return alert
}

// ResolveAlert flips resolved to true. The flag is monotonic: resolving an
// already-resolved alert is a no-op.
func (c *Collector) ResolveAlert(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.alerts {
		if a.ID == id {
			a.Resolved = true
			return nil
		}
	}
	return domain.ErrAlertNotFound
}

// ActiveAlerts returns all unresolved alerts, newest last.
func (c *Collector) ActiveAlerts() []domain.Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []domain.Alert
	for _, a := range c.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	return out
}

// collectHealth probes each dependency with a cheap call and records the
// outcome. The aggregate is unhealthy if any probe is, else degraded if
// any is, else healthy.
func (c *Collector) collectHealth(ctx context.Context) {
	probes := map[string]func(context.Context) error{
		"database": c.tasks.Ping,
		"broker":   c.bk.Ping,
		"cache":    c.kv.Ping,
	}

	for name, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		err := probe(probeCtx)
		elapsed := time.Since(start)
		cancel()

		h := domain.DependencyHealth{
			Status:         domain.HealthHealthy,
			LastCheck:      time.Now().UTC(),
			ResponseTimeMs: elapsed.Milliseconds(),
		}
		if err != nil {
			h.Status = domain.HealthUnhealthy
			h.Message = err.Error()
		} else if elapsed > time.Second {
			h.Status = domain.HealthDegraded
			h.Message = "slow response"
		}

		c.mu.Lock()
		c.health[name] = h
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("dependency probe failed",
				zap.String("dependency", name), zap.Error(err))
		}
	}
}

// Health returns the latest dependency probe results plus the aggregate.
func (c *Collector) Health() (domain.HealthStatus, map[string]domain.DependencyHealth) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]domain.DependencyHealth, len(c.health))
	overall := domain.HealthHealthy
	for name, h := range c.health {
		out[name] = h
		switch h.Status {
		case domain.HealthUnhealthy:
			overall = domain.HealthUnhealthy
		case domain.HealthDegraded:
			if overall == domain.HealthHealthy {
				overall = domain.HealthDegraded
			}
		}
	}
	return overall, out
}

// LatestSystemMetrics reads the last stored snapshot from the KV cache.
func (c *Collector) LatestSystemMetrics(ctx context.Context) (*domain.SystemMetrics, error) {
	raw, err := c.kv.Get(ctx, cache.KeySystemMetrics)
	if err != nil || raw == "" {
		return nil, err
	}
	var m domain.SystemMetrics
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}
