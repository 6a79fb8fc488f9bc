package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/api"
	"github.com/dronehub/telemetry-scheduler/internal/broker"
	"github.com/dronehub/telemetry-scheduler/internal/cache"
	"github.com/dronehub/telemetry-scheduler/internal/config"
	"github.com/dronehub/telemetry-scheduler/internal/coordinator"
	"github.com/dronehub/telemetry-scheduler/internal/db"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/metrics"
	"github.com/dronehub/telemetry-scheduler/internal/monitor"
	"github.com/dronehub/telemetry-scheduler/internal/monitoring"
	"github.com/dronehub/telemetry-scheduler/internal/notification"
	"github.com/dronehub/telemetry-scheduler/internal/notification/provider"
	"github.com/dronehub/telemetry-scheduler/internal/producer"
	"github.com/dronehub/telemetry-scheduler/internal/ratelimiter"
	"github.com/dronehub/telemetry-scheduler/internal/repository"
	"github.com/dronehub/telemetry-scheduler/internal/resulthandler"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	// ---- broker ----
	bk, err := broker.Connect(cfg.BrokerURL, broker.Options{
		ReconnectDelay: cfg.ReconnectDelay,
		MaxAttempts:    cfg.MaxReconnectAttempts,
		Prefetch:       cfg.Prefetch,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer bk.Close()

	// ---- KV cache ----
	kv, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer kv.Close()

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	taskRepo := repository.NewPgTaskRepository(pool)
	telemetryRepo := repository.NewPgTelemetryRepository(pool)

	// ---- notification stack ----
	providers := provider.NewRegistry(
		provider.NewEmailProvider(provider.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger),
		provider.NewWebhookProvider(provider.WebhookConfig{
			URL:           cfg.WebhookURL,
			Method:        cfg.WebhookMethod,
			Environment:   cfg.Environment,
			Timeout:       cfg.WebhookTimeout,
			InsecureTLS:   cfg.WebhookInsecureTLS,
			RetryAttempts: cfg.WebhookRetryAttempts,
			RetryDelay:    cfg.WebhookRetryDelay,
		}, logger),
	)
	limiters := ratelimiter.New(cfg.NotificationRate)
	onSent, onNotifyFailed := m.NotificationHooks()
	engine := notification.NewEngine(
		notification.Config{
			DrainInterval: cfg.DrainInterval,
			MaxRetries:    cfg.NotificationRetries,
		},
		notification.NewRuleStore(),
		notification.NewTemplateStore(),
		providers,
		limiters,
		kv,
		logger,
		onSent, onNotifyFailed,
	)

	// ---- monitoring collector ----
	collector := monitoring.New(
		monitoring.Config{
			MetricsInterval: cfg.MetricsInterval,
			HealthInterval:  cfg.HealthInterval,
			Thresholds:      monitoring.DefaultThresholds(),
		},
		taskRepo, bk, kv, logger,
		func(alert domain.Alert) { engine.HandleAlert(ctx, alert) },
	)
	collector.OnTaskSample(func(t domain.TaskMetrics) {
		m.UpdateTaskGauges(t.Pending, t.Running)
	})

	// ---- pipeline components ----
	archive := producer.NewArchiveProducer(
		producer.ArchiveConfig{
			CronSpec:      cfg.ArchiveCron,
			Timezone:      cfg.CronTimezone,
			RetentionDays: cfg.RetentionDays,
			BatchSize:     cfg.ArchiveBatchSize,
			MaxRetries:    cfg.ArchiveRetries,
			CreatedBy:     "scheduler",
		},
		taskRepo, telemetryRepo, bk, logger, m.ProducerHook(),
	)

	cleanup := producer.NewCleanupProducer(
		producer.CleanupConfig{
			CronSpec:          cfg.CleanupCron,
			Timezone:          cfg.CronTimezone,
			Days:              cfg.CleanupDays,
			BatchSize:         cfg.ArchiveBatchSize,
			MaxRetries:        cfg.CleanupRetries,
			TaskRetentionDays: cfg.TaskRetentionDays,
		},
		taskRepo, bk, logger,
	)

	onTimeout, onRetry := m.MonitorHooks()
	taskMonitor := monitor.New(
		monitor.Config{
			TimeoutSweepInterval: cfg.TimeoutSweepInterval,
			RetrySweepInterval:   cfg.RetrySweepInterval,
			TaskTimeout:          cfg.TaskTimeout,
			RetryCooldown:        cfg.RetryCooldown,
			MaxRetries:           cfg.ArchiveRetries,
			BatchSize:            cfg.ArchiveBatchSize,
		},
		taskRepo, bk, logger, onTimeout, onRetry,
	)

	onCompleted, onFailed := m.ResultHooks()
	results := resulthandler.New(taskRepo, bk, logger, onCompleted, onFailed)

	// ---- coordinator ----
	coord := coordinator.New(bk, logger, func(ctx context.Context) error {
		m.BrokerReconnects.Inc()
		return results.Subscribe(ctx)
	})
	coord.Register("result_handler", results)
	coord.Register("archive_producer", archive)
	coord.Register("cleanup_producer", cleanup)
	coord.Register("task_monitor", taskMonitor)
	coord.Register("monitoring_collector", collector)
	coord.Register("notification_engine", engine)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if err := coord.Start(runCtx); err != nil {
		logger.Fatal("failed to start scheduler components", zap.Error(err))
	}

	// ---- HTTP server ----
	router := api.NewRouter(taskRepo, archive, cleanup, coord, collector, engine, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	// 1. Stop accepting new HTTP requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Bring components down in reverse start order; the notification
	//    engine persists its undelivered queue during this step.
	if err := coord.Stop(shutdownCtx); err != nil {
		logger.Error("component shutdown error", zap.Error(err))
	}
	cancelRun()

	logger.Info("scheduler stopped cleanly")
}
