package config_test

import (
	"testing"
	"time"

	"github.com/dronehub/telemetry-scheduler/internal/config"
)

func TestLoad_RequiredVariables(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BROKER_URL", "")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/scheduler")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected error without BROKER_URL")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/scheduler")
	t.Setenv("BROKER_URL", "amqp://localhost:5672")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != "8080" {
		t.Errorf("HTTPPort = %s, want 8080", cfg.HTTPPort)
	}
	if cfg.ArchiveCron != "0 2 * * *" {
		t.Errorf("ArchiveCron = %s", cfg.ArchiveCron)
	}
	if cfg.CleanupCron != "0 4 * * *" {
		t.Errorf("CleanupCron = %s", cfg.CleanupCron)
	}
	if cfg.CronTimezone != "Asia/Taipei" {
		t.Errorf("CronTimezone = %s", cfg.CronTimezone)
	}
	if cfg.RetentionDays != 1 || cfg.CleanupDays != 7 {
		t.Errorf("retention/cleanup days = %d/%d", cfg.RetentionDays, cfg.CleanupDays)
	}
	if cfg.TaskRetentionDays != 90 {
		t.Errorf("TaskRetentionDays = %d, want 90", cfg.TaskRetentionDays)
	}
	if cfg.WebhookMethod != "POST" {
		t.Errorf("WebhookMethod = %s, want POST", cfg.WebhookMethod)
	}
	if cfg.ArchiveBatchSize != 1000 || cfg.ArchiveRetries != 3 {
		t.Errorf("batch/retries = %d/%d", cfg.ArchiveBatchSize, cfg.ArchiveRetries)
	}
	if cfg.TaskTimeout != 4*time.Hour {
		t.Errorf("TaskTimeout = %v", cfg.TaskTimeout)
	}
	if cfg.TimeoutSweepInterval != 30*time.Minute || cfg.RetrySweepInterval != 15*time.Minute {
		t.Errorf("sweep intervals = %v/%v", cfg.TimeoutSweepInterval, cfg.RetrySweepInterval)
	}
	if cfg.MetricsInterval != time.Minute || cfg.HealthInterval != 30*time.Second {
		t.Errorf("monitor intervals = %v/%v", cfg.MetricsInterval, cfg.HealthInterval)
	}
	if cfg.DrainInterval != 5*time.Second {
		t.Errorf("DrainInterval = %v", cfg.DrainInterval)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/scheduler")
	t.Setenv("BROKER_URL", "amqp://localhost:5672")
	t.Setenv("RETENTION_DAYS", "3")
	t.Setenv("TASK_TIMEOUT", "2h")
	t.Setenv("WEBHOOK_INSECURE_TLS", "true")
	t.Setenv("ARCHIVE_BATCH_SIZE", "not-a-number")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.RetentionDays != 3 {
		t.Errorf("RetentionDays = %d, want 3", cfg.RetentionDays)
	}
	if cfg.TaskTimeout != 2*time.Hour {
		t.Errorf("TaskTimeout = %v, want 2h", cfg.TaskTimeout)
	}
	if !cfg.WebhookInsecureTLS {
		t.Error("expected WebhookInsecureTLS true")
	}
	// Malformed numbers fall back to the default.
	if cfg.ArchiveBatchSize != 1000 {
		t.Errorf("ArchiveBatchSize = %d, want default 1000", cfg.ArchiveBatchSize)
	}
}
