package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; DATABASE_URL and BROKER_URL are
// required.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Environment     string

	// Database
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Broker
	BrokerURL            string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	Prefetch             int

	// KV cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Cron schedules (standard five-field cron expressions)
	ArchiveCron  string
	CleanupCron  string
	CronTimezone string

	// Archive producer
	RetentionDays    int
	ArchiveBatchSize int
	ArchiveRetries   int

	// Cleanup producer
	CleanupDays       int
	CleanupRetries    int
	TaskRetentionDays int

	// Task monitor
	TimeoutSweepInterval time.Duration
	RetrySweepInterval   time.Duration
	TaskTimeout          time.Duration
	RetryCooldown        time.Duration

	// Monitoring collector
	MetricsInterval time.Duration
	HealthInterval  time.Duration

	// Notification engine
	DrainInterval        time.Duration
	NotificationRetries  int
	NotificationRate     int // provider sends per second per channel

	// SMTP (email provider)
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// Webhook provider
	WebhookURL           string
	WebhookMethod        string
	WebhookTimeout       time.Duration
	WebhookInsecureTLS   bool
	WebhookRetryAttempts int
	WebhookRetryDelay    time.Duration
}

func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	brokerURL := os.Getenv("BROKER_URL")
	if brokerURL == "" {
		return nil, fmt.Errorf("BROKER_URL is required")
	}

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		Environment:     getEnv("ENVIRONMENT", "development"),

		DatabaseURL: dbURL,
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 5)),

		BrokerURL:            brokerURL,
		ReconnectDelay:       getDuration("BROKER_RECONNECT_DELAY", 5*time.Second),
		MaxReconnectAttempts: getInt("BROKER_MAX_RECONNECT_ATTEMPTS", 10),
		Prefetch:             getInt("BROKER_PREFETCH", 10),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		ArchiveCron:  getEnv("ARCHIVE_CRON", "0 2 * * *"),
		CleanupCron:  getEnv("CLEANUP_CRON", "0 4 * * *"),
		CronTimezone: getEnv("CRON_TIMEZONE", "Asia/Taipei"),

		RetentionDays:    getInt("RETENTION_DAYS", 1),
		ArchiveBatchSize: getInt("ARCHIVE_BATCH_SIZE", 1000),
		ArchiveRetries:   getInt("ARCHIVE_MAX_RETRIES", 3),

		CleanupDays:       getInt("CLEANUP_DAYS", 7),
		CleanupRetries:    getInt("CLEANUP_MAX_RETRIES", 2),
		TaskRetentionDays: getInt("TASK_RETENTION_DAYS", 90),

		TimeoutSweepInterval: getDuration("TIMEOUT_SWEEP_INTERVAL", 30*time.Minute),
		RetrySweepInterval:   getDuration("RETRY_SWEEP_INTERVAL", 15*time.Minute),
		TaskTimeout:          getDuration("TASK_TIMEOUT", 4*time.Hour),
		RetryCooldown:        getDuration("RETRY_COOLDOWN", 30*time.Minute),

		MetricsInterval: getDuration("METRICS_INTERVAL", 60*time.Second),
		HealthInterval:  getDuration("HEALTH_INTERVAL", 30*time.Second),

		DrainInterval:       getDuration("NOTIFICATION_DRAIN_INTERVAL", 5*time.Second),
		NotificationRetries: getInt("NOTIFICATION_MAX_RETRIES", 3),
		NotificationRate:    getInt("NOTIFICATION_RATE_PER_CHANNEL", 10),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", ""),

		WebhookURL:           getEnv("WEBHOOK_URL", ""),
		WebhookMethod:        getEnv("WEBHOOK_METHOD", "POST"),
		WebhookTimeout:       getDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookInsecureTLS:   getBool("WEBHOOK_INSECURE_TLS", false),
		WebhookRetryAttempts: getInt("WEBHOOK_RETRY_ATTEMPTS", 3),
		WebhookRetryDelay:    getDuration("WEBHOOK_RETRY_DELAY", 2*time.Second),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
