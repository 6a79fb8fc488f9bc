package cache

import (
	"context"
	"time"
)

// Well-known key namespaces. The cache is a coordination aid, not a system
// of record: losing every key must never corrupt task state.
const (
	KeySystemMetrics      = "scheduler:metrics:system"
	KeyTaskMetrics        = "scheduler:metrics:tasks"
	KeyTaskMetricsHistory = "scheduler:metrics:tasks:history"
	KeyNotificationQueue  = "scheduler:notification:queue"
	KeyNotificationHist   = "scheduler:notification:history"
	KeyNotificationStats  = "scheduler:notification:stats"
)

// NotificationKey returns the per-message KV key.
func NotificationKey(id string) string {
	return "scheduler:notifications:" + id
}

// CooldownKey returns the per-(rule, alertType) suppression key.
func CooldownKey(ruleID, alertType string) string {
	return "scheduler:notifications:cooldown:" + ruleID + ":" + alertType
}

// Cache is the short-TTL KV contract used by the monitoring collector and
// the notification engine. Values are JSON strings.
type Cache interface {
	Get(ctx context.Context, key string) (string, error) // "" + nil error when absent
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX sets the key only if absent; returns true when the key was set.
	// This is the atomic primitive behind cooldown suppression.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error

	// PushCapped prepends value to the list at key and trims it to max
	// entries (newest-first).
	PushCapped(ctx context.Context, key, value string, max int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
