package domain

import "time"

// AlertType names the metric an alert was raised against.
type AlertType string

const (
	AlertTypeCPU         AlertType = "cpu"
	AlertTypeMemory      AlertType = "memory"
	AlertTypeDisk        AlertType = "disk"
	AlertTypeTaskFailure AlertType = "task_failure"
	AlertTypeQueueSize   AlertType = "queue_size"
)

// AlertSeverity is the two-level severity of a raised alert.
type AlertSeverity string

const (
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert is an ephemeral record of a threshold crossing. Resolved flips
// false→true exactly once; it never reopens.
type Alert struct {
	ID        string        `json:"id"`
	Type      AlertType     `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Timestamp time.Time     `json:"timestamp"`
	Resolved  bool          `json:"resolved"`
}

// SystemMetrics is the snapshot the monitoring collector samples each tick.
type SystemMetrics struct {
	CPUPercent      float64   `json:"cpu_percent"`
	HeapUsedBytes   uint64    `json:"heap_used_bytes"`
	HeapTotalBytes  uint64    `json:"heap_total_bytes"`
	MemoryPercent   float64   `json:"memory_percent"`
	DiskUsedBytes   uint64    `json:"disk_used_bytes"`
	DiskTotalBytes  uint64    `json:"disk_total_bytes"`
	DiskPercent     float64   `json:"disk_percent"`
	UptimeMs        int64     `json:"uptime_ms"`
	SampledAt       time.Time `json:"sampled_at"`
}

// TaskMetrics is the per-sample task health entry appended to the rolling
// history list.
type TaskMetrics struct {
	Pending     int64     `json:"pending"`
	Running     int64     `json:"running"`
	Completed   int64     `json:"completed"`
	Failed      int64     `json:"failed"`
	FailureRate float64   `json:"failure_rate"`
	SampledAt   time.Time `json:"sampled_at"`
}

// HealthStatus is the three-state health value used for dependencies and
// for the aggregate view.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// DependencyHealth is the result of one probe against an external
// collaborator (database, broker, cache).
type DependencyHealth struct {
	Status         HealthStatus `json:"status"`
	Message        string       `json:"message,omitempty"`
	LastCheck      time.Time    `json:"last_check"`
	ResponseTimeMs int64        `json:"response_time_ms"`
}
