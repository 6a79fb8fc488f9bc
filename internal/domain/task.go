package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobType identifies which telemetry data set an archive task covers.
type JobType string

const (
	JobTypePositions JobType = "positions"
	JobTypeCommands  JobType = "commands"
	JobTypeStatus    JobType = "status"
)

func (j JobType) IsValid() bool {
	switch j {
	case JobTypePositions, JobTypeCommands, JobTypeStatus:
		return true
	}
	return false
}

// SourceTable returns the telemetry table the job type reads from.
func (j JobType) SourceTable() string {
	switch j {
	case JobTypePositions:
		return "drone_positions"
	case JobTypeCommands:
		return "drone_commands"
	case JobTypeStatus:
		return "drone_real_time_status"
	}
	return ""
}

// ArchiveTable returns the destination table the worker writes to.
func (j JobType) ArchiveTable() string {
	return j.SourceTable() + "_archive"
}

// RoutingKey returns the broker routing key for the job type.
func (j JobType) RoutingKey() string {
	return "archive." + string(j)
}

// Priority returns the broker message priority for the job type.
// Positions are the highest-volume and most time-sensitive data set.
func (j JobType) Priority() uint8 {
	switch j {
	case JobTypePositions:
		return 10
	case JobTypeCommands:
		return 8
	case JobTypeStatus:
		return 6
	}
	return 0
}

// TaskStatus tracks the lifecycle of an archive task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the task lifecycle
// (until a retry resets it).
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransition reports whether moving from s to next is a legal step in
// the task state machine:
//
//	pending → running
//	running → completed | failed
//	failed  → pending   (retry reset)
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning
	case TaskStatusRunning:
		return next == TaskStatusCompleted || next == TaskStatusFailed
	case TaskStatusFailed:
		return next == TaskStatusPending
	}
	return false
}

// Task is the persistent record of one unit of archival work.
// Records are owned exclusively by the scheduler process; external workers
// report progress through result messages, never by touching the row.
type Task struct {
	ID              int64      `json:"id"`
	JobType         JobType    `json:"job_type"`
	SourceTable     string     `json:"source_table"`
	ArchiveTable    string     `json:"archive_table"`
	DateRangeStart  time.Time  `json:"date_range_start"`
	DateRangeEnd    time.Time  `json:"date_range_end"`
	BatchID         string     `json:"batch_id"`
	Status          TaskStatus `json:"status"`
	TotalRecords    int64      `json:"total_records"`
	ArchivedRecords int64      `json:"archived_records"`
	RetryCount      int        `json:"retry_count"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewBatchID builds the unique batch token for a job type and archive day:
// DRONE_<TYPE>_<YYYYMMDD>_<epoch_ms>.
func NewBatchID(jobType JobType, day time.Time, now time.Time) string {
	return fmt.Sprintf("DRONE_%s_%s_%d",
		strings.ToUpper(string(jobType)),
		day.Format("20060102"),
		now.UnixMilli(),
	)
}

// TaskMessage is the transient envelope published to the broker for an
// archive task. It mirrors the task record plus delivery metadata.
type TaskMessage struct {
	TaskID         int64        `json:"taskId"`
	TaskType       JobType      `json:"taskType"`
	BatchID        string       `json:"batchId"`
	SourceTable    string       `json:"sourceTable"`
	ArchiveTable   string       `json:"archiveTable"`
	DateRangeStart time.Time    `json:"dateRangeStart"`
	DateRangeEnd   time.Time    `json:"dateRangeEnd"`
	BatchSize      int          `json:"batchSize"`
	Priority       uint8        `json:"priority"`
	RetryCount     int          `json:"retryCount"`
	MaxRetries     int          `json:"maxRetries"`
	Metadata       TaskMetadata `json:"metadata"`
}

// TaskMetadata is the free-form bag carried on task messages.
type TaskMetadata struct {
	EstimatedRecords      int64  `json:"estimatedRecords"`
	SourceTable           string `json:"sourceTable,omitempty"`
	ArchiveTable          string `json:"archiveTable,omitempty"`
	IsRetry               bool   `json:"isRetry,omitempty"`
	OriginalFailureReason string `json:"originalFailureReason,omitempty"`
}

// CleanupTaskMessage is the broker-only envelope for physical deletion
// work. Cleanup tasks have no task-store record in the current design.
type CleanupTaskMessage struct {
	TaskID        string    `json:"taskId"`
	CleanupType   string    `json:"cleanupType"`
	TableName     string    `json:"tableName"`
	DateThreshold time.Time `json:"dateThreshold"`
	BatchSize     int       `json:"batchSize"`
	Priority      uint8     `json:"priority"`
	RetryCount    int       `json:"retryCount"`
	MaxRetries    int       `json:"maxRetries"`
}

// ResultStatus is the outcome an external worker reports for a task.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultPartial   ResultStatus = "partial"
)

func (s ResultStatus) IsValid() bool {
	switch s {
	case ResultCompleted, ResultFailed, ResultPartial:
		return true
	}
	return false
}

// TaskResultMessage is the callback an external worker publishes after
// finishing (or abandoning) a task.
type TaskResultMessage struct {
	TaskID           int64        `json:"taskId"`
	Status           ResultStatus `json:"status"`
	ProcessedRecords int64        `json:"processedRecords,omitempty"`
	ErrorMessage     string       `json:"errorMessage,omitempty"`
	ExecutionTimeMs  int64        `json:"executionTimeMs"`
	CompletedAt      time.Time    `json:"completedAt"`
}

// TaskFilter holds query parameters for paginated task listing.
type TaskFilter struct {
	JobType   *JobType
	Status    *TaskStatus
	BatchID   *string
	CreatedBy *string
	From      *time.Time
	To        *time.Time
	Page      int
	Limit     int
	SortBy    string // column name; defaults to created_at
	SortDesc  bool
}

// TaskUpdate is a partial update applied to a task record. Nil fields are
// left untouched. Status changes set the implied timestamps in the store.
type TaskUpdate struct {
	Status          *TaskStatus
	TotalRecords    *int64
	ArchivedRecords *int64
	RetryCount      *int
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    *string
	ClearTimestamps bool // retry reset: null out started_at/completed_at/error_message
}

// TaskStatistics aggregates the task table for the stats endpoint.
type TaskStatistics struct {
	Total                 int64   `json:"total"`
	Pending               int64   `json:"pending"`
	Running               int64   `json:"running"`
	Completed             int64   `json:"completed"`
	Failed                int64   `json:"failed"`
	TotalRecordsProcessed int64   `json:"total_records_processed"`
	AverageExecutionSecs  float64 `json:"average_execution_seconds"`
}
