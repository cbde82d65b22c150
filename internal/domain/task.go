package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a TaskRun or TaskStep.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskReceived  TaskStatus = "RECEIVED"
	TaskStarted   TaskStatus = "STARTED"
	TaskProgress  TaskStatus = "PROGRESS"
	TaskSuccess   TaskStatus = "SUCCESS"
	TaskFailure   TaskStatus = "FAILURE"
	TaskRetry     TaskStatus = "RETRY"
	TaskRevoked   TaskStatus = "REVOKED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskFailure, TaskCancelled, TaskRevoked:
		return true
	}
	return false
}

// Cancellable reports whether a run in this state may be cancelled.
func (s TaskStatus) Cancellable() bool {
	switch s {
	case TaskPending, TaskReceived, TaskStarted, TaskProgress:
		return true
	}
	return false
}

// Retryable reports whether a run in this state may be retried. Retrying
// creates a new TaskRun; it never resurrects the old one.
func (s TaskStatus) Retryable() bool {
	switch s {
	case TaskFailure, TaskCancelled, TaskRevoked:
		return true
	}
	return false
}

// Params is the structured input/result payload attached to task entities.
// Stored as JSONB.
type Params map[string]interface{}

// Value marshals for the database driver.
func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// Scan unmarshals from the database driver.
func (p *Params) Scan(src interface{}) error {
	if src == nil {
		*p = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Params", src)
	}
	return json.Unmarshal(raw, p)
}

// TaskRun is the durable record of one long-running job execution.
type TaskRun struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	ExternalTaskID       string     `db:"external_task_id" json:"external_task_id"`
	TaskName             string     `db:"task_name" json:"task_name"`
	TaskType             string     `db:"task_type" json:"task_type"`
	Title                string     `db:"title" json:"title"`
	Description          *string    `db:"description" json:"description,omitempty"`
	Status               TaskStatus `db:"status" json:"status"`
	ProgressPercentage   int        `db:"progress_percentage" json:"progress_percentage"`
	CurrentMessage       string     `db:"current_message" json:"current_message"`
	CurrentStep          int        `db:"current_step" json:"current_step"`
	TotalSteps           int        `db:"total_steps" json:"total_steps"`
	StartedAt            *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt          *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ExecutionTimeSeconds *float64   `db:"execution_time_seconds" json:"execution_time_seconds,omitempty"`
	RetryCount           int        `db:"retry_count" json:"retry_count"`
	InputParameters      Params     `db:"input_parameters" json:"input_parameters"`
	ResultData           Params     `db:"result_data" json:"result_data,omitempty"`
	ErrorMessage         *string    `db:"error_message" json:"error_message,omitempty"`
	ErrorTraceback       *string    `db:"error_traceback" json:"error_traceback,omitempty"`
	ErrorCategory        *string    `db:"error_category" json:"error_category,omitempty"`
	ActorID              *string    `db:"actor_id" json:"actor_id,omitempty"`
	LastHeartbeatAt      *time.Time `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// TaskStep is a named phase within a TaskRun. (task_run_id, step_name) is
// unique; step_order is assigned monotonically on first creation.
type TaskStep struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	TaskRunID  uuid.UUID  `db:"task_run_id" json:"task_run_id"`
	StepName   string     `db:"step_name" json:"step_name"`
	StepOrder  int        `db:"step_order" json:"step_order"`
	Title      string     `db:"title" json:"title"`
	Status     TaskStatus `db:"status" json:"status"`
	ResultData Params     `db:"result_data" json:"result_data,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// LogLevel is the severity of a TaskLog entry.
type LogLevel string

const (
	LogDebug    LogLevel = "DEBUG"
	LogInfo     LogLevel = "INFO"
	LogWarning  LogLevel = "WARNING"
	LogError    LogLevel = "ERROR"
	LogCritical LogLevel = "CRITICAL"
)

// TaskLog is an append-only detail event on a TaskRun.
type TaskLog struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TaskRunID uuid.UUID `db:"task_run_id" json:"task_run_id"`
	Level     LogLevel  `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
	ExtraData Params    `db:"extra_data" json:"extra_data,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
