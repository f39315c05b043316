package v1

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "PENDING"
	ExecutionStatusRunning    ExecutionStatus = "RUNNING"
	ExecutionStatusPaused     ExecutionStatus = "PAUSED"
	ExecutionStatusCancelling ExecutionStatus = "CANCELLING"
	ExecutionStatusCompleted  ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed     ExecutionStatus = "FAILED"
	ExecutionStatusCancelled  ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the status is absorbing: once entered, no
// further transition is permitted.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// Execution is a single run of a workflow definition, bound to the exact
// definition bytes via the snapshotted version and hash.
type Execution struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version"`
	WorkflowHash    string          `json:"workflow_hash"`
	Status          ExecutionStatus `json:"status"`
	CurrentStepID   string          `json:"current_step_id,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	TriggerContext  map[string]any  `json:"trigger_context,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// AttemptStatus is the lifecycle state of a single activity attempt.
type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "PENDING"
	AttemptStatusRunning   AttemptStatus = "RUNNING"
	AttemptStatusCompleted AttemptStatus = "COMPLETED"
	AttemptStatusFailed    AttemptStatus = "FAILED"
	AttemptStatusCancelled AttemptStatus = "CANCELLED"
	AttemptStatusTimeout   AttemptStatus = "TIMEOUT"
)

// ActivityAttempt is one try at running a step's activity. Attempts are
// numbered from 1 and at most one attempt per (execution, step) is RUNNING
// at any instant.
type ActivityAttempt struct {
	ExecutionID    string          `json:"execution_id"`
	TenantID       string          `json:"tenant_id"`
	StepID         string          `json:"step_id"`
	ActivityType   ActivityType    `json:"activity_type"`
	Attempt        int             `json:"attempt"`
	Status         AttemptStatus   `json:"status"`
	Output         json.RawMessage `json:"output,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ErrorRetryable bool            `json:"error_retryable,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// EventType identifies an execution event.
type EventType string

const (
	EventExecutionStarted   EventType = "EXECUTION_STARTED"
	EventStepStarted        EventType = "STEP_STARTED"
	EventStepCompleted      EventType = "STEP_COMPLETED"
	EventStepFailed         EventType = "STEP_FAILED"
	EventActivityRetry      EventType = "ACTIVITY_RETRY"
	EventExecutionPaused    EventType = "EXECUTION_PAUSED"
	EventExecutionResumed   EventType = "EXECUTION_RESUMED"
	EventExecutionCancelled EventType = "EXECUTION_CANCELLED"
	EventExecutionCompleted EventType = "EXECUTION_COMPLETED"
	EventExecutionFailed    EventType = "EXECUTION_FAILED"
)

// ExecutionEvent is one entry in the append-only execution event log, the
// authoritative history for replay and audit.
type ExecutionEvent struct {
	ExecutionID string         `json:"execution_id"`
	Type        EventType      `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
