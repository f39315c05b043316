// Package events defines the bus subjects the control plane publishes on and
// helpers to build them.
package events

// Subjects for execution lifecycle events. Per-execution subjects append the
// execution id as the final token.
const (
	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
	ExecutionPaused    = "execution.paused"
	ExecutionResumed   = "execution.resumed"
	ExecutionCancelled = "execution.cancelled"
	ExecutionEvent     = "execution.event" // every event-log entry, mirrored
)

// Subjects for step-level events.
const (
	StepStarted   = "step.started"
	StepCompleted = "step.completed"
	StepFailed    = "step.failed"
	StepRetried   = "step.retried"
)

// Subjects for gateway agent connectivity.
const (
	AgentConnected    = "agent.connected"
	AgentDisconnected = "agent.disconnected"
	AgentStale        = "agent.stale"
)

// Subjects for admission decisions.
const (
	JobAdmitted = "admission.admitted"
	JobQueued   = "admission.queued"
	JobRejected = "admission.rejected"
)

// BuildExecutionEventSubject scopes the mirrored event-log subject to one
// execution.
func BuildExecutionEventSubject(executionID string) string {
	return ExecutionEvent + "." + executionID
}

// BuildExecutionEventWildcardSubject subscribes to every execution's
// mirrored event log.
func BuildExecutionEventWildcardSubject() string {
	return ExecutionEvent + ".*"
}

// BuildAgentSubject scopes an agent connectivity subject to one connector.
func BuildAgentSubject(base, connectorID string) string {
	return base + "." + connectorID
}
