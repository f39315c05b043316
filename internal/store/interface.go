// Package store defines the persistence contract consumed by the execution
// engine and its implementations (in-memory, SQLite, PostgreSQL).
package store

import (
	"context"
	"time"

	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// WorkflowFilter narrows workflow listings.
type WorkflowFilter struct {
	Status v1.WorkflowStatus // empty matches all
}

// MetaPatch mutates workflow metadata in place. Nil fields are untouched.
// Metadata changes never touch version or hash.
type MetaPatch struct {
	Name        *string
	Description *string
	Status      *v1.WorkflowStatus
}

// WorkflowStore persists workflow definitions. Definitions are immutable
// once published: every definition change lands as a new version row.
type WorkflowStore interface {
	Create(ctx context.Context, tenantID, name, description string, def v1.Definition, hash string) (*v1.Workflow, error)
	Get(ctx context.Context, id, tenantID string) (*v1.Workflow, error)
	List(ctx context.Context, tenantID string, filter WorkflowFilter) ([]*v1.Workflow, error)
	UpdateMeta(ctx context.Context, id, tenantID string, patch MetaPatch) (*v1.Workflow, error)
	NewVersion(ctx context.Context, id, tenantID string, def v1.Definition, hash string) (*v1.Workflow, error)
	Delete(ctx context.Context, id, tenantID string) error
}

// ExecutionPatch mutates an execution row. Nil fields are untouched.
type ExecutionPatch struct {
	CurrentStepID *string
	Status        *v1.ExecutionStatus
	CompletedAt   *time.Time
	ErrorMessage  *string
}

// ExecutionStore persists executions, activity attempts, and the append-only
// event log. Implementations must reject status transitions out of terminal
// states; re-applying an identical patch to a terminal row is a no-op.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, tenantID, workflowID string, version int, hash string, triggerContext map[string]any) (*v1.Execution, error)
	GetExecution(ctx context.Context, executionID, tenantID string) (*v1.Execution, error)
	UpdateExecution(ctx context.Context, executionID string, patch ExecutionPatch) error
	ListExecutionsByWorkflow(ctx context.Context, workflowID, tenantID string) ([]*v1.Execution, error)

	// RecordAttempt upserts on (executionID, stepID, attempt).
	RecordAttempt(ctx context.Context, attempt *v1.ActivityAttempt) error
	ListAttempts(ctx context.Context, executionID string) ([]*v1.ActivityAttempt, error)

	AppendEvent(ctx context.Context, event *v1.ExecutionEvent) error
	ListEvents(ctx context.Context, executionID string) ([]*v1.ExecutionEvent, error)
}

// ResourceStore resolves tenant-owned collaborator resources referenced from
// activity configs and the agent gateway.
type ResourceStore interface {
	AggregatorInstance(ctx context.Context, id, tenantID string) (*v1.AggregatorInstance, error)
	FieldMapping(ctx context.Context, id, tenantID string) (*v1.FieldMapping, error)
	ConnectorsByTenant(ctx context.Context, tenantID string, connectorType v1.ConnectorType) ([]*v1.Connector, error)
}

// Store bundles the three persistence facets behind one handle.
type Store interface {
	WorkflowStore
	ExecutionStore
	ResourceStore
}
