package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// Memory is an in-memory Store used by tests and single-process development
// mode. All methods are safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	workflows  map[string]*v1.Workflow         // latest version by id
	versions   map[string][]*v1.Workflow       // id -> all versions ascending
	executions map[string]*v1.Execution        // by execution id
	attempts   map[string][]*v1.ActivityAttempt // by execution id
	events     map[string][]*v1.ExecutionEvent  // by execution id

	instances  map[string]*v1.AggregatorInstance
	mappings   map[string]*v1.FieldMapping
	connectors map[string]*v1.Connector
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workflows:  map[string]*v1.Workflow{},
		versions:   map[string][]*v1.Workflow{},
		executions: map[string]*v1.Execution{},
		attempts:   map[string][]*v1.ActivityAttempt{},
		events:     map[string][]*v1.ExecutionEvent{},
		instances:  map[string]*v1.AggregatorInstance{},
		mappings:   map[string]*v1.FieldMapping{},
		connectors: map[string]*v1.Connector{},
	}
}

func cloneWorkflow(w *v1.Workflow) *v1.Workflow {
	c := *w
	return &c
}

func cloneExecution(e *v1.Execution) *v1.Execution {
	c := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Create stores version 1 of a new workflow. A duplicate (tenant, hash) pair
/// is a conflict: the identical definition already exists.
func (m *Memory) Create(_ context.Context, tenantID, name, description string, def v1.Definition, hash string) (*v1.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.workflows {
		if w.TenantID == tenantID && w.Hash == hash {
			return nil, apperrors.Conflict("a workflow with an identical definition already exists")
		}
	}

	now := time.Now().UTC()
	w := &v1.Workflow{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		Status:      v1.WorkflowStatusDraft,
		Version:     1,
		Hash:        hash,
		Definition:  def,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.workflows[w.ID] = w
	m.versions[w.ID] = []*v1.Workflow{w}
	return cloneWorkflow(w), nil
}

// Get returns the latest version of a workflow, tenant-scoped.
func (m *Memory) Get(_ context.Context, id, tenantID string) (*v1.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok || w.TenantID != tenantID {
		return nil, apperrors.NotFound("workflow", id)
	}
	return cloneWorkflow(w), nil
}

// List returns the tenant's workflows, newest first.
func (m *Memory) List(_ context.Context, tenantID string, filter WorkflowFilter) ([]*v1.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*v1.Workflow
	for _, w := range m.workflows {
		if w.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		out = append(out, cloneWorkflow(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateMeta mutates metadata in place without touching version or hash.
func (m *Memory) UpdateMeta(_ context.Context, id, tenantID string, patch MetaPatch) (*v1.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok || w.TenantID != tenantID {
		return nil, apperrors.NotFound("workflow", id)
	}
	if patch.Name != nil {
		w.Name = *patch.Name
	}
	if patch.Description != nil {
		w.Description = *patch.Description
	}
	if patch.Status != nil {
		w.Status = *patch.Status
	}
	w.UpdatedAt = time.Now().UTC()
	return cloneWorkflow(w), nil
}

// NewVersion appends an immutable new version with version = previous + 1.
func (m *Memory) NewVersion(_ context.Context, id, tenantID string, def v1.Definition, hash string) (*v1.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.workflows[id]
	if !ok || prev.TenantID != tenantID {
		return nil, apperrors.NotFound("workflow", id)
	}
	now := time.Now().UTC()
	next := cloneWorkflow(prev)
	next.Version = prev.Version + 1
	next.Hash = hash
	next.Definition = def
	next.UpdatedAt = now
	m.workflows[id] = next
	m.versions[id] = append(m.versions[id], next)
	return cloneWorkflow(next), nil
}

// Delete removes a workflow unless a live execution still references it.
func (m *Memory) Delete(_ context.Context, id, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok || w.TenantID != tenantID {
		return apperrors.NotFound("workflow", id)
	}
	for _, e := range m.executions {
		if e.WorkflowID == id && !e.Status.IsTerminal() {
			return apperrors.Conflict("workflow has executions that are pending, running, or paused")
		}
	}
	delete(m.workflows, id)
	delete(m.versions, id)
	return nil
}

// CreateExecution creates a PENDING execution row bound to the definition
// version and hash snapshotted at trigger time.
func (m *Memory) CreateExecution(_ context.Context, tenantID, workflowID string, version int, hash string, triggerContext map[string]any) (*v1.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &v1.Execution{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		WorkflowID:      workflowID,
		WorkflowVersion: version,
		WorkflowHash:    hash,
		Status:          v1.ExecutionStatusPending,
		TriggerContext:  triggerContext,
		StartedAt:       time.Now().UTC(),
	}
	m.executions[e.ID] = e
	return cloneExecution(e), nil
}

// GetExecution returns an execution, tenant-scoped.
func (m *Memory) GetExecution(_ context.Context, executionID, tenantID string) (*v1.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[executionID]
	if !ok || e.TenantID != tenantID {
		return nil, apperrors.NotFound("execution", executionID)
	}
	return cloneExecution(e), nil
}

// UpdateExecution applies a patch. Transitions out of a terminal status are
// rejected; a patch that would leave a terminal row unchanged is a no-op.
func (m *Memory) UpdateExecution(_ context.Context, executionID string, patch ExecutionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return apperrors.NotFound("execution", executionID)
	}
	if e.Status.IsTerminal() {
		if patchIsNoop(e, patch) {
			return nil
		}
		return apperrors.Conflict("execution is in a terminal state")
	}
	if patch.CurrentStepID != nil {
		e.CurrentStepID = *patch.CurrentStepID
	}
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		e.CompletedAt = &t
	}
	if patch.ErrorMessage != nil {
		e.ErrorMessage = *patch.ErrorMessage
	}
	return nil
}

func patchIsNoop(e *v1.Execution, patch ExecutionPatch) bool {
	if patch.Status != nil && *patch.Status != e.Status {
		return false
	}
	if patch.CurrentStepID != nil && *patch.CurrentStepID != e.CurrentStepID {
		return false
	}
	if patch.ErrorMessage != nil && *patch.ErrorMessage != e.ErrorMessage {
		return false
	}
	if patch.CompletedAt != nil && (e.CompletedAt == nil || !patch.CompletedAt.Equal(*e.CompletedAt)) {
		return false
	}
	return true
}

// ListExecutionsByWorkflow returns all executions for a workflow.
func (m *Memory) ListExecutionsByWorkflow(_ context.Context, workflowID, tenantID string) ([]*v1.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*v1.Execution
	for _, e := range m.executions {
		if e.WorkflowID == workflowID && e.TenantID == tenantID {
			out = append(out, cloneExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// RecordAttempt upserts the attempt keyed by (execution, step, attempt).
func (m *Memory) RecordAttempt(_ context.Context, attempt *v1.ActivityAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *attempt
	if attempt.CompletedAt != nil {
		t := *attempt.CompletedAt
		c.CompletedAt = &t
	}
	rows := m.attempts[attempt.ExecutionID]
	for i, existing := range rows {
		if existing.StepID == attempt.StepID && existing.Attempt == attempt.Attempt {
			rows[i] = &c
			return nil
		}
	}
	m.attempts[attempt.ExecutionID] = append(rows, &c)
	return nil
}

// ListAttempts returns all attempts for an execution ordered by start time.
func (m *Memory) ListAttempts(_ context.Context, executionID string) ([]*v1.ActivityAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.attempts[executionID]
	out := make([]*v1.ActivityAttempt, len(rows))
	for i, a := range rows {
		c := *a
		out[i] = &c
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// AppendEvent appends to the execution's event log. The log is append-only;
// nothing ever mutates or removes an entry.
func (m *Memory) AppendEvent(_ context.Context, event *v1.ExecutionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *event
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &c)
	return nil
}

// ListEvents returns the event log ordered by timestamp, ties broken by
// insertion order.
func (m *Memory) ListEvents(_ context.Context, executionID string) ([]*v1.ExecutionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.events[executionID]
	out := make([]*v1.ExecutionEvent, len(rows))
	for i, e := range rows {
		c := *e
		out[i] = &c
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// AggregatorInstance returns a tenant-owned aggregator instance.
func (m *Memory) AggregatorInstance(_ context.Context, id, tenantID string) (*v1.AggregatorInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok || inst.TenantID != tenantID {
		return nil, apperrors.NotFound("aggregator instance", id)
	}
	c := *inst
	return &c, nil
}

// FieldMapping returns a tenant-owned field mapping.
func (m *Memory) FieldMapping(_ context.Context, id, tenantID string) (*v1.FieldMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fm, ok := m.mappings[id]
	if !ok || fm.TenantID != tenantID {
		return nil, apperrors.NotFound("field mapping", id)
	}
	c := *fm
	return &c, nil
}

// ConnectorsByTenant returns the tenant's connectors of the given type.
func (m *Memory) ConnectorsByTenant(_ context.Context, tenantID string, connectorType v1.ConnectorType) ([]*v1.Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*v1.Connector
	for _, c := range m.connectors {
		if c.TenantID == tenantID && c.Type == connectorType {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutAggregatorInstance seeds an aggregator instance (tests and dev mode).
func (m *Memory) PutAggregatorInstance(inst *v1.AggregatorInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *inst
	m.instances[inst.ID] = &c
}

// PutFieldMapping seeds a field mapping (tests and dev mode).
func (m *Memory) PutFieldMapping(fm *v1.FieldMapping) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *fm
	m.mappings[fm.ID] = &c
}

// PutConnector seeds a connector (tests and dev mode).
func (m *Memory) PutConnector(c *v1.Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc := *c
	m.connectors[c.ID] = &cc
}

var _ Store = (*Memory)(nil)
