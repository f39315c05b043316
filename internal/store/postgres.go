package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vectormesh/vectormesh/internal/common/database"
	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// Postgres is the pgx-backed Store used in production deployments.
type Postgres struct {
	db *database.DB
}

// NewPostgres creates the Postgres store and ensures the schema exists.
func NewPostgres(ctx context.Context, db *database.DB) (*Postgres, error) {
	s := &Postgres{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialise schema: %w", err)
	}
	return s, nil
}

func (s *Postgres) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_definitions (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'DRAFT',
		version INTEGER NOT NULL DEFAULT 1,
		hash TEXT NOT NULL,
		definition JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (id, version)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_tenant_hash
		ON workflow_definitions (tenant_id, hash);
	CREATE INDEX IF NOT EXISTS idx_workflow_tenant
		ON workflow_definitions (tenant_id);

	CREATE TABLE IF NOT EXISTS workflow_executions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		workflow_version INTEGER NOT NULL,
		workflow_hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		current_step_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		trigger_context JSONB,
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_execution_workflow
		ON workflow_executions (workflow_id, tenant_id);
	CREATE INDEX IF NOT EXISTS idx_execution_status
		ON workflow_executions (tenant_id, status);

	CREATE TABLE IF NOT EXISTS activity_executions (
		execution_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		output JSONB,
		error_message TEXT NOT NULL DEFAULT '',
		error_retryable BOOLEAN NOT NULL DEFAULT false,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		PRIMARY KEY (execution_id, step_id, attempt)
	);

	CREATE TABLE IF NOT EXISTS execution_events (
		id BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_execution
		ON execution_events (execution_id, created_at, id);

	CREATE TABLE IF NOT EXISTS connectors (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		connector_type TEXT NOT NULL,
		api_key_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_connectors_tenant
		ON connectors (tenant_id, connector_type);

	CREATE TABLE IF NOT EXISTS aggregator_instances (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		capabilities JSONB NOT NULL DEFAULT '[]',
		credential_ref TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS field_mappings (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		rules JSONB NOT NULL DEFAULT '[]'
	);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

const latestWorkflowQuery = `
	SELECT id, tenant_id, name, description, status, version, hash, definition, created_at, updated_at
	FROM workflow_definitions w
	WHERE version = (SELECT MAX(version) FROM workflow_definitions WHERE id = w.id)`

func scanWorkflow(row pgx.Row) (*v1.Workflow, error) {
	var w v1.Workflow
	var defJSON []byte
	err := row.Scan(&w.ID, &w.TenantID, &w.Name, &w.Description, &w.Status,
		&w.Version, &w.Hash, &defJSON, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(defJSON, &w.Definition); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	return &w, nil
}

func (s *Postgres) Create(ctx context.Context, tenantID, name, description string, def v1.Definition, hash string) (*v1.Workflow, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_definitions WHERE tenant_id = $1 AND hash = $2)`,
		tenantID, hash).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check workflow hash: %w", err)
	}
	if exists {
		return nil, apperrors.Conflict("a workflow with an identical definition already exists")
	}

	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition: %w", err)
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
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflow_definitions (id, tenant_id, name, description, status, version, hash, definition, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.TenantID, w.Name, w.Description, w.Status, w.Version, w.Hash, defJSON, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return w, nil
}

func (s *Postgres) Get(ctx context.Context, id, tenantID string) (*v1.Workflow, error) {
	row := s.db.QueryRow(ctx, latestWorkflowQuery+` AND id = $1 AND tenant_id = $2`, id, tenantID)
	w, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return w, nil
}

func (s *Postgres) List(ctx context.Context, tenantID string, filter WorkflowFilter) ([]*v1.Workflow, error) {
	query := latestWorkflowQuery + ` AND tenant_id = $1`
	args := []any{tenantID}
	if filter.Status != "" {
		query += ` AND status = $2`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []*v1.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateMeta(ctx context.Context, id, tenantID string, patch MetaPatch) (*v1.Workflow, error) {
	w, err := s.Get(ctx, id, tenantID)
	if err != nil {
		return nil, err
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

	_, err = s.db.Exec(ctx,
		`UPDATE workflow_definitions SET name = $1, description = $2, status = $3, updated_at = $4
		 WHERE id = $5 AND tenant_id = $6`,
		w.Name, w.Description, w.Status, w.UpdatedAt, id, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow metadata: %w", err)
	}
	return w, nil
}

func (s *Postgres) NewVersion(ctx context.Context, id, tenantID string, def v1.Definition, hash string) (*v1.Workflow, error) {
	prev, err := s.Get(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition: %w", err)
	}

	next := *prev
	next.Version = prev.Version + 1
	next.Hash = hash
	next.Definition = def
	next.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(ctx,
		`INSERT INTO workflow_definitions (id, tenant_id, name, description, status, version, hash, definition, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		next.ID, next.TenantID, next.Name, next.Description, next.Status,
		next.Version, next.Hash, defJSON, next.CreatedAt, next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow version: %w", err)
	}
	return &next, nil
}

func (s *Postgres) Delete(ctx context.Context, id, tenantID string) error {
	var live bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM workflow_executions
			WHERE workflow_id = $1 AND tenant_id = $2
			  AND status IN ('PENDING', 'RUNNING', 'PAUSED', 'CANCELLING')
		 )`, id, tenantID).Scan(&live)
	if err != nil {
		return fmt.Errorf("failed to check live executions: %w", err)
	}
	if live {
		return apperrors.Conflict("workflow has executions that are pending, running, or paused")
	}

	tag, err := s.db.Exec(ctx,
		`DELETE FROM workflow_definitions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("workflow", id)
	}
	return nil
}

func (s *Postgres) CreateExecution(ctx context.Context, tenantID, workflowID string, version int, hash string, triggerContext map[string]any) (*v1.Execution, error) {
	var ctxJSON []byte
	if triggerContext != nil {
		var err error
		ctxJSON, err = json.Marshal(triggerContext)
		if err != nil {
			return nil, fmt.Errorf("failed to encode trigger context: %w", err)
		}
	}

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
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflow_executions (id, tenant_id, workflow_id, workflow_version, workflow_hash, status, trigger_context, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.TenantID, e.WorkflowID, e.WorkflowVersion, e.WorkflowHash, e.Status, ctxJSON, e.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	return e, nil
}

func scanExecution(row pgx.Row) (*v1.Execution, error) {
	var e v1.Execution
	var ctxJSON []byte
	err := row.Scan(&e.ID, &e.TenantID, &e.WorkflowID, &e.WorkflowVersion, &e.WorkflowHash,
		&e.Status, &e.CurrentStepID, &e.ErrorMessage, &ctxJSON, &e.StartedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &e.TriggerContext); err != nil {
			return nil, fmt.Errorf("failed to decode trigger context: %w", err)
		}
	}
	return &e, nil
}

const executionColumns = `id, tenant_id, workflow_id, workflow_version, workflow_hash,
	status, current_step_id, error_message, trigger_context, started_at, completed_at`

func (s *Postgres) GetExecution(ctx context.Context, executionID, tenantID string) (*v1.Execution, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1 AND tenant_id = $2`,
		executionID, tenantID)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("execution", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

func (s *Postgres) UpdateExecution(ctx context.Context, executionID string, patch ExecutionPatch) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1 FOR UPDATE`,
			executionID)
		e, err := scanExecution(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("execution", executionID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock execution: %w", err)
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

		_, err = tx.Exec(ctx,
			`UPDATE workflow_executions
			 SET status = $1, current_step_id = $2, error_message = $3, completed_at = $4
			 WHERE id = $5`,
			e.Status, e.CurrentStepID, e.ErrorMessage, e.CompletedAt, executionID)
		if err != nil {
			return fmt.Errorf("failed to update execution: %w", err)
		}
		return nil
	})
}

func (s *Postgres) ListExecutionsByWorkflow(ctx context.Context, workflowID, tenantID string) ([]*v1.Execution, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions
		 WHERE workflow_id = $1 AND tenant_id = $2 ORDER BY started_at ASC`,
		workflowID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*v1.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) RecordAttempt(ctx context.Context, attempt *v1.ActivityAttempt) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO activity_executions
			(execution_id, tenant_id, step_id, activity_type, attempt, status, output, error_message, error_retryable, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (execution_id, step_id, attempt) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error_message = EXCLUDED.error_message,
			error_retryable = EXCLUDED.error_retryable,
			completed_at = EXCLUDED.completed_at`,
		attempt.ExecutionID, attempt.TenantID, attempt.StepID, attempt.ActivityType,
		attempt.Attempt, attempt.Status, []byte(attempt.Output), attempt.ErrorMessage,
		attempt.ErrorRetryable, attempt.StartedAt, attempt.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

func (s *Postgres) ListAttempts(ctx context.Context, executionID string) ([]*v1.ActivityAttempt, error) {
	rows, err := s.db.Query(ctx,
		`SELECT execution_id, tenant_id, step_id, activity_type, attempt, status, output, error_message, error_retryable, started_at, completed_at
		 FROM activity_executions WHERE execution_id = $1 ORDER BY started_at ASC, attempt ASC`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var out []*v1.ActivityAttempt
	for rows.Next() {
		var a v1.ActivityAttempt
		var output []byte
		if err := rows.Scan(&a.ExecutionID, &a.TenantID, &a.StepID, &a.ActivityType,
			&a.Attempt, &a.Status, &output, &a.ErrorMessage, &a.ErrorRetryable,
			&a.StartedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Output = output
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendEvent(ctx context.Context, event *v1.ExecutionEvent) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var payload []byte
	if event.Payload != nil {
		var err error
		payload, err = json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO execution_events (execution_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4)`,
		event.ExecutionID, event.Type, payload, ts)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Postgres) ListEvents(ctx context.Context, executionID string) ([]*v1.ExecutionEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT execution_id, event_type, payload, created_at
		 FROM execution_events WHERE execution_id = $1 ORDER BY created_at ASC, id ASC`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*v1.ExecutionEvent
	for rows.Next() {
		var e v1.ExecutionEvent
		var payload []byte
		if err := rows.Scan(&e.ExecutionID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Postgres) AggregatorInstance(ctx context.Context, id, tenantID string) (*v1.AggregatorInstance, error) {
	var inst v1.AggregatorInstance
	var caps []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, name, capabilities, credential_ref, created_at
		 FROM aggregator_instances WHERE id = $1 AND tenant_id = $2`,
		id, tenantID).Scan(&inst.ID, &inst.TenantID, &inst.Name, &caps, &inst.CredentialRef, &inst.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("aggregator instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregator instance: %w", err)
	}
	if err := json.Unmarshal(caps, &inst.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	return &inst, nil
}

func (s *Postgres) FieldMapping(ctx context.Context, id, tenantID string) (*v1.FieldMapping, error) {
	var fm v1.FieldMapping
	var rules []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, name, rules FROM field_mappings WHERE id = $1 AND tenant_id = $2`,
		id, tenantID).Scan(&fm.ID, &fm.TenantID, &fm.Name, &rules)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("field mapping", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get field mapping: %w", err)
	}
	if err := json.Unmarshal(rules, &fm.Rules); err != nil {
		return nil, fmt.Errorf("failed to decode mapping rules: %w", err)
	}
	return &fm, nil
}

func (s *Postgres) ConnectorsByTenant(ctx context.Context, tenantID string, connectorType v1.ConnectorType) ([]*v1.Connector, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, name, connector_type, api_key_hash, created_at
		 FROM connectors WHERE tenant_id = $1 AND connector_type = $2 ORDER BY id`,
		tenantID, connectorType)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	defer rows.Close()

	var out []*v1.Connector
	for rows.Next() {
		var c v1.Connector
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Type, &c.APIKeyHash, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connector: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

var _ Store = (*Postgres)(nil)
