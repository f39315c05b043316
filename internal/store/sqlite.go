package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// SQLite is a file-backed Store for single-node and development deployments.
type SQLite struct {
	db *sqlx.DB
}

// NewSQLite opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for an ephemeral store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_definitions (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'DRAFT',
		version INTEGER NOT NULL DEFAULT 1,
		hash TEXT NOT NULL,
		definition TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (id, version)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_tenant_hash
		ON workflow_definitions (tenant_id, hash);

	CREATE TABLE IF NOT EXISTS workflow_executions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		workflow_version INTEGER NOT NULL,
		workflow_hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		current_step_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		trigger_context TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_execution_workflow
		ON workflow_executions (workflow_id, tenant_id);

	CREATE TABLE IF NOT EXISTS activity_executions (
		execution_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		output TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		error_retryable INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		PRIMARY KEY (execution_id, step_id, attempt)
	);

	CREATE TABLE IF NOT EXISTS execution_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_execution
		ON execution_events (execution_id, created_at, id);

	CREATE TABLE IF NOT EXISTS connectors (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		connector_type TEXT NOT NULL,
		api_key_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS aggregator_instances (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		credential_ref TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS field_mappings (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		rules TEXT NOT NULL DEFAULT '[]'
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

type workflowRow struct {
	ID          string    `db:"id"`
	TenantID    string    `db:"tenant_id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Status      string    `db:"status"`
	Version     int       `db:"version"`
	Hash        string    `db:"hash"`
	Definition  string    `db:"definition"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r workflowRow) toWorkflow() (*v1.Workflow, error) {
	w := &v1.Workflow{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Name:        r.Name,
		Description: r.Description,
		Status:      v1.WorkflowStatus(r.Status),
		Version:     r.Version,
		Hash:        r.Hash,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Definition), &w.Definition); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	return w, nil
}

const sqliteLatestWorkflow = `
	SELECT id, tenant_id, name, description, status, version, hash, definition, created_at, updated_at
	FROM workflow_definitions w
	WHERE version = (SELECT MAX(version) FROM workflow_definitions WHERE id = w.id)`

func (s *SQLite) Create(ctx context.Context, tenantID, name, description string, def v1.Definition, hash string) (*v1.Workflow, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(1) FROM workflow_definitions WHERE tenant_id = ? AND hash = ?`, tenantID, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to check workflow hash: %w", err)
	}
	if count > 0 {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, tenant_id, name, description, status, version, hash, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.TenantID, w.Name, w.Description, w.Status, w.Version, w.Hash, string(defJSON), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return w, nil
}

func (s *SQLite) Get(ctx context.Context, id, tenantID string) (*v1.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, sqliteLatestWorkflow+` AND id = ? AND tenant_id = ?`, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return row.toWorkflow()
}

func (s *SQLite) List(ctx context.Context, tenantID string, filter WorkflowFilter) ([]*v1.Workflow, error) {
	query := sqliteLatestWorkflow + ` AND tenant_id = ?`
	args := []any{tenantID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	var rows []workflowRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	out := make([]*v1.Workflow, 0, len(rows))
	for _, r := range rows {
		w, err := r.toWorkflow()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *SQLite) UpdateMeta(ctx context.Context, id, tenantID string, patch MetaPatch) (*v1.Workflow, error) {
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

	_, err = s.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET name = ?, description = ?, status = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ?`,
		w.Name, w.Description, w.Status, w.UpdatedAt, id, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow metadata: %w", err)
	}
	return w, nil
}

func (s *SQLite) NewVersion(ctx context.Context, id, tenantID string, def v1.Definition, hash string) (*v1.Workflow, error) {
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, tenant_id, name, description, status, version, hash, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		next.ID, next.TenantID, next.Name, next.Description, next.Status,
		next.Version, next.Hash, string(defJSON), next.CreatedAt, next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow version: %w", err)
	}
	return &next, nil
}

func (s *SQLite) Delete(ctx context.Context, id, tenantID string) error {
	var live int
	err := s.db.GetContext(ctx, &live,
		`SELECT COUNT(1) FROM workflow_executions
		 WHERE workflow_id = ? AND tenant_id = ?
		   AND status IN ('PENDING', 'RUNNING', 'PAUSED', 'CANCELLING')`,
		id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to check live executions: %w", err)
	}
	if live > 0 {
		return apperrors.Conflict("workflow has executions that are pending, running, or paused")
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_definitions WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("workflow", id)
	}
	return nil
}

type executionRow struct {
	ID              string         `db:"id"`
	TenantID        string         `db:"tenant_id"`
	WorkflowID      string         `db:"workflow_id"`
	WorkflowVersion int            `db:"workflow_version"`
	WorkflowHash    string         `db:"workflow_hash"`
	Status          string         `db:"status"`
	CurrentStepID   string         `db:"current_step_id"`
	ErrorMessage    string         `db:"error_message"`
	TriggerContext  sql.NullString `db:"trigger_context"`
	StartedAt       time.Time      `db:"started_at"`
	CompletedAt     *time.Time     `db:"completed_at"`
}

func (r executionRow) toExecution() (*v1.Execution, error) {
	e := &v1.Execution{
		ID:              r.ID,
		TenantID:        r.TenantID,
		WorkflowID:      r.WorkflowID,
		WorkflowVersion: r.WorkflowVersion,
		WorkflowHash:    r.WorkflowHash,
		Status:          v1.ExecutionStatus(r.Status),
		CurrentStepID:   r.CurrentStepID,
		ErrorMessage:    r.ErrorMessage,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
	if r.TriggerContext.Valid && r.TriggerContext.String != "" {
		if err := json.Unmarshal([]byte(r.TriggerContext.String), &e.TriggerContext); err != nil {
			return nil, fmt.Errorf("failed to decode trigger context: %w", err)
		}
	}
	return e, nil
}

func (s *SQLite) CreateExecution(ctx context.Context, tenantID, workflowID string, version int, hash string, triggerContext map[string]any) (*v1.Execution, error) {
	var ctxJSON *string
	if triggerContext != nil {
		data, err := json.Marshal(triggerContext)
		if err != nil {
			return nil, fmt.Errorf("failed to encode trigger context: %w", err)
		}
		str := string(data)
		ctxJSON = &str
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, tenant_id, workflow_id, workflow_version, workflow_hash, status, trigger_context, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.WorkflowID, e.WorkflowVersion, e.WorkflowHash, e.Status, ctxJSON, e.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	return e, nil
}

func (s *SQLite) GetExecution(ctx context.Context, executionID, tenantID string) (*v1.Execution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM workflow_executions WHERE id = ? AND tenant_id = ?`, executionID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("execution", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return row.toExecution()
}

func (s *SQLite) UpdateExecution(ctx context.Context, executionID string, patch ExecutionPatch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row executionRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM workflow_executions WHERE id = ?`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("execution", executionID)
	}
	if err != nil {
		return fmt.Errorf("failed to load execution: %w", err)
	}
	e, err := row.toExecution()
	if err != nil {
		return err
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

	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_executions
		 SET status = ?, current_step_id = ?, error_message = ?, completed_at = ?
		 WHERE id = ?`,
		e.Status, e.CurrentStepID, e.ErrorMessage, e.CompletedAt, executionID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) ListExecutionsByWorkflow(ctx context.Context, workflowID, tenantID string) ([]*v1.Execution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM workflow_executions WHERE workflow_id = ? AND tenant_id = ? ORDER BY started_at ASC`,
		workflowID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	out := make([]*v1.Execution, 0, len(rows))
	for _, r := range rows {
		e, err := r.toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLite) RecordAttempt(ctx context.Context, attempt *v1.ActivityAttempt) error {
	var output *string
	if len(attempt.Output) > 0 {
		str := string(attempt.Output)
		output = &str
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_executions
			(execution_id, tenant_id, step_id, activity_type, attempt, status, output, error_message, error_retryable, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (execution_id, step_id, attempt) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error_message = excluded.error_message,
			error_retryable = excluded.error_retryable,
			completed_at = excluded.completed_at`,
		attempt.ExecutionID, attempt.TenantID, attempt.StepID, attempt.ActivityType,
		attempt.Attempt, attempt.Status, output, attempt.ErrorMessage,
		attempt.ErrorRetryable, attempt.StartedAt, attempt.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

type attemptRow struct {
	ExecutionID    string         `db:"execution_id"`
	TenantID       string         `db:"tenant_id"`
	StepID         string         `db:"step_id"`
	ActivityType   string         `db:"activity_type"`
	Attempt        int            `db:"attempt"`
	Status         string         `db:"status"`
	Output         sql.NullString `db:"output"`
	ErrorMessage   string         `db:"error_message"`
	ErrorRetryable bool           `db:"error_retryable"`
	StartedAt      time.Time      `db:"started_at"`
	CompletedAt    *time.Time     `db:"completed_at"`
}

func (s *SQLite) ListAttempts(ctx context.Context, executionID string) ([]*v1.ActivityAttempt, error) {
	var rows []attemptRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM activity_executions WHERE execution_id = ? ORDER BY started_at ASC, attempt ASC`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	out := make([]*v1.ActivityAttempt, 0, len(rows))
	for _, r := range rows {
		a := &v1.ActivityAttempt{
			ExecutionID:    r.ExecutionID,
			TenantID:       r.TenantID,
			StepID:         r.StepID,
			ActivityType:   v1.ActivityType(r.ActivityType),
			Attempt:        r.Attempt,
			Status:         v1.AttemptStatus(r.Status),
			ErrorMessage:   r.ErrorMessage,
			ErrorRetryable: r.ErrorRetryable,
			StartedAt:      r.StartedAt,
			CompletedAt:    r.CompletedAt,
		}
		if r.Output.Valid {
			a.Output = json.RawMessage(r.Output.String)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLite) AppendEvent(ctx context.Context, event *v1.ExecutionEvent) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var payload *string
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
		str := string(data)
		payload = &str
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		event.ExecutionID, event.Type, payload, ts)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *SQLite) ListEvents(ctx context.Context, executionID string) ([]*v1.ExecutionEvent, error) {
	type eventRow struct {
		ID          int64          `db:"id"`
		ExecutionID string         `db:"execution_id"`
		EventType   string         `db:"event_type"`
		Payload     sql.NullString `db:"payload"`
		CreatedAt   time.Time      `db:"created_at"`
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM execution_events WHERE execution_id = ? ORDER BY created_at ASC, id ASC`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	out := make([]*v1.ExecutionEvent, 0, len(rows))
	for _, r := range rows {
		e := &v1.ExecutionEvent{
			ExecutionID: r.ExecutionID,
			Type:        v1.EventType(r.EventType),
			Timestamp:   r.CreatedAt,
		}
		if r.Payload.Valid && r.Payload.String != "" {
			if err := json.Unmarshal([]byte(r.Payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLite) AggregatorInstance(ctx context.Context, id, tenantID string) (*v1.AggregatorInstance, error) {
	type row struct {
		ID            string    `db:"id"`
		TenantID      string    `db:"tenant_id"`
		Name          string    `db:"name"`
		Capabilities  string    `db:"capabilities"`
		CredentialRef string    `db:"credential_ref"`
		CreatedAt     time.Time `db:"created_at"`
	}
	var r row
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM aggregator_instances WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("aggregator instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregator instance: %w", err)
	}
	inst := &v1.AggregatorInstance{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Name:          r.Name,
		CredentialRef: r.CredentialRef,
		CreatedAt:     r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.Capabilities), &inst.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	return inst, nil
}

func (s *SQLite) FieldMapping(ctx context.Context, id, tenantID string) (*v1.FieldMapping, error) {
	type row struct {
		ID       string `db:"id"`
		TenantID string `db:"tenant_id"`
		Name     string `db:"name"`
		Rules    string `db:"rules"`
	}
	var r row
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM field_mappings WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("field mapping", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get field mapping: %w", err)
	}
	fm := &v1.FieldMapping{ID: r.ID, TenantID: r.TenantID, Name: r.Name}
	if err := json.Unmarshal([]byte(r.Rules), &fm.Rules); err != nil {
		return nil, fmt.Errorf("failed to decode mapping rules: %w", err)
	}
	return fm, nil
}

func (s *SQLite) ConnectorsByTenant(ctx context.Context, tenantID string, connectorType v1.ConnectorType) ([]*v1.Connector, error) {
	type row struct {
		ID            string    `db:"id"`
		TenantID      string    `db:"tenant_id"`
		Name          string    `db:"name"`
		ConnectorType string    `db:"connector_type"`
		APIKeyHash    string    `db:"api_key_hash"`
		CreatedAt     time.Time `db:"created_at"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM connectors WHERE tenant_id = ? AND connector_type = ? ORDER BY id`,
		tenantID, connectorType)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	out := make([]*v1.Connector, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.Connector{
			ID:         r.ID,
			TenantID:   r.TenantID,
			Name:       r.Name,
			Type:       v1.ConnectorType(r.ConnectorType),
			APIKeyHash: r.APIKeyHash,
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

var _ Store = (*SQLite)(nil)
