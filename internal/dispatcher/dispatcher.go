// Package dispatcher routes activity execution to the handler for the
// activity's kind and normalises handler results into output envelopes the
// orchestrator persists verbatim.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	"github.com/vectormesh/vectormesh/internal/store"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

const defaultLoadBatchSize = 1000

// AgentCommander is the gateway surface the dispatcher needs: send a command
// to a tenant's remote agent and await the correlated response.
type AgentCommander interface {
	DispatchCommandAndWait(ctx context.Context, tenantID, connectorID, operation string, payload map[string]any, timeout time.Duration) (map[string]any, error)
}

// Task is one (execution, step, activity) unit handed over by the
// orchestrator. StepOutputs carries the deserialised output of every
// completed upstream step keyed by step id; the readiness predicate
// guarantees all dependencies are present.
type Task struct {
	Execution   *v1.Execution
	Definition  *v1.Definition
	Step        v1.Step
	Activity    v1.Activity
	StepOutputs map[string]any
}

// Dispatcher executes activities. All collaborators are interfaces so tests
// can substitute fakes.
type Dispatcher struct {
	resources      store.ResourceStore
	sandbox        ExpressionSandbox
	driver         ConnectorDriver
	agents         AgentCommander
	sandboxTimeout time.Duration
	agentTimeout   time.Duration
	logger         *logger.Logger
}

// New creates a dispatcher.
func New(resources store.ResourceStore, sandbox ExpressionSandbox, driver ConnectorDriver, agents AgentCommander, sandboxTimeout, agentTimeout time.Duration, log *logger.Logger) *Dispatcher {
	if sandboxTimeout <= 0 {
		sandboxTimeout = 30 * time.Second
	}
	if agentTimeout <= 0 {
		agentTimeout = 30 * time.Second
	}
	return &Dispatcher{
		resources:      resources,
		sandbox:        sandbox,
		driver:         driver,
		agents:         agents,
		sandboxTimeout: sandboxTimeout,
		agentTimeout:   agentTimeout,
		logger:         log,
	}
}

// Dispatch runs the task's activity and returns its output envelope. Errors
// are always *errors.HandlerError; the Retryable flag drives the
// orchestrator's retry schedule.
func (d *Dispatcher) Dispatch(ctx context.Context, task *Task) (any, *apperrors.HandlerError) {
	d.logger.Debug("dispatching activity",
		zap.String("execution_id", task.Execution.ID),
		zap.String("step_id", task.Step.ID),
		zap.String("activity_type", string(task.Activity.Type)))

	switch task.Activity.Type {
	case v1.ActivityTypeExtract:
		return d.runExtract(ctx, task, apperrors.CodeExtractError)
	case v1.ActivityTypeCloudConnectorSource:
		return d.runExtract(ctx, task, apperrors.CodeSDKExtractError)
	case v1.ActivityTypeTransform:
		return d.runTransform(ctx, task)
	case v1.ActivityTypeLoad:
		return d.runLoad(ctx, task, apperrors.CodeLoadError, apperrors.CodeLoadPartialFailure)
	case v1.ActivityTypeCloudConnectorSink:
		return d.runLoad(ctx, task, apperrors.CodeLoadError, apperrors.CodeSDKLoadPartialFailure)
	case v1.ActivityTypeFilter:
		return d.runFilter(ctx, task)
	case v1.ActivityTypeJoin:
		return d.runJoin(ctx, task)
	case v1.ActivityTypeMiniConnectorSource:
		return d.runMiniConnectorSource(ctx, task)
	default:
		return nil, apperrors.NewHandlerError("DISPATCH_ERROR",
			fmt.Sprintf("unknown activity type %q", task.Activity.Type), false)
	}
}

func decodeConfig[T any](raw json.RawMessage) (*T, error) {
	var cfg T
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("invalid activity config: %w", err)
	}
	return &cfg, nil
}

// classify maps an arbitrary collaborator error onto a HandlerError with the
// given handler code, preserving the retryable class of the underlying error.
func classify(code string, err error) *apperrors.HandlerError {
	if he, ok := err.(*apperrors.HandlerError); ok {
		return &apperrors.HandlerError{
			Code:      code,
			Message:   he.Message,
			Retryable: he.Retryable || apperrors.RetryableClass(he.Code),
			Details:   he.Details,
		}
	}
	if ge, ok := err.(*apperrors.GatewayError); ok {
		retryable := ge.Code == apperrors.CodeCommandTimeout || ge.Code == apperrors.CodeNoSession
		return &apperrors.HandlerError{Code: code, Message: ge.Message, Retryable: retryable}
	}
	return apperrors.NewHandlerError(code, err.Error(), false)
}

// firstInput returns the output of the first upstream dependency.
func (t *Task) firstInput() (any, bool) {
	for _, dep := range t.Step.DependsOn {
		if out, ok := t.StepOutputs[dep]; ok {
			return out, true
		}
	}
	return nil, false
}

// inputByActivityID resolves the output of the upstream step owning the
// given activity.
func (t *Task) inputByActivityID(activityID string) (any, bool) {
	for _, step := range t.Definition.Steps {
		if step.ActivityID != activityID {
			continue
		}
		if out, ok := t.StepOutputs[step.ID]; ok {
			return out, true
		}
	}
	return nil, false
}

func (t *Task) upstreamActivity(stepID string) (*v1.Activity, bool) {
	for _, step := range t.Definition.Steps {
		if step.ID != stepID {
			continue
		}
		for i := range t.Definition.Activities {
			if t.Definition.Activities[i].ID == step.ActivityID {
				return &t.Definition.Activities[i], true
			}
		}
	}
	return nil, false
}

// asRows unwraps a step output into its row array. Envelopes ({data:[...]})
// are unwrapped; bare arrays pass through; anything else becomes a
// single-element array.
func asRows(value any) []any {
	switch v := value.(type) {
	case []any:
		return v
	case []map[string]any:
		out := make([]any, len(v))
		for i, row := range v {
			out[i] = row
		}
		return out
	case map[string]any:
		if data, ok := v["data"]; ok {
			if rows, ok := data.([]any); ok {
				return rows
			}
		}
		return []any{v}
	case nil:
		return nil
	default:
		return []any{v}
	}
}

// asRowMaps narrows rows to objects, dropping anything that is not one.
func asRowMaps(value any) []map[string]any {
	rows := asRows(value)
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		if m, ok := r.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func sourceEnvelope(rows []map[string]any, table string, columns []string) map[string]any {
	if len(columns) == 0 && len(rows) > 0 {
		for col := range rows[0] {
			columns = append(columns, col)
		}
	}
	data := make([]any, len(rows))
	for i, r := range rows {
		data[i] = r
	}
	return map[string]any{
		"data":     data,
		"rowCount": len(rows),
		"columns":  columns,
		"_sourceMetadata": map[string]any{
			"tableName": table,
			"columns":   columns,
		},
	}
}

func (d *Dispatcher) runExtract(ctx context.Context, task *Task, code string) (any, *apperrors.HandlerError) {
	cfg, err := decodeConfig[v1.ExtractConfig](task.Activity.Config)
	if err != nil {
		return nil, apperrors.NewHandlerError(code, err.Error(), false)
	}
	if cfg.AggregatorInstanceID == "" || cfg.Table == "" {
		return nil, apperrors.NewHandlerError(code, "aggregatorInstanceId and table are required", false)
	}

	instance, err := d.resources.AggregatorInstance(ctx, cfg.AggregatorInstanceID, task.Execution.TenantID)
	if err != nil {
		return nil, apperrors.NewHandlerError(code,
			fmt.Sprintf("aggregator instance %s not found for tenant", cfg.AggregatorInstanceID), false)
	}

	rows, err := d.driver.Query(ctx, instance, QueryRequest{
		Table:   cfg.Table,
		Columns: cfg.Columns,
		Where:   cfg.Where,
		Limit:   cfg.Limit,
		OrderBy: cfg.OrderBy,
	})
	if err != nil {
		return nil, classify(code, err)
	}
	return sourceEnvelope(rows, cfg.Table, cfg.Columns), nil
}

func (d *Dispatcher) runTransform(ctx context.Context, task *Task) (any, *apperrors.HandlerError) {
	cfg, err := decodeConfig[v1.TransformConfig](task.Activity.Config)
	if err != nil {
		return nil, apperrors.NewHandlerError(apperrors.CodeTransformError, err.Error(), false)
	}
	if cfg.Code == "" {
		return nil, apperrors.NewHandlerError(apperrors.CodeTransformError, "code is required", false)
	}

	input, _ := task.firstInput()
	result, err := d.sandbox.Evaluate(ctx, cfg.Code, map[string]any{"data": asRows(input)}, d.sandboxTimeout)
	if err != nil {
		return nil, apperrors.NewHandlerError(apperrors.CodeTransformError, err.Error(), false)
	}
	return result, nil
}

func (d *Dispatcher) runFilter(ctx context.Context, task *Task) (any, *apperrors.HandlerError) {
	cfg, err := decodeConfig[v1.FilterConfig](task.Activity.Config)
	if err != nil {
		return nil, apperrors.NewHandlerError(apperrors.CodeFilterError, err.Error(), false)
	}
	if cfg.Condition == "" {
		return nil, apperrors.NewHandlerError(apperrors.CodeFilterError, "condition is required", false)
	}

	var input any
	if cfg.InputActivityID != "" {
		input, _ = task.inputByActivityID(cfg.InputActivityID)
	} else {
		input, _ = task.firstInput()
	}
	rows := asRows(input)

	filtered := make([]any, 0, len(rows))
	for _, row := range rows {
		result, err := d.sandbox.Evaluate(ctx, cfg.Condition,
			map[string]any{"row": row, "data": rows}, d.sandboxTimeout)
		if err != nil {
			return nil, apperrors.NewHandlerError(apperrors.CodeFilterError, err.Error(), false)
		}
		// The condition may return the filtered array itself instead of a
		// row-wise predicate.
		if arr, ok := result.([]any); ok {
			filtered = arr
			break
		}
		if keep, ok := result.(bool); ok && keep {
			filtered = append(filtered, row)
		}
	}

	return map[string]any{
		"data":         filtered,
		"rowCount":     len(filtered),
		"rowsFiltered": len(rows) - len(filtered),
	}, nil
}

func (d *Dispatcher) runJoin(ctx context.Context, task *Task) (any, *apperrors.HandlerError) {
	cfg, err := decodeConfig[v1.JoinConfig](task.Activity.Config)
	if err != nil {
		return nil, apperrors.NewHandlerError(apperrors.CodeJoinError, err.Error(), false)
	}
	if cfg.LeftActivityID == "" || cfg.RightActivityID == "" || cfg.JoinKey == "" {
		return nil, apperrors.NewHandlerError(apperrors.CodeJoinError,
			"leftActivityId, rightActivityId and joinKey are required", false)
	}
	rightKey := cfg.RightKey
	if rightKey == "" {
		rightKey = cfg.JoinKey
	}

	leftInput, ok := task.inputByActivityID(cfg.LeftActivityID)
	if !ok {
		return nil, apperrors.NewHandlerError(apperrors.CodeJoinError,
			fmt.Sprintf("no upstream output for activity %s", cfg.LeftActivityID), false)
	}
	rightInput, ok := task.inputByActivityID(cfg.RightActivityID)
	if !ok {
		return nil, apperrors.NewHandlerError(apperrors.CodeJoinError,
			fmt.Sprintf("no upstream output for activity %s", cfg.RightActivityID), false)
	}
	left := asRowMaps(leftInput)
	right := asRowMaps(rightInput)

	// Hash multi-map on the right side; rows lacking every key column are
	// excluded so absent keys never match each other.
	index := map[string][]int{}
	for i, row := range right {
		if key, ok := joinKeyValue(row, rightKey); ok {
			index[key] = append(index[key], i)
		}
	}

	matchedRight := make([]bool, len(right))
	var out []map[string]any
	for _, lrow := range left {
		key, hasKey := joinKeyValue(lrow, cfg.JoinKey)
		matches := index[key]
		if hasKey && len(matches) > 0 {
			for _, ri := range matches {
				matchedRight[ri] = true
				merged := make(map[string]any, len(lrow)+len(right[ri]))
				for k, v := range lrow {
					merged[k] = v
				}
				for k, v := range right[ri] {
					merged[k] = v
				}
				out = append(out, merged)
			}
			continue
		}
		if cfg.Type == v1.JoinLeft || cfg.Type == v1.JoinFull {
			out = append(out, lrow)
		}
	}
	if cfg.Type == v1.JoinRight || cfg.Type == v1.JoinFull {
		for i, rrow := range right {
			if !matchedRight[i] {
				out = append(out, rrow)
			}
		}
	}

	data := make([]any, len(out))
	for i, r := range out {
		data[i] = r
	}
	return map[string]any{"data": data, "rowCount": len(out)}, nil
}

// joinKeyValue builds the composite key for a row. Multi-column keys are
// comma separated in config and joined with '|' in the key, values coerced
// to strings.
func joinKeyValue(row map[string]any, keySpec string) (string, bool) {
	cols := strings.Split(keySpec, ",")
	parts := make([]string, 0, len(cols))
	found := false
	for _, col := range cols {
		col = strings.TrimSpace(col)
		if v, ok := row[col]; ok && v != nil {
			parts = append(parts, fmt.Sprint(v))
			found = true
		} else {
			parts = append(parts, "")
		}
	}
	return strings.Join(parts, "|"), found
}

func (d *Dispatcher) runLoad(ctx context.Context, task *Task, code, partialCode string) (any, *apperrors.HandlerError) {
	cfg, err := decodeConfig[v1.LoadConfig](task.Activity.Config)
	if err != nil {
		return nil, apperrors.NewHandlerError(code, err.Error(), false)
	}

	table := d.resolveLoadTarget(task, cfg)
	if table == "" {
		return nil, apperrors.NewHandlerError(code, "table required", false)
	}

	instanceID := cfg.AggregatorInstanceID
	if instanceID == "" {
		instanceID = cfg.SDKID
	}
	if instanceID == "" {
		return nil, apperrors.NewHandlerError(code, "aggregatorInstanceId or sdkId is required", false)
	}
	instance, err := d.resources.AggregatorInstance(ctx, instanceID, task.Execution.TenantID)
	if err != nil {
		return nil, apperrors.NewHandlerError(code,
			fmt.Sprintf("aggregator instance %s not found for tenant", instanceID), false)
	}

	input, _ := task.firstInput()
	rows := asRowMaps(input)

	if cfg.MappingID != "" {
		mapping, err := d.resources.FieldMapping(ctx, cfg.MappingID, task.Execution.TenantID)
		if err != nil {
			return nil, apperrors.NewHandlerError(code,
				fmt.Sprintf("field mapping %s not found for tenant", cfg.MappingID), false)
		}
		rows = applyMappingRules(mapping.Rules, rows)
	}
	rows = applyColumnMappings(cfg.ColumnMappings, rows)

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultLoadBatchSize
	}
	mode := cfg.Mode
	if mode == "" {
		mode = v1.LoadModeInsert
	}

	result, err := d.driver.Load(ctx, instance, LoadRequest{
		Table:              table,
		Mode:               mode,
		ConflictKey:        cfg.ConflictKey,
		ConflictResolution: cfg.ConflictResolution,
		BatchSize:          batchSize,
		Rows:               rows,
	})
	if err != nil {
		return nil, classify(code, err)
	}

	output := map[string]any{
		"rowsProcessed": result.RowsProcessed,
		"rowsLoaded":    result.RowsLoaded,
		"rowsFailed":    result.RowsFailed,
	}
	if len(result.Warnings) > 0 {
		output["warnings"] = result.Warnings
	}

	if result.RowsFailed > 0 {
		he := apperrors.NewHandlerError(partialCode,
			fmt.Sprintf("%d of %d rows failed to load", result.RowsFailed, result.RowsProcessed), false)
		he.Details = output
		return nil, he
	}
	return output, nil
}

/// resolveLoadTarget resolves the destination table: explicit config first,
// then configured sourceMetadata, then upstream output envelopes, then the
// upstream source activity's own config.
func (d *Dispatcher) resolveLoadTarget(task *Task, cfg *v1.LoadConfig) string {
	if cfg.Table != "" {
		return cfg.Table
	}
	if cfg.SourceMetadata != nil && cfg.SourceMetadata.TableName != "" {
		return cfg.SourceMetadata.TableName
	}

	for _, dep := range task.Step.DependsOn {
		out, ok := task.StepOutputs[dep]
		if !ok {
			continue
		}
		if env, ok := out.(map[string]any); ok {
			if meta, ok := env["_sourceMetadata"].(map[string]any); ok {
				if table, _ := meta["tableName"].(string); table != "" {
					return table
				}
			}
		}
	}

	for _, dep := range task.Step.DependsOn {
		activity, ok := task.upstreamActivity(dep)
		if !ok {
			continue
		}
		switch activity.Type {
		case v1.ActivityTypeExtract, v1.ActivityTypeCloudConnectorSource:
			if c, err := decodeConfig[v1.ExtractConfig](activity.Config); err == nil && c.Table != "" {
				return c.Table
			}
		case v1.ActivityTypeMiniConnectorSource:
			if c, err := decodeConfig[v1.MiniConnectorSourceConfig](activity.Config); err == nil && c.Table != "" {
				return c.Table
			}
		}
	}
	return ""
}

func (d *Dispatcher) runMiniConnectorSource(ctx context.Context, task *Task) (any, *apperrors.HandlerError) {
	cfg, err := decodeConfig[v1.MiniConnectorSourceConfig](task.Activity.Config)
	if err != nil {
		return nil, apperrors.NewHandlerError(apperrors.CodeSDKExtractError, err.Error(), false)
	}
	if cfg.ConnectorID == "" || cfg.Table == "" {
		return nil, apperrors.NewHandlerError(apperrors.CodeSDKExtractError,
			"connectorId and table are required", false)
	}

	payload := map[string]any{
		"database": cfg.Database,
		"table":    cfg.Table,
		"columns":  cfg.Columns,
		"where":    cfg.Where,
		"limit":    cfg.Limit,
	}
	resp, err := d.agents.DispatchCommandAndWait(ctx, task.Execution.TenantID, cfg.ConnectorID, "query", payload, d.agentTimeout)
	if err != nil {
		return nil, classify(apperrors.CodeSDKExtractError, err)
	}

	if msg := agentErrorMessage(resp); msg != "" {
		return nil, apperrors.NewHandlerError(apperrors.CodeSDKExtractError, msg, false)
	}

	data := resp["data"]
	rows := asRows(data)
	out := map[string]any{
		"data":     rows,
		"rowCount": len(rows),
		"columns":  cfg.Columns,
		"_sourceMetadata": map[string]any{
			"tableName": cfg.Table,
			"columns":   cfg.Columns,
		},
	}
	return out, nil
}

// agentErrorMessage extracts an error carried in an agent response body,
// either at the top level or nested inside data.
func agentErrorMessage(resp map[string]any) string {
	if resp == nil {
		return ""
	}
	if e, ok := resp["error"]; ok && e != nil {
		return fmt.Sprint(e)
	}
	if data, ok := resp["data"].(map[string]any); ok {
		if e, ok := data["error"]; ok && e != nil {
			return fmt.Sprint(e)
		}
	}
	return ""
}
