// Package orchestrator drives workflow executions through the step DAG,
// recording every decision in the event log before it becomes externally
// visible.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	"github.com/vectormesh/vectormesh/internal/dispatcher"
	"github.com/vectormesh/vectormesh/internal/events"
	"github.com/vectormesh/vectormesh/internal/events/bus"
	"github.com/vectormesh/vectormesh/internal/store"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

const (
	defaultMaxAttempts = 3
	defaultRetryBase   = 5 * time.Second
)

// ActivityDispatcher runs one step's activity.
type ActivityDispatcher interface {
	Dispatch(ctx context.Context, task *dispatcher.Task) (any, *apperrors.HandlerError)
}

// Orchestrator executes workflow DAGs sequentially: one ready step at a time,
// re-reading the persisted status between steps so pause and cancel take
// effect at step boundaries.
type Orchestrator struct {
	store    store.Store
	dispatch ActivityDispatcher
	bus      bus.EventBus

	retryBase time.Duration
	sleep     func(ctx context.Context, d time.Duration) error

	logger *logger.Logger
}

// New creates an orchestrator.
func New(st store.Store, dispatch ActivityDispatcher, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		dispatch:  dispatch,
		bus:       eventBus,
		retryBase: defaultRetryBase,
		sleep:     sleepCtx,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartExecution begins traversal at the definition's first root step and
// runs the execution to a resting state (terminal, paused, or cancelled).
func (o *Orchestrator) StartExecution(ctx context.Context, exec *v1.Execution, def *v1.Definition) error {
	if err := o.appendEvent(ctx, exec.ID, exec.TenantID, v1.EventExecutionStarted, map[string]any{
		"workflowVersion": exec.WorkflowVersion,
	}); err != nil {
		return err
	}

	roots := rootSteps(def)
	if len(roots) == 0 {
		return o.failExecution(ctx, exec.ID, exec.TenantID, "workflow has no root steps")
	}

	running := v1.ExecutionStatusRunning
	current := roots[0].ID
	if err := o.store.UpdateExecution(ctx, exec.ID, store.ExecutionPatch{
		Status:        &running,
		CurrentStepID: &current,
	}); err != nil {
		return err
	}

	o.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("tenant_id", exec.TenantID),
		zap.Int("workflow_version", exec.WorkflowVersion))

	return o.runSteps(ctx, exec.ID, exec.TenantID, def)
}

// runSteps advances the execution one step at a time until it rests.
func (o *Orchestrator) runSteps(ctx context.Context, executionID, tenantID string, def *v1.Definition) error {
	for {
		proceed, err := o.processNextStep(ctx, executionID, tenantID, def)
		if err != nil || !proceed {
			return err
		}
	}
}

// processNextStep executes the current step once. It returns true when the
// traversal should continue with another step.
func (o *Orchestrator) processNextStep(ctx context.Context, executionID, tenantID string, def *v1.Definition) (bool, error) {
	exec, err := o.store.GetExecution(ctx, executionID, tenantID)
	if err != nil {
		return false, err
	}

	switch {
	case exec.Status == v1.ExecutionStatusPaused:
		return false, nil
	case exec.Status == v1.ExecutionStatusCancelling:
		return false, o.finaliseCancelled(ctx, executionID, tenantID)
	case exec.Status.IsTerminal():
		return false, nil
	}

	step, ok := findStep(def, exec.CurrentStepID)
	if !ok {
		return false, o.checkCompletion(ctx, exec, def)
	}
	activity, ok := findActivity(def, step.ActivityID)
	if !ok {
		return false, o.failExecution(ctx, executionID, tenantID, "activity "+step.ActivityID+" not found in definition")
	}

	attempts, err := o.store.ListAttempts(ctx, executionID)
	if err != nil {
		return false, err
	}
	state := store.ReconstructState(exec, attempts)
	attemptNo := store.NextAttemptNumber(attempts, step.ID)

	if err := o.appendEvent(ctx, executionID, tenantID, v1.EventStepStarted, map[string]any{
		"stepId":     step.ID,
		"activityId": activity.ID,
		"attempt":    attemptNo,
	}); err != nil {
		return false, err
	}
	started := time.Now().UTC()
	if err := o.store.RecordAttempt(ctx, &v1.ActivityAttempt{
		ExecutionID:  executionID,
		TenantID:     tenantID,
		StepID:       step.ID,
		ActivityType: activity.Type,
		Attempt:      attemptNo,
		Status:       v1.AttemptStatusRunning,
		StartedAt:    started,
	}); err != nil {
		return false, err
	}

	output, herr := o.dispatch.Dispatch(ctx, &dispatcher.Task{
		Execution:   exec,
		Definition:  def,
		Step:        *step,
		Activity:    *activity,
		StepOutputs: state.StepOutputs,
	})
	if herr != nil {
		return o.onActivityFailed(ctx, exec, step, activity, attemptNo, started, herr)
	}
	return o.onActivityCompleted(ctx, exec, def, step, activity, attemptNo, started, output, state)
}

func (o *Orchestrator) onActivityCompleted(ctx context.Context, exec *v1.Execution, def *v1.Definition, step *v1.Step, activity *v1.Activity, attemptNo int, started time.Time, output any, state *store.ExecutionState) (bool, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		raw = nil
	}
	now := time.Now().UTC()
	if err := o.store.RecordAttempt(ctx, &v1.ActivityAttempt{
		ExecutionID:  exec.ID,
		TenantID:     exec.TenantID,
		StepID:       step.ID,
		ActivityType: activity.Type,
		Attempt:      attemptNo,
		Status:       v1.AttemptStatusCompleted,
		Output:       raw,
		StartedAt:    started,
		CompletedAt:  &now,
	}); err != nil {
		return false, err
	}
	if err := o.appendEvent(ctx, exec.ID, exec.TenantID, v1.EventStepCompleted, map[string]any{
		"stepId": step.ID,
	}); err != nil {
		return false, err
	}

	completed := make(map[string]bool, len(state.CompletedSteps)+1)
	for id := range state.CompletedSteps {
		completed[id] = true
	}
	completed[step.ID] = true

	// Prefer a ready dependent of the step just finished, then any other
	// ready step; sequential traversal covers diamond fan-ins this way.
	next := nextReadyDependent(def, step.ID, completed, state.FailedSteps)
	if next == "" {
		next = anyReadyStep(def, completed, state.FailedSteps)
	}
	if next != "" {
		if err := o.store.UpdateExecution(ctx, exec.ID, store.ExecutionPatch{CurrentStepID: &next}); err != nil {
			return false, err
		}
		return true, nil
	}

	if allStepsSettled(def, completed, state.FailedSteps) {
		return false, o.completeExecution(ctx, exec.ID, exec.TenantID, completed)
	}
	return false, o.failExecution(ctx, exec.ID, exec.TenantID, "no runnable steps remain")
}

func (o *Orchestrator) onActivityFailed(ctx context.Context, exec *v1.Execution, step *v1.Step, activity *v1.Activity, attemptNo int, started time.Time, herr *apperrors.HandlerError) (bool, error) {
	now := time.Now().UTC()
	if err := o.store.RecordAttempt(ctx, &v1.ActivityAttempt{
		ExecutionID:    exec.ID,
		TenantID:       exec.TenantID,
		StepID:         step.ID,
		ActivityType:   activity.Type,
		Attempt:        attemptNo,
		Status:         v1.AttemptStatusFailed,
		ErrorMessage:   herr.Message,
		ErrorRetryable: herr.Retryable,
		StartedAt:      started,
		CompletedAt:    &now,
	}); err != nil {
		return false, err
	}
	if err := o.appendEvent(ctx, exec.ID, exec.TenantID, v1.EventStepFailed, map[string]any{
		"stepId":    step.ID,
		"error":     herr.Message,
		"code":      herr.Code,
		"retryable": herr.Retryable,
	}); err != nil {
		return false, err
	}

	if !herr.Retryable {
		return false, o.failExecution(ctx, exec.ID, exec.TenantID, herr.Message)
	}

	maxAttempts := activity.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if attemptNo >= maxAttempts {
		return false, o.failExecution(ctx, exec.ID, exec.TenantID, herr.Message)
	}

	// Exponential backoff from the base delay; the step stays current so the
	// next pass retries it.
	delay := o.retryBase << (attemptNo - 1)
	if err := o.appendEvent(ctx, exec.ID, exec.TenantID, v1.EventActivityRetry, map[string]any{
		"stepId":      step.ID,
		"attempt":     attemptNo,
		"nextAttempt": attemptNo + 1,
		"delayMs":     delay.Milliseconds(),
	}); err != nil {
		return false, err
	}
	o.logger.Info("retrying step",
		zap.String("execution_id", exec.ID),
		zap.String("step_id", step.ID),
		zap.Int("attempt", attemptNo),
		zap.Duration("delay", delay))

	if err := o.sleep(ctx, delay); err != nil {
		return false, err
	}
	return true, nil
}

// checkCompletion handles the case where the current step pointer is empty or
// dangling: complete if everything settled, else resume at any ready step.
func (o *Orchestrator) checkCompletion(ctx context.Context, exec *v1.Execution, def *v1.Definition) error {
	attempts, err := o.store.ListAttempts(ctx, exec.ID)
	if err != nil {
		return err
	}
	state := store.ReconstructState(exec, attempts)

	if allStepsSettled(def, state.CompletedSteps, state.FailedSteps) {
		return o.completeExecution(ctx, exec.ID, exec.TenantID, state.CompletedSteps)
	}
	next := anyReadyStep(def, state.CompletedSteps, state.FailedSteps)
	if next == "" {
		return o.failExecution(ctx, exec.ID, exec.TenantID, "no runnable steps remain")
	}
	if err := o.store.UpdateExecution(ctx, exec.ID, store.ExecutionPatch{CurrentStepID: &next}); err != nil {
		return err
	}
	return o.runSteps(ctx, exec.ID, exec.TenantID, def)
}

// Pause moves a pending or running execution to PAUSED. In-flight attempts
// run to completion; no new steps start.
func (o *Orchestrator) Pause(ctx context.Context, executionID, tenantID string) error {
	exec, err := o.store.GetExecution(ctx, executionID, tenantID)
	if err != nil {
		return err
	}
	if exec.Status != v1.ExecutionStatusPending && exec.Status != v1.ExecutionStatusRunning {
		return apperrors.Conflict("execution cannot be paused from status " + string(exec.Status))
	}
	if err := o.appendEvent(ctx, executionID, tenantID, v1.EventExecutionPaused, nil); err != nil {
		return err
	}
	paused := v1.ExecutionStatusPaused
	return o.store.UpdateExecution(ctx, executionID, store.ExecutionPatch{Status: &paused})
}

// Resume moves a paused execution back to RUNNING and continues traversal.
// It blocks until the execution rests again.
func (o *Orchestrator) Resume(ctx context.Context, executionID, tenantID string) error {
	exec, err := o.store.GetExecution(ctx, executionID, tenantID)
	if err != nil {
		return err
	}
	if exec.Status != v1.ExecutionStatusPaused {
		return apperrors.Conflict("execution cannot be resumed from status " + string(exec.Status))
	}

	wf, err := o.store.Get(ctx, exec.WorkflowID, tenantID)
	if err != nil {
		return err
	}
	if wf.Hash != exec.WorkflowHash {
		o.logger.Warn("definition changed since execution was pinned, resuming with latest",
			zap.String("execution_id", executionID),
			zap.String("pinned_hash", exec.WorkflowHash),
			zap.String("latest_hash", wf.Hash))
	}

	if err := o.appendEvent(ctx, executionID, tenantID, v1.EventExecutionResumed, nil); err != nil {
		return err
	}
	running := v1.ExecutionStatusRunning
	if err := o.store.UpdateExecution(ctx, executionID, store.ExecutionPatch{Status: &running}); err != nil {
		return err
	}
	return o.runSteps(ctx, executionID, tenantID, &wf.Definition)
}

// Cancel requests cancellation. Running executions transition through
// CANCELLING and finalise at the next step boundary; resting executions
// finalise immediately. Remote commands in flight are not aborted.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, tenantID string) error {
	exec, err := o.store.GetExecution(ctx, executionID, tenantID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return apperrors.Conflict("execution already " + string(exec.Status))
	}

	if exec.Status == v1.ExecutionStatusRunning {
		cancelling := v1.ExecutionStatusCancelling
		return o.store.UpdateExecution(ctx, executionID, store.ExecutionPatch{Status: &cancelling})
	}
	return o.finaliseCancelled(ctx, executionID, tenantID)
}

func (o *Orchestrator) finaliseCancelled(ctx context.Context, executionID, tenantID string) error {
	if err := o.appendEvent(ctx, executionID, tenantID, v1.EventExecutionCancelled, nil); err != nil {
		return err
	}
	cancelled := v1.ExecutionStatusCancelled
	now := time.Now().UTC()
	empty := ""
	return o.store.UpdateExecution(ctx, executionID, store.ExecutionPatch{
		Status:        &cancelled,
		CurrentStepID: &empty,
		CompletedAt:   &now,
	})
}

func (o *Orchestrator) completeExecution(ctx context.Context, executionID, tenantID string, completed map[string]bool) error {
	steps := make([]string, 0, len(completed))
	for id := range completed {
		steps = append(steps, id)
	}
	if err := o.appendEvent(ctx, executionID, tenantID, v1.EventExecutionCompleted, map[string]any{
		"completedSteps": steps,
	}); err != nil {
		return err
	}

	done := v1.ExecutionStatusCompleted
	now := time.Now().UTC()
	empty := ""
	if err := o.store.UpdateExecution(ctx, executionID, store.ExecutionPatch{
		Status:        &done,
		CurrentStepID: &empty,
		CompletedAt:   &now,
	}); err != nil {
		return err
	}
	o.logger.Info("execution completed", zap.String("execution_id", executionID))
	return nil
}

func (o *Orchestrator) failExecution(ctx context.Context, executionID, tenantID, message string) error {
	if err := o.appendEvent(ctx, executionID, tenantID, v1.EventExecutionFailed, map[string]any{
		"error": message,
	}); err != nil {
		return err
	}

	failed := v1.ExecutionStatusFailed
	now := time.Now().UTC()
	empty := ""
	if err := o.store.UpdateExecution(ctx, executionID, store.ExecutionPatch{
		Status:        &failed,
		CurrentStepID: &empty,
		ErrorMessage:  &message,
		CompletedAt:   &now,
	}); err != nil {
		return err
	}
	o.logger.Warn("execution failed",
		zap.String("execution_id", executionID),
		zap.String("error", message))
	return nil
}

// appendEvent writes to the durable log first, then mirrors onto the bus.
func (o *Orchestrator) appendEvent(ctx context.Context, executionID, tenantID string, eventType v1.EventType, payload map[string]any) error {
	if err := o.store.AppendEvent(ctx, &v1.ExecutionEvent{
		ExecutionID: executionID,
		Type:        eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		return err
	}

	if o.bus == nil {
		return nil
	}
	data := map[string]any{"execution_id": executionID}
	for k, v := range payload {
		data[k] = v
	}
	event := bus.NewEvent(string(eventType), "orchestrator", data)
	event.TenantID = tenantID
	if err := o.bus.Publish(ctx, subjectFor(eventType, executionID), event); err != nil {
		o.logger.Warn("failed to mirror event to bus",
			zap.String("event_type", string(eventType)), zap.Error(err))
	}
	return nil
}

func subjectFor(t v1.EventType, executionID string) string {
	switch t {
	case v1.EventExecutionStarted:
		return events.ExecutionStarted
	case v1.EventExecutionCompleted:
		return events.ExecutionCompleted
	case v1.EventExecutionFailed:
		return events.ExecutionFailed
	case v1.EventExecutionPaused:
		return events.ExecutionPaused
	case v1.EventExecutionResumed:
		return events.ExecutionResumed
	case v1.EventExecutionCancelled:
		return events.ExecutionCancelled
	case v1.EventStepStarted:
		return events.StepStarted
	case v1.EventStepCompleted:
		return events.StepCompleted
	case v1.EventStepFailed:
		return events.StepFailed
	case v1.EventActivityRetry:
		return events.StepRetried
	default:
		return events.BuildExecutionEventSubject(executionID)
	}
}

func rootSteps(def *v1.Definition) []v1.Step {
	var roots []v1.Step
	for _, s := range def.Steps {
		if len(s.DependsOn) == 0 {
			roots = append(roots, s)
		}
	}
	return roots
}

func findStep(def *v1.Definition, stepID string) (*v1.Step, bool) {
	if stepID == "" {
		return nil, false
	}
	for i := range def.Steps {
		if def.Steps[i].ID == stepID {
			return &def.Steps[i], true
		}
	}
	return nil, false
}

func findActivity(def *v1.Definition, activityID string) (*v1.Activity, bool) {
	for i := range def.Activities {
		if def.Activities[i].ID == activityID {
			return &def.Activities[i], true
		}
	}
	return nil, false
}

func stepReady(step v1.Step, completed map[string]bool) bool {
	for _, dep := range step.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func stepSettled(stepID string, completed, failed map[string]bool) bool {
	return completed[stepID] || failed[stepID]
}

// nextReadyDependent returns the first ready, unsettled step depending on the
// step just completed.
func nextReadyDependent(def *v1.Definition, completedStepID string, completed, failed map[string]bool) string {
	for _, s := range def.Steps {
		if stepSettled(s.ID, completed, failed) {
			continue
		}
		depends := false
		for _, dep := range s.DependsOn {
			if dep == completedStepID {
				depends = true
				break
			}
		}
		if depends && stepReady(s, completed) {
			return s.ID
		}
	}
	return ""
}

func anyReadyStep(def *v1.Definition, completed, failed map[string]bool) string {
	for _, s := range def.Steps {
		if !stepSettled(s.ID, completed, failed) && stepReady(s, completed) {
			return s.ID
		}
	}
	return ""
}

func allStepsSettled(def *v1.Definition, completed, failed map[string]bool) bool {
	for _, s := range def.Steps {
		if !stepSettled(s.ID, completed, failed) {
			return false
		}
	}
	return true
}
