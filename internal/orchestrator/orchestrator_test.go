package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	"github.com/vectormesh/vectormesh/internal/dispatcher"
	"github.com/vectormesh/vectormesh/internal/store"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

type outcome struct {
	output any
	err    *apperrors.HandlerError
}

// fakeDispatcher scripts per-step outcomes; unscripted steps succeed with a
// marker output. The hook runs before each dispatch so tests can pause or
// cancel mid-flight.
type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []string
	outcomes map[string][]outcome
	hook     func(task *dispatcher.Task)
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{outcomes: map[string][]outcome{}}
}

func (f *fakeDispatcher) script(stepID string, o outcome) {
	f.outcomes[stepID] = append(f.outcomes[stepID], o)
}

func (f *fakeDispatcher) Dispatch(_ context.Context, task *dispatcher.Task) (any, *apperrors.HandlerError) {
	f.mu.Lock()
	f.calls = append(f.calls, task.Step.ID)
	queued := f.outcomes[task.Step.ID]
	var next *outcome
	if len(queued) > 0 {
		next = &queued[0]
		f.outcomes[task.Step.ID] = queued[1:]
	}
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(task)
	}
	if next != nil {
		return next.output, next.err
	}
	return map[string]any{"step": task.Step.ID}, nil
}

func (f *fakeDispatcher) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func pipelineDefinition() v1.Definition {
	cfg := []byte(`{}`)
	return v1.Definition{
		Activities: []v1.Activity{
			{ID: "a-extract", Type: v1.ActivityTypeExtract, Config: cfg},
			{ID: "a-transform", Type: v1.ActivityTypeTransform, Config: cfg},
			{ID: "a-load", Type: v1.ActivityTypeLoad, Config: cfg},
		},
		Steps: []v1.Step{
			{ID: "s1", ActivityID: "a-extract"},
			{ID: "s2", ActivityID: "a-transform", DependsOn: []string{"s1"}},
			{ID: "s3", ActivityID: "a-load", DependsOn: []string{"s2"}},
		},
	}
}

type testRig struct {
	store *store.Memory
	disp  *fakeDispatcher
	orch  *Orchestrator
	exec  *v1.Execution
	def   v1.Definition
}

func newTestRig(t *testing.T, def v1.Definition) *testRig {
	t.Helper()
	mem := store.NewMemory()
	disp := newFakeDispatcher()
	orch := New(mem, disp, nil, logger.Default())
	orch.retryBase = time.Millisecond
	orch.sleep = func(context.Context, time.Duration) error { return nil }

	exec, err := mem.CreateExecution(context.Background(), "tenant-a", "wf-1", 1, "hash-1", nil)
	require.NoError(t, err)
	return &testRig{store: mem, disp: disp, orch: orch, exec: exec, def: def}
}

func (r *testRig) execution(t *testing.T) *v1.Execution {
	t.Helper()
	exec, err := r.store.GetExecution(context.Background(), r.exec.ID, "tenant-a")
	require.NoError(t, err)
	return exec
}

func (r *testRig) eventTypes(t *testing.T) []v1.EventType {
	t.Helper()
	evts, err := r.store.ListEvents(context.Background(), r.exec.ID)
	require.NoError(t, err)
	types := make([]v1.EventType, len(evts))
	for i, e := range evts {
		types[i] = e.Type
	}
	return types
}

func TestLinearPipelineCompletes(t *testing.T) {
	r := newTestRig(t, pipelineDefinition())

	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	exec := r.execution(t)
	assert.Equal(t, v1.ExecutionStatusCompleted, exec.Status)
	assert.Empty(t, exec.CurrentStepID)
	assert.NotNil(t, exec.CompletedAt)

	assert.Equal(t, []string{"s1", "s2", "s3"}, r.disp.callOrder())
	assert.Equal(t, []v1.EventType{
		v1.EventExecutionStarted,
		v1.EventStepStarted, v1.EventStepCompleted,
		v1.EventStepStarted, v1.EventStepCompleted,
		v1.EventStepStarted, v1.EventStepCompleted,
		v1.EventExecutionCompleted,
	}, r.eventTypes(t))

	attempts, err := r.store.ListAttempts(context.Background(), r.exec.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.Equal(t, v1.AttemptStatusCompleted, a.Status)
		assert.Equal(t, 1, a.Attempt)
	}
}

func TestStepOutputsFlowDownstream(t *testing.T) {
	r := newTestRig(t, pipelineDefinition())
	r.disp.script("s1", outcome{output: map[string]any{"data": []any{map[string]any{"id": 1.0}}}})

	var s2Inputs map[string]any
	r.disp.hook = func(task *dispatcher.Task) {
		if task.Step.ID == "s2" {
			s2Inputs = task.StepOutputs
		}
	}

	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	require.Contains(t, s2Inputs, "s1")
	env := s2Inputs["s1"].(map[string]any)
	assert.NotNil(t, env["data"])
}

func TestRetryableFailureRetriesThenSucceeds(t *testing.T) {
	r := newTestRig(t, pipelineDefinition())
	r.disp.script("s2", outcome{err: apperrors.NewHandlerError(apperrors.CodeExtractError, "connection reset", true)})

	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	exec := r.execution(t)
	assert.Equal(t, v1.ExecutionStatusCompleted, exec.Status)

	assert.Equal(t, []string{"s1", "s2", "s2", "s3"}, r.disp.callOrder())
	assert.Contains(t, r.eventTypes(t), v1.EventActivityRetry)

	attempts, err := r.store.ListAttempts(context.Background(), r.exec.ID)
	require.NoError(t, err)
	byAttempt := map[int]v1.AttemptStatus{}
	for _, a := range attempts {
		if a.StepID == "s2" {
			byAttempt[a.Attempt] = a.Status
		}
	}
	assert.Equal(t, v1.AttemptStatusFailed, byAttempt[1])
	assert.Equal(t, v1.AttemptStatusCompleted, byAttempt[2])
}

func TestRetryBudgetExhausted(t *testing.T) {
	r := newTestRig(t, pipelineDefinition())
	for i := 0; i < 3; i++ {
		r.disp.script("s1", outcome{err: apperrors.NewHandlerError(apperrors.CodeExtractError, "still unreachable", true)})
	}

	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	exec := r.execution(t)
	assert.Equal(t, v1.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, "still unreachable", exec.ErrorMessage)

	// Three attempts; a retry event between consecutive attempts only.
	assert.Equal(t, []string{"s1", "s1", "s1"}, r.disp.callOrder())
	retries := 0
	for _, et := range r.eventTypes(t) {
		if et == v1.EventActivityRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestNonRetryableFailureFailsImmediately(t *testing.T) {
	r := newTestRig(t, pipelineDefinition())
	r.disp.script("s2", outcome{err: apperrors.NewHandlerError(apperrors.CodeTransformError, "SyntaxError: bad code", false)})

	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	exec := r.execution(t)
	assert.Equal(t, v1.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, "SyntaxError: bad code", exec.ErrorMessage)
	assert.Equal(t, []string{"s1", "s2"}, r.disp.callOrder())

	types := r.eventTypes(t)
	assert.Equal(t, v1.EventExecutionFailed, types[len(types)-1])
	assert.NotContains(t, types, v1.EventActivityRetry)
}

func TestActivityMaxRetriesHonoured(t *testing.T) {
	def := pipelineDefinition()
	def.Activities[0].MaxRetries = 2
	r := newTestRig(t, def)
	for i := 0; i < 2; i++ {
		r.disp.script("s1", outcome{err: apperrors.NewHandlerError(apperrors.CodeExtractError, "flaky", true)})
	}

	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	assert.Equal(t, v1.ExecutionStatusFailed, r.execution(t).Status)
	assert.Equal(t, []string{"s1", "s1"}, r.disp.callOrder())
}

func diamondDefinition() v1.Definition {
	cfg := []byte(`{}`)
	return v1.Definition{
		Activities: []v1.Activity{
			{ID: "a1", Type: v1.ActivityTypeExtract, Config: cfg},
			{ID: "a2", Type: v1.ActivityTypeTransform, Config: cfg},
			{ID: "a3", Type: v1.ActivityTypeTransform, Config: cfg},
			{ID: "a4", Type: v1.ActivityTypeLoad, Config: cfg},
		},
		Steps: []v1.Step{
			{ID: "s1", ActivityID: "a1"},
			{ID: "s2", ActivityID: "a2", DependsOn: []string{"s1"}},
			{ID: "s3", ActivityID: "a3", DependsOn: []string{"s1"}},
			{ID: "s4", ActivityID: "a4", DependsOn: []string{"s2", "s3"}},
		},
	}
}

func TestDiamondRunsJoinStepOnce(t *testing.T) {
	r := newTestRig(t, diamondDefinition())

	var s4Inputs map[string]any
	r.disp.hook = func(task *dispatcher.Task) {
		if task.Step.ID == "s4" {
			s4Inputs = task.StepOutputs
		}
	}

	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	assert.Equal(t, v1.ExecutionStatusCompleted, r.execution(t).Status)

	counts := map[string]int{}
	for _, id := range r.disp.callOrder() {
		counts[id]++
	}
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		assert.Equal(t, 1, counts[id], "step %s", id)
	}

	// The join step sees both branch outputs.
	assert.Contains(t, s4Inputs, "s2")
	assert.Contains(t, s4Inputs, "s3")
}

func TestEmptyDefinitionFails(t *testing.T) {
	r := newTestRig(t, v1.Definition{})

	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	exec := r.execution(t)
	assert.Equal(t, v1.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, "workflow has no root steps", exec.ErrorMessage)
}

func TestPauseAndResume(t *testing.T) {
	r := newTestRig(t, pipelineDefinition())

	// The workflow row backs Resume's definition reload; pin the execution
	// to it.
	wf, err := r.store.Create(context.Background(), "tenant-a", "pipeline", "", r.def, "hash-1")
	require.NoError(t, err)
	r.exec, err = r.store.CreateExecution(context.Background(), "tenant-a", wf.ID, wf.Version, wf.Hash, nil)
	require.NoError(t, err)

	// Pause while s1 is in flight; the traversal stops at the boundary.
	r.disp.hook = func(task *dispatcher.Task) {
		if task.Step.ID == "s1" {
			require.NoError(t, r.orch.Pause(context.Background(), r.exec.ID, "tenant-a"))
		}
	}

	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	exec := r.execution(t)
	assert.Equal(t, v1.ExecutionStatusPaused, exec.Status)
	assert.Equal(t, []string{"s1"}, r.disp.callOrder())

	r.disp.hook = nil
	require.NoError(t, r.orch.Resume(context.Background(), r.exec.ID, "tenant-a"))

	exec = r.execution(t)
	assert.Equal(t, v1.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, []string{"s1", "s2", "s3"}, r.disp.callOrder())

	types := r.eventTypes(t)
	assert.Contains(t, types, v1.EventExecutionPaused)
	assert.Contains(t, types, v1.EventExecutionResumed)
	assert.Equal(t, v1.EventExecutionCompleted, types[len(types)-1])
}

func TestPauseRejectedFromTerminal(t *testing.T) {
	r := newTestRig(t, pipelineDefinition())
	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	err := r.orch.Pause(context.Background(), r.exec.ID, "tenant-a")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestCancelMidRun(t *testing.T) {
	r := newTestRig(t, pipelineDefinition())

	r.disp.hook = func(task *dispatcher.Task) {
		if task.Step.ID == "s2" {
			require.NoError(t, r.orch.Cancel(context.Background(), r.exec.ID, "tenant-a"))
		}
	}

	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	exec := r.execution(t)
	assert.Equal(t, v1.ExecutionStatusCancelled, exec.Status)
	// s2's in-flight attempt ran to completion; s3 never started.
	assert.Equal(t, []string{"s1", "s2"}, r.disp.callOrder())

	types := r.eventTypes(t)
	assert.Equal(t, v1.EventExecutionCancelled, types[len(types)-1])
}

func TestCancelPausedExecutionFinalisesImmediately(t *testing.T) {
	r := newTestRig(t, pipelineDefinition())

	paused := v1.ExecutionStatusPaused
	require.NoError(t, r.store.UpdateExecution(context.Background(), r.exec.ID, store.ExecutionPatch{Status: &paused}))

	require.NoError(t, r.orch.Cancel(context.Background(), r.exec.ID, "tenant-a"))
	assert.Equal(t, v1.ExecutionStatusCancelled, r.execution(t).Status)
}

func TestCancelTerminalRejected(t *testing.T) {
	r := newTestRig(t, pipelineDefinition())
	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	err := r.orch.Cancel(context.Background(), r.exec.ID, "tenant-a")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

// Replaying the event log alone reconstructs the execution's history: event
// order matches the traversal order.
func TestEventLogIsCanonicalHistory(t *testing.T) {
	r := newTestRig(t, diamondDefinition())
	require.NoError(t, r.orch.StartExecution(context.Background(), r.exec, &r.def))

	evts, err := r.store.ListEvents(context.Background(), r.exec.ID)
	require.NoError(t, err)

	var startedSteps []string
	for _, e := range evts {
		if e.Type == v1.EventStepStarted {
			startedSteps = append(startedSteps, e.Payload["stepId"].(string))
		}
	}
	assert.Equal(t, r.disp.callOrder(), startedSteps)

	for i := 1; i < len(evts); i++ {
		assert.False(t, evts[i].Timestamp.Before(evts[i-1].Timestamp))
	}
}
