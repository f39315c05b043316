package store

import (
	"encoding/json"
	"time"

	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// ExecutionState is the live, in-memory view of an execution, reconstructed
// on demand from durable attempt rows. It is never shared between goroutines;
// only its persisted form is.
type ExecutionState struct {
	ExecutionID    string
	CompletedSteps map[string]bool
	FailedSteps    map[string]bool
	StepOutputs    map[string]any
	LastActivityAt time.Time
}

// ReconstructState derives the execution state from the execution row and
// its attempts. A step counts as completed (or failed) when its latest
// attempt carries that status; StepOutputs holds the deserialised output of
// the latest COMPLETED attempt per step.
func ReconstructState(exec *v1.Execution, attempts []*v1.ActivityAttempt) *ExecutionState {
	state := &ExecutionState{
		ExecutionID:    exec.ID,
		CompletedSteps: map[string]bool{},
		FailedSteps:    map[string]bool{},
		StepOutputs:    map[string]any{},
		LastActivityAt: exec.StartedAt,
	}

	latest := map[string]*v1.ActivityAttempt{}
	for _, a := range attempts {
		if prev, ok := latest[a.StepID]; !ok || a.Attempt > prev.Attempt {
			latest[a.StepID] = a
		}
		if a.StartedAt.After(state.LastActivityAt) {
			state.LastActivityAt = a.StartedAt
		}
		if a.CompletedAt != nil && a.CompletedAt.After(state.LastActivityAt) {
			state.LastActivityAt = *a.CompletedAt
		}
	}

	for stepID, a := range latest {
		switch a.Status {
		case v1.AttemptStatusCompleted:
			state.CompletedSteps[stepID] = true
			if len(a.Output) > 0 {
				var out any
				if err := json.Unmarshal(a.Output, &out); err == nil {
					state.StepOutputs[stepID] = out
				}
			}
		case v1.AttemptStatusFailed, v1.AttemptStatusTimeout:
			state.FailedSteps[stepID] = true
		}
	}

	return state
}

// NextAttemptNumber returns 1 plus the highest attempt recorded for the step.
func NextAttemptNumber(attempts []*v1.ActivityAttempt, stepID string) int {
	max := 0
	for _, a := range attempts {
		if a.StepID == stepID && a.Attempt > max {
			max = a.Attempt
		}
	}
	return max + 1
}
