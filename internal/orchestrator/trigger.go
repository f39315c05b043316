package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/vectormesh/vectormesh/internal/admission"
	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	"github.com/vectormesh/vectormesh/internal/store"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// Trigger starts executions: it gates the request through admission, pins
// the workflow's current version onto a new execution row, and queues the
// run.
type Trigger struct {
	store     store.Store
	orch      *Orchestrator
	admission *admission.Controller
	logger    *logger.Logger
}

// NewTrigger creates a trigger service.
func NewTrigger(st store.Store, orch *Orchestrator, ctrl *admission.Controller, log *logger.Logger) *Trigger {
	return &Trigger{
		store:     st,
		orch:      orch,
		admission: ctrl,
		logger:    log.WithFields(zap.String("component", "trigger")),
	}
}

// TriggerWorkflow validates and admits a start request. Only ACTIVE
// workflows can run. On rejection no execution row exists; on acceptance the
// returned execution is PENDING and queued on its tier.
func (t *Trigger) TriggerWorkflow(ctx context.Context, workflowID, tenantID string, triggerContext map[string]any) (*v1.Execution, error) {
	wf, err := t.store.Get(ctx, workflowID, tenantID)
	if err != nil {
		return nil, err
	}
	if wf.Status != v1.WorkflowStatusActive {
		return nil, apperrors.Conflict("workflow is not active")
	}

	if err := t.admission.Admit(ctx, tenantID); err != nil {
		return nil, err
	}

	exec, err := t.store.CreateExecution(ctx, tenantID, wf.ID, wf.Version, wf.Hash, triggerContext)
	if err != nil {
		return nil, err
	}

	def := wf.Definition
	t.admission.Enqueue(ctx, admission.Job{
		TenantID:    tenantID,
		ExecutionID: exec.ID,
		Run: func(jobCtx context.Context) {
			if err := t.orch.StartExecution(jobCtx, exec, &def); err != nil {
				t.logger.Error("execution run failed",
					zap.String("execution_id", exec.ID),
					zap.Error(err))
			}
		},
	})

	t.logger.Info("workflow triggered",
		zap.String("workflow_id", wf.ID),
		zap.String("execution_id", exec.ID),
		zap.String("tenant_id", tenantID),
		zap.Int("version", wf.Version))
	return exec, nil
}
