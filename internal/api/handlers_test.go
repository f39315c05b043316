package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectormesh/vectormesh/internal/admission"
	"github.com/vectormesh/vectormesh/internal/common/config"
	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	"github.com/vectormesh/vectormesh/internal/dispatcher"
	"github.com/vectormesh/vectormesh/internal/gateway"
	"github.com/vectormesh/vectormesh/internal/orchestrator"
	"github.com/vectormesh/vectormesh/internal/store"
	"github.com/vectormesh/vectormesh/internal/workflow/service"
	"github.com/vectormesh/vectormesh/internal/workflow/validator"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(_ context.Context, task *dispatcher.Task) (any, *apperrors.HandlerError) {
	return map[string]any{"step": task.Step.ID}, nil
}

type apiRig struct {
	router *gin.Engine
	store  *store.Memory
	ctrl   *admission.Controller
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory()
	log := logger.Default()

	orch := orchestrator.New(mem, stubDispatcher{}, nil, log)
	ctrl := admission.New(config.AdmissionConfig{}, nil, log)
	gw := gateway.New(mem, nil, config.GatewayConfig{
		HeartbeatTimeout: 90,
		SweepInterval:    30,
		MaxRetries:       3,
		RetryDelay:       5,
		ResponseTimeout:  30,
	}, log)

	svc := service.New(mem, validator.New(nil, log), log)
	trigger := orchestrator.NewTrigger(mem, orch, ctrl, log)

	router := gin.New()
	RegisterRoutes(router, NewHandlers(svc, trigger, orch, mem, ctrl, gw, log), log)
	return &apiRig{router: router, store: mem, ctrl: ctrl}
}

func (r *apiRig) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set(tenantHeader, tenant)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func workflowBody() map[string]any {
	return map[string]any{
		"name": "pipeline",
		"definition": map[string]any{
			"activities": []map[string]any{
				{"id": "t1", "type": "transform", "config": map[string]any{"code": "return data"}},
			},
			"steps": []map[string]any{
				{"id": "s1", "activityId": "t1"},
			},
		},
	}
}

func (r *apiRig) createWorkflow(t *testing.T, tenant string) v1.Workflow {
	t.Helper()
	rec := r.do(t, http.MethodPost, "/api/v1/workflows", tenant, workflowBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[v1.Workflow](t, rec)
}

func TestHealthEndpoint(t *testing.T) {
	r := newAPIRig(t)
	rec := r.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingTenantHeaderRejected(t *testing.T) {
	r := newAPIRig(t)
	rec := r.do(t, http.MethodGet, "/api/v1/workflows", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAndGetWorkflow(t *testing.T) {
	r := newAPIRig(t)
	wf := r.createWorkflow(t, "tenant-a")
	assert.Equal(t, 1, wf.Version)
	assert.Len(t, wf.Hash, 64)

	rec := r.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID, "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[v1.Workflow](t, rec)
	assert.Equal(t, wf.ID, got.ID)
}

func TestWorkflowHiddenFromOtherTenants(t *testing.T) {
	r := newAPIRig(t)
	wf := r.createWorkflow(t, "tenant-a")

	rec := r.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID, "tenant-b", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateInvalidDefinitionReturns422Style(t *testing.T) {
	r := newAPIRig(t)
	body := workflowBody()
	body["definition"].(map[string]any)["steps"] = []map[string]any{
		{"id": "s1", "activityId": "missing"},
	}
	rec := r.do(t, http.MethodPost, "/api/v1/workflows", "tenant-a", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, apperrors.ErrCodeValidationError, resp["code"])
}

func TestValidateDryRun(t *testing.T) {
	r := newAPIRig(t)
	body := map[string]any{"definition": workflowBody()["definition"]}
	rec := r.do(t, http.MethodPost, "/api/v1/workflows/validate", "tenant-a", body)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[validator.Result](t, rec)
	assert.True(t, res.Valid)

	// Nothing was persisted.
	list := r.do(t, http.MethodGet, "/api/v1/workflows", "tenant-a", nil)
	resp := decode[map[string]any](t, list)
	assert.EqualValues(t, 0, resp["total"])
}

func TestUpdateMetaAndList(t *testing.T) {
	r := newAPIRig(t)
	wf := r.createWorkflow(t, "tenant-a")

	rec := r.do(t, http.MethodPatch, "/api/v1/workflows/"+wf.ID, "tenant-a",
		map[string]any{"status": "ACTIVE", "name": "renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[v1.Workflow](t, rec)
	assert.Equal(t, v1.WorkflowStatusActive, updated.Status)
	assert.Equal(t, "renamed", updated.Name)

	list := r.do(t, http.MethodGet, "/api/v1/workflows?status=ACTIVE", "tenant-a", nil)
	resp := decode[map[string]any](t, list)
	assert.EqualValues(t, 1, resp["total"])
}

func TestNewVersionEndpoint(t *testing.T) {
	r := newAPIRig(t)
	wf := r.createWorkflow(t, "tenant-a")

	changed := workflowBody()["definition"].(map[string]any)
	changed["activities"] = []map[string]any{
		{"id": "t1", "type": "transform", "config": map[string]any{"code": "return []"}},
	}
	rec := r.do(t, http.MethodPut, "/api/v1/workflows/"+wf.ID+"/definition", "tenant-a",
		map[string]any{"definition": changed})
	require.Equal(t, http.StatusOK, rec.Code)
	v2 := decode[v1.Workflow](t, rec)
	assert.Equal(t, 2, v2.Version)

	// Resubmitting the same definition conflicts.
	rec = r.do(t, http.MethodPut, "/api/v1/workflows/"+wf.ID+"/definition", "tenant-a",
		map[string]any{"definition": changed})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteWorkflow(t *testing.T) {
	r := newAPIRig(t)
	wf := r.createWorkflow(t, "tenant-a")

	rec := r.do(t, http.MethodDelete, "/api/v1/workflows/"+wf.ID, "tenant-a", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = r.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID, "tenant-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerWorkflow(t *testing.T) {
	r := newAPIRig(t)
	wf := r.createWorkflow(t, "tenant-a")
	r.do(t, http.MethodPatch, "/api/v1/workflows/"+wf.ID, "tenant-a", map[string]any{"status": "ACTIVE"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.ctrl.Run(ctx)

	rec := r.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/trigger", "tenant-a",
		map[string]any{"context": map[string]any{"source": "api"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	exec := decode[v1.Execution](t, rec)
	assert.Equal(t, wf.ID, exec.WorkflowID)

	require.Eventually(t, func() bool {
		got, err := r.store.GetExecution(ctx, exec.ID, "tenant-a")
		return err == nil && got.Status == v1.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTriggerInactiveWorkflowConflicts(t *testing.T) {
	r := newAPIRig(t)
	wf := r.createWorkflow(t, "tenant-a")

	rec := r.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/trigger", "tenant-a", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetExecutionIncludesAttemptsAndEvents(t *testing.T) {
	r := newAPIRig(t)
	wf := r.createWorkflow(t, "tenant-a")
	r.do(t, http.MethodPatch, "/api/v1/workflows/"+wf.ID, "tenant-a", map[string]any{"status": "ACTIVE"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.ctrl.Run(ctx)

	rec := r.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/trigger", "tenant-a", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	exec := decode[v1.Execution](t, rec)

	require.Eventually(t, func() bool {
		got, err := r.store.GetExecution(ctx, exec.ID, "tenant-a")
		return err == nil && got.Status == v1.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	detail := r.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID, "tenant-a", nil)
	require.Equal(t, http.StatusOK, detail.Code)
	resp := decode[map[string]json.RawMessage](t, detail)

	var attempts []v1.ActivityAttempt
	require.NoError(t, json.Unmarshal(resp["attempts"], &attempts))
	assert.Len(t, attempts, 1)

	var events []v1.ExecutionEvent
	require.NoError(t, json.Unmarshal(resp["events"], &events))
	require.NotEmpty(t, events)
	assert.Equal(t, v1.EventExecutionStarted, events[0].Type)
	assert.Equal(t, v1.EventExecutionCompleted, events[len(events)-1].Type)
}

func TestCancelPendingExecution(t *testing.T) {
	r := newAPIRig(t)
	wf := r.createWorkflow(t, "tenant-a")
	r.do(t, http.MethodPatch, "/api/v1/workflows/"+wf.ID, "tenant-a", map[string]any{"status": "ACTIVE"})

	// No admission workers running: the execution stays PENDING.
	rec := r.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/trigger", "tenant-a", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	exec := decode[v1.Execution](t, rec)

	rec = r.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel", "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := r.store.GetExecution(context.Background(), exec.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusCancelled, got.Status)
}

func TestPauseRequiresRunnableExecution(t *testing.T) {
	r := newAPIRig(t)
	rec := r.do(t, http.MethodPost, "/api/v1/executions/nope/pause", "tenant-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResumeRejectsNonPausedExecution(t *testing.T) {
	r := newAPIRig(t)
	wf := r.createWorkflow(t, "tenant-a")
	r.do(t, http.MethodPatch, "/api/v1/workflows/"+wf.ID, "tenant-a", map[string]any{"status": "ACTIVE"})

	rec := r.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/trigger", "tenant-a", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	exec := decode[v1.Execution](t, rec)

	rec = r.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/resume", "tenant-a", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdmissionStatsEndpoint(t *testing.T) {
	r := newAPIRig(t)
	rec := r.do(t, http.MethodGet, "/api/v1/admission/stats", "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[admission.Stats](t, rec)
	assert.Equal(t, v1.TierFree, stats.Tier)
}

func TestAgentEndpointsScopedToTenant(t *testing.T) {
	r := newAPIRig(t)

	rec := r.do(t, http.MethodGet, "/api/v1/agents/sessions", "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]any](t, rec)
	assert.EqualValues(t, 0, resp["total"])

	rec = r.do(t, http.MethodGet, "/api/v1/agents/commands/cmd_123", "tenant-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitSurfacesAs429(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory()
	log := logger.Default()
	orch := orchestrator.New(mem, stubDispatcher{}, nil, log)
	ctrl := admission.New(config.AdmissionConfig{
		Tenants: map[string]config.TenantOverride{
			"tenant-a": {Tier: "FREE", MaxConcurrentJobs: 20, MaxJobsPerHour: 1},
		},
	}, nil, log)
	svc := service.New(mem, validator.New(nil, log), log)
	trigger := orchestrator.NewTrigger(mem, orch, ctrl, log)

	router := gin.New()
	RegisterRoutes(router, NewHandlers(svc, trigger, orch, mem, ctrl, nil, log), log)
	r := &apiRig{router: router, store: mem, ctrl: ctrl}

	wf := r.createWorkflow(t, "tenant-a")
	r.do(t, http.MethodPatch, "/api/v1/workflows/"+wf.ID, "tenant-a", map[string]any{"status": "ACTIVE"})

	rec := r.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/trigger", "tenant-a", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = r.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/trigger", "tenant-a", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())

	// The rejected trigger left no execution row behind.
	execs, err := mem.ListExecutionsByWorkflow(context.Background(), wf.ID, "tenant-a")
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestDeleteGuardedByLiveExecutionOverHTTP(t *testing.T) {
	r := newAPIRig(t)
	wf := r.createWorkflow(t, "tenant-a")
	r.do(t, http.MethodPatch, "/api/v1/workflows/"+wf.ID, "tenant-a", map[string]any{"status": "ACTIVE"})

	rec := r.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/trigger", "tenant-a", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = r.do(t, http.MethodDelete, "/api/v1/workflows/"+wf.ID, "tenant-a", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestErrorBodyCarriesCode(t *testing.T) {
	r := newAPIRig(t)
	rec := r.do(t, http.MethodGet, "/api/v1/workflows/nope", "tenant-a", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, apperrors.ErrCodeNotFound, resp["code"])
	assert.Equal(t, "workflow with id 'nope' not found", resp["error"])
}
