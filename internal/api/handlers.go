// Package api exposes the control plane over HTTP: workflow CRUD and
// validation, triggering, execution lifecycle and inspection, admission
// stats, and the remote-agent WebSocket endpoint.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vectormesh/vectormesh/internal/admission"
	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	"github.com/vectormesh/vectormesh/internal/gateway"
	"github.com/vectormesh/vectormesh/internal/orchestrator"
	"github.com/vectormesh/vectormesh/internal/store"
	"github.com/vectormesh/vectormesh/internal/workflow/service"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

const tenantHeader = "X-Tenant-ID"

// Handlers wires the control-plane components to the HTTP surface.
type Handlers struct {
	workflows  *service.Service
	trigger    *orchestrator.Trigger
	orch       *orchestrator.Orchestrator
	executions store.ExecutionStore
	admission  *admission.Controller
	gateway    *gateway.Gateway
	logger     *logger.Logger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(workflows *service.Service, trigger *orchestrator.Trigger, orch *orchestrator.Orchestrator,
	executions store.ExecutionStore, ctrl *admission.Controller, gw *gateway.Gateway, log *logger.Logger) *Handlers {
	return &Handlers{
		workflows:  workflows,
		trigger:    trigger,
		orch:       orch,
		executions: executions,
		admission:  ctrl,
		gateway:    gw,
		logger:     log.WithFields(zap.String("component", "api")),
	}
}

// RegisterRoutes attaches every control-plane route to the router. The agent
// WebSocket endpoint sits outside the tenant-header middleware because agents
// authenticate with their API key instead.
func RegisterRoutes(router *gin.Engine, h *Handlers, log *logger.Logger) {
	router.GET("/healthz", h.httpHealth)

	if h.gateway != nil {
		ws := gateway.NewWSHandler(h.gateway, log)
		router.GET("/api/v1/agents/ws", ws.Serve)
	}

	api := router.Group("/api/v1")
	api.Use(requireTenant())

	api.POST("/workflows", h.httpCreateWorkflow)
	api.GET("/workflows", h.httpListWorkflows)
	api.POST("/workflows/validate", h.httpValidateWorkflow)
	api.GET("/workflows/:id", h.httpGetWorkflow)
	api.PATCH("/workflows/:id", h.httpUpdateWorkflowMeta)
	api.PUT("/workflows/:id/definition", h.httpNewWorkflowVersion)
	api.DELETE("/workflows/:id", h.httpDeleteWorkflow)
	api.POST("/workflows/:id/trigger", h.httpTriggerWorkflow)
	api.GET("/workflows/:id/executions", h.httpListExecutions)

	api.GET("/executions/:id", h.httpGetExecution)
	api.POST("/executions/:id/pause", h.httpPauseExecution)
	api.POST("/executions/:id/resume", h.httpResumeExecution)
	api.POST("/executions/:id/cancel", h.httpCancelExecution)

	api.GET("/admission/stats", h.httpAdmissionStats)

	api.GET("/agents/sessions", h.httpListAgentSessions)
	api.GET("/agents/commands/:id", h.httpGetAgentCommand)
}

func requireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(tenantHeader) == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing " + tenantHeader + " header"})
			return
		}
		c.Next()
	}
}

func tenantID(c *gin.Context) string {
	return c.GetHeader(tenantHeader)
}

func (h *Handlers) httpHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Workflows

type createWorkflowRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Definition  v1.Definition `json:"definition"`
}

func (h *Handlers) httpCreateWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	wf, err := h.workflows.Create(c.Request.Context(), tenantID(c), req.Name, req.Description, req.Definition)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (h *Handlers) httpListWorkflows(c *gin.Context) {
	status := v1.WorkflowStatus(c.Query("status"))
	workflows, err := h.workflows.List(c.Request.Context(), tenantID(c), status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows, "total": len(workflows)})
}

func (h *Handlers) httpGetWorkflow(c *gin.Context) {
	wf, err := h.workflows.Get(c.Request.Context(), c.Param("id"), tenantID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

type updateWorkflowRequest struct {
	Name        *string            `json:"name"`
	Description *string            `json:"description"`
	Status      *v1.WorkflowStatus `json:"status"`
}

func (h *Handlers) httpUpdateWorkflowMeta(c *gin.Context) {
	var req updateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	wf, err := h.workflows.UpdateMeta(c.Request.Context(), c.Param("id"), tenantID(c), store.MetaPatch{
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

type newVersionRequest struct {
	Definition v1.Definition `json:"definition"`
}

func (h *Handlers) httpNewWorkflowVersion(c *gin.Context) {
	var req newVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	wf, err := h.workflows.NewVersion(c.Request.Context(), c.Param("id"), tenantID(c), req.Definition)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) httpDeleteWorkflow(c *gin.Context) {
	if err := h.workflows.Delete(c.Request.Context(), c.Param("id"), tenantID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type validateWorkflowRequest struct {
	Definition v1.Definition `json:"definition"`
}

func (h *Handlers) httpValidateWorkflow(c *gin.Context) {
	var req validateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res := h.workflows.Validate(c.Request.Context(), tenantID(c), req.Definition)
	c.JSON(http.StatusOK, res)
}

// Executions

type triggerRequest struct {
	Context map[string]any `json:"context"`
}

func (h *Handlers) httpTriggerWorkflow(c *gin.Context) {
	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	exec, err := h.trigger.TriggerWorkflow(c.Request.Context(), c.Param("id"), tenantID(c), req.Context)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

func (h *Handlers) httpListExecutions(c *gin.Context) {
	execs, err := h.executions.ListExecutionsByWorkflow(c.Request.Context(), c.Param("id"), tenantID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs, "total": len(execs)})
}

// httpGetExecution returns the execution row together with its attempts and
// the full event log, which is the canonical history of the run.
func (h *Handlers) httpGetExecution(c *gin.Context) {
	ctx := c.Request.Context()
	exec, err := h.executions.GetExecution(ctx, c.Param("id"), tenantID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	attempts, err := h.executions.ListAttempts(ctx, exec.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	events, err := h.executions.ListEvents(ctx, exec.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"execution": exec,
		"attempts":  attempts,
		"events":    events,
	})
}

func (h *Handlers) httpPauseExecution(c *gin.Context) {
	if err := h.orch.Pause(c.Request.Context(), c.Param("id"), tenantID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(v1.ExecutionStatusPaused)})
}

// httpResumeExecution acknowledges the resume and runs the remaining steps in
// the background; the caller polls the execution for completion.
func (h *Handlers) httpResumeExecution(c *gin.Context) {
	executionID := c.Param("id")
	tenant := tenantID(c)

	exec, err := h.executions.GetExecution(c.Request.Context(), executionID, tenant)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if exec.Status != v1.ExecutionStatusPaused {
		h.respondError(c, apperrors.Conflict("execution is not paused"))
		return
	}

	go func() {
		if err := h.orch.Resume(context.Background(), executionID, tenant); err != nil {
			h.logger.Error("resume failed",
				zap.String("execution_id", executionID),
				zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": string(v1.ExecutionStatusRunning)})
}

func (h *Handlers) httpCancelExecution(c *gin.Context) {
	if err := h.orch.Cancel(c.Request.Context(), c.Param("id"), tenantID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// Admission

func (h *Handlers) httpAdmissionStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.admission.Stats(tenantID(c)))
}

// Agents

func (h *Handlers) httpListAgentSessions(c *gin.Context) {
	tenant := tenantID(c)
	sessions := make([]gateway.AgentSession, 0)
	for _, s := range h.gateway.Sessions() {
		if s.TenantID == tenant {
			sessions = append(sessions, s)
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

func (h *Handlers) httpGetAgentCommand(c *gin.Context) {
	cmd, ok := h.gateway.Command(c.Param("id"))
	if !ok || cmd.TenantID != tenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "command not found"})
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": apperrors.Code(err)})
}
