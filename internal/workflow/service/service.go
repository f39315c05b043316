// Package service owns the workflow definition lifecycle: validated create,
// in-place metadata updates, immutable versioning, and guarded deletion.
package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	"github.com/vectormesh/vectormesh/internal/store"
	"github.com/vectormesh/vectormesh/internal/workflow/validator"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// Service manages workflow definitions for the API surface. Definitions are
// normalised and validated before they touch the store; the content hash
// binds executions to the exact definition bytes they ran against.
type Service struct {
	store     store.WorkflowStore
	validator *validator.Validator
	logger    *logger.Logger
}

// New creates a workflow service.
func New(st store.WorkflowStore, val *validator.Validator, log *logger.Logger) *Service {
	return &Service{
		store:     st,
		validator: val,
		logger:    log.WithFields(zap.String("component", "workflow_service")),
	}
}

// Create validates and stores version 1 of a new workflow. An identical
// definition already owned by the tenant is a conflict.
func (s *Service) Create(ctx context.Context, tenantID, name, description string, def v1.Definition) (*v1.Workflow, error) {
	if name == "" {
		return nil, apperrors.BadRequest("workflow name is required")
	}

	hash, err := s.prepare(ctx, tenantID, &def)
	if err != nil {
		return nil, err
	}

	wf, err := s.store.Create(ctx, tenantID, name, description, def, hash)
	if err != nil {
		return nil, err
	}
	s.logger.Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("tenant_id", tenantID),
		zap.String("hash", hash))
	return wf, nil
}

// Get returns the latest version of a workflow.
func (s *Service) Get(ctx context.Context, id, tenantID string) (*v1.Workflow, error) {
	return s.store.Get(ctx, id, tenantID)
}

// List returns the tenant's workflows, optionally narrowed by status.
func (s *Service) List(ctx context.Context, tenantID string, status v1.WorkflowStatus) ([]*v1.Workflow, error) {
	return s.store.List(ctx, tenantID, store.WorkflowFilter{Status: status})
}

// UpdateMeta changes name, description, or status in place. The definition,
// version, and hash are untouched.
func (s *Service) UpdateMeta(ctx context.Context, id, tenantID string, patch store.MetaPatch) (*v1.Workflow, error) {
	if patch.Status != nil {
		switch *patch.Status {
		case v1.WorkflowStatusDraft, v1.WorkflowStatusActive, v1.WorkflowStatusInactive:
		default:
			return nil, apperrors.BadRequest("invalid workflow status " + string(*patch.Status))
		}
	}
	return s.store.UpdateMeta(ctx, id, tenantID, patch)
}

// NewVersion validates a changed definition and appends it as version
// previous+1. Submitting the identical definition again is a conflict.
func (s *Service) NewVersion(ctx context.Context, id, tenantID string, def v1.Definition) (*v1.Workflow, error) {
	current, err := s.store.Get(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}

	hash, err := s.prepare(ctx, tenantID, &def)
	if err != nil {
		return nil, err
	}
	if hash == current.Hash {
		return nil, apperrors.Conflict("definition is identical to the current version")
	}

	wf, err := s.store.NewVersion(ctx, id, tenantID, def, hash)
	if err != nil {
		return nil, err
	}
	s.logger.Info("workflow version published",
		zap.String("workflow_id", id),
		zap.String("tenant_id", tenantID),
		zap.Int("version", wf.Version))
	return wf, nil
}

// Delete removes a workflow and all of its versions. The store rejects the
// delete while any live execution references the workflow.
func (s *Service) Delete(ctx context.Context, id, tenantID string) error {
	if err := s.store.Delete(ctx, id, tenantID); err != nil {
		return err
	}
	s.logger.Info("workflow deleted",
		zap.String("workflow_id", id),
		zap.String("tenant_id", tenantID))
	return nil
}

// Validate runs normalisation and the full rule set without persisting,
// backing the API's dry-run endpoint.
func (s *Service) Validate(ctx context.Context, tenantID string, def v1.Definition) *validator.Result {
	validator.Normalize(&def)
	return s.validator.Validate(ctx, tenantID, &def)
}

// prepare normalises the definition, validates it, and returns its content
// hash.
func (s *Service) prepare(ctx context.Context, tenantID string, def *v1.Definition) (string, error) {
	validator.Normalize(def)

	res := s.validator.Validate(ctx, tenantID, def)
	if !res.Valid {
		return "", apperrors.ValidationError(strings.Join(res.Errors, "; "))
	}

	hash, err := validator.Hash(def)
	if err != nil {
		return "", apperrors.InternalError("failed to hash definition", err)
	}
	return hash, nil
}
