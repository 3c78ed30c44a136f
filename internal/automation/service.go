// Package automation is the public surface of the engine: workflow
// definitions, runs, cancellation and trigger entry points. The HTTP API,
// the MCP server and the CLI all go through it.
package automation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/steps"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/internal/trigger"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// ScheduleSync keeps the scheduler's table in step with definition changes.
// Satisfied by *scheduler.Scheduler.
type ScheduleSync interface {
	Upsert(wf *schema.Workflow) error
	Remove(workflowID string)
}

// Config holds the dependencies of a Service.
type Config struct {
	Workflows  store.WorkflowStore
	Runs       store.RunStore
	Validator  validation.Validator
	Dispatcher *trigger.Dispatcher
	Scheduler  ScheduleSync       // optional
	Steps      *steps.Registry    // optional; used by StepKinds
	Hub        streaming.EventHub // optional; used by Subscribe
	Logger     *slog.Logger       // optional
}

// Service implements the operations exposed to callers.
type Service struct {
	workflows  store.WorkflowStore
	runs       store.RunStore
	validator  validation.Validator
	dispatcher *trigger.Dispatcher
	scheduler  ScheduleSync
	steps      *steps.Registry
	hub        streaming.EventHub
	logger     *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		workflows:  cfg.Workflows,
		runs:       cfg.Runs,
		validator:  cfg.Validator,
		dispatcher: cfg.Dispatcher,
		scheduler:  cfg.Scheduler,
		steps:      cfg.Steps,
		hub:        cfg.Hub,
		logger:     cfg.Logger,
	}
}

// CreateWorkflowInput describes a new workflow. Enabled defaults to true.
type CreateWorkflowInput struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Trigger     schema.Trigger `json:"trigger"`
	Steps       []schema.Step  `json:"steps"`
	Enabled     *bool          `json:"enabled,omitempty"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WorkflowPatch lists the fields to replace on an existing workflow.
type WorkflowPatch struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Trigger     *schema.Trigger `json:"trigger,omitempty"`
	Steps       *[]schema.Step  `json:"steps,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Metadata    *map[string]any `json:"metadata,omitempty"`
}

// WebhookResult reports the runs started by one webhook delivery.
type WebhookResult struct {
	WebhookID       string   `json:"webhookId"`
	TriggeredRunIDs []string `json:"triggeredRunIds"`
}

// CreateWorkflow validates and stores a new workflow. Invalid definitions
// are rejected before anything is persisted.
func (s *Service) CreateWorkflow(ctx context.Context, in CreateWorkflowInput) (*schema.Workflow, error) {
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	now := time.Now().UTC()
	wf := &schema.Workflow{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Trigger:     in.Trigger,
		Steps:       in.Steps,
		Enabled:     enabled,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    in.Metadata,
	}
	if wf.Steps == nil {
		wf.Steps = []schema.Step{}
	}
	if err := s.validator.ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	if err := s.workflows.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	s.syncSchedule(wf)
	s.logger.Info("workflow created",
		slog.String("workflow_id", wf.ID), slog.String("trigger", string(wf.Trigger.Type)), slog.Int("steps", len(wf.Steps)))
	return wf, nil
}

// UpdateWorkflow applies patch after validating the resulting definition.
func (s *Service) UpdateWorkflow(ctx context.Context, id string, patch WorkflowPatch) (*schema.Workflow, error) {
	current, err := s.workflows.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *current
	if patch.Name != nil {
		next.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Trigger != nil {
		next.Trigger = *patch.Trigger
	}
	if patch.Steps != nil {
		next.Steps = *patch.Steps
	}
	if patch.Enabled != nil {
		next.Enabled = *patch.Enabled
	}
	if patch.Metadata != nil {
		next.Metadata = *patch.Metadata
	}
	if err := s.validator.ValidateWorkflow(&next); err != nil {
		return nil, err
	}

	if patch.Name != nil {
		patch.Name = &next.Name
	}
	err = s.workflows.UpdateWorkflow(ctx, id, store.WorkflowUpdate{
		Name:        patch.Name,
		Description: patch.Description,
		Trigger:     patch.Trigger,
		Steps:       patch.Steps,
		Enabled:     patch.Enabled,
		Metadata:    patch.Metadata,
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.workflows.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	s.syncSchedule(updated)
	return updated, nil
}

// SetEnabled enables or disables a workflow.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (*schema.Workflow, error) {
	return s.UpdateWorkflow(ctx, id, WorkflowPatch{Enabled: &enabled})
}

// DeleteWorkflow removes a definition. Its runs are kept.
func (s *Service) DeleteWorkflow(ctx context.Context, id string) error {
	if err := s.workflows.DeleteWorkflow(ctx, id); err != nil {
		return err
	}
	if s.scheduler != nil {
		s.scheduler.Remove(id)
	}
	s.logger.Info("workflow deleted", slog.String("workflow_id", id))
	return nil
}

// GetWorkflow returns one workflow or WORKFLOW_NOT_FOUND.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return s.workflows.GetWorkflow(ctx, id)
}

// ListWorkflows returns workflows matching filter, newest first.
func (s *Service) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	wfs, err := s.workflows.ListWorkflows(ctx, filter)
	if wfs == nil && err == nil {
		wfs = []*schema.Workflow{}
	}
	return wfs, err
}

// RunWorkflow starts a run and returns without waiting for it.
func (s *Service) RunWorkflow(ctx context.Context, id string, triggerData map[string]any, triggeredBy string) (*schema.Run, error) {
	return s.dispatcher.StartRun(ctx, id, triggerData, triggeredBy)
}

// GetWorkflowRuns returns runs matching filter, newest first.
func (s *Service) GetWorkflowRuns(ctx context.Context, filter store.RunFilter) ([]*schema.Run, error) {
	runs, err := s.runs.ListRuns(ctx, filter)
	if runs == nil && err == nil {
		runs = []*schema.Run{}
	}
	return runs, err
}

// GetRun returns one run or RUN_NOT_FOUND.
func (s *Service) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	return s.runs.GetRun(ctx, id)
}

// CancelWorkflowRun cancels a pending or running run.
func (s *Service) CancelWorkflowRun(ctx context.Context, id string) (bool, error) {
	return s.dispatcher.CancelRun(ctx, id)
}

// TriggerWebhook delivers a webhook to every listening workflow.
func (s *Service) TriggerWebhook(ctx context.Context, webhookID string, data map[string]any, headers map[string]string) (*WebhookResult, error) {
	ids, err := s.dispatcher.TriggerWebhook(ctx, webhookID, data, headers)
	if err != nil {
		return nil, err
	}
	return &WebhookResult{WebhookID: webhookID, TriggeredRunIDs: ids}, nil
}

// TriggerEvent delivers an external event to every workflow listening for
// its trigger type.
func (s *Service) TriggerEvent(ctx context.Context, triggerType schema.TriggerType, data map[string]any, source string) ([]string, error) {
	return s.dispatcher.TriggerEvent(ctx, triggerType, data, source)
}

// StepKinds describes the registered step kinds.
func (s *Service) StepKinds() []steps.Info {
	if s.steps == nil {
		return []steps.Info{}
	}
	return s.steps.List()
}

// Subscribe streams run events. It fails when no event hub is configured.
func (s *Service) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.RunEvent, func(), error) {
	if s.hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeNotFound, "run events are not available")
	}
	return s.hub.Subscribe(ctx, filter)
}

func (s *Service) syncSchedule(wf *schema.Workflow) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Upsert(wf); err != nil {
		s.logger.Warn("schedule not updated", slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
	}
}
