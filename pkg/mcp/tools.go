package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autoflow/internal/automation"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// handleCreate validates and stores a new workflow.
func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	args := req.GetArguments()

	in := automation.CreateWorkflowInput{
		Name:        name,
		Description: req.GetString("description", ""),
		CreatedBy:   req.GetString("created_by", ""),
	}
	if _, ok := args["trigger"]; !ok {
		return mcp.NewToolResultError("trigger is required"), nil
	}
	if err := decodeArg(args, "trigger", &in.Trigger); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, ok := args["steps"]; !ok {
		return mcp.NewToolResultError("steps is required"), nil
	}
	if err := decodeArg(args, "steps", &in.Steps); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, ok := args["enabled"]; ok {
		enabled := req.GetBool("enabled", true)
		in.Enabled = &enabled
	}

	wf, err := s.svc.CreateWorkflow(ctx, in)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(wf)
}

// handleList lists workflows.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	filter := store.WorkflowFilter{
		WebhookID: req.GetString("webhook_id", ""),
		Limit:     req.GetInt("limit", 0),
		Offset:    req.GetInt("offset", 0),
	}
	if _, ok := args["enabled"]; ok {
		enabled := req.GetBool("enabled", true)
		filter.Enabled = &enabled
	}
	if v := req.GetString("trigger", ""); v != "" {
		tt := schema.TriggerType(v)
		if !tt.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown trigger type %q", v)), nil
		}
		filter.TriggerType = &tt
	}

	wfs, err := s.svc.ListWorkflows(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"workflows": wfs, "count": len(wfs)})
}

// handleGet returns one workflow.
func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, err := s.svc.GetWorkflow(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(wf)
}

// handleRun starts a run and remembers the calling session for its end
// notification.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	data := mcp.ParseStringMap(req, "trigger_data", nil)
	triggeredBy := req.GetString("triggered_by", "")

	run, err := s.svc.RunWorkflow(ctx, id, data, triggeredBy)
	if err != nil {
		return toolError(err), nil
	}
	s.captureSession(ctx, run.ID)
	return marshalResult(run)
}

// handleRuns lists runs, or returns a single run when run_id is given.
func (s *Server) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if runID := req.GetString("run_id", ""); runID != "" {
		run, err := s.svc.GetRun(ctx, runID)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"runs": []*schema.Run{run}, "count": 1})
	}

	filter := store.RunFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Limit:      req.GetInt("limit", 0),
		Offset:     req.GetInt("offset", 0),
	}
	if v := req.GetString("status", ""); v != "" {
		for _, raw := range strings.Split(v, ",") {
			status := schema.RunStatus(strings.TrimSpace(raw))
			if !status.Valid() {
				return mcp.NewToolResultError(fmt.Sprintf("unknown run status %q", status)), nil
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if filter.WorkflowID != "" {
		if _, err := s.svc.GetWorkflow(ctx, filter.WorkflowID); err != nil {
			return toolError(err), nil
		}
	}

	runs, err := s.svc.GetWorkflowRuns(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"runs": runs, "count": len(runs)})
}

// handleCancel cancels a run.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	cancelled, err := s.svc.CancelWorkflowRun(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"runId": id, "cancelled": cancelled})
}

// handleWebhook fans a payload out to the workflows listening on a webhook.
func (s *Server) handleWebhook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("webhook_id")
	if err != nil {
		return mcp.NewToolResultError("webhook_id is required"), nil
	}
	data := mcp.ParseStringMap(req, "data", nil)

	headers := map[string]string{}
	for k, v := range mcp.ParseStringMap(req, "headers", nil) {
		headers[strings.ToLower(k)] = fmt.Sprint(v)
	}

	res, err := s.svc.TriggerWebhook(ctx, id, data, headers)
	if err != nil {
		return toolError(err), nil
	}
	for _, runID := range res.TriggeredRunIDs {
		s.captureSession(ctx, runID)
	}
	return marshalResult(res)
}

// captureSession maps the run to the current MCP session for notifications.
// The run is already executing, so a run that finished before the mapping
// existed is notified from its stored state.
func (s *Server) captureSession(ctx context.Context, runID string) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	s.sessions.Register(runID, session.SessionID())
	run, err := s.svc.GetRun(ctx, runID)
	if err != nil {
		s.logger.Warn("read run after session capture", slog.String("run_id", runID), slog.String("error", err.Error()))
		return
	}
	s.notifier.NotifyStored(run)
}

// decodeArg converts a loosely typed tool argument into a typed value.
func decodeArg(args map[string]any, key string, out any) error {
	raw, err := json.Marshal(args[key])
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s has the wrong shape: %w", key, err)
	}
	return nil
}

// toolError renders an error as a tool error result prefixed with its code.
func toolError(err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
