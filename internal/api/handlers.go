package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/rendis/autoflow/internal/automation"
	"github.com/rendis/autoflow/internal/scheduler"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// CreateWorkflowRequest is the body of POST /workflows.
type CreateWorkflowRequest struct {
	Name        string         `json:"name" validate:"required,max=200"`
	Description string         `json:"description"`
	Trigger     schema.Trigger `json:"trigger"`
	Steps       []schema.Step  `json:"steps" validate:"required,min=1"`
	Enabled     *bool          `json:"enabled"`
	CreatedBy   string         `json:"createdBy"`
	Metadata    map[string]any `json:"metadata"`
}

// RunWorkflowRequest is the optional body of POST /workflows/:id/run.
type RunWorkflowRequest struct {
	TriggerData map[string]any `json:"triggerData"`
	TriggeredBy string         `json:"triggeredBy" validate:"omitempty,max=100"`
}

func (s *Server) createWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest("invalid JSON body")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(err.Error())
	}

	wf, err := s.svc.CreateWorkflow(c.Context(), automation.CreateWorkflowInput{
		Name:        req.Name,
		Description: req.Description,
		Trigger:     req.Trigger,
		Steps:       req.Steps,
		Enabled:     req.Enabled,
		CreatedBy:   req.CreatedBy,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(wf)
}

func (s *Server) listWorkflows(c fiber.Ctx) error {
	filter := store.WorkflowFilter{
		WebhookID: c.Query("webhookId"),
		CreatedBy: c.Query("createdBy"),
	}
	if v := c.Query("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest("enabled must be true or false")
		}
		filter.Enabled = &enabled
	}
	if v := c.Query("trigger"); v != "" {
		tt := schema.TriggerType(v)
		if !tt.Valid() {
			return schema.NewErrorf(schema.ErrCodeInvalidTrigger, "unknown trigger type %q", v)
		}
		filter.TriggerType = &tt
	}
	var err error
	if filter.Limit, filter.Offset, err = paging(c); err != nil {
		return err
	}

	wfs, err := s.svc.ListWorkflows(c.Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"workflows":  wfs,
		"pagination": fiber.Map{"limit": filter.Limit, "offset": filter.Offset},
	})
}

func (s *Server) getWorkflow(c fiber.Ctx) error {
	wf, err := s.svc.GetWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(wf)
}

func (s *Server) updateWorkflow(c fiber.Ctx) error {
	var patch automation.WorkflowPatch
	if err := c.Bind().JSON(&patch); err != nil {
		return badRequest("invalid JSON body")
	}
	wf, err := s.svc.UpdateWorkflow(c.Context(), c.Params("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(wf)
}

func (s *Server) deleteWorkflow(c fiber.Ctx) error {
	if err := s.svc.DeleteWorkflow(c.Context(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

func (s *Server) runWorkflow(c fiber.Ctx) error {
	var req RunWorkflowRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return badRequest("invalid JSON body")
		}
		if err := s.validate.Struct(req); err != nil {
			return badRequest(err.Error())
		}
	}
	run, err := s.svc.RunWorkflow(c.Context(), c.Params("id"), req.TriggerData, req.TriggeredBy)
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(run)
}

func (s *Server) workflowRuns(c fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.svc.GetWorkflow(c.Context(), id); err != nil {
		return err
	}
	filter, err := runFilter(c)
	if err != nil {
		return err
	}
	filter.WorkflowID = id
	return s.sendRuns(c, filter)
}

func (s *Server) listRuns(c fiber.Ctx) error {
	filter, err := runFilter(c)
	if err != nil {
		return err
	}
	filter.WorkflowID = c.Query("workflowId")
	return s.sendRuns(c, filter)
}

func (s *Server) sendRuns(c fiber.Ctx, filter store.RunFilter) error {
	runs, err := s.svc.GetWorkflowRuns(c.Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"runs":       runs,
		"pagination": fiber.Map{"limit": filter.Limit, "offset": filter.Offset},
	})
}

func (s *Server) getRun(c fiber.Ctx) error {
	run, err := s.svc.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(run)
}

func (s *Server) cancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	cancelled, err := s.svc.CancelWorkflowRun(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"runId": id, "cancelled": cancelled})
}

func (s *Server) triggerWebhook(c fiber.Ctx) error {
	data, err := bodyMap(c)
	if err != nil {
		return err
	}
	res, err := s.svc.TriggerWebhook(c.Context(), c.Params("webhookId"), data, requestHeaders(c))
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(res)
}

func (s *Server) triggerEvent(c fiber.Ctx) error {
	data, err := bodyMap(c)
	if err != nil {
		return err
	}
	ids, err := s.svc.TriggerEvent(c.Context(), schema.TriggerType(c.Params("triggerType")), data, c.Query("source"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"triggeredRunIds": ids})
}

func (s *Server) stepKinds(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"steps": s.svc.StepKinds()})
}

func (s *Server) scheduleTable(c fiber.Ctx) error {
	entries := []scheduler.Entry{}
	if s.schedule != nil {
		entries = s.schedule.Entries()
	}
	return c.JSON(fiber.Map{"entries": entries})
}

func (s *Server) stats(c fiber.Ctx) error {
	if s.pool == nil {
		return c.JSON(fiber.Map{})
	}
	return c.JSON(fiber.Map{"pool": s.pool.Metrics()})
}

// --- request helpers ---

func paging(c fiber.Ctx) (limit, offset int, err error) {
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, badRequest("limit must be a non-negative integer")
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, badRequest("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// runFilter reads status (comma separated), limit and offset.
func runFilter(c fiber.Ctx) (store.RunFilter, error) {
	var filter store.RunFilter
	if v := c.Query("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			status := schema.RunStatus(strings.TrimSpace(raw))
			if !status.Valid() {
				return filter, badRequest("unknown run status " + strconv.Quote(string(status)))
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	var err error
	filter.Limit, filter.Offset, err = paging(c)
	return filter, err
}

// bodyMap decodes a JSON object body. An empty body is an empty object.
func bodyMap(c fiber.Ctx) (map[string]any, error) {
	data := map[string]any{}
	if len(c.Body()) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(c.Body(), &data); err != nil {
		return nil, badRequest("body must be a JSON object")
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// requestHeaders flattens request headers to their first value with
// lower-cased names.
func requestHeaders(c fiber.Ctx) map[string]string {
	out := map[string]string{}
	for name, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			out[strings.ToLower(name)] = values[0]
		}
	}
	return out
}
