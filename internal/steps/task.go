package steps

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

type taskConfig struct {
	Operation   string `json:"operation" validate:"required,oneof=create update"`
	TaskID      string `json:"taskId,omitempty" validate:"required_if=Operation update"`
	Title       string `json:"title,omitempty" validate:"required_if=Operation create"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty" validate:"omitempty,oneof=todo in_progress done cancelled"`
	Priority    string `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	Assignee    string `json:"assignee,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
}

type taskStep struct {
	tasks store.TaskStore
}

func (s *taskStep) Kind() schema.StepKind { return schema.StepTaskOperation }

func (s *taskStep) Schema() StepSchema {
	return StepSchema{
		Description: "Create or update a task in the built-in task list",
		Required:    []string{"operation"},
		Optional:    []string{"taskId", "title", "description", "status", "priority", "assignee", "dueDate"},
		Outputs:     []string{"taskId", "task"},
	}
}

func (s *taskStep) Validate(config map[string]any) error {
	var cfg taskConfig
	if err := decodeConfig(config, &cfg, true); err != nil {
		return err
	}
	if cfg.DueDate != "" && !expressions.HasTokens(cfg.DueDate) {
		if _, err := parseDueDate(cfg.DueDate); err != nil {
			return schema.NewErrorf(schema.ErrCodeInvalidStepDefinition, "dueDate: %v", err)
		}
	}
	return nil
}

func (s *taskStep) Execute(ctx context.Context, in Input) (map[string]any, error) {
	var cfg taskConfig
	if err := decodeConfig(in.Config, &cfg, false); err != nil {
		return nil, err
	}
	if s.tasks == nil {
		return nil, notConfigured(s.Kind(), "task store")
	}
	var due *time.Time
	if cfg.DueDate != "" {
		t, err := parseDueDate(cfg.DueDate)
		if err != nil {
			return nil, stepError("dueDate: %v", err)
		}
		due = &t
	}

	var task *store.Task
	switch cfg.Operation {
	case "create":
		task = &store.Task{
			ID:          uuid.NewString(),
			Title:       cfg.Title,
			Description: cfg.Description,
			Status:      cfg.Status,
			Priority:    cfg.Priority,
			Assignee:    cfg.Assignee,
			DueDate:     due,
		}
		if in.Run != nil {
			task.WorkflowID = in.Run.WorkflowID
			task.RunID = in.Run.RunID
		}
		if err := s.tasks.CreateTask(ctx, task); err != nil {
			return nil, err
		}
	case "update":
		if err := s.tasks.UpdateTask(ctx, cfg.TaskID, store.TaskUpdate{
			Title:       optString(cfg.Title),
			Description: optString(cfg.Description),
			Status:      optString(cfg.Status),
			Priority:    optString(cfg.Priority),
			Assignee:    optString(cfg.Assignee),
			DueDate:     due,
		}); err != nil {
			return nil, err
		}
		var err error
		if task, err = s.tasks.GetTask(ctx, cfg.TaskID); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"taskId": task.ID,
		"task":   toMap(task),
	}, nil
}

func parseDueDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// toMap renders a struct through its JSON form so step outputs only carry
// plain maps, slices and scalars.
func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
