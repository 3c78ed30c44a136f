package steps

import (
	"context"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// --- clickup ---

type clickUpConfig struct {
	Operation   string         `json:"operation" validate:"required,oneof=create_task update_task"`
	ListID      string         `json:"listId,omitempty" validate:"required_if=Operation create_task"`
	TaskID      string         `json:"taskId,omitempty" validate:"required_if=Operation update_task"`
	Name        string         `json:"name,omitempty" validate:"required_if=Operation create_task"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status,omitempty"`
	Priority    int            `json:"priority,omitempty" validate:"gte=0,lte=4"`
	Fields      map[string]any `json:"fields,omitempty"`
}

type clickUpStep struct {
	client  ClickUpClient
	timeout time.Duration
}

func (s *clickUpStep) Kind() schema.StepKind { return schema.StepClickUp }

func (s *clickUpStep) Schema() StepSchema {
	return StepSchema{
		Description: "Create or update a ClickUp task",
		Required:    []string{"operation"},
		Optional:    []string{"listId", "taskId", "name", "description", "status", "priority", "fields"},
		Outputs:     []string{"clickupTaskId", "clickupUrl"},
		Network:     true,
	}
}

func (s *clickUpStep) Validate(config map[string]any) error {
	return decodeConfig(config, &clickUpConfig{}, true)
}

func (s *clickUpStep) Execute(ctx context.Context, in Input) (map[string]any, error) {
	var cfg clickUpConfig
	if err := decodeConfig(in.Config, &cfg, false); err != nil {
		return nil, err
	}
	if s.client == nil {
		return nil, notConfigured(s.Kind(), "ClickUp client")
	}
	ctx, cancel, d := withTimeout(ctx, 0, s.timeout)
	defer cancel()

	task := ClickUpTask{
		Name:        cfg.Name,
		Description: cfg.Description,
		Status:      cfg.Status,
		Priority:    cfg.Priority,
		Fields:      cfg.Fields,
	}
	var (
		ref *DocumentRef
		err error
	)
	if cfg.Operation == "create_task" {
		ref, err = s.client.CreateTask(ctx, cfg.ListID, task)
	} else {
		ref, err = s.client.UpdateTask(ctx, cfg.TaskID, task)
	}
	if err != nil {
		return nil, timeoutError(ctx, s.Kind(), d, stepError("clickup %s: %v", cfg.Operation, err))
	}
	return map[string]any{
		"clickupTaskId": ref.ID,
		"clickupUrl":    ref.URL,
	}, nil
}

// --- notion ---

type notionConfig struct {
	Operation  string         `json:"operation" validate:"required,oneof=create_page update_page"`
	DatabaseID string         `json:"databaseId,omitempty" validate:"required_if=Operation create_page"`
	PageID     string         `json:"pageId,omitempty" validate:"required_if=Operation update_page"`
	Title      string         `json:"title,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Content    string         `json:"content,omitempty"`
}

type notionStep struct {
	client  NotionClient
	timeout time.Duration
}

func (s *notionStep) Kind() schema.StepKind { return schema.StepNotion }

func (s *notionStep) Schema() StepSchema {
	return StepSchema{
		Description: "Create or update a Notion page",
		Required:    []string{"operation"},
		Optional:    []string{"databaseId", "pageId", "title", "properties", "content"},
		Outputs:     []string{"notionPageId", "notionUrl"},
		Network:     true,
	}
}

func (s *notionStep) Validate(config map[string]any) error {
	return decodeConfig(config, &notionConfig{}, true)
}

func (s *notionStep) Execute(ctx context.Context, in Input) (map[string]any, error) {
	var cfg notionConfig
	if err := decodeConfig(in.Config, &cfg, false); err != nil {
		return nil, err
	}
	if s.client == nil {
		return nil, notConfigured(s.Kind(), "Notion client")
	}
	ctx, cancel, d := withTimeout(ctx, 0, s.timeout)
	defer cancel()

	page := NotionPage{Title: cfg.Title, Properties: cfg.Properties, Content: cfg.Content}
	var (
		ref *DocumentRef
		err error
	)
	if cfg.Operation == "create_page" {
		ref, err = s.client.CreatePage(ctx, cfg.DatabaseID, page)
	} else {
		ref, err = s.client.UpdatePage(ctx, cfg.PageID, page)
	}
	if err != nil {
		return nil, timeoutError(ctx, s.Kind(), d, stepError("notion %s: %v", cfg.Operation, err))
	}
	return map[string]any{
		"notionPageId": ref.ID,
		"notionUrl":    ref.URL,
	}, nil
}
