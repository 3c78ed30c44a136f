package integrations

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/rendis/autoflow/internal/steps"
)

const clickUpAPI = "https://api.clickup.com/api/v2"

type ClickUpConfig struct {
	Token   string `json:"token"`
	BaseURL string `json:"baseUrl"`
}

// ClickUpConnector talks to the ClickUp v2 REST API.
type ClickUpConnector struct {
	http *resty.Client
	cfg  ClickUpConfig
}

var _ steps.ClickUpClient = (*ClickUpConnector)(nil)

// NewClickUpConnector returns nil without a token.
func NewClickUpConnector(http *RestyClient, cfg ClickUpConfig) *ClickUpConnector {
	if cfg.Token == "" {
		return nil
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = clickUpAPI
	}
	return &ClickUpConnector{http: http.Resty(), cfg: cfg}
}

type clickUpTaskReply struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	Err string `json:"err"`
}

func (c *ClickUpConnector) CreateTask(ctx context.Context, listID string, task steps.ClickUpTask) (*steps.DocumentRef, error) {
	return c.send(ctx, resty.MethodPost, fmt.Sprintf("%s/list/%s/task", c.cfg.BaseURL, listID), task)
}

func (c *ClickUpConnector) UpdateTask(ctx context.Context, taskID string, task steps.ClickUpTask) (*steps.DocumentRef, error) {
	return c.send(ctx, resty.MethodPut, fmt.Sprintf("%s/task/%s", c.cfg.BaseURL, taskID), task)
}

func (c *ClickUpConnector) send(ctx context.Context, method, url string, task steps.ClickUpTask) (*steps.DocumentRef, error) {
	body := map[string]any{}
	for k, v := range task.Fields {
		body[k] = v
	}
	if task.Name != "" {
		body["name"] = task.Name
	}
	if task.Description != "" {
		body["description"] = task.Description
	}
	if task.Status != "" {
		body["status"] = task.Status
	}
	if task.Priority > 0 {
		body["priority"] = task.Priority
	}

	var reply clickUpTaskReply
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", c.cfg.Token).
		SetBody(body).
		SetResult(&reply).
		SetError(&reply).
		Execute(method, url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("clickup: status %d: %s", resp.StatusCode(), reply.Err)
	}
	return &steps.DocumentRef{ID: reply.ID, URL: reply.URL}, nil
}
