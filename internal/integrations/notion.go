package integrations

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/rendis/autoflow/internal/steps"
)

const (
	notionAPI     = "https://api.notion.com/v1"
	notionVersion = "2022-06-28"
)

type NotionConfig struct {
	Token   string `json:"token"`
	BaseURL string `json:"baseUrl"`
}

// NotionConnector creates and updates pages through the Notion REST API.
type NotionConnector struct {
	http *resty.Client
	cfg  NotionConfig
}

var _ steps.NotionClient = (*NotionConnector)(nil)

// NewNotionConnector returns nil without a token.
func NewNotionConnector(http *RestyClient, cfg NotionConfig) *NotionConnector {
	if cfg.Token == "" {
		return nil
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = notionAPI
	}
	return &NotionConnector{http: http.Resty(), cfg: cfg}
}

type notionPageReply struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Message string `json:"message"`
}

func (c *NotionConnector) CreatePage(ctx context.Context, databaseID string, page steps.NotionPage) (*steps.DocumentRef, error) {
	body := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": pageProperties(page),
	}
	if page.Content != "" {
		body["children"] = []any{paragraph(page.Content)}
	}
	return c.send(ctx, resty.MethodPost, c.cfg.BaseURL+"/pages", body)
}

// UpdatePage patches page properties. Content is appended as a new block.
func (c *NotionConnector) UpdatePage(ctx context.Context, pageID string, page steps.NotionPage) (*steps.DocumentRef, error) {
	ref, err := c.send(ctx, resty.MethodPatch, fmt.Sprintf("%s/pages/%s", c.cfg.BaseURL, pageID),
		map[string]any{"properties": pageProperties(page)})
	if err != nil {
		return nil, err
	}
	if page.Content != "" {
		_, err = c.send(ctx, resty.MethodPatch, fmt.Sprintf("%s/blocks/%s/children", c.cfg.BaseURL, pageID),
			map[string]any{"children": []any{paragraph(page.Content)}})
		if err != nil {
			return nil, err
		}
	}
	return ref, nil
}

func (c *NotionConnector) send(ctx context.Context, method, url string, body map[string]any) (*steps.DocumentRef, error) {
	var reply notionPageReply
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.cfg.Token).
		SetHeader("Notion-Version", notionVersion).
		SetBody(body).
		SetResult(&reply).
		SetError(&reply).
		Execute(method, url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("notion: status %d: %s", resp.StatusCode(), reply.Message)
	}
	return &steps.DocumentRef{ID: reply.ID, URL: reply.URL}, nil
}

func pageProperties(page steps.NotionPage) map[string]any {
	props := make(map[string]any, len(page.Properties)+1)
	for k, v := range page.Properties {
		props[k] = v
	}
	if page.Title != "" {
		props["title"] = map[string]any{
			"title": []any{map[string]any{"text": map[string]any{"content": page.Title}}},
		}
	}
	return props
}

func paragraph(text string) map[string]any {
	return map[string]any{
		"object": "block",
		"type":   "paragraph",
		"paragraph": map[string]any{
			"rich_text": []any{map[string]any{"type": "text", "text": map[string]any{"content": text}}},
		},
	}
}
