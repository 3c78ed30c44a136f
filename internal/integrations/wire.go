package integrations

import (
	"log/slog"
	"time"

	"github.com/rendis/autoflow/internal/steps"
	"github.com/rendis/autoflow/internal/store"
)

// Config gathers the settings of every external collaborator.
type Config struct {
	WorkspaceDir string `json:"workspaceDir"`
	// HTTPTimeout is the default bound of HTTP-backed steps.
	HTTPTimeout time.Duration `json:"httpTimeout"`
	HTTPRetries int           `json:"httpRetries"`
	// CommandTimeout is the default bound of command steps.
	CommandTimeout time.Duration `json:"commandTimeout"`
	SMTP           SMTPConfig    `json:"smtp"`
	Slack          SlackConfig   `json:"slack"`
	ClickUp        ClickUpConfig `json:"clickup"`
	Notion         NotionConfig  `json:"notion"`
	AI             AIConfig      `json:"ai"`
}

// Dependencies builds the step collaborators from cfg. Connectors without
// credentials are left nil so their steps report that they are unconfigured.
func Dependencies(cfg Config, tasks store.TaskStore, logger *slog.Logger) (steps.Dependencies, error) {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := NewHTTPClient(HTTPConfig{
		RetryCount: cfg.HTTPRetries,
		Logger:     logger,
	})
	deps := steps.Dependencies{
		Commands:       &ExecRunner{Dir: cfg.WorkspaceDir},
		CommandTimeout: cfg.CommandTimeout,
		HTTPTimeout:    cfg.HTTPTimeout,
		HTTP:           httpClient,
		Tasks:          tasks,
		Logger:         logger,
	}

	if cfg.WorkspaceDir != "" {
		files, err := NewFileSandbox(cfg.WorkspaceDir)
		if err != nil {
			return deps, err
		}
		deps.Files = files
	}
	if m := NewSMTPMailer(cfg.SMTP); m != nil {
		deps.Mailer = m
	}
	if s := NewSlackClient(httpClient, cfg.Slack); s != nil {
		deps.Chat = s
	}
	if c := NewClickUpConnector(httpClient, cfg.ClickUp); c != nil {
		deps.ClickUp = c
	}
	if n := NewNotionConnector(httpClient, cfg.Notion); n != nil {
		deps.Notion = n
	}
	ai, err := NewOpenAIClient(cfg.AI)
	if err != nil {
		return deps, err
	}
	if ai != nil {
		deps.AI = ai
	}

	logger.Info("integrations configured",
		slog.Bool("files", deps.Files != nil),
		slog.Bool("email", deps.Mailer != nil),
		slog.Bool("slack", deps.Chat != nil),
		slog.Bool("clickup", deps.ClickUp != nil),
		slog.Bool("notion", deps.Notion != nil),
		slog.Bool("ai", deps.AI != nil),
	)
	return deps, nil
}
