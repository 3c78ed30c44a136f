package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/autoflow/internal/integrations"
)

// Config holds all autoflow configuration.
// Priority: flags > AUTOFLOW_* env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	AccessLog  bool   `json:"access_log"`

	DBDriver    string `json:"db_driver"` // libsql | postgres | memory
	DBPath      string `json:"db_path"`
	DatabaseURL string `json:"database_url"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	MaxConcurrentRuns int      `json:"max_concurrent_runs"`
	SchedulerInterval Duration `json:"scheduler_interval"`
	SchedulerCatchUp  bool     `json:"scheduler_catch_up"`
	ShutdownTimeout   Duration `json:"shutdown_timeout"`

	FileRoot       string   `json:"file_root"`
	HTTPTimeout    Duration `json:"http_timeout"`
	HTTPRetries    int      `json:"http_retries"`
	CommandTimeout Duration `json:"command_timeout"`

	SMTP    integrations.SMTPConfig    `json:"smtp"`
	Slack   integrations.SlackConfig   `json:"slack"`
	ClickUp integrations.ClickUpConfig `json:"clickup"`
	Notion  integrations.NotionConfig  `json:"notion"`
	OpenAI  integrations.AIConfig      `json:"openai"`

	Tracing bool `json:"tracing"`
}

// Duration is a time.Duration written as "30s" in settings.json.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBDriver:          "libsql",
		DBPath:            filepath.Join(autoflowDir(), "autoflow.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		MaxConcurrentRuns: 100,
		SchedulerInterval: Duration(30 * time.Second),
		ShutdownTimeout:   Duration(30 * time.Second),
		FileRoot:          filepath.Join(autoflowDir(), "files"),
		HTTPTimeout:       Duration(30 * time.Second),
		HTTPRetries:       2,
		CommandTimeout:    Duration(30 * time.Second),
		SMTP:              integrations.SMTPConfig{Port: 587},
	}
}

func autoflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autoflow"
	}
	return filepath.Join(home, ".autoflow")
}

func settingsPath() string {
	return filepath.Join(autoflowDir(), "settings.json")
}

// loadConfig layers settings.json over the defaults, then every flag that was
// set on the command line or through its env var.
func loadConfig(cmd *cli.Command, bindings []binding) (Config, error) {
	cfg := defaultConfig()

	path := cmd.String("config")
	if path == "" {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !cmd.IsSet("config"):
		// No settings file is fine unless one was asked for.
	default:
		return cfg, fmt.Errorf("read settings: %w", err)
	}

	for _, b := range bindings {
		if cmd.IsSet(b.flag.Names()[0]) {
			b.apply(cmd, &cfg)
		}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.DBDriver {
	case "libsql", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db driver %q (libsql, postgres, memory)", c.DBDriver)
	}
	if c.MaxConcurrentRuns <= 0 {
		return errors.New("max_concurrent_runs must be positive")
	}
	return nil
}

// libSQLURI turns a plain path into the file: URI go-libsql expects.
func libSQLURI(path string) string {
	if strings.Contains(path, ":") && !filepath.IsAbs(path) {
		return path
	}
	return "file:" + path
}

func (c Config) integrations() integrations.Config {
	return integrations.Config{
		WorkspaceDir:   c.FileRoot,
		HTTPTimeout:    time.Duration(c.HTTPTimeout),
		HTTPRetries:    c.HTTPRetries,
		CommandTimeout: time.Duration(c.CommandTimeout),
		SMTP:           c.SMTP,
		Slack:          c.Slack,
		ClickUp:        c.ClickUp,
		Notion:         c.Notion,
		AI:             c.OpenAI,
	}
}

// binding ties a flag to the Config field it overrides.
type binding struct {
	flag  cli.Flag
	apply func(cmd *cli.Command, cfg *Config)
}

func stringBinding(name, env, usage string, field func(*Config) *string) binding {
	return binding{
		flag: &cli.StringFlag{Name: name, Usage: usage, Sources: cli.EnvVars(env)},
		apply: func(cmd *cli.Command, cfg *Config) {
			*field(cfg) = cmd.String(name)
		},
	}
}

func intBinding(name, env, usage string, field func(*Config) *int) binding {
	return binding{
		flag: &cli.IntFlag{Name: name, Usage: usage, Sources: cli.EnvVars(env)},
		apply: func(cmd *cli.Command, cfg *Config) {
			*field(cfg) = cmd.Int(name)
		},
	}
}

func boolBinding(name, env, usage string, field func(*Config) *bool) binding {
	return binding{
		flag: &cli.BoolFlag{Name: name, Usage: usage, Sources: cli.EnvVars(env)},
		apply: func(cmd *cli.Command, cfg *Config) {
			*field(cfg) = cmd.Bool(name)
		},
	}
}

func durationBinding(name, env, usage string, field func(*Config) *Duration) binding {
	return binding{
		flag: &cli.DurationFlag{Name: name, Usage: usage, Sources: cli.EnvVars(env)},
		apply: func(cmd *cli.Command, cfg *Config) {
			*field(cfg) = Duration(cmd.Duration(name))
		},
	}
}

func floatBinding(name, env, usage string, field func(*Config) *float64) binding {
	return binding{
		flag: &cli.FloatFlag{Name: name, Usage: usage, Sources: cli.EnvVars(env)},
		apply: func(cmd *cli.Command, cfg *Config) {
			*field(cfg) = cmd.Float(name)
		},
	}
}

// newBindings creates fresh flags on every call since urfave/cli keeps parse
// state inside each flag.
func newBindings() []binding {
	return []binding{
		stringBinding("listen", "AUTOFLOW_LISTEN_ADDR", "HTTP listen address (default :4200)",
			func(c *Config) *string { return &c.ListenAddr }),
		boolBinding("access-log", "AUTOFLOW_ACCESS_LOG", "log every HTTP request",
			func(c *Config) *bool { return &c.AccessLog }),
		stringBinding("db-driver", "AUTOFLOW_DB_DRIVER", "storage driver: libsql, postgres or memory",
			func(c *Config) *string { return &c.DBDriver }),
		stringBinding("db-path", "AUTOFLOW_DB_PATH", "libSQL database file (default ~/.autoflow/autoflow.db)",
			func(c *Config) *string { return &c.DBPath }),
		stringBinding("database-url", "AUTOFLOW_DATABASE_URL", "PostgreSQL connection URL",
			func(c *Config) *string { return &c.DatabaseURL }),
		stringBinding("log-level", "AUTOFLOW_LOG_LEVEL", "debug, info, warn or error",
			func(c *Config) *string { return &c.LogLevel }),
		stringBinding("log-format", "AUTOFLOW_LOG_FORMAT", "text or json",
			func(c *Config) *string { return &c.LogFormat }),
		intBinding("max-concurrent-runs", "AUTOFLOW_MAX_CONCURRENT_RUNS", "runs executing at once (default 100)",
			func(c *Config) *int { return &c.MaxConcurrentRuns }),
		durationBinding("scheduler-interval", "AUTOFLOW_SCHEDULER_INTERVAL", "how often schedules are checked (default 30s)",
			func(c *Config) *Duration { return &c.SchedulerInterval }),
		boolBinding("scheduler-catch-up", "AUTOFLOW_SCHEDULER_CATCH_UP", "fire schedules missed while stopped once on startup",
			func(c *Config) *bool { return &c.SchedulerCatchUp }),
		durationBinding("shutdown-timeout", "AUTOFLOW_SHUTDOWN_TIMEOUT", "grace period for in-flight runs on shutdown (default 30s)",
			func(c *Config) *Duration { return &c.ShutdownTimeout }),
		stringBinding("file-root", "AUTOFLOW_FILE_ROOT", "directory file steps are confined to",
			func(c *Config) *string { return &c.FileRoot }),
		durationBinding("http-timeout", "AUTOFLOW_HTTP_TIMEOUT", "default timeout of HTTP-backed steps without timeoutSeconds",
			func(c *Config) *Duration { return &c.HTTPTimeout }),
		intBinding("http-retries", "AUTOFLOW_HTTP_RETRIES", "retries of outbound HTTP calls on 5xx, 429 and transport errors",
			func(c *Config) *int { return &c.HTTPRetries }),
		durationBinding("command-timeout", "AUTOFLOW_COMMAND_TIMEOUT", "default timeout of command steps",
			func(c *Config) *Duration { return &c.CommandTimeout }),
		stringBinding("smtp-host", "AUTOFLOW_SMTP_HOST", "SMTP relay host",
			func(c *Config) *string { return &c.SMTP.Host }),
		intBinding("smtp-port", "AUTOFLOW_SMTP_PORT", "SMTP relay port",
			func(c *Config) *int { return &c.SMTP.Port }),
		stringBinding("smtp-username", "AUTOFLOW_SMTP_USERNAME", "SMTP user",
			func(c *Config) *string { return &c.SMTP.Username }),
		stringBinding("smtp-password", "AUTOFLOW_SMTP_PASSWORD", "SMTP password",
			func(c *Config) *string { return &c.SMTP.Password }),
		stringBinding("smtp-from", "AUTOFLOW_SMTP_FROM", "sender address of email steps",
			func(c *Config) *string { return &c.SMTP.From }),
		stringBinding("slack-webhook-url", "AUTOFLOW_SLACK_WEBHOOK_URL", "Slack incoming webhook",
			func(c *Config) *string { return &c.Slack.WebhookURL }),
		stringBinding("slack-token", "AUTOFLOW_SLACK_TOKEN", "Slack bot token",
			func(c *Config) *string { return &c.Slack.BotToken }),
		stringBinding("clickup-token", "AUTOFLOW_CLICKUP_TOKEN", "ClickUp API token",
			func(c *Config) *string { return &c.ClickUp.Token }),
		stringBinding("notion-token", "AUTOFLOW_NOTION_TOKEN", "Notion integration token",
			func(c *Config) *string { return &c.Notion.Token }),
		stringBinding("openai-api-key", "AUTOFLOW_OPENAI_API_KEY", "OpenAI API key",
			func(c *Config) *string { return &c.OpenAI.APIKey }),
		stringBinding("openai-base-url", "AUTOFLOW_OPENAI_BASE_URL", "OpenAI compatible endpoint",
			func(c *Config) *string { return &c.OpenAI.BaseURL }),
		stringBinding("openai-model", "AUTOFLOW_OPENAI_MODEL", "default model of AI steps",
			func(c *Config) *string { return &c.OpenAI.Model }),
		floatBinding("openai-prompt-price", "AUTOFLOW_OPENAI_PROMPT_PRICE", "dollars per 1000 prompt tokens",
			func(c *Config) *float64 { return &c.OpenAI.PromptPrice }),
		floatBinding("openai-completion-price", "AUTOFLOW_OPENAI_COMPLETION_PRICE", "dollars per 1000 completion tokens",
			func(c *Config) *float64 { return &c.OpenAI.CompletionPrice }),
		boolBinding("tracing", "AUTOFLOW_TRACING", "export OpenTelemetry spans over OTLP/HTTP",
			func(c *Config) *bool { return &c.Tracing }),
	}
}

// configFlags returns the --config flag followed by every bound setting.
func configFlags(bindings []binding) []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "settings file (default ~/.autoflow/settings.json)",
			Sources: cli.EnvVars("AUTOFLOW_CONFIG"),
		},
	}
	for _, b := range bindings {
		flags = append(flags, b.flag)
	}
	return flags
}
