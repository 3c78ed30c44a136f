package steps

import (
	"log/slog"
	"time"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
)

// Dependencies are the collaborators the built-in steps call. Any of them
// may be nil; the affected kinds then fail at run time with a clear message
// while definitions using them still validate.
type Dependencies struct {
	Commands CommandRunner
	// CommandTimeout bounds command steps that do not set timeoutSeconds.
	// Zero means DefaultTimeout.
	CommandTimeout time.Duration
	// HTTPTimeout bounds outbound HTTP steps and the Slack, ClickUp and
	// Notion connectors when a step sets no timeoutSeconds.
	HTTPTimeout time.Duration
	HTTP        HTTPClient
	Files       FileStore
	Tasks       store.TaskStore
	Mailer      Mailer
	Chat        ChatMessenger
	ClickUp     ClickUpClient
	Notion      NotionClient
	AI          AIClient
	Conditions  *expressions.ConditionEngine
	Extractor   *expressions.Extractor
	Logger      *slog.Logger
}

// RegisterBuiltins registers an executor for every step kind.
func RegisterBuiltins(reg *Registry, deps Dependencies) error {
	if deps.Conditions == nil {
		deps.Conditions = expressions.NewConditionEngine()
	}
	if deps.Extractor == nil {
		deps.Extractor = expressions.NewExtractor()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	call := httpCall{client: deps.HTTP, extractor: deps.Extractor, timeout: deps.HTTPTimeout}

	for _, ex := range []Executor{
		&commandStep{runner: deps.Commands, timeout: deps.CommandTimeout},
		&apiCallStep{httpCall: call},
		&fileStep{files: deps.Files},
		&taskStep{tasks: deps.Tasks},
		&emailStep{mailer: deps.Mailer},
		&slackStep{chat: deps.Chat, timeout: deps.HTTPTimeout},
		&makeComStep{httpCall: call},
		&clickUpStep{client: deps.ClickUp, timeout: deps.HTTPTimeout},
		&notionStep{client: deps.Notion, timeout: deps.HTTPTimeout},
		&conditionStep{engine: deps.Conditions},
		&delayStep{},
		&aiQueryStep{client: deps.AI},
		&webhookStep{httpCall: call},
	} {
		if err := reg.Register(ex); err != nil {
			return err
		}
		logger.Debug("step kind registered", slog.String("kind", string(ex.Kind())))
	}
	return nil
}

// NewBuiltinRegistry is a convenience for RegisterBuiltins on a fresh registry.
func NewBuiltinRegistry(deps Dependencies) (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}
