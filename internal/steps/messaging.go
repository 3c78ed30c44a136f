package steps

import (
	"context"
	"strings"
	"time"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// --- email ---

type emailConfig struct {
	To      []string `json:"to" validate:"required,min=1"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject" validate:"required"`
	Body    string   `json:"body,omitempty"`
	HTML    bool     `json:"html,omitempty"`
}

type emailStep struct {
	mailer Mailer
}

func (s *emailStep) Kind() schema.StepKind { return schema.StepEmail }

func (s *emailStep) Schema() StepSchema {
	return StepSchema{
		Description: "Send an email through the configured SMTP server",
		Required:    []string{"to", "subject"},
		Optional:    []string{"body", "cc", "html"},
		Outputs:     []string{"emailSent", "recipients"},
		Network:     true,
	}
}

func (s *emailStep) decode(config map[string]any, placeholders bool) (*emailConfig, error) {
	var cfg emailConfig
	if err := decodeConfig(config, &cfg, placeholders); err != nil {
		return nil, err
	}
	cfg.To = splitAddresses(cfg.To)
	cfg.Cc = splitAddresses(cfg.Cc)
	for _, addr := range append(append([]string{}, cfg.To...), cfg.Cc...) {
		if placeholders && expressions.HasTokens(addr) {
			continue
		}
		if err := validate.Var(addr, "email"); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidStepDefinition, "invalid email address %q", addr)
		}
	}
	if len(cfg.To) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidStepDefinition, "to is required")
	}
	return &cfg, nil
}

func (s *emailStep) Validate(config map[string]any) error {
	_, err := s.decode(config, true)
	return err
}

func (s *emailStep) Execute(ctx context.Context, in Input) (map[string]any, error) {
	cfg, err := s.decode(in.Config, false)
	if err != nil {
		return nil, err
	}
	if s.mailer == nil {
		return nil, notConfigured(s.Kind(), "mailer")
	}
	ctx, cancel, d := withTimeout(ctx, 0, 0)
	defer cancel()

	if err := s.mailer.Send(ctx, EmailMessage{
		To:      cfg.To,
		Cc:      cfg.Cc,
		Subject: cfg.Subject,
		Body:    cfg.Body,
		HTML:    cfg.HTML,
	}); err != nil {
		return nil, timeoutError(ctx, s.Kind(), d, stepError("send email: %v", err))
	}
	recipients := make([]any, 0, len(cfg.To))
	for _, r := range cfg.To {
		recipients = append(recipients, r)
	}
	return map[string]any{
		"emailSent":  true,
		"recipients": recipients,
	}, nil
}

// splitAddresses accepts both lists and comma separated strings.
func splitAddresses(in []string) []string {
	var out []string
	for _, item := range in {
		for _, addr := range strings.Split(item, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

// --- slack ---

type slackConfig struct {
	Channel string `json:"channel" validate:"required"`
	Message string `json:"message" validate:"required"`
}

type slackStep struct {
	chat    ChatMessenger
	timeout time.Duration
}

func (s *slackStep) Kind() schema.StepKind { return schema.StepSlack }

func (s *slackStep) Schema() StepSchema {
	return StepSchema{
		Description: "Post a message to a Slack channel",
		Required:    []string{"channel", "message"},
		Outputs:     []string{"slackSent", "channel"},
		Network:     true,
	}
}

func (s *slackStep) Validate(config map[string]any) error {
	return decodeConfig(config, &slackConfig{}, true)
}

func (s *slackStep) Execute(ctx context.Context, in Input) (map[string]any, error) {
	var cfg slackConfig
	if err := decodeConfig(in.Config, &cfg, false); err != nil {
		return nil, err
	}
	if s.chat == nil {
		return nil, notConfigured(s.Kind(), "Slack client")
	}
	ctx, cancel, d := withTimeout(ctx, 0, s.timeout)
	defer cancel()

	if err := s.chat.Send(ctx, cfg.Channel, cfg.Message); err != nil {
		return nil, timeoutError(ctx, s.Kind(), d, stepError("post to %s: %v", cfg.Channel, err))
	}
	return map[string]any{
		"slackSent": true,
		"channel":   cfg.Channel,
	}, nil
}
