package steps

import (
	"context"

	"github.com/rendis/autoflow/pkg/schema"
)

type aiQueryConfig struct {
	Prompt         string   `json:"prompt" validate:"required"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	Model          string   `json:"model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens      int      `json:"maxTokens,omitempty" validate:"gte=0"`
	TimeoutSeconds float64  `json:"timeoutSeconds,omitempty" validate:"gte=0"`
}

type aiQueryStep struct {
	client AIClient
}

func (s *aiQueryStep) Kind() schema.StepKind { return schema.StepAIQuery }

func (s *aiQueryStep) Schema() StepSchema {
	return StepSchema{
		Description: "Send a prompt to the configured language model",
		Required:    []string{"prompt"},
		Optional:    []string{"systemPrompt", "model", "temperature", "maxTokens", "timeoutSeconds"},
		Outputs:     []string{"aiResponse", "aiModel", "aiCost"},
		Network:     true,
	}
}

func (s *aiQueryStep) Validate(config map[string]any) error {
	return decodeConfig(config, &aiQueryConfig{}, true)
}

func (s *aiQueryStep) Execute(ctx context.Context, in Input) (map[string]any, error) {
	var cfg aiQueryConfig
	if err := decodeConfig(in.Config, &cfg, false); err != nil {
		return nil, err
	}
	if s.client == nil {
		return nil, notConfigured(s.Kind(), "language model client")
	}
	ctx, cancel, d := withTimeout(ctx, cfg.TimeoutSeconds, 0)
	defer cancel()

	resp, err := s.client.Query(ctx, AIRequest{
		Prompt:       cfg.Prompt,
		SystemPrompt: cfg.SystemPrompt,
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	})
	if err != nil {
		return nil, timeoutError(ctx, s.Kind(), d, stepError("ai query: %v", err))
	}
	return map[string]any{
		"aiResponse": resp.Response,
		"aiModel":    resp.Model,
		"aiCost":     resp.Cost,
	}, nil
}
