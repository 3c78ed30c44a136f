package integrations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rendis/autoflow/internal/steps"
)

// AIConfig configures the language model used by ai_query steps.
type AIConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl"`
	Model   string `json:"model"`
	// Prices are in dollars per 1000 tokens and feed the aiCost output.
	PromptPrice     float64 `json:"promptPrice"`
	CompletionPrice float64 `json:"completionPrice"`
	MaxRetries      uint64  `json:"maxRetries"`
}

const defaultAIModel = "gpt-4o-mini"

// LLMClient adapts a langchaingo model to the ai_query step.
type LLMClient struct {
	model llms.Model
	cfg   AIConfig
}

var _ steps.AIClient = (*LLMClient)(nil)

// NewOpenAIClient returns nil, nil without an API key.
func NewOpenAIClient(cfg AIConfig) (*LLMClient, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}
	if cfg.Model == "" {
		cfg.Model = defaultAIModel
	}
	opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	return NewLLMClient(model, cfg), nil
}

// NewLLMClient wraps any langchaingo model.
func NewLLMClient(model llms.Model, cfg AIConfig) *LLMClient {
	if cfg.Model == "" {
		cfg.Model = defaultAIModel
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	return &LLMClient{model: model, cfg: cfg}
}

func (c *LLMClient) Query(ctx context.Context, req steps.AIRequest) (*steps.AIResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	messages := make([]llms.MessageContent, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	opts := []llms.CallOption{llms.WithModel(model)}
	if req.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(500*time.Millisecond))
	var resp *llms.ContentResponse
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.model.GenerateContent(ctx, messages, opts...)
		if callErr != nil && isRetryable(callErr) {
			return retry.RetryableError(callErr)
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("model returned no choices")
	}

	choice := resp.Choices[0]
	return &steps.AIResponse{
		Response: choice.Content,
		Model:    model,
		Cost:     c.cost(choice.GenerationInfo),
	}, nil
}

func (c *LLMClient) cost(info map[string]any) float64 {
	prompt := tokenCount(info, "PromptTokens")
	completion := tokenCount(info, "CompletionTokens")
	return (float64(prompt)*c.cfg.PromptPrice + float64(completion)*c.cfg.CompletionPrice) / 1000
}

func tokenCount(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "500", "502", "503", "504", "timeout", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
