package steps

import (
	"context"
	"time"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// --- condition ---

type conditionConfig struct {
	Condition string `json:"condition" validate:"required"`
}

type conditionStep struct {
	engine *expressions.ConditionEngine
}

func (s *conditionStep) Kind() schema.StepKind { return schema.StepCondition }

func (s *conditionStep) Schema() StepSchema {
	return StepSchema{
		Description: "Evaluate a boolean expression over the run variables",
		Required:    []string{"condition"},
		Outputs:     []string{"conditionResult"},
	}
}

func (s *conditionStep) Validate(config map[string]any) error {
	var cfg conditionConfig
	if err := decodeConfig(config, &cfg, true); err != nil {
		return err
	}
	// Tokens are substituted before evaluation, so only literal expressions
	// can be checked ahead of time.
	if expressions.HasTokens(cfg.Condition) {
		return nil
	}
	if err := s.engine.Validate(cfg.Condition); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidStepDefinition, "condition: %s", errorText(err))
	}
	return nil
}

// Execute never fails on a missing variable: the comparison is false.
func (s *conditionStep) Execute(_ context.Context, in Input) (map[string]any, error) {
	var cfg conditionConfig
	if err := decodeConfig(in.Config, &cfg, false); err != nil {
		return nil, err
	}
	var vars map[string]any
	if in.Run != nil {
		vars = in.Run.Variables
	}
	ok, err := s.engine.Test(cfg.Condition, vars)
	if err != nil {
		return nil, stepError("condition %q: %s", cfg.Condition, errorText(err))
	}
	return map[string]any{"conditionResult": ok}, nil
}

// --- delay ---

type delayConfig struct {
	DelaySeconds float64 `json:"delaySeconds,omitempty" validate:"gte=0"`
}

type delayStep struct{}

func (s *delayStep) Kind() schema.StepKind { return schema.StepDelay }

func (s *delayStep) Schema() StepSchema {
	return StepSchema{
		Description: "Pause the run",
		Optional:    []string{"delaySeconds"},
		Outputs:     []string{"delayed"},
	}
}

func (s *delayStep) Validate(config map[string]any) error {
	return decodeConfig(config, &delayConfig{}, true)
}

func (s *delayStep) Execute(ctx context.Context, in Input) (map[string]any, error) {
	var cfg delayConfig
	if err := decodeConfig(in.Config, &cfg, false); err != nil {
		return nil, err
	}
	if cfg.DelaySeconds > 0 {
		timer := time.NewTimer(time.Duration(cfg.DelaySeconds * float64(time.Second)))
		defer timer.Stop()

		slot := SlotFrom(ctx)
		if slot != nil {
			slot.Release()
		}
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, stepError("delay interrupted: %v", ctx.Err())
		}
		if slot != nil {
			if err := slot.Reacquire(ctx); err != nil {
				return nil, stepError("delay interrupted: %v", err)
			}
		}
	}
	return map[string]any{"delayed": cfg.DelaySeconds}, nil
}
