package steps

import (
	"context"
	"strings"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

type commandConfig struct {
	Command        string            `json:"command" validate:"required"`
	Args           []string          `json:"args,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds float64           `json:"timeoutSeconds,omitempty" validate:"gte=0"`
}

type commandStep struct {
	runner  CommandRunner
	timeout time.Duration
}

func (s *commandStep) Kind() schema.StepKind { return schema.StepCommand }

func (s *commandStep) Schema() StepSchema {
	return StepSchema{
		Description: "Run a local command",
		Required:    []string{"command"},
		Optional:    []string{"args", "cwd", "env", "timeoutSeconds"},
		Outputs:     []string{"stdout", "stderr", "exitCode"},
	}
}

func (s *commandStep) Validate(config map[string]any) error {
	return decodeConfig(config, &commandConfig{}, true)
}

func (s *commandStep) Execute(ctx context.Context, in Input) (map[string]any, error) {
	var cfg commandConfig
	if err := decodeConfig(in.Config, &cfg, false); err != nil {
		return nil, err
	}
	if s.runner == nil {
		return nil, notConfigured(s.Kind(), "command runner")
	}

	ctx, cancel, d := withTimeout(ctx, cfg.TimeoutSeconds, s.timeout)
	defer cancel()

	res, err := s.runner.Run(ctx, CommandRequest{
		Command: cfg.Command,
		Args:    cfg.Args,
		Cwd:     cfg.Cwd,
		Env:     cfg.Env,
		Timeout: d,
	})
	if err != nil {
		return nil, timeoutError(ctx, s.Kind(), d, err)
	}
	if !res.Success || res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return nil, stepError("command %q exited with code %d: %s", cfg.Command, res.ExitCode, msg)
	}
	return map[string]any{
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
		"exitCode": res.ExitCode,
	}, nil
}
