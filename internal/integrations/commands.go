package integrations

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/rendis/autoflow/internal/steps"
)

const defaultMaxOutput = 10 * 1024 * 1024

// ExecRunner runs commands as local child processes. Commands are executed
// directly, never through a shell.
type ExecRunner struct {
	// Dir is the working directory used when a request does not set one.
	Dir string
	// MaxOutput caps the captured size of stdout and stderr each.
	MaxOutput int
}

var _ steps.CommandRunner = (*ExecRunner)(nil)

// Run starts the command and waits for it. A non-zero exit is reported in the
// result, not as an error; errors mean the process could not run at all.
func (r *ExecRunner) Run(ctx context.Context, req steps.CommandRequest) (*steps.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	limit := r.MaxOutput
	if limit <= 0 {
		limit = defaultMaxOutput
	}
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.Cwd
	if cmd.Dir == "" {
		cmd.Dir = r.Dir
	}
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Kill() }
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	res := &steps.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Success = true
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, err
	}
	return res, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string{}, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// cappedBuffer drops writes past limit but reports them as consumed so the
// child process is never blocked on a full pipe.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
