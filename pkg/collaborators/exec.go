package collaborators

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecResult is the outcome of a finished command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// CommandRunner runs external tools.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (*ExecResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is appended to the process environment.
	Env map[string]string
}

// Run executes name with args and captures its output.
// A non-zero exit code is returned as an error together with the result.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (*ExecResult, error) {
	if name == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = cmd.Environ()
		for k, v := range r.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("%s exited with code %d: %s", name, result.ExitCode, strings.TrimSpace(result.Stderr))
		}
		return nil, fmt.Errorf("failed to execute %s: %w", name, err)
	}
	return result, nil
}
