package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellAgent implements the "shell.exec" agent.
type ShellAgent struct {
	defaultTimeout time.Duration
	maxOutputSize  int64
}

// NewShellAgent creates a new shell.exec agent.
func NewShellAgent() *ShellAgent {
	return &ShellAgent{
		defaultTimeout: defaultShellTimeout,
		maxOutputSize:  defaultMaxOutputSize,
	}
}

func (a *ShellAgent) Name() string { return "shell.exec" }

func (a *ShellAgent) Info() Info {
	return Info{
		Name:        a.Name(),
		Description: "Execute a system command, capturing stdout, stderr, and exit code.",
	}
}

func (a *ShellAgent) Execute(ctx context.Context, input map[string]any) (any, error) {
	if input == nil {
		input = map[string]any{}
	}

	command := stringParam(input, "command", "")
	if command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "shell.exec: missing required param 'command'")
	}

	args := stringSliceParam(input, "args")
	cwd := stringParam(input, "cwd", "")
	stdinStr := stringParam(input, "stdin", "")
	shellMode := boolParam(input, "shell", false)

	timeout := a.defaultTimeout
	if ts := stringParam(input, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if shellMode {
		fullCmd := command
		if len(args) > 0 {
			fullCmd = command + " " + strings.Join(args, " ")
		}
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", fullCmd)
	} else {
		cmd = exec.CommandContext(execCtx, command, args...)
	}

	if cwd != "" {
		cmd.Dir = cwd
	}

	if envMap := mapParam(input, "env"); envMap != nil {
		cmd.Env = os.Environ()
		for k, v := range envMap {
			if s, ok := v.(string); ok {
				cmd.Env = append(cmd.Env, k+"="+s)
			}
		}
	}

	if stdinStr != "" {
		cmd.Stdin = strings.NewReader(stdinStr)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: a.maxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: a.maxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell.exec: %v", runErr).WithCause(runErr)
		}
		if execCtx.Err() == context.DeadlineExceeded {
			killed = true
		}
	}

	// Auto-parse stdout when it is valid JSON so downstream steps can
	// reference fields directly, mirroring http.request's body handling.
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	return map[string]any{
		"stdout":      parsedStdout,
		"stdout_raw":  stdoutStr,
		"stderr":      stderrBuf.String(),
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"killed":      killed,
	}, nil
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess from
// blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}

var _ Agent = (*ShellAgent)(nil)
