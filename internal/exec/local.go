package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	osexec "os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mure/internal/model"
)

// LocalRunner runs commands in per-agent workspace directories under a
// configured root. It is meant for development: same-process, same-user
// execution with path containment but no real isolation.
type LocalRunner struct {
	root    string
	ceiling time.Duration
	logger  *slog.Logger
}

// NewLocalRunner creates a local runner rooted at dir. Timeouts are
// clamped to ceiling.
func NewLocalRunner(dir string, ceiling time.Duration, logger *slog.Logger) *LocalRunner {
	return &LocalRunner{root: dir, ceiling: ceiling, logger: logger}
}

// workspace resolves (and creates) the agent's directory.
func (r *LocalRunner) workspace(agentID uuid.UUID) (string, error) {
	dir := filepath.Join(r.root, agentID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// resolvePath contains a sandbox-relative path inside the workspace.
// Absolute paths and anything escaping the workspace are rejected.
func (r *LocalRunner) resolvePath(agentID uuid.UUID, path string) (string, error) {
	if path == "" || !filepath.IsLocal(path) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	ws, err := r.workspace(agentID)
	if err != nil {
		return "", err
	}
	return filepath.Join(ws, path), nil
}

// Execute runs command through the shell in the agent's workspace. A
// non-zero exit is returned in the result; only failures to run at all
// (or hitting the timeout) are errors.
func (r *LocalRunner) Execute(ctx context.Context, agentID uuid.UUID, command string, timeout time.Duration) (ExecResult, error) {
	ws, err := r.workspace(agentID)
	if err != nil {
		return ExecResult{}, &model.RemoteExecutionError{AgentID: agentID, Op: "execute", Err: err}
	}

	timeout = clampTimeout(timeout, r.ceiling)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := osexec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = ws
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return ExecResult{}, &model.RemoteExecutionError{
			AgentID: agentID, Op: "execute",
			Err: fmt.Errorf("command timed out after %s", timeout),
		}
	}

	result := ExecResult{
		Stdout: capOutput(stdout.String()),
		Stderr: capOutput(stderr.String()),
	}
	if runErr != nil {
		var exitErr *osexec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return ExecResult{}, &model.RemoteExecutionError{AgentID: agentID, Op: "execute", Err: runErr}
	}

	r.logger.Debug("exec: command finished",
		"agent_id", agentID, "exit_code", result.ExitCode)
	return result, nil
}

// WriteFile writes content to a workspace-relative path, creating parent
// directories as needed.
func (r *LocalRunner) WriteFile(ctx context.Context, agentID uuid.UUID, path, content string) error {
	if err := ctx.Err(); err != nil {
		return &model.RemoteExecutionError{AgentID: agentID, Op: "write_file", Err: err}
	}
	full, err := r.resolvePath(agentID, path)
	if err != nil {
		return &model.RemoteExecutionError{AgentID: agentID, Op: "write_file", Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return &model.RemoteExecutionError{AgentID: agentID, Op: "write_file", Err: err}
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return &model.RemoteExecutionError{AgentID: agentID, Op: "write_file", Err: err}
	}
	return nil
}

// ReadFile returns up to OutputCap bytes of a workspace-relative file.
func (r *LocalRunner) ReadFile(ctx context.Context, agentID uuid.UUID, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &model.RemoteExecutionError{AgentID: agentID, Op: "read_file", Err: err}
	}
	full, err := r.resolvePath(agentID, path)
	if err != nil {
		return "", &model.RemoteExecutionError{AgentID: agentID, Op: "read_file", Err: err}
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", &model.RemoteExecutionError{AgentID: agentID, Op: "read_file", Err: err}
	}
	return capOutput(string(data)), nil
}
