// Package exec is the remote execution collaborator: the sandbox where
// agents run commands and keep files during oracle tool use. The engine
// only depends on the Runner contract; sandboxing mechanics live behind
// it. Two implementations ship: an HTTP client for a real sandbox service
// and a local per-agent workspace runner for development.
package exec

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OutputCap bounds how much of stdout, stderr, and file reads is returned.
// Longer output is truncated, never an error.
const OutputCap = 64 * 1024

// DefaultTimeout applies when a tool call requests no timeout.
const DefaultTimeout = 10 * time.Second

// ExecResult carries one command's captured output. A non-zero ExitCode
// is a result, not an error; errors mean the command could not run.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runner executes commands and file operations inside one agent's
// sandbox. Implementations must scope every operation to the agent and
// clamp timeouts to their configured ceiling. Failures are
// RemoteExecutionError.
type Runner interface {
	Execute(ctx context.Context, agentID uuid.UUID, command string, timeout time.Duration) (ExecResult, error)
	WriteFile(ctx context.Context, agentID uuid.UUID, path, content string) error
	ReadFile(ctx context.Context, agentID uuid.UUID, path string) (string, error)
}

// clampTimeout applies the default and the ceiling.
func clampTimeout(timeout, ceiling time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > ceiling {
		timeout = ceiling
	}
	return timeout
}

// capOutput truncates s to OutputCap bytes with a marker.
func capOutput(s string) string {
	if len(s) <= OutputCap {
		return s
	}
	return s[:OutputCap] + "\n[truncated]"
}
