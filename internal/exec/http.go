package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mure/internal/model"
)

// HTTPRunner talks JSON to a sandbox service that does the real
// isolation. The wire contract mirrors the Runner interface one-to-one.
type HTTPRunner struct {
	baseURL    string
	ceiling    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPRunner creates a runner against a sandbox service.
func NewHTTPRunner(baseURL string, ceiling time.Duration, logger *slog.Logger) *HTTPRunner {
	return &HTTPRunner{
		baseURL:    strings.TrimRight(baseURL, "/"),
		ceiling:    ceiling,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type executeRequest struct {
	AgentID        string  `json:"agent_id"`
	Command        string  `json:"command"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

type writeFileRequest struct {
	AgentID string `json:"agent_id"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

type readFileRequest struct {
	AgentID string `json:"agent_id"`
	Path    string `json:"path"`
}

type readFileResponse struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Execute runs a command in the remote sandbox. The HTTP call is bounded
// by the clamped timeout plus a small grace so the sandbox's own timeout
// result wins over a client-side abort.
func (r *HTTPRunner) Execute(ctx context.Context, agentID uuid.UUID, command string, timeout time.Duration) (ExecResult, error) {
	timeout = clampTimeout(timeout, r.ceiling)
	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var result ExecResult
	err := r.post(ctx, "/v1/execute", executeRequest{
		AgentID:        agentID.String(),
		Command:        command,
		TimeoutSeconds: timeout.Seconds(),
	}, &result)
	if err != nil {
		return ExecResult{}, &model.RemoteExecutionError{AgentID: agentID, Op: "execute", Err: err}
	}
	result.Stdout = capOutput(result.Stdout)
	result.Stderr = capOutput(result.Stderr)
	return result, nil
}

// WriteFile writes a file in the remote sandbox.
func (r *HTTPRunner) WriteFile(ctx context.Context, agentID uuid.UUID, path, content string) error {
	err := r.post(ctx, "/v1/files/write", writeFileRequest{
		AgentID: agentID.String(),
		Path:    path,
		Content: content,
	}, nil)
	if err != nil {
		return &model.RemoteExecutionError{AgentID: agentID, Op: "write_file", Err: err}
	}
	return nil
}

// ReadFile reads a file from the remote sandbox.
func (r *HTTPRunner) ReadFile(ctx context.Context, agentID uuid.UUID, path string) (string, error) {
	var resp readFileResponse
	err := r.post(ctx, "/v1/files/read", readFileRequest{
		AgentID: agentID.String(),
		Path:    path,
	}, &resp)
	if err != nil {
		return "", &model.RemoteExecutionError{AgentID: agentID, Op: "read_file", Err: err}
	}
	return capOutput(resp.Content), nil
}

func (r *HTTPRunner) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, OutputCap+4096))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("sandbox: %s", errResp.Error)
		}
		return fmt.Errorf("sandbox: unexpected status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
