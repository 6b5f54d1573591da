package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"

	// Transient failures (429, 5xx, transport) are retried a few times with
	// doubling backoff. The per-call HTTP timeout bounds each attempt.
	anthropicMaxRetries     = 3
	anthropicInitialBackoff = time.Second
)

// AnthropicConfig configures the Messages API client.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string // default https://api.anthropic.com
	Model     string
	MaxTokens int           // default when the request carries none
	Timeout   time.Duration // per-attempt HTTP timeout
}

// Anthropic speaks the Messages API. It maps the provider-neutral
// conversation onto content blocks (text, tool_use, tool_result) and
// reports token usage for cost accounting.
type Anthropic struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	backoff    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropic creates a Messages API provider. The API key is required
// here rather than at config validation so scripted-provider deployments
// can run without one.
func NewAnthropic(cfg AnthropicConfig, logger *slog.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oracle: anthropic api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("oracle: anthropic model is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Anthropic{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      cfg.Model,
		maxTokens:  maxTokens,
		backoff:    anthropicInitialBackoff,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

// anthropicContentBlock is the union of text, tool_use, and tool_result
// blocks. Input stays raw JSON so an empty tool input round-trips as {}
// instead of being dropped by omitempty.
type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends one Messages API call, retrying transient failures.
func (p *Anthropic) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("oracle: marshal request: %w", err)
	}

	backoff := p.backoff
	for attempt := 0; ; attempt++ {
		resp, retryable, err := p.send(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !retryable || attempt >= anthropicMaxRetries {
			return nil, err
		}
		p.logger.Warn("oracle: anthropic call failed, retrying",
			"attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (p *Anthropic) send(ctx context.Context, body []byte) (*ChatResponse, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("oracle: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("oracle: send request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("oracle: read response: %w", err)
	}

	retryable := httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if httpResp.StatusCode != http.StatusOK {
			return nil, retryable, fmt.Errorf("oracle: anthropic status %d: %s", httpResp.StatusCode, respBody)
		}
		return nil, false, fmt.Errorf("oracle: unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return nil, retryable, fmt.Errorf("oracle: anthropic error: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, retryable, fmt.Errorf("oracle: anthropic status %d: %s", httpResp.StatusCode, respBody)
	}

	out := &ChatResponse{
		StopReason:   parsed.StopReason,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			var input map[string]any
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	return out, false, nil
}

func (p *Anthropic) buildRequest(req ChatRequest) anthropicRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	out := anthropicRequest{Model: p.model, MaxTokens: maxTokens, System: req.System}

	for _, m := range req.Messages {
		var blocks []anthropicContentBlock
		for _, tr := range m.ToolResults {
			blocks = append(blocks, anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: tr.ToolCallID,
				Content:   tr.Content,
				IsError:   tr.IsError,
			})
		}
		if m.Text != "" {
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Text})
		}
		for _, tc := range m.ToolCalls {
			input, err := json.Marshal(tc.Input)
			if err != nil || tc.Input == nil {
				input = []byte("{}")
			}
			blocks = append(blocks, anthropicContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: input,
			})
		}
		if len(blocks) == 0 {
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: m.Role, Content: blocks})
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}
