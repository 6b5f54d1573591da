// Package oracle connects agents to the external reasoning service. The
// adapter builds a situational snapshot from the store, runs the possibly
// multi-turn tool conversation, and normalizes whatever comes back into an
// Outcome value. Callers branch on the outcome kind; no error or panic
// crosses the Think boundary.
package oracle

import "context"

// Message roles. Tool results travel inside user messages, matching the
// Messages API convention.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolCall is one tool invocation the oracle asked for.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult carries one executed tool call's rendered output back to the
// oracle. IsError marks failures the oracle should react to.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is one conversation turn. Assistant turns may carry ToolCalls;
// user turns may carry ToolResults.
type Message struct {
	Role        string
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolDef advertises one callable capability to the oracle. InputSchema is
// a JSON Schema object.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatRequest is one oracle round-trip. An empty Tools slice means the
// oracle must answer in text.
type ChatRequest struct {
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// ChatResponse is the oracle's reply to one ChatRequest. Token counts feed
// cost accounting; a response with ToolCalls continues the loop.
type ChatResponse struct {
	Text         string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Provider is one reasoning backend. Implementations handle transport,
// retries, and wire format; the adapter owns the conversation.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
