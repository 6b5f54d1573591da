package mure

import (
	"time"

	"github.com/google/uuid"
)

// Event is the public form of a colony event as delivered to EventHook
// implementations. It is a curated view of the internal event type with no
// internal package imports, so external consumers can depend on it safely.
type Event struct {
	// Type is one of the Event* constants below.
	Type string
	// AgentID is set for agent-scoped events, nil for colony-wide ones.
	AgentID   *uuid.UUID
	AgentName string
	// Status carries the agent's lifecycle status when the event changes it.
	Status    string
	Message   string
	Payload   map[string]any
	Timestamp time.Time
}

// Event types delivered to hooks, matching the SSE event names on /v1/events.
const (
	EventCycleStarted    = "cycle-started"
	EventCycleComplete   = "cycle-complete"
	EventAgentBorn       = "agent-born"
	EventAgentDied       = "agent-died"
	EventRequestCreated  = "request-created"
	EventRequestResolved = "request-resolved"
	EventThoughtRecorded = "thought-recorded"
	EventSettingsUpdated = "settings-updated"
)

// Oracle message roles. Tool results travel inside user messages.
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

// ChatMessage is one conversation turn. Assistant turns may carry
// ToolCalls; user turns may carry ToolResults.
type ChatMessage struct {
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

// ChatRequest is one oracle round-trip as seen by an OracleProvider. An
// empty Tools slice means the oracle must answer in text.
type ChatRequest struct {
	System    string
	Messages  []ChatMessage
	Tools     []ToolDef
	MaxTokens int
}

// ChatResponse is the oracle's reply to one ChatRequest. Token counts feed
// compute-cost accounting; a response with ToolCalls continues the loop.
type ChatResponse struct {
	Text         string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// SearchResult holds a thought log ID and similarity score from a Searcher.
// The engine hydrates full log entries from Postgres.
type SearchResult struct {
	LogID uuid.UUID
	Score float32
}
