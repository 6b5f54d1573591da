package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mure/internal/exec"
	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/search"
	"github.com/ashita-ai/mure/internal/service/embedding"
	"github.com/ashita-ai/mure/internal/storage"
	"github.com/ashita-ai/mure/internal/telemetry"
)

// OutcomeKind is the three-way result of a consultation.
type OutcomeKind string

const (
	// OutcomeStructured means the final answer parsed into the contract.
	OutcomeStructured OutcomeKind = "structured"
	// OutcomeFallback means the final answer was plain text; it becomes the
	// thought verbatim and nothing else is taken from it.
	OutcomeFallback OutcomeKind = "fallback"
	// OutcomeFailed means transport-level failure; no usable answer.
	OutcomeFailed OutcomeKind = "failed"
)

// maxRequestDrafts caps how many drafts one outcome may carry. Extras are
// dropped, oldest-position first kept.
const maxRequestDrafts = 3

// RequestDraft is one proposed request parsed from oracle output. Type and
// Priority are normalized downstream, not validated here.
type RequestDraft struct {
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Payload     map[string]any `json:"payload"`
}

// oracleReply is the wire shape of the oracle's final JSON answer.
type oracleReply struct {
	Thought        string         `json:"thought"`
	StrategyUpdate *string        `json:"strategy_update"`
	Requests       []RequestDraft `json:"requests"`
}

// Outcome is what one consultation produced. ResourceCost and
// ToolInvocations accumulate across every turn regardless of kind, so a
// failed consultation still gets billed for the turns that happened.
type Outcome struct {
	Kind            OutcomeKind
	Thought         string
	StrategyUpdate  string // empty keeps the current strategy
	Requests        []RequestDraft
	ResourceCost    float64
	ToolInvocations int
	Err             *model.OracleError // set only when Kind is OutcomeFailed
}

// AdapterConfig wires the adapter's optional collaborators and tuning.
type AdapterConfig struct {
	Runner      exec.Runner        // nil disables tool use
	Searcher    search.Searcher    // nil disables semantic recall
	Embedder    embedding.Provider // required alongside Searcher
	Transcripts *TranscriptStore   // nil disables transcript recording

	MaxTurns       int // tool loop bound, default 8
	MaxTokens      int // per-call completion cap, default 2048
	InputCostPerM  float64
	OutputCostPerM float64
}

// Adapter owns the oracle conversation for one colony: snapshot building,
// the multi-turn tool loop, and outcome normalization.
type Adapter struct {
	provider    Provider
	db          *storage.DB
	runner      exec.Runner
	searcher    search.Searcher
	embedder    embedding.Provider
	transcripts *TranscriptStore
	logger      *slog.Logger

	maxTurns       int
	maxTokens      int
	inputCostPerM  float64
	outputCostPerM float64

	thinkCounter metric.Int64Counter
	toolCounter  metric.Int64Counter
	costCounter  metric.Float64Counter
}

// NewAdapter creates an oracle adapter.
func NewAdapter(provider Provider, db *storage.DB, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	meter := telemetry.Meter("mure/oracle")
	thinks, _ := meter.Int64Counter("mure.oracle.thinks",
		metric.WithDescription("Oracle consultations by outcome kind"),
	)
	tools, _ := meter.Int64Counter("mure.oracle.tool_calls",
		metric.WithDescription("Tool calls executed inside oracle loops"),
	)
	cost, _ := meter.Float64Counter("mure.oracle.cost",
		metric.WithDescription("Accumulated oracle cost"),
	)

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 8
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	return &Adapter{
		provider:       provider,
		db:             db,
		runner:         cfg.Runner,
		searcher:       cfg.Searcher,
		embedder:       cfg.Embedder,
		transcripts:    cfg.Transcripts,
		logger:         logger,
		maxTurns:       maxTurns,
		maxTokens:      maxTokens,
		inputCostPerM:  cfg.InputCostPerM,
		outputCostPerM: cfg.OutputCostPerM,
		thinkCounter:   thinks,
		toolCounter:    tools,
		costCounter:    cost,
	}
}

// finalAnswerNudge is sent once when the tool-turn cap is reached.
const finalAnswerNudge = "Tool budget exhausted. Give your final answer now as the single JSON object described in your instructions, with no further tool use."

// Think runs one full consultation: prompt, tool loop, outcome parse. It
// never panics and never returns an error; every failure mode is an
// Outcome the scheduler can act on.
func (a *Adapter) Think(ctx context.Context, agent model.Agent, snap Snapshot) (out Outcome) {
	thinkID := uuid.New()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("oracle: think panicked", "agent_id", agent.ID, "panic", r)
			out = Outcome{
				Kind: OutcomeFailed,
				Err:  &model.OracleError{AgentID: agent.ID, Reason: fmt.Sprintf("adapter panic: %v", r)},
			}
		}
		a.thinkCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(out.Kind)),
		))
		if out.ResourceCost > 0 {
			a.costCounter.Add(ctx, out.ResourceCost)
		}
	}()

	system := renderSystem(agent, a.runner != nil)
	prompt := renderPrompt(snap)
	msgs := []Message{{Role: RoleUser, Text: prompt}}
	tools := a.toolDefs()

	turn := 0
	a.record(ctx, agent.ID, thinkID, turn, RoleUser, "", prompt, 0)

	var cost float64
	var toolCalls int
	for range a.maxTurns {
		resp, err := a.provider.Chat(ctx, ChatRequest{
			System:    system,
			Messages:  msgs,
			Tools:     tools,
			MaxTokens: a.maxTokens,
		})
		if err != nil {
			return a.failed(agent.ID, "chat call failed", err, cost, toolCalls)
		}
		callCost := a.callCost(resp)
		cost = model.RoundAmount(cost + callCost)
		turn++
		a.record(ctx, agent.ID, thinkID, turn, RoleAssistant, "", resp.Text, callCost)

		if len(resp.ToolCalls) == 0 {
			return a.finish(agent.ID, resp.Text, cost, toolCalls)
		}

		msgs = append(msgs, Message{Role: RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls})
		results := make([]ToolResult, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			toolCalls++
			content, isErr := a.runTool(ctx, agent.ID, tc)
			results = append(results, ToolResult{ToolCallID: tc.ID, Content: content, IsError: isErr})
			turn++
			a.record(ctx, agent.ID, thinkID, turn, RoleTool, tc.Name, content, 0)
			a.toolCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tc.Name)))
		}
		msgs = append(msgs, Message{Role: RoleUser, ToolResults: results})
	}

	// Turn cap hit: one forced final answer with tools withheld. The nudge
	// rides the last tool-result message so user and assistant turns keep
	// alternating.
	msgs[len(msgs)-1].Text = finalAnswerNudge
	turn++
	a.record(ctx, agent.ID, thinkID, turn, RoleUser, "", finalAnswerNudge, 0)

	resp, err := a.provider.Chat(ctx, ChatRequest{System: system, Messages: msgs, MaxTokens: a.maxTokens})
	if err != nil {
		return a.failed(agent.ID, "forced final answer failed", err, cost, toolCalls)
	}
	callCost := a.callCost(resp)
	cost = model.RoundAmount(cost + callCost)
	turn++
	a.record(ctx, agent.ID, thinkID, turn, RoleAssistant, "", resp.Text, callCost)
	return a.finish(agent.ID, resp.Text, cost, toolCalls)
}

func (a *Adapter) failed(agentID uuid.UUID, reason string, err error, cost float64, toolCalls int) Outcome {
	oerr := &model.OracleError{AgentID: agentID, Reason: reason, Err: err}
	a.logger.Warn("oracle: think failed", "agent_id", agentID, "error", oerr, "cost", cost)
	return Outcome{Kind: OutcomeFailed, ResourceCost: cost, ToolInvocations: toolCalls, Err: oerr}
}

// finish parses the final text into the contract. Unparseable output is a
// fallback outcome carrying the raw text as the thought, not an error.
func (a *Adapter) finish(agentID uuid.UUID, text string, cost float64, toolCalls int) Outcome {
	out := Outcome{ResourceCost: cost, ToolInvocations: toolCalls}

	var reply oracleReply
	if err := json.Unmarshal([]byte(stripFences(text)), &reply); err != nil || strings.TrimSpace(reply.Thought) == "" {
		out.Kind = OutcomeFallback
		out.Thought = strings.TrimSpace(text)
		return out
	}

	out.Kind = OutcomeStructured
	out.Thought = reply.Thought
	if reply.StrategyUpdate != nil {
		out.StrategyUpdate = strings.TrimSpace(*reply.StrategyUpdate)
	}
	if len(reply.Requests) > maxRequestDrafts {
		a.logger.Warn("oracle: truncating request drafts",
			"agent_id", agentID, "proposed", len(reply.Requests))
		reply.Requests = reply.Requests[:maxRequestDrafts]
	}
	out.Requests = reply.Requests
	return out
}

// stripFences removes a wrapping markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	i := strings.IndexByte(s, '\n')
	if i < 0 {
		return s
	}
	s = s[i+1:]
	if j := strings.LastIndex(s, "```"); j >= 0 {
		s = s[:j]
	}
	return strings.TrimSpace(s)
}

// Tool names advertised to the oracle.
const (
	toolExecuteCommand = "execute_command"
	toolWriteFile      = "write_file"
	toolReadFile       = "read_file"
)

func (a *Adapter) toolDefs() []ToolDef {
	if a.runner == nil {
		return nil
	}
	return []ToolDef{
		{
			Name:        toolExecuteCommand,
			Description: "Run a shell command inside your sandbox and get stdout, stderr, and the exit code.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":         map[string]any{"type": "string", "description": "Shell command to run"},
					"timeout_seconds": map[string]any{"type": "integer", "description": "Optional timeout in seconds"},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        toolWriteFile,
			Description: "Write a file in your sandbox, replacing any existing content.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "description": "Path relative to your sandbox root"},
					"content": map[string]any{"type": "string", "description": "Full file content"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        toolReadFile,
			Description: "Read a file from your sandbox.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Path relative to your sandbox root"},
				},
				"required": []string{"path"},
			},
		},
	}
}

// runTool executes one tool call. Failures come back as result text with
// the error flag set so the oracle can react; they never escape the loop.
func (a *Adapter) runTool(ctx context.Context, agentID uuid.UUID, tc ToolCall) (string, bool) {
	if a.runner == nil {
		return "tool use is disabled", true
	}
	switch tc.Name {
	case toolExecuteCommand:
		command, _ := tc.Input["command"].(string)
		if command == "" {
			return "execute_command requires a command", true
		}
		var timeout time.Duration
		if secs, ok := toolFloat(tc.Input["timeout_seconds"]); ok && secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
		res, err := a.runner.Execute(ctx, agentID, command, timeout)
		if err != nil {
			return err.Error(), true
		}
		rendered, err := json.Marshal(res)
		if err != nil {
			return err.Error(), true
		}
		return string(rendered), false

	case toolWriteFile:
		path, _ := tc.Input["path"].(string)
		content, _ := tc.Input["content"].(string)
		if path == "" {
			return "write_file requires a path", true
		}
		if err := a.runner.WriteFile(ctx, agentID, path, content); err != nil {
			return err.Error(), true
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), path), false

	case toolReadFile:
		path, _ := tc.Input["path"].(string)
		if path == "" {
			return "read_file requires a path", true
		}
		content, err := a.runner.ReadFile(ctx, agentID, path)
		if err != nil {
			return err.Error(), true
		}
		return content, false

	default:
		return fmt.Sprintf("unknown tool %q", tc.Name), true
	}
}

// toolFloat reads a JSON number that may have decoded as several Go types.
func toolFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// callCost prices one round-trip from token usage at the configured
// per-million rates, rounded to ledger precision.
func (a *Adapter) callCost(resp *ChatResponse) float64 {
	in := float64(resp.InputTokens) / 1e6 * a.inputCostPerM
	out := float64(resp.OutputTokens) / 1e6 * a.outputCostPerM
	return model.RoundAmount(in + out)
}

// record appends one transcript turn. Best effort: transcripts never fail
// a cycle.
func (a *Adapter) record(ctx context.Context, agentID, thinkID uuid.UUID, turn int, role, toolName, content string, cost float64) {
	if a.transcripts == nil {
		return
	}
	err := a.transcripts.Append(ctx, TranscriptTurn{
		AgentID:  agentID,
		ThinkID:  thinkID,
		Turn:     turn,
		Role:     role,
		ToolName: toolName,
		Content:  content,
		Cost:     cost,
	})
	if err != nil {
		a.logger.Warn("oracle: transcript write failed", "agent_id", agentID, "error", err)
	}
}
