package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/mure/internal/model"
	searchpkg "github.com/ashita-ai/mure/internal/search"
)

func (s *Server) registerTools() {
	// mure_colony_status — population, approval queue, and scheduler state.
	s.mcpServer.AddTool(
		mcplib.NewTool("mure_colony_status",
			mcplib.WithDescription(`Get a snapshot of the colony: how many agents are alive, pending,
or dead, how many requests await approval, and whether a cycle is running.

WHEN TO USE: At the start of a session to understand current context, or
any time you need the big picture before drilling into a specific agent
or request.

WHAT YOU GET BACK:
- agents: count per lifecycle status (pending, alive, dead)
- pending_requests: how many requests await a decision
- cycle: scheduler state ("idle" or "running") and the last cycle report`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleColonyStatus,
	)

	// mure_inspect_agent — one agent with its recent ledger and log activity.
	s.mcpServer.AddTool(
		mcplib.NewTool("mure_inspect_agent",
			mcplib.WithDescription(`Inspect one agent: identity, budgets, deadline, and its most recent
ledger transactions and log entries.

WHEN TO USE: Before resolving an agent's request — the budgets and recent
activity tell you whether the proposal is affordable and in character.

WHAT YOU GET BACK:
- agent: the full agent record (budgets, status, generation, deadline)
- transactions: newest ledger entries across both budgets
- logs: newest log entries (thoughts, events, errors)

EXAMPLE: An agent asks to replicate with half its assets. Inspect it
first — if asset_budget is already near zero the child would be born
broke, and denying with a reason teaches the agent more than a silent
approval failure.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("The agent's UUID"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum transactions and log entries to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleInspectAgent,
	)

	// mure_resolve_request — approve or deny a pending request.
	s.mcpServer.AddTool(
		mcplib.NewTool("mure_resolve_request",
			mcplib.WithDescription(`Approve or deny a pending agent request. Resolution is final: a
request leaves pending exactly once, and approval executes the requested
action (replication, trade, spend) immediately against real budgets.

WHEN TO USE: After reviewing a pending request. Call mure_inspect_agent
on the proposing agent first — an approval debits its actual ledger.

WHAT YOU GET BACK: the resolved request, including decision, resolver,
and timestamps. A request that was already resolved returns an error
telling you who resolved it and how.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("request_id",
				mcplib.Description("The request's UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("decision",
				mcplib.Description(`Either "approved" or "denied"`),
				mcplib.Required(),
			),
			mcplib.WithString("reason",
				mcplib.Description("Optional rationale, recorded on the request and visible to the agent"),
			),
			mcplib.WithString("resolved_by",
				mcplib.Description(`Resolver identity recorded on the request. Defaults to "mcp-operator".`),
			),
		),
		s.handleResolveRequest,
	)

	// mure_trigger_cycle — run one scheduler pass now.
	s.mcpServer.AddTool(
		mcplib.NewTool("mure_trigger_cycle",
			mcplib.WithDescription(`Trigger one colony cycle immediately instead of waiting for the
scheduler interval. The cycle runs in the background; watch it finish
with mure_colony_status.

A cycle gives every alive agent one oracle turn, bills the compute cost,
routes new requests through the approval policy, and reaps agents past
their deadline with exhausted budgets. Only one cycle runs at a time: if
one is already in flight this returns an error and nothing is queued.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
		),
		s.handleTriggerCycle,
	)

	// mure_search_thoughts — semantic recall over the thought stream.
	s.mcpServer.AddTool(
		mcplib.NewTool("mure_search_thoughts",
			mcplib.WithDescription(`Search the colony's recorded thoughts by meaning, not keywords.

WHEN TO USE: When you want to know what agents have been reasoning about
— "plans to replicate", "worries about compute running out", "trade
offers". Scope to one agent with agent_id, or search the whole colony.

Results are ranked by similarity with a recency boost; each match
carries the full log entry and its adjusted score.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language query describing what you're looking for"),
				mcplib.Required(),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Optional: only search one agent's thoughts (UUID)"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum matches to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(5),
			),
		),
		s.handleSearchThoughts,
	)
}

func (s *Server) handleColonyStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agents, err := s.db.CountAgentsByStatus(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("count agents failed: %v", err)), nil
	}
	pending, err := s.db.CountPendingRequests(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("count requests failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"agents":           agents,
		"pending_requests": pending,
		"cycle":            s.cycle.Status(),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleInspectAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("agent_id", ""))
	if err != nil {
		return errorResult("agent_id must be a valid UUID"), nil
	}
	limit := request.GetInt("limit", 10)

	agent, err := s.db.GetAgent(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("agent lookup failed: %v", err)), nil
	}
	txs, err := s.ledger.History(ctx, id, nil, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("ledger lookup failed: %v", err)), nil
	}
	logs, err := s.db.ListLogs(ctx, id, nil, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("log lookup failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"agent":        agent,
		"transactions": txs,
		"logs":         logs,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleResolveRequest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("request_id", ""))
	if err != nil {
		return errorResult("request_id must be a valid UUID"), nil
	}
	decision := model.Decision(request.GetString("decision", ""))
	resolvedBy := request.GetString("resolved_by", "mcp-operator")

	var reason *string
	if raw := request.GetString("reason", ""); raw != "" {
		reason = &raw
	}

	resolved, err := s.requests.Resolve(ctx, id, decision, resolvedBy, reason)
	if err != nil {
		return errorResult(fmt.Sprintf("resolve failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(resolved, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleTriggerCycle(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if err := s.cycle.Trigger(ctx); err != nil {
		return errorResult(fmt.Sprintf("trigger failed: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: `{"status": "triggered"}`},
		},
	}, nil
}

func (s *Server) handleSearchThoughts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := request.GetInt("limit", 5)

	var agentID *uuid.UUID
	if raw := request.GetString("agent_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("agent_id must be a valid UUID"), nil
		}
		agentID = &id
	}

	matches, err := s.searchThoughts(ctx, query, agentID, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"matches": matches,
		"total":   len(matches),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

// searchThoughts runs the vector path when an embedder and index are
// wired, degrading to Postgres text matching otherwise.
func (s *Server) searchThoughts(ctx context.Context, query string, agentID *uuid.UUID, limit int) ([]model.ThoughtMatch, error) {
	if s.embedder == nil || s.searcher == nil {
		entries, err := s.db.SearchThoughtsByText(ctx, query, agentID, limit)
		if err != nil {
			return nil, err
		}
		matches := make([]model.ThoughtMatch, 0, len(entries))
		for _, e := range entries {
			matches = append(matches, model.ThoughtMatch{Entry: e})
		}
		return matches, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := s.searcher.Search(ctx, vec.Slice(), agentID, limit*3)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(results))
	for _, res := range results {
		ids = append(ids, res.LogID)
	}
	entries, err := s.db.GetLogEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]model.LogEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	return searchpkg.ReScore(results, byID, limit), nil
}
