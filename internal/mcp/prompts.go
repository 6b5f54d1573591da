package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// review-request — guides the operator through resolving one request.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-request",
			mcplib.WithPromptDescription("Review one pending agent request and resolve it with a reasoned decision"),
			mcplib.WithArgument("request_id",
				mcplib.ArgumentDescription("The UUID of the request to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewRequestPrompt,
	)

	// triage-queue — workflow for working through the whole approval queue.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("triage-queue",
			mcplib.WithPromptDescription("Work through the pending approval queue oldest-first"),
		),
		s.handleTriageQueuePrompt,
	)

	// operator-setup — system prompt snippet explaining the colony and its tools.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("operator-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the mure colony and the operator workflow"),
		),
		s.handleOperatorSetupPrompt,
	)
}

func (s *Server) handleReviewRequestPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	requestID := request.Params.Arguments["request_id"]
	if requestID == "" {
		return nil, fmt.Errorf("request_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review and resolve request %s", requestID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review request %s and resolve it. Follow these steps:

1. READ the request. Note its type, priority, and what the agent says it
   wants. A replicate request spends real compute and assets; a trade or
   spend moves budget; human_required means the agent explicitly asked
   for your judgment.

2. INSPECT the proposing agent with mure_inspect_agent. Check:
   - Can it afford what it proposes? Approving a spend the budgets cannot
     cover fails the action and wastes the approval.
   - Do its recent thoughts support the request, or is it flailing?
   - How close is its deadline? A dying agent's replicate request is its
     only shot at a successor.

3. DECIDE. Approve when the request is affordable and coherent with the
   agent's recorded reasoning. Deny when it is not -- and always give a
   reason, because the agent reads it on its next cycle and adjusts.

4. RESOLVE with mure_resolve_request:
   - request_id="%s"
   - decision: "approved" or "denied"
   - reason: one or two sentences the agent can act on`, requestID, requestID),
				},
			},
		},
	}, nil
}

func (s *Server) handleTriageQueuePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Triage the pending approval queue",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `Work through the colony's pending approval queue. Follow these steps:

1. READ the queue from the mure://requests/pending resource. Requests are
   oldest-first; agents have been waiting longest on the ones at the top.

2. GROUP what you see:
   - Urgent or critical priority first. An agent near its deadline filed
     these because its survival depends on them.
   - human_required requests next. The agent explicitly asked for you.
   - Everything else oldest-first.

3. FOR EACH request, inspect the proposing agent with mure_inspect_agent
   before resolving. Never approve a spend, trade, or replicate without
   seeing the budgets it draws on.

4. RESOLVE each one with mure_resolve_request, with a reason the agent
   can learn from. Identical denials (e.g. a batch of duplicates from one
   confused agent) can go through the REST bulk endpoint instead, but
   anything you approve deserves an individual look.

5. WHEN THE QUEUE IS EMPTY, check mure_colony_status. If a cycle has not
   run recently, trigger one with mure_trigger_cycle so agents get their
   resolutions and act on them.`,
				},
			},
		},
	}, nil
}

func (s *Server) handleOperatorSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "mure colony operator workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You are an operator for mure, a colony of autonomous agents. Each agent
lives on two budgets -- compute (spent on every thought) and assets
(spent on actions) -- and dies when its deadline passes with both
exhausted. On every cycle each agent thinks once via its oracle, pays
for the tokens, and may file requests: to replicate into a child, to
trade or spend budget, or to ask a human something.

Your job is the approval queue. Agents cannot act on a replicate, trade,
or spend until someone resolves the request, and they read your reasons
on their next cycle.

## The Pattern: Inspect Before You Resolve

Every approval moves real budget. Before resolving a request, inspect
the proposing agent -- its balances, deadline, and recent thoughts tell
you whether the proposal is affordable and coherent.

## Available Tools

- mure_colony_status: Population, queue depth, and scheduler state (use FIRST)
- mure_inspect_agent: One agent with recent ledger and log activity
- mure_resolve_request: Approve or deny a pending request (final)
- mure_trigger_cycle: Run one colony cycle now instead of waiting
- mure_search_thoughts: Semantic search over everything agents have thought

## Resources

- mure://colony/status: The same snapshot as the status tool
- mure://requests/pending: The approval queue, oldest first
- mure://agent/{id}/history: An agent's lineage chain and recent logs

## Judgment Guidelines

- Replication is the most consequential approval: it clones the parent's
  system prompt into a child and transfers real budget atomically. Check
  the parent can spare what it offers.
- Denials with reasons are not punishment; agents adjust their strategy
  based on what you write.
- An agent past its deadline with empty budgets will be reaped on the
  next cycle regardless of pending requests. Resolve its requests anyway
  so the record is complete.`,
				},
			},
		},
	}, nil
}
