package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/search"
)

// Snapshot bounds. The prompt stays compact: enough ledger history to
// reason about solvency, enough narrative to keep continuity.
const (
	snapshotTxLimit       = 15
	snapshotThoughtLimit  = 10
	snapshotPendingLimit  = 10
	snapshotResolvedLimit = 5
	snapshotRecallLimit   = 5
)

// Snapshot is everything the oracle sees about one agent for one cycle.
// Lists are newest first.
type Snapshot struct {
	Agent        model.Agent
	Now          time.Time
	Transactions []model.LedgerTransaction
	Thoughts     []model.LogEntry
	Pending      []model.Request
	Resolved     []model.Request
	Parent       *model.Agent
	Children     []model.Agent
	Recalled     []model.ThoughtMatch
}

// BuildSnapshot assembles the agent's situational context from the store.
// Store reads fail the build: a snapshot silently missing its ledger would
// mislead the oracle about solvency. Semantic recall alone is best effort.
func (a *Adapter) BuildSnapshot(ctx context.Context, agent model.Agent) (Snapshot, error) {
	snap := Snapshot{Agent: agent, Now: time.Now().UTC()}

	txs, err := a.db.ListTransactions(ctx, agent.ID, nil, snapshotTxLimit, 0)
	if err != nil {
		return Snapshot{}, fmt.Errorf("oracle: snapshot transactions: %w", err)
	}
	snap.Transactions = txs

	thoughts, err := a.db.ListRecentThoughts(ctx, agent.ID, snapshotThoughtLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("oracle: snapshot thoughts: %w", err)
	}
	snap.Thoughts = thoughts

	pending := model.RequestPending
	pendingReqs, err := a.db.ListRequests(ctx, &pending, &agent.ID, snapshotPendingLimit, 0)
	if err != nil {
		return Snapshot{}, fmt.Errorf("oracle: snapshot pending requests: %w", err)
	}
	snap.Pending = pendingReqs

	resolved, err := a.db.ListResolvedRequests(ctx, agent.ID, snapshotResolvedLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("oracle: snapshot resolved requests: %w", err)
	}
	snap.Resolved = resolved

	if agent.ParentID != nil {
		parent, err := a.db.GetAgent(ctx, *agent.ParentID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("oracle: snapshot parent: %w", err)
		}
		snap.Parent = &parent
	}

	children, err := a.db.ListChildren(ctx, agent.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("oracle: snapshot children: %w", err)
	}
	snap.Children = children

	snap.Recalled = a.recall(ctx, agent, thoughts)
	return snap, nil
}

// recall searches the colony-wide thought index for past thinking related
// to the agent's current situation, seeded by the latest thought, then the
// strategy, then the persona. The agent's own recent thoughts are already
// in the snapshot and are filtered out. Failures degrade to no matches.
func (a *Adapter) recall(ctx context.Context, agent model.Agent, recent []model.LogEntry) []model.ThoughtMatch {
	if a.searcher == nil || a.embedder == nil {
		return nil
	}

	query := ""
	switch {
	case len(recent) > 0:
		query = recent[0].Message
	case agent.Strategy != nil && *agent.Strategy != "":
		query = *agent.Strategy
	default:
		query = agent.Persona
	}
	if strings.TrimSpace(query) == "" {
		return nil
	}

	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		a.logger.Warn("oracle: recall embedding failed", "agent_id", agent.ID, "error", err)
		return nil
	}

	hits, err := a.searcher.Search(ctx, vec.Slice(), nil, snapshotRecallLimit*2)
	if err != nil {
		a.logger.Warn("oracle: recall search failed", "agent_id", agent.ID, "error", err)
		return nil
	}
	if len(hits) == 0 {
		return nil
	}

	seen := make(map[uuid.UUID]bool, len(recent))
	for _, e := range recent {
		seen[e.ID] = true
	}
	kept := hits[:0]
	ids := make([]uuid.UUID, 0, len(hits))
	for _, h := range hits {
		if seen[h.LogID] {
			continue
		}
		kept = append(kept, h)
		ids = append(ids, h.LogID)
	}
	if len(kept) == 0 {
		return nil
	}

	entries, err := a.db.GetLogEntries(ctx, ids)
	if err != nil {
		a.logger.Warn("oracle: recall hydration failed", "agent_id", agent.ID, "error", err)
		return nil
	}
	byID := make(map[uuid.UUID]model.LogEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	return search.ReScore(kept, byID, snapshotRecallLimit)
}

// renderSystem produces the system prompt: the agent's persona plus the
// standing rules of the colony and the response contract.
func renderSystem(agent model.Agent, toolsEnabled bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an autonomous agent in a shared colony.\n", agent.Name)
	if agent.Persona != "" {
		b.WriteString(agent.Persona)
		b.WriteString("\n")
	}
	b.WriteString(`
HOW YOUR WORLD WORKS:
- You hold two budgets: compute pays for thinking, asset is everything you can trade or spend.
- Every thinking cycle costs compute. Overdraft happens, but past your deadline with both budgets at or below zero you are terminated.
- You act only by filing requests; nothing happens without approval.
- Request types: replicate, trade, spend, communicate, strategy_change, custom, human_required.
- replicate spawns a child funded from your own budgets. Payload keys: child_compute_budget, child_asset_grant, and optionally child_name, child_persona.
- spend payload: {"amount": n}. trade settlement payload: {"realized_amount": n}. strategy_change payload: {"strategy": "..."}.
- At most 3 requests per cycle; extras are dropped.
`)
	if toolsEnabled {
		b.WriteString("- You have a personal sandbox. Use the tools to run commands and read or write files before answering when that helps.\n")
	}
	b.WriteString(`
RESPONSE:
Reply with EXACTLY ONE JSON object, no text outside it:
{
  "thought": "your reasoning about this cycle",
  "strategy_update": "replacement standing strategy, or null to keep the current one",
  "requests": [
    {"type": "spend", "title": "short title", "description": "why", "priority": "low|medium|high|critical", "payload": {}}
  ]
}
Use an empty requests array when nothing needs approval.`)
	return b.String()
}

// renderPrompt turns a snapshot into the user message. Pure text assembly,
// no store access.
func renderPrompt(snap Snapshot) string {
	a := snap.Agent
	var b strings.Builder

	b.WriteString("## Your situation\n")
	fmt.Fprintf(&b, "Generation %d, born %s.\n", a.Generation, a.BornAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Compute budget: %.4f | Asset balance: %.4f\n", a.ComputeBudget, a.AssetBalance)
	remaining := a.TimeRemaining(snap.Now)
	if remaining > 0 {
		fmt.Fprintf(&b, "Time until deadline: %s\n", remaining.Round(time.Minute))
	} else {
		fmt.Fprintf(&b, "DEADLINE PASSED %s ago. You survive only while a budget stays positive.\n", (-remaining).Round(time.Minute))
	}
	if a.Strategy != nil && *a.Strategy != "" {
		fmt.Fprintf(&b, "Current strategy: %s\n", *a.Strategy)
	} else {
		b.WriteString("Current strategy: none set.\n")
	}

	if snap.Parent != nil || len(snap.Children) > 0 {
		b.WriteString("\n## Family\n")
		if snap.Parent != nil {
			fmt.Fprintf(&b, "Parent: %s (%s)\n", snap.Parent.Name, snap.Parent.Status)
		}
		for _, c := range snap.Children {
			fmt.Fprintf(&b, "Child: %s (%s) compute=%.4f asset=%.4f\n",
				c.Name, c.Status, c.ComputeBudget, c.AssetBalance)
		}
	}

	if len(snap.Transactions) > 0 {
		b.WriteString("\n## Recent ledger activity (newest first)\n")
		for _, t := range snap.Transactions {
			fmt.Fprintf(&b, "- %s %s %+.4f (%s) balance_after=%.4f: %s\n",
				t.CreatedAt.Format("2006-01-02 15:04"), t.Budget, t.Amount, t.Kind, t.BalanceAfter, t.Description)
		}
	}

	if len(snap.Thoughts) > 0 {
		b.WriteString("\n## Your recent thoughts (newest first)\n")
		for _, e := range snap.Thoughts {
			fmt.Fprintf(&b, "- [%s] %s\n", e.CreatedAt.Format("2006-01-02 15:04"), e.Message)
		}
	}

	if len(snap.Pending) > 0 {
		b.WriteString("\n## Your pending requests (awaiting approval, do not re-file)\n")
		for _, r := range snap.Pending {
			fmt.Fprintf(&b, "- [%s/%s] %s\n", r.Type, r.Priority, r.Title)
		}
	}

	if len(snap.Resolved) > 0 {
		b.WriteString("\n## Recently resolved requests\n")
		for _, r := range snap.Resolved {
			line := fmt.Sprintf("- [%s] %s: %s", r.Type, r.Title, r.Status)
			if r.Reason != nil && *r.Reason != "" {
				line += " (" + *r.Reason + ")"
			}
			b.WriteString(line + "\n")
		}
	}

	if len(snap.Recalled) > 0 {
		b.WriteString("\n## Related past thoughts from the colony\n")
		for _, m := range snap.Recalled {
			fmt.Fprintf(&b, "- (relevance %.2f) %s\n", m.SimilarityScore, m.Entry.Message)
		}
	}

	b.WriteString("\n## Task\nThink about your situation and decide what, if anything, to request this cycle.")
	return b.String()
}
