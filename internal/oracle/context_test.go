package oracle

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mure/internal/model"
)

func TestRenderSystemIncludesPersonaAndContract(t *testing.T) {
	agent := testAgent()
	out := renderSystem(agent, false)

	assert.Contains(t, out, "You are ada")
	assert.Contains(t, out, agent.Persona)
	assert.Contains(t, out, "EXACTLY ONE JSON object")
	assert.Contains(t, out, "strategy_update")
	assert.Contains(t, out, "child_compute_budget")
	assert.NotContains(t, out, "sandbox")
}

func TestRenderSystemAdvertisesSandbox(t *testing.T) {
	out := renderSystem(testAgent(), true)
	assert.Contains(t, out, "sandbox")
}

func TestRenderPromptBudgetsAndDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agent := testAgent()
	agent.ComputeBudget = 7.99
	agent.AssetBalance = 8.5
	agent.DiesAt = now.Add(48 * time.Hour)

	out := renderPrompt(Snapshot{Agent: agent, Now: now})

	assert.Contains(t, out, "Compute budget: 7.9900")
	assert.Contains(t, out, "Asset balance: 8.5000")
	assert.Contains(t, out, "Time until deadline: 48h0m0s")
	assert.NotContains(t, out, "DEADLINE PASSED")
}

func TestRenderPromptExpiredDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agent := testAgent()
	agent.DiesAt = now.Add(-3 * time.Hour)

	out := renderPrompt(Snapshot{Agent: agent, Now: now})

	assert.Contains(t, out, "DEADLINE PASSED 3h0m0s ago")
}

func TestRenderPromptStrategy(t *testing.T) {
	agent := testAgent()
	out := renderPrompt(Snapshot{Agent: agent, Now: time.Now().UTC()})
	assert.Contains(t, out, "Current strategy: none set.")

	strategy := "hoard compute, trade surplus assets"
	agent.Strategy = &strategy
	out = renderPrompt(Snapshot{Agent: agent, Now: time.Now().UTC()})
	assert.Contains(t, out, "Current strategy: hoard compute, trade surplus assets")
}

func TestRenderPromptFamily(t *testing.T) {
	agent := testAgent()
	now := time.Now().UTC()

	out := renderPrompt(Snapshot{Agent: agent, Now: now})
	assert.NotContains(t, out, "## Family")

	parent := testAgent()
	parent.Name = "root"
	parent.Status = model.AgentDead
	child := testAgent()
	child.Name = "ada-jr"
	child.ComputeBudget = 2
	child.AssetBalance = 1.5

	out = renderPrompt(Snapshot{Agent: agent, Now: now, Parent: &parent, Children: []model.Agent{child}})
	assert.Contains(t, out, "## Family")
	assert.Contains(t, out, "Parent: root (dead)")
	assert.Contains(t, out, "Child: ada-jr (alive) compute=2.0000 asset=1.5000")
}

func TestRenderPromptLedgerAndThoughts(t *testing.T) {
	agent := testAgent()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Agent: agent,
		Now:   now,
		Transactions: []model.LedgerTransaction{{
			AgentID:      agent.ID,
			Budget:       model.BudgetCompute,
			Amount:       -0.01,
			Kind:         model.TxComputeCost,
			Description:  "cycle 4 oracle cost",
			BalanceAfter: 7.99,
			CreatedAt:    now.Add(-time.Hour),
		}},
		Thoughts: []model.LogEntry{{
			AgentID:   agent.ID,
			Level:     model.LogThought,
			Message:   "I should replicate before the deadline",
			CreatedAt: now.Add(-time.Hour),
		}},
	}

	out := renderPrompt(snap)

	assert.Contains(t, out, "## Recent ledger activity")
	assert.Contains(t, out, "compute -0.0100 (compute_cost) balance_after=7.9900: cycle 4 oracle cost")
	assert.Contains(t, out, "## Your recent thoughts")
	assert.Contains(t, out, "I should replicate before the deadline")
}

func TestRenderPromptRequests(t *testing.T) {
	agent := testAgent()
	reason := "too expensive"
	snap := Snapshot{
		Agent: agent,
		Now:   time.Now().UTC(),
		Pending: []model.Request{{
			Type:     model.RequestReplicate,
			Priority: model.PriorityHigh,
			Title:    "spawn a child",
		}},
		Resolved: []model.Request{{
			Type:   model.RequestSpend,
			Title:  "buy compute",
			Status: model.RequestDenied,
			Reason: &reason,
		}},
	}

	out := renderPrompt(snap)

	assert.Contains(t, out, "## Your pending requests")
	assert.Contains(t, out, "[replicate/high] spawn a child")
	assert.Contains(t, out, "## Recently resolved requests")
	assert.Contains(t, out, "[spend] buy compute: denied (too expensive)")
}

func TestRenderPromptRecalledThoughts(t *testing.T) {
	agent := testAgent()
	snap := Snapshot{
		Agent: agent,
		Now:   time.Now().UTC(),
		Recalled: []model.ThoughtMatch{{
			Entry:           model.LogEntry{Message: "replication right before a deadline wasted my assets"},
			SimilarityScore: 0.87,
		}},
	}

	out := renderPrompt(snap)

	assert.Contains(t, out, "## Related past thoughts from the colony")
	assert.Contains(t, out, "(relevance 0.87) replication right before a deadline wasted my assets")
}

func TestRenderPromptAlwaysEndsWithTask(t *testing.T) {
	out := renderPrompt(Snapshot{Agent: testAgent(), Now: time.Now().UTC()})
	require.Contains(t, out, "## Task")
	assert.Contains(t, out, "decide what, if anything, to request this cycle")
}
