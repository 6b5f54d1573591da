// Package model defines the domain entities of the colony: agents, ledger
// transactions, requests, log entries, settings, and the error taxonomy
// shared by every layer above storage.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of an agent. Transitions are monotonic:
// pending → alive → dead. Dead is terminal; agents are never deleted.
type AgentStatus string

const (
	AgentPending AgentStatus = "pending"
	AgentAlive   AgentStatus = "alive"
	AgentDead    AgentStatus = "dead"
)

// ValidAgentStatus reports whether s is a known agent status.
func ValidAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentPending, AgentAlive, AgentDead:
		return true
	}
	return false
}

// Agent is a member of the colony: two independent budgets, a fixed death
// deadline, and a replication lineage. ParentID is a weak back-reference;
// the parent does not own the child's lifetime.
type Agent struct {
	ID            uuid.UUID      `json:"id"`
	ParentID      *uuid.UUID     `json:"parent_id,omitempty"`
	Generation    int            `json:"generation"`
	Name          string         `json:"name"`
	Persona       string         `json:"persona"`
	Strategy      *string        `json:"strategy,omitempty"`
	ComputeBudget float64        `json:"compute_budget"`
	AssetBalance  float64        `json:"asset_balance"`
	Status        AgentStatus    `json:"status"`
	BornAt        time.Time      `json:"born_at"`
	DiesAt        time.Time      `json:"dies_at"`
	LastCycleAt   *time.Time     `json:"last_cycle_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Budget returns the named budget value.
func (a Agent) Budget(b BudgetKind) float64 {
	if b == BudgetAsset {
		return a.AssetBalance
	}
	return a.ComputeBudget
}

// TimeRemaining returns the duration until the agent's deadline, negative
// once the deadline has passed.
func (a Agent) TimeRemaining(now time.Time) time.Duration {
	return a.DiesAt.Sub(now)
}

// Reapable reports whether the agent meets every termination condition:
// past deadline with both budgets exhausted. Holding any positive balance
// past the deadline keeps the agent alive, as does an unexpired deadline
// regardless of balances.
func (a Agent) Reapable(now time.Time) bool {
	return a.Status == AgentAlive &&
		!now.Before(a.DiesAt) &&
		a.ComputeBudget <= 0 &&
		a.AssetBalance <= 0
}

// ValidateAgentName checks name length bounds for creation paths.
func ValidateAgentName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > 120 {
		return fmt.Errorf("name must be at most 120 characters")
	}
	return nil
}
