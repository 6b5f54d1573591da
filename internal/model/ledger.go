package model

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// BudgetKind selects which of an agent's two budgets a transaction touches.
type BudgetKind string

const (
	BudgetCompute BudgetKind = "compute"
	BudgetAsset   BudgetKind = "asset"
)

// ValidBudgetKind reports whether b is a known budget selector.
func ValidBudgetKind(b BudgetKind) bool {
	return b == BudgetCompute || b == BudgetAsset
}

// TransactionKind categorises a ledger transaction.
type TransactionKind string

const (
	TxIncome      TransactionKind = "income"
	TxExpense     TransactionKind = "expense"
	TxTransfer    TransactionKind = "transfer"
	TxBirthGrant  TransactionKind = "birth_grant"
	TxComputeCost TransactionKind = "compute_cost"
)

// ValidTransactionKind reports whether k is a known transaction kind.
func ValidTransactionKind(k TransactionKind) bool {
	switch k {
	case TxIncome, TxExpense, TxTransfer, TxBirthGrant, TxComputeCost:
		return true
	}
	return false
}

// AmountPrecision is the decimal precision of every ledger amount and
// balance. Amounts are rounded at write time; the store persists
// NUMERIC(18,6).
const AmountPrecision = 6

// RoundAmount rounds v to the ledger's decimal precision.
func RoundAmount(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// ValidAmount reports whether v is a usable transaction amount: finite and
// non-zero. Sign is the caller's statement of direction (credit positive,
// debit negative).
func ValidAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && RoundAmount(v) != 0
}

// LedgerTransaction is one immutable row in an agent's resource ledger.
// BalanceAfter snapshots the budget immediately after this transaction
// applied; per agent and budget, ordered by CreatedAt, each BalanceAfter
// equals the previous BalanceAfter plus Amount, and the agent's stored
// budget always equals the newest BalanceAfter.
type LedgerTransaction struct {
	ID           uuid.UUID       `json:"id"`
	AgentID      uuid.UUID       `json:"agent_id"`
	Budget       BudgetKind      `json:"budget"`
	Amount       float64         `json:"amount"`
	Kind         TransactionKind `json:"kind"`
	Description  string          `json:"description"`
	BalanceAfter float64         `json:"balance_after"`
	ReferenceID  *uuid.UUID      `json:"reference_id,omitempty"`
	ContentHash  string          `json:"content_hash,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
