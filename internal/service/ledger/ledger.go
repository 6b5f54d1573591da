// Package ledger provides the double-budget accounting service. Every
// balance change is one immutable transaction row plus the agent's stored
// budget, written atomically by the storage layer. Debits never check a
// floor: balances go negative and stay the reaper's problem. The service
// also audits the chains and anchors them in Merkle checkpoints.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mure/internal/integrity"
	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/storage"
	"github.com/ashita-ai/mure/internal/telemetry"
)

// Service encapsulates ledger business logic shared by the cycle
// scheduler, the request processor, and the HTTP and MCP surfaces.
type Service struct {
	db     *storage.DB
	logger *slog.Logger

	txCounter   metric.Int64Counter
	auditErrors metric.Int64Counter
}

// New creates a ledger Service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	meter := telemetry.Meter("mure/ledger")
	txCounter, _ := meter.Int64Counter("mure.ledger.transactions",
		metric.WithDescription("Ledger transactions appended"),
	)
	auditErrors, _ := meter.Int64Counter("mure.ledger.audit_problems",
		metric.WithDescription("Chain verification problems found by the audit"),
	)
	return &Service{
		db:          db,
		logger:      logger,
		txCounter:   txCounter,
		auditErrors: auditErrors,
	}
}

// Credit appends a positive transaction to one of an agent's budgets.
// amount is the positive magnitude to add.
func (s *Service) Credit(ctx context.Context, agentID uuid.UUID, budget model.BudgetKind, amount float64, kind model.TransactionKind, description string) (model.LedgerTransaction, error) {
	if err := validateAppend(budget, amount, kind); err != nil {
		return model.LedgerTransaction{}, err
	}
	return s.append(ctx, model.LedgerTransaction{
		AgentID:     agentID,
		Budget:      budget,
		Amount:      amount,
		Kind:        kind,
		Description: description,
	})
}

// Debit appends a negative transaction to one of an agent's budgets.
// amount is the positive magnitude to subtract; the recorded transaction
// carries -amount. There is no floor: the balance may go negative.
func (s *Service) Debit(ctx context.Context, agentID uuid.UUID, budget model.BudgetKind, amount float64, kind model.TransactionKind, description string) (model.LedgerTransaction, error) {
	if err := validateAppend(budget, amount, kind); err != nil {
		return model.LedgerTransaction{}, err
	}
	return s.append(ctx, model.LedgerTransaction{
		AgentID:     agentID,
		Budget:      budget,
		Amount:      -amount,
		Kind:        kind,
		Description: description,
	})
}

func validateAppend(budget model.BudgetKind, amount float64, kind model.TransactionKind) error {
	if !model.ValidBudgetKind(budget) {
		return &model.ValidationError{Field: "budget", Reason: fmt.Sprintf("unknown budget %q", budget)}
	}
	if !model.ValidTransactionKind(kind) {
		return &model.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown transaction kind %q", kind)}
	}
	if !model.ValidAmount(amount) || amount <= 0 {
		return &model.ValidationError{Field: "amount", Reason: "must be a positive finite amount"}
	}
	return nil
}

func (s *Service) append(ctx context.Context, t model.LedgerTransaction) (model.LedgerTransaction, error) {
	appended, err := s.db.AppendTransaction(ctx, t)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.LedgerTransaction{}, &model.NotFoundError{Entity: "agent", ID: t.AgentID}
		}
		return model.LedgerTransaction{}, err
	}

	s.txCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("budget", string(appended.Budget)),
		attribute.String("kind", string(appended.Kind)),
	))
	s.logger.Debug("ledger: appended",
		"agent_id", appended.AgentID,
		"budget", appended.Budget,
		"kind", appended.Kind,
		"amount", appended.Amount,
		"balance_after", appended.BalanceAfter)
	return appended, nil
}

// History lists an agent's transactions newest first, optionally filtered
// by budget. limit is clamped to [1, 500] with a default of 50.
func (s *Service) History(ctx context.Context, agentID uuid.UUID, budget *model.BudgetKind, limit, offset int) ([]model.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if budget != nil && !model.ValidBudgetKind(*budget) {
		return nil, &model.ValidationError{Field: "budget", Reason: fmt.Sprintf("unknown budget %q", *budget)}
	}
	if _, err := s.db.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &model.NotFoundError{Entity: "agent", ID: agentID}
		}
		return nil, err
	}
	return s.db.ListTransactions(ctx, agentID, budget, limit, offset)
}

// ChainReport is the result of verifying one agent's two budget chains.
type ChainReport struct {
	AgentID      uuid.UUID `json:"agent_id"`
	Transactions int       `json:"transactions"`
	Problems     []string  `json:"problems,omitempty"`
}

// OK reports whether the verification found no problems.
func (r ChainReport) OK() bool { return len(r.Problems) == 0 }

// VerifyAgentChain recomputes both of an agent's balance chains: every
// balance_after must equal its predecessor plus the amount, every content
// hash must match, and the stored budget must equal the newest
// balance_after.
func (s *Service) VerifyAgentChain(ctx context.Context, agentID uuid.UUID) (ChainReport, error) {
	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ChainReport{}, &model.NotFoundError{Entity: "agent", ID: agentID}
		}
		return ChainReport{}, err
	}

	report := ChainReport{AgentID: agentID}
	for _, budget := range []model.BudgetKind{model.BudgetCompute, model.BudgetAsset} {
		chain, err := s.db.TransactionsForChain(ctx, agentID, budget)
		if err != nil {
			return ChainReport{}, err
		}
		balance := agent.ComputeBudget
		if budget == model.BudgetAsset {
			balance = agent.AssetBalance
		}
		report.Transactions += len(chain)
		report.Problems = append(report.Problems, integrity.VerifyChain(chain, balance)...)
	}
	return report, nil
}

// VerifySummary aggregates a full-ledger verification pass.
type VerifySummary struct {
	Agents       int      `json:"agents"`
	Transactions int      `json:"transactions"`
	Problems     []string `json:"problems,omitempty"`
	CheckedAt    string   `json:"checked_at"`
}

// VerifyAll verifies every agent that has ledger rows. Expensive, meant
// for the audit loop and the explicit verification endpoint.
func (s *Service) VerifyAll(ctx context.Context) (VerifySummary, error) {
	ids, err := s.db.ListLedgerAgentIDs(ctx)
	if err != nil {
		return VerifySummary{}, err
	}

	summary := VerifySummary{CheckedAt: time.Now().UTC().Format(time.RFC3339)}
	for _, id := range ids {
		report, err := s.VerifyAgentChain(ctx, id)
		if err != nil {
			return VerifySummary{}, fmt.Errorf("verify agent %s: %w", id, err)
		}
		summary.Agents++
		summary.Transactions += report.Transactions
		summary.Problems = append(summary.Problems, report.Problems...)
	}
	return summary, nil
}

// Checkpoint anchors all transactions since the previous checkpoint in a
// Merkle root chained to it. Returns nil when the window holds no new
// transactions.
func (s *Service) Checkpoint(ctx context.Context) (*integrity.Checkpoint, error) {
	latest, err := s.db.GetLatestCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	since := time.Time{}
	var prevRoot *string
	if latest != nil {
		since = latest.PeriodEnd
		prevRoot = &latest.RootHash
	}

	hashes, err := s.db.GetTransactionHashesForBatch(ctx, since, now)
	if err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	cp := integrity.Checkpoint{
		ID:           uuid.New(),
		PeriodStart:  since,
		PeriodEnd:    now,
		Transactions: len(hashes),
		RootHash:     integrity.BuildMerkleRoot(hashes),
		PreviousRoot: prevRoot,
		CreatedAt:    now,
	}
	if err := s.db.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}

	s.logger.Info("ledger: checkpoint created",
		"transactions", cp.Transactions,
		"root", cp.RootHash[:12])
	return &cp, nil
}

// AuditLoop runs periodic verification and checkpointing until ctx is
// cancelled. Problems are logged, counted, and left for the operator; the
// loop never stops the process.
func (s *Service) AuditLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := s.VerifyAll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("ledger: audit pass failed", "error", err)
				continue
			}
			if len(summary.Problems) > 0 {
				s.auditErrors.Add(ctx, int64(len(summary.Problems)))
				s.logger.Error("ledger: audit found problems",
					"agents", summary.Agents,
					"problems", len(summary.Problems),
					"first", summary.Problems[0])
			} else {
				s.logger.Debug("ledger: audit clean",
					"agents", summary.Agents,
					"transactions", summary.Transactions)
			}
			if _, err := s.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("ledger: checkpoint failed", "error", err)
			}
		}
	}
}
