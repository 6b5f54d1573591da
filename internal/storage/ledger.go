package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mure/internal/integrity"
	"github.com/ashita-ai/mure/internal/model"
)

// budgetColumn maps a budget kind to its agents column. The kind set is
// closed, so the concatenation below never sees caller input.
func budgetColumn(b model.BudgetKind) string {
	if b == model.BudgetAsset {
		return "asset_balance"
	}
	return "compute_budget"
}

// appendTransactionTx appends one ledger transaction inside an open
// transaction: it locks the agent row, projects the new balance, writes the
// transaction with its content hash, and updates the agent's stored budget.
// The row lock serializes concurrent appends per agent so balance_after
// values never interleave.
//
// Balances are allowed to go negative here. Overdraft protection is the
// caller's job where it applies (replication checks before debiting);
// compute costs deliberately overdraw and are caught by the reaper.
func appendTransactionTx(ctx context.Context, tx pgx.Tx, t model.LedgerTransaction) (model.LedgerTransaction, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	// timestamptz keeps microseconds; truncate before hashing so the
	// stored hash still verifies after a round trip.
	t.CreatedAt = t.CreatedAt.UTC().Truncate(time.Microsecond)
	t.Amount = model.RoundAmount(t.Amount)

	col := budgetColumn(t.Budget)
	var current float64
	err := tx.QueryRow(ctx,
		`SELECT `+col+` FROM agents WHERE id = $1 FOR UPDATE`, t.AgentID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerTransaction{}, fmt.Errorf("storage: agent %s: %w", t.AgentID, ErrNotFound)
		}
		return model.LedgerTransaction{}, fmt.Errorf("storage: lock agent for ledger append: %w", err)
	}

	t.BalanceAfter = model.RoundAmount(current + t.Amount)
	t.ContentHash = integrity.TransactionHash(t)

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_transactions (id, agent_id, budget, amount, kind, description, balance_after, reference_id, content_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.AgentID, string(t.Budget), t.Amount, string(t.Kind), t.Description,
		t.BalanceAfter, t.ReferenceID, t.ContentHash, t.CreatedAt,
	); err != nil {
		return model.LedgerTransaction{}, fmt.Errorf("storage: insert ledger transaction: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE agents SET `+col+` = $1 WHERE id = $2`, t.BalanceAfter, t.AgentID,
	); err != nil {
		return model.LedgerTransaction{}, fmt.Errorf("storage: update agent budget: %w", err)
	}

	return t, nil
}

// AppendTransaction appends a single ledger transaction in its own
// transaction. See appendTransactionTx for the invariants it maintains.
func (db *DB) AppendTransaction(ctx context.Context, t model.LedgerTransaction) (model.LedgerTransaction, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.LedgerTransaction{}, fmt.Errorf("storage: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err = appendTransactionTx(ctx, tx, t)
	if err != nil {
		return model.LedgerTransaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.LedgerTransaction{}, fmt.Errorf("storage: commit append tx: %w", err)
	}
	return t, nil
}

// SeedAgent creates an agent together with the birth grants that fund its
// budgets, atomically. The agent row is inserted with zero balances and the
// grants are appended through the regular ledger path, so the projection
// holds from the very first row: stored budget equals newest balance_after.
func (db *DB) SeedAgent(ctx context.Context, agent model.Agent, computeGrant, assetGrant float64) (model.Agent, []model.LedgerTransaction, error) {
	agent = prepareAgent(agent)
	agent.ComputeBudget = 0
	agent.AssetBalance = 0

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, nil, fmt.Errorf("storage: begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO agents (id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		agent.ID, agent.ParentID, agent.Generation, agent.Name, agent.Persona, agent.Strategy,
		agent.ComputeBudget, agent.AssetBalance, string(agent.Status),
		agent.BornAt, agent.DiesAt, agent.LastCycleAt, agent.Metadata,
	); err != nil {
		return model.Agent{}, nil, fmt.Errorf("storage: insert seed agent: %w", err)
	}

	var txs []model.LedgerTransaction
	grants := []model.LedgerTransaction{
		{AgentID: agent.ID, Budget: model.BudgetCompute, Amount: computeGrant, Kind: model.TxBirthGrant, Description: "initial endowment", CreatedAt: agent.BornAt},
		{AgentID: agent.ID, Budget: model.BudgetAsset, Amount: assetGrant, Kind: model.TxBirthGrant, Description: "initial endowment", CreatedAt: agent.BornAt},
	}
	for _, g := range grants {
		appended, err := appendTransactionTx(ctx, tx, g)
		if err != nil {
			return model.Agent{}, nil, fmt.Errorf("storage: seed grant: %w", err)
		}
		txs = append(txs, appended)
		agent.ComputeBudget, agent.AssetBalance = applyBalance(agent, appended)
	}

	entry := model.LogEntry{
		ID:        uuid.New(),
		AgentID:   agent.ID,
		Level:     model.LogEvent,
		Message:   fmt.Sprintf("born: generation %d", agent.Generation),
		Metadata:  map[string]any{"compute_grant": computeGrant, "asset_grant": assetGrant},
		CreatedAt: agent.BornAt,
	}
	if err := insertLogTx(ctx, tx, entry); err != nil {
		return model.Agent{}, nil, fmt.Errorf("storage: birth log in seed tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, nil, fmt.Errorf("storage: commit seed tx: %w", err)
	}
	return agent, txs, nil
}

// ReplicateParams describes one parent→child replication.
type ReplicateParams struct {
	ParentID      uuid.UUID
	ChildName     string
	ChildPersona  string
	ChildStrategy *string
	ComputeGrant  float64
	AssetGrant    float64
	GracePeriod   time.Duration
	ReferenceID   *uuid.UUID // approved request that authorized the replication
	Metadata      map[string]any
}

// ReplicateResult carries everything the replication transaction produced.
type ReplicateResult struct {
	Parent       model.Agent
	Child        model.Agent
	Transactions []model.LedgerTransaction
}

// Replicate performs a parent→child replication as one transaction: both
// parent debits, the child row, and both birth grants commit together or
// not at all. The parent row is locked first; if either budget cannot cover
// its grant the transaction rolls back with an InsufficientResourcesError
// and nothing has changed.
func (db *DB) Replicate(ctx context.Context, p ReplicateParams) (ReplicateResult, error) {
	p.ComputeGrant = model.RoundAmount(p.ComputeGrant)
	p.AssetGrant = model.RoundAmount(p.AssetGrant)

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return ReplicateResult{}, fmt.Errorf("storage: begin replicate tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var parent model.Agent
	err = tx.QueryRow(ctx,
		`SELECT id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata
		 FROM agents WHERE id = $1 FOR UPDATE`, p.ParentID,
	).Scan(
		&parent.ID, &parent.ParentID, &parent.Generation, &parent.Name, &parent.Persona, &parent.Strategy,
		&parent.ComputeBudget, &parent.AssetBalance, &parent.Status,
		&parent.BornAt, &parent.DiesAt, &parent.LastCycleAt, &parent.Metadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReplicateResult{}, fmt.Errorf("storage: agent %s: %w", p.ParentID, ErrNotFound)
		}
		return ReplicateResult{}, fmt.Errorf("storage: lock parent for replicate: %w", err)
	}

	// A dead parent is gone for replication purposes.
	if parent.Status != model.AgentAlive {
		return ReplicateResult{}, fmt.Errorf("storage: agent %s is %s: %w", parent.ID, parent.Status, ErrNotFound)
	}
	if parent.ComputeBudget < p.ComputeGrant {
		return ReplicateResult{}, &model.InsufficientResourcesError{
			AgentID: parent.ID, Budget: model.BudgetCompute,
			Requested: p.ComputeGrant, Available: parent.ComputeBudget,
		}
	}
	if parent.AssetBalance < p.AssetGrant {
		return ReplicateResult{}, &model.InsufficientResourcesError{
			AgentID: parent.ID, Budget: model.BudgetAsset,
			Requested: p.AssetGrant, Available: parent.AssetBalance,
		}
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	child := model.Agent{
		ID:         uuid.New(),
		ParentID:   &parent.ID,
		Generation: parent.Generation + 1,
		Name:       p.ChildName,
		Persona:    p.ChildPersona,
		Strategy:   p.ChildStrategy,
		Status:     model.AgentAlive,
		BornAt:     now,
		DiesAt:     now.Add(p.GracePeriod),
		Metadata:   p.Metadata,
	}
	if child.Metadata == nil {
		child.Metadata = map[string]any{}
	}

	var txs []model.LedgerTransaction

	debits := []model.LedgerTransaction{
		{AgentID: parent.ID, Budget: model.BudgetCompute, Amount: -p.ComputeGrant, Kind: model.TxExpense,
			Description: fmt.Sprintf("replication grant to %s", child.Name), ReferenceID: p.ReferenceID, CreatedAt: now},
		{AgentID: parent.ID, Budget: model.BudgetAsset, Amount: -p.AssetGrant, Kind: model.TxExpense,
			Description: fmt.Sprintf("replication grant to %s", child.Name), ReferenceID: p.ReferenceID, CreatedAt: now},
	}
	for _, d := range debits {
		appended, err := appendTransactionTx(ctx, tx, d)
		if err != nil {
			return ReplicateResult{}, fmt.Errorf("storage: replicate debit: %w", err)
		}
		txs = append(txs, appended)
		parent.ComputeBudget, parent.AssetBalance = applyBalance(parent, appended)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO agents (id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		child.ID, child.ParentID, child.Generation, child.Name, child.Persona, child.Strategy,
		0.0, 0.0, string(child.Status), child.BornAt, child.DiesAt, child.LastCycleAt, child.Metadata,
	); err != nil {
		return ReplicateResult{}, fmt.Errorf("storage: insert child: %w", err)
	}

	// Each birth grant references the parent debit that funded it.
	computeDebitID, assetDebitID := txs[0].ID, txs[1].ID
	grants := []model.LedgerTransaction{
		{AgentID: child.ID, Budget: model.BudgetCompute, Amount: p.ComputeGrant, Kind: model.TxBirthGrant,
			Description: fmt.Sprintf("birth grant from %s", parent.Name), ReferenceID: &computeDebitID, CreatedAt: now},
		{AgentID: child.ID, Budget: model.BudgetAsset, Amount: p.AssetGrant, Kind: model.TxBirthGrant,
			Description: fmt.Sprintf("birth grant from %s", parent.Name), ReferenceID: &assetDebitID, CreatedAt: now},
	}
	for _, g := range grants {
		appended, err := appendTransactionTx(ctx, tx, g)
		if err != nil {
			return ReplicateResult{}, fmt.Errorf("storage: replicate grant: %w", err)
		}
		txs = append(txs, appended)
		child.ComputeBudget, child.AssetBalance = applyBalance(child, appended)
	}

	entry := model.LogEntry{
		ID:      uuid.New(),
		AgentID: parent.ID,
		Level:   model.LogEvent,
		Message: fmt.Sprintf("replicated into %s", child.Name),
		Metadata: map[string]any{
			"child_id":      child.ID.String(),
			"compute_grant": p.ComputeGrant,
			"asset_grant":   p.AssetGrant,
		},
		CreatedAt: now,
	}
	if err := insertLogTx(ctx, tx, entry); err != nil {
		return ReplicateResult{}, fmt.Errorf("storage: replication log in replicate tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ReplicateResult{}, fmt.Errorf("storage: commit replicate tx: %w", err)
	}
	return ReplicateResult{Parent: parent, Child: child, Transactions: txs}, nil
}

// applyBalance folds a freshly appended transaction into an in-memory agent
// so callers can return the post-transaction state without re-reading.
func applyBalance(a model.Agent, t model.LedgerTransaction) (compute, asset float64) {
	compute, asset = a.ComputeBudget, a.AssetBalance
	if t.Budget == model.BudgetAsset {
		asset = t.BalanceAfter
	} else {
		compute = t.BalanceAfter
	}
	return compute, asset
}

// ListTransactions returns an agent's ledger, newest first, optionally
// filtered by budget. limit is clamped to [1, 1000] with a default of 100.
func (db *DB) ListTransactions(ctx context.Context, agentID uuid.UUID, budget *model.BudgetKind, limit, offset int) ([]model.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, budget, amount, kind, description, balance_after, reference_id, content_hash, created_at
		 FROM ledger_transactions
		 WHERE agent_id = $1 AND ($2::text IS NULL OR budget = $2)
		 ORDER BY seq DESC
		 LIMIT $3 OFFSET $4`,
		agentID, (*string)(budget), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// TransactionsForChain returns one agent-budget chain in append order, for
// balance-chain verification.
func (db *DB) TransactionsForChain(ctx context.Context, agentID uuid.UUID, budget model.BudgetKind) ([]model.LedgerTransaction, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, budget, amount, kind, description, balance_after, reference_id, content_hash, created_at
		 FROM ledger_transactions
		 WHERE agent_id = $1 AND budget = $2
		 ORDER BY seq ASC`,
		agentID, string(budget),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: transactions for chain: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// CountTransactions returns the number of ledger rows for an agent.
func (db *DB) CountTransactions(ctx context.Context, agentID uuid.UUID) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_transactions WHERE agent_id = $1`, agentID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count transactions: %w", err)
	}
	return count, nil
}

func scanTransactions(rows pgx.Rows) ([]model.LedgerTransaction, error) {
	var txs []model.LedgerTransaction
	for rows.Next() {
		var t model.LedgerTransaction
		if err := rows.Scan(
			&t.ID, &t.AgentID, &t.Budget, &t.Amount, &t.Kind, &t.Description,
			&t.BalanceAfter, &t.ReferenceID, &t.ContentHash, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
