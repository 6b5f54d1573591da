package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mure/internal/model"
)

// CreateAgent inserts a new agent row. Budgets start at whatever the caller
// set; lifecycle paths that must keep the ledger projection consistent
// (seeding, replication) go through SeedAgent and Replicate instead, which
// write the matching birth grants in the same transaction.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	agent = prepareAgent(agent)
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		agent.ID, agent.ParentID, agent.Generation, agent.Name, agent.Persona, agent.Strategy,
		agent.ComputeBudget, agent.AssetBalance, string(agent.Status),
		agent.BornAt, agent.DiesAt, agent.LastCycleAt, agent.Metadata,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// prepareAgent fills generated fields before an insert.
func prepareAgent(agent model.Agent) model.Agent {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	if agent.BornAt.IsZero() {
		agent.BornAt = time.Now().UTC()
	}
	agent.BornAt = agent.BornAt.UTC().Truncate(time.Microsecond)
	if agent.Status == "" {
		agent.Status = model.AgentAlive
	}
	if agent.Metadata == nil {
		agent.Metadata = map[string]any{}
	}
	return agent
}

// GetAgent retrieves an agent by id.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata
		 FROM agents WHERE id = $1`, id,
	).Scan(
		&a.ID, &a.ParentID, &a.Generation, &a.Name, &a.Persona, &a.Strategy,
		&a.ComputeBudget, &a.AssetBalance, &a.Status,
		&a.BornAt, &a.DiesAt, &a.LastCycleAt, &a.Metadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns agents with optional status filtering and pagination.
// limit is clamped to [1, 1000] with a default of 200; offset must be non-negative.
func (db *DB) ListAgents(ctx context.Context, status *model.AgentStatus, limit, offset int) ([]model.Agent, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata
		 FROM agents
		 WHERE $1::text IS NULL OR status = $1
		 ORDER BY born_at ASC, id ASC
		 LIMIT $2 OFFSET $3`,
		(*string)(status), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// ListAliveAgents returns every alive agent in birth order. The cycle
// scheduler iterates this list; the ordering keeps cycle traversal
// deterministic.
func (db *DB) ListAliveAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata
		 FROM agents WHERE status = 'alive'
		 ORDER BY born_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list alive agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// ListReapableAgents returns alive agents whose deadline has passed with
// both budgets exhausted, as of now. The reaper re-checks the predicate
// row-by-row inside ReapAgent, so a stale read here is harmless.
func (db *DB) ListReapableAgents(ctx context.Context, now time.Time) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata
		 FROM agents
		 WHERE status = 'alive' AND dies_at <= $1 AND compute_budget <= 0 AND asset_balance <= 0
		 ORDER BY born_at ASC, id ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list reapable agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// ReapAgent marks an agent dead if and only if it still satisfies every
// termination condition, and writes the death entry to the agent's log in
// the same transaction. Returns the updated agent and true when the agent
// was reaped; false when the predicate no longer held (e.g. a credit
// arrived between the sweep's read and this write).
func (db *DB) ReapAgent(ctx context.Context, id uuid.UUID, now time.Time) (model.Agent, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, false, fmt.Errorf("storage: begin reap tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var a model.Agent
	err = tx.QueryRow(ctx,
		`UPDATE agents SET status = 'dead'
		 WHERE id = $1 AND status = 'alive' AND dies_at <= $2 AND compute_budget <= 0 AND asset_balance <= 0
		 RETURNING id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata`,
		id, now,
	).Scan(
		&a.ID, &a.ParentID, &a.Generation, &a.Name, &a.Persona, &a.Strategy,
		&a.ComputeBudget, &a.AssetBalance, &a.Status,
		&a.BornAt, &a.DiesAt, &a.LastCycleAt, &a.Metadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, false, nil
		}
		return model.Agent{}, false, fmt.Errorf("storage: reap agent: %w", err)
	}

	entry := model.LogEntry{
		ID:      uuid.New(),
		AgentID: a.ID,
		Level:   model.LogEvent,
		Message: "died: deadline passed with both budgets exhausted",
		Metadata: map[string]any{
			"compute_budget": a.ComputeBudget,
			"asset_balance":  a.AssetBalance,
			"dies_at":        a.DiesAt.Format(time.RFC3339),
		},
		CreatedAt: now,
	}
	if err := insertLogTx(ctx, tx, entry); err != nil {
		return model.Agent{}, false, fmt.Errorf("storage: death log in reap tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, false, fmt.Errorf("storage: commit reap tx: %w", err)
	}
	return a, true, nil
}

// UpdateAgentStrategy replaces an agent's strategy text.
func (db *DB) UpdateAgentStrategy(ctx context.Context, id uuid.UUID, strategy string) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`UPDATE agents SET strategy = $1 WHERE id = $2
		 RETURNING id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata`,
		strategy, id,
	).Scan(
		&a.ID, &a.ParentID, &a.Generation, &a.Name, &a.Persona, &a.Strategy,
		&a.ComputeBudget, &a.AssetBalance, &a.Status,
		&a.BornAt, &a.DiesAt, &a.LastCycleAt, &a.Metadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: update agent strategy: %w", err)
	}
	return a, nil
}

// TouchLastCycle records when an agent last completed a cycle.
func (db *DB) TouchLastCycle(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE agents SET last_cycle_at = $1 WHERE id = $2`, at, id,
	)
	if err != nil {
		return fmt.Errorf("storage: touch last_cycle_at: %w", err)
	}
	return nil
}

// ListChildren returns an agent's direct children in birth order.
func (db *DB) ListChildren(ctx context.Context, parentID uuid.UUID) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata
		 FROM agents WHERE parent_id = $1
		 ORDER BY born_at ASC, id ASC`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list children: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// Lineage returns the chain from an agent up to its root ancestor,
// starting with the agent itself.
func (db *DB) Lineage(ctx context.Context, id uuid.UUID) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`WITH RECURSIVE ancestry AS (
		   SELECT id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata, 0 AS depth
		   FROM agents WHERE id = $1
		   UNION ALL
		   SELECT a.id, a.parent_id, a.generation, a.name, a.persona, a.strategy, a.compute_budget, a.asset_balance, a.status, a.born_at, a.dies_at, a.last_cycle_at, a.metadata, ancestry.depth + 1
		   FROM agents a
		   JOIN ancestry ON a.id = ancestry.parent_id
		 )
		 SELECT id, parent_id, generation, name, persona, strategy, compute_budget, asset_balance, status, born_at, dies_at, last_cycle_at, metadata
		 FROM ancestry ORDER BY depth ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: lineage: %w", err)
	}
	defer rows.Close()

	agents, err := scanAgents(rows)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
	}
	return agents, nil
}

// CountAgentsByStatus returns the population broken down by lifecycle status.
func (db *DB) CountAgentsByStatus(ctx context.Context) (map[model.AgentStatus]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, count(*) FROM agents GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: count agents by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.AgentStatus]int)
	for rows.Next() {
		var s model.AgentStatus
		var c int
		if err := rows.Scan(&s, &c); err != nil {
			return nil, fmt.Errorf("storage: scan agent status count: %w", err)
		}
		counts[s] = c
	}
	return counts, rows.Err()
}

func scanAgents(rows pgx.Rows) ([]model.Agent, error) {
	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(
			&a.ID, &a.ParentID, &a.Generation, &a.Name, &a.Persona, &a.Strategy,
			&a.ComputeBudget, &a.AssetBalance, &a.Status,
			&a.BornAt, &a.DiesAt, &a.LastCycleAt, &a.Metadata,
		); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
