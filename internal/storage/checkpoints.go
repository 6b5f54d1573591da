package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mure/internal/integrity"
)

// GetLatestCheckpoint returns the most recent ledger checkpoint.
// Returns nil if none exist yet.
func (db *DB) GetLatestCheckpoint(ctx context.Context) (*integrity.Checkpoint, error) {
	var c integrity.Checkpoint
	err := db.pool.QueryRow(ctx,
		`SELECT id, period_start, period_end, transactions, root_hash, previous_root, created_at
		 FROM ledger_checkpoints
		 ORDER BY created_at DESC
		 LIMIT 1`,
	).Scan(&c.ID, &c.PeriodStart, &c.PeriodEnd, &c.Transactions, &c.RootHash, &c.PreviousRoot, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get latest checkpoint: %w", err)
	}
	return &c, nil
}

// CreateCheckpoint inserts a new ledger checkpoint.
func (db *DB) CreateCheckpoint(ctx context.Context, c integrity.Checkpoint) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO ledger_checkpoints (id, period_start, period_end, transactions, root_hash, previous_root, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.PeriodStart, c.PeriodEnd, c.Transactions, c.RootHash, c.PreviousRoot, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create checkpoint: %w", err)
	}
	return nil
}

// GetTransactionHashesForBatch returns content_hash values for transactions
// created between since (exclusive) and until (inclusive), ordered
// lexicographically for deterministic Merkle roots.
func (db *DB) GetTransactionHashesForBatch(ctx context.Context, since, until time.Time) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT content_hash FROM ledger_transactions
		 WHERE created_at > $1 AND created_at <= $2
		   AND content_hash IS NOT NULL AND content_hash != ''
		 ORDER BY content_hash ASC`,
		since, until,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get transaction hashes for batch: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan transaction hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// ListLedgerAgentIDs returns the ids of all agents holding at least one
// ledger transaction. The audit loop walks this set.
func (db *DB) ListLedgerAgentIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT agent_id FROM ledger_transactions ORDER BY agent_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list ledger agent IDs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan ledger agent ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
