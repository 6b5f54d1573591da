package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mure/internal/model"
)

// insertLogTx writes one log entry inside an open transaction. Thought
// entries also get a search_outbox row so the sync worker mirrors them
// into Qdrant.
func insertLogTx(ctx context.Context, tx pgx.Tx, e model.LogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_logs (id, agent_id, level, message, metadata, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.AgentID, string(e.Level), e.Message, e.Metadata, e.Embedding, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert log entry: %w", err)
	}

	if e.Level == model.LogThought {
		if _, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (log_id, operation) VALUES ($1, 'upsert')`,
			e.ID,
		); err != nil {
			return fmt.Errorf("storage: enqueue thought for indexing: %w", err)
		}
	}
	return nil
}

// AppendLog writes one log entry. The caller sets Embedding beforehand if an
// embedding provider produced one; thought entries are queued for Qdrant
// sync either way.
func (db *DB) AppendLog(ctx context.Context, e model.LogEntry) (model.LogEntry, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("storage: begin append log tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertLogTx(ctx, tx, e); err != nil {
		return model.LogEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.LogEntry{}, fmt.Errorf("storage: commit append log tx: %w", err)
	}
	return e, nil
}

// ListLogs returns an agent's log entries, newest first, optionally filtered
// by level. Embeddings are not loaded. limit is clamped to [1, 1000] with a
// default of 100.
func (db *DB) ListLogs(ctx context.Context, agentID uuid.UUID, level *model.LogLevel, limit, offset int) ([]model.LogEntry, error) {
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
		`SELECT id, agent_id, level, message, metadata, created_at
		 FROM agent_logs
		 WHERE agent_id = $1 AND ($2::text IS NULL OR level = $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3 OFFSET $4`,
		agentID, (*string)(level), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list logs: %w", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

// ListRecentThoughts returns an agent's newest thought entries, for oracle
// context building.
func (db *DB) ListRecentThoughts(ctx context.Context, agentID uuid.UUID, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, level, message, metadata, created_at
		 FROM agent_logs
		 WHERE agent_id = $1 AND level = 'thought'
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent thoughts: %w", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

// GetLogEntries fetches entries by id for search-hit hydration. Missing
// ids are silently skipped; embeddings are not loaded.
func (db *DB) GetLogEntries(ctx context.Context, ids []uuid.UUID) ([]model.LogEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, level, message, metadata, created_at
		 FROM agent_logs
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get log entries: %w", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

// SearchThoughtsByText is the substring fallback used when no vector index
// is configured. Case-insensitive, newest first; agentID, when non-nil,
// restricts hits to that agent.
func (db *DB) SearchThoughtsByText(ctx context.Context, query string, agentID *uuid.UUID, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, level, message, metadata, created_at
		 FROM agent_logs
		 WHERE level = 'thought'
		   AND message ILIKE '%' || $1 || '%'
		   AND ($2::uuid IS NULL OR agent_id = $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		query, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search thoughts by text: %w", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

func scanLogs(rows pgx.Rows) ([]model.LogEntry, error) {
	var entries []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(
			&e.ID, &e.AgentID, &e.Level, &e.Message, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
