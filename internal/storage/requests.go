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

// CreateRequest inserts a new pending request.
func (db *DB) CreateRequest(ctx context.Context, r model.Request) (model.Request, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Status = model.RequestPending
	if r.Payload == nil {
		r.Payload = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO requests (id, agent_id, type, title, description, payload, status, priority, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.AgentID, string(r.Type), r.Title, r.Description, r.Payload,
		string(r.Status), string(r.Priority), r.CreatedAt,
	)
	if err != nil {
		return model.Request{}, fmt.Errorf("storage: create request: %w", err)
	}
	return r, nil
}

// GetRequest retrieves a request by id.
func (db *DB) GetRequest(ctx context.Context, id uuid.UUID) (model.Request, error) {
	var r model.Request
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, type, title, description, payload, status, priority, created_at, resolved_at, resolved_by, reason
		 FROM requests WHERE id = $1`, id,
	).Scan(
		&r.ID, &r.AgentID, &r.Type, &r.Title, &r.Description, &r.Payload,
		&r.Status, &r.Priority, &r.CreatedAt, &r.ResolvedAt, &r.ResolvedBy, &r.Reason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Request{}, fmt.Errorf("storage: request %s: %w", id, ErrNotFound)
		}
		return model.Request{}, fmt.Errorf("storage: get request: %w", err)
	}
	return r, nil
}

// ListRequests returns requests with optional status and agent filtering,
// newest first. limit is clamped to [1, 1000] with a default of 100.
func (db *DB) ListRequests(ctx context.Context, status *model.RequestStatus, agentID *uuid.UUID, limit, offset int) ([]model.Request, error) {
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
		`SELECT id, agent_id, type, title, description, payload, status, priority, created_at, resolved_at, resolved_by, reason
		 FROM requests
		 WHERE ($1::text IS NULL OR status = $1)
		   AND ($2::uuid IS NULL OR agent_id = $2)
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		(*string)(status), agentID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// ListPendingRequests returns the approval queue ordered for human review:
// highest priority first, oldest first within a priority.
func (db *DB) ListPendingRequests(ctx context.Context, limit int) ([]model.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, type, title, description, payload, status, priority, created_at, resolved_at, resolved_by, reason
		 FROM requests
		 WHERE status = 'pending'
		 ORDER BY CASE priority
		   WHEN 'critical' THEN 0
		   WHEN 'high' THEN 1
		   WHEN 'medium' THEN 2
		   ELSE 3
		 END, created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// ResolveRequest moves a pending request to a terminal status. The status
// guard is in the UPDATE itself, so exactly one resolution can ever win;
// a second attempt gets an AlreadyResolvedError with the request untouched.
func (db *DB) ResolveRequest(ctx context.Context, id uuid.UUID, decision model.Decision, resolvedBy string, reason *string) (model.Request, error) {
	var r model.Request
	err := db.pool.QueryRow(ctx,
		`UPDATE requests
		 SET status = $2, resolved_at = now(), resolved_by = $3, reason = $4
		 WHERE id = $1 AND status = 'pending'
		 RETURNING id, agent_id, type, title, description, payload, status, priority, created_at, resolved_at, resolved_by, reason`,
		id, string(decision), resolvedBy, reason,
	).Scan(
		&r.ID, &r.AgentID, &r.Type, &r.Title, &r.Description, &r.Payload,
		&r.Status, &r.Priority, &r.CreatedAt, &r.ResolvedAt, &r.ResolvedBy, &r.Reason,
	)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Request{}, fmt.Errorf("storage: resolve request: %w", err)
	}

	// The guard rejected the update: either the request does not exist or
	// it is already terminal. Distinguish the two for the caller.
	existing, getErr := db.GetRequest(ctx, id)
	if getErr != nil {
		return model.Request{}, getErr
	}
	return model.Request{}, &model.AlreadyResolvedError{RequestID: id, Status: existing.Status}
}

// ListResolvedRequests returns an agent's most recently resolved requests,
// for oracle context building.
func (db *DB) ListResolvedRequests(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Request, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, type, title, description, payload, status, priority, created_at, resolved_at, resolved_by, reason
		 FROM requests
		 WHERE agent_id = $1 AND status <> 'pending'
		 ORDER BY resolved_at DESC NULLS LAST, created_at DESC
		 LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list resolved requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// CountPendingRequests returns the size of the approval queue.
func (db *DB) CountPendingRequests(ctx context.Context) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM requests WHERE status = 'pending'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending requests: %w", err)
	}
	return count, nil
}

// CountRequestsByStatus returns request totals broken down by status.
func (db *DB) CountRequestsByStatus(ctx context.Context) (map[model.RequestStatus]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, count(*) FROM requests GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: count requests by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.RequestStatus]int)
	for rows.Next() {
		var s model.RequestStatus
		var c int
		if err := rows.Scan(&s, &c); err != nil {
			return nil, fmt.Errorf("storage: scan request status count: %w", err)
		}
		counts[s] = c
	}
	return counts, rows.Err()
}

func scanRequests(rows pgx.Rows) ([]model.Request, error) {
	var reqs []model.Request
	for rows.Next() {
		var r model.Request
		if err := rows.Scan(
			&r.ID, &r.AgentID, &r.Type, &r.Title, &r.Description, &r.Payload,
			&r.Status, &r.Priority, &r.CreatedAt, &r.ResolvedAt, &r.ResolvedBy, &r.Reason,
		); err != nil {
			return nil, fmt.Errorf("storage: scan request: %w", err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}
