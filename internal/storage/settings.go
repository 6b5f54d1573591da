package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mure/internal/model"
)

// Settings persist as a single row (id = 1, enforced by a check
// constraint). There is exactly one colony policy per deployment.

// GetSettings loads the colony policy. Returns ErrNotFound when no policy
// has been saved yet; callers fall back to model.DefaultSettings.
func (db *DB) GetSettings(ctx context.Context) (model.Settings, error) {
	var (
		s           model.Settings
		types       []string
		graceSecond int64
	)
	err := db.pool.QueryRow(ctx,
		`SELECT auto_approve, auto_approve_types, grace_period_seconds, min_child_compute, min_child_asset, max_requests_per_cycle, updated_at
		 FROM settings WHERE id = 1`,
	).Scan(
		&s.AutoApprove, &types, &graceSecond,
		&s.MinChildCompute, &s.MinChildAsset, &s.MaxRequestsPerCycle, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Settings{}, fmt.Errorf("storage: settings: %w", ErrNotFound)
		}
		return model.Settings{}, fmt.Errorf("storage: get settings: %w", err)
	}
	s.GracePeriod = time.Duration(graceSecond) * time.Second
	s.AutoApproveTypes = make([]model.RequestType, 0, len(types))
	for _, t := range types {
		s.AutoApproveTypes = append(s.AutoApproveTypes, model.RequestType(t))
	}
	return s, nil
}

// SaveSettings upserts the colony policy row and stamps UpdatedAt.
func (db *DB) SaveSettings(ctx context.Context, s model.Settings) (model.Settings, error) {
	s.UpdatedAt = time.Now().UTC()
	types := make([]string, 0, len(s.AutoApproveTypes))
	for _, t := range s.AutoApproveTypes {
		types = append(types, string(t))
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO settings (id, auto_approve, auto_approve_types, grace_period_seconds, min_child_compute, min_child_asset, max_requests_per_cycle, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   auto_approve = EXCLUDED.auto_approve,
		   auto_approve_types = EXCLUDED.auto_approve_types,
		   grace_period_seconds = EXCLUDED.grace_period_seconds,
		   min_child_compute = EXCLUDED.min_child_compute,
		   min_child_asset = EXCLUDED.min_child_asset,
		   max_requests_per_cycle = EXCLUDED.max_requests_per_cycle,
		   updated_at = EXCLUDED.updated_at`,
		s.AutoApprove, types, int64(s.GracePeriod/time.Second),
		s.MinChildCompute, s.MinChildAsset, s.MaxRequestsPerCycle, s.UpdatedAt,
	)
	if err != nil {
		return model.Settings{}, fmt.Errorf("storage: save settings: %w", err)
	}
	return s, nil
}
