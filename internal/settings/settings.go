// Package settings manages the colony-wide policy: auto-approval rules,
// the birth grace period, replication floors, and the per-cycle request
// cap. The policy is one persisted row with an explicit load/save
// lifecycle; a cached copy serves reads so the cycle scheduler and the
// request service never block on the store for policy lookups.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/storage"
)

// Manager owns the cached policy. Load once at startup, then Current for
// reads and Save for operator updates.
type Manager struct {
	db     *storage.DB
	logger *slog.Logger

	mu      sync.RWMutex
	current model.Settings
}

// NewManager creates a manager seeded with defaults. Call Load to pick up
// a previously saved policy.
func NewManager(db *storage.DB, logger *slog.Logger) *Manager {
	return &Manager{
		db:      db,
		logger:  logger,
		current: model.DefaultSettings(),
	}
}

// Load reads the persisted policy into the cache. A colony that has never
// saved settings keeps the defaults.
func (m *Manager) Load(ctx context.Context) error {
	s, err := m.db.GetSettings(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.logger.Info("settings: no saved policy, using defaults")
			return nil
		}
		return fmt.Errorf("settings: load: %w", err)
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.logger.Info("settings: loaded",
		"auto_approve", s.AutoApprove,
		"grace_period", s.GracePeriod,
		"max_requests_per_cycle", s.MaxRequestsPerCycle)
	return nil
}

// Current returns the cached policy. The returned value is a copy; callers
// may not observe a Save that lands after this call returns.
func (m *Manager) Current() model.Settings {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()
	s.AutoApproveTypes = slices.Clone(s.AutoApproveTypes)
	return s
}

// Save normalizes, validates, persists, and caches a new policy. Invalid
// policies are rejected with a ValidationError and leave the stored and
// cached policy untouched.
func (m *Manager) Save(ctx context.Context, s model.Settings) (model.Settings, error) {
	s.Normalize()
	if err := s.Validate(); err != nil {
		return model.Settings{}, &model.ValidationError{Field: "settings", Reason: err.Error()}
	}

	saved, err := m.db.SaveSettings(ctx, s)
	if err != nil {
		return model.Settings{}, fmt.Errorf("settings: save: %w", err)
	}

	m.mu.Lock()
	m.current = saved
	m.mu.Unlock()
	m.logger.Info("settings: saved",
		"auto_approve", saved.AutoApprove,
		"auto_approve_types", len(saved.AutoApproveTypes),
		"grace_period", saved.GracePeriod)
	return saved, nil
}
