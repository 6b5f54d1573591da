package model

import (
	"fmt"
	"slices"
	"time"
)

// Settings is the process-wide colony policy, persisted as a single row
// with an explicit load/save lifecycle. It is deliberately separate from
// Agent metadata: policy applies to the whole population, not to any one
// entity.
type Settings struct {
	// AutoApprove enables the auto-approval policy for newly created
	// requests whose type is in AutoApproveTypes.
	AutoApprove bool `json:"auto_approve"`

	// AutoApproveTypes is the allow-list consulted when AutoApprove is on.
	// human_required is excluded structurally: Normalize strips it and the
	// request service refuses to auto-approve it even if a stored row
	// still carries it.
	AutoApproveTypes []RequestType `json:"auto_approve_types"`

	// GracePeriod is the fixed duration from an agent's birth to its
	// death deadline.
	GracePeriod time.Duration `json:"grace_period"`

	// MinChildCompute and MinChildAsset are the replication endowment
	// floors: a child never starts with less than these.
	MinChildCompute float64 `json:"min_child_compute"`
	MinChildAsset   float64 `json:"min_child_asset"`

	// MaxRequestsPerCycle caps how many request drafts from one oracle
	// result become rows.
	MaxRequestsPerCycle int `json:"max_requests_per_cycle"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultSettings returns the policy used until an operator saves one.
func DefaultSettings() Settings {
	return Settings{
		AutoApprove: false,
		AutoApproveTypes: []RequestType{
			RequestReplicate, RequestTrade, RequestSpend,
			RequestCommunicate, RequestStrategyChange, RequestCustom,
		},
		GracePeriod:         7 * 24 * time.Hour,
		MinChildCompute:     1.0,
		MinChildAsset:       0.5,
		MaxRequestsPerCycle: 3,
	}
}

// AutoApprovable reports whether the policy would auto-approve a request of
// type t. human_required is never approvable regardless of the stored
// allow-list or the global flag.
func (s Settings) AutoApprovable(t RequestType) bool {
	if !s.AutoApprove || t == RequestHumanRequired {
		return false
	}
	return slices.Contains(s.AutoApproveTypes, t)
}

// Normalize clamps the settings into a usable state: unknown allow-list
// entries and human_required are dropped, zero durations and floors fall
// back to defaults.
func (s *Settings) Normalize() {
	def := DefaultSettings()
	kept := s.AutoApproveTypes[:0]
	for _, t := range s.AutoApproveTypes {
		if ValidRequestType(t) && t != RequestHumanRequired {
			kept = append(kept, t)
		}
	}
	s.AutoApproveTypes = kept
	if s.GracePeriod <= 0 {
		s.GracePeriod = def.GracePeriod
	}
	if s.MinChildCompute <= 0 {
		s.MinChildCompute = def.MinChildCompute
	}
	if s.MinChildAsset <= 0 {
		s.MinChildAsset = def.MinChildAsset
	}
	if s.MaxRequestsPerCycle <= 0 {
		s.MaxRequestsPerCycle = def.MaxRequestsPerCycle
	}
}

// Validate rejects settings that Normalize cannot repair.
func (s Settings) Validate() error {
	if s.GracePeriod < time.Minute {
		return fmt.Errorf("grace_period must be at least one minute")
	}
	if s.MaxRequestsPerCycle > 10 {
		return fmt.Errorf("max_requests_per_cycle must be at most 10")
	}
	if slices.Contains(s.AutoApproveTypes, RequestHumanRequired) {
		return fmt.Errorf("human_required can never be auto-approved")
	}
	return nil
}
