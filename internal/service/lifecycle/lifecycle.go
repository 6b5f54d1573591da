// Package lifecycle owns agent birth and death: genesis seeding,
// parent→child replication, and the deadline reaper. Replication splits
// the parent's budgets into a child atomically; the reaper retires agents
// only when the deadline has passed and both budgets are exhausted.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mure/internal/events"
	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/settings"
	"github.com/ashita-ai/mure/internal/storage"
	"github.com/ashita-ai/mure/internal/telemetry"
)

// Service encapsulates lifecycle logic shared by the cycle scheduler, the
// request processor, and the HTTP and MCP surfaces.
type Service struct {
	db       *storage.DB
	settings *settings.Manager
	bus      *events.Bus
	logger   *slog.Logger

	bornCounter metric.Int64Counter
	diedCounter metric.Int64Counter
}

// New creates a lifecycle Service.
func New(db *storage.DB, settingsMgr *settings.Manager, bus *events.Bus, logger *slog.Logger) *Service {
	meter := telemetry.Meter("mure/lifecycle")
	born, _ := meter.Int64Counter("mure.agents.born",
		metric.WithDescription("Agents created by seeding or replication"),
	)
	died, _ := meter.Int64Counter("mure.agents.died",
		metric.WithDescription("Agents retired by the reaper"),
	)
	return &Service{
		db:          db,
		settings:    settingsMgr,
		bus:         bus,
		logger:      logger,
		bornCounter: born,
		diedCounter: died,
	}
}

// SeedParams describes a genesis agent.
type SeedParams struct {
	Name          string
	Persona       string
	Strategy      *string
	ComputeBudget float64
	AssetBalance  float64
	Metadata      map[string]any
	// Lifespan overrides the settings grace period when positive.
	Lifespan time.Duration
}

// SeedRoot creates a generation-zero agent funded by two birth grants
// written in the same transaction, so the balance projection is complete
// from the first ledger row. Broadcasts agent-born.
func (s *Service) SeedRoot(ctx context.Context, p SeedParams) (model.Agent, error) {
	if err := model.ValidateAgentName(p.Name); err != nil {
		return model.Agent{}, &model.ValidationError{Field: "name", Reason: err.Error()}
	}
	if p.Persona == "" {
		return model.Agent{}, &model.ValidationError{Field: "persona", Reason: "required"}
	}
	if len(p.Persona) > model.MaxPersonaLen {
		return model.Agent{}, &model.ValidationError{Field: "persona", Reason: "too long"}
	}
	if !model.ValidAmount(p.ComputeBudget) || p.ComputeBudget <= 0 {
		return model.Agent{}, &model.ValidationError{Field: "compute_budget", Reason: "must be a positive finite amount"}
	}
	if !model.ValidAmount(p.AssetBalance) || p.AssetBalance <= 0 {
		return model.Agent{}, &model.ValidationError{Field: "asset_balance", Reason: "must be a positive finite amount"}
	}

	lifespan := p.Lifespan
	if lifespan <= 0 {
		lifespan = s.settings.Current().GracePeriod
	}

	now := time.Now().UTC()
	agent, _, err := s.db.SeedAgent(ctx, model.Agent{
		Name:     p.Name,
		Persona:  p.Persona,
		Strategy: p.Strategy,
		Metadata: p.Metadata,
		BornAt:   now,
		DiesAt:   now.Add(lifespan),
	}, p.ComputeBudget, p.AssetBalance)
	if err != nil {
		return model.Agent{}, fmt.Errorf("lifecycle: seed root: %w", err)
	}

	s.bornCounter.Add(ctx, 1)
	s.logger.Info("lifecycle: seeded root agent",
		"agent_id", agent.ID,
		"name", agent.Name,
		"compute_budget", agent.ComputeBudget,
		"asset_balance", agent.AssetBalance,
		"dies_at", agent.DiesAt)

	event := model.AgentEvent(model.EventAgentBorn, agent, fmt.Sprintf("%s appeared (generation 0)", agent.Name))
	event.Payload = map[string]any{
		"compute_budget": agent.ComputeBudget,
		"asset_balance":  agent.AssetBalance,
		"dies_at":        agent.DiesAt,
	}
	s.bus.Publish(ctx, event)
	return agent, nil
}

// ReplicateParams carries the child spec from an approved replicate
// request payload. Zero or sub-floor endowments are raised to the policy
// floors; empty name and persona fall back to the parent's.
type ReplicateParams struct {
	ChildName          string
	ChildPersona       string
	ChildComputeBudget float64
	ChildAssetGrant    float64
	// RequestID points the parent's debits at the authorizing request.
	RequestID *uuid.UUID
}

// Replicate splits a parent's budgets into a new child agent. The debit
// pair, the child row, and the birth-grant pair commit in one transaction;
// an InsufficientResourcesError means nothing changed. Broadcasts
// agent-born after commit.
func (s *Service) Replicate(ctx context.Context, parentID uuid.UUID, p ReplicateParams) (model.Agent, error) {
	pol := s.settings.Current()
	computeGrant := max(p.ChildComputeBudget, pol.MinChildCompute)
	assetGrant := max(p.ChildAssetGrant, pol.MinChildAsset)

	// Read the parent once up front for the name and persona fallbacks.
	// The replication transaction re-reads it under a row lock; that read
	// is the authoritative one for balances and status.
	parent, err := s.db.GetAgent(ctx, parentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Agent{}, &model.NotFoundError{Entity: "agent", ID: parentID}
		}
		return model.Agent{}, err
	}
	if parent.Status != model.AgentAlive {
		return model.Agent{}, &model.NotFoundError{Entity: "agent", ID: parentID}
	}

	name := p.ChildName
	if name == "" {
		name = parent.Name + " jr"
	}
	if err := model.ValidateAgentName(name); err != nil {
		return model.Agent{}, &model.ValidationError{Field: "child_name", Reason: err.Error()}
	}
	persona := p.ChildPersona
	if persona == "" {
		persona = parent.Persona
	}
	if len(persona) > model.MaxPersonaLen {
		return model.Agent{}, &model.ValidationError{Field: "child_persona", Reason: "too long"}
	}

	res, err := s.db.Replicate(ctx, storage.ReplicateParams{
		ParentID:     parentID,
		ChildName:    name,
		ChildPersona: persona,
		ComputeGrant: computeGrant,
		AssetGrant:   assetGrant,
		GracePeriod:  pol.GracePeriod,
		ReferenceID:  p.RequestID,
	})
	if err != nil {
		var insufficientErr *model.InsufficientResourcesError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return model.Agent{}, &model.NotFoundError{Entity: "agent", ID: parentID}
		case errors.As(err, &insufficientErr):
			return model.Agent{}, err
		default:
			return model.Agent{}, fmt.Errorf("lifecycle: replicate: %w", err)
		}
	}

	s.bornCounter.Add(ctx, 1)
	s.logger.Info("lifecycle: replicated",
		"parent_id", res.Parent.ID,
		"child_id", res.Child.ID,
		"child_name", res.Child.Name,
		"generation", res.Child.Generation,
		"compute_grant", computeGrant,
		"asset_grant", assetGrant)

	event := model.AgentEvent(model.EventAgentBorn, res.Child,
		fmt.Sprintf("%s was born to %s (generation %d)", res.Child.Name, res.Parent.Name, res.Child.Generation))
	event.Payload = map[string]any{
		"parent_id":     res.Parent.ID.String(),
		"compute_grant": computeGrant,
		"asset_grant":   assetGrant,
	}
	s.bus.Publish(ctx, event)
	return res.Child, nil
}

// Sweep retires every agent whose deadline has passed with both budgets
// exhausted. Each death is its own transaction; one failed reap is logged
// and skipped so the rest of the sweep proceeds. Broadcasts agent-died
// per retired agent.
func (s *Service) Sweep(ctx context.Context, now time.Time) ([]model.Agent, error) {
	candidates, err := s.db.ListReapableAgents(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list reapable: %w", err)
	}

	var reaped []model.Agent
	for _, candidate := range candidates {
		agent, ok, err := s.db.ReapAgent(ctx, candidate.ID, now)
		if err != nil {
			s.logger.Error("lifecycle: reap failed", "agent_id", candidate.ID, "error", err)
			continue
		}
		if !ok {
			// The predicate stopped holding between the sweep read and
			// the guarded update, typically a last-minute credit.
			continue
		}

		reaped = append(reaped, agent)
		s.diedCounter.Add(ctx, 1)
		s.logger.Info("lifecycle: reaped",
			"agent_id", agent.ID,
			"name", agent.Name,
			"generation", agent.Generation,
			"compute_budget", agent.ComputeBudget,
			"asset_balance", agent.AssetBalance)

		event := model.AgentEvent(model.EventAgentDied, agent,
			fmt.Sprintf("%s died (generation %d)", agent.Name, agent.Generation))
		event.Payload = map[string]any{
			"compute_budget": agent.ComputeBudget,
			"asset_balance":  agent.AssetBalance,
			"generation":     agent.Generation,
		}
		s.bus.Publish(ctx, event)
	}
	return reaped, nil
}

// UpdateStrategy overwrites an agent's strategy.
func (s *Service) UpdateStrategy(ctx context.Context, id uuid.UUID, strategy string) (model.Agent, error) {
	if strategy == "" {
		return model.Agent{}, &model.ValidationError{Field: "strategy", Reason: "required"}
	}
	agent, err := s.db.UpdateAgentStrategy(ctx, id, strategy)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Agent{}, &model.NotFoundError{Entity: "agent", ID: id}
		}
		return model.Agent{}, err
	}
	return agent, nil
}

// Touch records that an agent completed a cycle.
func (s *Service) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := s.db.TouchLastCycle(ctx, id, at); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &model.NotFoundError{Entity: "agent", ID: id}
		}
		return err
	}
	return nil
}

// Family is an agent with its immediate relations.
type Family struct {
	Agent    model.Agent   `json:"agent"`
	Parent   *model.Agent  `json:"parent,omitempty"`
	Children []model.Agent `json:"children"`
}

// Family returns an agent's parent and children.
func (s *Service) Family(ctx context.Context, id uuid.UUID) (Family, error) {
	agent, err := s.db.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Family{}, &model.NotFoundError{Entity: "agent", ID: id}
		}
		return Family{}, err
	}

	fam := Family{Agent: agent, Children: []model.Agent{}}
	if agent.ParentID != nil {
		parent, err := s.db.GetAgent(ctx, *agent.ParentID)
		if err != nil {
			return Family{}, fmt.Errorf("lifecycle: load parent: %w", err)
		}
		fam.Parent = &parent
	}

	children, err := s.db.ListChildren(ctx, id)
	if err != nil {
		return Family{}, fmt.Errorf("lifecycle: load children: %w", err)
	}
	fam.Children = children
	return fam, nil
}
