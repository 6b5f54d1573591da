// Package requests owns the approval state machine for agent-proposed
// actions and the processor that executes approved ones. A request starts
// pending and moves exactly once to approved or denied; approval hands it
// to the processor synchronously, and a processing failure never reverts
// the resolution.
package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mure/internal/events"
	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/settings"
	"github.com/ashita-ai/mure/internal/storage"
	"github.com/ashita-ai/mure/internal/telemetry"
)

// Service encapsulates request logic shared by the cycle scheduler and the
// HTTP and MCP surfaces.
type Service struct {
	db        *storage.DB
	settings  *settings.Manager
	bus       *events.Bus
	processor *Processor
	logger    *slog.Logger

	createdCounter  metric.Int64Counter
	resolvedCounter metric.Int64Counter
}

// New creates a request Service.
func New(db *storage.DB, settingsMgr *settings.Manager, bus *events.Bus, processor *Processor, logger *slog.Logger) *Service {
	meter := telemetry.Meter("mure/requests")
	created, _ := meter.Int64Counter("mure.requests.created",
		metric.WithDescription("Requests created"),
	)
	resolved, _ := meter.Int64Counter("mure.requests.resolved",
		metric.WithDescription("Requests resolved"),
	)
	return &Service{
		db:              db,
		settings:        settingsMgr,
		bus:             bus,
		processor:       processor,
		logger:          logger,
		createdCounter:  created,
		resolvedCounter: resolved,
	}
}

// CreateParams describes a new request. Type and Priority are normalized,
// not validated: unknown types become custom, unknown priorities medium.
type CreateParams struct {
	AgentID     uuid.UUID
	Type        string
	Title       string
	Description string
	Payload     map[string]any
	Priority    string
}

// Create inserts a pending request and applies the auto-approval policy.
// When the policy approves, the returned request is already resolved and
// processed; otherwise it is pending. Broadcasts request-created either
// way.
func (s *Service) Create(ctx context.Context, p CreateParams) (model.Request, error) {
	if p.Title == "" {
		return model.Request{}, &model.ValidationError{Field: "title", Reason: "required"}
	}
	if len(p.Title) > model.MaxTitleLen {
		return model.Request{}, &model.ValidationError{Field: "title", Reason: "too long"}
	}
	if len(p.Description) > model.MaxDescriptionLen {
		return model.Request{}, &model.ValidationError{Field: "description", Reason: "too long"}
	}

	agent, err := s.db.GetAgent(ctx, p.AgentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Request{}, &model.NotFoundError{Entity: "agent", ID: p.AgentID}
		}
		return model.Request{}, err
	}

	req, err := s.db.CreateRequest(ctx, model.Request{
		AgentID:     agent.ID,
		Type:        model.NormalizeRequestType(p.Type),
		Title:       p.Title,
		Description: p.Description,
		Payload:     p.Payload,
		Priority:    model.NormalizeRequestPriority(p.Priority),
	})
	if err != nil {
		return model.Request{}, err
	}

	s.createdCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(req.Type)),
	))
	s.logger.Info("requests: created",
		"request_id", req.ID,
		"agent_id", req.AgentID,
		"type", req.Type,
		"priority", req.Priority,
		"title", req.Title)

	event := model.AgentEvent(model.EventRequestCreated, agent,
		fmt.Sprintf("%s requests: %s", agent.Name, req.Title))
	event.Payload = map[string]any{
		"request_id": req.ID.String(),
		"type":       string(req.Type),
		"priority":   string(req.Priority),
	}
	s.bus.Publish(ctx, event)

	// Auto-approval policy. human_required never qualifies, whatever the
	// stored allow-list says.
	if s.settings.Current().AutoApprovable(req.Type) {
		resolved, err := s.Resolve(ctx, req.ID, model.DecisionApprove, model.AutoApprovedBy, nil)
		if err != nil {
			// The request exists and is pending; a lost auto-approval race
			// is not a creation failure.
			s.logger.Warn("requests: auto-approve failed",
				"request_id", req.ID, "error", err)
			return req, nil
		}
		return resolved, nil
	}
	return req, nil
}

// Resolve moves a pending request to approved or denied, exactly once.
// Approved requests are handed to the processor synchronously before
// Resolve returns; a processing failure is logged to the agent's stream
// and does not revert the resolution. Broadcasts request-resolved.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, decision model.Decision, resolvedBy string, reason *string) (model.Request, error) {
	if !model.ValidDecision(decision) {
		return model.Request{}, &model.ValidationError{Field: "decision", Reason: fmt.Sprintf("unknown decision %q", decision)}
	}
	if resolvedBy == "" {
		return model.Request{}, &model.ValidationError{Field: "resolved_by", Reason: "required"}
	}

	resolved, err := s.db.ResolveRequest(ctx, id, decision, resolvedBy, reason)
	if err != nil {
		var alreadyErr *model.AlreadyResolvedError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return model.Request{}, &model.NotFoundError{Entity: "request", ID: id}
		case errors.As(err, &alreadyErr):
			return model.Request{}, err
		default:
			return model.Request{}, err
		}
	}

	s.resolvedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(resolved.Type)),
		attribute.String("status", string(resolved.Status)),
	))
	s.logger.Info("requests: resolved",
		"request_id", resolved.ID,
		"agent_id", resolved.AgentID,
		"status", resolved.Status,
		"resolved_by", resolvedBy)

	agentID := resolved.AgentID
	s.bus.Publish(ctx, model.Event{
		Type:    model.EventRequestResolved,
		AgentID: &agentID,
		Status:  string(resolved.Status),
		Message: fmt.Sprintf("request %q %s by %s", resolved.Title, resolved.Status, resolvedBy),
		Payload: map[string]any{
			"request_id": resolved.ID.String(),
			"type":       string(resolved.Type),
		},
	})

	if resolved.Status == model.RequestApproved {
		if err := s.processor.Process(ctx, resolved); err != nil {
			s.logger.Error("requests: processing failed",
				"request_id", resolved.ID,
				"type", resolved.Type,
				"error", err)
		}
	}
	return resolved, nil
}

// BulkResult is the per-id outcome of ResolveBulk.
type BulkResult struct {
	ID      uuid.UUID      `json:"id"`
	Request *model.Request `json:"request,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ResolveBulk resolves each id independently; one failure never stops the
// rest.
func (s *Service) ResolveBulk(ctx context.Context, ids []uuid.UUID, decision model.Decision, resolvedBy string) []BulkResult {
	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		resolved, err := s.Resolve(ctx, id, decision, resolvedBy, nil)
		if err != nil {
			results = append(results, BulkResult{ID: id, Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{ID: id, Request: &resolved})
	}
	return results
}

// Get retrieves one request.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Request, error) {
	req, err := s.db.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Request{}, &model.NotFoundError{Entity: "request", ID: id}
		}
		return model.Request{}, err
	}
	return req, nil
}

// List returns requests filtered by status and agent.
func (s *Service) List(ctx context.Context, status *model.RequestStatus, agentID *uuid.UUID, limit, offset int) ([]model.Request, error) {
	return s.db.ListRequests(ctx, status, agentID, limit, offset)
}

// Pending returns the review queue: critical first, oldest first within a
// priority.
func (s *Service) Pending(ctx context.Context, limit int) ([]model.Request, error) {
	return s.db.ListPendingRequests(ctx, limit)
}
