package requests

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/service/ledger"
	"github.com/ashita-ai/mure/internal/service/lifecycle"
	"github.com/ashita-ai/mure/internal/storage"
)

// Processor executes approved requests. Dispatch is a pure switch over
// the closed request type set, no retries: each approved request is
// processed exactly once, at approval time. A failure is written to the
// agent's log stream and the request stays approved.
type Processor struct {
	db        *storage.DB
	ledger    *ledger.Service
	lifecycle *lifecycle.Service
	logger    *slog.Logger
}

// NewProcessor creates a request processor.
func NewProcessor(db *storage.DB, ledgerSvc *ledger.Service, lifecycleSvc *lifecycle.Service, logger *slog.Logger) *Processor {
	return &Processor{
		db:        db,
		ledger:    ledgerSvc,
		lifecycle: lifecycleSvc,
		logger:    logger,
	}
}

// Process executes one approved request's side effect. The returned error
// is informational: it has already been written to the agent's log stream
// and the request resolution stands.
func (p *Processor) Process(ctx context.Context, req model.Request) error {
	var err error
	switch req.Type {
	case model.RequestReplicate:
		err = p.processReplicate(ctx, req)
	case model.RequestTrade:
		err = p.processTrade(ctx, req)
	case model.RequestSpend:
		err = p.processSpend(ctx, req)
	case model.RequestStrategyChange:
		err = p.processStrategyChange(ctx, req)
	case model.RequestCommunicate, model.RequestCustom:
		err = p.logOnly(ctx, req, fmt.Sprintf("approved: %s", req.Title))
	case model.RequestHumanRequired:
		err = p.logOnly(ctx, req, fmt.Sprintf("approved, waiting for a human response: %s", req.Title))
	default:
		// Type normalization should make this unreachable, but a stored
		// row predating a type change must not break dispatch.
		p.logger.Warn("requests: unknown type, ignoring",
			"request_id", req.ID, "type", req.Type)
		return nil
	}

	if err != nil {
		p.logFailure(ctx, req, err)
		return err
	}
	return nil
}

func (p *Processor) processReplicate(ctx context.Context, req model.Request) error {
	name, _ := req.PayloadString("child_name")
	persona, _ := req.PayloadString("child_persona")
	compute, _ := req.PayloadFloat("child_compute_budget")
	asset, _ := req.PayloadFloat("child_asset_grant")

	reqID := req.ID
	child, err := p.lifecycle.Replicate(ctx, req.AgentID, lifecycle.ReplicateParams{
		ChildName:          name,
		ChildPersona:       persona,
		ChildComputeBudget: compute,
		ChildAssetGrant:    asset,
		RequestID:          &reqID,
	})
	if err != nil {
		return fmt.Errorf("replicate: %w", err)
	}
	p.logger.Info("requests: replication processed",
		"request_id", req.ID, "child_id", child.ID, "child_name", child.Name)
	return nil
}

// processTrade credits a realized amount as income. Without one, the
// trade is recorded and settlement waits for a later manual credit
// through the ledger API.
func (p *Processor) processTrade(ctx context.Context, req model.Request) error {
	amount, ok := req.PayloadFloat("realized_amount")
	if !ok || amount <= 0 {
		return p.logOnly(ctx, req, fmt.Sprintf("trade approved, awaiting settlement: %s", req.Title))
	}
	_, err := p.ledger.Credit(ctx, req.AgentID, model.BudgetAsset, amount, model.TxIncome,
		fmt.Sprintf("trade: %s", req.Title))
	if err != nil {
		return fmt.Errorf("trade credit: %w", err)
	}
	return nil
}

func (p *Processor) processSpend(ctx context.Context, req model.Request) error {
	amount, ok := req.PayloadFloat("amount")
	if !ok || amount <= 0 {
		return &model.ValidationError{Field: "amount", Reason: "spend requires a positive amount"}
	}
	_, err := p.ledger.Debit(ctx, req.AgentID, model.BudgetAsset, amount, model.TxExpense,
		fmt.Sprintf("spend: %s", req.Title))
	if err != nil {
		return fmt.Errorf("spend debit: %w", err)
	}
	return nil
}

func (p *Processor) processStrategyChange(ctx context.Context, req model.Request) error {
	strategy, _ := req.PayloadString("strategy")
	if strategy == "" {
		strategy = req.Description
	}
	if strategy == "" {
		return &model.ValidationError{Field: "strategy", Reason: "strategy_change requires a strategy or description"}
	}
	if _, err := p.lifecycle.UpdateStrategy(ctx, req.AgentID, strategy); err != nil {
		return fmt.Errorf("strategy change: %w", err)
	}
	return p.logOnly(ctx, req, fmt.Sprintf("strategy changed: %s", strategy))
}

func (p *Processor) logOnly(ctx context.Context, req model.Request, message string) error {
	_, err := p.db.AppendLog(ctx, model.LogEntry{
		AgentID: req.AgentID,
		Level:   model.LogInfo,
		Message: message,
		Metadata: map[string]any{
			"request_id": req.ID.String(),
			"type":       string(req.Type),
		},
	})
	return err
}

// logFailure records a processing failure on the agent's stream. The
// request stays approved; reconciliation is the operator's call.
func (p *Processor) logFailure(ctx context.Context, req model.Request, procErr error) {
	_, err := p.db.AppendLog(ctx, model.LogEntry{
		AgentID: req.AgentID,
		Level:   model.LogError,
		Message: fmt.Sprintf("approved-but-processing-failed: %s: %v", req.Title, procErr),
		Metadata: map[string]any{
			"request_id": req.ID.String(),
			"type":       string(req.Type),
		},
	})
	if err != nil {
		p.logger.Error("requests: failed to log processing failure",
			"request_id", req.ID, "error", err)
	}
}
