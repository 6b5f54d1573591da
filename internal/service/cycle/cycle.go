// Package cycle drives the colony heartbeat. One scheduler pass walks
// every alive agent through an oracle consultation, bills the cost,
// records the thought, files the drafted requests, and ends with a reaper
// sweep. Exactly one cycle runs at a time: overlapping triggers are
// dropped, never queued.
package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/mure/internal/events"
	"github.com/ashita-ai/mure/internal/integrity"
	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/oracle"
	"github.com/ashita-ai/mure/internal/service/embedding"
	"github.com/ashita-ai/mure/internal/service/ledger"
	"github.com/ashita-ai/mure/internal/service/lifecycle"
	"github.com/ashita-ai/mure/internal/service/requests"
	"github.com/ashita-ai/mure/internal/settings"
	"github.com/ashita-ai/mure/internal/storage"
	"github.com/ashita-ai/mure/internal/telemetry"
)

// Scheduler states held in the atomic guard.
const (
	stateIdle int32 = iota
	stateRunning
)

var tracer = otel.Tracer("mure/cycle")

// Deps wires the scheduler's collaborators. Embedder may be nil; thoughts
// are then stored without embeddings and skipped by the search sync.
type Deps struct {
	DB        *storage.DB
	Oracle    *oracle.Adapter
	Ledger    *ledger.Service
	Lifecycle *lifecycle.Service
	Requests  *requests.Service
	Settings  *settings.Manager
	Embedder  embedding.Provider
	Bus       *events.Bus
}

// Service is the single-flight cycle scheduler.
type Service struct {
	db        *storage.DB
	oracle    *oracle.Adapter
	ledger    *ledger.Service
	lifecycle *lifecycle.Service
	requests  *requests.Service
	settings  *settings.Manager
	embedder  embedding.Provider
	bus       *events.Bus
	logger    *slog.Logger

	state atomic.Int32

	mu         sync.Mutex
	number     uint64
	since      time.Time
	lastReport *model.CycleReport

	cycleCounter metric.Int64Counter
	agentFails   metric.Int64Counter
	busyDrops    metric.Int64Counter
	duration     metric.Float64Histogram
}

// New creates a cycle Service.
func New(d Deps, logger *slog.Logger) *Service {
	meter := telemetry.Meter("mure/cycle")
	cycles, _ := meter.Int64Counter("mure.cycles.completed",
		metric.WithDescription("Cycles run to completion"),
	)
	fails, _ := meter.Int64Counter("mure.cycles.agent_failures",
		metric.WithDescription("Per-agent failures caught inside cycles"),
	)
	drops, _ := meter.Int64Counter("mure.cycles.busy_drops",
		metric.WithDescription("Triggers dropped because a cycle was already running"),
	)
	dur, _ := meter.Float64Histogram("mure.cycles.duration",
		metric.WithDescription("Cycle wall time (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		db:           d.DB,
		oracle:       d.Oracle,
		ledger:       d.Ledger,
		lifecycle:    d.Lifecycle,
		requests:     d.Requests,
		settings:     d.Settings,
		embedder:     d.Embedder,
		bus:          d.Bus,
		logger:       logger,
		cycleCounter: cycles,
		agentFails:   fails,
		busyDrops:    drops,
		duration:     dur,
	}
}

// Run executes one cycle synchronously and returns its report. When a
// cycle is already in flight the trigger is dropped: the error is a
// SchedulerBusyError and nothing is queued behind the running pass.
func (s *Service) Run(ctx context.Context, manual bool) (model.CycleReport, error) {
	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		return model.CycleReport{}, s.drop(ctx, manual)
	}
	defer s.state.Store(stateIdle)
	return s.run(ctx, manual), nil
}

// Trigger starts a cycle in the background. The guard is taken before
// Trigger returns, so a nil result means the cycle is running and a busy
// error is accurate at the moment of the call.
func (s *Service) Trigger(ctx context.Context) error {
	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		return s.drop(ctx, true)
	}
	go func() {
		defer s.state.Store(stateIdle)
		s.run(ctx, true)
	}()
	return nil
}

func (s *Service) drop(ctx context.Context, manual bool) error {
	s.mu.Lock()
	since := s.since
	s.mu.Unlock()

	s.busyDrops.Add(ctx, 1)
	s.logger.Warn("cycle: trigger dropped, cycle in flight",
		"manual", manual, "running_since", since)
	return &model.SchedulerBusyError{Since: since}
}

// run is the cycle body. The caller holds the state guard.
func (s *Service) run(parent context.Context, manual bool) model.CycleReport {
	// A started cycle runs to completion: shutdown cancels the loop, not
	// the pass in flight. Per-call timeouts inside the oracle and exec
	// clients bound any hang.
	ctx := context.WithoutCancel(parent)

	started := time.Now().UTC()
	s.mu.Lock()
	s.number++
	number := s.number
	s.since = started
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "cycle.run",
		trace.WithAttributes(
			attribute.Int64("cycle.number", int64(number)), //nolint:gosec // counter will not reach 2^63
			attribute.Bool("cycle.manual", manual),
		),
	)
	defer span.End()

	report := model.CycleReport{
		Number:            number,
		StartedAt:         started,
		TriggeredManually: manual,
	}

	s.logger.Info("cycle: started", "number", number, "manual", manual)
	s.bus.Publish(ctx, model.Event{
		Type:    model.EventCycleStarted,
		Message: fmt.Sprintf("cycle %d started", number),
		Payload: map[string]any{"number": number, "manual": manual},
	})

	agents, err := s.db.ListAliveAgents(ctx)
	if err != nil {
		// Nothing to walk; the pass still closes with a report.
		s.logger.Error("cycle: list alive agents", "number", number, "error", err)
		agents = nil
	}

	for _, agent := range agents {
		stats, err := s.processAgent(ctx, agent, number)
		report.OracleCost = model.RoundAmount(report.OracleCost + stats.oracleCost)
		report.ToolInvocations += stats.toolCalls
		report.RequestsCreated += stats.requestsCreated
		report.RequestsApproved += stats.autoApproved
		if stats.thoughtRecorded {
			report.ThoughtsRecorded++
		}
		if err != nil {
			report.AgentsFailed++
			s.agentFails.Add(ctx, 1)
			s.logger.Error("cycle: agent failed",
				"number", number, "agent_id", agent.ID, "name", agent.Name, "error", err)
			s.recordAgentError(ctx, agent.ID, number, err)
			continue
		}
		report.AgentsProcessed++
	}

	reaped, err := s.lifecycle.Sweep(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("cycle: sweep failed", "number", number, "error", err)
	}
	report.AgentsReaped = len(reaped)

	// Informational commitment over the pass's ledger writes. Concurrent
	// API writes inside the window are included by construction; the
	// checkpoint chain is the durable anchor, not this.
	hashes, err := s.db.GetTransactionHashesForBatch(ctx, started, time.Now().UTC())
	if err != nil {
		s.logger.Warn("cycle: ledger root skipped", "number", number, "error", err)
	} else {
		report.LedgerRoot = integrity.BuildMerkleRoot(hashes)
	}

	report.FinishedAt = time.Now().UTC()

	s.mu.Lock()
	rep := report
	s.lastReport = &rep
	s.since = time.Time{}
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int("cycle.agents_processed", report.AgentsProcessed),
		attribute.Int("cycle.agents_failed", report.AgentsFailed),
		attribute.Int("cycle.agents_reaped", report.AgentsReaped),
		attribute.Float64("cycle.oracle_cost", report.OracleCost),
	)

	s.cycleCounter.Add(ctx, 1)
	s.duration.Record(ctx, float64(report.FinishedAt.Sub(started).Milliseconds()))
	s.logger.Info("cycle: complete",
		"number", number,
		"duration", report.FinishedAt.Sub(started).Round(time.Millisecond),
		"processed", report.AgentsProcessed,
		"failed", report.AgentsFailed,
		"requests", report.RequestsCreated,
		"auto_approved", report.RequestsApproved,
		"reaped", report.AgentsReaped,
		"oracle_cost", report.OracleCost)
	s.bus.Publish(ctx, model.Event{
		Type: model.EventCycleComplete,
		Message: fmt.Sprintf("cycle %d complete: %d agents, %d requests, %d reaped",
			number, report.AgentsProcessed, report.RequestsCreated, report.AgentsReaped),
		Payload: map[string]any{"report": report},
	})
	return report
}

// agentStats is what one agent's turn contributes to the report, carried
// separately from the error so a failed turn still bills its oracle cost.
type agentStats struct {
	oracleCost      float64
	toolCalls       int
	thoughtRecorded bool
	requestsCreated int
	autoApproved    int
}

func (s *Service) processAgent(ctx context.Context, agent model.Agent, number uint64) (stats agentStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle: agent turn panicked: %v", r)
		}
	}()

	snap, err := s.oracle.BuildSnapshot(ctx, agent)
	if err != nil {
		return stats, fmt.Errorf("cycle: build snapshot: %w", err)
	}

	out := s.oracle.Think(ctx, agent, snap)
	stats.oracleCost = out.ResourceCost
	stats.toolCalls = out.ToolInvocations

	// Billing precedes everything else and ignores the remaining balance:
	// a consultation that happened costs what it cost, overdraft included.
	// The consequences are the reaper's problem.
	if out.ResourceCost > 0 {
		if _, err := s.ledger.Debit(ctx, agent.ID, model.BudgetCompute, out.ResourceCost, model.TxComputeCost,
			fmt.Sprintf("cycle %d oracle consultation", number)); err != nil {
			return stats, fmt.Errorf("cycle: debit oracle cost: %w", err)
		}
	}

	if out.Kind == oracle.OutcomeFailed {
		return stats, out.Err
	}

	entry := model.LogEntry{
		AgentID: agent.ID,
		Level:   model.LogThought,
		Message: out.Thought,
		Metadata: map[string]any{
			"cycle":   number,
			"outcome": string(out.Kind),
			"cost":    out.ResourceCost,
		},
	}
	if s.embedder != nil {
		vec, embErr := s.embedder.Embed(ctx, out.Thought)
		if embErr != nil {
			s.logger.Warn("cycle: thought embedding failed", "agent_id", agent.ID, "error", embErr)
		} else {
			entry.Embedding = &vec
		}
	}
	saved, err := s.db.AppendLog(ctx, entry)
	if err != nil {
		return stats, fmt.Errorf("cycle: record thought: %w", err)
	}
	stats.thoughtRecorded = true

	event := model.AgentEvent(model.EventThoughtRecorded, agent, snippet(out.Thought, 160))
	event.Payload = map[string]any{
		"log_id": saved.ID.String(),
		"cycle":  number,
		"cost":   out.ResourceCost,
	}
	s.bus.Publish(ctx, event)

	if out.StrategyUpdate != "" {
		if _, err := s.lifecycle.UpdateStrategy(ctx, agent.ID, out.StrategyUpdate); err != nil {
			return stats, fmt.Errorf("cycle: update strategy: %w", err)
		}
	}

	drafts := out.Requests
	if maxDrafts := s.settings.Current().MaxRequestsPerCycle; len(drafts) > maxDrafts {
		s.logger.Debug("cycle: dropping excess drafts",
			"agent_id", agent.ID, "drafted", len(drafts), "cap", maxDrafts)
		drafts = drafts[:maxDrafts]
	}
	for _, draft := range drafts {
		req, err := s.requests.Create(ctx, requests.CreateParams{
			AgentID:     agent.ID,
			Type:        draft.Type,
			Title:       draft.Title,
			Description: draft.Description,
			Payload:     draft.Payload,
			Priority:    draft.Priority,
		})
		if err != nil {
			// A malformed draft (usually a missing title) loses its slot,
			// not the agent's whole turn.
			s.logger.Warn("cycle: draft rejected",
				"agent_id", agent.ID, "title", draft.Title, "error", err)
			continue
		}
		stats.requestsCreated++
		if req.Status == model.RequestApproved {
			stats.autoApproved++
		}
	}

	if err := s.lifecycle.Touch(ctx, agent.ID, time.Now().UTC()); err != nil {
		return stats, fmt.Errorf("cycle: touch: %w", err)
	}
	return stats, nil
}

// recordAgentError writes a caught failure into the agent's own log stream
// so the colony narrative shows why a turn produced nothing.
func (s *Service) recordAgentError(ctx context.Context, agentID uuid.UUID, number uint64, cause error) {
	_, err := s.db.AppendLog(ctx, model.LogEntry{
		AgentID:  agentID,
		Level:    model.LogError,
		Message:  cause.Error(),
		Metadata: map[string]any{"cycle": number},
	})
	if err != nil {
		s.logger.Warn("cycle: agent error entry lost", "agent_id", agentID, "error", err)
	}
}

// Status is the scheduler's externally visible state.
type Status struct {
	State        string             `json:"state"`
	RunningSince *time.Time         `json:"running_since,omitempty"`
	LastReport   *model.CycleReport `json:"last_report,omitempty"`
}

// Status reports whether a cycle is in flight and the last completed
// report.
func (s *Service) Status() Status {
	st := Status{State: "idle"}
	if s.state.Load() == stateRunning {
		st.State = "running"
	}

	s.mu.Lock()
	if st.State == "running" && !s.since.IsZero() {
		since := s.since
		st.RunningSince = &since
	}
	if s.lastReport != nil {
		rep := *s.lastReport
		st.LastReport = &rep
	}
	s.mu.Unlock()
	return st
}

// RunLoop drives cycles at interval until ctx is cancelled. Ticks landing
// while a cycle is running fall through the same single-flight guard as
// manual triggers and are dropped.
func (s *Service) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("cycle: scheduler loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cycle: scheduler loop stopped")
			return
		case <-ticker.C:
			// A busy drop here means the previous cycle is still running;
			// the guard already logged it.
			_, _ = s.Run(ctx, false)
		}
	}
}

// snippet shortens a thought for event messages.
func snippet(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit])) + "..."
}
