package mure

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus is an agent's lifecycle state.
type AgentStatus string

const (
	AgentPending AgentStatus = "pending"
	AgentAlive   AgentStatus = "alive"
	AgentDead    AgentStatus = "dead"
)

// BudgetKind selects one of an agent's two budgets.
type BudgetKind string

const (
	BudgetCompute BudgetKind = "compute"
	BudgetAsset   BudgetKind = "asset"
)

// TransactionKind classifies a ledger transaction.
type TransactionKind string

const (
	TxIncome      TransactionKind = "income"
	TxExpense     TransactionKind = "expense"
	TxTransfer    TransactionKind = "transfer"
	TxBirthGrant  TransactionKind = "birth_grant"
	TxComputeCost TransactionKind = "compute_cost"
)

// LogLevel classifies an agent log entry.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarn    LogLevel = "warn"
	LogError   LogLevel = "error"
	LogThought LogLevel = "thought"
	LogEvent   LogLevel = "event"
)

// RequestType classifies an approval-gated request.
type RequestType string

const (
	RequestReplicate      RequestType = "replicate"
	RequestTrade          RequestType = "trade"
	RequestSpend          RequestType = "spend"
	RequestCommunicate    RequestType = "communicate"
	RequestStrategyChange RequestType = "strategy_change"
	RequestCustom         RequestType = "custom"
	RequestHumanRequired  RequestType = "human_required"
)

// RequestStatus is a request's position in the approval flow.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

// RequestPriority orders pending requests for human review.
type RequestPriority string

const (
	PriorityLow      RequestPriority = "low"
	PriorityMedium   RequestPriority = "medium"
	PriorityHigh     RequestPriority = "high"
	PriorityCritical RequestPriority = "critical"
)

// Decision is the verdict applied when resolving a request.
type Decision string

const (
	DecisionApprove Decision = "approved"
	DecisionDeny    Decision = "denied"
)

// Agent mirrors the server's agent record for API consumers.
type Agent struct {
	ID            uuid.UUID      `json:"id"`
	ParentID      *uuid.UUID     `json:"parent_id,omitempty"`
	Generation    int            `json:"generation"`
	Name          string         `json:"name"`
	Persona       string         `json:"persona"`
	Strategy      *string        `json:"strategy,omitempty"`
	ComputeBudget float64        `json:"compute_budget"`
	AssetBalance  float64        `json:"asset_balance"`
	Status        AgentStatus    `json:"status"`
	BornAt        time.Time      `json:"born_at"`
	DiesAt        time.Time      `json:"dies_at"`
	LastCycleAt   *time.Time     `json:"last_cycle_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Family is an agent together with its parent and direct children.
type Family struct {
	Agent    Agent   `json:"agent"`
	Parent   *Agent  `json:"parent,omitempty"`
	Children []Agent `json:"children"`
}

// Transaction is one row of an agent's append-only ledger.
type Transaction struct {
	ID           uuid.UUID       `json:"id"`
	AgentID      uuid.UUID       `json:"agent_id"`
	Budget       BudgetKind      `json:"budget"`
	Amount       float64         `json:"amount"`
	Kind         TransactionKind `json:"kind"`
	Description  string          `json:"description"`
	BalanceAfter float64         `json:"balance_after"`
	ReferenceID  *uuid.UUID      `json:"reference_id,omitempty"`
	ContentHash  string          `json:"content_hash,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// LogEntry is one entry of an agent's log stream.
type LogEntry struct {
	ID        uuid.UUID      `json:"id"`
	AgentID   uuid.UUID      `json:"agent_id"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ThoughtMatch is one semantic search hit: a thought entry plus its
// similarity to the query. SimilarityScore is zero when the server fell
// back to full-text matching.
type ThoughtMatch struct {
	Entry           LogEntry `json:"entry"`
	SimilarityScore float32  `json:"similarity_score"`
}

// Request is an approval-gated action an agent wants to take.
type Request struct {
	ID          uuid.UUID       `json:"id"`
	AgentID     uuid.UUID       `json:"agent_id"`
	Type        RequestType     `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Payload     map[string]any  `json:"payload,omitempty"`
	Status      RequestStatus   `json:"status"`
	Priority    RequestPriority `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy  *string         `json:"resolved_by,omitempty"`
	Reason      *string         `json:"reason,omitempty"`
}

// Settings is the colony policy in its wire form. Durations travel as
// integral seconds.
type Settings struct {
	AutoApprove         bool          `json:"auto_approve"`
	AutoApproveTypes    []RequestType `json:"auto_approve_types"`
	GracePeriodSeconds  int64         `json:"grace_period_seconds"`
	MinChildCompute     float64       `json:"min_child_compute"`
	MinChildAsset       float64       `json:"min_child_asset"`
	MaxRequestsPerCycle int           `json:"max_requests_per_cycle"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// CycleReport summarizes one completed colony cycle.
type CycleReport struct {
	Number            uint64    `json:"number"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	AgentsProcessed   int       `json:"agents_processed"`
	AgentsFailed      int       `json:"agents_failed"`
	ThoughtsRecorded  int       `json:"thoughts_recorded"`
	RequestsCreated   int       `json:"requests_created"`
	RequestsApproved  int       `json:"requests_approved"`
	AgentsReaped      int       `json:"agents_reaped"`
	OracleCost        float64   `json:"oracle_cost"`
	ToolInvocations   int       `json:"tool_invocations"`
	LedgerRoot        string    `json:"ledger_root,omitempty"`
	TriggeredManually bool      `json:"triggered_manually"`
}

// CycleStatus reports whether a cycle is running and what the last one did.
type CycleStatus struct {
	State        string       `json:"state"` // "idle" or "running"
	RunningSince *time.Time   `json:"running_since,omitempty"`
	LastReport   *CycleReport `json:"last_report,omitempty"`
	NextRunAt    *time.Time   `json:"next_run_at,omitempty"`
}

// LedgerVerification is the hash-chain verification result for one agent.
type LedgerVerification struct {
	AgentID      uuid.UUID `json:"agent_id"`
	Transactions int       `json:"transactions"`
	Valid        bool      `json:"valid"`
	Problems     []string  `json:"problems,omitempty"`
}

// LedgerVerifySummary is the verification result across every agent with
// ledger rows.
type LedgerVerifySummary struct {
	Agents       int      `json:"agents"`
	Transactions int      `json:"transactions"`
	Problems     []string `json:"problems,omitempty"`
	CheckedAt    string   `json:"checked_at"`
}

// Health is the response of the liveness and readiness probes. Dependency
// fields are populated only by the readiness probe.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres,omitempty"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// BulkResult is the per-request outcome of a bulk resolve. Exactly one of
// Request and Error is set.
type BulkResult struct {
	ID      uuid.UUID `json:"id"`
	Request *Request  `json:"request,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// --- Request types ---

// SeedAgentRequest is the input for Client.SeedAgent.
type SeedAgentRequest struct {
	Name          string         `json:"name"`
	Persona       string         `json:"persona"`
	Strategy      *string        `json:"strategy,omitempty"`
	ComputeBudget float64        `json:"compute_budget"`
	AssetBalance  float64        `json:"asset_balance"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	// LifespanSeconds overrides the colony grace period when positive.
	LifespanSeconds int64 `json:"lifespan_seconds,omitempty"`
}

// CreditRequest is the input for Client.Credit. Kind defaults to income
// on the server.
type CreditRequest struct {
	Budget      BudgetKind      `json:"budget"`
	Amount      float64         `json:"amount"`
	Kind        TransactionKind `json:"kind,omitempty"`
	Description string          `json:"description"`
}

// AppendLogRequest is the input for Client.AppendLog. Level defaults to
// "event" on the server, the level shown back to the agent on its next
// turn.
type AppendLogRequest struct {
	Level    LogLevel       `json:"level,omitempty"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateRequestInput is the input for Client.CreateRequest.
type CreateRequestInput struct {
	AgentID     uuid.UUID       `json:"agent_id"`
	Type        RequestType     `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Payload     map[string]any  `json:"payload,omitempty"`
	Priority    RequestPriority `json:"priority,omitempty"`
}

// ResolveInput is the input for Client.ResolveRequest.
type ResolveInput struct {
	Decision   Decision `json:"decision"`
	ResolvedBy string   `json:"resolved_by"`
	Reason     string   `json:"reason,omitempty"`
}

// --- Option types ---

// ListAgentsOptions are optional filters for Client.ListAgents.
type ListAgentsOptions struct {
	Status AgentStatus
	Limit  int
	Offset int
}

// LedgerOptions are optional filters for Client.Ledger.
type LedgerOptions struct {
	Budget BudgetKind
	Limit  int
	Offset int
}

// LogOptions are optional filters for Client.Logs.
type LogOptions struct {
	Level  LogLevel
	Limit  int
	Offset int
}

// ListRequestsOptions are optional filters for Client.ListRequests.
type ListRequestsOptions struct {
	Status  RequestStatus
	AgentID *uuid.UUID
	Limit   int
	Offset  int
}

// SearchOptions are optional filters for Client.SearchThoughts.
type SearchOptions struct {
	AgentID *uuid.UUID
	Limit   int
}
