package model

import (
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-controlled text. They keep a single
// oversized field from flooding the embedding pipeline, oracle context
// windows, or Postgres TEXT columns.
const (
	MaxPersonaLen     = 16 * 1024
	MaxTitleLen       = 200
	MaxDescriptionLen = 8 * 1024
	MaxLogMessageLen  = 64 * 1024
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInsufficient  = "INSUFFICIENT_RESOURCES"
	ErrCodeSchedulerBusy = "SCHEDULER_BUSY"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// SeedAgentRequest is the request body for POST /v1/agents.
type SeedAgentRequest struct {
	Name          string         `json:"name"`
	Persona       string         `json:"persona"`
	Strategy      *string        `json:"strategy,omitempty"`
	ComputeBudget float64        `json:"compute_budget"`
	AssetBalance  float64        `json:"asset_balance"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	// LifespanSeconds overrides the settings grace period when positive.
	LifespanSeconds int64 `json:"lifespan_seconds,omitempty"`
}

// CreditRequest is the request body for POST /v1/agents/{id}/credit: a
// manual reconciliation credit issued through the same ledger API the
// engine uses.
type CreditRequest struct {
	Budget      BudgetKind      `json:"budget"`
	Amount      float64         `json:"amount"`
	Kind        TransactionKind `json:"kind,omitempty"`
	Description string          `json:"description"`
}

// AppendLogRequest is the request body for POST /v1/agents/{id}/logs.
// External surfaces use it to deliver human answers and narrative notes.
type AppendLogRequest struct {
	Level    LogLevel       `json:"level,omitempty"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateRequestBody is the request body for POST /v1/requests.
type CreateRequestBody struct {
	AgentID     uuid.UUID      `json:"agent_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    string         `json:"priority,omitempty"`
}

// ResolveRequestBody is the request body for POST /v1/requests/{id}/resolve.
type ResolveRequestBody struct {
	Decision   Decision `json:"decision"`
	ResolvedBy string   `json:"resolved_by"`
	Reason     string   `json:"reason,omitempty"`
}

// BulkResolveBody is the request body for POST /v1/requests/resolve-bulk.
type BulkResolveBody struct {
	IDs        []uuid.UUID `json:"ids"`
	Decision   Decision    `json:"decision"`
	ResolvedBy string      `json:"resolved_by"`
}

// SettingsPayload is the wire form of Settings for the settings API.
// Durations travel as integral seconds.
type SettingsPayload struct {
	AutoApprove         bool          `json:"auto_approve"`
	AutoApproveTypes    []RequestType `json:"auto_approve_types"`
	GracePeriodSeconds  int64         `json:"grace_period_seconds"`
	MinChildCompute     float64       `json:"min_child_compute"`
	MinChildAsset       float64       `json:"min_child_asset"`
	MaxRequestsPerCycle int           `json:"max_requests_per_cycle"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// ToSettings converts the wire form back to the domain policy.
func (p SettingsPayload) ToSettings() Settings {
	return Settings{
		AutoApprove:         p.AutoApprove,
		AutoApproveTypes:    p.AutoApproveTypes,
		GracePeriod:         time.Duration(p.GracePeriodSeconds) * time.Second,
		MinChildCompute:     p.MinChildCompute,
		MinChildAsset:       p.MinChildAsset,
		MaxRequestsPerCycle: p.MaxRequestsPerCycle,
	}
}

// SettingsToPayload converts the domain policy to its wire form.
func SettingsToPayload(s Settings) SettingsPayload {
	return SettingsPayload{
		AutoApprove:         s.AutoApprove,
		AutoApproveTypes:    s.AutoApproveTypes,
		GracePeriodSeconds:  int64(s.GracePeriod / time.Second),
		MinChildCompute:     s.MinChildCompute,
		MinChildAsset:       s.MinChildAsset,
		MaxRequestsPerCycle: s.MaxRequestsPerCycle,
		UpdatedAt:           s.UpdatedAt,
	}
}

// CycleStatusResponse is the response body for GET /v1/cycle/status.
type CycleStatusResponse struct {
	State        string       `json:"state"` // "idle" or "running"
	RunningSince *time.Time   `json:"running_since,omitempty"`
	LastReport   *CycleReport `json:"last_report,omitempty"`
	NextRunAt    *time.Time   `json:"next_run_at,omitempty"`
}

// LedgerVerifyResponse is the response body for GET /v1/ledger/verify.
type LedgerVerifyResponse struct {
	AgentID      uuid.UUID `json:"agent_id"`
	Transactions int       `json:"transactions"`
	Valid        bool      `json:"valid"`
	Problems     []string  `json:"problems,omitempty"`
}

// HealthResponse is the response for GET /healthz and GET /readyz.
// Dependency fields are populated only by the readiness probe.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres,omitempty"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
