package model

import (
	"time"

	"github.com/google/uuid"
)

// RequestType is the closed set of actions an agent can propose. Unknown
// values arriving from the oracle are normalized to RequestCustom before a
// request row is created, so the processor's dispatch switch stays
// exhaustive over this set.
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

// ValidRequestType reports whether t is a known request type.
func ValidRequestType(t RequestType) bool {
	switch t {
	case RequestReplicate, RequestTrade, RequestSpend, RequestCommunicate,
		RequestStrategyChange, RequestCustom, RequestHumanRequired:
		return true
	}
	return false
}

// NormalizeRequestType maps an arbitrary string to a valid request type,
// falling back to custom for anything unrecognized.
func NormalizeRequestType(s string) RequestType {
	t := RequestType(s)
	if ValidRequestType(t) {
		return t
	}
	return RequestCustom
}

// RequestStatus is the approval state. Pending is the only initial state;
// approved and denied are terminal.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

// ValidRequestStatus reports whether s is a known approval state.
func ValidRequestStatus(s RequestStatus) bool {
	switch s {
	case RequestPending, RequestApproved, RequestDenied:
		return true
	}
	return false
}

// RequestPriority orders requests for human review.
type RequestPriority string

const (
	PriorityLow      RequestPriority = "low"
	PriorityMedium   RequestPriority = "medium"
	PriorityHigh     RequestPriority = "high"
	PriorityCritical RequestPriority = "critical"
)

// ValidRequestPriority reports whether p is a known priority.
func ValidRequestPriority(p RequestPriority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// NormalizeRequestPriority maps an arbitrary string to a valid priority,
// falling back to medium.
func NormalizeRequestPriority(s string) RequestPriority {
	p := RequestPriority(s)
	if ValidRequestPriority(p) {
		return p
	}
	return PriorityMedium
}

// Decision is a terminal resolution for a pending request.
type Decision string

const (
	DecisionApprove Decision = "approved"
	DecisionDeny    Decision = "denied"
)

// ValidDecision reports whether d is a known resolution decision.
func ValidDecision(d Decision) bool {
	return d == DecisionApprove || d == DecisionDeny
}

// AutoApprovedBy is the resolver identity recorded when the auto-approval
// policy resolves a request.
const AutoApprovedBy = "policy:auto-approve"

// Request is an agent-proposed action awaiting approval. Rows are never
// deleted; status moves pending→approved or pending→denied exactly once.
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

// Resolved reports whether the request has reached a terminal status.
func (r Request) Resolved() bool {
	return r.Status != RequestPending
}

// PayloadFloat extracts a numeric payload field. JSON numbers decode as
// float64; integer values stored by Go callers are handled too.
func (r Request) PayloadFloat(key string) (float64, bool) {
	v, ok := r.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// PayloadString extracts a string payload field.
func (r Request) PayloadString(key string) (string, bool) {
	v, ok := r.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
