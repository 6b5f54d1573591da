package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// The error taxonomy of the engine. Callers branch with errors.As; the HTTP
// layer maps each type to a status code. Errors local to one agent's cycle
// are caught at the per-agent boundary and logged to that agent's stream;
// only ledger and replication atomic-unit failures propagate, and only to
// the caller of that one operation.

// ValidationError reports malformed creation or request input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Entity string
	ID     uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// InsufficientResourcesError reports a transfer attempted without funds.
// The operation that raised it performed no mutation.
type InsufficientResourcesError struct {
	AgentID   uuid.UUID
	Budget    BudgetKind
	Requested float64
	Available float64
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("agent %s %s budget insufficient: requested %.6f, available %.6f",
		e.AgentID, e.Budget, e.Requested, e.Available)
}

// AlreadyResolvedError reports a second resolution of a terminal request.
// The request's status and resolution fields are unchanged.
type AlreadyResolvedError struct {
	RequestID uuid.UUID
	Status    RequestStatus
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("request %s already resolved: %s", e.RequestID, e.Status)
}

// OracleError reports a reasoning-oracle failure the adapter could not
// absorb: a transport timeout or exhausted retries. Unparseable output is
// not an OracleError; the adapter degrades it to a text fallback outcome.
type OracleError struct {
	AgentID uuid.UUID
	Reason  string
	Err     error
}

func (e *OracleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oracle: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("oracle: %s", e.Reason)
}

func (e *OracleError) Unwrap() error { return e.Err }

// RemoteExecutionError reports a failed sandbox tool call. Inside the
// oracle loop it is rendered into the tool result so the oracle can react;
// it never aborts a cycle.
type RemoteExecutionError struct {
	AgentID uuid.UUID
	Op      string
	Err     error
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("exec: %s for agent %s: %v", e.Op, e.AgentID, e.Err)
}

func (e *RemoteExecutionError) Unwrap() error { return e.Err }

// SchedulerBusyError reports a cycle trigger that overlapped a running
// cycle. The trigger is dropped, not queued.
type SchedulerBusyError struct {
	Since time.Time
}

func (e *SchedulerBusyError) Error() string {
	return fmt.Sprintf("scheduler busy: cycle running since %s", e.Since.Format(time.RFC3339))
}
