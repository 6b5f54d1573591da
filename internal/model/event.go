package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a broadcast lifecycle event.
type EventType string

const (
	EventCycleStarted    EventType = "cycle-started"
	EventCycleComplete   EventType = "cycle-complete"
	EventAgentBorn       EventType = "agent-born"
	EventAgentDied       EventType = "agent-died"
	EventRequestCreated  EventType = "request-created"
	EventRequestResolved EventType = "request-resolved"
	EventThoughtRecorded EventType = "thought-recorded"
	EventSettingsUpdated EventType = "settings-updated"
)

// Event is a fire-and-forget broadcast to observers. Delivery is
// best-effort; nothing in the engine waits on it.
type Event struct {
	Type      EventType      `json:"type"`
	AgentID   *uuid.UUID     `json:"agent_id,omitempty"`
	AgentName string         `json:"agent_name,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AgentEvent builds an event carrying the minimum agent fields every
// broadcast must populate.
func AgentEvent(t EventType, a Agent, message string) Event {
	id := a.ID
	return Event{
		Type:      t,
		AgentID:   &id,
		AgentName: a.Name,
		Status:    string(a.Status),
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// CycleReport summarises one population-wide scheduler pass. It is the
// payload of cycle-complete events and the body of the cycle status API.
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
