package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// LogLevel classifies an agent log entry. Beyond the usual severities,
// "thought" marks oracle reasoning output (the only level fed back into
// context building and the embedding pipeline) and "event" marks lifecycle
// narration (births, deaths, replication, human answers).
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarn    LogLevel = "warn"
	LogError   LogLevel = "error"
	LogThought LogLevel = "thought"
	LogEvent   LogLevel = "event"
)

// ValidLogLevel reports whether l is a known log level.
func ValidLogLevel(l LogLevel) bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError, LogThought, LogEvent:
		return true
	}
	return false
}

// LogEntry is one row in an agent's narrative stream. The engine writes the
// stream and reads it back only to build oracle context. Embedding is set
// for thought rows when an embedding provider is configured; it never
// leaves the server in API responses.
type LogEntry struct {
	ID        uuid.UUID        `json:"id"`
	AgentID   uuid.UUID        `json:"agent_id"`
	Level     LogLevel         `json:"level"`
	Message   string           `json:"message"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	Embedding *pgvector.Vector `json:"-"`
	CreatedAt time.Time        `json:"created_at"`
}

// ThoughtMatch is one hydrated semantic search hit: a thought entry plus its
// recency-adjusted relevance.
type ThoughtMatch struct {
	Entry           LogEntry `json:"entry"`
	SimilarityScore float32  `json:"similarity_score"`
}
