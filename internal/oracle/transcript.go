package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// RoleTool marks transcript rows recording tool executions. Conversation
// messages only ever use RoleUser and RoleAssistant.
const RoleTool = "tool"

// TranscriptTurn is one recorded conversation step. Cost is the price of
// that turn's provider call, zero for user and tool rows.
type TranscriptTurn struct {
	ID        int64
	AgentID   uuid.UUID
	ThinkID   uuid.UUID
	Turn      int
	Role      string
	ToolName  string
	Content   string
	Cost      float64
	CreatedAt time.Time
}

const transcriptSchema = `
CREATE TABLE IF NOT EXISTS oracle_transcripts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id   TEXT NOT NULL,
	think_id   TEXT NOT NULL,
	turn       INTEGER NOT NULL,
	role       TEXT NOT NULL,
	tool_name  TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	cost       REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_agent ON oracle_transcripts (agent_id, id);
CREATE INDEX IF NOT EXISTS idx_transcripts_think ON oracle_transcripts (think_id, turn);`

// TranscriptStore keeps full oracle conversations in a local SQLite file,
// separate from the Postgres colony state: transcripts are debugging
// material, prunable without touching the ledger.
type TranscriptStore struct {
	db *sql.DB
}

// NewTranscriptStore opens the transcript database, creating the file and
// schema as needed.
func NewTranscriptStore(path string) (*TranscriptStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("oracle: open transcript store: %w", err)
	}
	// One connection: the cycle writes sequentially and SQLite locks the
	// whole file anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("oracle: ping transcript store: %w", err)
	}
	if _, err := db.Exec(transcriptSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("oracle: init transcript schema: %w", err)
	}
	return &TranscriptStore{db: db}, nil
}

// Append records one turn.
func (s *TranscriptStore) Append(ctx context.Context, t TranscriptTurn) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oracle_transcripts (agent_id, think_id, turn, role, tool_name, content, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.AgentID.String(), t.ThinkID.String(), t.Turn, t.Role, t.ToolName, t.Content, t.Cost,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("oracle: append transcript turn: %w", err)
	}
	return nil
}

// Recent returns an agent's latest transcript rows, newest first.
func (s *TranscriptStore) Recent(ctx context.Context, agentID uuid.UUID, limit int) ([]TranscriptTurn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, think_id, turn, role, tool_name, content, cost, created_at
		 FROM oracle_transcripts
		 WHERE agent_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		agentID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("oracle: query transcripts: %w", err)
	}
	defer rows.Close()

	var turns []TranscriptTurn
	for rows.Next() {
		var t TranscriptTurn
		var agentStr, thinkStr, createdStr string
		if err := rows.Scan(&t.ID, &agentStr, &thinkStr, &t.Turn, &t.Role, &t.ToolName, &t.Content, &t.Cost, &createdStr); err != nil {
			return nil, fmt.Errorf("oracle: scan transcript turn: %w", err)
		}
		if t.AgentID, err = uuid.Parse(agentStr); err != nil {
			return nil, fmt.Errorf("oracle: parse transcript agent id: %w", err)
		}
		if t.ThinkID, err = uuid.Parse(thinkStr); err != nil {
			return nil, fmt.Errorf("oracle: parse transcript think id: %w", err)
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
			return nil, fmt.Errorf("oracle: parse transcript timestamp: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Close releases the underlying database handle.
func (s *TranscriptStore) Close() error {
	return s.db.Close()
}
