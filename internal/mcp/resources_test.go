package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/mure/internal/model"
)

func TestParseAgentHistoryURI(t *testing.T) {
	valid := uuid.New()

	tests := []struct {
		name      string
		uri       string
		wantID    uuid.UUID
		wantError bool
	}{
		{
			name:   "valid",
			uri:    fmt.Sprintf("mure://agent/%s/history", valid),
			wantID: valid,
		},
		{
			name:      "not a uuid",
			uri:       "mure://agent/my-agent/history",
			wantError: true,
		},
		{
			name:      "empty id between slashes",
			uri:       "mure://agent//history",
			wantError: true,
		},
		{
			name:      "wrong prefix",
			uri:       fmt.Sprintf("other://agent/%s/history", valid),
			wantError: true,
		},
		{
			name:      "missing history suffix",
			uri:       fmt.Sprintf("mure://agent/%s", valid),
			wantError: true,
		},
		{
			name:      "garbage",
			uri:       "garbage",
			wantError: true,
		},
		{
			name:      "empty string",
			uri:       "",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := parseAgentHistoryURI(tt.uri)

			if tt.wantError {
				require.Error(t, err)
				assert.Equal(t, uuid.Nil, id)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func readResource(uri string) mcplib.ReadResourceRequest {
	return mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: uri},
	}
}

// resourceText extracts the text payload from a resource read.
func resourceText(t *testing.T, contents []mcplib.ResourceContents) string {
	t.Helper()
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "expected TextResourceContents")
	assert.Equal(t, "application/json", tc.MIMEType)
	return tc.Text
}

func TestColonyStatusResource(t *testing.T) {
	ctx := context.Background()
	seedAgent(t, "resource-status-probe")

	contents, err := testServer.handleColonyStatusResource(ctx, readResource("mure://colony/status"))
	require.NoError(t, err)

	var resp struct {
		Agents map[string]int `json:"agents"`
		Cycle  struct {
			State string `json:"state"`
		} `json:"cycle"`
	}
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &resp))
	assert.GreaterOrEqual(t, resp.Agents["alive"], 1)
	assert.NotEmpty(t, resp.Cycle.State)
}

func TestPendingRequestsResource(t *testing.T) {
	ctx := context.Background()
	agent := seedAgent(t, "resource-queue-filer")
	req := pendingRequest(t, agent.ID, "a question for the operator")

	contents, err := testServer.handlePendingRequests(ctx, readResource("mure://requests/pending"))
	require.NoError(t, err)

	var resp struct {
		Requests []model.Request `json:"requests"`
		Total    int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &resp))
	require.GreaterOrEqual(t, resp.Total, 1)

	var found bool
	for _, r := range resp.Requests {
		if r.ID == req.ID {
			found = true
			assert.Equal(t, model.RequestPending, r.Status)
		}
	}
	assert.True(t, found, "filed request should appear in the pending queue")
}

func TestAgentHistoryResource(t *testing.T) {
	ctx := context.Background()
	agent := seedAgent(t, "resource-historian")

	_, err := testDB.AppendLog(ctx, model.LogEntry{
		AgentID: agent.ID,
		Level:   model.LogEvent,
		Message: "a recorded moment",
	})
	require.NoError(t, err)

	uri := fmt.Sprintf("mure://agent/%s/history", agent.ID)
	contents, err := testServer.handleAgentHistory(ctx, readResource(uri))
	require.NoError(t, err)

	var resp struct {
		AgentID uuid.UUID        `json:"agent_id"`
		Lineage []model.Agent    `json:"lineage"`
		Logs    []model.LogEntry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &resp))
	assert.Equal(t, agent.ID, resp.AgentID)
	require.NotEmpty(t, resp.Lineage)
	assert.Equal(t, agent.ID, resp.Lineage[0].ID)
	require.NotEmpty(t, resp.Logs)
	assert.Equal(t, "a recorded moment", resp.Logs[0].Message)
}

func TestAgentHistoryResourceBadURI(t *testing.T) {
	ctx := context.Background()

	_, err := testServer.handleAgentHistory(ctx, readResource("mure://agent/not-a-uuid/history"))
	require.Error(t, err)
}
