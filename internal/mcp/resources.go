package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// mure://colony/status — population, approval queue, scheduler state.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"mure://colony/status",
			"Colony Status",
			mcplib.WithResourceDescription("Agent counts per status, pending request count, and cycle state"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleColonyStatusResource,
	)

	// mure://requests/pending — the approval queue, oldest first.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"mure://requests/pending",
			"Pending Requests",
			mcplib.WithResourceDescription("Requests awaiting an approve/deny decision, oldest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingRequests,
	)

	// mure://agent/{id}/history — one agent's lineage and recent activity.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"mure://agent/{id}/history",
			"Agent History",
			mcplib.WithTemplateDescription("Lineage chain and recent log entries for a specific agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentHistory,
	)
}

func (s *Server) handleColonyStatusResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	agents, err := s.db.CountAgentsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: colony status: %w", err)
	}
	pending, err := s.db.CountPendingRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: colony status: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"agents":           agents,
		"pending_requests": pending,
		"cycle":            s.cycle.Status(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal status: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "mure://colony/status",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePendingRequests(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	pending, err := s.requests.Pending(ctx, 50)
	if err != nil {
		return nil, fmt.Errorf("mcp: pending requests: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"requests": pending,
		"total":    len(pending),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal requests: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "mure://requests/pending",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseAgentHistoryURI extracts the agent id from a mure://agent/{id}/history URI.
func parseAgentHistoryURI(uri string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, "mure://agent/")
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid agent history URI: %s", uri)
	}
	raw, ok := strings.CutSuffix(rest, "/history")
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid agent history URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid agent id in URI %s: %w", uri, err)
	}
	return id, nil
}

func (s *Server) handleAgentHistory(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseAgentHistoryURI(uri)
	if err != nil {
		return nil, err
	}

	lineage, err := s.db.Lineage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent history: %w", err)
	}
	logs, err := s.db.ListLogs(ctx, id, nil, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent history: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"agent_id": id,
		"lineage":  lineage,
		"logs":     logs,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal history: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
