// Package mcp implements the Model Context Protocol server for mure.
//
// The MCP server exposes the colony to MCP-compatible assistants: status
// and inspection tools, the approval queue, the cycle trigger, and
// semantic recall over agent thoughts. It is mounted on the HTTP server's
// StreamableHTTP transport and shares the service layer with the REST API.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/mure/internal/search"
	"github.com/ashita-ai/mure/internal/service/cycle"
	"github.com/ashita-ai/mure/internal/service/embedding"
	"github.com/ashita-ai/mure/internal/service/ledger"
	"github.com/ashita-ai/mure/internal/service/requests"
	"github.com/ashita-ai/mure/internal/storage"
)

// Server wraps the MCP server with mure's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	requests  *requests.Service
	ledger    *ledger.Service
	cycle     *cycle.Service
	embedder  embedding.Provider
	searcher  search.Searcher
	logger    *slog.Logger
}

// Deps wires the MCP server's collaborators. Embedder and Searcher are
// optional; without them mure_search_thoughts degrades to text matching.
type Deps struct {
	DB       *storage.DB
	Requests *requests.Service
	Ledger   *ledger.Service
	Cycle    *cycle.Service
	Embedder embedding.Provider
	Searcher search.Searcher
	Logger   *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools,
// and prompts.
func New(d Deps, version string) *Server {
	s := &Server{
		db:       d.DB,
		requests: d.Requests,
		ledger:   d.Ledger,
		cycle:    d.Cycle,
		embedder: d.Embedder,
		searcher: d.Searcher,
		logger:   d.Logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"mure",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
