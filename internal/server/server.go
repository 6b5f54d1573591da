package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/mure/internal/events"
	"github.com/ashita-ai/mure/internal/ratelimit"
	"github.com/ashita-ai/mure/internal/search"
	"github.com/ashita-ai/mure/internal/service/cycle"
	"github.com/ashita-ai/mure/internal/service/embedding"
	"github.com/ashita-ai/mure/internal/service/ledger"
	"github.com/ashita-ai/mure/internal/service/lifecycle"
	"github.com/ashita-ai/mure/internal/service/requests"
	"github.com/ashita-ai/mure/internal/settings"
	"github.com/ashita-ai/mure/internal/storage"
)

// Server is the mure HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	limiters   Limiters
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Limiters groups the per-surface rate limiters. The zero value disables
// limiting: nil limiters pass every request through.
type Limiters struct {
	Trigger ratelimit.Limiter // POST /v1/cycle/trigger
	Mutate  ratelimit.Limiter // all other mutating endpoints
	Search  ratelimit.Limiter // GET /v1/search/thoughts
}

// DefaultLimiters returns the stock per-IP budgets: 6 triggers, 60
// mutations, and 100 searches per minute.
func DefaultLimiters() Limiters {
	return Limiters{
		Trigger: ratelimit.NewMemoryLimiter(6.0/60.0, 6),
		Mutate:  ratelimit.NewMemoryLimiter(1, 60),
		Search:  ratelimit.NewMemoryLimiter(100.0/60.0, 100),
	}
}

func (l Limiters) close() {
	for _, lim := range []ratelimit.Limiter{l.Trigger, l.Mutate, l.Search} {
		if lim != nil {
			_ = lim.Close()
		}
	}
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Embedder, Searcher, MCPServer,
// OpenAPISpec, Limiters.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	Ledger    *ledger.Service
	Lifecycle *lifecycle.Service
	Requests  *requests.Service
	Settings  *settings.Manager
	Cycle     *cycle.Service
	Bus       *events.Bus
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Embedder  embedding.Provider
	Searcher  search.Searcher
	MCPServer *mcpserver.MCPServer
	Limiters  Limiters

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// CycleInterval is the scheduler loop interval, used to project the
	// next automatic run in the cycle status response.
	CycleInterval time.Duration

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// ExtraRoutes registers additional handlers on the shared mux after
	// the stock routes. Middlewares wrap the fully built handler;
	// first-registered is outermost.
	ExtraRoutes []func(*http.ServeMux)
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Ledger:              cfg.Ledger,
		Lifecycle:           cfg.Lifecycle,
		Requests:            cfg.Requests,
		Settings:            cfg.Settings,
		Cycle:               cfg.Cycle,
		Bus:                 cfg.Bus,
		Embedder:            cfg.Embedder,
		Searcher:            cfg.Searcher,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CycleInterval:       cfg.CycleInterval,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules, keyed by client IP.
	triggerRL := ratelimit.Middleware(cfg.Limiters.Trigger, ratelimit.IPKeyFunc, reqIDFunc)
	mutateRL := ratelimit.Middleware(cfg.Limiters.Mutate, ratelimit.IPKeyFunc, reqIDFunc)
	searchRL := ratelimit.Middleware(cfg.Limiters.Search, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Agents.
	mux.Handle("POST /v1/agents", mutateRL(http.HandlerFunc(h.HandleSeedAgent)))
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/agents/{id}", h.HandleGetAgent)
	mux.HandleFunc("GET /v1/agents/{id}/family", h.HandleAgentFamily)
	mux.HandleFunc("GET /v1/agents/{id}/ledger", h.HandleAgentLedger)
	mux.HandleFunc("GET /v1/agents/{id}/logs", h.HandleAgentLogs)
	mux.Handle("POST /v1/agents/{id}/logs", mutateRL(http.HandlerFunc(h.HandleAppendAgentLog)))
	mux.Handle("POST /v1/agents/{id}/credit", mutateRL(http.HandlerFunc(h.HandleCreditAgent)))

	// Requests.
	mux.Handle("POST /v1/requests", mutateRL(http.HandlerFunc(h.HandleCreateRequest)))
	mux.HandleFunc("GET /v1/requests", h.HandleListRequests)
	mux.HandleFunc("GET /v1/requests/{id}", h.HandleGetRequest)
	mux.Handle("POST /v1/requests/{id}/resolve", mutateRL(http.HandlerFunc(h.HandleResolveRequest)))
	mux.Handle("POST /v1/requests/resolve-bulk", mutateRL(http.HandlerFunc(h.HandleBulkResolve)))

	// Cycle scheduler (trigger has its own, much tighter budget).
	mux.Handle("POST /v1/cycle/trigger", triggerRL(http.HandlerFunc(h.HandleTriggerCycle)))
	mux.HandleFunc("GET /v1/cycle/status", h.HandleCycleStatus)

	// Colony policy.
	mux.HandleFunc("GET /v1/settings", h.HandleGetSettings)
	mux.Handle("PUT /v1/settings", mutateRL(http.HandlerFunc(h.HandleUpdateSettings)))

	// Ledger verification.
	mux.HandleFunc("GET /v1/ledger/verify", h.HandleVerifyLedger)

	// Semantic search.
	mux.Handle("GET /v1/search/thoughts", searchRL(http.HandlerFunc(h.HandleSearchThoughts)))

	// Event stream (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/events", h.HandleEvents)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec.
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Probes and version (no rate limit).
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /version", h.HandleVersion)

	// Embedder-supplied routes share the mux and the middleware chain.
	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Embedder-supplied middlewares wrap everything, first-registered
	// outermost, so they see every request including probes.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		limiters: cfg.Limiters,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for direct access in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and stops the rate
// limiter eviction goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	err := s.httpServer.Shutdown(ctx)
	s.limiters.close()
	return err
}
