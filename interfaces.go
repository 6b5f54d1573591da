package mure

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// OracleProvider is a reasoning backend for agent cycles.
// When provided via WithOracle, it replaces the provider selected by
// MURE_ORACLE_PROVIDER. Implementations handle transport and wire format;
// the engine owns the conversation, tool loop, and cost accounting.
type OracleProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// EmbeddingProvider generates vector embeddings from thought text.
// When provided via WithEmbeddingProvider, replaces auto-detected
// Ollama/OpenAI/noop. Uses []float32 (not pgvector.Vector) to avoid forcing
// the pgvector dependency on external consumers; New() wraps it in an
// adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Searcher is a vector search index over agent thoughts.
// When provided via WithSearcher, replaces the auto-detected Qdrant index.
// Returns log IDs + scores; the engine hydrates full entries from Postgres.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, agentID *uuid.UUID, limit int) ([]SearchResult, error)
	Healthy(ctx context.Context) error
}

// EventHook receives every colony event published on the internal bus:
// births, deaths, cycle boundaries, request activity. Multiple hooks may be
// registered via multiple WithEventHook calls. Hooks run off the request
// path with a per-call timeout; failures are logged and do not affect the
// originating operation.
type EventHook interface {
	OnColonyEvent(ctx context.Context, event Event) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux, middleware chain, and OTEL instrumentation
// with the stock routes. Called once during New() after all stock routes
// are registered.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler. Applied outermost (before
// routing), so it sees all requests including probes. Multiple middlewares
// are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
