package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mure/internal/events"
	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/search"
	"github.com/ashita-ai/mure/internal/service/cycle"
	"github.com/ashita-ai/mure/internal/service/embedding"
	"github.com/ashita-ai/mure/internal/service/ledger"
	"github.com/ashita-ai/mure/internal/service/lifecycle"
	"github.com/ashita-ai/mure/internal/service/requests"
	"github.com/ashita-ai/mure/internal/settings"
	"github.com/ashita-ai/mure/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db        *storage.DB
	ledger    *ledger.Service
	lifecycle *lifecycle.Service
	requests  *requests.Service
	settings  *settings.Manager
	cycle     *cycle.Service
	bus       *events.Bus
	embedder  embedding.Provider
	searcher  search.Searcher
	logger    *slog.Logger

	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	cycleInterval       time.Duration
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Embedder, Searcher, OpenAPISpec.
type HandlersDeps struct {
	DB        *storage.DB
	Ledger    *ledger.Service
	Lifecycle *lifecycle.Service
	Requests  *requests.Service
	Settings  *settings.Manager
	Cycle     *cycle.Service
	Bus       *events.Bus
	Embedder  embedding.Provider
	Searcher  search.Searcher
	Logger    *slog.Logger

	Version             string
	MaxRequestBodyBytes int64
	CycleInterval       time.Duration
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		ledger:              d.Ledger,
		lifecycle:           d.Lifecycle,
		requests:            d.Requests,
		settings:            d.Settings,
		cycle:               d.Cycle,
		bus:                 d.Bus,
		embedder:            d.Embedder,
		searcher:            d.Searcher,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		cycleInterval:       d.CycleInterval,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealthz handles GET /healthz: process liveness, no dependency checks.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleReadyz handles GET /readyz: readiness gated on Postgres. A degraded
// search index is reported but does not fail readiness since the colony
// runs without semantic recall.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "ready",
		Version:  h.version,
		Postgres: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "unready"
		resp.Postgres = "disconnected"
		status = http.StatusServiceUnavailable
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
		}
	}

	writeJSON(w, r, status, resp)
}

// HandleVersion handles GET /version.
func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"version": h.version})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

func pathID(r *http.Request) (uuid.UUID, error) {
	s := r.PathValue("id")
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %s", s)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryUUID parses an optional UUID query parameter. Returns nil when the
// parameter is absent.
func queryUUID(r *http.Request, key string) (*uuid.UUID, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return &id, nil
}
