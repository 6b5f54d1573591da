// Package mure is the public API for embedding the mure colony server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := mure.New(
//	    mure.WithVersion(version),
//	    mure.WithLogger(logger),
//	    mure.WithEventHook(myHook{}),
//	    mure.WithOracle(myProvider{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: mure (root) imports
// internal/*, but internal/* never imports mure (root).  Public types
// (Event, ChatRequest, etc.) are standalone structs with no internal
// imports; conversion helpers (toPublicEvent, fromPublicChatResponse) live
// here because this is the only file that sees both sides of the boundary.
package mure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/mure/api"
	"github.com/ashita-ai/mure/internal/config"
	"github.com/ashita-ai/mure/internal/events"
	"github.com/ashita-ai/mure/internal/exec"
	"github.com/ashita-ai/mure/internal/mcp"
	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/oracle"
	"github.com/ashita-ai/mure/internal/search"
	"github.com/ashita-ai/mure/internal/server"
	"github.com/ashita-ai/mure/internal/service/cycle"
	"github.com/ashita-ai/mure/internal/service/embedding"
	"github.com/ashita-ai/mure/internal/service/ledger"
	"github.com/ashita-ai/mure/internal/service/lifecycle"
	"github.com/ashita-ai/mure/internal/service/requests"
	"github.com/ashita-ai/mure/internal/settings"
	"github.com/ashita-ai/mure/internal/storage"
	"github.com/ashita-ai/mure/internal/telemetry"
	"github.com/ashita-ai/mure/migrations"
)

// App is the mure server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	bus          *events.Bus
	ledger       *ledger.Service
	cycle        *cycle.Service
	outbox       *search.OutboxWorker
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	transcripts  *oracle.TranscriptStore
	otelShutdown telemetry.Shutdown
	eventHooks   []EventHook
	logger       *slog.Logger
	version      string
}

// New initialises the mure server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("mure starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	fail := func(err error) (*App, error) {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Run embedded migrations, then any extras the embedder supplied.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	// Verify critical tables exist after migration. If the pgvector
	// extension failed to create, the logs migration fails silently and the
	// server would start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'agents')`,
	).Scan(&schemaOK); err != nil {
		return fail(fmt.Errorf("schema verification: %w", err))
	}
	if !schemaOK {
		return fail(fmt.Errorf("critical table 'agents' does not exist after migration: check that the pgvector extension is available"))
	}

	// Load colony policy, creating the default row on first boot.
	settingsMgr := settings.NewManager(db, logger)
	if err := settingsMgr.Load(context.Background()); err != nil {
		return fail(fmt.Errorf("settings: %w", err))
	}

	// Event bus, mirrored to pg_notify when a direct connection exists.
	bus := events.NewBus(logger)
	if db.NotifyConn() != nil {
		bus.MirrorTo(db.Notify, storage.ChannelEvents)
		logger.Info("event mirror: pg_notify enabled", "channel", storage.ChannelEvents)
	} else {
		logger.Info("event mirror: disabled (no NOTIFY_URL)")
	}

	// Create embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &embeddingProviderAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Initialize Qdrant search index and outbox worker.
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			return fail(fmt.Errorf("qdrant: %w", idxErr))
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}
		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// External Searcher override (replaces Qdrant for recall and search).
	if o.searcher != nil {
		searcher = &searcherAdapter{s: o.searcher}
	}

	// Oracle provider — external override takes priority over config.
	var provider oracle.Provider
	if o.oracle != nil {
		provider = &oracleProviderAdapter{p: o.oracle}
		logger.Info("oracle provider: external")
	} else {
		provider, err = newOracleProvider(cfg, logger)
		if err != nil {
			if qdrantIndex != nil {
				_ = qdrantIndex.Close()
			}
			return fail(fmt.Errorf("oracle: %w", err))
		}
	}

	// Transcript store (optional SQLite sidecar).
	var transcripts *oracle.TranscriptStore
	if cfg.TranscriptPath != "" {
		transcripts, err = oracle.NewTranscriptStore(cfg.TranscriptPath)
		if err != nil {
			if qdrantIndex != nil {
				_ = qdrantIndex.Close()
			}
			return fail(fmt.Errorf("transcripts: %w", err))
		}
		logger.Info("oracle transcripts: enabled", "path", cfg.TranscriptPath)
	}

	// Tool runner for oracle-driven execution.
	runner := newRunner(cfg, logger)

	// Service layer. The processor executes approved request effects; the
	// cycle scheduler drives the whole colony.
	ledgerSvc := ledger.New(db, logger)
	lifecycleSvc := lifecycle.New(db, settingsMgr, bus, logger)
	processor := requests.NewProcessor(db, ledgerSvc, lifecycleSvc, logger)
	requestsSvc := requests.New(db, settingsMgr, bus, processor, logger)

	adapter := oracle.NewAdapter(provider, db, oracle.AdapterConfig{
		Runner:         runner,
		Searcher:       searcher,
		Embedder:       embedder,
		Transcripts:    transcripts,
		MaxTurns:       cfg.OracleMaxTurns,
		MaxTokens:      cfg.OracleMaxTokens,
		InputCostPerM:  cfg.OracleInputCostPerM,
		OutputCostPerM: cfg.OracleOutputCostPerM,
	}, logger)

	cycleSvc := cycle.New(cycle.Deps{
		DB:        db,
		Oracle:    adapter,
		Ledger:    ledgerSvc,
		Lifecycle: lifecycleSvc,
		Requests:  requestsSvc,
		Settings:  settingsMgr,
		Embedder:  embedder,
		Bus:       bus,
	}, logger)

	// MCP server, mounted at /mcp by the HTTP server.
	mcpSrv := mcp.New(mcp.Deps{
		DB:       db,
		Requests: requestsSvc,
		Ledger:   ledgerSvc,
		Cycle:    cycleSvc,
		Embedder: embedder,
		Searcher: searcher,
		Logger:   logger,
	}, version)

	// Rate limiters.
	var limiters server.Limiters
	if cfg.RateLimitEnabled {
		limiters = server.DefaultLimiters()
		logger.Info("rate limiting: memory (in-process token buckets)")
	} else {
		logger.Info("rate limiting: disabled")
	}

	// Adapt route registrars and middlewares to the internal server format.
	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Ledger:              ledgerSvc,
		Lifecycle:           lifecycleSvc,
		Requests:            requestsSvc,
		Settings:            settingsMgr,
		Cycle:               cycleSvc,
		Bus:                 bus,
		Logger:              logger,
		Embedder:            embedder,
		Searcher:            searcher,
		MCPServer:           mcpSrv.MCPServer(),
		Limiters:            limiters,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CycleInterval:       cfg.CycleInterval,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		bus:          bus,
		ledger:       ledgerSvc,
		cycle:        cycleSvc,
		outbox:       outboxWorker,
		qdrantIndex:  qdrantIndex,
		transcripts:  transcripts,
		otelShutdown: otelShutdown,
		eventHooks:   o.eventHooks,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if len(a.eventHooks) > 0 {
		go a.hookPump(ctx)
	}
	if a.cfg.CycleInterval > 0 {
		go a.cycle.RunLoop(ctx, a.cfg.CycleInterval)
	} else {
		a.logger.Info("cycle: automatic scheduling disabled (MURE_CYCLE_INTERVAL=0)")
	}
	if a.cfg.LedgerAuditInterval > 0 {
		go a.ledger.AuditLoop(ctx, a.cfg.LedgerAuditInterval)
	} else {
		a.logger.Info("ledger: periodic audit disabled (MURE_LEDGER_AUDIT_INTERVAL=0)")
	}

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful shutdown: stop accepting HTTP
// requests and drain in-flight, then drain remaining outbox entries to
// Qdrant, then close the transcript store, search index, database pool,
// and OTEL provider. In-flight cycles stop with the Run context.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("mure shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.outbox != nil {
		outboxCtx, outboxCancel := context.WithTimeout(ctx, 10*time.Second)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	if a.transcripts != nil {
		_ = a.transcripts.Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("mure stopped")
	return nil
}

// hookPump bridges the event bus to registered hooks. Hooks run serially on
// this goroutine with a per-call timeout; the bus already decouples the
// pump from publishers, so a slow hook costs the pump dropped events, never
// the colony.
func (a *App) hookPump(ctx context.Context) {
	ch := a.bus.Subscribe()
	defer a.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			pub := toPublicEvent(e)
			for _, h := range a.eventHooks {
				hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := h.OnColonyEvent(hookCtx, pub); err != nil {
					a.logger.Warn("event hook failed", "type", pub.Type, "error", err)
				}
				cancel()
			}
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// oracleProviderAdapter wraps a public OracleProvider for internal use,
// converting the conversation types at the boundary.
type oracleProviderAdapter struct {
	p OracleProvider
}

func (a *oracleProviderAdapter) Chat(ctx context.Context, req oracle.ChatRequest) (*oracle.ChatResponse, error) {
	resp, err := a.p.Chat(ctx, toPublicChatRequest(req))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("oracle provider returned nil response")
	}
	return fromPublicChatResponse(*resp), nil
}

// embeddingProviderAdapter wraps a public EmbeddingProvider, converting
// []float32 to pgvector.Vector for internal use.
type embeddingProviderAdapter struct {
	p EmbeddingProvider
}

func (a *embeddingProviderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embeddingProviderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embeddingProviderAdapter) Dimensions() int {
	return a.p.Dimensions()
}

// searcherAdapter wraps a public Searcher to satisfy search.Searcher.
type searcherAdapter struct {
	s Searcher
}

func (a *searcherAdapter) Search(ctx context.Context, emb []float32, agentID *uuid.UUID, limit int) ([]search.Result, error) {
	results, err := a.s.Search(ctx, emb, agentID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.Result, len(results))
	for i, r := range results {
		out[i] = search.Result{LogID: r.LogID, Score: r.Score}
	}
	return out, nil
}

func (a *searcherAdapter) Healthy(ctx context.Context) error {
	return a.s.Healthy(ctx)
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicEvent converts an internal model.Event to the public mure.Event.
func toPublicEvent(e model.Event) Event {
	return Event{
		Type:      string(e.Type),
		AgentID:   e.AgentID,
		AgentName: e.AgentName,
		Status:    e.Status,
		Message:   e.Message,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	}
}

// toPublicChatRequest converts an internal oracle.ChatRequest to the public form.
func toPublicChatRequest(req oracle.ChatRequest) ChatRequest {
	out := ChatRequest{
		System:    req.System,
		MaxTokens: req.MaxTokens,
	}
	for _, m := range req.Messages {
		msg := ChatMessage{Role: m.Role, Text: m.Text}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall(tc))
		}
		for _, tr := range m.ToolResults {
			msg.ToolResults = append(msg.ToolResults, ToolResult(tr))
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ToolDef(t))
	}
	return out
}

// fromPublicChatResponse converts a public ChatResponse to the internal form.
func fromPublicChatResponse(resp ChatResponse) *oracle.ChatResponse {
	out := &oracle.ChatResponse{
		Text:         resp.Text,
		StopReason:   resp.StopReason,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	for _, tc := range resp.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, oracle.ToolCall(tc))
	}
	return out
}

// ── Provider construction ──────────────────────────────────────────────────────

// newOracleProvider creates the reasoning backend selected by config.
// The scripted provider replays a single quiet turn forever; it exists so
// the colony can run end-to-end without an API key.
func newOracleProvider(cfg config.Config, logger *slog.Logger) (oracle.Provider, error) {
	switch cfg.OracleProvider {
	case "scripted":
		logger.Warn("oracle provider: scripted (canned replies, agents will not act)")
		s := oracle.NewScripted(oracle.Text(`{"thought": "Holding steady. Nothing to request this cycle.", "requests": []}`))
		s.Loop = true
		return s, nil
	default:
		logger.Info("oracle provider: anthropic", "model", cfg.OracleModel, "max_turns", cfg.OracleMaxTurns)
		return oracle.NewAnthropic(oracle.AnthropicConfig{
			APIKey:    cfg.OracleAPIKey,
			BaseURL:   cfg.OracleBaseURL,
			Model:     cfg.OracleModel,
			MaxTokens: cfg.OracleMaxTokens,
			Timeout:   cfg.OracleTimeout,
		}, logger)
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when MURE_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic recall disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic recall disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// newRunner creates the tool runner selected by config, or nil when tool
// execution is off.
func newRunner(cfg config.Config, logger *slog.Logger) exec.Runner {
	switch cfg.ExecMode {
	case "local":
		logger.Info("exec runner: local", "workspace", cfg.ExecWorkspaceRoot, "ceiling", cfg.ExecTimeoutCeiling)
		return exec.NewLocalRunner(cfg.ExecWorkspaceRoot, cfg.ExecTimeoutCeiling, logger)
	case "http":
		logger.Info("exec runner: http", "url", cfg.ExecBaseURL, "ceiling", cfg.ExecTimeoutCeiling)
		return exec.NewHTTPRunner(cfg.ExecBaseURL, cfg.ExecTimeoutCeiling, logger)
	default:
		logger.Info("exec runner: off (agents cannot run tools)")
		return nil
	}
}
