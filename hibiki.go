// Package hibiki is the public API for embedding the Hibiki agent server.
//
// Consumers import this package to construct and extend the server
// without forking it:
//
//	app, err := hibiki.New(
//	    hibiki.WithVersion(version),
//	    hibiki.WithLogger(logger),
//	    hibiki.WithCompleter(myModelClient),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: hibiki (root)
// imports internal/*, but internal/* never imports hibiki (root).
// Public interfaces (Completer, ToolInvoker, Bus) use stdlib-only
// types; conversion adapters live here because this is the only file
// that sees both sides of the boundary.
package hibiki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hibiki-ai/hibiki/internal/auth"
	"github.com/hibiki-ai/hibiki/internal/config"
	"github.com/hibiki-ai/hibiki/internal/engine"
	"github.com/hibiki-ai/hibiki/internal/llm"
	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/ratelimit"
	"github.com/hibiki-ai/hibiki/internal/server"
	"github.com/hibiki-ai/hibiki/internal/storage"
	"github.com/hibiki-ai/hibiki/internal/stream"
	"github.com/hibiki-ai/hibiki/internal/telemetry"
	"github.com/hibiki-ai/hibiki/internal/tools"
	"github.com/hibiki-ai/hibiki/migrations"
)

// appStore is the full persistence surface the App wires together: the
// HTTP handlers' view plus what the engine and seeding need. Both the
// Postgres and SQLite stores satisfy it.
type appStore interface {
	server.Store

	UpdateRun(ctx context.Context, id uuid.UUID, mutate func(*model.AgentRun)) (model.AgentRun, error)
	GetAgentByName(ctx context.Context, name string) (model.AgentDefinition, error)
	CountAgents(ctx context.Context) (int, error)
	TopFacts(ctx context.Context, userID string, limit int) ([]model.MemoryFact, error)

	Close(ctx context.Context)
}

var (
	_ appStore = (*storage.DB)(nil)
	_ appStore = (*storage.SQLite)(nil)
)

// App is the Hibiki server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	store        appStore
	hub          *stream.Hub
	dispatcher   *engine.Dispatcher
	srv          *server.Server
	limiter      ratelimit.Limiter
	mcpInvoker   *tools.MCPInvoker // nil unless MCP is configured
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Hibiki server. It connects to the store, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
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
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hibiki starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Store: SQLite for single-process dev, Postgres otherwise.
	var store appStore
	var pgDB *storage.DB
	if cfg.SQLitePath != "" {
		sq, err := storage.OpenSQLite(context.Background(), cfg.SQLitePath, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		store = sq
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
	} else {
		pgDB, err = storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := pgDB.RunMigrations(context.Background(), migrations.FS); err != nil {
			pgDB.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		store = pgDB
		logger.Info("storage: postgres")
	}

	// Fan-out bus: external override, Postgres LISTEN/NOTIFY, or the
	// in-memory bus when neither is available.
	var bus stream.Bus
	switch {
	case o.bus != nil:
		bus = o.bus
		logger.Info("stream bus: external")
	case pgDB != nil && pgDB.HasNotifyConn():
		bus = stream.NewPgBus(pgDB, stream.DefaultChannel)
		logger.Info("stream bus: postgres listen/notify", "channel", stream.DefaultChannel)
	default:
		bus = stream.NewMemoryBus().Handle()
		logger.Info("stream bus: in-memory (single process)")
	}

	registry := stream.NewRegistry(logger)
	hub := stream.NewHub(registry, bus, logger)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		store.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Completion client — external override takes priority over auto-detect.
	var completer engine.Completer
	if o.completer != nil {
		completer = &completerAdapter{c: o.completer}
	} else {
		completer = &llmCompleter{c: newCompletionClient(cfg, logger)}
	}

	// Tool invoker — external override, MCP, or the empty static set.
	var invoker engine.ToolInvoker
	var mcpInvoker *tools.MCPInvoker
	switch {
	case o.toolInvoker != nil:
		invoker = &toolInvokerAdapter{t: o.toolInvoker}
		logger.Info("tools: external invoker")
	case cfg.MCPServerURL != "":
		mcpInvoker = tools.NewMCPInvoker(cfg.MCPServerURL, cfg.MCPAPIKey, logger)
		invoker = mcpInvoker
		logger.Info("tools: mcp", "url", cfg.MCPServerURL)
	default:
		invoker = tools.NewStaticInvoker()
		logger.Info("tools: none configured (static empty set)")
	}

	eng := engine.New(engine.Config{
		Runs:       store,
		Agents:     store,
		Memories:   store,
		Completer:  completer,
		Tools:      invoker,
		Publisher:  hub,
		Logger:     logger,
		MaxSteps:   cfg.EngineMaxSteps,
		MemoryTopK: cfg.MemoryTopK,
	})
	dispatcher := engine.NewDispatcher(eng, int64(cfg.EngineMaxConcurrent), logger)

	var serviceKeyHash string
	if cfg.ServiceAPIKey != "" {
		serviceKeyHash, err = auth.HashAPIKey(cfg.ServiceAPIKey)
		if err != nil {
			store.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: hash service key: %w", err)
		}
	} else {
		logger.Warn("no service API key configured, /auth/token is disabled")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60.0, cfg.RateLimitPerMinute)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_minute", cfg.RateLimitPerMinute)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.Config{
		Store:               store,
		JWTMgr:              jwtMgr,
		Dispatcher:          dispatcher,
		Registry:            registry,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		ServiceKeyHash:      serviceKeyHash,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	if err := seedDefaultAgent(context.Background(), store, logger); err != nil {
		store.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("agent seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		store:        store,
		hub:          hub,
		dispatcher:   dispatcher,
		srv:          srv,
		limiter:      limiter,
		mcpInvoker:   mcpInvoker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the fan-out loop and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown
// is called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go a.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests
// and drain in-flight, wait for executing runs to reach a terminal
// state, then release the tool client, store and OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hibiki shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.dispatcher.Drain(drainCtx); err != nil {
		a.logger.Warn("dispatcher drain incomplete, executing runs abandoned", "error", err)
	}
	drainCancel()

	_ = a.limiter.Close()
	if a.mcpInvoker != nil {
		if err := a.mcpInvoker.Close(); err != nil {
			a.logger.Warn("mcp client close error", "error", err)
		}
	}
	_ = a.otelShutdown(context.Background())
	a.store.Close(context.Background())

	a.logger.Info("hibiki stopped")
	return nil
}

// ── Helpers ────────────────────────────────────────────────────────────────────

// defaultAgentName is the seeded agent created on an empty store so a
// fresh deployment can execute runs immediately.
const defaultAgentName = "task-assistant"

func seedDefaultAgent(ctx context.Context, store appStore, logger *slog.Logger) error {
	count, err := store.CountAgents(ctx)
	if err != nil {
		return fmt.Errorf("count agents: %w", err)
	}
	if count > 0 {
		return nil
	}

	agent, err := store.CreateAgent(ctx, model.AgentDefinition{
		Name:        defaultAgentName,
		Description: "General-purpose assistant that manages tasks and answers questions.",
		Persona: "You are a helpful personal assistant. You keep answers short and " +
			"practical, and you use the available tools to look things up rather than guessing.",
		Model:       "",
		Temperature: 0.2,
		Enabled:     true,
	})
	if err != nil {
		return fmt.Errorf("create default agent: %w", err)
	}
	logger.Info("seeded default agent", "agent_id", agent.ID, "name", agent.Name)
	return nil
}

func newCompletionClient(cfg config.Config, logger *slog.Logger) llm.Client {
	switch cfg.CompletionProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when HIBIKI_COMPLETION_PROVIDER=openai; falling back to ollama")
			return llm.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel)
		}
		logger.Info("completion provider: openai", "model", cfg.CompletionModel)
		return llm.NewOpenAIClient(cfg.OpenAIAPIKey, "", cfg.CompletionModel)
	case "ollama":
		logger.Info("completion provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return llm.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel)
	case "auto":
		fallthrough
	default:
		if cfg.OpenAIAPIKey != "" {
			logger.Info("completion provider: openai (auto-detected)", "model", cfg.CompletionModel)
			return llm.NewOpenAIClient(cfg.OpenAIAPIKey, "", cfg.CompletionModel)
		}
		logger.Info("completion provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return llm.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel)
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// llmCompleter adapts an llm.Client to the engine's completion boundary.
type llmCompleter struct {
	c llm.Client
}

func (a *llmCompleter) Complete(ctx context.Context, req engine.CompletionRequest) (string, error) {
	return a.c.Complete(ctx, llm.Request{
		Model:       req.Model,
		Temperature: req.Temperature,
		Messages:    req.Messages,
	})
}

// completerAdapter wraps a public hibiki.Completer to satisfy
// engine.Completer. It converts internal chat types to the public
// stdlib-only shapes at the boundary.
type completerAdapter struct {
	c Completer
}

func (a *completerAdapter) Complete(ctx context.Context, req engine.CompletionRequest) (string, error) {
	messages := make([]Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = Message{Role: string(m.Role), Content: m.Content}
	}
	return a.c.Complete(ctx, req.Model, req.Temperature, messages)
}

// toolInvokerAdapter wraps a public hibiki.ToolInvoker to satisfy
// engine.ToolInvoker.
type toolInvokerAdapter struct {
	t ToolInvoker
}

func (a *toolInvokerAdapter) ListTools(ctx context.Context) ([]model.ToolInfo, error) {
	catalog, err := a.t.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.ToolInfo, len(catalog))
	for i, tool := range catalog {
		out[i] = model.ToolInfo{Name: tool.Name, Description: tool.Description}
	}
	return out, nil
}

func (a *toolInvokerAdapter) CallTool(ctx context.Context, name string, args map[string]any, ownerID string) (model.ToolResult, error) {
	result, err := a.t.CallTool(ctx, name, args, ownerID)
	if err != nil {
		return model.ToolResult{}, err
	}
	return model.ToolResult{IsError: result.IsError, Text: result.Text}, nil
}
