package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/llm/anthropic"
	"github.com/jkaninda/kazi/internal/llm/openai"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/storage"
	pgstore "github.com/jkaninda/kazi/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kazi/internal/storage/sqlite"
	"github.com/jkaninda/kazi/internal/tools"
	"github.com/jkaninda/kazi/internal/tools/delegate"
	"github.com/jkaninda/kazi/internal/tools/file"
	"github.com/jkaninda/kazi/internal/tools/human"
	mcptools "github.com/jkaninda/kazi/internal/tools/mcp"
	"github.com/jkaninda/kazi/internal/tools/shell"
	"github.com/jkaninda/kazi/internal/tools/think"
	"github.com/jkaninda/kazi/internal/workspace"
)

const systemPrompt = `You are a coding agent working inside a sandbox directory.
Every path you pass to a tool is relative to the sandbox root, and commands run
with the sandbox as their working directory and its .venv as VIRTUAL_ENV.
Inspect before you change things: list directories and read files first.
Use ask_user only when you cannot proceed without a decision from the user.
When the task is done, call final_answer with a short summary of what you did.`

const subAgentPrompt = `You are a sub-agent helping another agent. You share its
sandbox directory. Answer the request you are given as directly as you can,
using the tools to look things up, then reply with your findings in plain text.`

// errNoProvider is returned when a command needs a model and the selected
// provider has no API key.
var errNoProvider = errors.New("no LLM provider configured")

// sandboxFlags selects the sandbox root for a command.
type sandboxFlags struct {
	path string
	name string
}

func (f *sandboxFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.path, "sandbox", "", "sandbox root directory (overrides sandbox.path and --name)")
	cmd.Flags().StringVar(&f.name, "name", "", "named sandbox under the workspace (default \"default\")")
}

// sharedOptions controls what initShared builds.
type sharedOptions struct {
	sandbox sandboxFlags
	// reader backs ask_user. nil leaves ask_user out of the registry.
	reader human.LineReader
	// requireProvider fails initialization when no provider is configured.
	requireProvider bool
	source          string
}

// SharedComponents holds everything a command needs to run tools or an
// agent. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store
	Obs       *observability.Observability
	Provider  llm.Provider // nil when no provider is configured.
	Sandbox   *sandbox.Context
	Session   *agent.Session

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file named by KAZI_CONFIG or --config.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("KAZI_CONFIG", configPath))
}

// newLogger builds the process logger on stderr.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// initShared performs the initialization common to run, serve and tool.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts sharedOptions) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	ws, err := workspace.Open(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(ctx, cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// LLM provider.
	provider, err := newLLMProvider(cfg, "", logger)
	switch {
	case errors.Is(err, errNoProvider) && !opts.requireProvider:
		logger.Debug("no llm provider configured")
	case err != nil:
		sc.Cleanup()
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	default:
		sc.Provider = instrumentProvider(provider, obs)
		logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))
	}

	// Journal.
	store, err := initStore(ctx, cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if health := obs.HealthOrNil(); health != nil {
		health.AddCheck("journal", store.Ping)
	}

	// Sandbox.
	sbx, err := openSandbox(ctx, cfg, ws, opts.sandbox, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Sandbox = sbx

	// Tools.
	sessionID := uuid.New()
	base := baseTools(cfg, opts.reader, logger)
	if len(cfg.Tools.MCP) > 0 {
		bridge := mcptools.NewBridge(version, logger)
		mcpCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		base = append(base, bridge.ConnectAll(mcpCtx, cfg.Tools.MCP)...)
		cancel()
		sc.addCleanup(bridge.Close)
	}
	base = observability.InstrumentTools(obs, base)

	all := append([]tools.Tool(nil), base...)
	if sc.Provider != nil {
		delegates, err := sc.subAgents(sbx, sessionID, base)
		if err != nil {
			sc.Cleanup()
			return nil, err
		}
		all = append(all, observability.InstrumentTools(obs, delegates)...)
	}

	sc.Session = agent.NewSession(sbx, tools.NewRegistry(all...), logger,
		agent.WithID(sessionID),
		agent.WithJournal(store),
	)
	sc.Session.Start(ctx, opts.source, modelName(cfg))
	logger.Debug("session started",
		slog.String("session_id", sessionID.String()),
		slog.String("sandbox", sbx.Root()),
		slog.Any("tools", sc.Session.Registry().Names()),
	)
	return sc, nil
}

// NewRunner builds the main agent's runner over the session.
func (sc *SharedComponents) NewRunner() *agent.Runner {
	prompt := sc.Config.Agent.SystemPrompt
	if prompt == "" {
		prompt = systemPrompt
	}
	return agent.NewRunner("main", sc.Provider, sc.Session, sc.Logger).
		WithSystemPrompt(prompt).
		WithToolChoice(sc.Config.Agent.Choice()).
		WithMaxTurns(sc.Config.Agent.Turns()).
		WithMaxTokens(sc.Config.Agent.MaxTokens).
		WithObservability(sc.Obs)
}

// subAgents builds one delegate tool per configured sub-agent. Sub-agents
// share the sandbox and the journal session but never see the delegates.
func (sc *SharedComponents) subAgents(sbx *sandbox.Context, sessionID uuid.UUID, base []tools.Tool) ([]tools.Tool, error) {
	cfg := sc.Config
	var out []tools.Tool
	for _, sub := range cfg.SubAgentsOrDefault() {
		reg, err := subRegistry(base, sub.Tools)
		if err != nil {
			return nil, fmt.Errorf("sub-agent %q: %w", sub.Name, err)
		}

		provider := sc.Provider
		if sub.Model != "" {
			p, err := newLLMProvider(cfg, sub.Model, sc.Logger)
			if err != nil {
				return nil, fmt.Errorf("sub-agent %q: %w", sub.Name, err)
			}
			provider = instrumentProvider(p, sc.Obs)
		}

		session := agent.NewSession(sbx, reg, sc.Logger, agent.WithID(sessionID), agent.WithJournal(sc.Store))
		prompt := sub.SystemPrompt
		if prompt == "" {
			prompt = subAgentPrompt
		}
		turns := sub.MaxTurns
		if turns <= 0 {
			turns = cfg.Agent.Turns()
		}
		description := sub.Description
		if description == "" {
			description = fmt.Sprintf("Delegates a request to the %s sub-agent and returns its answer.", sub.Name)
		}

		name := sub.Name
		out = append(out, delegate.NewTool(name, description, func() *agent.Runner {
			return agent.NewRunner(name, provider, session, sc.Logger).
				WithSystemPrompt(prompt).
				WithToolChoice(llm.ToolChoiceAuto).
				WithMaxTurns(turns).
				WithMaxTokens(cfg.Agent.MaxTokens).
				WithObservability(sc.Obs)
		}, sc.Logger))
	}
	return out, nil
}

// subRegistry picks the named tools from base, or all of base except
// ask_user when names is empty.
func subRegistry(base []tools.Tool, names []string) (*tools.Registry, error) {
	full := tools.NewRegistry(base...)
	if len(names) == 0 {
		return full.Without(human.Name), nil
	}
	reg := tools.NewRegistry()
	for _, n := range names {
		t, err := full.Lookup(n)
		if err != nil {
			return nil, err
		}
		reg.Register(t)
	}
	return reg, nil
}

// baseTools returns the built-in tools. ask_user is included only when a
// reader is supplied.
func baseTools(cfg *config.Config, reader human.LineReader, logger *slog.Logger) []tools.Tool {
	ts := []tools.Tool{shell.NewTool(cfg.Sandbox.Timeout(), logger)}
	ts = append(ts, file.Tools(file.Config{MaxFileSizeBytes: cfg.Tools.File.MaxFileSizeBytes}, logger)...)
	if reader != nil {
		ts = append(ts, human.NewTool(reader, logger))
	}
	if cfg.Agent.Think {
		ts = append(ts, think.NewTool(logger))
	}
	return ts
}

// resolveSandboxPath picks the sandbox root: --sandbox, then --name, then
// sandbox.path, then the workspace's default sandbox.
func resolveSandboxPath(cfg *config.Config, ws *workspace.Workspace, flags sandboxFlags) (string, error) {
	switch {
	case flags.path != "":
		return config.ResolvePath(flags.path)
	case flags.name != "":
		return ws.SandboxPath(flags.name), nil
	case cfg.Sandbox.Path != "":
		return config.ResolvePath(cfg.Sandbox.Path)
	default:
		return ws.SandboxPath(workspace.DefaultSandboxName), nil
	}
}

func sandboxOptions(cfg *config.Config, logger *slog.Logger) ([]sandbox.Option, error) {
	argv, err := sandbox.ParseCommand(cfg.Sandbox.BootstrapCommand())
	if err != nil {
		return nil, fmt.Errorf("parsing sandbox.bootstrap: %w", err)
	}
	return []sandbox.Option{
		sandbox.WithLogger(logger),
		sandbox.WithBootstrap(argv...),
		sandbox.WithMaxOutputBytes(cfg.Sandbox.OutputLimit()),
	}, nil
}

// openSandbox loads the sandbox root, initializing it on first use.
func openSandbox(ctx context.Context, cfg *config.Config, ws *workspace.Workspace, flags sandboxFlags, logger *slog.Logger) (*sandbox.Context, error) {
	path, err := resolveSandboxPath(cfg, ws, flags)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox path: %w", err)
	}
	opts, err := sandboxOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	sbx, err := sandbox.Load(path, opts...)
	if errors.Is(err, sandbox.ErrNotFound) {
		logger.Info("initializing sandbox", slog.String("path", path))
		sbx, err = sandbox.Initialize(ctx, path, false, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("opening sandbox: %w", err)
	}
	return sbx, nil
}

func initStore(ctx context.Context, cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(ctx, cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.DatabasePath()
	if cfg.Storage.SQLite.Path != "" {
		p, err := config.ResolvePath(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("resolving storage.sqlite.path: %w", err)
		}
		dbPath = p
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: cfg.Storage.SQLite.JournalMode,
	}, logger)
}

func initPostgresStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	return pgstore.Open(ctx, pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
}

// newLLMProvider creates the configured provider with its fallback chain.
// A non-empty model overrides the configured model of every provider.
func newLLMProvider(cfg *config.Config, model string, logger *slog.Logger) (llm.Provider, error) {
	name := cfg.Providers.DefaultProvider()
	if name == "" {
		return nil, fmt.Errorf("%w: set OPENAI_API_KEY or ANTHROPIC_API_KEY", errNoProvider)
	}
	primary, err := buildProvider(name, model, cfg, logger)
	if err != nil {
		return nil, err
	}

	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{primary}
		for _, fbName := range cfg.Providers.Fallback {
			if fbName == name {
				continue
			}
			fb, err := buildProvider(fbName, model, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", fbName),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return llm.NewFallbackProvider(providers, logger), nil
		}
	}
	return primary, nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name, model string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "openai":
		c := cfg.Providers.OpenAI
		if c.APIKey == "" {
			return nil, fmt.Errorf("%w: providers.openai.api_key is not set (or OPENAI_API_KEY)", errNoProvider)
		}
		if model == "" {
			model = c.Model
		}
		var opts []openai.Option
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		return openai.NewClient(c.APIKey, model, logger, opts...), nil
	case "anthropic":
		c := cfg.Providers.Anthropic
		if c.APIKey == "" {
			return nil, fmt.Errorf("%w: providers.anthropic.api_key is not set (or ANTHROPIC_API_KEY)", errNoProvider)
		}
		if model == "" {
			model = c.Model
		}
		var opts []anthropic.Option
		if c.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(c.BaseURL))
		}
		return anthropic.NewClient(c.APIKey, model, logger, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}

func instrumentProvider(p llm.Provider, obs *observability.Observability) llm.Provider {
	if obs.MetricsOrNil() == nil && obs.TracerOrNil() == nil {
		return p
	}
	return observability.NewInstrumentedProvider(p, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
}

// modelName is journaled with each session.
func modelName(cfg *config.Config) string {
	switch cfg.Providers.DefaultProvider() {
	case "openai":
		return cfg.Providers.OpenAI.Model
	case "anthropic":
		return cfg.Providers.Anthropic.Model
	default:
		return ""
	}
}
