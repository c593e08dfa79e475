// mcp-the-force is an MCP server exposing frontier models as tools, with
// automatic context packing, per-session conversation continuity, and
// searchable long-term project memory.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/lukacf/mcp-the-force-sub004/internal/config"
	"github.com/lukacf/mcp-the-force-sub004/internal/contextpack"
	"github.com/lukacf/mcp-the-force-sub004/internal/executor"
	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
	"github.com/lukacf/mcp-the-force-sub004/internal/loiter"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/maintenance"
	"github.com/lukacf/mcp-the-force-sub004/internal/memstore"
	"github.com/lukacf/mcp-the-force-sub004/internal/operations"
	"github.com/lukacf/mcp-the-force-sub004/internal/server"
	"github.com/lukacf/mcp-the-force-sub004/internal/sessioncache"
	"github.com/lukacf/mcp-the-force-sub004/internal/sqlitebase"
	"github.com/lukacf/mcp-the-force-sub004/internal/vectorstore"
)

var version = "0.1.0"

type cli struct {
	Config   string `help:"Path to a config YAML file." short:"c" type:"path"`
	LogLevel string `help:"Log level override (trace, debug, info, warn, error)."`

	Serve   serveCmd   `cmd:"" default:"1" help:"Run the MCP server on stdio."`
	Version versionCmd `cmd:"" help:"Print the version and exit."`
}

type versionCmd struct{}

func (versionCmd) Run(*cli) error {
	fmt.Printf("mcp-the-force %s\n", version)
	return nil
}

type serveCmd struct{}

func (serveCmd) Run(flags *cli) error {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return err
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}

	// Logging goes to stderr; stdout belongs to the JSON-RPC transport.
	Init(&Config{
		Level:      ParseLevel(cfg.Logging.Level),
		ShowCaller: true,
		ShipperURL: cfg.Logging.ShipperURL,
	})
	L_info("mcp-the-force %s starting", version)

	ctx := context.Background()
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.Janitor != nil {
		rt.Janitor.Start()
		defer rt.Janitor.Stop()
	}

	srv := server.New(rt.Executor, rt.Ops, os.Stdin, os.Stdout)
	server.Version = version
	L_info("mcp-the-force ready")
	return srv.Run(ctx)
}

// runtime holds every long-lived service, initialized once at startup.
type runtime struct {
	SessionDB *sqlitebase.DB
	MemoryDB  *sqlitebase.DB
	Local     *vectorstore.LocalClient
	Executor  *executor.Executor
	Ops       *operations.Manager
	Janitor   *maintenance.Janitor
}

func (rt *runtime) Close() {
	if rt.Local != nil {
		rt.Local.Close()
	}
	if rt.MemoryDB != nil {
		rt.MemoryDB.Close()
	}
	if rt.SessionDB != nil {
		rt.SessionDB.Close()
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{Ops: operations.NewManager()}

	sessionDB, err := sqlitebase.Open(cfg.SessionDBPath())
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	rt.SessionDB = sessionDB

	ttl := time.Duration(cfg.Session.TTLHours) * time.Hour
	sessions, err := sessioncache.New(ctx, sessionDB, ttl)
	if err != nil {
		return nil, err
	}
	stable, err := sessioncache.NewStableList(ctx, sessionDB, ttl)
	if err != nil {
		return nil, err
	}

	var lk *loiter.Client
	if cfg.Loiter.Enabled {
		lk = loiter.New(cfg.Loiter.URL)
	} else {
		lk = loiter.New("")
	}

	storeClient, err := rt.buildStoreClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	stores, err := vectorstore.NewManager(ctx, vectorstore.ManagerOptions{
		Client:        storeClient,
		Loiter:        lk,
		DB:            sessionDB,
		TTL:           ttl,
		Mock:          cfg.AdapterMock,
		LocalTracking: cfg.VectorStore.LocalTracking,
	})
	if err != nil {
		return nil, err
	}

	memoryDB, err := sqlitebase.Open(cfg.MemoryDBPath())
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	rt.MemoryDB = memoryDB
	memory, err := memstore.New(ctx, memoryDB, storeClient, lk, memstore.Options{
		RolloverLimit:     cfg.Memory.RolloverLimit,
		SearchConcurrency: cfg.Memory.SearchConcurrency,
		SearchTimeout:     time.Duration(cfg.Memory.SearchTimeoutSecs) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	adapters, err := buildAdapters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rt.Executor = &executor.Executor{
		Adapters: adapters,
		Sessions: sessions,
		Packer: &contextpack.Packer{
			Stable:         stable,
			Stores:         stores,
			InlineFraction: cfg.Context.InlineBudgetFraction,
		},
		Stores: stores,
		Memory: memory,
		Ops:    rt.Ops,
		Mock:   cfg.AdapterMock,
	}

	if cfg.Maintenance.Enabled {
		janitor, err := maintenance.New(cfg.Maintenance.Schedule, sessions, stable, lk)
		if err != nil {
			return nil, fmt.Errorf("maintenance schedule: %w", err)
		}
		rt.Janitor = janitor
	}
	return rt, nil
}

// buildStoreClient picks the vector-store backend. Mock mode always wins;
// otherwise the configured provider decides.
func (rt *runtime) buildStoreClient(ctx context.Context, cfg *config.Config) (vectorstore.Client, error) {
	if cfg.AdapterMock || cfg.VectorStore.Provider == "inmemory" {
		return vectorstore.NewInMemory(), nil
	}
	if cfg.VectorStore.Provider == "local" {
		local, err := vectorstore.NewLocal(ctx, cfg.LocalStoreDBPath(), cfg.Providers.OpenAI.APIKey)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		rt.Local = local
		return local, nil
	}
	return vectorstore.NewOpenAI(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL), nil
}

func buildAdapters(ctx context.Context, cfg *config.Config) (map[string]llm.Adapter, error) {
	if cfg.AdapterMock {
		mock := &llm.MockAdapter{}
		return map[string]llm.Adapter{"openai": mock, "gemini": mock, "xai": mock}, nil
	}

	adapters := make(map[string]llm.Adapter)
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		adapters["openai"] = llm.NewOpenAI(key, cfg.Providers.OpenAI.BaseURL)
	}
	if key := cfg.Providers.Gemini.APIKey; key != "" {
		gemini, err := llm.NewGemini(ctx, key)
		if err != nil {
			return nil, err
		}
		adapters["gemini"] = gemini
	}
	if key := cfg.Providers.XAI.APIKey; key != "" {
		grok, err := llm.NewGrok(key)
		if err != nil {
			return nil, err
		}
		adapters["xai"] = grok
	}
	if len(adapters) == 0 {
		L_warn("no provider API keys configured; model tools will fail")
	}
	return adapters, nil
}

func main() {
	var flags cli
	parsed := kong.Parse(&flags,
		kong.Name("mcp-the-force"),
		kong.Description("MCP server exposing frontier models as tools."),
		kong.UsageOnError(),
	)
	if err := parsed.Run(&flags); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
