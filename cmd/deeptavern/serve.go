package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deeptavern/deeptavern/pkg/cache"
	"github.com/deeptavern/deeptavern/pkg/config"
	"github.com/deeptavern/deeptavern/pkg/embedders"
	"github.com/deeptavern/deeptavern/pkg/graph"
	"github.com/deeptavern/deeptavern/pkg/harvester"
	"github.com/deeptavern/deeptavern/pkg/llms"
	"github.com/deeptavern/deeptavern/pkg/logger"
	"github.com/deeptavern/deeptavern/pkg/memory"
	"github.com/deeptavern/deeptavern/pkg/observability"
	"github.com/deeptavern/deeptavern/pkg/orchestrator"
	"github.com/deeptavern/deeptavern/pkg/rules"
	"github.com/deeptavern/deeptavern/pkg/server"
	"github.com/deeptavern/deeptavern/pkg/session"
	"github.com/deeptavern/deeptavern/pkg/state"
	"github.com/deeptavern/deeptavern/pkg/store"
	"github.com/deeptavern/deeptavern/pkg/vector"
)

const shutdownGrace = 15 * time.Second

// ServeCmd starts the engine and the HTTP adapter.
type ServeCmd struct {
	Host    string `help:"Bind address (overrides config)."`
	Port    int    `help:"Port to listen on (overrides config)."`
	DataDir string `name:"data-dir" help:"Data directory (overrides config)." type:"path"`
	Watch   bool   `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := config.NewRegistry(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := registry.Get()

	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.DataDir != "" {
		cfg.Storage.DataDir = c.DataDir
	}

	if c.Watch {
		go func() {
			if err := registry.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	obs := observability.NewManager(observability.Config{
		Tracing: observability.TracerConfig{
			Enabled:      cfg.Observability.Tracing.Enabled,
			ExporterType: cfg.Observability.Tracing.Exporter,
			EndpointURL:  cfg.Observability.Tracing.Endpoint,
			ServiceName:  "deeptavern",
		},
		Metrics: observability.MetricsConfig{Enabled: cfg.Observability.Metrics.Enabled},
	})
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = obs.Shutdown(shutdownCtx)
	}()

	st, err := store.Open(cfg.Storage.ChatDSN, cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open chat store: %w", err)
	}
	ruleStore, err := rules.Open(cfg.Storage.RulesDSN, cfg.Storage.DataDir)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to open rules store: %w", err)
	}

	vec, err := vector.New(cfg.Storage.Vector, cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer vec.Close()

	var embedder embedders.Provider
	var reranker embedders.Reranker
	if cfg.Vector.BaseURL != "" {
		embedder, err = embedders.NewOpenAIEmbedder(embedders.Config{
			APIKey:  cfg.Vector.APIKey,
			BaseURL: cfg.Vector.BaseURL,
			Model:   cfg.Vector.EmbeddingModel,
		})
		if err != nil {
			return fmt.Errorf("failed to create embedder: %w", err)
		}
		defer embedder.Close()

		reranker, err = embedders.NewRerankClient(embedders.Config{
			APIKey:  cfg.Vector.APIKey,
			BaseURL: cfg.Vector.BaseURL,
			Model:   cfg.Vector.RerankModel,
		})
		if err != nil {
			return fmt.Errorf("failed to create reranker: %w", err)
		}
		defer reranker.Close()
	} else {
		slog.Warn("No vector.base_url configured; semantic retrieval is disabled")
	}

	llm, err := llms.NewRegistry(cfg)
	if err != nil {
		return fmt.Errorf("failed to build LLM registry: %w", err)
	}
	defer llm.Close()

	// The counter is advisory; unknown models fall back to a heuristic.
	counter, err := llms.NewTokenCounter(llm.ModelFor(config.RoleNarrator))
	if err != nil {
		slog.Warn("Token counter unavailable", "error", err)
	}

	g, err := graph.New(cfg.Storage.DataDir, embedder)
	if err != nil {
		return fmt.Errorf("failed to open knowledge graph: %w", err)
	}
	defer g.Close()

	var hot cache.Cache = cache.Noop{}
	if cfg.Cache.IsEnabled() {
		ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second
		hot = cache.New(ttl, cfg.Cache.HistoryLimit)
	}
	defer hot.Close()

	var harv *harvester.Harvester
	var enqueuer memory.Enqueuer
	if cfg.Harvester.IsEnabled() {
		harv, err = harvester.New(llm, vec, embedder, st, cfg.Harvester)
		if err != nil {
			return fmt.Errorf("failed to build harvester: %w", err)
		}
		harv.Start()
		enqueuer = harv
	}

	sessions := session.NewManager(st, vec, g, hot, cfg.Cache.HistoryLimit)

	engine := state.NewEngine(llm, st, hot, cfg.Roles[config.RoleStatus].Prompt)
	compressor := memory.NewCompressor(llm, st, vec, embedder, enqueuer, memory.Prompts{
		Draft:     cfg.Roles[config.RoleDraft].Prompt,
		Critic:    cfg.Roles[config.RoleCritic].Prompt,
		Historian: cfg.Roles[config.RoleHistorian].Prompt,
	})

	orc := orchestrator.New(orchestrator.Deps{
		Config:     cfg,
		LLM:        llm,
		Store:      st,
		Rules:      rules.NewService(ruleStore, vec, embedder, llm),
		Graph:      g,
		Extractor:  graph.NewExtractor(llm, g, cfg.Roles[config.RoleExtractor].Prompt),
		Compressor: compressor,
		State:      engine,
		Vector:     vec,
		Embedder:   embedder,
		Reranker:   reranker,
		Cache:      hot,
		Sessions:   server.NewSessionSource(sessions),
		Counter:    counter,
	})

	srv := server.New(server.Deps{
		Config:    cfg,
		Orc:       orc,
		Sessions:  sessions,
		Store:     st,
		State:     engine,
		Graph:     g,
		Vector:    vec,
		Harvester: harv,
		Bus:       logger.DefaultBus(),
		Closers:   []func() error{ruleStore.Close, st.Close},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
	defer done()
	return srv.Shutdown(shutdownCtx)
}
