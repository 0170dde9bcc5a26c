// Package main is the MutiExpert backend CLI.
//
// Start the server:
//
//	mutiexpert serve --config mutiexpert.yaml
//
// The serve command wires storage, model providers, the sandbox, retrieval,
// the tool registry and the channels, then serves the HTTP API until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mutiexpert/backend/internal/channels/feishu"
	"github.com/mutiexpert/backend/internal/config"
	"github.com/mutiexpert/backend/internal/memory"
	"github.com/mutiexpert/backend/internal/observability"
	"github.com/mutiexpert/backend/internal/pipeline"
	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/internal/retrieval"
	"github.com/mutiexpert/backend/internal/retrieval/pgvector"
	"github.com/mutiexpert/backend/internal/sandbox"
	"github.com/mutiexpert/backend/internal/scheduler"
	"github.com/mutiexpert/backend/internal/scripts"
	"github.com/mutiexpert/backend/internal/server"
	"github.com/mutiexpert/backend/internal/storage"
	"github.com/mutiexpert/backend/internal/tools"
	"github.com/mutiexpert/backend/internal/websearch"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// defaultProvider answers turns that do not name one.
const defaultProvider = "claude"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "mutiexpert",
		Short:        "MutiExpert - multi-industry knowledge assistant backend",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the backend server",
		Long: `Start the backend server: HTTP API with SSE streaming, the Feishu
channel webhook and the task scheduler. Graceful shutdown on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "mutiexpert.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)
	logger.Info("starting mutiexpert backend", "version", version, "config", configPath)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	store, err := storage.OpenSQLite(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	providerRegistry := providers.NewRegistry(cfg)

	box := sandbox.New(sandbox.Config{
		WorkspaceDir:   cfg.Sandbox.WorkspaceDir,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		ShellTimeout:   cfg.Sandbox.ShellTimeout,
		PythonTimeout:  cfg.Sandbox.PythonTimeout,
		FetchTimeout:   cfg.Sandbox.FetchTimeout,
	})

	var searchClient *websearch.Client
	if cfg.Search.TavilyAPIKey != "" {
		searchClient = websearch.NewClient(cfg.Search.TavilyAPIKey, logger)
	}

	retrievalService, vectorStore, err := buildRetrieval(cfg, logger, metrics)
	if err != nil {
		return err
	}
	if vectorStore != nil {
		defer vectorStore.Close()
	}

	baseURL := loopbackURL(cfg.Server.Addr)
	scriptRunner := &scripts.Runner{BackendURL: baseURL, APIKey: cfg.Server.APIKey}

	toolRegistry := tools.NewRegistry(tools.RegistryConfig{
		Store:   store,
		Sandbox: box,
		Search:  searchClient,
		Scripts: scriptRunner,
		BaseURL: baseURL,
		APIKey:  cfg.Server.APIKey,
		Logger:  logger,
		Metrics: metrics,
	})

	var summarizer *memory.Summarizer
	if cfg.Memory.Enabled {
		summarizer = memory.NewSummarizer(memory.Config{
			Store:     store,
			Providers: providerRegistry,
			Provider:  defaultProvider,
			Logger:    logger,
		})
	}

	orchestrator := pipeline.New(pipeline.Config{
		Providers: providerRegistry,
		Tools:     toolRegistry,
		Retrieval: retrievalService,
		Search:    searchClient,
		Store:     store,
		Memory:    refresherOrNil(summarizer),
		Logger:    logger,
		Metrics:   metrics,
	})

	feishuClient := feishu.NewClient(feishu.Config{
		AppID:     cfg.Feishu.AppID,
		AppSecret: cfg.Feishu.AppSecret,
		Logger:    logger,
	})
	var feishuChannel *feishu.Channel
	if feishuClient.Enabled() {
		feishuChannel = feishu.NewChannel(feishu.ChannelConfig{
			Client:   feishuClient,
			Pipeline: orchestrator,
			Store:    store,
			Provider: defaultProvider,
			Logger:   logger,
		})
	}

	sched := scheduler.New(scheduler.Config{
		Store:     store,
		Pipeline:  orchestrator,
		Tools:     toolRegistry,
		Providers: providerRegistry,
		Scripts:   scriptRunner,
		Notifier:  notifierOrNil(feishuClient),
		Provider:  defaultProvider,
		Logger:    logger,
	})
	if err := sched.Reload(ctx); err != nil {
		logger.Warn("scheduler reload failed", "error", err)
	}
	sched.Start()
	defer sched.Stop()

	srvCfg := server.Config{
		Addr:         cfg.Server.Addr,
		APIKey:       cfg.Server.APIKey,
		Store:        store,
		Orchestrator: orchestrator,
		Logger:       logger,
		Metrics:      metrics,
		Registry:     registry,
	}
	if feishuChannel != nil {
		srvCfg.FeishuWebhook = http.HandlerFunc(feishuChannel.HandleWebhook)
	}
	srv := server.New(srvCfg)
	if err := srv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	if summarizer != nil {
		summarizer.Wait()
	}
	return nil
}

// buildRetrieval assembles the retrieval service when both the vector store
// and an embedding key are configured. Either missing disables knowledge
// retrieval.
func buildRetrieval(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*retrieval.Service, *pgvector.Store, error) {
	if cfg.Storage.PostgresDSN == "" {
		logger.Info("no postgres DSN configured, knowledge retrieval disabled")
		return nil, nil, nil
	}
	if cfg.Embedding.APIKey == "" {
		logger.Warn("no embedding API key configured, knowledge retrieval disabled")
		return nil, nil, nil
	}

	embedder, err := retrieval.NewOpenAIEmbedder(retrieval.EmbedderConfig{
		APIKey:  cfg.Embedding.APIKey,
		BaseURL: cfg.Embedding.BaseURL,
		Model:   cfg.Embedding.Model,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("embedder: %w", err)
	}

	vectorStore, err := pgvector.New(pgvector.Config{
		DSN:           cfg.Storage.PostgresDSN,
		RunMigrations: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("vector store: %w", err)
	}

	return retrieval.NewService(embedder, vectorStore, cfg.Retrieval, logger, metrics), vectorStore, nil
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := cfg.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Format,
		Output: os.Stderr,
	})
}

// loopbackURL derives the base URL loopback tool calls and scripts use.
func loopbackURL(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// refresherOrNil keeps the orchestrator's interface field nil when memory
// is disabled; a typed nil would defeat its nil checks.
func refresherOrNil(s *memory.Summarizer) pipeline.MemoryRefresher {
	if s == nil {
		return nil
	}
	return s
}

func notifierOrNil(c *feishu.Client) scheduler.Notifier {
	if c == nil || !c.Enabled() {
		return nil
	}
	return c
}
