package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/insightpilot/insightpilot/internal/agent"
	"github.com/insightpilot/insightpilot/internal/agent/providers"
	"github.com/insightpilot/insightpilot/internal/assemble"
	"github.com/insightpilot/insightpilot/internal/config"
	"github.com/insightpilot/insightpilot/internal/datasets"
	"github.com/insightpilot/insightpilot/internal/dispatch"
	"github.com/insightpilot/insightpilot/internal/gateway"
	"github.com/insightpilot/insightpilot/internal/observability"
	"github.com/insightpilot/insightpilot/internal/retention"
	"github.com/insightpilot/insightpilot/internal/sandbox"
	"github.com/insightpilot/insightpilot/internal/store"
	"github.com/insightpilot/insightpilot/internal/tools"
)

const defaultSystemPrompt = `You are InsightPilot, a data analysis assistant.
Answer questions about the user's selected datasets. Use the available
tools to inspect data, run analysis code, build report components, and
perform calculations. When a question is ambiguous, ask the user for
clarification instead of guessing. Be concise and ground every claim
in the data.`

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the InsightPilot server",
		Long: `Start the API server, the streaming gateway, and the turn worker
pool. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("INSIGHTPILOT_CONFIG"),
		"Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	traceEndpoint := ""
	if cfg.Tracing.Enabled {
		traceEndpoint = cfg.Tracing.Endpoint
	}
	tracer, shutdownTracing, err := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "insightpilot",
		ServiceVersion: version,
		Endpoint:       traceEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	st, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	catalog, err := buildCatalog(ctx, cfg)
	if err != nil {
		return err
	}
	assembler := assemble.New(catalog, assemble.NewMemoryUserDirectory(), logger)

	sandboxClient := sandbox.NewClient(cfg.Sandbox.URL, cfg.Sandbox.APIKey, cfg.Sandbox.Timeout)

	registry := agent.NewToolRegistry()
	tools.RegisterAll(registry, assembler, sandboxClient, cfg.Agent.DatasetSampleLimit)
	executor := agent.NewExecutor(registry, agent.ExecutorConfig{
		DefaultTimeout: cfg.Agent.ToolTimeout,
	}, metrics)

	provider, err := providers.New(cfg.Provider)
	if err != nil {
		return err
	}

	systemPrompt := defaultSystemPrompt
	if cfg.Agent.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.Agent.SystemPromptFile)
		if err != nil {
			return fmt.Errorf("read system prompt: %w", err)
		}
		systemPrompt = string(data)
	}

	hub := gateway.NewHub()
	loop := agent.NewLoop(st, assembler, provider, executor, hub, logger, metrics, tracer, agent.LoopConfig{
		Model:              cfg.Provider.Model,
		SummaryModel:       cfg.Provider.SummaryModel,
		SystemPrompt:       systemPrompt,
		MaxTokens:          cfg.Agent.MaxTokens,
		MaxToolCalls:       cfg.Agent.MaxToolCalls,
		MaxWallTime:        cfg.Agent.MaxWallTime,
		SummarizeThreshold: cfg.Agent.SummarizeThreshold,
		ProviderRetries:    cfg.Provider.MaxRetries,
		ProviderRetryDelay: cfg.Provider.RetryDelay,
		ProviderTimeout:    cfg.Provider.Timeout,
	})

	codec := dispatch.NewTokenCodec(cfg.Worker.JobSecret, cfg.Worker.JobTokenTTL)
	worker := dispatch.NewWorker(loop, codec, cfg.Worker.Concurrency, logger, metrics)
	dispatcher := dispatch.NewDispatcher(st, worker, codec, logger)

	auth := gateway.NewAuth(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	server := gateway.NewServer(gateway.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.HTTPPort,
	}, st, dispatcher, worker, hub, auth, logger, metrics)

	var sweeper *retention.Sweeper
	if cfg.Retention.Enabled {
		sweeper = retention.NewSweeper(st, retention.Config{
			SessionTTL: cfg.Retention.SessionTTL,
			Schedule:   cfg.Retention.Schedule,
		}, logger)
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("start retention: %w", err)
		}
	}

	worker.Start()
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info(ctx, "insightpilot started",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		"provider", provider.Name(),
		"version", version)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info(ctx, "shutting down", "signal", s.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "server shutdown failed", "error", err)
	}
	worker.Stop()
	if sweeper != nil {
		sweeper.Stop()
	}
	return nil
}

func buildStore(cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		return store.NewMemoryStore(), func() {}, nil
	}

	pgConfig := store.DefaultPostgresConfig()
	if cfg.Database.MaxConnections > 0 {
		pgConfig.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pgConfig.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	pg, err := store.NewPostgresStoreFromDSN(cfg.Database.URL, pgConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return pg, func() { _ = pg.Close() }, nil
}

func buildCatalog(ctx context.Context, cfg *config.Config) (datasets.Catalog, error) {
	if cfg.Datasets.Bucket == "" {
		return datasets.NewMemoryCatalog(), nil
	}
	return datasets.NewS3Catalog(ctx, datasets.S3CatalogConfig{
		Bucket: cfg.Datasets.Bucket,
		Region: cfg.Datasets.Region,
		Prefix: cfg.Datasets.Prefix,
	})
}
