package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/systemshift/registry/internal/core"
	"github.com/systemshift/registry/internal/embed"
	"github.com/systemshift/registry/internal/server/api"
	"github.com/systemshift/registry/internal/server/config"
	"github.com/systemshift/registry/internal/server/graph"
	"github.com/systemshift/registry/internal/server/primary"
	"github.com/systemshift/registry/internal/server/registry"
	"github.com/systemshift/registry/internal/server/retry"
	"github.com/systemshift/registry/internal/server/similarity"
	"github.com/systemshift/registry/internal/server/telemetry"
	"github.com/systemshift/registry/internal/server/vector"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registry HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, v, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	if used := v.ConfigFileUsed(); used != "" {
		logger.Info("loaded config", "path", used)
	}

	ctx := context.Background()

	provider, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer provider.Shutdown(context.Background())
	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	primaryStore, err := primary.NewSQLite(ctx, cfg.Primary.Path, primary.Options{Timeout: cfg.Primary.Timeout})
	if err != nil {
		return fmt.Errorf("opening primary store: %w", err)
	}
	defer primaryStore.Close(ctx)

	vectorStore, err := vector.NewSQLite(ctx, cfg.Vector.Path, vector.Options{Timeout: cfg.Vector.Timeout})
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	defer vectorStore.Close(ctx)

	graphStore, err := openGraph(ctx, cfg.Graph, logger)
	if err != nil {
		return fmt.Errorf("opening graph store: %w", err)
	}
	defer graphStore.Close(ctx)

	embedder, err := newEmbedder(cfg.Embedder)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}

	gate := similarity.NewGate(embedder, vectorStore, logger)
	gate.SetDefaults(cfg.Similarity.Threshold, cfg.Similarity.Limit)

	queue, err := retry.Open(cfg.Retry.Path, retry.Options{MaxAttempts: cfg.Retry.MaxAttempts, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening retry queue: %w", err)
	}
	if err := telemetry.ObserveQueueLength(provider.Meter, queue.Len); err != nil {
		return fmt.Errorf("registering queue gauge: %w", err)
	}

	orch := registry.New(registry.Deps{
		Primary:  primaryStore,
		Vector:   vectorStore,
		Graph:    graphStore,
		Embedder: embedder,
		Gate:     gate,
		Queue:    queue,
		Tracer:   provider.Tracer,
		Metrics:  metrics,
		Logger:   logger,
	})

	worker := retry.NewWorker(queue, orch, retry.WorkerOptions{
		Interval: cfg.Retry.Interval,
		Probes: map[string]retry.Probe{
			core.TargetVector: retry.AllOf(vectorStore.Ping, func(ctx context.Context) error {
				return embed.Ping(ctx, embedder)
			}),
			core.TargetGraph: retry.WithSetup(graphStore.Ping, graphStore.EnsureSchema, logger),
		},
		Logger: logger,
	})
	worker.Start()
	defer worker.Stop()

	if v.ConfigFileUsed() != "" {
		config.Watch(v, func(c *config.Config) {
			orch.SetSimilarity(c.Similarity.Threshold, c.Similarity.Limit)
		}, func(err error) {
			logger.Warn("ignoring invalid config reload", "error", err)
		})
	}

	apiServer, err := api.New(api.Deps{
		Registry: orch,
		Gate:     gate,
		Embedder: embedder,
		Primary:  primaryStore,
		Vector:   vectorStore,
		Graph:    graphStore,
		Retry:    queue,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating api server: %w", err)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      apiServer.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting registry server",
			"addr", cfg.Server.Addr,
			"graph", cfg.Graph.Backend,
			"embedder", cfg.Embedder.Provider,
			"pending_retries", queue.Len(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}

// openGraph opens the configured graph backend. An unreachable Neo4j is not
// fatal: graph writes queue until it comes back.
func openGraph(ctx context.Context, cfg config.GraphConfig, logger *slog.Logger) (graph.Store, error) {
	var (
		store graph.Store
		err   error
	)
	switch cfg.Backend {
	case config.GraphBackendNeo4j:
		store, err = graph.NewNeo4j(graph.Config{
			URI:      cfg.URI,
			Username: cfg.Username,
			Password: cfg.Password,
			Database: cfg.Database,
			Timeout:  cfg.Timeout,
		})
	default:
		store, err = graph.NewSQLite(ctx, cfg.Path, cfg.Timeout)
	}
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Warn("graph schema not ensured, retrying once reachable", "backend", cfg.Backend, "error", err)
	}
	return store, nil
}

func newEmbedder(cfg config.EmbedderConfig) (embed.Embedder, error) {
	var base embed.Embedder
	switch cfg.Provider {
	case config.EmbedderHTTP:
		h, err := embed.NewHTTP(embed.HTTPConfig{
			URL:     cfg.URL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		base = h
	default:
		base = embed.NewHash(cfg.Dimensions)
	}
	if cfg.CacheTTL <= 0 {
		return base, nil
	}
	return embed.NewCached(base, cfg.CacheTTL, 3*cfg.CacheTTL), nil
}
