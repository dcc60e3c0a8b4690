package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Priya8975/relay-cache-sync/internal/api"
	"github.com/Priya8975/relay-cache-sync/internal/cacherelay"
	"github.com/Priya8975/relay-cache-sync/internal/config"
	"github.com/Priya8975/relay-cache-sync/internal/engine"
	"github.com/Priya8975/relay-cache-sync/internal/ingest"
	"github.com/Priya8975/relay-cache-sync/internal/metrics"
	"github.com/Priya8975/relay-cache-sync/internal/policy"
	"github.com/Priya8975/relay-cache-sync/internal/relay"
	"github.com/Priya8975/relay-cache-sync/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if err := cfg.RequireStorage(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize PostgreSQL
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := pgStore.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis
	redisClient, err := engine.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	m := metrics.New()

	// Local cache-relay
	var gate policy.Gate = policy.ReadOnly{}
	if cfg.WritePolicyCmd != "" {
		fields := strings.Fields(cfg.WritePolicyCmd)
		gate = policy.NewHook(fields[0], fields[1:], policy.DefaultHookTimeout, logger)
		logger.Info("using external write policy", "command", fields[0])
	}
	limiter := engine.NewRateLimiter(redisClient, cfg.ReqRateLimit, logger)
	relayServer := cacherelay.NewServer(pgStore, gate, limiter, m, logger)
	go relayServer.Run(ctx)

	// Sync pipeline
	client, err := relay.NewClient(logger, relay.WithTimeout(cfg.QueryTimeout), relay.WithMetrics(m))
	if err != nil {
		logger.Error("failed to create relay client", "error", err)
		os.Exit(1)
	}
	health := engine.NewUpstreamHealth(redisClient, logger)
	pipeline := ingest.NewPipeline(ingest.PipelineConfig{
		Syncer:          ingest.NewSyncer(client, pgStore, relayServer, m, logger),
		References:      pgStore,
		Attempts:        pgStore,
		Lock:            engine.NewRunLock(redisClient, time.Hour, logger),
		Health:          health,
		Metrics:         m,
		Logger:          logger,
		Upstreams:       cfg.UpstreamRelays,
		Windows:         ingest.Windows(cfg.Windows),
		BackfillWindows: ingest.Windows(cfg.BackfillWindows),
		NumWorkers:      cfg.NumWorkers,
	})

	switch {
	case len(cfg.UpstreamRelays) == 0:
		logger.Warn("no upstream relays configured, scheduler disabled")
	case cfg.SyncInterval <= 0:
		logger.Info("sync scheduler disabled")
	default:
		go ingest.NewScheduler(pipeline, cfg.SyncInterval, logger).Start(ctx)
	}

	// Setup router
	router := api.NewRouter(api.Deps{
		Store:    pgStore,
		Pipeline: pipeline,
		Health:   health,
		Checks: []api.Check{
			{Name: "postgres", Ping: pgStore.Ping},
			{Name: "redis", Ping: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		},
		Relay:        relayServer.HandleWebSocket,
		Metrics:      m.Handler(),
		RunContext:   ctx,
		RelayClients: relayServer.ClientCount,
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: relay connections are long-lived
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port, "upstreams", len(cfg.UpstreamRelays))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// cancels the scheduler, relay connections and running syncs
	stop()
	pipeline.Wait()

	logger.Info("server stopped")
}
