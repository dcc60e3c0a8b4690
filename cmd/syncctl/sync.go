package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Priya8975/relay-cache-sync/internal/config"
	"github.com/Priya8975/relay-cache-sync/internal/engine"
	"github.com/Priya8975/relay-cache-sync/internal/ingest"
	"github.com/Priya8975/relay-cache-sync/internal/metrics"
	"github.com/Priya8975/relay-cache-sync/internal/relay"
	"github.com/Priya8975/relay-cache-sync/internal/store"
)

func runSync(args []string, cfg *config.Config, stdout io.Writer, logger *slog.Logger) error {
	var (
		backfill  bool
		upstreams []string
		workers   int
	)
	flagSet := pflag.NewFlagSet("sync", pflag.ContinueOnError)
	flagSet.BoolVar(&backfill, "backfill", false, "use the backfill day counts (BACKFILL_ARTICLE_DAYS, BACKFILL_REPLY_DAYS)")
	flagSet.StringSliceVar(&upstreams, "upstream", cfg.UpstreamRelays, "upstream relay URL, repeatable (default UPSTREAM_RELAYS)")
	flagSet.IntVar(&workers, "workers", cfg.NumWorkers, "upstreams synced at once")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if len(upstreams) == 0 {
		return fmt.Errorf("no upstream relays: set UPSTREAM_RELAYS or pass --upstream")
	}
	if err := cfg.RequireStorage(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pgStore.Close()
	if err := pgStore.RunMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	redisClient, err := engine.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	m := metrics.New()
	client, err := relay.NewClient(logger, relay.WithTimeout(cfg.QueryTimeout), relay.WithMetrics(m))
	if err != nil {
		return err
	}

	pipeline := ingest.NewPipeline(ingest.PipelineConfig{
		Syncer:          ingest.NewSyncer(client, pgStore, nil, m, logger),
		References:      pgStore,
		Attempts:        pgStore,
		Lock:            engine.NewRunLock(redisClient, time.Hour, logger),
		Health:          engine.NewUpstreamHealth(redisClient, logger),
		Metrics:         m,
		Logger:          logger,
		Upstreams:       upstreams,
		Windows:         ingest.Windows(cfg.Windows),
		BackfillWindows: ingest.Windows(cfg.BackfillWindows),
		NumWorkers:      workers,
	})

	report, err := pipeline.Run(ctx, ingest.RunOptions{Backfill: backfill})
	if errors.Is(err, engine.ErrRunInProgress) {
		return &exitError{code: 2, err: err}
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
