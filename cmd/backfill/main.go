package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"pumpfeed/internal/config"
	"pumpfeed/internal/logging"
	"pumpfeed/internal/metadata"
	pgstore "pumpfeed/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	once := flag.Bool("once", false, "Seed the queue, run passes until it is empty or only retries remain, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", "backfill").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("backfill failed")
	}
}

func run(ctx context.Context, cfg *config.Config, once bool, logger zerolog.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	pool, err := pgstore.NewPool(ctx, cfg.DatabaseURL, cfg.DBPoolSize)
	if err != nil {
		return err
	}
	defer pool.Close()

	opts := metadata.Options{
		Tokens: pgstore.NewTokenStore(pool),
		Jobs:   metadata.NewMemoryJobStore(),
		Provider: metadata.NewClient(metadata.ClientOptions{
			APIURL:   cfg.Metadata.APIURL,
			Gateways: cfg.Metadata.Gateways,
		}),
		Spacer:       metadata.NewSpacer(cfg.Metadata.MinSpacing, cfg.Metadata.MaxSpacing, cfg.Metadata.SpacingStep),
		BatchSize:    cfg.Metadata.RetryBatchSize,
		Interval:     cfg.Metadata.RetryInterval,
		MaxAttempts:  cfg.Metadata.MaxAttempts,
		Concurrency:  cfg.Metadata.Concurrency,
		SeedInterval: cfg.Metadata.SeedInterval,
		Logger:       logger,
	}
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(ropts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		opts.Jobs = metadata.NewRedisJobStore(rdb)
		opts.Lock = metadata.NewRedisLock(rdb, "metadata:tick-lock", time.Minute)
	}
	svc := metadata.New(opts)

	if !once {
		return svc.Run(ctx)
	}

	seeded, err := svc.Seed(ctx)
	if err != nil {
		return err
	}
	logger.Info().Int("mints", seeded).Msg("seeded backfill queue")

	var total metadata.TickStats
	for {
		stats, err := svc.RunOnce(ctx)
		if err != nil {
			return err
		}
		total.Claimed += stats.Claimed
		total.Resolved += stats.Resolved
		total.Retried += stats.Retried
		total.Exhausted += stats.Exhausted

		if stats.Claimed == 0 || stats.Retried == stats.Claimed {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.Spacer.Delay()):
		}
	}

	logger.Info().
		Int("claimed", total.Claimed).
		Int("resolved", total.Resolved).
		Int("retried", total.Retried).
		Int("exhausted", total.Exhausted).
		Msg("backfill pass complete")
	return nil
}
