package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"pumpfeed/internal/admin"
	"pumpfeed/internal/config"
	"pumpfeed/internal/decode"
	"pumpfeed/internal/feed"
	"pumpfeed/internal/ingestion"
	"pumpfeed/internal/logging"
	"pumpfeed/internal/metadata"
	"pumpfeed/internal/normalization"
	"pumpfeed/internal/oracle"
	"pumpfeed/internal/persistence"
	"pumpfeed/internal/publish"
	"pumpfeed/internal/retention"
	chstore "pumpfeed/internal/storage/clickhouse"
	"pumpfeed/internal/storage/migrations"
	pgstore "pumpfeed/internal/storage/postgres"
)

const (
	drainTimeout    = 20 * time.Second
	identityTTL     = 6 * time.Hour
	identityEntries = 50_000
	backfillLockTTL = time.Minute
)

func main() {
	configPath := flag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	migrate := flag.Bool("migrate", false, "Apply embedded Postgres migrations before starting")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", "ingest").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// A second signal kills the process.
		stop()
	}()

	if err := run(ctx, cfg, *migrate, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("ingest failed")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, migrate bool, logger zerolog.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	pool, err := pgstore.NewPool(ctx, cfg.DatabaseURL, cfg.DBPoolSize)
	if err != nil {
		return err
	}
	defer pool.Close()

	if migrate {
		applied, err := migrations.RunPostgresMigrations(ctx, pool)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Strs("files", applied).Msg("migrations applied")
	}

	tokens := pgstore.NewTokenStore(pool)
	prices := pgstore.NewTokenPriceStore(pool)
	trades := pgstore.NewTradeStore(pool)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if rdb, err = connectRedis(ctx, cfg.RedisURL); err != nil {
			return err
		}
		defer rdb.Close()
	}

	// Price oracle
	oracleOpts := oracle.Options{
		Source:   oracle.NewHTTPSource(cfg.Price.URL, &http.Client{Timeout: 10 * time.Second}),
		TTL:      cfg.Price.TTL,
		Fallback: cfg.Price.Fallback,
		Logger:   logger,
	}
	if rdb != nil {
		oracleOpts.Shared = oracle.NewRedisCache(rdb)
	}
	priceOracle := oracle.New(oracleOpts)

	// Metadata backfill
	identities := metadata.NewIdentityCache(identityEntries, identityTTL)
	var persister *persistence.Persister
	backfill := newBackfill(cfg, tokens, rdb, identities, logger, func(mint string) {
		persister.MarkEnriched(mint)
	})

	// Trade sinks
	var sinks []persistence.TradeSink
	if cfg.ClickHouseDSN != "" {
		ch, err := chstore.NewConn(ctx, cfg.ClickHouseDSN)
		if err != nil {
			return err
		}
		defer ch.Close()
		sinks = append(sinks, chstore.NewTradeMirror(ch))
	}
	if cfg.AMQPURL != "" {
		pub := publish.New(publish.Options{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange, Logger: logger})
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	persister = persistence.New(persistence.Options{
		Tokens:   tokens,
		Prices:   prices,
		Trades:   trades,
		Backfill: backfill,
		Sinks:    sinks,
		Logger:   logger,
	})

	// Normalization and worker pool
	policy, err := normalization.ParsePolicy(cfg.GraduationPolicy)
	if err != nil {
		return err
	}
	normalizer := normalization.NewNormalizer(normalization.Options{
		Identities: identities,
		Policy:     policy,
		Logger:     logger,
	})

	queue := ingestion.NewQueue(cfg.QueueMaxSize, cfg.BatchSize, logger)
	workers := ingestion.NewPool(ingestion.PoolOptions{
		Queue:          queue,
		Normalizer:     normalizer,
		Prices:         priceOracle,
		Persister:      persister,
		Workers:        cfg.WorkerCount,
		BatchSize:      cfg.BatchSize,
		FlushInterval:  cfg.FlushInterval,
		UnhealthyAfter: cfg.UnhealthyAfter,
		Logger:         logger,
	})

	// Feed
	conn := feed.NewConnection(feed.Options{
		URL:            cfg.Feed.URL,
		Subjects:       cfg.Feed.Subjects,
		User:           cfg.Feed.User,
		Pass:           cfg.Feed.Pass,
		ReconnectDelay: cfg.Feed.ReconnectDelay,
		OnMessage:      ingestion.FrameHandler(decode.NewDecoder(logger), queue),
		Logger:         logger,
	})

	pruner := retention.NewPruner(retention.Options{
		Trades:    trades,
		Retention: cfg.TradeRetention,
		Logger:    logger,
	})

	server := admin.New(admin.Options{
		Addr:   cfg.AdminAddr,
		Checks: healthChecks(workers, conn, cfg.Feed.ReconnectDelay),
		Logger: logger,
	})

	logger.Info().
		Str("feed", cfg.Feed.URL).
		Int("workers", cfg.WorkerCount).
		Int("batch_size", cfg.BatchSize).
		Int("sinks", len(sinks)).
		Bool("redis", rdb != nil).
		Msg("starting ingestion")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.Run(gctx) })
	g.Go(func() error { return workers.Run(gctx) })
	g.Go(func() error { return backfill.Run(gctx) })
	g.Go(func() error { return pruner.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// The feed is closed once its Run returned; persist what is still queued.
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	queued := queue.Len()
	if drainErr := workers.Drain(drainCtx); drainErr != nil {
		logger.Warn().Err(drainErr).Int("queued", queue.Len()).Msg("drain incomplete")
	} else if queued > 0 {
		logger.Info().Int("trades", queued).Msg("queue drained")
	}

	return err
}

func newBackfill(cfg *config.Config, tokens *pgstore.TokenStore, rdb *redis.Client,
	cache *metadata.IdentityCache, logger zerolog.Logger, onResolved func(string)) *metadata.Service {

	opts := metadata.Options{
		Tokens: tokens,
		Jobs:   metadata.NewMemoryJobStore(),
		Provider: metadata.NewClient(metadata.ClientOptions{
			APIURL:   cfg.Metadata.APIURL,
			Gateways: cfg.Metadata.Gateways,
		}),
		Spacer:       metadata.NewSpacer(cfg.Metadata.MinSpacing, cfg.Metadata.MaxSpacing, cfg.Metadata.SpacingStep),
		Cache:        cache,
		BatchSize:    cfg.Metadata.RetryBatchSize,
		Interval:     cfg.Metadata.RetryInterval,
		MaxAttempts:  cfg.Metadata.MaxAttempts,
		Concurrency:  cfg.Metadata.Concurrency,
		SeedInterval: cfg.Metadata.SeedInterval,
		OnResolved:   onResolved,
		Logger:       logger,
	}
	if rdb != nil {
		opts.Jobs = metadata.NewRedisJobStore(rdb)
		opts.Lock = metadata.NewRedisLock(rdb, "metadata:tick-lock", backfillLockTTL)
	}
	return metadata.New(opts)
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func healthChecks(workers *ingestion.Pool, conn *feed.Connection, reconnectDelay time.Duration) map[string]admin.Check {
	return map[string]admin.Check{
		"workers": func() (bool, string) {
			failures := workers.ConsecutiveFailures()
			if !workers.Healthy() {
				return false, fmt.Sprintf("%d consecutive batch failures", failures)
			}
			return true, ""
		},
		"feed": func() (bool, string) {
			if conn.Connected() {
				return true, "connected"
			}
			down := conn.DisconnectedFor()
			if down > 2*reconnectDelay {
				return false, fmt.Sprintf("disconnected for %s", down.Round(time.Second))
			}
			return true, "reconnecting"
		},
	}
}
