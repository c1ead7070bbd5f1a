package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pumpfeed/internal/config"
	"pumpfeed/internal/logging"
	"pumpfeed/internal/storage/migrations"
	pgstore "pumpfeed/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	skipClickHouse := flag.Bool("skip-clickhouse", false, "Do not migrate ClickHouse even if CLICKHOUSE_DSN is set")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", "migrate").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL is required")
	}

	pool, err := pgstore.NewPool(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	applied, err := migrations.RunPostgresMigrations(ctx, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres migrations failed")
	}
	logger.Info().Strs("files", applied).Msg("postgres migrations applied")

	if cfg.ClickHouseDSN == "" || *skipClickHouse {
		return
	}
	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("clickhouse migrations failed")
	}
	defer conn.Close()
	logger.Info().Msg("clickhouse migrations applied")
}
