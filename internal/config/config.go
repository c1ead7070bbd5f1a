// Package config loads runtime settings from defaults, an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"pumpfeed/internal/normalization"
)

// Config holds all runtime settings.
type Config struct {
	DatabaseURL    string
	DBPoolSize     int32
	TradeRetention time.Duration

	BatchSize      int
	FlushInterval  time.Duration
	WorkerCount    int
	QueueMaxSize   int
	UnhealthyAfter int

	Metadata MetadataConfig
	Feed     FeedConfig
	Price    PriceConfig

	RedisURL      string
	ClickHouseDSN string
	AMQPURL       string
	AMQPExchange  string

	GraduationPolicy string
	AdminAddr        string
	LogLevel         string
	LogPretty        bool
}

// MetadataConfig configures the backfill service and its provider client.
type MetadataConfig struct {
	RetryBatchSize int
	RetryInterval  time.Duration
	MaxAttempts    int
	Concurrency    int
	MinSpacing     time.Duration
	MaxSpacing     time.Duration
	SpacingStep    time.Duration
	SeedInterval   time.Duration
	APIURL         string
	Gateways       []string
}

// FeedConfig configures the upstream feed connection.
type FeedConfig struct {
	URL            string
	Subjects       []string
	User           string
	Pass           string
	ReconnectDelay time.Duration
}

// PriceConfig configures the SOL/USD oracle.
type PriceConfig struct {
	URL      string
	TTL      time.Duration
	Fallback decimal.Decimal
}

var defaults = map[string]interface{}{
	"database_url":              "",
	"db_pool_size":              10,
	"trade_retention":           "0s",
	"batch_size":                100,
	"flush_interval":            "2s",
	"worker_count":              5,
	"queue_max_size":            200000,
	"unhealthy_after":           5,
	"metadata_retry_batch_size": 20,
	"metadata_retry_interval":   "10s",
	"metadata_max_attempts":     5,
	"metadata_concurrency":      4,
	"metadata_min_spacing":      "200ms",
	"metadata_max_spacing":      "10s",
	"metadata_spacing_step":     "500ms",
	"metadata_seed_interval":    "10m",
	"metadata_api_url":          "https://frontend-api-v3.pump.fun",
	"metadata_gateways":         "https://ipfs.io,https://cloudflare-ipfs.com,https://gateway.pinata.cloud",
	"feed_url":                  "wss://prod-v2.nats.realtime.pump.fun/",
	"feed_subjects":             "unifiedTradeEvent.processed",
	"feed_user":                 "",
	"feed_pass":                 "",
	"feed_reconnect_delay":      "5s",
	"price_url":                 "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd",
	"price_ttl":                 "1m",
	"price_fallback":            "150",
	"redis_url":                 "",
	"clickhouse_dsn":            "",
	"amqp_url":                  "",
	"amqp_exchange":             "pumpfeed.trades",
	"graduation_policy":         normalization.PolicyExplicitFirst,
	"admin_addr":                ":8080",
	"log_level":                 "info",
	"log_pretty":                false,
}

// Load builds a Config. path is an optional YAML file; when empty the
// CONFIG_FILE environment variable is consulted.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		key = strings.ToLower(key)
		if _, known := defaults[key]; !known {
			return "", nil
		}
		return key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg, err := build(k)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func build(k *koanf.Koanf) (*Config, error) {
	fallback, err := decimal.NewFromString(strings.TrimSpace(k.String("price_fallback")))
	if err != nil {
		return nil, fmt.Errorf("price_fallback: %w", err)
	}

	cfg := &Config{
		DatabaseURL:    k.String("database_url"),
		DBPoolSize:     int32(k.Int("db_pool_size")),
		TradeRetention: k.Duration("trade_retention"),
		BatchSize:      k.Int("batch_size"),
		FlushInterval:  k.Duration("flush_interval"),
		WorkerCount:    k.Int("worker_count"),
		QueueMaxSize:   k.Int("queue_max_size"),
		UnhealthyAfter: k.Int("unhealthy_after"),
		Metadata: MetadataConfig{
			RetryBatchSize: k.Int("metadata_retry_batch_size"),
			RetryInterval:  k.Duration("metadata_retry_interval"),
			MaxAttempts:    k.Int("metadata_max_attempts"),
			Concurrency:    k.Int("metadata_concurrency"),
			MinSpacing:     k.Duration("metadata_min_spacing"),
			MaxSpacing:     k.Duration("metadata_max_spacing"),
			SpacingStep:    k.Duration("metadata_spacing_step"),
			SeedInterval:   k.Duration("metadata_seed_interval"),
			APIURL:         k.String("metadata_api_url"),
			Gateways:       splitList(k.String("metadata_gateways")),
		},
		Feed: FeedConfig{
			URL:            k.String("feed_url"),
			Subjects:       splitList(k.String("feed_subjects")),
			User:           k.String("feed_user"),
			Pass:           k.String("feed_pass"),
			ReconnectDelay: k.Duration("feed_reconnect_delay"),
		},
		Price: PriceConfig{
			URL:      k.String("price_url"),
			TTL:      k.Duration("price_ttl"),
			Fallback: fallback,
		},
		RedisURL:         k.String("redis_url"),
		ClickHouseDSN:    k.String("clickhouse_dsn"),
		AMQPURL:          k.String("amqp_url"),
		AMQPExchange:     k.String("amqp_exchange"),
		GraduationPolicy: k.String("graduation_policy"),
		AdminAddr:        k.String("admin_addr"),
		LogLevel:         k.String("log_level"),
		LogPretty:        k.Bool("log_pretty"),
	}
	return cfg, nil
}

// Validate checks value ranges. DatabaseURL is checked by the binaries
// that need it.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDur := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	positive("db_pool_size", int(c.DBPoolSize))
	positive("batch_size", c.BatchSize)
	positive("worker_count", c.WorkerCount)
	positive("unhealthy_after", c.UnhealthyAfter)
	positive("metadata_retry_batch_size", c.Metadata.RetryBatchSize)
	positive("metadata_max_attempts", c.Metadata.MaxAttempts)
	positive("metadata_concurrency", c.Metadata.Concurrency)
	positiveDur("flush_interval", c.FlushInterval)
	positiveDur("metadata_retry_interval", c.Metadata.RetryInterval)
	positiveDur("metadata_seed_interval", c.Metadata.SeedInterval)
	positiveDur("feed_reconnect_delay", c.Feed.ReconnectDelay)
	positiveDur("price_ttl", c.Price.TTL)

	if c.QueueMaxSize < 0 {
		errs = append(errs, fmt.Errorf("queue_max_size must not be negative, got %d", c.QueueMaxSize))
	}
	if c.TradeRetention < 0 {
		errs = append(errs, fmt.Errorf("trade_retention must not be negative, got %s", c.TradeRetention))
	}
	if c.Metadata.MinSpacing < 0 || c.Metadata.MaxSpacing < c.Metadata.MinSpacing {
		errs = append(errs, fmt.Errorf("metadata spacing bounds invalid: min %s, max %s",
			c.Metadata.MinSpacing, c.Metadata.MaxSpacing))
	}
	if !c.Price.Fallback.IsPositive() {
		errs = append(errs, fmt.Errorf("price_fallback must be positive, got %s", c.Price.Fallback))
	}
	if c.Feed.URL == "" {
		errs = append(errs, errors.New("feed_url is required"))
	}
	if len(c.Feed.Subjects) == 0 {
		errs = append(errs, errors.New("feed_subjects is required"))
	}
	if _, err := normalization.ParsePolicy(c.GraduationPolicy); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
