package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, int32(10), cfg.DBPoolSize)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.FlushInterval)
	assert.Equal(t, 5, cfg.WorkerCount)
	assert.Equal(t, 200000, cfg.QueueMaxSize)
	assert.Equal(t, time.Duration(0), cfg.TradeRetention)
	assert.Equal(t, 5, cfg.Metadata.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Metadata.RetryInterval)
	assert.Len(t, cfg.Metadata.Gateways, 3)
	assert.Equal(t, []string{"unifiedTradeEvent.processed"}, cfg.Feed.Subjects)
	assert.Equal(t, 5*time.Second, cfg.Feed.ReconnectDelay)
	assert.Equal(t, time.Minute, cfg.Price.TTL)
	assert.Equal(t, "150", cfg.Price.Fallback.String())
	assert.Equal(t, "explicit-first", cfg.GraduationPolicy)
	assert.False(t, cfg.LogPretty)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/pump")
	t.Setenv("BATCH_SIZE", "250")
	t.Setenv("FLUSH_INTERVAL", "500ms")
	t.Setenv("TRADE_RETENTION", "72h")
	t.Setenv("METADATA_GATEWAYS", "https://a.example, https://b.example")
	t.Setenv("PRICE_FALLBACK", "175.25")
	t.Setenv("GRADUATION_POLICY", "venue")
	t.Setenv("LOG_PRETTY", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/pump", cfg.DatabaseURL)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, 72*time.Hour, cfg.TradeRetention)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Metadata.Gateways)
	assert.Equal(t, "175.25", cfg.Price.Fallback.String())
	assert.Equal(t, "venue", cfg.GraduationPolicy)
	assert.True(t, cfg.LogPretty)
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_count: 9\nadmin_addr: \":9100\"\nbatch_size: 50\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BATCH_SIZE", "75")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.WorkerCount)
	assert.Equal(t, ":9100", cfg.AdminAddr)
	assert.Equal(t, 75, cfg.BatchSize, "env wins over file")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"zero workers", "WORKER_COUNT", "0"},
		{"negative queue", "QUEUE_MAX_SIZE", "-1"},
		{"unknown policy", "GRADUATION_POLICY", "vibes"},
		{"bad fallback", "PRICE_FALLBACK", "abc"},
		{"zero fallback", "PRICE_FALLBACK", "0"},
		{"inverted spacing", "METADATA_MAX_SPACING", "1ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b ,"))
}
