package clickhouse_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/storage/clickhouse"
)

func mirroredTrade(sig, mint string, isBuy bool) *domain.PreparedTrade {
	return &domain.PreparedTrade{
		Signature:     sig,
		Mint:          mint,
		Trader:        "Trader1111111111111111111111111111111111111",
		IsBuy:         isBuy,
		Program:       "pump",
		AmountSol:     decimal.RequireFromString("1.5"),
		AmountUsd:     decimal.RequireFromString("225"),
		BaseAmountRaw: decimal.RequireFromString("1000000000000"),
		PriceSol:      decimal.RequireFromString("0.0000015"),
		PriceUsd:      decimal.RequireFromString("0.000225"),
		TimestampMs:   1700000000000,
	}
}

func TestTradeMirror_WriteAndCount(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	mirror := clickhouse.NewTradeMirror(conn)
	assert.Equal(t, "clickhouse", mirror.Name())

	err := mirror.WriteTrades(ctx, []*domain.PreparedTrade{
		mirroredTrade("sig-1", "MintA", true),
		mirroredTrade("sig-2", "MintA", false),
		mirroredTrade("sig-3", "MintB", true),
	})
	require.NoError(t, err)

	n, err := mirror.CountByMint(ctx, "MintA")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestTradeMirror_RedeliveryCollapses(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	mirror := clickhouse.NewTradeMirror(conn)

	batch := []*domain.PreparedTrade{mirroredTrade("sig-1", "MintA", true)}
	require.NoError(t, mirror.WriteTrades(ctx, batch))
	require.NoError(t, mirror.WriteTrades(ctx, batch))

	n, err := mirror.CountByMint(ctx, "MintA")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestTradeMirror_EmptyBatch(t *testing.T) {
	mirror := clickhouse.NewTradeMirror(nil)
	assert.NoError(t, mirror.WriteTrades(context.Background(), nil))
}
