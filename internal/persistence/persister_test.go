package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/storage"
	"pumpfeed/internal/storage/memory"
)

const (
	mintA = "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R"
	mintB = "So11111111111111111111111111111111111111112"
)

type stores struct {
	tokens *countingTokens
	prices *flakyPrices
	trades *flakyTrades
}

// countingTokens counts ResolveRefs calls.
type countingTokens struct {
	*memory.TokenStore
	mu       sync.Mutex
	resolves int
}

func (c *countingTokens) ResolveRefs(ctx context.Context, mints []string) (map[string]storage.TokenRef, error) {
	c.mu.Lock()
	c.resolves++
	c.mu.Unlock()
	return c.TokenStore.ResolveRefs(ctx, mints)
}

type flakyPrices struct {
	*memory.TokenPriceStore
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyPrices) UpsertBulk(ctx context.Context, prices []*domain.TokenPrice) error {
	f.mu.Lock()
	f.calls++
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return storage.ErrTransient
	}
	return f.TokenPriceStore.UpsertBulk(ctx, prices)
}

type flakyTrades struct {
	*memory.TradeStore
	mu    sync.Mutex
	fails int
}

func (f *flakyTrades) InsertIgnoreBulk(ctx context.Context, trades []*domain.TradeRecord) (int64, error) {
	f.mu.Lock()
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return 0, storage.ErrTransient
	}
	return f.TradeStore.InsertIgnoreBulk(ctx, trades)
}

type recordingBackfill struct {
	mints []string
}

func (r *recordingBackfill) Enqueue(mints ...string) { r.mints = append(r.mints, mints...) }

type recordingSink struct {
	err    error
	trades int
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) WriteTrades(ctx context.Context, trades []*domain.PreparedTrade) error {
	s.trades += len(trades)
	return s.err
}

func newStores() stores {
	return stores{
		tokens: &countingTokens{TokenStore: memory.NewTokenStore()},
		prices: &flakyPrices{TokenPriceStore: memory.NewTokenPriceStore()},
		trades: &flakyTrades{TradeStore: memory.NewTradeStore()},
	}
}

func newPersister(s stores, backfill BackfillQueue, sinks ...TradeSink) *Persister {
	return New(Options{
		Tokens:   s.tokens,
		Prices:   s.prices,
		Trades:   s.trades,
		Backfill: backfill,
		Sinks:    sinks,
		Logger:   zerolog.Nop(),
	})
}

func prepared(sig, mint string, ts int64, priceSol string) *domain.PreparedTrade {
	p := decimal.RequireFromString(priceSol)
	return &domain.PreparedTrade{
		Signature:     sig,
		Mint:          mint,
		IsBuy:         true,
		AmountSol:     decimal.NewFromInt(1),
		AmountUsd:     decimal.NewFromInt(160),
		BaseAmountRaw: decimal.NewFromInt(1_000_000),
		PriceSol:      p,
		PriceUsd:      p.Mul(decimal.NewFromInt(160)),
		MarketCapUsd:  p.Mul(decimal.NewFromInt(160_000_000_000)),
		TimestampMs:   ts,
		Symbol:        "TST",
		Name:          "Test",
		Identity:      domain.TokenIdentity{Symbol: "TST", Name: "Test"},
	}
}

func TestPersist_CreatesTokensPricesAndTrades(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	p := newPersister(s, nil)

	res, err := p.PersistBatch(ctx, []*domain.PreparedTrade{
		prepared("s1", mintA, 1000, "0.001"),
		prepared("s2", mintA, 3000, "0.003"),
		prepared("s3", mintA, 2000, "0.002"),
		prepared("s4", mintB, 1000, "0.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TokensCreated)
	assert.Equal(t, int64(4), res.TradesInserted)

	tokenA, err := s.tokens.GetByMint(ctx, mintA)
	require.NoError(t, err)
	assert.Equal(t, "TST", tokenA.Identity.Symbol)

	price, err := s.prices.GetByTokenID(ctx, tokenA.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.003", price.PriceSol.String())
	assert.Equal(t, int64(3000), price.LastTradeTimestamp)

	n, err := s.trades.CountByToken(ctx, tokenA.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestPersist_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	batch := []*domain.PreparedTrade{
		prepared("s1", mintA, 1000, "0.001"),
		prepared("s1", mintA, 1000, "0.001"),
		prepared("s2", mintB, 1000, "0.002"),
	}

	_, err := newPersister(s, nil).PersistBatch(ctx, batch)
	require.NoError(t, err)

	// A fresh persister has an empty cache, as after a restart.
	res, err := newPersister(s, nil).PersistBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.TokensCreated)
	assert.Equal(t, int64(0), res.TradesInserted)
	assert.Equal(t, 2, s.trades.Len())
	assert.Equal(t, 2, s.tokens.Len())
}

func TestPersist_CachedMintsSkipLookup(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	p := newPersister(s, nil)

	require.NoError(t, p.Persist(ctx, []*domain.PreparedTrade{prepared("s1", mintA, 1, "0.1")}))
	require.NoError(t, p.Persist(ctx, []*domain.PreparedTrade{prepared("s2", mintA, 2, "0.2")}))

	assert.Equal(t, 1, s.tokens.resolves)
	assert.Equal(t, 1, p.CachedMints())
}

func TestPersist_PartialFailureRetriedSequentially(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	s.prices.fails = 1
	p := newPersister(s, nil)

	res, err := p.PersistBatch(ctx, []*domain.PreparedTrade{prepared("s1", mintA, 1, "0.1")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TradesInserted)
	assert.Equal(t, 2, s.prices.calls)

	token, err := s.tokens.GetByMint(ctx, mintA)
	require.NoError(t, err)
	_, err = s.prices.GetByTokenID(ctx, token.ID)
	assert.NoError(t, err)
}

func TestPersist_PersistentFailureReturnsError(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	s.trades.fails = 2
	sink := &recordingSink{}
	p := newPersister(s, nil, sink)

	err := p.Persist(ctx, []*domain.PreparedTrade{prepared("s1", mintA, 1, "0.1")})
	require.Error(t, err)
	assert.True(t, storage.IsTransient(err))
	assert.Equal(t, 0, sink.trades)

	// Retrying the same batch afterwards succeeds and stays idempotent.
	require.NoError(t, p.Persist(ctx, []*domain.PreparedTrade{prepared("s1", mintA, 1, "0.1")}))
	assert.Equal(t, 1, s.trades.Len())
}

func TestPersist_AuthoritativeGraduationMarksExisting(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	p := newPersister(s, nil)

	require.NoError(t, p.Persist(ctx, []*domain.PreparedTrade{prepared("s1", mintA, 1, "0.1")}))

	heuristic := prepared("s2", mintA, 2, "0.1")
	yes := true
	heuristic.Graduation = domain.Graduation{Completed: &yes, Source: "venue"}
	require.NoError(t, p.Persist(ctx, []*domain.PreparedTrade{heuristic}))

	token, err := s.tokens.GetByMint(ctx, mintA)
	require.NoError(t, err)
	assert.False(t, token.Completed)

	explicit := prepared("s3", mintA, 3, "0.1")
	explicit.Graduation = domain.Graduation{Completed: &yes, Source: "explicit", Authoritative: true}
	require.NoError(t, p.Persist(ctx, []*domain.PreparedTrade{explicit}))

	token, err = s.tokens.GetByMint(ctx, mintA)
	require.NoError(t, err)
	assert.True(t, token.Completed)
}

func TestPersist_NewTokenTakesInitialCompleted(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	p := newPersister(s, nil)

	tr := prepared("s1", mintA, 1, "0.1")
	yes := true
	tr.Graduation = domain.Graduation{Completed: &yes, Source: "venue"}
	require.NoError(t, p.Persist(ctx, []*domain.PreparedTrade{tr}))

	token, err := s.tokens.GetByMint(ctx, mintA)
	require.NoError(t, err)
	assert.True(t, token.Completed)
}

func TestPersist_EnqueuesBackfill(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	bf := &recordingBackfill{}
	p := newPersister(s, bf)

	withMedia := prepared("s1", mintB, 1, "0.1")
	withMedia.Identity.ImageURI = "https://img"
	withMedia.Identity.MetadataURI = "https://meta"

	require.NoError(t, p.Persist(ctx, []*domain.PreparedTrade{prepared("s0", mintA, 1, "0.1"), withMedia}))
	assert.Equal(t, []string{mintA}, bf.mints)

	// Still incomplete on the next batch.
	require.NoError(t, p.Persist(ctx, []*domain.PreparedTrade{prepared("s2", mintA, 2, "0.1")}))
	assert.Equal(t, []string{mintA, mintA}, bf.mints)

	p.MarkEnriched(mintA)
	require.NoError(t, p.Persist(ctx, []*domain.PreparedTrade{prepared("s3", mintA, 3, "0.1")}))
	assert.Len(t, bf.mints, 2)
}

func TestPersist_SinkErrorsAreNotFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	p := newPersister(newStores(), nil, sink)

	err := p.Persist(context.Background(), []*domain.PreparedTrade{prepared("s1", mintA, 1, "0.1")})
	require.NoError(t, err)
	assert.Equal(t, 1, sink.trades)
}

func TestLatestPerMint(t *testing.T) {
	got := latestPerMint([]*domain.PreparedTrade{
		prepared("a", mintA, 5, "1"),
		prepared("b", mintA, 5, "2"),
		prepared("c", mintA, 4, "3"),
	})
	assert.Equal(t, "b", got[mintA].Signature)
}
