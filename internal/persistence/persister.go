// Package persistence writes prepared trade batches to storage.
package persistence

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/observability"
	"pumpfeed/internal/storage"
)

// Options contains configuration for creating a Persister.
type Options struct {
	Tokens storage.TokenStore
	Prices storage.TokenPriceStore
	Trades storage.TradeStore

	// Backfill receives new or incomplete mints. Optional.
	Backfill BackfillQueue
	// Sinks get every persisted batch. Optional.
	Sinks []TradeSink

	CacheSize int
	Logger    zerolog.Logger
}

// Persister resolves token rows, upserts latest prices and inserts trades.
// Replaying a batch is safe: tokens and trades are insert-or-ignore and
// prices are last-write-wins.
type Persister struct {
	tokens storage.TokenStore
	prices storage.TokenPriceStore
	trades storage.TradeStore

	backfill BackfillQueue
	sinks    []TradeSink
	cache    *refCache
	log      zerolog.Logger
}

// Result summarizes one Persist call.
type Result struct {
	TokensCreated  int
	TradesInserted int64
	Backfill       int
}

// New creates a Persister.
func New(opts Options) *Persister {
	return &Persister{
		tokens:   opts.Tokens,
		prices:   opts.Prices,
		trades:   opts.Trades,
		backfill: opts.Backfill,
		sinks:    opts.Sinks,
		cache:    newRefCache(opts.CacheSize),
		log:      opts.Logger.With().Str("component", "persister").Logger(),
	}
}

// Persist writes one batch. Any returned error means nothing can be assumed
// about the batch and the caller should retry it whole.
func (p *Persister) Persist(ctx context.Context, trades []*domain.PreparedTrade) error {
	_, err := p.PersistBatch(ctx, trades)
	return err
}

// PersistBatch is Persist with a summary of what was written.
func (p *Persister) PersistBatch(ctx context.Context, trades []*domain.PreparedTrade) (Result, error) {
	var res Result
	if len(trades) == 0 {
		return res, nil
	}

	latest := latestPerMint(trades)
	mints := make([]string, 0, len(latest))
	for m := range latest {
		mints = append(mints, m)
	}
	sort.Strings(mints)

	refs, created, err := p.resolve(ctx, mints, latest)
	if err != nil {
		return res, err
	}
	res.TokensCreated = len(created)

	prices := make([]*domain.TokenPrice, 0, len(mints))
	for _, m := range mints {
		t := latest[m]
		prices = append(prices, &domain.TokenPrice{
			TokenID:            refs[m].ID,
			PriceSol:           t.PriceSol,
			PriceUsd:           t.PriceUsd,
			MarketCapUsd:       t.MarketCapUsd,
			LastTradeTimestamp: t.TimestampMs,
		})
	}

	records := make([]*domain.TradeRecord, 0, len(trades))
	seen := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		if _, dup := seen[t.Signature]; dup {
			continue
		}
		seen[t.Signature] = struct{}{}
		records = append(records, domain.NewTradeRecord(refs[t.Mint].ID, t))
	}

	inserted, err := p.write(ctx, prices, records)
	if err != nil {
		return res, err
	}
	res.TradesInserted = inserted

	p.markCompleted(ctx, mints, latest, refs, created)
	res.Backfill = p.enqueueBackfill(mints, latest, refs, created)

	observability.RecordPersisted(res.TokensCreated, res.TradesInserted)
	p.fanOut(ctx, trades)
	return res, nil
}

// MarkEnriched records that backfill finished for a mint, so it is no
// longer handed to the backfill queue.
func (p *Persister) MarkEnriched(mint string) {
	p.cache.markEnriched(mint)
}

// CachedMints returns the number of mints in the id cache.
func (p *Persister) CachedMints() int {
	return p.cache.len()
}

// resolve returns refs for every mint, creating missing token rows first.
// Only mints absent from the cache reach storage.
func (p *Persister) resolve(ctx context.Context, mints []string, latest map[string]*domain.PreparedTrade) (map[string]storage.TokenRef, map[string]struct{}, error) {
	refs, miss := p.cache.split(mints)
	created := make(map[string]struct{})
	if len(miss) == 0 {
		return refs, created, nil
	}

	rows := make([]*domain.Token, 0, len(miss))
	for _, m := range miss {
		rows = append(rows, newToken(latest[m]))
	}

	createdMints, err := p.tokens.InsertIgnore(ctx, rows)
	if err != nil {
		return nil, nil, fmt.Errorf("insert tokens: %w", err)
	}
	for _, m := range createdMints {
		created[m] = struct{}{}
	}

	found, err := p.tokens.ResolveRefs(ctx, miss)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve tokens: %w", err)
	}
	for _, m := range miss {
		if _, ok := found[m]; !ok {
			return nil, nil, fmt.Errorf("resolve tokens: mint %s has no row after insert", m)
		}
	}
	p.cache.put(found)
	for m, ref := range found {
		refs[m] = ref
	}
	return refs, created, nil
}

// write runs the price upsert and the trade insert concurrently. A failed
// statement is retried once on its own before the batch is given up.
func (p *Persister) write(ctx context.Context, prices []*domain.TokenPrice, records []*domain.TradeRecord) (int64, error) {
	var (
		inserted int64
		priceErr error
		tradeErr error
		g        errgroup.Group
	)
	g.Go(func() error {
		priceErr = p.prices.UpsertBulk(ctx, prices)
		return nil
	})
	g.Go(func() error {
		inserted, tradeErr = p.trades.InsertIgnoreBulk(ctx, records)
		return nil
	})
	_ = g.Wait()

	if priceErr != nil {
		p.log.Warn().Err(priceErr).Int("prices", len(prices)).Msg("price upsert failed, retrying sequentially")
		if priceErr = p.prices.UpsertBulk(ctx, prices); priceErr != nil {
			return 0, fmt.Errorf("upsert prices: %w", priceErr)
		}
	}
	if tradeErr != nil {
		p.log.Warn().Err(tradeErr).Int("trades", len(records)).Msg("trade insert failed, retrying sequentially")
		if inserted, tradeErr = p.trades.InsertIgnoreBulk(ctx, records); tradeErr != nil {
			return 0, fmt.Errorf("insert trades: %w", tradeErr)
		}
	}
	return inserted, nil
}

// markCompleted flips completed on existing rows for authoritative flags.
// New rows already carry their initial value. Failures are retried on the
// next trade for the mint.
func (p *Persister) markCompleted(ctx context.Context, mints []string, latest map[string]*domain.PreparedTrade, refs map[string]storage.TokenRef, created map[string]struct{}) {
	var ids []int64
	for _, m := range mints {
		g := latest[m].Graduation
		if !g.Authoritative || g.Completed == nil || !*g.Completed {
			continue
		}
		if _, isNew := created[m]; isNew {
			continue
		}
		ids = append(ids, refs[m].ID)
	}
	ids = p.cache.uncompleted(ids)
	if len(ids) == 0 {
		return
	}
	if err := p.tokens.MarkCompleted(ctx, ids); err != nil {
		p.log.Warn().Err(err).Int("tokens", len(ids)).Msg("mark completed failed")
		return
	}
	p.cache.markCompleted(ids)
}

func (p *Persister) enqueueBackfill(mints []string, latest map[string]*domain.PreparedTrade, refs map[string]storage.TokenRef, created map[string]struct{}) int {
	if p.backfill == nil {
		return 0
	}
	var pending []string
	for _, m := range mints {
		_, isNew := created[m]
		if isNew && !latest[m].Identity.HasMedia() {
			pending = append(pending, m)
			continue
		}
		if !isNew && !refs[m].HasMedia {
			pending = append(pending, m)
		}
	}
	if len(pending) > 0 {
		p.backfill.Enqueue(pending...)
	}
	return len(pending)
}

func (p *Persister) fanOut(ctx context.Context, trades []*domain.PreparedTrade) {
	for _, s := range p.sinks {
		if err := s.WriteTrades(ctx, trades); err != nil {
			observability.RecordSinkError(s.Name())
			p.log.Warn().Err(err).Str("sink", s.Name()).Int("trades", len(trades)).Msg("trade sink failed")
		}
	}
}

// latestPerMint keeps the newest trade per mint. Later batch positions win ties.
func latestPerMint(trades []*domain.PreparedTrade) map[string]*domain.PreparedTrade {
	latest := make(map[string]*domain.PreparedTrade, len(trades))
	for _, t := range trades {
		if cur, ok := latest[t.Mint]; ok && cur.TimestampMs > t.TimestampMs {
			continue
		}
		latest[t.Mint] = t
	}
	return latest
}

func newToken(t *domain.PreparedTrade) *domain.Token {
	identity := t.Identity
	if identity.Symbol == "" {
		identity.Symbol = t.Symbol
	}
	if identity.Name == "" {
		identity.Name = t.Name
	}
	token := &domain.Token{Mint: t.Mint, Identity: identity}
	if t.Graduation.Completed != nil {
		token.Completed = *t.Graduation.Completed
	}
	return token
}
