package postgres

import (
	"context"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/storage"
)

// TokenPriceStore implements storage.TokenPriceStore using PostgreSQL.
type TokenPriceStore struct {
	pool *Pool
}

// NewTokenPriceStore creates a new TokenPriceStore.
func NewTokenPriceStore(pool *Pool) *TokenPriceStore {
	return &TokenPriceStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenPriceStore = (*TokenPriceStore)(nil)

// UpsertBulk writes all prices in one statement (last write wins).
// ON CONFLICT DO UPDATE cannot touch a row twice, so token IDs must be unique.
func (s *TokenPriceStore) UpsertBulk(ctx context.Context, prices []*domain.TokenPrice) error {
	if len(prices) == 0 {
		return nil
	}

	n := len(prices)
	ids := make([]int64, 0, n)
	priceSol := make([]string, 0, n)
	priceUsd := make([]string, 0, n)
	mcap := make([]string, 0, n)
	lastTs := make([]int64, 0, n)
	seen := make(map[int64]struct{}, n)

	for _, p := range prices {
		if p == nil || p.TokenID == 0 {
			return storage.ErrInvalidInput
		}
		if _, dup := seen[p.TokenID]; dup {
			return storage.ErrDuplicateKey
		}
		seen[p.TokenID] = struct{}{}

		ids = append(ids, p.TokenID)
		priceSol = append(priceSol, p.PriceSol.String())
		priceUsd = append(priceUsd, p.PriceUsd.String())
		mcap = append(mcap, p.MarketCapUsd.String())
		lastTs = append(lastTs, p.LastTradeTimestamp)
	}

	query := `
		INSERT INTO token_prices (token_id, price_sol, price_usd, market_cap_usd, last_trade_timestamp, updated_at)
		SELECT u.token_id, u.price_sol::numeric, u.price_usd::numeric, u.market_cap_usd::numeric, u.ts, now()
		FROM unnest($1::bigint[], $2::text[], $3::text[], $4::text[], $5::bigint[])
			AS u(token_id, price_sol, price_usd, market_cap_usd, ts)
		ON CONFLICT (token_id) DO UPDATE SET
			price_sol            = EXCLUDED.price_sol,
			price_usd            = EXCLUDED.price_usd,
			market_cap_usd       = EXCLUDED.market_cap_usd,
			last_trade_timestamp = EXCLUDED.last_trade_timestamp,
			updated_at           = EXCLUDED.updated_at
	`

	if _, err := s.pool.Exec(ctx, query, ids, priceSol, priceUsd, mcap, lastTs); err != nil {
		return wrapError("upsert token prices", err)
	}
	return nil
}

// GetByTokenID retrieves the latest price. Returns ErrNotFound if not exists.
func (s *TokenPriceStore) GetByTokenID(ctx context.Context, tokenID int64) (*domain.TokenPrice, error) {
	query := `
		SELECT token_id, price_sol::text, price_usd::text, market_cap_usd::text, last_trade_timestamp
		FROM token_prices
		WHERE token_id = $1
	`

	var (
		p                        domain.TokenPrice
		priceSol, priceUsd, mcap string
	)
	err := s.pool.QueryRow(ctx, query, tokenID).Scan(&p.TokenID, &priceSol, &priceUsd, &mcap, &p.LastTradeTimestamp)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError("get token price", err)
	}

	if err := parseDecimals(
		decimalField{priceSol, &p.PriceSol},
		decimalField{priceUsd, &p.PriceUsd},
		decimalField{mcap, &p.MarketCapUsd},
	); err != nil {
		return nil, err
	}
	return &p, nil
}
