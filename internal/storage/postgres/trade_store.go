package postgres

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/storage"
)

// TradeStore implements storage.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *Pool
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

// InsertIgnoreBulk inserts all trades in one statement. Existing signatures are skipped.
func (s *TradeStore) InsertIgnoreBulk(ctx context.Context, trades []*domain.TradeRecord) (int64, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	n := len(trades)
	tokenIDs := make([]int64, 0, n)
	sigs := make([]string, 0, n)
	users := make([]string, 0, n)
	isBuy := make([]bool, 0, n)
	amountSol := make([]string, 0, n)
	amountUsd := make([]string, 0, n)
	base := make([]string, 0, n)
	priceSol := make([]string, 0, n)
	priceUsd := make([]string, 0, n)
	ts := make([]int64, 0, n)

	for _, t := range trades {
		if t == nil || t.Signature == "" || t.TokenID == 0 {
			return 0, storage.ErrInvalidInput
		}
		tokenIDs = append(tokenIDs, t.TokenID)
		sigs = append(sigs, t.Signature)
		users = append(users, t.Trader)
		isBuy = append(isBuy, t.IsBuy)
		amountSol = append(amountSol, t.AmountSol.String())
		amountUsd = append(amountUsd, t.AmountUsd.String())
		base = append(base, t.BaseAmount.String())
		priceSol = append(priceSol, t.PriceSol.String())
		priceUsd = append(priceUsd, t.PriceUsd.String())
		ts = append(ts, t.TimestampMs)
	}

	query := `
		INSERT INTO trades (
			token_id, tx_signature, user_address, is_buy,
			amount_sol, amount_usd, base_amount, price_sol, price_usd, timestamp_ms
		)
		SELECT u.token_id, u.sig, u.usr, u.is_buy,
			u.amount_sol::numeric, u.amount_usd::numeric, u.base::numeric,
			u.price_sol::numeric, u.price_usd::numeric, u.ts
		FROM unnest(
			$1::bigint[], $2::text[], $3::text[], $4::boolean[],
			$5::text[], $6::text[], $7::text[], $8::text[], $9::text[], $10::bigint[]
		) AS u(token_id, sig, usr, is_buy, amount_sol, amount_usd, base, price_sol, price_usd, ts)
		ON CONFLICT (tx_signature) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		tokenIDs, sigs, users, isBuy,
		amountSol, amountUsd, base, priceSol, priceUsd, ts,
	)
	if err != nil {
		return 0, wrapError("insert trades", err)
	}
	return tag.RowsAffected(), nil
}

// GetBySignature retrieves a trade. Returns ErrNotFound if not exists.
func (s *TradeStore) GetBySignature(ctx context.Context, signature string) (*domain.TradeRecord, error) {
	query := `
		SELECT token_id, tx_signature, user_address, is_buy,
			amount_sol::text, amount_usd::text, base_amount::text,
			price_sol::text, price_usd::text, timestamp_ms
		FROM trades
		WHERE tx_signature = $1
	`

	var t domain.TradeRecord
	var amountSol, amountUsd, base, priceSol, priceUsd string
	err := s.pool.QueryRow(ctx, query, signature).Scan(
		&t.TokenID, &t.Signature, &t.Trader, &t.IsBuy,
		&amountSol, &amountUsd, &base, &priceSol, &priceUsd, &t.TimestampMs,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError("get trade by signature", err)
	}

	if err := parseDecimals(
		decimalField{amountSol, &t.AmountSol},
		decimalField{amountUsd, &t.AmountUsd},
		decimalField{base, &t.BaseAmount},
		decimalField{priceSol, &t.PriceSol},
		decimalField{priceUsd, &t.PriceUsd},
	); err != nil {
		return nil, err
	}
	return &t, nil
}

// CountByToken returns the number of trades stored for a token.
func (s *TradeStore) CountByToken(ctx context.Context, tokenID int64) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM trades WHERE token_id = $1`, tokenID).Scan(&n); err != nil {
		return 0, wrapError("count trades", err)
	}
	return n, nil
}

// DeleteBefore removes up to limit trades older than cutoffMs, oldest first.
func (s *TradeStore) DeleteBefore(ctx context.Context, cutoffMs int64, limit int) (int64, error) {
	query := `
		DELETE FROM trades
		WHERE id IN (
			SELECT id FROM trades
			WHERE timestamp_ms < $1
			ORDER BY timestamp_ms
			LIMIT $2
		)
	`

	tag, err := s.pool.Exec(ctx, query, cutoffMs, limit)
	if err != nil {
		return 0, wrapError("delete old trades", err)
	}
	return tag.RowsAffected(), nil
}

type decimalField struct {
	raw string
	dst *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
