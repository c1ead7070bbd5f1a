package clickhouse

import (
	"context"
	"fmt"

	"pumpfeed/internal/domain"
)

// TradeMirror appends persisted trades to the ClickHouse trades table.
// The table is a ReplacingMergeTree keyed on the signature, so redelivered
// trades collapse on merge.
type TradeMirror struct {
	conn *Conn
}

// NewTradeMirror creates a new TradeMirror.
func NewTradeMirror(conn *Conn) *TradeMirror {
	return &TradeMirror{conn: conn}
}

// Name identifies the sink in logs and metrics.
func (m *TradeMirror) Name() string { return "clickhouse" }

// WriteTrades sends the batch in a single native insert.
func (m *TradeMirror) WriteTrades(ctx context.Context, trades []*domain.PreparedTrade) error {
	if len(trades) == 0 {
		return nil
	}

	batch, err := m.conn.PrepareBatch(ctx, `
		INSERT INTO trades (
			tx_signature, mint, user_address, is_buy, program,
			amount_sol, amount_usd, base_amount, price_sol, price_usd, timestamp_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, t := range trades {
		var isBuy uint8
		if t.IsBuy {
			isBuy = 1
		}
		err = batch.Append(
			t.Signature, t.Mint, t.Trader, isBuy, t.Program,
			t.AmountSol, t.AmountUsd, t.BaseAmountRaw, t.PriceSol, t.PriceUsd, t.TimestampMs,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// CountByMint returns the number of mirrored rows for a mint, after merge-time deduplication.
func (m *TradeMirror) CountByMint(ctx context.Context, mint string) (uint64, error) {
	var n uint64
	row := m.conn.QueryRow(ctx, `SELECT count() FROM trades FINAL WHERE mint = ?`, mint)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return n, nil
}
