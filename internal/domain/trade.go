package domain

import "github.com/shopspring/decimal"

// CoinIdentity is the optional identity block embedded in a trade event.
type CoinIdentity struct {
	Name                   string
	Symbol                 string
	MetadataURI            string
	BondingCurve           string
	AssociatedBondingCurve string
	Creator                string
	CreatedTimestamp       int64 // ms, 0 when absent
}

// DecodedTrade is a single trade event decoded from a feed frame.
// Numeric fields keep whatever precision the feed sent; Valid=false means absent.
type DecodedTrade struct {
	Signature      string // transaction signature (natural key)
	Mint           string // token mint address
	Trader         string // trader wallet address
	Side           Side
	Timestamp      string // ISO-8601 as received
	Program        string // venue tag, e.g. "pump" or "pump_amm"
	IsBondingCurve *bool  // nil when the event does not say

	AmountSol         decimal.NullDecimal
	QuoteAmount       decimal.NullDecimal
	BaseAmount        decimal.NullDecimal // human-readable token units
	PriceSol          decimal.NullDecimal
	PriceUsd          decimal.NullDecimal
	PriceQuotePerBase decimal.NullDecimal
	AmountUsd         decimal.NullDecimal
	MarketCapUsd      decimal.NullDecimal

	Coin *CoinIdentity // nil when the event carries no identity block
}

// PreparedTrade is a fully priced, unit-normalized trade ready for persistence.
type PreparedTrade struct {
	Signature string
	Mint      string
	Trader    string
	IsBuy     bool
	Program   string

	AmountSol     decimal.Decimal
	AmountUsd     decimal.Decimal
	BaseAmountRaw decimal.Decimal // token amount in raw (decimals-scaled) units
	PriceSol      decimal.Decimal
	PriceUsd      decimal.Decimal
	MarketCapUsd  decimal.Decimal
	TimestampMs   int64

	Symbol   string
	Name     string
	Identity TokenIdentity

	Graduation Graduation
}

// Graduation is the resolved bonding-curve status of a token at trade time.
type Graduation struct {
	Completed     *bool  // nil when no signal was available
	Source        string // name of the signal that decided
	Authoritative bool   // true only for an explicit "complete" flag from identity data
}

// TradeRecord is a persisted trade. Signature is unique.
type TradeRecord struct {
	TokenID     int64
	Signature   string
	Trader      string
	IsBuy       bool
	AmountSol   decimal.Decimal
	AmountUsd   decimal.Decimal
	BaseAmount  decimal.Decimal // raw units
	PriceSol    decimal.Decimal
	PriceUsd    decimal.Decimal
	TimestampMs int64
}

// NewTradeRecord builds the persisted row for a prepared trade.
func NewTradeRecord(tokenID int64, t *PreparedTrade) *TradeRecord {
	return &TradeRecord{
		TokenID:     tokenID,
		Signature:   t.Signature,
		Trader:      t.Trader,
		IsBuy:       t.IsBuy,
		AmountSol:   t.AmountSol,
		AmountUsd:   t.AmountUsd,
		BaseAmount:  t.BaseAmountRaw,
		PriceSol:    t.PriceSol,
		PriceUsd:    t.PriceUsd,
		TimestampMs: t.TimestampMs,
	}
}
