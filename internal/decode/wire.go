package decode

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pumpfeed/internal/domain"
)

// looseDecimal accepts a JSON number, a numeric string, null or "".
// Unparsable values are treated as absent instead of failing the payload.
type looseDecimal struct {
	decimal.NullDecimal
}

func (d *looseDecimal) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	s = strings.Trim(s, `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	d.NullDecimal = decimal.NewNullDecimal(v)
	return nil
}

// looseBool accepts true/false, "true"/"false", 1/0 and null.
type looseBool struct {
	Set   bool
	Value bool
}

func (v *looseBool) UnmarshalJSON(b []byte) error {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(string(b)), `"`)) {
	case "true", "1", "yes":
		*v = looseBool{Set: true, Value: true}
	case "false", "0", "no":
		*v = looseBool{Set: true, Value: false}
	}
	return nil
}

// looseString accepts a JSON string or number.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return nil
		}
		*s = looseString(strings.TrimSpace(v))
		return nil
	}
	if b[0] == '{' || b[0] == '[' {
		return nil
	}
	*s = looseString(b)
	return nil
}

// wireCoin is the optional identity block. Field spellings vary between
// feed versions; every known alias has its own field.
type wireCoin struct {
	Name                   looseString `json:"name"`
	Symbol                 looseString `json:"symbol"`
	URI                    looseString `json:"uri"`
	MetadataURI            looseString `json:"metadataUri"`
	BondingCurve           looseString `json:"bondingCurve"`
	AssociatedBondingCurve looseString `json:"associatedBondingCurve"`
	Creator                looseString `json:"creator"`
	CreatedTs              looseString `json:"createdTs"`
	CreatedTimestamp       looseString `json:"createdTimestamp"`
}

// wirePayload is one trade event as sent on the feed. All fields are optional.
type wirePayload struct {
	Tx            looseString `json:"tx"`
	Signature     looseString `json:"signature"`
	TxSignature   looseString `json:"txSignature"`
	TransactionID looseString `json:"transactionId"`

	MintAddress  looseString `json:"mintAddress"`
	Mint         looseString `json:"mint"`
	TokenAddress looseString `json:"tokenAddress"`

	UserAddress looseString `json:"userAddress"`
	Trader      looseString `json:"trader"`
	User        looseString `json:"user"`
	Wallet      looseString `json:"wallet"`

	Type   looseString `json:"type"`
	Side   looseString `json:"side"`
	TxType looseString `json:"txType"`
	IsBuy  looseBool   `json:"isBuy"`

	Timestamp looseString `json:"timestamp"`
	BlockTime looseString `json:"blockTime"`

	Program        looseString `json:"program"`
	Venue          looseString `json:"venue"`
	IsBondingCurve looseBool   `json:"isBondingCurve"`

	AmountSol         looseDecimal `json:"amountSol"`
	SolAmount         looseDecimal `json:"solAmount"`
	QuoteAmount       looseDecimal `json:"quoteAmount"`
	BaseAmount        looseDecimal `json:"baseAmount"`
	TokenAmount       looseDecimal `json:"tokenAmount"`
	PriceSol          looseDecimal `json:"priceSol"`
	PriceInSol        looseDecimal `json:"priceInSol"`
	PriceUsd          looseDecimal `json:"priceUsd"`
	PriceUSD          looseDecimal `json:"priceUSD"`
	PriceQuotePerBase looseDecimal `json:"priceQuotePerBase"`
	AmountUsd         looseDecimal `json:"amountUsd"`
	UsdAmount         looseDecimal `json:"usdAmount"`
	MarketCap         looseDecimal `json:"marketCap"`
	MarketCapUsd      looseDecimal `json:"marketCapUsd"`
	UsdMarketCap      looseDecimal `json:"usdMarketCap"`

	CoinMeta *wireCoin `json:"coinMeta"`
	Coin     *wireCoin `json:"coin"`
}

// firstString returns the first non-empty value.
func firstString(vals ...looseString) string {
	for _, v := range vals {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

// firstDecimal returns the first present value.
func firstDecimal(vals ...looseDecimal) decimal.NullDecimal {
	for _, v := range vals {
		if v.Valid {
			return v.NullDecimal
		}
	}
	return decimal.NullDecimal{}
}

// resolve maps the wire aliases onto a DecodedTrade. Resolution order per field:
//
//	signature: tx, signature, txSignature, transactionId
//	mint:      mintAddress, mint, tokenAddress
//	trader:    userAddress, trader, user, wallet
//	side:      type, side, txType, then isBuy
//	timestamp: timestamp, blockTime (epoch seconds or ms are rendered as RFC 3339)
//	program:   program, venue
//	amounts:   amountSol|solAmount, quoteAmount, baseAmount|tokenAmount,
//	           priceSol|priceInSol, priceUsd|priceUSD, priceQuotePerBase,
//	           amountUsd|usdAmount, marketCap|marketCapUsd|usdMarketCap
//	identity:  coinMeta, coin
func (w *wirePayload) resolve() *domain.DecodedTrade {
	t := &domain.DecodedTrade{
		Signature: firstString(w.Tx, w.Signature, w.TxSignature, w.TransactionID),
		Mint:      firstString(w.MintAddress, w.Mint, w.TokenAddress),
		Trader:    firstString(w.UserAddress, w.Trader, w.User, w.Wallet),
		Timestamp: normalizeTimestamp(firstString(w.Timestamp, w.BlockTime)),
		Program:   strings.ToLower(firstString(w.Program, w.Venue)),

		AmountSol:         firstDecimal(w.AmountSol, w.SolAmount),
		QuoteAmount:       firstDecimal(w.QuoteAmount),
		BaseAmount:        firstDecimal(w.BaseAmount, w.TokenAmount),
		PriceSol:          firstDecimal(w.PriceSol, w.PriceInSol),
		PriceUsd:          firstDecimal(w.PriceUsd, w.PriceUSD),
		PriceQuotePerBase: firstDecimal(w.PriceQuotePerBase),
		AmountUsd:         firstDecimal(w.AmountUsd, w.UsdAmount),
		MarketCapUsd:      firstDecimal(w.MarketCap, w.MarketCapUsd, w.UsdMarketCap),
	}

	if side, ok := domain.ParseSide(firstString(w.Type, w.Side, w.TxType)); ok {
		t.Side = side
	} else if w.IsBuy.Set {
		t.Side = domain.SideSell
		if w.IsBuy.Value {
			t.Side = domain.SideBuy
		}
	}

	if w.IsBondingCurve.Set {
		v := w.IsBondingCurve.Value
		t.IsBondingCurve = &v
	}

	coin := w.CoinMeta
	if coin == nil {
		coin = w.Coin
	}
	if coin != nil {
		t.Coin = &domain.CoinIdentity{
			Name:                   string(coin.Name),
			Symbol:                 string(coin.Symbol),
			MetadataURI:            firstString(coin.URI, coin.MetadataURI),
			BondingCurve:           string(coin.BondingCurve),
			AssociatedBondingCurve: string(coin.AssociatedBondingCurve),
			Creator:                string(coin.Creator),
			CreatedTimestamp:       epochMillis(firstString(coin.CreatedTs, coin.CreatedTimestamp)),
		}
	}

	return t
}

// normalizeTimestamp keeps ISO strings and renders numeric epochs as RFC 3339.
func normalizeTimestamp(s string) string {
	if s == "" {
		return ""
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil && n > 0 {
		return time.UnixMilli(epochMillis(s)).UTC().Format(time.RFC3339Nano)
	}
	return s
}

// epochMillis parses a numeric epoch in seconds or milliseconds. Returns 0 otherwise.
func epochMillis(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n <= 0 {
		if t, perr := time.Parse(time.RFC3339Nano, s); perr == nil {
			return t.UnixMilli()
		}
		return 0
	}
	// Anything below 1e11 is seconds (year 5138 in ms).
	if n < 1e11 {
		return int64(n * 1000)
	}
	return int64(n)
}
