// Package normalization prices and unit-normalizes decoded trades.
package normalization

import (
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/observability"
)

// Token constants of the bonding-curve launchpad.
const (
	TokenDecimals     = 6
	TotalSupplyTokens = 1_000_000_000
	maxSymbolLen      = 10
	mintSymbolLen     = 6
	divisionPrecision = 18
)

var (
	decimalsFactor = decimal.New(1, TokenDecimals)
	totalSupply    = decimal.NewFromInt(TotalSupplyTokens)
)

// Rejection reasons.
const (
	RejectNonPositiveSol  = "non_positive_sol"
	RejectNonPositiveBase = "non_positive_base"
)

// IdentityLookup returns previously resolved identity data for a mint.
type IdentityLookup interface {
	Lookup(mint string) (domain.TokenIdentity, bool)
}

// Options configures a Normalizer.
type Options struct {
	// Identities is consulted first in the identity fallback chain. Optional.
	Identities IdentityLookup
	// Policy resolves the graduation status. Defaults to explicit-first.
	Policy GraduationPolicy
	// Now supplies the timestamp for events without a parsable one.
	Now    func() time.Time
	Logger zerolog.Logger
}

// Normalizer turns DecodedTrades into PreparedTrades. Safe for concurrent use.
type Normalizer struct {
	identities IdentityLookup
	policy     GraduationPolicy
	now        func() time.Time
	log        zerolog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts Options) *Normalizer {
	if opts.Policy == nil {
		opts.Policy, _ = ParsePolicy(PolicyExplicitFirst)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Normalizer{
		identities: opts.Identities,
		policy:     opts.Policy,
		now:        opts.Now,
		log:        opts.Logger.With().Str("component", "normalizer").Logger(),
	}
}

// Normalize prices t against solUsd. Returns false when the trade is not valid.
func (n *Normalizer) Normalize(t *domain.DecodedTrade, solUsd decimal.Decimal) (*domain.PreparedTrade, bool) {
	amountSol, ok := positive(t.AmountSol, t.QuoteAmount)
	if !ok {
		n.reject(t, RejectNonPositiveSol)
		return nil, false
	}
	baseTokens, ok := positive(t.BaseAmount)
	if !ok {
		n.reject(t, RejectNonPositiveBase)
		return nil, false
	}

	priceSol, ok := positive(t.PriceSol, t.PriceQuotePerBase)
	if !ok {
		priceSol = amountSol.DivRound(baseTokens, divisionPrecision)
	}
	priceUsd, ok := positive(t.PriceUsd)
	if !ok {
		priceUsd = priceSol.Mul(solUsd)
	}
	amountUsd, ok := positive(t.AmountUsd)
	if !ok {
		amountUsd = amountSol.Mul(solUsd)
	}
	marketCap, ok := positive(t.MarketCapUsd)
	if !ok {
		marketCap = priceUsd.Mul(totalSupply)
	}

	identity := n.resolveIdentity(t)

	var explicit *bool
	if known, found := n.lookup(t.Mint); found {
		explicit = known.Complete
	}

	return &domain.PreparedTrade{
		Signature:     t.Signature,
		Mint:          t.Mint,
		Trader:        t.Trader,
		IsBuy:         t.Side == domain.SideBuy,
		Program:       t.Program,
		AmountSol:     amountSol,
		AmountUsd:     amountUsd,
		BaseAmountRaw: baseTokens.Mul(decimalsFactor).Truncate(0),
		PriceSol:      priceSol,
		PriceUsd:      priceUsd,
		MarketCapUsd:  marketCap,
		TimestampMs:   n.timestamp(t.Timestamp),
		Symbol:        identity.Symbol,
		Name:          identity.Name,
		Identity:      identity,
		Graduation: n.policy.Resolve(GraduationSignals{
			Explicit:     explicit,
			EventFlag:    t.IsBondingCurve,
			Program:      t.Program,
			BondingCurve: identity.BondingCurve,
		}),
	}, true
}

// resolveIdentity applies the fallback chain: resolved metadata, then the
// event's coin block, then a symbol derived from the name, then the mint.
func (n *Normalizer) resolveIdentity(t *domain.DecodedTrade) domain.TokenIdentity {
	identity, _ := n.lookup(t.Mint)
	identity.Complete = nil // only used as a graduation signal

	if c := t.Coin; c != nil {
		identity = identity.FillFrom(domain.TokenIdentity{
			Symbol:                 strings.TrimSpace(c.Symbol),
			Name:                   strings.TrimSpace(c.Name),
			MetadataURI:            c.MetadataURI,
			BondingCurve:           c.BondingCurve,
			AssociatedBondingCurve: c.AssociatedBondingCurve,
			CreatorAddress:         c.Creator,
			CreatedTimestamp:       c.CreatedTimestamp,
		})
	}

	if identity.Symbol == "" {
		identity.Symbol = SymbolFromName(identity.Name)
	}
	if identity.Symbol == "" {
		identity.Symbol = SymbolFromMint(t.Mint)
	}
	if identity.Name == "" {
		identity.Name = identity.Symbol
	}
	return identity
}

func (n *Normalizer) lookup(mint string) (domain.TokenIdentity, bool) {
	if n.identities == nil {
		return domain.TokenIdentity{}, false
	}
	return n.identities.Lookup(mint)
}

// timestamp parses an ISO-8601 string into unix ms, falling back to now.
func (n *Normalizer) timestamp(s string) int64 {
	if s != "" {
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UnixMilli()
			}
		}
	}
	return n.now().UnixMilli()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func (n *Normalizer) reject(t *domain.DecodedTrade, reason string) {
	observability.RecordRejected(reason)
	n.log.Debug().
		Str("signature", t.Signature).
		Str("mint", t.Mint).
		Str("reason", reason).
		Msg("rejecting trade")
}

// SymbolFromName keeps ASCII letters and digits, upper-cased, at most 10 of them.
func SymbolFromName(name string) string {
	var b strings.Builder
	count := 0
	for _, r := range name {
		if count == maxSymbolLen {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
			count++
		}
	}
	return b.String()
}

// SymbolFromMint returns the first six characters of the mint, upper-cased.
func SymbolFromMint(mint string) string {
	if len(mint) > mintSymbolLen {
		mint = mint[:mintSymbolLen]
	}
	return strings.ToUpper(mint)
}

// positive returns the first valid, strictly positive value.
func positive(vals ...decimal.NullDecimal) (decimal.Decimal, bool) {
	for _, v := range vals {
		if v.Valid && v.Decimal.IsPositive() {
			return v.Decimal, true
		}
	}
	return decimal.Zero, false
}
