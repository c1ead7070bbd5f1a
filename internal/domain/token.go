package domain

import "github.com/shopspring/decimal"

// Token is the identity row for a mint. Corresponds to the tokens table.
type Token struct {
	ID       int64
	Mint     string
	Identity TokenIdentity
	// Completed is true once the token graduated off the bonding curve.
	Completed bool
}

// TokenIdentity holds the descriptive and social fields of a token.
// Empty strings mean "unknown".
type TokenIdentity struct {
	Symbol                 string
	Name                   string
	ImageURI               string
	MetadataURI            string
	Description            string
	Twitter                string
	Telegram               string
	Website                string
	CreatorAddress         string
	BondingCurve           string
	AssociatedBondingCurve string
	CreatedTimestamp       int64 // ms, 0 when unknown
	KingOfTheHillTimestamp int64 // ms, 0 when unknown
	Complete               *bool // authoritative graduation flag, nil when unknown
}

// HasMedia reports whether both the metadata URI and the image are known.
func (t TokenIdentity) HasMedia() bool {
	return t.MetadataURI != "" && t.ImageURI != ""
}

// FillFrom returns t with every empty field taken from other.
// Non-empty fields of t are never overwritten, except Complete which
// is an authoritative status and always follows other when set.
func (t TokenIdentity) FillFrom(other TokenIdentity) TokenIdentity {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&t.Symbol, other.Symbol)
	fill(&t.Name, other.Name)
	fill(&t.ImageURI, other.ImageURI)
	fill(&t.MetadataURI, other.MetadataURI)
	fill(&t.Description, other.Description)
	fill(&t.Twitter, other.Twitter)
	fill(&t.Telegram, other.Telegram)
	fill(&t.Website, other.Website)
	fill(&t.CreatorAddress, other.CreatorAddress)
	fill(&t.BondingCurve, other.BondingCurve)
	fill(&t.AssociatedBondingCurve, other.AssociatedBondingCurve)
	if t.CreatedTimestamp == 0 {
		t.CreatedTimestamp = other.CreatedTimestamp
	}
	if t.KingOfTheHillTimestamp == 0 {
		t.KingOfTheHillTimestamp = other.KingOfTheHillTimestamp
	}
	if other.Complete != nil {
		v := *other.Complete
		t.Complete = &v
	}
	return t
}

// TokenPrice is the latest price row for a token (one per token).
type TokenPrice struct {
	TokenID            int64
	PriceSol           decimal.Decimal
	PriceUsd           decimal.Decimal
	MarketCapUsd       decimal.Decimal
	LastTradeTimestamp int64 // ms
}
