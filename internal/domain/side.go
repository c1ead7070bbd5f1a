package domain

import "strings"

// Side represents the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// String returns the string representation of Side.
func (s Side) String() string {
	return string(s)
}

// IsValid checks if the side is a valid value.
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide maps the spellings seen on the feed onto a Side.
// Returns false when the value is not recognised.
func ParseSide(v string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy", "b", "bid":
		return SideBuy, true
	case "sell", "s", "ask":
		return SideSell, true
	default:
		return "", false
	}
}
