package storage

import (
	"context"

	"pumpfeed/internal/domain"
)

// TokenRef is the cached view of a token row used on the hot path.
type TokenRef struct {
	ID       int64
	HasMedia bool // both image_uri and metadata_uri are set
}

// TokenStore provides access to tokens storage.
type TokenStore interface {
	// InsertIgnore inserts tokens whose mint is not present yet.
	// Existing mints are left untouched. Returns the mints actually created.
	InsertIgnore(ctx context.Context, tokens []*domain.Token) ([]string, error)

	// ResolveRefs returns refs for the given mints. Unknown mints are absent from the map.
	ResolveRefs(ctx context.Context, mints []string) (map[string]TokenRef, error)

	// MarkCompleted flags the given tokens as graduated.
	MarkCompleted(ctx context.Context, ids []int64) error

	// GetByMint retrieves a token by mint. Returns ErrNotFound if not exists.
	GetByMint(ctx context.Context, mint string) (*domain.Token, error)

	// FillIdentity fills empty identity fields of the token with the given values.
	// Non-empty fields are never overwritten; a non-nil Complete is applied as-is.
	// Returns ErrNotFound if the mint does not exist.
	FillIdentity(ctx context.Context, mint string, identity domain.TokenIdentity) error

	// ListMissingMedia returns mints of tokens created at or after sinceMs that
	// still lack an image or metadata URI, newest first.
	ListMissingMedia(ctx context.Context, sinceMs int64, limit int) ([]string, error)
}

// TokenPriceStore provides access to token_prices storage.
type TokenPriceStore interface {
	// UpsertBulk writes the latest price for each token (last write wins).
	// Token IDs must be unique within one call.
	UpsertBulk(ctx context.Context, prices []*domain.TokenPrice) error

	// GetByTokenID retrieves the latest price. Returns ErrNotFound if not exists.
	GetByTokenID(ctx context.Context, tokenID int64) (*domain.TokenPrice, error)
}

// TradeStore provides access to trades storage.
type TradeStore interface {
	// InsertIgnoreBulk inserts trades, skipping signatures that already exist.
	// Returns the number of rows actually inserted.
	InsertIgnoreBulk(ctx context.Context, trades []*domain.TradeRecord) (int64, error)

	// GetBySignature retrieves a trade. Returns ErrNotFound if not exists.
	GetBySignature(ctx context.Context, signature string) (*domain.TradeRecord, error)

	// CountByToken returns the number of trades stored for a token.
	CountByToken(ctx context.Context, tokenID int64) (int64, error)

	// DeleteBefore removes up to limit trades older than cutoffMs.
	// Returns the number of rows removed.
	DeleteBefore(ctx context.Context, cutoffMs int64, limit int) (int64, error)
}
