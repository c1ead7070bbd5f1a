package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/storage"
)

// TokenStore implements storage.TokenStore using PostgreSQL.
type TokenStore struct {
	pool *Pool
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(pool *Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenStore = (*TokenStore)(nil)

// InsertIgnore inserts all tokens in one statement. Mints that already exist are skipped.
func (s *TokenStore) InsertIgnore(ctx context.Context, tokens []*domain.Token) ([]string, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	n := len(tokens)
	mints := make([]string, 0, n)
	symbols := make([]string, 0, n)
	names := make([]string, 0, n)
	images := make([]string, 0, n)
	metas := make([]string, 0, n)
	descs := make([]string, 0, n)
	twitters := make([]string, 0, n)
	telegrams := make([]string, 0, n)
	websites := make([]string, 0, n)
	creators := make([]string, 0, n)
	curves := make([]string, 0, n)
	assocCurves := make([]string, 0, n)
	createdTs := make([]int64, 0, n)
	kothTs := make([]int64, 0, n)
	completed := make([]bool, 0, n)
	seen := make(map[string]struct{}, n)

	for _, t := range tokens {
		if t == nil || t.Mint == "" {
			return nil, storage.ErrInvalidInput
		}
		if _, dup := seen[t.Mint]; dup {
			continue
		}
		seen[t.Mint] = struct{}{}

		id := t.Identity
		mints = append(mints, t.Mint)
		symbols = append(symbols, id.Symbol)
		names = append(names, id.Name)
		images = append(images, id.ImageURI)
		metas = append(metas, id.MetadataURI)
		descs = append(descs, id.Description)
		twitters = append(twitters, id.Twitter)
		telegrams = append(telegrams, id.Telegram)
		websites = append(websites, id.Website)
		creators = append(creators, id.CreatorAddress)
		curves = append(curves, id.BondingCurve)
		assocCurves = append(assocCurves, id.AssociatedBondingCurve)
		createdTs = append(createdTs, id.CreatedTimestamp)
		kothTs = append(kothTs, id.KingOfTheHillTimestamp)
		completed = append(completed, t.Completed)
	}

	query := `
		INSERT INTO tokens (
			mint, symbol, name, image_uri, metadata_uri,
			description, twitter, telegram, website,
			creator_address, bonding_curve, associated_bonding_curve,
			created_timestamp, king_of_the_hill_timestamp, completed
		)
		SELECT * FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::text[],
			$6::text[], $7::text[], $8::text[], $9::text[],
			$10::text[], $11::text[], $12::text[],
			$13::bigint[], $14::bigint[], $15::boolean[]
		)
		ON CONFLICT (mint) DO NOTHING
		RETURNING mint
	`

	rows, err := s.pool.Query(ctx, query,
		mints, symbols, names, images, metas,
		descs, twitters, telegrams, websites,
		creators, curves, assocCurves,
		createdTs, kothTs, completed,
	)
	if err != nil {
		return nil, wrapError("insert tokens", err)
	}

	created, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapError("insert tokens", err)
	}
	return created, nil
}

// ResolveRefs returns id and media state for the known mints.
func (s *TokenStore) ResolveRefs(ctx context.Context, mints []string) (map[string]storage.TokenRef, error) {
	refs := make(map[string]storage.TokenRef, len(mints))
	if len(mints) == 0 {
		return refs, nil
	}

	query := `
		SELECT mint, id, (image_uri <> '' AND metadata_uri <> '')
		FROM tokens
		WHERE mint = ANY($1)
	`

	rows, err := s.pool.Query(ctx, query, mints)
	if err != nil {
		return nil, wrapError("resolve token refs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			mint string
			ref  storage.TokenRef
		)
		if err := rows.Scan(&mint, &ref.ID, &ref.HasMedia); err != nil {
			return nil, fmt.Errorf("scan token ref: %w", err)
		}
		refs[mint] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("iterate token refs", err)
	}
	return refs, nil
}

// MarkCompleted flags the given tokens as graduated.
func (s *TokenStore) MarkCompleted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.pool.Exec(ctx, `UPDATE tokens SET completed = TRUE WHERE id = ANY($1) AND NOT completed`, ids)
	if err != nil {
		return wrapError("mark tokens completed", err)
	}
	return nil
}

// GetByMint retrieves a token by mint. Returns ErrNotFound if not exists.
// The completed column is reported in Completed only; Identity.Complete stays
// nil because the column may hold a heuristic value.
func (s *TokenStore) GetByMint(ctx context.Context, mint string) (*domain.Token, error) {
	query := `
		SELECT id, mint, symbol, name, image_uri, metadata_uri,
			description, twitter, telegram, website,
			creator_address, bonding_curve, associated_bonding_curve,
			created_timestamp, king_of_the_hill_timestamp, completed
		FROM tokens
		WHERE mint = $1
	`

	var t domain.Token
	id := &t.Identity
	err := s.pool.QueryRow(ctx, query, mint).Scan(
		&t.ID, &t.Mint, &id.Symbol, &id.Name, &id.ImageURI, &id.MetadataURI,
		&id.Description, &id.Twitter, &id.Telegram, &id.Website,
		&id.CreatorAddress, &id.BondingCurve, &id.AssociatedBondingCurve,
		&id.CreatedTimestamp, &id.KingOfTheHillTimestamp, &t.Completed,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError("get token by mint", err)
	}
	return &t, nil
}

// FillIdentity fills empty identity columns. Columns that already hold a value are kept.
func (s *TokenStore) FillIdentity(ctx context.Context, mint string, identity domain.TokenIdentity) error {
	query := `
		UPDATE tokens SET
			symbol                     = COALESCE(NULLIF(symbol, ''), $2),
			name                       = COALESCE(NULLIF(name, ''), $3),
			image_uri                  = COALESCE(NULLIF(image_uri, ''), $4),
			metadata_uri               = COALESCE(NULLIF(metadata_uri, ''), $5),
			description                = COALESCE(NULLIF(description, ''), $6),
			twitter                    = COALESCE(NULLIF(twitter, ''), $7),
			telegram                   = COALESCE(NULLIF(telegram, ''), $8),
			website                    = COALESCE(NULLIF(website, ''), $9),
			creator_address            = COALESCE(NULLIF(creator_address, ''), $10),
			bonding_curve              = COALESCE(NULLIF(bonding_curve, ''), $11),
			associated_bonding_curve   = COALESCE(NULLIF(associated_bonding_curve, ''), $12),
			created_timestamp          = COALESCE(NULLIF(created_timestamp, 0), $13),
			king_of_the_hill_timestamp = COALESCE(NULLIF(king_of_the_hill_timestamp, 0), $14),
			completed                  = COALESCE($15::boolean, completed)
		WHERE mint = $1
	`

	tag, err := s.pool.Exec(ctx, query, mint,
		identity.Symbol, identity.Name, identity.ImageURI, identity.MetadataURI,
		identity.Description, identity.Twitter, identity.Telegram, identity.Website,
		identity.CreatorAddress, identity.BondingCurve, identity.AssociatedBondingCurve,
		identity.CreatedTimestamp, identity.KingOfTheHillTimestamp, identity.Complete,
	)
	if err != nil {
		return wrapError("fill token identity", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListMissingMedia returns recent mints without image or metadata URI, newest first.
func (s *TokenStore) ListMissingMedia(ctx context.Context, sinceMs int64, limit int) ([]string, error) {
	query := `
		SELECT mint
		FROM tokens
		WHERE inserted_at_ms >= $1 AND (image_uri = '' OR metadata_uri = '')
		ORDER BY inserted_at_ms DESC, id DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, sinceMs, limit)
	if err != nil {
		return nil, wrapError("list tokens missing media", err)
	}
	mints, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapError("list tokens missing media", err)
	}
	return mints, nil
}
