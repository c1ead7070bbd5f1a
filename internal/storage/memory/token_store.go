package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/storage"
)

type tokenRow struct {
	token     domain.Token
	createdAt int64 // row insertion time (ms)
}

// TokenStore is an in-memory implementation of storage.TokenStore.
type TokenStore struct {
	mu     sync.RWMutex
	byMint map[string]*tokenRow
	nextID int64
	nowFn  func() time.Time
}

// NewTokenStore creates a new in-memory token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		byMint: make(map[string]*tokenRow),
		nowFn:  time.Now,
	}
}

// InsertIgnore inserts tokens whose mint is not present yet. Returns the created mints.
func (s *TokenStore) InsertIgnore(_ context.Context, tokens []*domain.Token) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var created []string
	for _, t := range tokens {
		if t == nil || t.Mint == "" {
			return nil, storage.ErrInvalidInput
		}
		if _, exists := s.byMint[t.Mint]; exists {
			continue
		}
		s.nextID++
		row := &tokenRow{token: *t, createdAt: s.nowFn().UnixMilli()}
		row.token.ID = s.nextID
		s.byMint[t.Mint] = row
		created = append(created, t.Mint)
	}
	return created, nil
}

// ResolveRefs returns refs for the known mints.
func (s *TokenStore) ResolveRefs(_ context.Context, mints []string) (map[string]storage.TokenRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make(map[string]storage.TokenRef, len(mints))
	for _, m := range mints {
		if row, ok := s.byMint[m]; ok {
			refs[m] = storage.TokenRef{ID: row.token.ID, HasMedia: row.token.Identity.HasMedia()}
		}
	}
	return refs, nil
}

// MarkCompleted flags the given tokens as graduated.
func (s *TokenStore) MarkCompleted(_ context.Context, ids []int64) error {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.byMint {
		if _, ok := want[row.token.ID]; ok {
			row.token.Completed = true
		}
	}
	return nil
}

// GetByMint retrieves a token by mint. Returns ErrNotFound if not exists.
func (s *TokenStore) GetByMint(_ context.Context, mint string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.byMint[mint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	tokenCopy := row.token
	tokenCopy.Identity.Complete = nil
	return &tokenCopy, nil
}

// FillIdentity fills empty identity fields. Returns ErrNotFound if the mint does not exist.
func (s *TokenStore) FillIdentity(_ context.Context, mint string, identity domain.TokenIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byMint[mint]
	if !ok {
		return storage.ErrNotFound
	}
	row.token.Identity = row.token.Identity.FillFrom(identity)
	if identity.Complete != nil {
		row.token.Completed = *identity.Complete
	}
	return nil
}

// ListMissingMedia returns mints created at or after sinceMs lacking media, newest first.
func (s *TokenStore) ListMissingMedia(_ context.Context, sinceMs int64, limit int) ([]string, error) {
	s.mu.RLock()
	rows := make([]*tokenRow, 0)
	for _, row := range s.byMint {
		if row.createdAt >= sinceMs && !row.token.Identity.HasMedia() {
			rows = append(rows, row)
		}
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].createdAt != rows[j].createdAt {
			return rows[i].createdAt > rows[j].createdAt
		}
		return rows[i].token.ID > rows[j].token.ID
	})

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	mints := make([]string, len(rows))
	for i, row := range rows {
		mints[i] = row.token.Mint
	}
	return mints, nil
}

// Len returns the number of stored tokens.
func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byMint)
}

var _ storage.TokenStore = (*TokenStore)(nil)
