package memory

import (
	"context"
	"sync"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/storage"
)

// TokenPriceStore is an in-memory implementation of storage.TokenPriceStore.
type TokenPriceStore struct {
	mu   sync.RWMutex
	data map[int64]*domain.TokenPrice // keyed by token_id
}

// NewTokenPriceStore creates a new in-memory token price store.
func NewTokenPriceStore() *TokenPriceStore {
	return &TokenPriceStore{
		data: make(map[int64]*domain.TokenPrice),
	}
}

// UpsertBulk writes the latest price for each token. Duplicate token IDs in one call are rejected.
func (s *TokenPriceStore) UpsertBulk(_ context.Context, prices []*domain.TokenPrice) error {
	seen := make(map[int64]struct{}, len(prices))
	for _, p := range prices {
		if p == nil || p.TokenID == 0 {
			return storage.ErrInvalidInput
		}
		if _, dup := seen[p.TokenID]; dup {
			return storage.ErrDuplicateKey
		}
		seen[p.TokenID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range prices {
		priceCopy := *p
		s.data[p.TokenID] = &priceCopy
	}
	return nil
}

// GetByTokenID retrieves the latest price. Returns ErrNotFound if not exists.
func (s *TokenPriceStore) GetByTokenID(_ context.Context, tokenID int64) (*domain.TokenPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[tokenID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	priceCopy := *p
	return &priceCopy, nil
}

var _ storage.TokenPriceStore = (*TokenPriceStore)(nil)
