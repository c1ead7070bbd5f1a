package memory

import (
	"context"
	"sort"
	"sync"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/storage"
)

// TradeStore is an in-memory implementation of storage.TradeStore.
type TradeStore struct {
	mu   sync.RWMutex
	data map[string]*domain.TradeRecord // keyed by tx signature
}

// NewTradeStore creates a new in-memory trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		data: make(map[string]*domain.TradeRecord),
	}
}

// InsertIgnoreBulk inserts trades, skipping signatures that already exist.
func (s *TradeStore) InsertIgnoreBulk(_ context.Context, trades []*domain.TradeRecord) (int64, error) {
	for _, t := range trades {
		if t == nil || t.Signature == "" {
			return 0, storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted int64
	for _, t := range trades {
		if _, exists := s.data[t.Signature]; exists {
			continue
		}
		tradeCopy := *t
		s.data[t.Signature] = &tradeCopy
		inserted++
	}
	return inserted, nil
}

// GetBySignature retrieves a trade. Returns ErrNotFound if not exists.
func (s *TradeStore) GetBySignature(_ context.Context, signature string) (*domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data[signature]
	if !ok {
		return nil, storage.ErrNotFound
	}
	tradeCopy := *t
	return &tradeCopy, nil
}

// CountByToken returns the number of trades stored for a token.
func (s *TradeStore) CountByToken(_ context.Context, tokenID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, t := range s.data {
		if t.TokenID == tokenID {
			n++
		}
	}
	return n, nil
}

// DeleteBefore removes up to limit trades older than cutoffMs, oldest first.
func (s *TradeStore) DeleteBefore(_ context.Context, cutoffMs int64, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var old []*domain.TradeRecord
	for _, t := range s.data {
		if t.TimestampMs < cutoffMs {
			old = append(old, t)
		}
	}
	sort.Slice(old, func(i, j int) bool { return old[i].TimestampMs < old[j].TimestampMs })
	if limit > 0 && len(old) > limit {
		old = old[:limit]
	}
	for _, t := range old {
		delete(s.data, t.Signature)
	}
	return int64(len(old)), nil
}

// Len returns the number of stored trades.
func (s *TradeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ storage.TradeStore = (*TradeStore)(nil)
