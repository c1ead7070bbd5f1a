package persistence

import (
	"sync"

	"pumpfeed/internal/storage"
)

// DefaultCacheSize bounds the number of mints kept in the id cache.
const DefaultCacheSize = 500_000

// refCache maps mints to their token row refs. When it grows past max it is
// emptied and rebuilt from storage on demand.
type refCache struct {
	mu        sync.RWMutex
	refs      map[string]storage.TokenRef
	completed map[int64]struct{}
	max       int
}

func newRefCache(maxSize int) *refCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &refCache{
		refs:      make(map[string]storage.TokenRef),
		completed: make(map[int64]struct{}),
		max:       maxSize,
	}
}

// split returns cached refs and the mints that need a lookup.
func (c *refCache) split(mints []string) (map[string]storage.TokenRef, []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hit := make(map[string]storage.TokenRef, len(mints))
	var miss []string
	for _, m := range mints {
		if ref, ok := c.refs[m]; ok {
			hit[m] = ref
			continue
		}
		miss = append(miss, m)
	}
	return hit, miss
}

func (c *refCache) put(refs map[string]storage.TokenRef) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.refs)+len(refs) > c.max {
		clear(c.refs)
		clear(c.completed)
	}
	for m, ref := range refs {
		c.refs[m] = ref
	}
}

func (c *refCache) markEnriched(mint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.refs[mint]; ok {
		ref.HasMedia = true
		c.refs[mint] = ref
	}
}

// uncompleted filters ids down to those not yet flagged by this process.
func (c *refCache) uncompleted(ids []int64) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []int64
	for _, id := range ids {
		if _, ok := c.completed[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (c *refCache) markCompleted(ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.completed[id] = struct{}{}
	}
}

func (c *refCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.refs)
}
