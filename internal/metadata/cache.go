package metadata

import (
	"container/list"
	"sync"
	"time"

	"pumpfeed/internal/domain"
)

// IdentityCache keeps recently resolved identities for the normalizer.
// Entries expire after ttl; the least recently used entry is evicted at capacity.
type IdentityCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List
	nowFn    func() time.Time
}

type cacheEntry struct {
	mint      string
	identity  domain.TokenIdentity
	expiresAt time.Time
}

// NewIdentityCache creates a cache.
func NewIdentityCache(capacity int, ttl time.Duration) *IdentityCache {
	if capacity <= 0 {
		capacity = 10_000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &IdentityCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

// Lookup returns the cached identity for mint.
func (c *IdentityCache) Lookup(mint string) (domain.TokenIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[mint]
	if !ok {
		return domain.TokenIdentity{}, false
	}
	e := elem.Value.(*cacheEntry)
	if c.nowFn().After(e.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, mint)
		return domain.TokenIdentity{}, false
	}
	c.order.MoveToFront(elem)
	return e.identity, true
}

// Put stores identity for mint, resetting its expiry.
func (c *IdentityCache) Put(mint string, identity domain.TokenIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[mint]; ok {
		e := elem.Value.(*cacheEntry)
		e.identity = identity
		e.expiresAt = c.nowFn().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).mint)
		}
	}
	c.items[mint] = c.order.PushFront(&cacheEntry{
		mint:      mint,
		identity:  identity,
		expiresAt: c.nowFn().Add(c.ttl),
	})
}

// Len returns the number of entries, expired ones included.
func (c *IdentityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
