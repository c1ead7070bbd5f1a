package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls atomic.Int32
	price decimal.Decimal
	err   error
	delay time.Duration
}

func (s *countingSource) FetchSolUsd(ctx context.Context) (decimal.Decimal, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.price, s.err
}

type memoryCache struct {
	mu    sync.Mutex
	price decimal.Decimal
	ttl   time.Duration
	sets  int
}

func (c *memoryCache) Get(ctx context.Context) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.price, c.price.IsPositive(), nil
}

func (c *memoryCache) Set(ctx context.Context, price decimal.Decimal, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.price, c.ttl = price, ttl
	c.sets++
	return nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestOracle_CachesWithinTTL(t *testing.T) {
	src := &countingSource{price: decimal.NewFromInt(160)}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	o := New(Options{Source: src, TTL: time.Minute, Now: clock.Now, Logger: zerolog.Nop()})

	assert.Equal(t, "160", o.Price(context.Background()).String())
	clock.now = clock.now.Add(30 * time.Second)
	assert.Equal(t, "160", o.Price(context.Background()).String())
	assert.Equal(t, int32(1), src.calls.Load())

	src.price = decimal.NewFromInt(170)
	clock.now = clock.now.Add(31 * time.Second)
	assert.Equal(t, "170", o.Price(context.Background()).String())
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestOracle_FallbackWhenNeverFetched(t *testing.T) {
	src := &countingSource{err: errors.New("down")}
	o := New(Options{Source: src, Fallback: decimal.NewFromInt(150), Logger: zerolog.Nop()})

	assert.Equal(t, "150", o.Price(context.Background()).String())
}

func TestOracle_ServesLastKnownOnError(t *testing.T) {
	src := &countingSource{price: decimal.NewFromInt(160)}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	o := New(Options{Source: src, TTL: time.Second, Fallback: decimal.NewFromInt(1), Now: clock.Now, Logger: zerolog.Nop()})

	require.Equal(t, "160", o.Price(context.Background()).String())

	src.err = errors.New("rate limited")
	clock.now = clock.now.Add(2 * time.Second)
	assert.Equal(t, "160", o.Price(context.Background()).String())
}

func TestOracle_ConcurrentCallersShareRefresh(t *testing.T) {
	src := &countingSource{price: decimal.NewFromInt(160), delay: 50 * time.Millisecond}
	o := New(Options{Source: src, Logger: zerolog.Nop()})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "160", o.Price(context.Background()).String())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

func TestOracle_SharedCache(t *testing.T) {
	t.Run("hit skips source", func(t *testing.T) {
		src := &countingSource{price: decimal.NewFromInt(160)}
		cache := &memoryCache{price: decimal.NewFromInt(155)}
		o := New(Options{Source: src, Shared: cache, Logger: zerolog.Nop()})

		assert.Equal(t, "155", o.Price(context.Background()).String())
		assert.Equal(t, int32(0), src.calls.Load())
	})

	t.Run("miss populates cache", func(t *testing.T) {
		src := &countingSource{price: decimal.NewFromInt(160)}
		cache := &memoryCache{}
		o := New(Options{Source: src, Shared: cache, TTL: 2 * time.Minute, Logger: zerolog.Nop()})

		assert.Equal(t, "160", o.Price(context.Background()).String())
		assert.Equal(t, 1, cache.sets)
		assert.Equal(t, 2*time.Minute, cache.ttl)
	})
}

func TestHTTPSource(t *testing.T) {
	t.Run("parses price", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"solana":{"usd":163.42}}`))
		}))
		defer srv.Close()

		price, err := NewHTTPSource(srv.URL, nil).FetchSolUsd(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "163.42", price.String())
	})

	t.Run("non-200 is error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := NewHTTPSource(srv.URL, nil).FetchSolUsd(context.Background())
		assert.Error(t, err)
	})

	t.Run("zero price is error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"solana":{}}`))
		}))
		defer srv.Close()

		_, err := NewHTTPSource(srv.URL, nil).FetchSolUsd(context.Background())
		assert.Error(t, err)
	})
}
