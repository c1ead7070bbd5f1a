// Package oracle provides the SOL/USD price used to value trades.
package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"pumpfeed/internal/observability"
)

// Options configures an Oracle.
type Options struct {
	Source Source
	// Shared is an optional cross-instance cache consulted before Source.
	Shared SharedCache
	// TTL is how long a fetched price is served without refreshing.
	TTL time.Duration
	// Fallback is served when no price was ever fetched.
	Fallback decimal.Decimal
	// FetchTimeout bounds one refresh.
	FetchTimeout time.Duration
	Now          func() time.Time
	Logger       zerolog.Logger
}

// Oracle caches the SOL/USD price. Price never fails: on refresh errors it
// serves the last known price, or the fallback if none is known yet.
type Oracle struct {
	source   Source
	shared   SharedCache
	ttl      time.Duration
	fallback decimal.Decimal
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu        sync.RWMutex
	price     decimal.Decimal
	fetchedAt time.Time

	group singleflight.Group
}

// New creates an Oracle.
func New(opts Options) *Oracle {
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Oracle{
		source:   opts.Source,
		shared:   opts.Shared,
		ttl:      opts.TTL,
		fallback: opts.Fallback,
		timeout:  opts.FetchTimeout,
		now:      opts.Now,
		log:      opts.Logger.With().Str("component", "oracle").Logger(),
	}
}

// Price returns the current SOL/USD price. Concurrent callers on an expired
// cache share one refresh.
func (o *Oracle) Price(ctx context.Context) decimal.Decimal {
	if price, ok := o.cached(); ok {
		return price
	}

	v, _, _ := o.group.Do("sol_usd", func() (interface{}, error) {
		// Another caller may have refreshed while we waited.
		if price, ok := o.cached(); ok {
			return price, nil
		}
		return o.refresh(ctx), nil
	})
	return v.(decimal.Decimal)
}

// Last returns the last fetched price and when it was fetched.
func (o *Oracle) Last() (decimal.Decimal, time.Time) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.price, o.fetchedAt
}

func (o *Oracle) cached() (decimal.Decimal, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.price.IsPositive() && o.now().Sub(o.fetchedAt) < o.ttl {
		return o.price, true
	}
	return decimal.Zero, false
}

// refresh tries the shared cache then the source. Always returns a price.
func (o *Oracle) refresh(ctx context.Context) decimal.Decimal {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	if o.shared != nil {
		price, ok, err := o.shared.Get(ctx)
		if err != nil {
			o.log.Debug().Err(err).Msg("shared price cache read failed")
		}
		if ok {
			o.store(price)
			observability.RecordOracleRefresh("shared", price.InexactFloat64())
			return price
		}
	}

	if o.source != nil {
		price, err := o.source.FetchSolUsd(ctx)
		if err == nil {
			o.store(price)
			observability.RecordOracleRefresh("ok", price.InexactFloat64())
			if o.shared != nil {
				if err := o.shared.Set(ctx, price, o.ttl); err != nil {
					o.log.Debug().Err(err).Msg("shared price cache write failed")
				}
			}
			return price
		}
		o.log.Warn().Err(err).Msg("price refresh failed")
	}

	last, _ := o.Last()
	if last.IsPositive() {
		observability.RecordOracleRefresh("stale", last.InexactFloat64())
		return last
	}
	observability.RecordOracleRefresh("fallback", o.fallback.InexactFloat64())
	return o.fallback
}

func (o *Oracle) store(price decimal.Decimal) {
	o.mu.Lock()
	o.price = price
	o.fetchedAt = o.now()
	o.mu.Unlock()
}
