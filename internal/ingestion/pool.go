package ingestion

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/observability"
	"pumpfeed/internal/storage"
)

// Normalizer converts a decoded trade into a prepared one.
type Normalizer interface {
	Normalize(t *domain.DecodedTrade, solUsd decimal.Decimal) (*domain.PreparedTrade, bool)
}

// PriceSource returns the current SOL/USD price. It must not fail.
type PriceSource interface {
	Price(ctx context.Context) decimal.Decimal
}

// Persister writes one batch of prepared trades.
type Persister interface {
	Persist(ctx context.Context, trades []*domain.PreparedTrade) error
}

// PoolOptions contains configuration for creating a Pool.
type PoolOptions struct {
	Queue      *Queue
	Normalizer Normalizer
	Prices     PriceSource
	Persister  Persister

	Workers       int           // Default: 5
	BatchSize     int           // Default: 100
	FlushInterval time.Duration // Default: 2s, flushes partial batches
	RetryInitial  time.Duration // Default: 250ms
	RetryMax      time.Duration // Default: 10s
	// UnhealthyAfter is the consecutive failure count that marks the pool unhealthy. Default: 5.
	UnhealthyAfter int
	Logger         zerolog.Logger
}

// Pool drains the queue with a fixed number of batch workers.
type Pool struct {
	queue      *Queue
	normalizer Normalizer
	prices     PriceSource
	persister  Persister

	workers        int
	batchSize      int
	flushInterval  time.Duration
	retryInitial   time.Duration
	retryMax       time.Duration
	unhealthyAfter int
	log            zerolog.Logger

	consecutiveFailures atomic.Int64
	persisted           atomic.Int64
	dropped             atomic.Int64
	rejected            atomic.Int64
}

// NewPool creates a new worker pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 250 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 10 * time.Second
	}
	if opts.UnhealthyAfter <= 0 {
		opts.UnhealthyAfter = 5
	}

	return &Pool{
		queue:          opts.Queue,
		normalizer:     opts.Normalizer,
		prices:         opts.Prices,
		persister:      opts.Persister,
		workers:        opts.Workers,
		batchSize:      opts.BatchSize,
		flushInterval:  opts.FlushInterval,
		retryInitial:   opts.RetryInitial,
		retryMax:       opts.RetryMax,
		unhealthyAfter: opts.UnhealthyAfter,
		log:            opts.Logger.With().Str("component", "pool").Logger(),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has returned. Batches in flight at cancellation are requeued.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("flush_interval", p.flushInterval).
		Msg("worker pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	p.log.Info().Int("queued", p.queue.Len()).Msg("worker pool stopped")
	return ctx.Err()
}

// Drain persists whatever is queued until the queue is empty or ctx expires.
// It is meant to run after Run returned, with a bounded context.
func (p *Pool) Drain(ctx context.Context) error {
	b := p.newBackOff()
	for p.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			p.log.Warn().Int("abandoned", p.queue.Len()).Msg("drain window expired")
			return err
		}
		if p.runBatch(ctx, -1) {
			b.Reset()
			continue
		}
		if !sleepCtx(ctx, b.NextBackOff()) {
			p.log.Warn().Int("abandoned", p.queue.Len()).Msg("drain window expired")
			return ctx.Err()
		}
	}
	return nil
}

// Healthy reports whether consecutive persistence failures stayed below the threshold.
func (p *Pool) Healthy() bool {
	return p.consecutiveFailures.Load() < int64(p.unhealthyAfter)
}

// ConsecutiveFailures returns the current failure streak.
func (p *Pool) ConsecutiveFailures() int64 {
	return p.consecutiveFailures.Load()
}

// Persisted returns how many prepared trades were handed to the persister successfully.
func (p *Pool) Persisted() int64 {
	return p.persisted.Load()
}

// Rejected returns how many trades storage refused permanently and were dropped.
func (p *Pool) Rejected() int64 {
	return p.rejected.Load()
}

func (p *Pool) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	b := p.newBackOff()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.queue.Ready():
		case <-ticker.C:
		}

		// Keep claiming while full batches are waiting; a tick flushes one partial batch.
		for {
			if !p.runBatch(ctx, id) {
				if !sleepCtx(ctx, b.NextBackOff()) {
					return
				}
				continue
			}
			b.Reset()
			if !p.queue.AboveThreshold() {
				break
			}
			p.queue.wake()
		}
	}
}

// runBatch claims one batch and persists it. It returns false when trades
// were requeued after a transient failure.
func (p *Pool) runBatch(ctx context.Context, worker int) bool {
	claimed := p.queue.Claim(p.batchSize)
	if len(claimed) == 0 {
		return true
	}

	start := time.Now()
	items := p.prepare(ctx, claimed)
	if len(items) == 0 {
		observability.RecordBatch("empty", time.Since(start))
		return true
	}

	// Fixed per-batch lock order across workers.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].prepared.Mint < items[j].prepared.Mint
	})

	persistCtx := context.WithoutCancel(ctx)
	persisted := len(items)
	outcome := "ok"
	err := p.persister.Persist(persistCtx, preparedOf(items))
	if err != nil && !storage.IsTransient(err) {
		// Some row can never be written; find it and keep the rest.
		p.log.Warn().Err(err).Int("worker", worker).Int("trades", len(items)).Msg("batch rejected by storage, isolating bad trades")
		outcome = "isolated"
		var pending []*domain.DecodedTrade
		persisted, pending, err = p.split(persistCtx, items, worker)
		if err != nil {
			claimed = pending
		}
	}

	if err != nil {
		p.queue.PushFront(claimed)
		failures := p.consecutiveFailures.Add(1)
		p.persisted.Add(int64(persisted))
		observability.RecordBatch("requeued", time.Since(start))
		observability.UpdateConsecutiveFailures(int(failures))

		event := p.log.Warn()
		if failures >= int64(p.unhealthyAfter) {
			event = p.log.Error()
		}
		event.Err(err).
			Int("worker", worker).
			Int("trades", len(claimed)).
			Int64("consecutive_failures", failures).
			Msg("batch persist failed, requeued")
		return false
	}

	p.consecutiveFailures.Store(0)
	p.persisted.Add(int64(persisted))
	observability.RecordBatch(outcome, time.Since(start))
	observability.UpdateConsecutiveFailures(0)

	p.log.Debug().
		Int("worker", worker).
		Int("claimed", len(claimed)).
		Int("persisted", persisted).
		Dur("took", time.Since(start)).
		Msg("batch persisted")
	return true
}

// split persists both halves of a batch that failed permanently, recursing
// until the failing trades are single and can be dropped. On a transient
// failure it stops and returns every trade not yet persisted.
func (p *Pool) split(ctx context.Context, items []batchItem, worker int) (int, []*domain.DecodedTrade, error) {
	if len(items) == 1 {
		t := items[0].prepared
		p.rejected.Add(1)
		observability.RecordRejected("storage")
		p.log.Error().
			Int("worker", worker).
			Str("signature", t.Signature).
			Str("mint", t.Mint).
			Msg("trade rejected by storage, dropped")
		return 0, nil, nil
	}

	mid := len(items) / 2
	halves := [2][]batchItem{items[:mid], items[mid:]}
	persisted := 0
	for i, half := range halves {
		err := p.persister.Persist(ctx, preparedOf(half))
		if err == nil {
			persisted += len(half)
			continue
		}
		if storage.IsTransient(err) {
			pending := decodedOf(half)
			if i == 0 {
				pending = append(pending, decodedOf(halves[1])...)
			}
			return persisted, pending, err
		}
		n, pending, err := p.split(ctx, half, worker)
		persisted += n
		if err != nil {
			if i == 0 {
				pending = append(pending, decodedOf(halves[1])...)
			}
			return persisted, pending, err
		}
	}
	return persisted, nil, nil
}

// batchItem pairs a normalized trade with the decoded trade it came from,
// which is what goes back on the queue.
type batchItem struct {
	decoded  *domain.DecodedTrade
	prepared *domain.PreparedTrade
}

// prepare normalizes a claimed batch with one oracle price. Rejected trades are dropped.
func (p *Pool) prepare(ctx context.Context, claimed []*domain.DecodedTrade) []batchItem {
	solUsd := p.prices.Price(ctx)
	items := make([]batchItem, 0, len(claimed))
	for _, t := range claimed {
		pt, ok := p.normalizer.Normalize(t, solUsd)
		if !ok {
			p.dropped.Add(1)
			continue
		}
		items = append(items, batchItem{decoded: t, prepared: pt})
	}
	return items
}

func preparedOf(items []batchItem) []*domain.PreparedTrade {
	out := make([]*domain.PreparedTrade, len(items))
	for i, it := range items {
		out[i] = it.prepared
	}
	return out
}

func decodedOf(items []batchItem) []*domain.DecodedTrade {
	out := make([]*domain.DecodedTrade, len(items))
	for i, it := range items {
		out[i] = it.decoded
	}
	return out
}

func (p *Pool) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryInitial
	b.MaxInterval = p.retryMax
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
