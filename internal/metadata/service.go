// Package metadata backfills token identity and social fields from the
// identity API and off-chain metadata documents.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/observability"
	"pumpfeed/internal/solana"
	"pumpfeed/internal/storage"
)

// ErrIncomplete is returned when a fetch succeeded but media is still missing.
var ErrIncomplete = errors.New("metadata incomplete")

// Outcome is the result of one attempt for a mint.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeRetry     Outcome = "retry"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeSkipped   Outcome = "skipped"
)

// Options contains configuration for creating a Service.
type Options struct {
	Tokens   storage.TokenStore
	Jobs     JobStore
	Provider Provider
	Spacer   *Spacer
	Cache    *IdentityCache // Optional, filled with resolved identities
	Lock     Locker         // Optional, guards each tick across instances

	BatchSize    int           // Default: 20
	Interval     time.Duration // Default: 10s
	MaxAttempts  int           // Default: 5
	Concurrency  int           // Default: 4
	SeedInterval time.Duration // Default: 10m
	SeedWindow   time.Duration // Default: 24h
	SeedLimit    int           // Default: 500

	// OnResolved is called for every mint whose backfill finished.
	OnResolved func(mint string)

	Now    func() time.Time
	Logger zerolog.Logger
}

// Service runs the per-mint state machine
// pending -> fetching -> resolved | retrying -> pending | exhausted.
type Service struct {
	tokens   storage.TokenStore
	jobs     JobStore
	provider Provider
	spacer   *Spacer
	cache    *IdentityCache
	lock     Locker

	batchSize    int
	interval     time.Duration
	maxAttempts  int
	seedInterval time.Duration
	seedWindow   time.Duration
	seedLimit    int
	onResolved   func(mint string)
	now          func() time.Time
	log          zerolog.Logger

	sem    *semaphore.Weighted
	flight singleflight.Group

	mu      sync.Mutex
	tracked map[string]time.Time
}

// TickStats summarizes one RunOnce call.
type TickStats struct {
	Claimed   int
	Resolved  int
	Retried   int
	Exhausted int
}

// New creates a new backfill service.
func New(opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.SeedInterval <= 0 {
		opts.SeedInterval = 10 * time.Minute
	}
	if opts.SeedWindow <= 0 {
		opts.SeedWindow = 24 * time.Hour
	}
	if opts.SeedLimit <= 0 {
		opts.SeedLimit = 500
	}
	if opts.Jobs == nil {
		opts.Jobs = NewMemoryJobStore()
	}
	if opts.Spacer == nil {
		opts.Spacer = NewSpacer(200*time.Millisecond, 10*time.Second, 500*time.Millisecond)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		tokens:       opts.Tokens,
		jobs:         opts.Jobs,
		provider:     opts.Provider,
		spacer:       opts.Spacer,
		cache:        opts.Cache,
		lock:         opts.Lock,
		batchSize:    opts.BatchSize,
		interval:     opts.Interval,
		maxAttempts:  opts.MaxAttempts,
		seedInterval: opts.SeedInterval,
		seedWindow:   opts.SeedWindow,
		seedLimit:    opts.SeedLimit,
		onResolved:   opts.OnResolved,
		now:          opts.Now,
		log:          opts.Logger.With().Str("component", "metadata").Logger(),
		sem:          semaphore.NewWeighted(int64(opts.Concurrency)),
		tracked:      make(map[string]time.Time),
	}
}

// Enqueue queues mints for backfill. It never blocks the caller for long
// and never fails; store errors are logged.
func (s *Service) Enqueue(mints ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Add(ctx, mints...); err != nil {
		s.log.Warn().Err(err).Int("mints", len(mints)).Msg("enqueue failed")
	}
}

// Add queues mints that are not queued, resolved by this process, or
// exhausted. Returns how many jobs were created.
func (s *Service) Add(ctx context.Context, mints ...string) (int, error) {
	added := 0
	now := s.now().UnixMilli()
	for _, mint := range mints {
		if !s.track(mint) {
			continue
		}
		ok, err := s.jobs.Add(ctx, domain.MetadataJob{Mint: mint, EnqueuedAt: now})
		if err != nil {
			s.untrack(mint)
			return added, fmt.Errorf("add job %s: %w", mint, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// Run seeds the queue and processes it on its own cadence until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().
		Dur("interval", s.interval).
		Int("batch_size", s.batchSize).
		Int("max_attempts", s.maxAttempts).
		Msg("metadata backfill started")

	if n, err := s.Seed(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial seed failed")
	} else if n > 0 {
		s.log.Info().Int("mints", n).Msg("seeded backfill queue")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	seedTicker := time.NewTicker(s.seedInterval)
	defer seedTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("metadata backfill stopped")
			return ctx.Err()
		case <-seedTicker.C:
			if _, err := s.Seed(ctx); err != nil {
				s.log.Warn().Err(err).Msg("seed failed")
			}
		case <-ticker.C:
			stats, err := s.RunOnce(ctx)
			if err != nil {
				s.log.Warn().Err(err).Msg("backfill tick failed")
				continue
			}
			if stats.Claimed > 0 {
				s.log.Info().
					Int("claimed", stats.Claimed).
					Int("resolved", stats.Resolved).
					Int("retried", stats.Retried).
					Int("exhausted", stats.Exhausted).
					Dur("spacing", s.spacer.Delay()).
					Msg("backfill tick")
			}
		}
	}
}

// Seed queues recently created tokens that still lack media.
func (s *Service) Seed(ctx context.Context) (int, error) {
	if n := s.prune(); n > 0 {
		s.log.Debug().Int("mints", n).Msg("tracked mints expired")
	}
	since := s.now().Add(-s.seedWindow).UnixMilli()
	mints, err := s.tokens.ListMissingMedia(ctx, since, s.seedLimit)
	if err != nil {
		return 0, fmt.Errorf("list missing media: %w", err)
	}
	return s.Add(ctx, mints...)
}

// RunOnce processes up to BatchSize pending jobs concurrently.
func (s *Service) RunOnce(ctx context.Context) (TickStats, error) {
	var stats TickStats
	if s.lock != nil {
		release, ok := s.lock.TryLock(ctx)
		if !ok {
			return stats, nil
		}
		defer release()
	}

	jobs, err := s.jobs.Pending(ctx, s.batchSize)
	if err != nil {
		return stats, fmt.Errorf("load pending jobs: %w", err)
	}
	stats.Claimed = len(jobs)

	outcomes := make([]Outcome, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			outcomes[i], _ = s.Trigger(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch o {
		case OutcomeResolved:
			stats.Resolved++
		case OutcomeRetry:
			stats.Retried++
		case OutcomeExhausted:
			stats.Exhausted++
		}
	}

	if n, err := s.jobs.Len(ctx); err == nil {
		observability.UpdateMetadataPending(n)
	}
	return stats, nil
}

// Trigger runs one attempt for job. Concurrent triggers for the same mint
// share a single in-flight attempt and its outcome.
func (s *Service) Trigger(ctx context.Context, job domain.MetadataJob) (Outcome, error) {
	v, err, _ := s.flight.Do(job.Mint, func() (interface{}, error) {
		return s.attempt(ctx, job)
	})
	return v.(Outcome), err
}

func (s *Service) attempt(ctx context.Context, job domain.MetadataJob) (Outcome, error) {
	log := s.log.With().Str("mint", job.Mint).Int("attempt", job.Attempts+1).Logger()

	identity, err := s.enrich(ctx, job.Mint)
	if err == nil {
		if rmErr := s.jobs.Remove(ctx, job.Mint); rmErr != nil {
			log.Warn().Err(rmErr).Msg("remove resolved job failed")
		}
		if s.cache != nil {
			s.cache.Put(job.Mint, identity)
		}
		// Mints resolved without media stay tracked for the seed window so
		// seeding does not requeue them.
		if identity.HasMedia() {
			s.untrack(job.Mint)
		}
		if s.onResolved != nil {
			s.onResolved(job.Mint)
		}
		observability.RecordMetadataFetch(string(OutcomeResolved))
		log.Debug().Msg("metadata resolved")
		return OutcomeResolved, nil
	}

	if ctx.Err() != nil {
		return OutcomeSkipped, ctx.Err()
	}

	job.Attempts++
	if job.Attempts >= s.maxAttempts {
		if exErr := s.jobs.Exhaust(ctx, job.Mint); exErr != nil {
			log.Warn().Err(exErr).Msg("exhaust job failed")
		}
		observability.RecordMetadataFetch(string(OutcomeExhausted))
		log.Warn().Err(err).Int("max_attempts", s.maxAttempts).Msg("metadata exhausted, giving up")
		return OutcomeExhausted, err
	}

	if upErr := s.jobs.Update(ctx, job); upErr != nil {
		log.Warn().Err(upErr).Msg("update job failed")
	}
	observability.RecordMetadataFetch(string(OutcomeRetry))
	log.Debug().Err(err).Msg("metadata incomplete, will retry")
	return OutcomeRetry, err
}

// enrich fetches what is missing for mint and writes it back without
// overwriting existing fields. It returns nil once the token has both media
// fields or the provider affirmatively has none.
func (s *Service) enrich(ctx context.Context, mint string) (domain.TokenIdentity, error) {
	token, err := s.tokens.GetByMint(ctx, mint)
	if err != nil {
		return domain.TokenIdentity{}, fmt.Errorf("load token: %w", err)
	}
	merged := token.Identity
	if merged.HasMedia() {
		return merged, nil
	}

	var (
		docErr        error
		noneAvailable bool
	)

	coin, apiErr := s.fetchCoin(ctx, mint)
	if apiErr == nil {
		merged = merged.FillFrom(coin.Identity)
		noneAvailable = coin.Identity.MetadataURI == "" && merged.MetadataURI == ""
	}

	if !merged.HasMedia() && merged.MetadataURI != "" {
		doc, err := s.fetchDocument(ctx, merged.MetadataURI)
		if err != nil {
			docErr = err
		} else {
			merged = merged.FillFrom(doc.Identity())
			noneAvailable = doc.Image == ""
		}
	}

	if merged.BondingCurve == "" || merged.AssociatedBondingCurve == "" {
		if curve, associated, err := solana.CurveAccounts(mint); err == nil {
			merged = merged.FillFrom(domain.TokenIdentity{BondingCurve: curve, AssociatedBondingCurve: associated})
		}
	}

	if err := s.tokens.FillIdentity(ctx, mint, merged); err != nil {
		return merged, fmt.Errorf("fill identity: %w", err)
	}

	switch {
	case merged.HasMedia():
		return merged, nil
	case apiErr != nil || docErr != nil:
		return merged, errors.Join(apiErr, docErr)
	case noneAvailable:
		return merged, nil
	default:
		return merged, ErrIncomplete
	}
}

func (s *Service) fetchCoin(ctx context.Context, mint string) (*Coin, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	if err := s.spacer.Wait(ctx); err != nil {
		return nil, err
	}
	coin, err := s.provider.FetchCoin(ctx, mint)
	switch {
	case err == nil:
		s.spacer.Reward()
	case IsThrottled(err):
		d := s.spacer.Penalize()
		s.log.Debug().Err(err).Dur("spacing", d).Msg("identity api throttled")
	}
	return coin, err
}

func (s *Service) fetchDocument(ctx context.Context, uri string) (*Document, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	return s.provider.FetchDocument(ctx, uri)
}

// track marks mint as queued by this process. It returns false when it already
// was within the seed window.
func (s *Service) track(mint string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.tracked[mint]; ok && now.Sub(at) < s.seedWindow {
		return false
	}
	s.tracked[mint] = now
	return true
}

// prune forgets mints tracked longer than the seed window. Their tokens were
// created before the window, so seeding cannot list them again; exhausted
// mints are refused by the job store.
func (s *Service) prune() int {
	cutoff := s.now().Add(-s.seedWindow)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for mint, at := range s.tracked {
		if at.Before(cutoff) {
			delete(s.tracked, mint)
			n++
		}
	}
	return n
}

func (s *Service) trackedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

func (s *Service) untrack(mint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, mint)
}
