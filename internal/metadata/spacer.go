package metadata

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pumpfeed/internal/observability"
)

// Spacer enforces a minimum delay between outbound requests. The delay
// grows by step on every throttled response, up to max, and shrinks by
// step/2 on every success, down to min.
type Spacer struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	delay   time.Duration
	min     time.Duration
	max     time.Duration
	step    time.Duration
}

// NewSpacer creates a spacer starting at minDelay.
func NewSpacer(minDelay, maxDelay, step time.Duration) *Spacer {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	if step <= 0 {
		step = 250 * time.Millisecond
	}
	s := &Spacer{
		limiter: rate.NewLimiter(limitFor(minDelay), 1),
		delay:   minDelay,
		min:     minDelay,
		max:     maxDelay,
		step:    step,
	}
	observability.UpdateMetadataSpacing(minDelay)
	return s
}

// Wait blocks until the next request may go out, or ctx is done.
func (s *Spacer) Wait(ctx context.Context) error {
	r := s.limiter.Reserve()
	if !r.OK() {
		return ctx.Err()
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Penalize widens the spacing after a rate-limit or server error.
func (s *Spacer) Penalize() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(min(s.delay+s.step, s.max))
	return s.delay
}

// Reward narrows the spacing after a successful response.
func (s *Spacer) Reward() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(max(s.delay-s.step/2, s.min))
	return s.delay
}

// Delay returns the current spacing.
func (s *Spacer) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

func (s *Spacer) set(d time.Duration) {
	if d == s.delay {
		return
	}
	s.delay = d
	s.limiter.SetLimit(limitFor(d))
	observability.UpdateMetadataSpacing(d)
}

func limitFor(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}
