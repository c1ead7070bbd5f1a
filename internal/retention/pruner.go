// Package retention deletes trades older than the retention window.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pumpfeed/internal/observability"
	"pumpfeed/internal/storage"
)

// Options contains configuration for creating a Pruner.
type Options struct {
	Trades    storage.TradeStore
	Retention time.Duration // trades older than this are deleted
	Interval  time.Duration // Default: 1h
	ChunkSize int           // Default: 10000 rows per statement
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Pruner removes old trades in bounded chunks.
type Pruner struct {
	trades    storage.TradeStore
	retention time.Duration
	interval  time.Duration
	chunkSize int
	now       func() time.Time
	log       zerolog.Logger
}

// NewPruner creates a new pruner.
func NewPruner(opts Options) *Pruner {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 10_000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pruner{
		trades:    opts.Trades,
		retention: opts.Retention,
		interval:  opts.Interval,
		chunkSize: opts.ChunkSize,
		now:       opts.Now,
		log:       opts.Logger.With().Str("component", "retention").Logger(),
	}
}

// RunOnce deletes every trade older than the window. Returns rows removed.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	cutoff := p.now().Add(-p.retention).UnixMilli()

	var total int64
	for {
		n, err := p.trades.DeleteBefore(ctx, cutoff, p.chunkSize)
		total += n
		observability.RecordPruned(n)
		if err != nil {
			return total, fmt.Errorf("delete trades before %d: %w", cutoff, err)
		}
		if n < int64(p.chunkSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Run prunes immediately and then every interval until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	if p.retention <= 0 {
		p.log.Info().Msg("trade retention disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		n, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Int64("deleted", n).Msg("prune failed")
		} else if n > 0 {
			p.log.Info().Int64("deleted", n).Dur("retention", p.retention).Msg("pruned old trades")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
