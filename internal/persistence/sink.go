package persistence

import (
	"context"

	"pumpfeed/internal/domain"
)

// TradeSink receives trades after they were persisted. Sinks are best effort.
type TradeSink interface {
	Name() string
	WriteTrades(ctx context.Context, trades []*domain.PreparedTrade) error
}

// BackfillQueue accepts mints that need metadata enrichment.
type BackfillQueue interface {
	Enqueue(mints ...string)
}
