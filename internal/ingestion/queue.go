package ingestion

import (
	"sync"

	"github.com/rs/zerolog"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/observability"
)

// Queue is the FIFO of decoded trades waiting for a batch worker.
//
// With a positive max, Push sheds the oldest items to stay within the bound.
// Requeued batches (PushFront) are never shed on entry; they were admitted
// once already, so the queue may briefly exceed max by the in-flight batches.
type Queue struct {
	mu        sync.Mutex
	items     []*domain.DecodedTrade
	max       int
	threshold int
	ready     chan struct{}
	shed      int64
	log       zerolog.Logger
}

// NewQueue creates a queue. threshold is the depth at which Ready fires;
// maxSize <= 0 means unbounded.
func NewQueue(maxSize, threshold int, log zerolog.Logger) *Queue {
	if threshold <= 0 {
		threshold = 1
	}
	return &Queue{
		max:       maxSize,
		threshold: threshold,
		ready:     make(chan struct{}, 1),
		log:       log.With().Str("component", "queue").Logger(),
	}
}

// Push appends a trade.
func (q *Queue) Push(t *domain.DecodedTrade) {
	q.mu.Lock()
	q.items = append(q.items, t)
	dropped := 0
	if q.max > 0 && len(q.items) > q.max {
		dropped = len(q.items) - q.max
		clear(q.items[:dropped])
		q.items = q.items[dropped:]
		q.shed += int64(dropped)
	}
	depth := len(q.items)
	q.mu.Unlock()

	if dropped > 0 {
		observability.RecordShed(dropped)
		q.log.Warn().Int("dropped", dropped).Int("depth", depth).Msg("queue full, shed oldest trades")
	}
	observability.UpdateQueue(depth)
	q.notify(depth)
}

// PushFront puts a batch back at the head of the queue, preserving its order.
func (q *Queue) PushFront(batch []*domain.DecodedTrade) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	items := make([]*domain.DecodedTrade, 0, len(batch)+len(q.items))
	items = append(items, batch...)
	q.items = append(items, q.items...)
	depth := len(q.items)
	q.mu.Unlock()

	observability.UpdateQueue(depth)
}

// Claim removes and returns up to n trades from the head of the queue.
// No two callers ever receive the same item.
func (q *Queue) Claim(n int) []*domain.DecodedTrade {
	q.mu.Lock()
	if n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		q.mu.Unlock()
		return nil
	}
	batch := make([]*domain.DecodedTrade, n)
	copy(batch, q.items[:n])
	clear(q.items[:n])
	q.items = q.items[n:]
	depth := len(q.items)
	q.mu.Unlock()

	observability.UpdateQueue(depth)
	return batch
}

// Len returns the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Shed returns how many trades were dropped by the bound so far.
func (q *Queue) Shed() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shed
}

// Ready fires when the depth reached the threshold.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// AboveThreshold reports whether a full batch is waiting.
func (q *Queue) AboveThreshold() bool {
	return q.Len() >= q.threshold
}

func (q *Queue) notify(depth int) {
	if depth < q.threshold {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// wake re-signals Ready if a full batch is still waiting, so that another
// idle worker picks it up.
func (q *Queue) wake() {
	q.notify(q.Len())
}
