package queue

import (
	"context"
	"sync"
	"time"

	"github.com/fieldbridge/fieldbridge/pkg/metrics"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// OfferResult reports what happened to a record offered to the queue
type OfferResult int

const (
	// Accepted means the record is in the in-memory queue
	Accepted OfferResult = iota
	// Spilled means the record was diverted to the disk spool
	Spilled
	// DroppedNewest means the offered record was refused
	DroppedNewest
	// DroppedOldest means the head was evicted to admit the offered record
	DroppedOldest
	// Rejected means the queue is closed
	Rejected
)

// SpillFunc diverts a record to the disk spool. It returns an error when the
// spool cannot take the record, in which case the drop policy applies.
type SpillFunc func(*types.ProtocolRecord) error

// Queue is the bounded in-memory FIFO between protocol clients and the
// batcher. Offer never blocks; Take blocks with a timeout. The queue is the
// only mutable structure shared across sources and serializes all mutation
// internally.
type Queue struct {
	mu sync.Mutex
	// front holds records reinjected from the spool; they drain ahead of
	// fresh production but keep their own order.
	front  []*types.ProtocolRecord
	items  []*types.ProtocolRecord
	closed bool

	capacity  int
	policy    types.DropPolicy
	highWater int
	lowWater  int

	spill    SpillFunc
	counters *metrics.Counters

	// signal wakes one blocked Take when a record arrives
	signal chan struct{}
}

// Options configures a Queue
type Options struct {
	Capacity         int
	Policy           types.DropPolicy
	HighWatermarkPct int
	LowWatermarkPct  int
	Spill            SpillFunc
	Counters         *metrics.Counters
}

// New creates a bounded queue. Capacity must be positive; the caller
// validates configuration before construction.
func New(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 10000
	}
	if opts.Policy == "" {
		opts.Policy = types.DropNewest
	}
	if opts.HighWatermarkPct <= 0 || opts.HighWatermarkPct > 100 {
		opts.HighWatermarkPct = 90
	}
	if opts.LowWatermarkPct <= 0 {
		opts.LowWatermarkPct = 50
	}
	return &Queue{
		items:     make([]*types.ProtocolRecord, 0, opts.Capacity),
		capacity:  opts.Capacity,
		policy:    opts.Policy,
		highWater: opts.Capacity * opts.HighWatermarkPct / 100,
		lowWater:  opts.Capacity * opts.LowWatermarkPct / 100,
		spill:     opts.Spill,
		counters:  opts.Counters,
		signal:    make(chan struct{}, 1),
	}
}

// Offer attempts to enqueue a record without blocking. The record's ingest
// timestamp is stamped on entry. Overflow behavior follows the configured
// drop policy; above the high watermark records divert to the spool when one
// is attached.
func (q *Queue) Offer(r *types.ProtocolRecord) OfferResult {
	r.IngestTimeUS = time.Now().UnixMicro()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Rejected
	}

	depth := len(q.front) + len(q.items)

	// Watermark spill: keep headroom in memory while the sink is behind.
	if q.spill != nil && depth >= q.highWater {
		q.mu.Unlock()
		if err := q.spill(r); err == nil {
			if q.counters != nil {
				q.counters.Spooled.Add(1)
			}
			metrics.RecordsSpooled.WithLabelValues(r.SourceName).Inc()
			return Spilled
		}
		// Spool refused the record; fall through to the drop policy.
		q.mu.Lock()
		depth = len(q.front) + len(q.items)
	}

	if depth < q.capacity {
		q.items = append(q.items, r)
		q.mu.Unlock()
		q.wake()
		return Accepted
	}

	switch q.policy {
	case types.DropOldest:
		if len(q.front) > 0 {
			q.front = q.front[1:]
		} else {
			q.items = q.items[1:]
		}
		q.items = append(q.items, r)
		q.mu.Unlock()
		if q.counters != nil {
			q.counters.DroppedOldest.Add(1)
		}
		metrics.RecordsDropped.WithLabelValues(string(types.DropOldest)).Inc()
		q.wake()
		return DroppedOldest
	default:
		q.mu.Unlock()
		if q.counters != nil {
			q.counters.DroppedNewest.Add(1)
		}
		metrics.RecordsDropped.WithLabelValues(string(types.DropNewest)).Inc()
		return DroppedNewest
	}
}

// InjectDrained reinjects records recovered from the spool, preserving their
// (segment, offset) order. With prepend they drain ahead of fresh production;
// otherwise they join the tail. The number of records accepted is returned;
// the remainder stays with the caller.
func (q *Queue) InjectDrained(records []*types.ProtocolRecord, prepend bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}

	room := q.capacity - len(q.front) - len(q.items)
	if room <= 0 {
		return 0
	}
	n := len(records)
	if n > room {
		n = room
	}

	if prepend {
		q.front = append(q.front, records[:n]...)
	} else {
		q.items = append(q.items, records[:n]...)
	}
	q.wake()
	return n
}

// Take removes and returns the head record, blocking until one is available,
// the timeout elapses, or ctx is cancelled. ok is false on timeout, close,
// and cancellation.
func (q *Queue) Take(ctx context.Context, timeout time.Duration) (*types.ProtocolRecord, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.front) > 0 || len(q.items) > 0 {
			var r *types.ProtocolRecord
			if len(q.front) > 0 {
				r = q.front[0]
				q.front = q.front[1:]
			} else {
				r = q.items[0]
				q.items = q.items[1:]
			}
			remaining := len(q.front) + len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.wake()
			}
			return r, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.signal:
		case <-deadline.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// wake nudges one blocked Take without blocking the caller
func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Depth returns the current number of queued records
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.front) + len(q.items)
}

// Capacity returns the configured maximum depth
func (q *Queue) Capacity() int { return q.capacity }

// Drained reports whether the queue is closed and empty
func (q *Queue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.front) == 0 && len(q.items) == 0
}

// BelowLowWatermark reports whether the spool drainer may reinject records
func (q *Queue) BelowLowWatermark() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.front)+len(q.items) < q.lowWater
}

// Close stops the queue. Pending records remain takeable; Offer is refused.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}
