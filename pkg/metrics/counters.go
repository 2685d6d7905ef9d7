package metrics

import "sync/atomic"

// Counters is the pipeline's shared counter block. Components increment the
// atomic fields directly; the management API serves Snapshot() as JSON.
// The accounting invariant the pipeline maintains is
//
//	inflight + queued + spooled + acknowledged + dropped + dlq == ingested
type Counters struct {
	Ingested      atomic.Uint64
	Sent          atomic.Uint64
	DroppedNewest atomic.Uint64
	DroppedOldest atomic.Uint64
	Spooled       atomic.Uint64
	Drained       atomic.Uint64
	Retries       atomic.Uint64
	BreakerTrips  atomic.Uint64
	DLQ           atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters plus current gauges
type Snapshot struct {
	Ingested      uint64 `json:"ingested"`
	Sent          uint64 `json:"sent"`
	DroppedNewest uint64 `json:"dropped_newest"`
	DroppedOldest uint64 `json:"dropped_oldest"`
	Spooled       uint64 `json:"spooled"`
	Drained       uint64 `json:"drained"`
	Retries       uint64 `json:"retries"`
	BreakerTrips  uint64 `json:"breaker_trips"`
	DLQCount      uint64 `json:"dlq_count"`
	QueueDepth    int    `json:"queue_depth"`
	SpoolBytes    int64  `json:"spool_bytes"`
	Inflight      int    `json:"inflight"`
}

// Snapshot returns a consistent-enough copy for status reporting. Individual
// fields are read atomically; the set as a whole is not a transaction.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Ingested:      c.Ingested.Load(),
		Sent:          c.Sent.Load(),
		DroppedNewest: c.DroppedNewest.Load(),
		DroppedOldest: c.DroppedOldest.Load(),
		Spooled:       c.Spooled.Load(),
		Drained:       c.Drained.Load(),
		Retries:       c.Retries.Load(),
		BreakerTrips:  c.BreakerTrips.Load(),
		DLQCount:      c.DLQ.Load(),
	}
}
