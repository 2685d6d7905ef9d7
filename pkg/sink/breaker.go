package sink

import (
	"sync"
	"time"

	"github.com/fieldbridge/fieldbridge/pkg/metrics"
)

// BreakerState is the circuit breaker's position
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	}
	return "unknown"
}

// Breaker is the sink circuit breaker. N consecutive failures open it; after
// a cooldown one probe is allowed through. A successful probe closes the
// breaker, a failed probe reopens it with the cooldown doubled up to a cap.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	baseCool  time.Duration
	maxCool   time.Duration
	openedAt  time.Time
	counters  *metrics.Counters
	clock     func() time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(threshold int, cooldown, maxCooldown time.Duration, counters *metrics.Counters) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if maxCooldown < cooldown {
		maxCooldown = cooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		baseCool:  cooldown,
		maxCool:   maxCooldown,
		counters:  counters,
		clock:     time.Now,
	}
}

// Allow reports whether a delivery attempt may proceed. While open it
// returns false until the cooldown elapses, then admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(BreakerHalfOpen)
		return true
	case BreakerHalfOpen:
		// A probe is already in flight
		return false
	}
	return false
}

// Success records a delivered batch
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != BreakerClosed {
		b.cooldown = b.baseCool
		b.setState(BreakerClosed)
	}
}

// Failure records a failed delivery attempt
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	case BreakerHalfOpen:
		// Failed probe: back off harder
		b.cooldown *= 2
		if b.cooldown > b.maxCool {
			b.cooldown = b.maxCool
		}
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.clock()
	b.failures = 0
	b.setState(BreakerOpen)
	if b.counters != nil {
		b.counters.BreakerTrips.Add(1)
	}
	metrics.BreakerTrips.Inc()
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	switch s {
	case BreakerClosed:
		metrics.BreakerState.Set(0)
	case BreakerHalfOpen:
		metrics.BreakerState.Set(1)
	case BreakerOpen:
		metrics.BreakerState.Set(2)
	}
}

// State returns the breaker's current position
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Cooldown returns the current cooldown period
func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}
