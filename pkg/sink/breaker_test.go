package sink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(threshold int, cooldown, maxCooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(threshold, cooldown, maxCooldown, nil)
	now := time.Now()
	b.clock = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute, 10*time.Minute)

	assert.Equal(t, BreakerClosed, b.State())
	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute, 10*time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute, 10*time.Minute)

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	// Cooldown elapses: exactly one probe goes through
	*now = now.Add(61 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe while half-open")

	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerFailedProbeDoublesCooldown(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute, 3*time.Minute)

	b.Failure()
	*now = now.Add(61 * time.Second)
	assert.True(t, b.Allow())
	b.Failure()

	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 2*time.Minute, b.Cooldown())

	// One minute is not enough anymore
	*now = now.Add(61 * time.Second)
	assert.False(t, b.Allow())
	*now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())

	// Doubling caps at the maximum
	b.Failure()
	assert.Equal(t, 3*time.Minute, b.Cooldown())
}

func TestBreakerSuccessfulProbeResetsCooldown(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute, 10*time.Minute)

	b.Failure()
	*now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())
	b.Failure() // cooldown now 2m
	*now = now.Add(3 * time.Minute)
	assert.True(t, b.Allow())
	b.Success()

	assert.Equal(t, time.Minute, b.Cooldown())
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
	assert.Equal(t, "open", BreakerOpen.String())
}
