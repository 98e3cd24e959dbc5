package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := NewCircuitBreaker(maxFailures, 100*time.Millisecond)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker(t *testing.T) {
	cb, clock := newTestBreaker(3)

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "should remain closed after 2 failures")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	clock.Advance(150 * time.Millisecond)
	assert.True(t, cb.Allow(), "trial request after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one trial request at a time")

	// Probe fails: open again
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	// Probe succeeds: closed
	clock.Advance(150 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.failures)
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(2)

	cb.Failure()
	cb.Success()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Release(t *testing.T) {
	cb, clock := newTestBreaker(1)

	cb.Failure()
	clock.Advance(time.Second)
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow())

	cb.Release()
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Allow())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "State(7)", State(7).String())
}
