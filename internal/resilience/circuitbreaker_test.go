package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("test-backend", cfg)
	cb.now = clock.Now
	return cb, clock
}

var errBackend = errors.New("backend down")

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Second})

	for i := 0; i < 2; i++ {
		require.True(t, cb.Allow())
		cb.Record(errBackend)
	}
	require.True(t, cb.Allow())
	cb.Record(nil)
	assert.Equal(t, StateClosed, cb.State(), "success resets the streak")

	for i := 0; i < 3; i++ {
		require.True(t, cb.Allow())
		cb.Record(errBackend)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Cooldown:         time.Second,
		HalfOpenMaxCalls: 1,
	})

	require.True(t, cb.Allow())
	cb.Record(errBackend)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	require.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe at a time")

	cb.Record(nil)
	require.True(t, cb.Allow())
	cb.Record(nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Available(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Second, HalfOpenMaxCalls: 1})
	assert.True(t, cb.Available())

	require.True(t, cb.Allow())
	cb.Record(errBackend)
	assert.False(t, cb.Available())

	clock.Advance(time.Second)
	assert.True(t, cb.Available())
	assert.Equal(t, StateOpen, cb.State(), "Available does not transition")
	assert.True(t, cb.Allow(), "and does not consume the probe")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Second})

	require.True(t, cb.Allow())
	cb.Record(errBackend)
	clock.Advance(time.Second)
	require.True(t, cb.Allow())
	cb.Record(errBackend)

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_CancellationIsNeutral(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	require.True(t, cb.Allow())
	cb.Record(context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_DisabledAlwaysAllows(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{})
	for i := 0; i < 10; i++ {
		require.True(t, cb.Allow())
		cb.Record(errBackend)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	changes := make(chan CircuitState, 1)
	cb.OnStateChange(func(name string, from, to CircuitState) {
		assert.Equal(t, "test-backend", name)
		assert.Equal(t, StateClosed, from)
		changes <- to
	})

	cb.Allow()
	cb.Record(errBackend)

	select {
	case to := <-changes:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("state change not reported")
	}
}

func TestGuard(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})

	_, err := Guard(context.Background(), cb, func(context.Context) (string, error) {
		return "", errBackend
	})
	assert.ErrorIs(t, err, errBackend)

	called := false
	_, err = Guard(context.Background(), cb, func(context.Context) (string, error) {
		called = true
		return "ok", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	out, err := Guard(context.Background(), nil, func(context.Context) (string, error) {
		return "direct", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "direct", out)
}
