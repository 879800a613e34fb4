package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/blueberrycongee/chatmemory/internal/metrics"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	// StateClosed lets calls through.
	StateClosed CircuitState = iota
	// StateOpen rejects calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets a few probe calls through.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while a backend is considered down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Zero disables the breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// SuccessThreshold is the number of half-open successes that closes it.
	SuccessThreshold int `yaml:"success_threshold"`
	// Cooldown is how long the circuit stays open.
	Cooldown time.Duration `yaml:"cooldown"`
	// HalfOpenMaxCalls bounds concurrent probes.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
}

// DefaultCircuitBreakerConfig opens after 5 failures for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker stops calls to a model backend after repeated failures, so
// that a dead summarization or embedding API fails runs fast instead of
// holding limiter slots until timeout.
type CircuitBreaker struct {
	mu          sync.Mutex
	name        string
	cfg         CircuitBreakerConfig
	state       CircuitState
	failures    int
	successes   int
	probes      int
	openedAt    time.Time
	now         func() time.Time
	onTransform func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a closed breaker for the backend name.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	cb := &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// OnStateChange registers fn to run after each transition.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTransform = fn
}

// Name returns the backend name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Available reports whether a call would be admitted now, without
// consuming a half-open probe.
func (cb *CircuitBreaker) Available() bool {
	if cb.cfg.FailureThreshold <= 0 {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		return cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown
	}
	return true
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by Record.
func (cb *CircuitBreaker) Allow() bool {
	if cb.cfg.FailureThreshold <= 0 {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return false
		}
		cb.transitionTo(StateHalfOpen)
		cb.probes = 1
		return true
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxCalls {
			return false
		}
		cb.probes++
		return true
	default:
		return true
	}
}

// Record reports the outcome of an allowed call. Caller cancellation does
// not count against the backend.
func (cb *CircuitBreaker) Record(err error) {
	if cb.cfg.FailureThreshold <= 0 {
		return
	}
	if errors.Is(err, context.Canceled) {
		cb.mu.Lock()
		if cb.state == StateHalfOpen && cb.probes > 0 {
			cb.probes--
		}
		cb.mu.Unlock()
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.transitionTo(StateClosed)
			}
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.transitionTo(StateOpen)
}

func (cb *CircuitBreaker) transitionTo(next CircuitState) {
	cb.failures, cb.successes, cb.probes = 0, 0, 0
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(next))
	if cb.onTransform != nil {
		go cb.onTransform(cb.name, prev, next)
	}
}

// Guard runs fn through cb and records its outcome.
func Guard[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cb == nil {
		return fn(ctx)
	}
	if !cb.Allow() {
		return zero, ErrCircuitOpen
	}
	out, err := fn(ctx)
	cb.Record(err)
	return out, err
}
