package resilience

import (
	"context"
	"errors"
)

// ErrSemaphoreFull is returned by TryAcquire callers that need an error value.
var ErrSemaphoreFull = errors.New("semaphore is full")

// Semaphore bounds access to a shared resource such as a loaded local model.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity (minimum 1).
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// TryAcquire takes a permit without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until a permit is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit. Releasing an unheld semaphore is a no-op.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// Current returns the number of held permits.
func (s *Semaphore) Current() int {
	return len(s.slots)
}

// Capacity returns the semaphore capacity.
func (s *Semaphore) Capacity() int {
	return cap(s.slots)
}

// Available returns the number of free permits.
func (s *Semaphore) Available() int {
	return cap(s.slots) - len(s.slots)
}
