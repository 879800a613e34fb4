// Package resilience bounds and protects calls to model backends.
// It provides the sliding-window TaskRateLimiter used for summarization and
// embedding batches, the single-slot Semaphore guarding local model compute
// and a CircuitBreaker for remote APIs.
package resilience
