package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/chatmemory/internal/metrics"
)

// ErrTaskCanceled matches every TaskCanceledError via errors.Is.
var ErrTaskCanceled = errors.New("task canceled")

// TaskCanceledError is delivered to queued tasks dropped by CancelPendingTasks.
type TaskCanceledError struct {
	Reason string
}

func (e *TaskCanceledError) Error() string {
	return e.Reason
}

// Is makes errors.Is(err, ErrTaskCanceled) true.
func (e *TaskCanceledError) Is(target error) bool {
	return target == ErrTaskCanceled
}

// failFastReason is the cancellation reason used after a failed task.
const failFastReason = "task canceled due to previous failure"

// TaskLimiterConfig configures a TaskRateLimiter.
type TaskLimiterConfig struct {
	// Name labels queue metrics and log lines.
	Name               string
	TasksPerMinute     int
	MaxConcurrentTasks int
	FailFast           bool
	// Window defaults to one minute.
	Window time.Duration
	// Store defaults to an in-process window.
	Store  WindowStore
	Logger *slog.Logger
}

// DefaultTaskLimiterConfig returns 20 tasks per minute, 5 concurrent, fail-fast.
func DefaultTaskLimiterConfig() TaskLimiterConfig {
	return TaskLimiterConfig{
		Name:               "default",
		TasksPerMinute:     20,
		MaxConcurrentTasks: 5,
		FailFast:           true,
		Window:             time.Minute,
	}
}

// TaskFunc is a unit of work run by the limiter.
type TaskFunc func(ctx context.Context) (any, error)

// TaskResult is the outcome of one task. Err is set iff Success is false.
type TaskResult[T any] struct {
	Success bool
	Data    T
	Err     error
}

// BatchResult holds results in submission order.
type BatchResult[T any] struct {
	Results      []TaskResult[T]
	SuccessCount int
	FailureCount int
	AllSucceeded bool
}

// Errors returns the errors of failed results in order.
func (b *BatchResult[T]) Errors() []error {
	var errs []error
	for _, r := range b.Results {
		if !r.Success {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

type queuedTask struct {
	ctx  context.Context
	run  TaskFunc
	done chan TaskResult[any]
}

// TaskRateLimiter admits tasks under both a concurrency cap and a sliding
// window throughput cap. Tasks are started in FIFO order.
type TaskRateLimiter struct {
	mu            sync.Mutex
	cfg           TaskLimiterConfig
	store         WindowStore
	active        int
	admitting     bool
	queue         []*queuedTask
	retry         *time.Timer
	onQueueChange func(queued int)
	now           func() time.Time
	logger        *slog.Logger
}

// NewTaskRateLimiter validates cfg and creates a limiter.
func NewTaskRateLimiter(cfg TaskLimiterConfig) (*TaskRateLimiter, error) {
	if cfg.TasksPerMinute <= 0 {
		return nil, fmt.Errorf("tasks per minute must be positive, got %d", cfg.TasksPerMinute)
	}
	if cfg.MaxConcurrentTasks <= 0 {
		return nil, fmt.Errorf("max concurrent tasks must be positive, got %d", cfg.MaxConcurrentTasks)
	}
	if cfg.MaxConcurrentTasks > cfg.TasksPerMinute {
		return nil, fmt.Errorf("max concurrent tasks (%d) cannot exceed tasks per minute (%d)",
			cfg.MaxConcurrentTasks, cfg.TasksPerMinute)
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	store := cfg.Store
	if store == nil {
		store = NewLocalWindow()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TaskRateLimiter{
		cfg:    cfg,
		store:  store,
		now:    time.Now,
		logger: logger.With("limiter", cfg.Name),
	}, nil
}

// SetQueueChangeCallback registers fn to be called with the queue depth after
// every enqueue, dequeue or cancellation.
func (l *TaskRateLimiter) SetQueueChangeCallback(fn func(queued int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onQueueChange = fn
}

// QueuedTaskCount returns the number of tasks waiting for admission.
func (l *TaskRateLimiter) QueuedTaskCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// ActiveTaskCount returns the number of running tasks.
func (l *TaskRateLimiter) ActiveTaskCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Submit enqueues fn and returns a channel receiving exactly one result.
func (l *TaskRateLimiter) Submit(ctx context.Context, fn TaskFunc) <-chan TaskResult[any] {
	task := &queuedTask{ctx: ctx, run: fn, done: make(chan TaskResult[any], 1)}

	l.mu.Lock()
	l.queue = append(l.queue, task)
	queued := len(l.queue)
	cb := l.onQueueChange
	l.mu.Unlock()

	l.notify(cb, queued)
	l.processQueue()
	return task.done
}

// CancelPendingTasks rejects every queued task with a TaskCanceledError.
// Running tasks are not interrupted.
func (l *TaskRateLimiter) CancelPendingTasks(reason string) {
	l.mu.Lock()
	pending := l.queue
	l.queue = nil
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	cb := l.onQueueChange
	l.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	l.logger.Debug("canceling pending tasks", "count", len(pending), "reason", reason)
	for _, task := range pending {
		task.done <- TaskResult[any]{Err: &TaskCanceledError{Reason: reason}}
	}
	l.notify(cb, 0)
}

// processQueue starts queued tasks while capacity allows. Only one goroutine
// admits at a time; the window store is consulted without holding l.mu, so a
// slow shared store does not block completions, cancellation or counters.
// Callers that find admission in progress return at once: the admitting
// goroutine re-reads the queue after every store call.
func (l *TaskRateLimiter) processQueue() {
	l.mu.Lock()
	if l.admitting {
		l.mu.Unlock()
		return
	}
	l.admitting = true
	defer func() {
		l.admitting = false
		l.mu.Unlock()
	}()

	for len(l.queue) > 0 && l.active < l.cfg.MaxConcurrentTasks {
		head := l.queue[0]
		if err := head.ctx.Err(); err != nil {
			l.queue = l.queue[1:]
			queued, cb := len(l.queue), l.onQueueChange
			l.mu.Unlock()
			head.done <- TaskResult[any]{Err: err}
			l.notify(cb, queued)
			l.mu.Lock()
			continue
		}

		l.mu.Unlock()
		admitted, wait, err := l.store.Admit(head.ctx, l.now(), l.cfg.Window, l.cfg.TasksPerMinute)
		l.mu.Lock()
		if err != nil {
			l.logger.Warn("window store unavailable, admitting task", "error", err)
			admitted = true
		}
		if !admitted {
			l.scheduleRetryLocked(wait)
			return
		}
		if len(l.queue) == 0 || l.queue[0] != head {
			// Canceled while the store was consulted; its window slot stays used.
			continue
		}

		l.queue = l.queue[1:]
		l.active++
		queued, cb := len(l.queue), l.onQueueChange
		l.mu.Unlock()

		l.notify(cb, queued)
		go l.run(head)
		l.mu.Lock()
	}
}

func (l *TaskRateLimiter) scheduleRetryLocked(wait time.Duration) {
	if l.retry != nil {
		return
	}
	if wait < minRetryDelay {
		wait = minRetryDelay
	}
	l.retry = time.AfterFunc(wait, func() {
		l.mu.Lock()
		l.retry = nil
		l.mu.Unlock()
		l.processQueue()
	})
}

func (l *TaskRateLimiter) run(task *queuedTask) {
	data, err := l.safeRun(task)

	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	if err != nil {
		task.done <- TaskResult[any]{Err: err}
		if l.cfg.FailFast {
			l.CancelPendingTasks(failFastReason)
		}
	} else {
		task.done <- TaskResult[any]{Success: true, Data: data}
	}

	l.processQueue()
}

func (l *TaskRateLimiter) safeRun(task *queuedTask) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.run(task.ctx)
}

func (l *TaskRateLimiter) notify(cb func(int), queued int) {
	metrics.TaskQueueDepth.WithLabelValues(l.cfg.Name).Set(float64(queued))
	if cb != nil {
		cb(queued)
	}
}

// Execute runs fn through the limiter and waits for its result.
func Execute[T any](ctx context.Context, l *TaskRateLimiter, fn func(ctx context.Context) (T, error)) TaskResult[T] {
	done := l.Submit(ctx, wrapTask(fn))
	select {
	case res := <-done:
		return convertResult[T](res)
	case <-ctx.Done():
		return TaskResult[T]{Err: ctx.Err()}
	}
}

// ExecuteBatch submits all fns at once and returns results in input order.
func ExecuteBatch[T any](ctx context.Context, l *TaskRateLimiter, fns []func(ctx context.Context) (T, error)) *BatchResult[T] {
	chans := make([]<-chan TaskResult[any], len(fns))
	for i, fn := range fns {
		chans[i] = l.Submit(ctx, wrapTask(fn))
	}

	batch := &BatchResult[T]{Results: make([]TaskResult[T], len(fns))}
	for i, ch := range chans {
		var res TaskResult[T]
		select {
		case raw := <-ch:
			res = convertResult[T](raw)
		case <-ctx.Done():
			res = TaskResult[T]{Err: ctx.Err()}
		}
		batch.Results[i] = res
		if res.Success {
			batch.SuccessCount++
		} else {
			batch.FailureCount++
		}
	}
	batch.AllSucceeded = batch.FailureCount == 0
	return batch
}

// RepresentativeError returns the first error that is not a cancellation,
// falling back to the first error.
func RepresentativeError(errs []error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, ErrTaskCanceled) {
			return err
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func wrapTask[T any](fn func(ctx context.Context) (T, error)) TaskFunc {
	return func(ctx context.Context) (any, error) {
		return fn(ctx)
	}
}

func convertResult[T any](raw TaskResult[any]) TaskResult[T] {
	if !raw.Success {
		return TaskResult[T]{Err: raw.Err}
	}
	data, _ := raw.Data.(T)
	return TaskResult[T]{Success: true, Data: data}
}
