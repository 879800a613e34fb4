package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/blueberrycongee/chatmemory/internal/resilience"
)

// localTasksPerMinute is effectively unthrottled: a local model is bounded by
// its single compute slot, not by a request quota.
const localTasksPerMinute = 1000

var errEmptyResult = errors.New("empty summary returned")

// SummarizeFunc summarizes one batch.
type SummarizeFunc func(ctx context.Context, turns []Turn) (string, error)

// Dispatcher runs all summarization batches of one engine run and returns one
// text per batch, in batch order. Any failure fails the whole dispatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, batches [][]Turn, summarize SummarizeFunc) ([]string, error)
}

// DispatcherFactory builds the dispatcher for a run. local reports whether
// the summarizer is a local model.
type DispatcherFactory func(settings Settings, local bool) (Dispatcher, error)

// ParallelDispatcher submits every batch at once through a task limiter.
type ParallelDispatcher struct {
	limiter *resilience.TaskRateLimiter
}

// NewParallelDispatcher creates a dispatcher bound to limiter.
func NewParallelDispatcher(limiter *resilience.TaskRateLimiter) *ParallelDispatcher {
	return &ParallelDispatcher{limiter: limiter}
}

// Dispatch implements Dispatcher.
func (d *ParallelDispatcher) Dispatch(ctx context.Context, batches [][]Turn, summarize SummarizeFunc) ([]string, error) {
	fns := make([]func(ctx context.Context) (string, error), len(batches))
	for i, batch := range batches {
		batch := batch
		fns[i] = func(ctx context.Context) (string, error) {
			return summarize(ctx, batch)
		}
	}

	result := resilience.ExecuteBatch(ctx, d.limiter, fns)
	if !result.AllSucceeded {
		return nil, resilience.RepresentativeError(result.Errors())
	}

	texts := make([]string, len(batches))
	for i, r := range result.Results {
		if strings.TrimSpace(r.Data) == "" {
			return nil, fmt.Errorf("batch %d: %w", i, errEmptyResult)
		}
		texts[i] = r.Data
	}
	return texts, nil
}

// SequentialDispatcher summarizes batches one after another and stops at the
// first failure.
type SequentialDispatcher struct{}

// Dispatch implements Dispatcher.
func (SequentialDispatcher) Dispatch(ctx context.Context, batches [][]Turn, summarize SummarizeFunc) ([]string, error) {
	texts := make([]string, 0, len(batches))
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := summarize(ctx, batch)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("batch %d: %w", i, errEmptyResult)
		}
		texts = append(texts, text)
	}
	return texts, nil
}

// RateLimitedDispatch returns a factory that builds a fresh fail-fast limiter
// per run from the preset. Remote models use the preset's summarization quota;
// a local model runs one batch at a time. store shares the admission window
// across processes when non-nil.
func RateLimitedDispatch(store resilience.WindowStore, logger *slog.Logger) DispatcherFactory {
	return func(settings Settings, local bool) (Dispatcher, error) {
		cfg := resilience.TaskLimiterConfig{
			Name:               "summarization",
			TasksPerMinute:     settings.Summarization.RequestsPerMinute,
			MaxConcurrentTasks: settings.Summarization.MaxConcurrent,
			FailFast:           true,
			Store:              store,
			Logger:             logger,
		}
		if local {
			cfg.Name = "summarization-local"
			cfg.TasksPerMinute = localTasksPerMinute
			cfg.MaxConcurrentTasks = 1
			cfg.Store = nil
		}

		limiter, err := resilience.NewTaskRateLimiter(cfg)
		if err != nil {
			return nil, err
		}
		return NewParallelDispatcher(limiter), nil
	}
}

// SequentialDispatch returns a factory that always summarizes inline.
func SequentialDispatch() DispatcherFactory {
	return func(Settings, bool) (Dispatcher, error) {
		return SequentialDispatcher{}, nil
	}
}
