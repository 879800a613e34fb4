package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, tpm, concurrent int, window time.Duration) *TaskRateLimiter {
	t.Helper()
	cfg := DefaultTaskLimiterConfig()
	cfg.Name = t.Name()
	cfg.TasksPerMinute = tpm
	cfg.MaxConcurrentTasks = concurrent
	cfg.Window = window
	l, err := NewTaskRateLimiter(cfg)
	require.NoError(t, err)
	return l
}

func TestNewTaskRateLimiterValidation(t *testing.T) {
	tests := []struct {
		name       string
		tpm        int
		concurrent int
		wantErr    bool
	}{
		{"valid", 20, 5, false},
		{"concurrency equals rpm", 3, 3, false},
		{"concurrency above rpm", 2, 3, true},
		{"zero rpm", 0, 1, true},
		{"zero concurrency", 5, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTaskLimiterConfig()
			cfg.TasksPerMinute = tt.tpm
			cfg.MaxConcurrentTasks = tt.concurrent
			_, err := NewTaskRateLimiter(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExecuteReturnsData(t *testing.T) {
	l := newTestLimiter(t, 10, 2, time.Minute)

	res := Execute(context.Background(), l, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.True(t, res.Success)
	assert.Equal(t, "ok", res.Data)

	res = Execute(context.Background(), l, func(ctx context.Context) (string, error) {
		return "", errors.New("boom")
	})
	assert.False(t, res.Success)
	assert.EqualError(t, res.Err, "boom")
}

func TestThroughputWindowDefersThirdTask(t *testing.T) {
	const window = 300 * time.Millisecond
	l := newTestLimiter(t, 2, 1, window)

	var mu sync.Mutex
	var starts []time.Time
	var running, peak atomic.Int32

	task := func(ctx context.Context) (int, error) {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		running.Add(-1)
		return 0, nil
	}

	batch := ExecuteBatch(context.Background(), l, []func(context.Context) (int, error){task, task, task})
	require.True(t, batch.AllSucceeded)
	require.Len(t, starts, 3)

	assert.GreaterOrEqual(t, starts[2].Sub(starts[0]), window-20*time.Millisecond)
	assert.Equal(t, int32(1), peak.Load())
}

func TestConcurrencyCap(t *testing.T) {
	l := newTestLimiter(t, 100, 2, time.Minute)

	var running, peak atomic.Int32
	fns := make([]func(context.Context) (int, error), 8)
	for i := range fns {
		i := i
		fns[i] = func(ctx context.Context) (int, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return i, nil
		}
	}

	batch := ExecuteBatch(context.Background(), l, fns)
	require.True(t, batch.AllSucceeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	for i, r := range batch.Results {
		assert.Equal(t, i, r.Data, "results must keep input order")
	}
}

func TestFailFastCancelsQueuedTasks(t *testing.T) {
	l := newTestLimiter(t, 100, 1, time.Minute)

	var ran atomic.Int32
	ok := func(ctx context.Context) (string, error) {
		ran.Add(1)
		return "ok", nil
	}
	fail := func(ctx context.Context) (string, error) {
		ran.Add(1)
		return "", errors.New("upstream rejected")
	}

	batch := ExecuteBatch(context.Background(), l, []func(context.Context) (string, error){ok, fail, ok, ok, ok})

	require.Len(t, batch.Results, 5)
	assert.True(t, batch.Results[0].Success)
	assert.EqualError(t, batch.Results[1].Err, "upstream rejected")
	for _, r := range batch.Results[2:] {
		assert.False(t, r.Success)
		assert.ErrorIs(t, r.Err, ErrTaskCanceled)
	}
	assert.Equal(t, int32(2), ran.Load())
	assert.Equal(t, 1, batch.SuccessCount)
	assert.Equal(t, 4, batch.FailureCount)
	assert.False(t, batch.AllSucceeded)
	assert.EqualError(t, RepresentativeError(batch.Errors()), "upstream rejected")
}

// blockingWindow admits every start but holds each Admit call until released.
type blockingWindow struct {
	entered chan struct{}
	release chan struct{}
}

func (w *blockingWindow) Admit(ctx context.Context, _ time.Time, _ time.Duration, _ int) (bool, time.Duration, error) {
	w.entered <- struct{}{}
	select {
	case <-w.release:
	case <-ctx.Done():
	}
	return true, 0, nil
}

func TestSlowWindowStoreDoesNotHoldLock(t *testing.T) {
	store := &blockingWindow{entered: make(chan struct{}, 1), release: make(chan struct{})}
	cfg := DefaultTaskLimiterConfig()
	cfg.Name = t.Name()
	cfg.Store = store
	l, err := NewTaskRateLimiter(cfg)
	require.NoError(t, err)

	var ran atomic.Int32
	resCh := make(chan TaskResult[any], 1)
	go func() {
		resCh <- <-l.Submit(context.Background(), func(context.Context) (any, error) {
			ran.Add(1)
			return nil, nil
		})
	}()

	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("window store was never consulted")
	}

	countDone := make(chan int, 1)
	go func() { countDone <- l.QueuedTaskCount() }()
	select {
	case n := <-countDone:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("QueuedTaskCount blocked behind the window store")
	}

	l.CancelPendingTasks("shutdown")
	close(store.release)

	select {
	case res := <-resCh:
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, ErrTaskCanceled)
	case <-time.After(time.Second):
		t.Fatal("task result not delivered")
	}
	assert.Zero(t, ran.Load())
	assert.Zero(t, l.ActiveTaskCount())
}

func TestFailFastDisabledRunsEverything(t *testing.T) {
	cfg := DefaultTaskLimiterConfig()
	cfg.MaxConcurrentTasks = 1
	cfg.FailFast = false
	l, err := NewTaskRateLimiter(cfg)
	require.NoError(t, err)

	fail := func(ctx context.Context) (int, error) { return 0, errors.New("nope") }
	ok := func(ctx context.Context) (int, error) { return 1, nil }

	batch := ExecuteBatch(context.Background(), l, []func(context.Context) (int, error){fail, ok, ok})
	assert.Equal(t, 2, batch.SuccessCount)
	assert.Equal(t, 1, batch.FailureCount)
}

func TestQueueChangeCallback(t *testing.T) {
	l := newTestLimiter(t, 100, 1, time.Minute)

	var mu sync.Mutex
	var depths []int
	l.SetQueueChangeCallback(func(queued int) {
		mu.Lock()
		depths = append(depths, queued)
		mu.Unlock()
	})

	task := func(ctx context.Context) (int, error) {
		time.Sleep(5 * time.Millisecond)
		return 0, nil
	}
	ExecuteBatch(context.Background(), l, []func(context.Context) (int, error){task, task, task})

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, depths)
	assert.Equal(t, 0, depths[len(depths)-1])
	assert.Equal(t, 0, l.QueuedTaskCount())
	assert.Equal(t, 0, l.ActiveTaskCount())
}

func TestCanceledContextSkipsQueuedTask(t *testing.T) {
	l := newTestLimiter(t, 100, 1, time.Minute)

	release := make(chan struct{})
	blocker := l.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	queued := l.Submit(ctx, func(ctx context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	cancel()
	close(release)

	<-blocker
	res := <-queued
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, ran.Load())
}

func TestTaskPanicBecomesError(t *testing.T) {
	l := newTestLimiter(t, 10, 1, time.Minute)
	res := Execute(context.Background(), l, func(ctx context.Context) (int, error) {
		panic("bad state")
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Err.Error(), "bad state")
}

func TestRepresentativeError(t *testing.T) {
	canceled := &TaskCanceledError{Reason: failFastReason}
	real := errors.New("quota exceeded")

	assert.Equal(t, real, RepresentativeError([]error{canceled, real}))
	assert.Equal(t, canceled, RepresentativeError([]error{canceled}))
	assert.NoError(t, RepresentativeError(nil))
}
