package resilience

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// minRetryDelay is the shortest wait before a deferred task is re-checked.
const minRetryDelay = 100 * time.Millisecond

// WindowStore records task start times inside a sliding window.
type WindowStore interface {
	// Admit evicts starts older than window, then records now if fewer than
	// limit starts remain. When the window is full it returns false and the
	// time until the oldest start leaves the window.
	Admit(ctx context.Context, now time.Time, window time.Duration, limit int) (bool, time.Duration, error)
}

// LocalWindow is an in-process WindowStore.
type LocalWindow struct {
	mu     sync.Mutex
	starts []time.Time
}

// NewLocalWindow creates an empty in-process window.
func NewLocalWindow() *LocalWindow {
	return &LocalWindow{}
}

// Admit implements WindowStore.
func (w *LocalWindow) Admit(_ context.Context, now time.Time, window time.Duration, limit int) (bool, time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window)
	kept := w.starts[:0]
	for _, ts := range w.starts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.starts = kept

	if len(w.starts) < limit {
		w.starts = append(w.starts, now)
		return true, 0, nil
	}
	return false, w.starts[0].Add(window).Sub(now), nil
}

// Len returns the number of starts currently recorded.
func (w *LocalWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.starts)
}

// slidingWindowScript admits one start into a sorted set scored by start time.
// Returns {admitted, wait_ms}.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = window
if oldest[2] then
    wait = tonumber(oldest[2]) + window - now
end
return {0, wait}
`

// RedisWindow shares a sliding window across processes through Redis, so that
// several engine instances calling the same API key respect one RPM budget.
type RedisWindow struct {
	client redis.UniversalClient
	key    string
	script *redis.Script
}

// NewRedisWindow creates a Redis-backed window stored under key.
// Keys are wrapped in a hash tag so the set stays on one cluster slot.
func NewRedisWindow(client redis.UniversalClient, key string) *RedisWindow {
	return &RedisWindow{
		client: client,
		key:    fmt.Sprintf("{%s}:window", key),
		script: redis.NewScript(slidingWindowScript),
	}
}

// Admit implements WindowStore.
func (w *RedisWindow) Admit(ctx context.Context, now time.Time, window time.Duration, limit int) (bool, time.Duration, error) {
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
	args := []interface{}{now.UnixMilli(), window.Milliseconds(), limit, member}

	val, err := w.script.Run(ctx, w.client, []string{w.key}, args...).Result()
	if err != nil {
		return false, 0, fmt.Errorf("sliding window script: %w", err)
	}

	res, ok := val.([]interface{})
	if !ok || len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected sliding window result: %v", val)
	}

	admitted := toInt64(res[0]) == 1
	wait := time.Duration(toInt64(res[1])) * time.Millisecond
	return admitted, wait, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	case float64:
		return int64(n)
	default:
		parsed, _ := strconv.ParseInt(fmt.Sprintf("%v", v), 10, 64)
		return parsed
	}
}
