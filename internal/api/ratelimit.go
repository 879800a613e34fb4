package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/chatmemory/internal/metrics"
)

// limiterIdleTTL drops the limiter of a room that has been quiet this long.
const limiterIdleTTL = 10 * time.Minute

// RoomLimiter throttles requests per room with a token bucket.
type RoomLimiter struct {
	mu       sync.Mutex
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
}

// NewRoomLimiter allows rps requests per second per room with the given burst.
func NewRoomLimiter(rps float64, burst int) *RoomLimiter {
	return &RoomLimiter{
		limiters: cache.New(limiterIdleTTL, limiterIdleTTL),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether room may proceed now.
func (l *RoomLimiter) Allow(room string) bool {
	return l.get(room).Allow()
}

func (l *RoomLimiter) get(room string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.limiters.Get(room); ok {
		lim := v.(*rate.Limiter)
		l.limiters.SetDefault(room, lim)
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters.SetDefault(room, lim)
	return lim
}

// Wrap rejects requests over the room's rate with 429.
func (l *RoomLimiter) Wrap(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	retryAfter := strconv.Itoa(int(math.Ceil(1 / float64(l.limit))))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.PathValue("room")) {
			metrics.RoomsThrottled.Inc()
			w.Header().Set("Retry-After", retryAfter)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"too many requests for this room","type":"` + TypeRateLimit + `"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
