package httpx

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// FixedWindowLimiter allows up to limit events per key in each window.
// A nil limiter or a non-positive limit allows everything.
type FixedWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	byKey  map[string]windowState
}

type windowState struct {
	start time.Time
	count int
}

func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		byKey:  map[string]windowState{},
	}
}

func (l *FixedWindowLimiter) Allow(key string, now time.Time) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	if key == "" {
		key = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(now)
	cur := l.byKey[key]
	if cur.start.IsZero() || now.Sub(cur.start) >= l.window {
		l.byKey[key] = windowState{start: now, count: 1}
		return true
	}
	if cur.count >= l.limit {
		return false
	}
	cur.count++
	l.byKey[key] = cur
	return true
}

// evictLocked drops expired windows once the map grows, so one-off client
// addresses do not accumulate forever.
func (l *FixedWindowLimiter) evictLocked(now time.Time) {
	if len(l.byKey) < 4096 {
		return
	}
	for k, st := range l.byKey {
		if now.Sub(st.start) >= l.window {
			delete(l.byKey, k)
		}
	}
}

// Limit writes 429 RATE_LIMITED and returns false when key is over its window.
func Limit(w http.ResponseWriter, requestID string, limiter *FixedWindowLimiter, key string) bool {
	if limiter.Allow(strings.TrimSpace(key), time.Now().UTC()) {
		return true
	}
	WriteError(w, requestID, 429, "RATE_LIMITED", "rate limit exceeded", nil)
	return false
}
