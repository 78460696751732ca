package common

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter ограничивает частоту действий по ключу (token bucket на ключ).
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

// NewRateLimiter создает limiter: не больше limit действий за window,
// с пиком до limit подряд.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		limit:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

// Allow возвращает true, если действие укладывается в лимит.
func (l *RateLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.lastSeen[key] = now
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

// Prune забывает ключи, не встречавшиеся с before; возвращает число удаленных.
func (l *RateLimiter) Prune(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, seen := range l.lastSeen {
		if seen.Before(before) {
			delete(l.lastSeen, key)
			delete(l.limiters, key)
			n++
		}
	}
	return n
}

// Len возвращает число отслеживаемых ключей.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
