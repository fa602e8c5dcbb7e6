package intel

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sourceLimiter enforces one source's request budget without blocking.
// It also tracks how long the source has been continuously limited,
// which decides whether rejections start counting against the breaker.
type sourceLimiter struct {
	lim *rate.Limiter

	mu           sync.Mutex
	limitedSince time.Time
	now          func() time.Time
}

func newSourceLimiter(perMinute int) *sourceLimiter {
	limit := rate.Inf
	burst := 1
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
		burst = perMinute
	}
	return &sourceLimiter{
		lim: rate.NewLimiter(limit, burst),
		now: time.Now,
	}
}

// Allow consumes one token if available. Never blocks; a denied lookup
// is reported to the caller as RateLimited immediately.
func (l *sourceLimiter) Allow() bool {
	ok := l.lim.Allow()
	l.mu.Lock()
	defer l.mu.Unlock()
	if ok {
		l.limitedSince = time.Time{}
		return true
	}
	if l.limitedSince.IsZero() {
		l.limitedSince = l.now()
	}
	return false
}

// LimitedFor reports how long the source has been continuously denied.
func (l *sourceLimiter) LimitedFor() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limitedSince.IsZero() {
		return 0
	}
	return l.now().Sub(l.limitedSince)
}
