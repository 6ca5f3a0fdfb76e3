package exchange

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter is a per-host token-bucket rate limiter, grounded on
// internal/net/ratelimit/limiter.go, reused here to throttle REST snapshot
// requests per venue.
type HostLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func NewHostLimiter(rps float64, burst int) *HostLimiter {
	return &HostLimiter{limiters: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (l *HostLimiter) get(host string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[host]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[host]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[host] = lim
	return lim
}

// Wait blocks the caller's goroutine until a token is available for host or
// ctx is done.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	return l.get(host).Wait(ctx)
}
