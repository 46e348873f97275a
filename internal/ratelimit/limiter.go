package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket per key, typically a user id.
type Limiter struct {
	limiters     map[string]*rate.Limiter
	limiterMutex sync.RWMutex
	limit        rate.Limit
	burst        int
}

func New(requestsPerSecond float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// Allow consumes a token for key. When none is available it returns false
// and how long the caller should wait before retrying.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	limiter := l.getLimiter(key)

	now := time.Now()
	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}

	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}

	return true, 0
}

func (l *Limiter) getLimiter(key string) *rate.Limiter {
	l.limiterMutex.RLock()
	limiter, exists := l.limiters[key]
	l.limiterMutex.RUnlock()

	if !exists {
		l.limiterMutex.Lock()
		limiter, exists = l.limiters[key]
		if !exists {
			limiter = rate.NewLimiter(l.limit, l.burst)
			l.limiters[key] = limiter
		}
		l.limiterMutex.Unlock()
	}

	return limiter
}

// Prune drops limiters whose bucket has refilled, since they carry no
// state a fresh limiter would not.
func (l *Limiter) Prune() int {
	l.limiterMutex.Lock()
	defer l.limiterMutex.Unlock()

	now := time.Now()
	pruned := 0
	for key, limiter := range l.limiters {
		if limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, key)
			pruned++
		}
	}
	return pruned
}

func (l *Limiter) Len() int {
	l.limiterMutex.RLock()
	defer l.limiterMutex.RUnlock()
	return len(l.limiters)
}

// Run prunes idle limiters every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
