package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter keeps a token bucket per client.
type ClientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientBucket
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows rps sustained requests per second with the given
// burst. Buckets idle for longer than idleTTL are dropped.
func NewClientLimiter(rps float64, burst int, idleTTL time.Duration) *ClientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClientLimiter{
		limiters: make(map[string]*clientBucket),
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Allow reports whether client may make a request now.
func (l *ClientLimiter) Allow(client string) bool {
	now := l.now()

	l.mu.Lock()
	b, ok := l.limiters[client]
	if !ok {
		if len(l.limiters) >= 10000 {
			l.evictIdle(now)
		}
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[client] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

func (l *ClientLimiter) evictIdle(now time.Time) {
	for client, b := range l.limiters {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.limiters, client)
		}
	}
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
