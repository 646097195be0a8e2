package webhook

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an idle source IP keeps its bucket.
const staleAfter = 10 * time.Minute

// ipLimiter applies a token bucket per source IP. A non-positive rate
// disables limiting.
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perSec float64, burst int) *ipLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		limit:   rate.Limit(perSec),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

// Allow reports whether a request from ip may proceed now.
func (l *ipLimiter) Allow(ip string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= 4096 {
			l.prune(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.lim.Allow()
}

// prune drops buckets idle past staleAfter. Caller holds the lock.
func (l *ipLimiter) prune(now time.Time) {
	for ip, e := range l.entries {
		if now.Sub(e.lastSeen) > staleAfter {
			delete(l.entries, ip)
		}
	}
}
