package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SendLimiter applies a token bucket per recipient so a misbehaving caller
// cannot flood one conversation through the shared channel. Idle recipient
// buckets are evicted periodically.
type SendLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byPeer  map[string]*entry
	hits    uint64
	idleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-recipient limiter; returns nil if args are invalid. A nil
// *SendLimiter allows everything.
func New(rps float64, burst int, idleTTL time.Duration) *SendLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &SendLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		byPeer:  make(map[string]*entry),
		idleTTL: idleTTL,
	}
}

// Allow reports whether one send to the recipient may proceed at now.
func (l *SendLimiter) Allow(recipient string, now time.Time) bool {
	if l == nil {
		return true
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byPeer[recipient]
	if !ok {
		e = &entry{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: now,
		}
		l.byPeer[recipient] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byPeer {
			if v.lastSeen.Before(cutoff) {
				delete(l.byPeer, k)
			}
		}
	}

	return allowed
}
