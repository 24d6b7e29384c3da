// Package throttle enforces the minimum interval between connection attempts
// from the same identity. Counters live in Redis (INCR + PEXPIRE, one key per
// throttle key) so the interval survives server restarts; without Redis an
// in-process map provides the same behavior for a single instance.
//
// The throttle key is the legacy session token when one is supplied, so a
// client's identity is pinned across reconnects; otherwise it falls back to
// the remote address.
package throttle

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "throttle:conn:"

// Limiter answers whether a throttle key may connect right now.
type Limiter struct {
	rdb      *redis.Client // nil means in-process fallback
	interval time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time

	now func() time.Time
}

// New creates a Limiter. rdb may be nil to run without Redis.
func New(rdb *redis.Client, interval time.Duration) *Limiter {
	return &Limiter{
		rdb:      rdb,
		interval: interval,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether the key may connect. A key that connected within the
// configured interval is rejected. On Redis errors the limiter fails open so
// a Redis outage cannot lock out legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l.interval <= 0 || key == "" {
		return true
	}
	if l.rdb == nil {
		return l.allowLocal(key)
	}

	rkey := keyPrefix + key
	count, err := l.rdb.Incr(ctx, rkey).Result()
	if err != nil {
		log.Printf("throttle: redis INCR %s: %v (failing open)", rkey, err)
		return true
	}
	if count == 1 {
		if err := l.rdb.PExpire(ctx, rkey, l.interval).Err(); err != nil {
			log.Printf("throttle: redis PEXPIRE %s: %v (failing open)", rkey, err)
			// The counter has no TTL and would block the key forever;
			// best effort removal.
			l.rdb.Del(ctx, rkey)
			return true
		}
		return true
	}
	return false
}

// allowLocal is the single-instance fallback.
func (l *Limiter) allowLocal(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.lastSeen[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.lastSeen[key] = now

	// Opportunistic pruning keeps the map bounded under churn.
	if len(l.lastSeen) > 4096 {
		for k, t := range l.lastSeen {
			if now.Sub(t) >= l.interval {
				delete(l.lastSeen, k)
			}
		}
	}
	return true
}
