package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an idle credential's limiter survives before the
// sweeper drops it. Covers disabled and deleted credentials too: their
// state is garbage-collected lazily rather than on config reload.
const staleAfter = 3 * time.Minute

// RateLimiter tracks per-credential token buckets keyed by credential id.
// Check is a non-blocking test-and-consume.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[uint]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	rps      int
	burst    int
	lastSeen time.Time
}

// NewRateLimiter creates an empty limiter table.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[uint]*bucket)}
}

// Check consumes one slot for the credential, creating its bucket on first
// use. Returns false when the limit is exhausted. A changed rps/burst spec
// (after a config reload) replaces the bucket.
func (rl *RateLimiter) Check(keyID uint, rps, burst int) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[keyID]
	if !ok || b.rps != rps || b.burst != burst {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(rps), burst),
			rps:     rps,
			burst:   burst,
		}
		rl.buckets[keyID] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.limiter.Allow()
}

// Sweep runs a background loop dropping buckets idle longer than staleAfter.
// Returns when ctx is cancelled.
func (rl *RateLimiter) Sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for id, b := range rl.buckets {
				if time.Since(b.lastSeen) > staleAfter {
					delete(rl.buckets, id)
				}
			}
			rl.mu.Unlock()
		}
	}
}
