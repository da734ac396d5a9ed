// Package ratelimit limits requests per minute for each client key.
// Keys are fingerprints of the client credential, never the credential
// itself. Supports in-memory (single instance) and Redis (distributed)
// backends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const windowDuration = time.Minute

// RateLimiter returns whether the request is allowed, the remaining quota
// and the time the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// InMemoryRateLimiter uses fixed one-minute windows per key.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	calls   int
}

type window struct {
	count   int
	resetAt time.Time
}

// sweepEvery bounds how often expired windows are dropped.
const sweepEvery = 1024

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	r.calls++
	if r.calls%sweepEvery == 0 {
		r.sweepLocked(now)
	}

	w, ok := r.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{
			count:   0,
			resetAt: now.Add(windowDuration),
		}
		r.windows[key] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	remaining := limit - w.count

	return true, remaining, w.resetAt, nil
}

func (r *InMemoryRateLimiter) sweepLocked(now time.Time) {
	for key, w := range r.windows {
		if now.After(w.resetAt) {
			delete(r.windows, key)
		}
	}
}
