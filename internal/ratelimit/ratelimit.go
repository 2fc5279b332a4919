// Package ratelimit implements a fixed-window hit counter keyed by
// (identifier, action). The redis-backed implementation lives in
// internal/store/redisstore; the in-memory one here serves tests and
// single-node dev deployments.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLimitExceeded is returned when the window budget is exhausted. Callers
// surface it as a "try again later" condition.
var ErrLimitExceeded = errors.New("ratelimit: limit exceeded")

// Limiter counts hits in fixed windows. Check returns nil and records the
// hit, or ErrLimitExceeded without mutating the counter.
type Limiter interface {
	Check(ctx context.Context, identifier, action string, limit int, window time.Duration) error
}

type counter struct {
	hits    int
	resetAt time.Time
}

// MemoryLimiter is a mutex-guarded in-process Limiter. The lock makes the
// read-check-write sequence a single unit, matching the redis script's
// semantics.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Check(ctx context.Context, identifier, action string, limit int, window time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := identifier + ":" + action
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key]
	if !ok || !now.Before(c.resetAt) {
		l.counters[key] = &counter{hits: 1, resetAt: now.Add(window)}
		return nil
	}
	if c.hits >= limit {
		return ErrLimitExceeded
	}
	c.hits++
	return nil
}
