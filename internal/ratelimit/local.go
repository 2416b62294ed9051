package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalCounter is an in-process Counter for single-instance deployments
// and tests. Expired windows are dropped lazily on the next hit.
type LocalCounter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	now     func() time.Time
}

type localEntry struct {
	count     int64
	expiresAt time.Time
}

// NewLocalCounter creates an empty LocalCounter.
func NewLocalCounter() *LocalCounter {
	return &LocalCounter{
		entries: make(map[string]*localEntry),
		now:     time.Now,
	}
}

// Incr implements Counter.
func (c *LocalCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if !ok || !e.expiresAt.After(now) {
		e = &localEntry{expiresAt: now.Add(window)}
		c.entries[key] = e
	}
	e.count++

	return e.count, e.expiresAt.Sub(now), nil
}
