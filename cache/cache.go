package cache

import (
	"context"
	"sync"
	"time"
)

// Fetch loads a fresh value
type Fetch[T any] func(ctx context.Context) (T, error)

// Value is a cached result. Stale is set when the most recent fetch failed
// and an older value is being served; Err then holds that failure.
type Value[T any] struct {
	Value     T
	FetchedAt time.Time
	Stale     bool
	Err       error
}

// Cache refuses to refetch within its window. The window starts at the
// last attempt, successful or not, so a failing source is not hammered.
// On failure the last good value is served marked stale; with nothing
// cached the failure is returned.
type Cache[T any] struct {
	mu    sync.Mutex
	fetch Fetch[T]
	ttl   time.Duration
	now   func() time.Time

	attempted   bool
	lastAttempt time.Time

	has       bool
	value     T
	fetchedAt time.Time
	lastErr   error
}

// New creates a cache around fetch
func New[T any](ttl time.Duration, fetch Fetch[T]) *Cache[T] {
	return &Cache[T]{fetch: fetch, ttl: ttl, now: time.Now}
}

// Get returns the cached value, fetching when the window has passed.
// Concurrent callers share one fetch.
func (c *Cache[T]) Get(ctx context.Context) (Value[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.attempted && now.Sub(c.lastAttempt) < c.ttl {
		return c.current()
	}

	c.attempted = true
	c.lastAttempt = now

	v, err := c.fetch(ctx)
	if err != nil {
		c.lastErr = err
		return c.current()
	}

	c.has = true
	c.value = v
	c.fetchedAt = now
	c.lastErr = nil
	return c.current()
}

// Peek returns what Get would serve without fetching
func (c *Cache[T]) Peek() (Value[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		return Value[T]{}, false
	}
	v, _ := c.current()
	return v, true
}

func (c *Cache[T]) current() (Value[T], error) {
	if !c.has {
		return Value[T]{Err: c.lastErr}, c.lastErr
	}
	return Value[T]{
		Value:     c.value,
		FetchedAt: c.fetchedAt,
		Stale:     c.lastErr != nil,
		Err:       c.lastErr,
	}, nil
}
