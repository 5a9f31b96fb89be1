// Package memory is an in-process implementation of models.Cache.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/noisersup/dedupfs-api/models"
)

type item struct {
	value   []byte
	expires time.Time // zero means never
}

type Cache struct {
	mu    sync.Mutex
	items map[string]item
	now   func() time.Time
}

func New() *Cache {
	return &Cache{items: map[string]item{}, now: time.Now}
}

// WithClock replaces the time source, so tests can move time forward.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item{value: append([]byte(nil), value...), expires: c.deadline(ttl)}
	return nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok {
		return nil, models.ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live(key)
	return ok, nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
	}
	return nil
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok {
		return models.ErrCacheMiss
	}
	it.expires = c.deadline(ttl)
	c.items[key] = it
	return nil
}

func (c *Cache) Decrement(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok {
		return 0, models.ErrCacheMiss
	}
	n, err := strconv.ParseInt(string(it.value), 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return n, models.ErrExhausted
	}
	n--
	it.value = []byte(strconv.FormatInt(n, 10))
	c.items[key] = it
	return n, nil
}

func (c *Cache) Close() error { return nil }

// live returns the item under key, dropping it if it has expired. Callers hold c.mu.
func (c *Cache) live(key string) (item, bool) {
	it, ok := c.items[key]
	if !ok {
		return item{}, false
	}
	if !it.expires.IsZero() && !c.now().Before(it.expires) {
		delete(c.items, key)
		return item{}, false
	}
	return it, true
}

func (c *Cache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}
