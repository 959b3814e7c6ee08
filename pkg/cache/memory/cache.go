// Package memory is the in-process L1 tier in front of the durable cache.
package memory

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pario-ai/conduit/pkg/models"
)

// Cache holds recently used entries in memory.
type Cache struct {
	items   *gocache.Cache
	maxSize int
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates an L1 cache holding at most maxSize entries.
func New(maxSize int, cleanupInterval time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &Cache{
		items:   gocache.New(gocache.NoExpiration, cleanupInterval),
		maxSize: maxSize,
	}
}

// Get returns a live entry for fingerprint.
func (c *Cache) Get(_ context.Context, fingerprint string) (models.CacheEntry, bool, error) {
	v, ok := c.items.Get(fingerprint)
	if !ok {
		c.misses.Add(1)
		return models.CacheEntry{}, false, nil
	}
	e := v.(models.CacheEntry)
	if e.Expired(time.Now()) {
		c.items.Delete(fingerprint)
		c.misses.Add(1)
		return models.CacheEntry{}, false, nil
	}
	c.hits.Add(1)
	return e, true, nil
}

// Put stores e until its ExpiresAt. New entries are dropped once the cache is full.
func (c *Cache) Put(_ context.Context, e models.CacheEntry) error {
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if c.items.ItemCount() >= c.maxSize {
		c.items.DeleteExpired()
		if _, exists := c.items.Get(e.Fingerprint); !exists && c.items.ItemCount() >= c.maxSize {
			return nil
		}
	}
	c.items.Set(e.Fingerprint, e, ttl)
	return nil
}

// Invalidate removes entries matching pattern using the same syntax as the
// durable cache.
func (c *Cache) Invalidate(_ context.Context, pattern string) (int64, error) {
	if pattern == "*" {
		n := int64(c.items.ItemCount())
		c.items.Flush()
		return n, nil
	}
	var n int64
	for key, item := range c.items.Items() {
		e, ok := item.Object.(models.CacheEntry)
		if !ok {
			continue
		}
		if Matches(pattern, key, e.Operation) {
			c.items.Delete(key)
			n++
		}
	}
	return n, nil
}

// Stats returns L1 counters.
func (c *Cache) Stats(context.Context) (models.CacheStats, error) {
	return models.CacheStats{
		Entries: int64(c.items.ItemCount()),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes entries, optionally only the expired ones.
func (c *Cache) Clear(_ context.Context, expiredOnly bool) error {
	if expiredOnly {
		c.items.DeleteExpired()
		return nil
	}
	c.items.Flush()
	return nil
}

// Close is a no-op; it exists to satisfy cache.Store.
func (c *Cache) Close() error { return nil }

// Matches reports whether an entry with fingerprint and op matches pattern.
func Matches(pattern, fingerprint string, op models.Operation) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "op:"):
		return string(op) == strings.TrimPrefix(pattern, "op:")
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(fingerprint, strings.TrimSuffix(pattern, "*"))
	default:
		return fingerprint == pattern
	}
}
