// Package ristretto implements the cache port using dgraph-io/ristretto as
// the in-process L1 card cache.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// avgCardBytes sizes the admission counters for typical card documents.
const avgCardBytes = 2 << 10

// Cache wraps a ristretto cache as an in-process L1 cache.
type Cache struct {
	c          *ristretto.Cache[string, []byte]
	defaultTTL time.Duration
}

// New creates a ristretto-backed cache holding at most maxSizeMB megabytes
// of card documents. Entries stored without a TTL expire after defaultTTL.
func New(maxSizeMB int, defaultTTL time.Duration) (*Cache, error) {
	if maxSizeMB < 1 {
		maxSizeMB = 1
	}
	maxCost := int64(maxSizeMB) << 20
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCost / avgCardBytes * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c, defaultTTL: defaultTTL}, nil
}

// Get retrieves a copy of a cached document.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return append([]byte(nil), val...), true, nil
}

// Set stores a document. The write is visible to Get when Set returns.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.c.SetWithTTL(key, append([]byte(nil), value...), int64(len(value)), ttl)
	c.c.Wait()
	return nil
}

// Delete removes a document.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Hits returns the number of lookups that found a document.
func (c *Cache) Hits() uint64 { return c.c.Metrics.Hits() }

// Misses returns the number of lookups that found nothing.
func (c *Cache) Misses() uint64 { return c.c.Metrics.Misses() }

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
