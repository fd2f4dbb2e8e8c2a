// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/switchboard/internal/port/cache"
)

// Cache combines an L1 (in-process) and an optional L2 (shared) cache.
// Get checks L1 first, then L2, backfilling L1 on an L2 hit. Set and Delete
// write through to both levels. L2 errors are logged and degrade the cache
// to L1 only; they are never returned to the caller.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
	log      *slog.Logger
}

// New creates a tiered cache. l2 may be nil. l1Expire controls how long L2
// backfill entries live in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire, log: log}
}

// Get checks L1, then L2.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found || c.l2 == nil {
		return val, found, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		c.log.Warn("l2 cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if found {
		_ = c.l1.Set(ctx, key, val, c.l1Expire)
		return val, true, nil
	}
	return nil, false, nil
}

// Set writes to both levels.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, value, ttl); err != nil {
			c.log.Warn("l2 cache set failed", "key", key, "error", err)
		}
	}
	return nil
}

// Delete removes from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	if c.l2 != nil {
		if err := c.l2.Delete(ctx, key); err != nil {
			c.log.Warn("l2 cache delete failed", "key", key, "error", err)
		}
	}
	return nil
}
