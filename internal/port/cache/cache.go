// Package cache defines the port interface for caching fetched agent card
// documents.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache is the port interface for key-value caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Stats is implemented by caches that count lookups.
type Stats interface {
	Hits() uint64
	Misses() uint64
}

// CardKey returns the cache key for the card document at cardURL. The key
// uses only characters that every backend accepts.
func CardKey(cardURL string) string {
	sum := sha256.Sum256([]byte(cardURL))
	return "card." + hex.EncodeToString(sum[:16])
}
