// Package ristretto implements the cache port on dgraph-io/ristretto as the in-process L1.
package ristretto

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache wraps a ristretto cache as an in-process L1 cache.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a ristretto-backed cache bounded to maxSizeMB of stored values.
func New(maxSizeMB int) (*Cache, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 1
	}
	maxCost := int64(maxSizeMB) << 20
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// Idempotent responses average about 1KB; track ~10x that many keys.
		NumCounters: maxCost / 1024 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{c: c}, nil
}

// Get retrieves a value from the cache.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a copy of value with the given TTL and waits until it is visible
// to readers, so a replayed request right after the first one sees it.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := append([]byte(nil), value...)
	c.c.SetWithTTL(key, buf, int64(len(buf))+int64(len(key)), ttl)
	c.c.Wait()
	return nil
}

// Delete removes a value from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
