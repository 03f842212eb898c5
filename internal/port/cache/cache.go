// Package cache defines the key-value cache port used for idempotent replays.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque byte values. A miss is (nil, false, nil); errors are
// reserved for backend failures.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
