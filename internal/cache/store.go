package cache

import (
	"context"
	"time"
)

// Store represents a shared cache used across the application, backing the
// access-token revocation set and other short-lived lookups. A nil TTL
// entry never expires; callers are expected to pass bounded TTLs.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}
