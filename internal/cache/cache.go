package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Cache defines the cache interface
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) error
}

// CacheKey builds a colon-joined key from its parts, the tenant-prefixed
// scheme spec.md §4.11's named caches use (e.g. "{tenant}:instance-
// locations:{seriesID}", or "global:active-tenants" for the two
// shared-schema entries). Store's Get/Invalidate pairs build their keys
// through this helper so a cache name only appears in one place.
func CacheKey(parts ...interface{}) string {
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = fmt.Sprint(p)
	}
	return strings.Join(strs, ":")
}
