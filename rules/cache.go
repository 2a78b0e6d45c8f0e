package rules

import (
	"context"
	"log/slog"
	"time"

	"github.com/liamcoop/eventrules/internal/metrics"
)

// RulesCache is the per-trigger-key index of active rules the engine reads
// on every event.
type RulesCache interface {
	// Candidates returns active rules for key ordered by priority
	// descending, then insertion order. The slice and rules are copies.
	Candidates(ctx context.Context, key string) ([]*Rule, error)

	// Invalidate forces the next read of key to rebuild from the store.
	Invalidate(key string)

	// InvalidateAll forces every key to rebuild.
	InvalidateAll()
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL bounds how long an entry is served before a rebuild.
	// Zero disables expiry (invalidation only).
	TTL time.Duration

	// MaxEmptyKeys caps the cached keys that matched no rules; the oldest
	// are dropped first. Zero means DefaultMaxEmptyKeys.
	MaxEmptyKeys int

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now overrides the clock; for tests.
	Now func() time.Time
}

const (
	// DefaultCacheTTL is the staleness bound used when none is configured.
	DefaultCacheTTL = 30 * time.Second
	// DefaultMaxEmptyKeys bounds negative entries for trigger keys no rule uses.
	DefaultMaxEmptyKeys = 1024
)

// DefaultCacheConfig returns the production defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: DefaultCacheTTL}
}

// CacheStats is a point-in-time view of the cache.
type CacheStats struct {
	Keys     int
	Stale    int
	Hits     int64
	Misses   int64
	Rebuilds int64
	Degraded int64
}
