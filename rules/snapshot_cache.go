package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/liamcoop/eventrules/internal/logger"
	"github.com/liamcoop/eventrules/internal/metrics"
)

const (
	// staleRetry is how long a degraded entry is served before the store is
	// tried again.
	staleRetry = time.Second
	// rebuildTimeout bounds one store query during a rebuild; rebuilds are
	// shared between callers so they do not inherit any caller's deadline.
	rebuildTimeout = 10 * time.Second
)

type cacheEntry struct {
	rules      []*Rule
	builtAt    time.Time
	generation uint64
	stale      bool
}

func (e *cacheEntry) fresh(gen uint64, now time.Time, ttl time.Duration) bool {
	if e.generation != gen {
		return false
	}
	if e.stale {
		return now.Sub(e.builtAt) < staleRetry
	}
	return ttl <= 0 || now.Sub(e.builtAt) < ttl
}

// SnapshotCache implements RulesCache. Entries are immutable and live in a
// copy-on-write map behind an atomic pointer, so reads take no lock.
// Invalidation bumps a per-key generation; a read whose entry carries an
// older generation rebuilds, and concurrent rebuilds of the same key and
// generation are coalesced.
type SnapshotCache struct {
	store    RuleStore
	ttl      time.Duration
	maxEmpty int
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	entries atomic.Pointer[map[string]*cacheEntry]
	writeMu sync.Mutex

	genMu   sync.RWMutex
	gens    map[string]uint64
	allGen  uint64
	counter uint64

	group singleflight.Group

	hits, misses, rebuilds, degraded atomic.Int64
}

var _ RulesCache = (*SnapshotCache)(nil)

// NewSnapshotCache creates a cache over store.
func NewSnapshotCache(store RuleStore, cfg CacheConfig) *SnapshotCache {
	c := &SnapshotCache{
		store:    store,
		ttl:      cfg.TTL,
		maxEmpty: cfg.MaxEmptyKeys,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		gens:     make(map[string]uint64),
	}
	if c.log == nil {
		c.log = logger.With("component", "rules_cache")
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.maxEmpty <= 0 {
		c.maxEmpty = DefaultMaxEmptyKeys
	}
	empty := make(map[string]*cacheEntry)
	c.entries.Store(&empty)
	return c
}

func (c *SnapshotCache) Candidates(ctx context.Context, key string) ([]*Rule, error) {
	gen := c.Version(key)
	if e := c.entry(key); e != nil && e.fresh(gen, c.now(), c.ttl) {
		c.hits.Add(1)
		return cloneRules(e.rules), nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		return c.rebuild(ctx, key, gen)
	})
	if err != nil {
		return nil, err
	}
	return cloneRules(v.(*cacheEntry).rules), nil
}

func (c *SnapshotCache) rebuild(ctx context.Context, key string, gen uint64) (*cacheEntry, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rebuildTimeout)
	defer cancel()

	c.rebuilds.Add(1)
	list, err := c.store.ListActiveByTriggerKey(ctx, key)
	now := c.now()
	if err != nil {
		prev := c.entry(key)
		if prev == nil {
			c.metrics.CacheRebuild("failed")
			return nil, fmt.Errorf("rebuild rules for %s: %w", key, err)
		}
		c.degraded.Add(1)
		c.metrics.CacheRebuild("degraded")
		logger.DegradedRebuild("serving stale rules, store unavailable",
			"triggerKey", key, "rules", len(prev.rules), "age", now.Sub(prev.builtAt).String(), "error", err)
		stale := &cacheEntry{rules: prev.rules, builtAt: now, generation: gen, stale: true}
		c.put(key, stale)
		return stale, nil
	}

	active := make([]*Rule, 0, len(list))
	for _, r := range list {
		if r.Active {
			active = append(active, r)
		}
	}
	SortRules(active)

	entry := &cacheEntry{rules: active, builtAt: now, generation: gen}
	c.put(key, entry)
	c.metrics.CacheRebuild("ok")
	c.log.Debug("rules cache rebuilt", "triggerKey", key, "rules", len(active), "generation", gen)
	return entry, nil
}

func (c *SnapshotCache) entry(key string) *cacheEntry {
	return (*c.entries.Load())[key]
}

// put installs e unless a newer generation is already cached.
func (c *SnapshotCache) put(key string, e *cacheEntry) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	old := *c.entries.Load()
	if existing := old[key]; existing != nil && existing.generation > e.generation {
		return
	}
	next := make(map[string]*cacheEntry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[key] = e
	if len(e.rules) == 0 {
		c.evictEmpty(next, key)
	}
	c.entries.Store(&next)
}

// evictEmpty drops the oldest entries that matched no rules until at most
// maxEmpty remain. keep is never dropped.
func (c *SnapshotCache) evictEmpty(m map[string]*cacheEntry, keep string) {
	n := 0
	for _, e := range m {
		if len(e.rules) == 0 {
			n++
		}
	}
	for ; n > c.maxEmpty; n-- {
		oldest := ""
		for k, e := range m {
			if k == keep || len(e.rules) > 0 {
				continue
			}
			if oldest == "" || e.builtAt.Before(m[oldest].builtAt) {
				oldest = k
			}
		}
		if oldest == "" {
			return
		}
		delete(m, oldest)
	}
}

// Invalidate is safe to call concurrently with Candidates. The previous
// entry is kept as the fallback for a failing rebuild.
func (c *SnapshotCache) Invalidate(key string) {
	c.genMu.Lock()
	c.counter++
	c.gens[key] = c.counter
	c.genMu.Unlock()
}

func (c *SnapshotCache) InvalidateAll() {
	c.genMu.Lock()
	c.counter++
	c.allGen = c.counter
	c.genMu.Unlock()
}

// Version is the generation stamp of key; it changes on every
// invalidation that covers key.
func (c *SnapshotCache) Version(key string) uint64 {
	c.genMu.RLock()
	defer c.genMu.RUnlock()
	if g := c.gens[key]; g > c.allGen {
		return g
	}
	return c.allGen
}

func (c *SnapshotCache) Stats() CacheStats {
	snap := *c.entries.Load()
	stats := CacheStats{
		Keys:     len(snap),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Rebuilds: c.rebuilds.Load(),
		Degraded: c.degraded.Load(),
	}
	for _, e := range snap {
		if e.stale {
			stats.Stale++
		}
	}
	return stats
}

func cloneRules(in []*Rule) []*Rule {
	out := make([]*Rule, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
