package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liamcoop/eventrules/internal/logger"
)

// countingStore wraps a store, counting per-key queries and optionally failing them.
type countingStore struct {
	RuleStore
	calls atomic.Int64
	fail  atomic.Bool
	delay time.Duration
}

func (s *countingStore) ListActiveByTriggerKey(ctx context.Context, key string) ([]*Rule, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return s.RuleStore.ListActiveByTriggerKey(ctx, key)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration) (*SnapshotCache, *countingStore, *fakeClock) {
	t.Helper()
	store := &countingStore{RuleStore: NewInMemoryRuleStore()}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewSnapshotCache(store, CacheConfig{TTL: ttl, Logger: logger.Discard(), Now: clock.Now})
	return cache, store, clock
}

func ids(rules []*Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.ID
	}
	return out
}

// TestCandidatesCachesUntilInvalidated verifies reads hit the store once per generation
func TestCandidatesCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	cache, store, _ := newTestCache(t, 0)
	_ = store.Add(ctx, newRule("a", 1, "k"))

	for i := 0; i < 5; i++ {
		got, err := cache.Candidates(ctx, "signal:k")
		if err != nil {
			t.Fatalf("Candidates() failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("Candidates() = %v", ids(got))
		}
	}
	if n := store.calls.Load(); n != 1 {
		t.Errorf("store queried %d times, want 1", n)
	}

	_ = store.Add(ctx, newRule("b", 5, "k"))
	got, _ := cache.Candidates(ctx, "signal:k")
	if len(got) != 1 {
		t.Errorf("without invalidation the snapshot should be served, got %v", ids(got))
	}

	v := cache.Version("signal:k")
	cache.Invalidate("signal:k")
	if cache.Version("signal:k") == v {
		t.Error("Invalidate() should bump the version")
	}
	got, _ = cache.Candidates(ctx, "signal:k")
	if want := []string{"b", "a"}; len(got) != 2 || got[0].ID != want[0] || got[1].ID != want[1] {
		t.Errorf("after invalidation Candidates() = %v, want %v", ids(got), want)
	}
}

// TestCandidatesTTL verifies entries expire after the TTL
func TestCandidatesTTL(t *testing.T) {
	ctx := context.Background()
	cache, store, clock := newTestCache(t, 30*time.Second)
	_ = store.Add(ctx, newRule("a", 1, "k"))

	_, _ = cache.Candidates(ctx, "signal:k")
	clock.Advance(29 * time.Second)
	_, _ = cache.Candidates(ctx, "signal:k")
	if n := store.calls.Load(); n != 1 {
		t.Fatalf("store queried %d times within TTL, want 1", n)
	}
	clock.Advance(2 * time.Second)
	_, _ = cache.Candidates(ctx, "signal:k")
	if n := store.calls.Load(); n != 2 {
		t.Errorf("store queried %d times after TTL, want 2", n)
	}
}

// TestInvalidateAll verifies every key rebuilds
func TestInvalidateAll(t *testing.T) {
	ctx := context.Background()
	cache, store, _ := newTestCache(t, 0)
	_ = store.Add(ctx, newRule("a", 1, "k1"))
	_ = store.Add(ctx, newRule("b", 1, "k2"))

	_, _ = cache.Candidates(ctx, "signal:k1")
	_, _ = cache.Candidates(ctx, "signal:k2")
	cache.InvalidateAll()
	_, _ = cache.Candidates(ctx, "signal:k1")
	_, _ = cache.Candidates(ctx, "signal:k2")

	if n := store.calls.Load(); n != 4 {
		t.Errorf("store queried %d times, want 4", n)
	}
	if cache.Stats().Keys != 2 {
		t.Errorf("Stats().Keys = %d, want 2", cache.Stats().Keys)
	}
}

// TestCandidatesServesStaleOnStoreFailure verifies last-known-good fallback
func TestCandidatesServesStaleOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	cache, store, clock := newTestCache(t, time.Minute)
	_ = store.Add(ctx, newRule("a", 1, "k"))

	if _, err := cache.Candidates(ctx, "signal:k"); err != nil {
		t.Fatal(err)
	}

	store.fail.Store(true)
	cache.Invalidate("signal:k")
	got, err := cache.Candidates(ctx, "signal:k")
	if err != nil {
		t.Fatalf("Candidates() should serve stale rules, got %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("stale Candidates() = %v", ids(got))
	}
	stats := cache.Stats()
	if stats.Stale != 1 || stats.Degraded != 1 {
		t.Errorf("Stats() = %+v, want one stale degraded entry", stats)
	}

	// a key never loaded has nothing to fall back to
	if _, err := cache.Candidates(ctx, "signal:never"); err == nil {
		t.Error("Candidates() for an unloaded key should fail while the store is down")
	}

	store.fail.Store(false)
	clock.Advance(2 * time.Second)
	if _, err := cache.Candidates(ctx, "signal:k"); err != nil {
		t.Fatal(err)
	}
	if cache.Stats().Stale != 0 {
		t.Error("a successful rebuild should clear the stale mark")
	}
}

// TestCandidatesCoalescesRebuilds verifies concurrent misses share one store query
func TestCandidatesCoalescesRebuilds(t *testing.T) {
	ctx := context.Background()
	cache, store, _ := newTestCache(t, 0)
	store.delay = 50 * time.Millisecond
	_ = store.Add(ctx, newRule("a", 1, "k"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, err := cache.Candidates(ctx, "signal:k"); err != nil || len(got) != 1 {
				t.Errorf("Candidates() = %v, %v", ids(got), err)
			}
		}()
	}
	wg.Wait()

	if n := store.calls.Load(); n != 1 {
		t.Errorf("store queried %d times, want 1", n)
	}
}

// TestInvalidateDuringReads verifies invalidation is safe alongside reads and never loses a mutation
func TestInvalidateDuringReads(t *testing.T) {
	ctx := context.Background()
	cache, store, _ := newTestCache(t, 0)
	m := NewManager(store, cache, WithManagerLogger(logger.Discard()))

	if _, err := m.Create(ctx, newRule("base", 1, "k")); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 8; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					if _, err := cache.Candidates(ctx, "signal:k"); err != nil {
						t.Errorf("Candidates() failed: %v", err)
						return
					}
				}
			}
		}()
	}

	if _, err := m.SetActive(ctx, "base", false); err != nil {
		t.Fatal(err)
	}
	close(stop)
	readers.Wait()

	got, err := cache.Candidates(ctx, "signal:k")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("deactivated rule still served: %v", ids(got))
	}
}

// TestCandidatesReturnsCopies verifies callers cannot corrupt cached rules
func TestCandidatesReturnsCopies(t *testing.T) {
	ctx := context.Background()
	cache, store, _ := newTestCache(t, 0)
	_ = store.Add(ctx, newRule("a", 1, "k"))

	got, _ := cache.Candidates(ctx, "signal:k")
	got[0].Priority = 1000
	got[0].Actions[0].Type = "changed"

	again, _ := cache.Candidates(ctx, "signal:k")
	if again[0].Priority != 1 || again[0].Actions[0].Type != "notify" {
		t.Errorf("cached rule was mutated through a returned copy: %+v", again[0])
	}
}

// TestEmptyKeysAreBounded verifies lookups for trigger keys no rule uses do
// not grow the cache without limit, while keys with rules are kept
func TestEmptyKeysAreBounded(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{RuleStore: NewInMemoryRuleStore()}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewSnapshotCache(store, CacheConfig{MaxEmptyKeys: 8, Logger: logger.Discard(), Now: clock.Now})
	_ = store.Add(ctx, newRule("a", 1, "k1"))

	if _, err := cache.Candidates(ctx, "signal:k1"); err != nil {
		t.Fatalf("Candidates() failed: %v", err)
	}
	for i := 0; i < 100; i++ {
		clock.Advance(time.Millisecond)
		if _, err := cache.Candidates(ctx, fmt.Sprintf("signal:unknown-%d", i)); err != nil {
			t.Fatalf("Candidates() failed: %v", err)
		}
	}
	if keys := cache.Stats().Keys; keys != 9 {
		t.Errorf("Stats().Keys = %d, want 8 empty keys plus k1", keys)
	}

	before := store.calls.Load()
	got, _ := cache.Candidates(ctx, "signal:k1")
	_, _ = cache.Candidates(ctx, "signal:unknown-99")
	if n := store.calls.Load() - before; n != 0 {
		t.Errorf("store queried %d times for retained keys, want 0", n)
	}
	if len(got) != 1 {
		t.Errorf("Candidates(k1) = %v, want [a]", ids(got))
	}

	_, _ = cache.Candidates(ctx, "signal:unknown-0")
	if n := store.calls.Load() - before; n != 1 {
		t.Errorf("evicted key should rebuild once, store queried %d times", n)
	}
}

// TestEmptyKeysDefaultBound verifies the default cap applies when none is set
func TestEmptyKeysDefaultBound(t *testing.T) {
	ctx := context.Background()
	cache, _, clock := newTestCache(t, 0)

	for i := 0; i < DefaultMaxEmptyKeys+50; i++ {
		clock.Advance(time.Millisecond)
		_, _ = cache.Candidates(ctx, fmt.Sprintf("signal:missing-%d", i))
	}
	if keys := cache.Stats().Keys; keys != DefaultMaxEmptyKeys {
		t.Errorf("Stats().Keys = %d, want %d", keys, DefaultMaxEmptyKeys)
	}
}
