package eviction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdmichael/BMVideoCache/pkg/cache"
	"github.com/birdmichael/BMVideoCache/pkg/metadata"
	"github.com/birdmichael/BMVideoCache/pkg/rangeset"
)

// activeSet is a test ActiveChecker.
type activeSet map[string]bool

func (a activeSet) IsActive(key string) bool { return a[key] }

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(cache.Config{Directory: t.TempDir()}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// seed writes n bytes for key and flushes, optionally spacing LastAccess by
// touching keys in order.
func seed(t *testing.T, c *cache.Cache, key string, n int, prio metadata.Priority) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.EnsureResource(ctx, key, "https://example.com/"+key, prio))
	require.NoError(t, c.Write(ctx, key, 0, make([]byte, n)))
	require.NoError(t, c.Flush(ctx, key))
	time.Sleep(2 * time.Millisecond) // order LastAccess between keys
}

func newEngine(t *testing.T, c *cache.Cache, cfg Config) *Engine {
	t.Helper()
	e, err := New(c, activeSet{}, cfg)
	require.NoError(t, err)
	return e
}

func TestUnknownStrategy(t *testing.T) {
	c := newTestCache(t)
	_, err := New(c, nil, Config{Strategy: "best-effort"})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLRUEviction(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	// Three keys of 500 bytes, last access A < B < C, budget 1000.
	seed(t, c, "A", 500, metadata.PriorityNormal)
	seed(t, c, "B", 500, metadata.PriorityNormal)
	seed(t, c, "C", 500, metadata.PriorityNormal)
	require.Equal(t, int64(1500), c.CurrentSize())

	e := newEngine(t, c, Config{Budget: 1000, Strategy: StrategyLRU})
	e.Check(ctx)

	assert.Equal(t, int64(1000), c.CurrentSize())
	_, ok := c.Metadata("A")
	assert.False(t, ok, "least recently used key must be evicted")
	_, ok = c.Metadata("B")
	assert.True(t, ok)
	_, ok = c.Metadata("C")
	assert.True(t, ok)
}

func TestEvictionSkipsPermanentAndActive(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	seed(t, c, "perm", 500, metadata.PriorityPermanent)
	seed(t, c, "live", 500, metadata.PriorityNormal)
	seed(t, c, "idle", 500, metadata.PriorityNormal)

	e, err := New(c, activeSet{"live": true}, Config{Budget: 100, Strategy: StrategyLRU})
	require.NoError(t, err)

	e.Check(ctx)

	// Only "idle" is evictable; the pass returns without error even though
	// the budget is still violated.
	_, ok := c.Metadata("perm")
	assert.True(t, ok)
	_, ok = c.Metadata("live")
	assert.True(t, ok)
	_, ok = c.Metadata("idle")
	assert.False(t, ok)
	assert.Equal(t, int64(1000), c.CurrentSize())
}

func TestEvictionNoCandidatesNoProgress(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	seed(t, c, "perm", 500, metadata.PriorityPermanent)

	e := newEngine(t, c, Config{Budget: 100, Strategy: StrategyLRU})
	e.Check(ctx) // must not panic or error

	assert.Equal(t, int64(500), c.CurrentSize())
}

func TestLFUEviction(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	seed(t, c, "cold", 400, metadata.PriorityNormal)
	seed(t, c, "hot", 400, metadata.PriorityNormal)

	// Give "hot" read hits so its access count is higher.
	for range 3 {
		_, ok, err := c.Read(ctx, "hot", mustRange(0, 399))
		require.NoError(t, err)
		require.True(t, ok)
	}

	e := newEngine(t, c, Config{Budget: 500, Strategy: StrategyLFU})
	e.Check(ctx)

	_, ok := c.Metadata("cold")
	assert.False(t, ok)
	_, ok = c.Metadata("hot")
	assert.True(t, ok)
}

func TestPriorityEviction(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	seed(t, c, "high", 400, metadata.PriorityHigh)
	seed(t, c, "low", 400, metadata.PriorityLow)

	e := newEngine(t, c, Config{Budget: 500, Strategy: StrategyPriority})
	e.Check(ctx)

	_, ok := c.Metadata("low")
	assert.False(t, ok)
	_, ok = c.Metadata("high")
	assert.True(t, ok)
}

func TestExpiredStrategyOnlyEvictsExpired(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	seed(t, c, "fresh", 400, metadata.PriorityNormal)
	seed(t, c, "stale", 400, metadata.PriorityNormal)
	require.NoError(t, c.SetExpiration(ctx, "stale", time.Now().Add(-time.Minute)))

	e := newEngine(t, c, Config{Budget: 100, Strategy: StrategyExpired})
	e.Check(ctx)

	_, ok := c.Metadata("stale")
	assert.False(t, ok)
	_, ok = c.Metadata("fresh")
	assert.True(t, ok, "unexpired resources survive the expired strategy even over budget")
}

func TestSweepExpired(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	seed(t, c, "keep", 100, metadata.PriorityNormal)
	seed(t, c, "gone", 100, metadata.PriorityNormal)
	require.NoError(t, c.SetExpiration(ctx, "gone", time.Now().Add(-time.Second)))

	e := newEngine(t, c, Config{Budget: 0, Strategy: StrategyLRU})
	e.SweepExpired(ctx)

	_, ok := c.Metadata("gone")
	assert.False(t, ok)
	_, ok = c.Metadata("keep")
	assert.True(t, ok)
}

func TestMemoryPressure(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	seed(t, c, "low", 100, metadata.PriorityLow)
	seed(t, c, "normal-partial", 100, metadata.PriorityNormal)
	seed(t, c, "normal-complete", 100, metadata.PriorityNormal)
	require.NoError(t, c.MarkComplete(ctx, "normal-complete", 100))
	seed(t, c, "perm", 100, metadata.PriorityPermanent)

	e := newEngine(t, c, Config{Strategy: StrategyLRU})

	e.HandleMemoryPressure(ctx, PressureMedium)
	_, ok := c.Metadata("low")
	assert.False(t, ok, "medium pressure drops low priority")
	_, ok = c.Metadata("normal-partial")
	assert.True(t, ok)

	e.HandleMemoryPressure(ctx, PressureHigh)
	_, ok = c.Metadata("normal-partial")
	assert.False(t, ok, "high pressure drops incomplete normal priority")
	_, ok = c.Metadata("normal-complete")
	assert.True(t, ok)

	e.HandleMemoryPressure(ctx, PressureCritical)
	_, ok = c.Metadata("normal-complete")
	assert.False(t, ok, "critical pressure drops everything but permanent/active")
	_, ok = c.Metadata("perm")
	assert.True(t, ok)
}

func TestCustomStrategy(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	seed(t, c, "aa", 400, metadata.PriorityNormal)
	seed(t, c, "zz", 400, metadata.PriorityNormal)

	require.NoError(t, RegisterStrategy("reverse-key", func(a, b cache.Candidate) bool {
		return a.Key > b.Key
	}))

	e := newEngine(t, c, Config{Budget: 500, Strategy: "reverse-key"})
	e.Check(ctx)

	_, ok := c.Metadata("zz")
	assert.False(t, ok)
	_, ok = c.Metadata("aa")
	assert.True(t, ok)
}

func TestRegisterStrategyValidation(t *testing.T) {
	assert.Error(t, RegisterStrategy(StrategyLRU, func(a, b cache.Candidate) bool { return true }))
	assert.Error(t, RegisterStrategy("nil-order", nil))
}

func TestNotifyTriggersCheck(t *testing.T) {
	c := newTestCache(t)

	seed(t, c, "A", 500, metadata.PriorityNormal)
	seed(t, c, "B", 500, metadata.PriorityNormal)

	e := newEngine(t, c, Config{
		Budget:            600,
		Strategy:          StrategyLRU,
		CleanupInterval:   time.Hour,
		DiskCheckInterval: time.Hour,
	})
	e.Start()
	defer e.Close()

	e.Notify()
	require.Eventually(t, func() bool {
		return c.CurrentSize() <= 600
	}, time.Second, 10*time.Millisecond)
}

func mustRange(start, end int64) rangeset.Range {
	return rangeset.Range{Start: start, End: end}
}
