package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdmichael/BMVideoCache/pkg/metadata"
	"github.com/birdmichael/BMVideoCache/pkg/rangeset"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{
		Directory:     t.TempDir(),
		FlushInterval: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ensure(t *testing.T, c *Cache, key string) {
	t.Helper()
	require.NoError(t, c.EnsureResource(context.Background(),
		key, "https://example.com/"+key+".mp4", metadata.PriorityNormal))
}

func TestNotInitialized(t *testing.T) {
	c, err := New(Config{Directory: t.TempDir()}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = c.Read(ctx, "k", rangeset.Range{Start: 0, End: 9})
	assert.ErrorIs(t, err, ErrNotInitialized)

	err = c.Write(ctx, "k", 0, []byte("x"))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestWriteThenRead(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	ensure(t, c, "k")

	data := []byte("hello, cached world")
	require.NoError(t, c.Write(ctx, "k", 0, data))

	// The read must observe the write even though the batch window has not
	// elapsed yet.
	got, ok, err := c.Read(ctx, "k", rangeset.Range{Start: 0, End: int64(len(data)) - 1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestReadMiss(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	// Unknown key is a miss, not an error.
	_, ok, err := c.Read(ctx, "nope", rangeset.Range{Start: 0, End: 9})
	require.NoError(t, err)
	assert.False(t, ok)

	// Partial coverage is a miss too.
	ensure(t, c, "k")
	require.NoError(t, c.Write(ctx, "k", 0, make([]byte, 100)))
	require.NoError(t, c.Flush(ctx, "k"))

	_, ok, err = c.Read(ctx, "k", rangeset.Range{Start: 50, End: 150})
	require.NoError(t, err)
	assert.False(t, ok)

	snap := c.Stats()
	assert.Equal(t, uint64(2), snap.Misses)
}

func TestReadUpdatesAccessStats(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	ensure(t, c, "k")

	require.NoError(t, c.Write(ctx, "k", 0, make([]byte, 64)))
	require.NoError(t, c.Flush(ctx, "k"))

	before, _ := c.Metadata("k")
	require.Equal(t, uint64(0), before.AccessCount)

	_, ok, err := c.Read(ctx, "k", rangeset.Range{Start: 10, End: 20})
	require.NoError(t, err)
	require.True(t, ok)

	after, _ := c.Metadata("k")
	assert.Equal(t, uint64(1), after.AccessCount)
	assert.False(t, after.LastAccess.Before(before.LastAccess))
}

func TestOverlapAccounting(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	ensure(t, c, "k")

	// Write [100,299] then [200,399]: 300 distinct bytes, not 400.
	require.NoError(t, c.Write(ctx, "k", 100, make([]byte, 200)))
	require.NoError(t, c.Write(ctx, "k", 200, make([]byte, 200)))
	require.NoError(t, c.Flush(ctx, "k"))

	r, ok := c.Metadata("k")
	require.True(t, ok)
	assert.Equal(t, []rangeset.Range{{Start: 100, End: 399}}, r.Ranges.Ranges())
	assert.Equal(t, int64(300), r.CachedBytes)
	assert.Equal(t, int64(300), c.CurrentSize())
}

func TestWriteValidation(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	ensure(t, c, "k")

	assert.ErrorIs(t, c.Write(ctx, "k", -1, []byte("x")), ErrInvalidRange)
	assert.ErrorIs(t, c.Write(ctx, "k", 0, nil), ErrInvalidRange)
	assert.ErrorIs(t, c.Write(ctx, "unknown", 0, []byte("x")), ErrUnknownResource)

	// Once the total length is known, writes past the end are rejected.
	require.NoError(t, c.UpdateContentInfo(ctx, "k", metadata.ContentInfo{TotalLength: 10}))
	assert.ErrorIs(t, c.Write(ctx, "k", 8, []byte("abc")), ErrInvalidRange)
}

func TestMarkComplete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	ensure(t, c, "k")

	data := make([]byte, 1024)
	require.NoError(t, c.UpdateContentInfo(ctx, "k", metadata.ContentInfo{
		ContentType: "video/mp4", TotalLength: 1024, SupportsRange: true,
	}))
	require.NoError(t, c.Write(ctx, "k", 0, data))

	// MarkComplete flushes the pending batch itself.
	require.NoError(t, c.MarkComplete(ctx, "k", 1024))

	r, _ := c.Metadata("k")
	assert.True(t, r.Complete)
	assert.Equal(t, int64(1024), r.TotalLength)

	// Every sub-range is now a pure hit.
	_, ok, err := c.Read(ctx, "k", rangeset.Range{Start: 100, End: 1023})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkCompleteIntegrityFailure(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	ensure(t, c, "k")

	require.NoError(t, c.Write(ctx, "k", 0, make([]byte, 512)))
	require.NoError(t, c.Flush(ctx, "k"))

	err := c.MarkComplete(ctx, "k", 1024)
	assert.ErrorIs(t, err, ErrIntegrity)

	// Partial cache is preserved and not complete.
	r, _ := c.Metadata("k")
	assert.False(t, r.Complete)
	assert.Equal(t, int64(512), r.CachedBytes)

	_, ok, readErr := c.Read(ctx, "k", rangeset.Range{Start: 0, End: 511})
	require.NoError(t, readErr)
	assert.True(t, ok)
}

func TestRemove(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	ensure(t, c, "k")

	require.NoError(t, c.Write(ctx, "k", 0, make([]byte, 256)))
	require.NoError(t, c.Flush(ctx, "k"))
	require.Equal(t, int64(256), c.CurrentSize())

	path := c.meta.DataPath("k")
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, c.Remove(ctx, "k"))

	assert.Zero(t, c.CurrentSize())
	_, ok := c.Metadata("k")
	assert.False(t, ok)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(c.meta.RecordPath("k"))
	assert.True(t, os.IsNotExist(err))
}

func TestClearAll(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		ensure(t, c, key)
		require.NoError(t, c.Write(ctx, key, 0, make([]byte, 100)))
		require.NoError(t, c.Flush(ctx, key))
	}
	require.Equal(t, int64(300), c.CurrentSize())

	require.NoError(t, c.ClearAll(ctx))
	assert.Zero(t, c.CurrentSize())
	assert.Empty(t, c.Candidates())
}

func TestBackgroundFlush(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	ensure(t, c, "k")

	require.NoError(t, c.Write(ctx, "k", 0, make([]byte, 128)))
	require.True(t, c.HasPending("k"))

	// The background flusher commits the batch once the interval elapses.
	require.Eventually(t, func() bool {
		return !c.HasPending("k")
	}, time.Second, 10*time.Millisecond)

	r, _ := c.Metadata("k")
	assert.Equal(t, int64(128), r.CachedBytes)
}

func TestCandidatesExcludePending(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	ensure(t, c, "busy")
	ensure(t, c, "idle")

	require.NoError(t, c.Write(ctx, "idle", 0, make([]byte, 10)))
	require.NoError(t, c.Flush(ctx, "idle"))
	require.NoError(t, c.Write(ctx, "busy", 0, make([]byte, 10)))

	keys := map[string]bool{}
	for _, cand := range c.Candidates() {
		keys[cand.Key] = true
	}
	assert.True(t, keys["idle"])
	assert.False(t, keys["busy"], "keys with pending batches are not eviction candidates")
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := New(Config{Directory: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.EnsureResource(ctx, "k", "https://example.com/v.mp4", metadata.PriorityHigh))
	require.NoError(t, c.Write(ctx, "k", 0, []byte("persistent bytes")))
	require.NoError(t, c.Flush(ctx, "k"))
	require.NoError(t, c.Close())

	c2, err := New(Config{Directory: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, c2.Start(ctx))
	defer c2.Close()

	assert.Equal(t, int64(16), c2.CurrentSize())
	got, ok, err := c2.Read(ctx, "k", rangeset.Range{Start: 0, End: 15})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("persistent bytes"), got)

	r, _ := c2.Metadata("k")
	assert.Equal(t, metadata.PriorityHigh, r.Priority)
}

func TestProgressCallback(t *testing.T) {
	c, err := New(Config{
		Directory:     t.TempDir(),
		FlushInterval: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	type event struct {
		percent float64
		cached  int64
		total   int64
	}
	events := make(chan event, 16)
	c.SetProgressFunc(func(key, url string, percent float64, cached, total int64) {
		events <- event{percent, cached, total}
	})

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Close()

	require.NoError(t, c.EnsureResource(ctx, "k", "https://example.com/v.mp4", metadata.PriorityNormal))
	require.NoError(t, c.UpdateContentInfo(ctx, "k", metadata.ContentInfo{TotalLength: 1000}))
	require.NoError(t, c.Write(ctx, "k", 0, make([]byte, 500)))
	require.NoError(t, c.Flush(ctx, "k"))

	select {
	case ev := <-events:
		assert.InDelta(t, 50.0, ev.percent, 0.01)
		assert.Equal(t, int64(500), ev.cached)
		assert.Equal(t, int64(1000), ev.total)
	case <-time.After(time.Second):
		t.Fatal("expected a progress event")
	}
}

func TestWriteNotify(t *testing.T) {
	c, err := New(Config{Directory: t.TempDir()}, nil)
	require.NoError(t, err)

	notified := make(chan struct{}, 8)
	c.SetWriteNotify(func() {
		select {
		case notified <- struct{}{}:
		default:
		}
	})

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Close()

	ensure(t, c, "k")
	require.NoError(t, c.Write(ctx, "k", 0, make([]byte, 10)))
	require.NoError(t, c.Flush(ctx, "k"))

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("expected an eviction notification after flush")
	}
}
