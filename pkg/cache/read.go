package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/birdmichael/BMVideoCache/pkg/metadata"
	"github.com/birdmichael/BMVideoCache/pkg/rangeset"
)

// hotChunkSize is the alignment of the in-memory chunk cache. Chunks are
// only cached when fully covered by the resource's range set, so a cached
// chunk can never contain sparse-hole zeros.
const hotChunkSize int64 = 256 << 10

func hotChunkKey(key string, idx int64) string {
	return fmt.Sprintf("%s#%d", key, idx)
}

// Read returns the bytes for r if the range is wholly cached. A miss (no
// metadata, or any byte of r not covered) returns ok=false with no error;
// composing partial hits with network fills is the loader's job.
//
// A hit updates the resource's access statistics. If the requested range is
// still sitting in the key's pending batch, the batch is flushed first so a
// read that happens-after a successful write observes the written bytes.
func (c *Cache) Read(ctx context.Context, key string, r rangeset.Range) ([]byte, bool, error) {
	if err := c.checkReady(ctx); err != nil {
		return nil, false, err
	}
	if !r.Valid() {
		return nil, false, fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}

	start := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, ErrClosed
	}

	res, ok := c.meta.Get(key)
	if !ok {
		c.mu.Unlock()
		c.stats.Misses.Add(1)
		observeRead(c.metrics, 0, false, time.Since(start))
		return nil, false, nil
	}

	// Pending bytes are invisible to the range set until flushed; commit
	// them now if they intersect the request.
	if b := c.pending[key]; b != nil && batchIntersects(b, r) {
		if emit, err := c.flushLocked(ctx, key); err != nil {
			c.mu.Unlock()
			return nil, false, err
		} else if emit != nil {
			defer emit()
		}
	}

	if !res.Ranges.Contains(r) {
		c.mu.Unlock()
		c.stats.Misses.Add(1)
		observeRead(c.metrics, 0, false, time.Since(start))
		return nil, false, nil
	}

	data, err := c.readRangeLocked(key, res, r)
	if err != nil {
		c.mu.Unlock()
		return nil, false, err
	}

	res.AccessCount++
	res.Touch()
	if err := c.meta.Put(res); err != nil {
		c.mu.Unlock()
		return nil, false, err
	}
	c.mu.Unlock()

	c.stats.Hits.Add(1)
	c.stats.BytesRead.Add(uint64(len(data)))
	observeRead(c.metrics, int64(len(data)), true, time.Since(start))
	c.stats.maybeFlush()
	return data, true, nil
}

func batchIntersects(b *batch, r rangeset.Range) bool {
	for _, ch := range b.chunks {
		end := ch.offset + int64(len(ch.data)) - 1
		if ch.offset <= r.End && r.Start <= end {
			return true
		}
	}
	return false
}

// readRangeLocked assembles r from hot chunks and disk. Chunks fully
// covered by the range set are cached for subsequent reads of the same hot
// region; partially covered chunks are read through directly.
func (c *Cache) readRangeLocked(key string, res *metadata.Resource, r rangeset.Range) ([]byte, error) {
	slot, err := c.slotLocked(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, r.Len())

	for idx := r.Start / hotChunkSize; idx <= r.End/hotChunkSize; idx++ {
		chunkStart := idx * hotChunkSize
		chunkEnd := chunkStart + hotChunkSize - 1
		if res.HasTotalLength() && chunkEnd > res.TotalLength-1 {
			chunkEnd = res.TotalLength - 1
		}
		chunk := rangeset.Range{Start: chunkStart, End: chunkEnd}

		// Intersection of the chunk with the request.
		lo := max(chunkStart, r.Start)
		hi := min(chunkEnd, r.End)

		if res.Ranges.Contains(chunk) {
			data, err := c.hotChunk(slot, key, idx, chunk)
			if err != nil {
				return nil, err
			}
			copy(out[lo-r.Start:], data[lo-chunkStart:hi-chunkStart+1])
			continue
		}

		// Chunk only partially cached; the requested slice itself is
		// covered, read it straight from disk without caching.
		n, err := slot.ReadAt(out[lo-r.Start:hi-r.Start+1], lo)
		if err != nil {
			return nil, err
		}
		if int64(n) != hi-lo+1 {
			return nil, fmt.Errorf("%w: short read of %s at %d (%d of %d bytes)",
				ErrIntegrity, key, lo, n, hi-lo+1)
		}
	}

	return out, nil
}

// hotChunk returns a fully covered chunk from the LRU, loading it from disk
// on first use.
func (c *Cache) hotChunk(slot *Slot, key string, idx int64, chunk rangeset.Range) ([]byte, error) {
	ck := hotChunkKey(key, idx)
	if data, ok := c.hot.Get(ck); ok {
		return data, nil
	}

	data := make([]byte, chunk.Len())
	n, err := slot.ReadAt(data, chunk.Start)
	if err != nil {
		return nil, err
	}
	if int64(n) != chunk.Len() {
		return nil, fmt.Errorf("%w: short read of chunk %d for %s (%d of %d bytes)",
			ErrIntegrity, idx, key, n, chunk.Len())
	}
	c.hot.Add(ck, data)
	return data, nil
}

// dropHotChunks evicts all hot chunks belonging to key.
func (c *Cache) dropHotChunks(key string) {
	prefix := key + "#"
	for _, ck := range c.hot.Keys() {
		if strings.HasPrefix(ck, prefix) {
			c.hot.Remove(ck)
		}
	}
}

func (c *Cache) clearHotChunks() {
	c.hot.Purge()
}
