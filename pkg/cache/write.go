package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/birdmichael/BMVideoCache/internal/logger"
	"github.com/birdmichael/BMVideoCache/pkg/rangeset"
)

// pendingChunk is one buffered write.
type pendingChunk struct {
	offset int64
	data   []byte
}

// batch accumulates buffered writes for one key until the flush interval
// elapses.
type batch struct {
	chunks []pendingChunk
	bytes  int64
	first  time.Time
}

// Write buffers data at offset for a key. The batch for the key is flushed
// to disk once the flush interval has elapsed since its first chunk; until
// then the bytes are pending and not yet claimed by the range set.
//
// The write is validated against the resource's known total length; a write
// past the end or with an empty payload is rejected.
func (c *Cache) Write(ctx context.Context, key string, offset int64, data []byte) error {
	if err := c.checkReady(ctx); err != nil {
		return err
	}

	start := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	r, ok := c.meta.Get(key)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownResource, key)
	}
	if offset < 0 || len(data) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: offset %d, length %d", ErrInvalidRange, offset, len(data))
	}
	if r.HasTotalLength() && offset+int64(len(data)) > r.TotalLength {
		c.mu.Unlock()
		return fmt.Errorf("%w: write [%d,%d) exceeds total length %d",
			ErrInvalidRange, offset, offset+int64(len(data)), r.TotalLength)
	}

	b := c.pending[key]
	if b == nil {
		b = &batch{first: start}
		c.pending[key] = b
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	b.chunks = append(b.chunks, pendingChunk{offset: offset, data: buf})
	b.bytes += int64(len(data))

	c.stats.Writes.Add(1)
	c.stats.BytesWritten.Add(uint64(len(data)))
	observeWrite(c.metrics, int64(len(data)), time.Since(start))

	var emit func()
	var flushed bool
	var err error
	if time.Since(b.first) >= c.cfg.FlushInterval {
		emit, err = c.flushLocked(ctx, key)
		flushed = err == nil
	}
	c.mu.Unlock()

	if emit != nil {
		emit()
	}
	if flushed {
		c.notifyWrite()
	}
	return err
}

// Flush commits the pending batch for a key immediately.
func (c *Cache) Flush(ctx context.Context, key string) error {
	if err := c.checkReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	emit, err := c.flushLocked(ctx, key)
	c.mu.Unlock()

	if emit != nil {
		emit()
	}
	if err == nil {
		c.notifyWrite()
	}
	return err
}

// flushLocked commits the pending batch for key: chunks are written to the
// slot in enqueue order, and each chunk's range is claimed only after its
// bytes reach the file. The returned closure (if any) delivers the progress
// callback and must be invoked after mu is released.
func (c *Cache) flushLocked(ctx context.Context, key string) (func(), error) {
	b := c.pending[key]
	delete(c.pending, key)
	if b == nil || len(b.chunks) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		// Cancellation drops the buffered chunks; their ranges were never
		// claimed, so the metadata stays consistent.
		return nil, err
	}

	r, ok := c.meta.Get(key)
	if !ok {
		return nil, nil
	}

	slot, err := c.slotLocked(key)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	oldBytes := r.CachedBytes
	var flushErr error
	written := 0
	for _, ch := range b.chunks {
		if err := slot.WriteAt(ch.data, ch.offset); err != nil {
			flushErr = err
			break
		}
		rng := rangeset.Range{Start: ch.offset, End: ch.offset + int64(len(ch.data)) - 1}
		set, err := r.Ranges.Add(rng)
		if err != nil {
			flushErr = err
			break
		}
		r.Ranges = set
		written++
	}

	r.CachedBytes = r.Ranges.TotalLen()
	delta := r.CachedBytes - oldBytes
	size := c.currentSize.Add(delta)
	setTotalSize(c.metrics, size)

	r.Touch()
	if err := c.meta.Put(r); err != nil && flushErr == nil {
		flushErr = err
	}

	observeFlush(c.metrics, written, delta, time.Since(start))
	c.stats.maybeFlush()

	if flushErr != nil {
		logger.Warn("batch flush failed",
			logger.Resource(key), "chunks_written", written,
			"chunks_dropped", len(b.chunks)-written, logger.Err(flushErr))
		return c.emitProgressLocked(r), flushErr
	}
	return c.emitProgressLocked(r), nil
}

// HasPending reports whether a key has buffered, unflushed chunks.
func (c *Cache) HasPending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.pending[key]
	return ok && len(b.chunks) > 0
}

// flushLoop periodically commits batches whose flush interval has elapsed.
func (c *Cache) flushLoop() {
	defer close(c.flushDone)

	tick := c.cfg.FlushInterval / 2
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-c.flushStop:
			return
		case <-ticker.C:
		}

		var emits []func()
		var flushed bool

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		for key, b := range c.pending {
			if time.Since(b.first) < c.cfg.FlushInterval {
				continue
			}
			emit, err := c.flushLocked(ctx, key)
			if emit != nil {
				emits = append(emits, emit)
			}
			if err == nil {
				flushed = true
			}
		}
		c.mu.Unlock()

		for _, emit := range emits {
			emit()
		}
		if flushed {
			c.notifyWrite()
		}
	}
}
