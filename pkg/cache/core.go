// Package cache implements the disk cache core for streamed media resources.
//
// The cache coordinates three layers: per-resource sparse data files
// (Slot), durable range metadata (pkg/metadata), and a global byte budget
// observed by the eviction engine. All metadata mutation and size accounting
// is serialized through one coordinator mutex; disk and network I/O of other
// subsystems happen outside it.
//
// Writes are buffered per key and flushed in batches (default every 500ms)
// to coalesce the many small chunks a network stream delivers. A range is
// only claimed by the resource's range set once its bytes are on disk, so a
// failed flush never corrupts metadata.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/birdmichael/BMVideoCache/internal/logger"
	"github.com/birdmichael/BMVideoCache/pkg/metadata"
)

// Defaults for optional Config fields.
const (
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultHotChunks     = 64
)

// progressMinInterval and progressMinDelta rate-limit the progress callback:
// a callback fires when either the interval elapsed or the percentage moved
// enough, whichever comes sooner.
const (
	progressMinInterval = 100 * time.Millisecond
	progressMinDelta    = 0.5
)

// Config holds cache construction parameters.
type Config struct {
	// Directory is the root for data files; metadata records live in
	// Directory/Metadata.
	Directory string

	// FileExtension is the data file extension (default "bmv").
	FileExtension string

	// MetadataExtension is the metadata record extension (default "bmm").
	MetadataExtension string

	// FlushInterval bounds how long written chunks stay buffered before
	// they are committed to disk.
	FlushInterval time.Duration

	// HotChunks is the capacity of the in-memory chunk cache serving
	// repeated reads of hot regions.
	HotChunks int

	// DefaultExpiration, when positive, stamps every new resource with an
	// expiration deadline that far in the future.
	DefaultExpiration time.Duration
}

func (c *Config) applyDefaults() {
	if c.FileExtension == "" {
		c.FileExtension = "bmv"
	}
	if c.MetadataExtension == "" {
		c.MetadataExtension = "bmm"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.HotChunks <= 0 {
		c.HotChunks = DefaultHotChunks
	}
}

// ProgressFunc observes download progress for a resource once its total
// length is known. Percent is in [0,100].
type ProgressFunc func(key, url string, percent float64, cachedBytes, totalBytes int64)

// progressState tracks per-key callback throttling.
type progressState struct {
	limiter     *rate.Limiter
	lastPercent float64
}

// Cache is the coordination point for all cache state.
type Cache struct {
	cfg     Config
	meta    *metadata.Store
	metrics Metrics
	stats   *Statistics

	mu       sync.Mutex
	slots    map[string]*Slot
	pending  map[string]*batch
	progress map[string]*progressState
	hot      *lru.Cache[string, []byte]
	closed   bool

	currentSize atomic.Int64
	initialized atomic.Bool

	onProgress ProgressFunc
	onWrite    atomic.Value // func(), eviction notification

	flushStop chan struct{}
	flushDone chan struct{}
}

// New creates a cache rooted at cfg.Directory. Start must be called before
// any other operation.
func New(cfg Config, m Metrics) (*Cache, error) {
	cfg.applyDefaults()
	if cfg.Directory == "" {
		return nil, fmt.Errorf("cache directory is required")
	}

	store, err := metadata.NewStore(
		metadataDir(cfg.Directory), cfg.MetadataExtension,
		cfg.Directory, cfg.FileExtension,
	)
	if err != nil {
		return nil, err
	}

	hot, err := lru.New[string, []byte](cfg.HotChunks)
	if err != nil {
		return nil, err
	}

	return &Cache{
		cfg:      cfg,
		meta:     store,
		metrics:  m,
		stats:    newStatistics(cfg.Directory),
		slots:    make(map[string]*Slot),
		pending:  make(map[string]*batch),
		progress: make(map[string]*progressState),
		hot:      hot,
	}, nil
}

func metadataDir(root string) string {
	return filepath.Join(root, "Metadata")
}

// SetProgressFunc installs the progress observer. Must be called before
// Start.
func (c *Cache) SetProgressFunc(fn ProgressFunc) {
	c.onProgress = fn
}

// SetWriteNotify installs the eviction notification hook invoked after any
// write that may grow the cache. Safe to swap at runtime (reconfiguration).
func (c *Cache) SetWriteNotify(fn func()) {
	c.onWrite.Store(fn)
}

// notifyWrite invokes the eviction notification, if installed.
func (c *Cache) notifyWrite() {
	if fn, ok := c.onWrite.Load().(func()); ok && fn != nil {
		fn()
	}
}

// Start runs startup reconciliation and begins the background flusher.
// Operations invoked before Start return ErrNotInitialized.
func (c *Cache) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	total, err := c.meta.LoadAll()
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	c.currentSize.Store(total)
	setTotalSize(c.metrics, total)

	c.flushStop = make(chan struct{})
	c.flushDone = make(chan struct{})
	go c.flushLoop()

	c.initialized.Store(true)
	logger.Info("cache initialized",
		"resources", c.meta.Len(), logger.CacheSize(total))
	return nil
}

// checkReady gates operations on lifecycle state. Caller must NOT hold mu.
func (c *Cache) checkReady(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

// EnsureResource creates metadata for a key if none exists. The priority is
// only applied on creation.
func (c *Cache) EnsureResource(ctx context.Context, key, url string, prio metadata.Priority) error {
	if err := c.checkReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if _, ok := c.meta.Get(key); ok {
		return nil
	}
	r := metadata.NewResource(key, url, prio)
	if c.cfg.DefaultExpiration > 0 {
		r.ExpiresAt = time.Now().Add(c.cfg.DefaultExpiration)
	}
	return c.meta.Put(r)
}

// Metadata returns a snapshot of the resource for a key.
func (c *Cache) Metadata(key string) (*metadata.Resource, bool) {
	return c.meta.Snapshot(key)
}

// ContentInfo returns the origin content info for a key, if learned.
func (c *Cache) ContentInfo(key string) (metadata.ContentInfo, bool) {
	r, ok := c.meta.Snapshot(key)
	if !ok {
		return metadata.ContentInfo{}, false
	}
	return metadata.ContentInfo{
		ContentType:   r.ContentType,
		TotalLength:   r.TotalLength,
		SupportsRange: r.SupportsRange,
	}, r.ContentType != "" || r.HasTotalLength()
}

// UpdateContentInfo records content info learned from the first origin
// response. Fields already learned are kept.
func (c *Cache) UpdateContentInfo(ctx context.Context, key string, info metadata.ContentInfo) error {
	return c.mutate(ctx, key, func(r *metadata.Resource) {
		if r.ContentType == "" {
			r.ContentType = info.ContentType
		}
		if !r.HasTotalLength() && info.TotalLength >= 0 {
			r.TotalLength = info.TotalLength
		}
		if info.SupportsRange {
			r.SupportsRange = true
		}
	})
}

// SetPriority updates the eviction priority for a key.
func (c *Cache) SetPriority(ctx context.Context, key string, prio metadata.Priority) error {
	return c.mutate(ctx, key, func(r *metadata.Resource) {
		r.Priority = prio
	})
}

// SetExpiration updates the expiration deadline for a key. A zero time
// clears it.
func (c *Cache) SetExpiration(ctx context.Context, key string, deadline time.Time) error {
	return c.mutate(ctx, key, func(r *metadata.Resource) {
		r.ExpiresAt = deadline
	})
}

// mutate applies fn to the live resource under the coordinator lock, updates
// the access time, and persists the record.
func (c *Cache) mutate(ctx context.Context, key string, fn func(*metadata.Resource)) error {
	if err := c.checkReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	r, ok := c.meta.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, key)
	}
	fn(r)
	r.Touch()
	return c.meta.Put(r)
}

// MarkComplete flushes pending writes, fsyncs the data file, and verifies
// its size against expected (or the covered range sum when expected < 0).
// On verification failure the resource stays incomplete and ErrIntegrity is
// returned; the partial cache is preserved.
func (c *Cache) MarkComplete(ctx context.Context, key string, expected int64) error {
	if err := c.checkReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	r, ok := c.meta.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, key)
	}

	if _, err := c.flushLocked(ctx, key); err != nil {
		return err
	}

	slot, err := c.slotLocked(key)
	if err != nil {
		return err
	}
	if err := slot.Sync(); err != nil {
		return err
	}

	total := expected
	if total < 0 {
		if r.HasTotalLength() {
			total = r.TotalLength
		} else {
			total = r.Ranges.TotalLen()
		}
	}

	size, err := slot.Size()
	if err != nil {
		return err
	}

	if size != total || !r.Ranges.Complete(total) {
		r.Complete = false
		if err := c.meta.Put(r); err != nil {
			logger.Warn("failed to persist metadata after integrity failure",
				logger.Resource(key), logger.Err(err))
		}
		return fmt.Errorf("%w: key %s file size %d, expected %d, ranges %s",
			ErrIntegrity, key, size, total, r.Ranges)
	}

	r.TotalLength = total
	r.Complete = true
	r.Touch()
	return c.meta.Put(r)
}

// Remove cancels pending writes for a key, closes its slot, and deletes the
// data file and metadata record. In-flight loaders for the key are expected
// to be cancelled by the caller.
func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.remove(ctx, key, false)
}

// Evict is Remove with eviction accounting.
func (c *Cache) Evict(ctx context.Context, key string) error {
	return c.remove(ctx, key, true)
}

func (c *Cache) remove(ctx context.Context, key string, evicted bool) error {
	if err := c.checkReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.removeLocked(key, evicted)
}

func (c *Cache) removeLocked(key string, evicted bool) error {
	delete(c.pending, key)
	delete(c.progress, key)
	c.dropHotChunks(key)

	var freed int64
	if r, ok := c.meta.Get(key); ok {
		freed = r.CachedBytes
	}

	if slot, ok := c.slots[key]; ok {
		if err := slot.Close(); err != nil {
			logger.Warn("failed to close cache file", logger.Resource(key), logger.Err(err))
		}
		delete(c.slots, key)
	}
	if err := removeFile(c.meta.DataPath(key)); err != nil {
		return err
	}
	if err := c.meta.Remove(key); err != nil {
		return err
	}

	size := c.currentSize.Add(-freed)
	setTotalSize(c.metrics, size)
	if evicted {
		c.stats.Evictions.Add(1)
		observeEviction(c.metrics, freed)
	} else {
		c.stats.Removals.Add(1)
	}
	c.stats.maybeFlush()
	return nil
}

// ClearAll removes every resource. Data files are deleted concurrently.
func (c *Cache) ClearAll(ctx context.Context) error {
	if err := c.checkReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	keys := c.meta.Keys()
	c.pending = make(map[string]*batch)
	c.progress = make(map[string]*progressState)
	c.clearHotChunks()
	for key, slot := range c.slots {
		if err := slot.Close(); err != nil {
			logger.Warn("failed to close cache file", logger.Resource(key), logger.Err(err))
		}
	}
	c.slots = make(map[string]*Slot)
	c.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, key := range keys {
		g.Go(func() error {
			return removeFile(c.meta.DataPath(key))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if err := c.meta.Remove(key); err != nil {
			return err
		}
	}
	c.currentSize.Store(0)
	setTotalSize(c.metrics, 0)
	c.stats.Removals.Add(uint64(len(keys)))
	c.stats.Flush()
	return nil
}

// CurrentSize returns the total cached bytes across all resources.
func (c *Cache) CurrentSize() int64 {
	return c.currentSize.Load()
}

// Stats returns a snapshot of the aggregate counters.
func (c *Cache) Stats() StatisticsSnapshot {
	return c.stats.Snapshot()
}

// Candidate describes one resource for eviction ordering.
type Candidate struct {
	Key         string
	CachedBytes int64
	LastAccess  time.Time
	AccessCount uint64
	Priority    metadata.Priority
	ExpiresAt   time.Time
	Complete    bool
}

// Candidates returns an eviction view of all resources. Keys with an
// in-flight batch are excluded; eviction of a key always happens-after its
// pending flush.
func (c *Cache) Candidates() []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Candidate, 0, c.meta.Len())
	for _, r := range c.meta.Snapshots() {
		if _, pending := c.pending[r.Key]; pending {
			continue
		}
		out = append(out, Candidate{
			Key:         r.Key,
			CachedBytes: r.CachedBytes,
			LastAccess:  r.LastAccess,
			AccessCount: r.AccessCount,
			Priority:    r.Priority,
			ExpiresAt:   r.ExpiresAt,
			Complete:    r.Complete,
		})
	}
	return out
}

// slotLocked returns the open slot for a key, opening it lazily. Caller
// must hold mu.
func (c *Cache) slotLocked(key string) (*Slot, error) {
	if slot, ok := c.slots[key]; ok {
		return slot, nil
	}
	slot, err := OpenSlot(c.meta.DataPath(key))
	if err != nil {
		return nil, err
	}
	c.slots[key] = slot
	return slot, nil
}

// Close flushes pending writes and statistics, stops the background
// flusher, and closes all slots.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	ctx := context.Background()
	for key := range c.pending {
		if _, err := c.flushLocked(ctx, key); err != nil {
			logger.Warn("flush on close failed", logger.Resource(key), logger.Err(err))
		}
	}
	c.closed = true

	var firstErr error
	for key, slot := range c.slots {
		if err := slot.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close slot %s: %w", key, err)
		}
	}
	c.slots = make(map[string]*Slot)
	c.mu.Unlock()

	if c.flushStop != nil {
		close(c.flushStop)
		<-c.flushDone
	}

	c.stats.Flush()
	return firstErr
}

// emitProgressLocked returns a closure that invokes the progress callback
// for a resource if throttling allows, or nil. Caller must hold mu and
// runs the closure after releasing it.
func (c *Cache) emitProgressLocked(r *metadata.Resource) func() {
	if c.onProgress == nil || !r.HasTotalLength() || r.TotalLength == 0 {
		return nil
	}

	st, ok := c.progress[r.Key]
	if !ok {
		st = &progressState{
			limiter:     rate.NewLimiter(rate.Every(progressMinInterval), 1),
			lastPercent: -progressMinDelta,
		}
		c.progress[r.Key] = st
	}

	percent := float64(r.CachedBytes) / float64(r.TotalLength) * 100
	if percent-st.lastPercent < progressMinDelta && !st.limiter.Allow() {
		return nil
	}
	st.lastPercent = percent

	key, url := r.Key, r.OriginalURL
	cached, total := r.CachedBytes, r.TotalLength
	fn := c.onProgress
	return func() { fn(key, url, percent, cached, total) }
}

// removeFile deletes a file, treating a missing file as success.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}
