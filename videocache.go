// Package bmvideocache is a streaming media cache that sits between a media
// player and remote HTTP(S) origins.
//
// Player range requests for a resource are served from local disk when the
// requested bytes are cached, and from a single resumable origin fetch
// otherwise; fetched bytes are written back so later plays and seeks stay
// local. Out-of-band preloads pull resource prefixes before playback, a
// byte budget and disk-space floor are enforced by pluggable eviction, and
// all cache state survives restarts through per-resource metadata records.
//
// The VideoCache type wires the subsystems together and is the only entry
// point a host application needs.
package bmvideocache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/birdmichael/BMVideoCache/internal/logger"
	"github.com/birdmichael/BMVideoCache/pkg/cache"
	"github.com/birdmichael/BMVideoCache/pkg/config"
	"github.com/birdmichael/BMVideoCache/pkg/eviction"
	"github.com/birdmichael/BMVideoCache/pkg/loader"
	"github.com/birdmichael/BMVideoCache/pkg/metadata"
	"github.com/birdmichael/BMVideoCache/pkg/preload"
)

// Request is re-exported so hosts only import this package.
type Request = loader.Request

// ErrNotStarted is returned for operations before Start completes startup
// reconciliation.
var ErrNotStarted = cache.ErrNotInitialized

// VideoCache is the assembled cache: core, loaders, preload scheduler, and
// eviction engine.
type VideoCache struct {
	mu        sync.Mutex
	cfg       config.Config
	keyFn     metadata.KeyFunc
	cache     *cache.Cache
	registry  *loader.Registry
	scheduler *preload.Scheduler
	engine    *eviction.Engine
	started   bool
	closed    bool
}

// Option customizes construction.
type Option func(*options)

type options struct {
	keyFn    metadata.KeyFunc
	progress cache.ProgressFunc
	metrics  cache.Metrics
}

// WithKeyFunc overrides the URL→key derivation. The default is SHA-256 hex
// of the URL string.
func WithKeyFunc(fn metadata.KeyFunc) Option {
	return func(o *options) { o.keyFn = fn }
}

// WithProgress installs a download progress observer. Callbacks are
// rate-limited to one per 100ms or per 0.5% change, whichever comes sooner.
func WithProgress(fn cache.ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// WithMetrics installs a cache metrics sink (e.g. the Prometheus
// implementation in pkg/metrics/prometheus).
func WithMetrics(m cache.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New assembles a cache from configuration. Call Start before use.
func New(cfg config.Config, opts ...Option) (*VideoCache, error) {
	if err := config.Validate(&cfg); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.keyFn == nil {
		o.keyFn = metadata.DefaultKeyFunc
	}

	core, err := cache.New(cache.Config{
		Directory:         cfg.Cache.Directory,
		FileExtension:     cfg.Cache.FileExtension,
		MetadataExtension: cfg.Cache.MetadataExtension,
		DefaultExpiration: cfg.Cleanup.DefaultExpiration,
	}, o.metrics)
	if err != nil {
		return nil, err
	}

	registry := loader.NewRegistry(core, o.keyFn, loader.Config{
		RequestTimeout: cfg.Network.RequestTimeout,
		MaxRetries:     uint64(cfg.Network.MaxRetries),
		CustomHeaders:  cfg.Network.CustomHeaders,
	})

	scheduler, err := preload.New(registry, o.keyFn, preload.Config{
		MaxConcurrent:  cfg.Network.MaxConcurrentDownloads,
		BatchSize:      cfg.Preload.BatchSize,
		MaxRetries:     cfg.Preload.MaxRetries,
		TaskTimeout:    cfg.Preload.TaskTimeout,
		DynamicAging:   cfg.Preload.DynamicAging,
		AgingThreshold: cfg.Preload.AgingThreshold,
	})
	if err != nil {
		return nil, err
	}

	engine, err := eviction.New(core, registry, eviction.Config{
		Budget:            cfg.Cache.MaxSize.Int64(),
		MinFreeDiskBytes:  cfg.Cache.MinFreeDisk.Uint64(),
		Strategy:          eviction.Strategy(cfg.Cleanup.Strategy),
		CleanupInterval:   cfg.Cleanup.Interval,
		DiskCheckInterval: cfg.Cleanup.DiskCheckInterval,
		Directory:         cfg.Cache.Directory,
	})
	if err != nil {
		return nil, err
	}

	// One-way capabilities between coordinators: the cache notifies the
	// engine about growth, the engine consults the registry for liveness,
	// loaders feed discovered HLS segments into the scheduler.
	core.SetWriteNotify(engine.Notify)
	registry.SetSegmentEnqueuer(scheduler)
	if o.progress != nil {
		core.SetProgressFunc(o.progress)
	}

	return &VideoCache{
		cfg:       cfg,
		keyFn:     o.keyFn,
		cache:     core,
		registry:  registry,
		scheduler: scheduler,
		engine:    engine,
	}, nil
}

// Start runs startup reconciliation and begins the background coordinators.
// Cache operations invoked before Start return ErrNotStarted; preloads
// added before Start stay queued until it runs.
func (v *VideoCache) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.started {
		return nil
	}

	if err := v.cache.Start(ctx); err != nil {
		return err
	}
	v.engine.Start()
	v.scheduler.Start()
	v.started = true
	return nil
}

// Close shuts everything down: preloads cancel, loaders stop, pending
// writes and statistics flush.
func (v *VideoCache) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	started := v.started
	v.mu.Unlock()

	if started {
		v.scheduler.Close()
		v.registry.Close()
		v.engine.Close()
	}
	return v.cache.Close()
}

// Key returns the resource key for an origin URL.
func (v *VideoCache) Key(originalURL string) string {
	return v.keyFn(originalURL)
}

// CacheURL maps an origin URL to its player-facing custom-scheme URL by
// prefixing the scheme. The mapping is bijective with OriginalURL.
func (v *VideoCache) CacheURL(originalURL string) (string, error) {
	u, err := url.Parse(originalURL)
	if err != nil {
		return "", fmt.Errorf("invalid origin URL: %w", err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("origin URL %q has no scheme", originalURL)
	}
	u.Scheme = v.cfg.Cache.SchemePrefix + u.Scheme
	return u.String(), nil
}

// OriginalURL reverses CacheURL by stripping the scheme prefix.
func (v *VideoCache) OriginalURL(cacheURL string) (string, error) {
	u, err := url.Parse(cacheURL)
	if err != nil {
		return "", fmt.Errorf("invalid cache URL: %w", err)
	}
	scheme, ok := strings.CutPrefix(u.Scheme, v.cfg.Cache.SchemePrefix)
	if !ok || scheme == "" {
		return "", fmt.Errorf("URL %q does not carry the %q scheme prefix",
			cacheURL, v.cfg.Cache.SchemePrefix)
	}
	u.Scheme = scheme
	return u.String(), nil
}

// HandleRequest routes a player loading request. The URL may be either the
// custom-scheme cache URL delivered to the interceptor or the origin URL.
func (v *VideoCache) HandleRequest(ctx context.Context, rawURL string, req *Request) error {
	origin, err := v.resolveOrigin(rawURL)
	if err != nil {
		return err
	}
	return v.registry.HandleRequest(ctx, origin, req)
}

// CancelRequest cancels a player loading request previously routed with
// HandleRequest.
func (v *VideoCache) CancelRequest(rawURL string, req *Request) {
	origin, err := v.resolveOrigin(rawURL)
	if err != nil {
		return
	}
	v.registry.CancelRequest(origin, req)
}

// IsActive reports whether a resource has in-flight requests. Safe from
// player-thread callbacks.
func (v *VideoCache) IsActive(originalURL string) bool {
	return v.registry.IsActive(v.keyFn(originalURL))
}

func (v *VideoCache) resolveOrigin(rawURL string) (string, error) {
	if origin, err := v.OriginalURL(rawURL); err == nil {
		return origin, nil
	}
	if _, err := url.Parse(rawURL); err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	return rawURL, nil
}

// Preload enqueues a prefix fetch of length bytes (-1 for the whole
// resource) and returns the task ID.
func (v *VideoCache) Preload(originalURL string, length int64, prio metadata.Priority) (uuid.UUID, error) {
	return v.scheduler.Add(originalURL, length, prio)
}

// CancelPreload cancels a preload task. True iff the task was still
// pending or running.
func (v *VideoCache) CancelPreload(id uuid.UUID) bool {
	return v.scheduler.Cancel(id)
}

// CancelAllPreloads cancels every non-terminal preload task.
func (v *VideoCache) CancelAllPreloads() {
	v.scheduler.CancelAll()
}

// PausePreload pauses a queued or running preload task.
func (v *VideoCache) PausePreload(id uuid.UUID) bool {
	return v.scheduler.Pause(id)
}

// ResumePreload returns a paused task to the queue.
func (v *VideoCache) ResumePreload(id uuid.UUID) bool {
	return v.scheduler.Resume(id)
}

// PreloadTask returns a snapshot of one preload task.
func (v *VideoCache) PreloadTask(id uuid.UUID) (preload.Task, bool) {
	return v.scheduler.Task(id)
}

// PreloadTasks returns snapshots of all known preload tasks.
func (v *VideoCache) PreloadTasks() []preload.Task {
	return v.scheduler.Tasks()
}

// PreloadCounters returns the scheduler's outcome counters.
func (v *VideoCache) PreloadCounters() preload.Counters {
	return v.scheduler.Counters()
}

// Resource returns a metadata snapshot for an origin URL.
func (v *VideoCache) Resource(originalURL string) (*metadata.Resource, bool) {
	return v.cache.Metadata(v.keyFn(originalURL))
}

// SetPriority updates a resource's eviction priority.
func (v *VideoCache) SetPriority(ctx context.Context, originalURL string, prio metadata.Priority) error {
	return v.cache.SetPriority(ctx, v.keyFn(originalURL), prio)
}

// SetExpiration updates a resource's expiration deadline. Zero clears it.
func (v *VideoCache) SetExpiration(ctx context.Context, originalURL string, deadline time.Time) error {
	return v.cache.SetExpiration(ctx, v.keyFn(originalURL), deadline)
}

// Remove deletes one resource: its in-flight loader is cancelled, then the
// data file and metadata record are destroyed.
func (v *VideoCache) Remove(ctx context.Context, originalURL string) error {
	key := v.keyFn(originalURL)
	v.registry.CancelKey(key)
	err := v.cache.Remove(ctx, key)
	if errors.Is(err, cache.ErrUnknownResource) {
		return nil
	}
	return err
}

// ClearAll cancels everything in flight and destroys every cached resource.
func (v *VideoCache) ClearAll(ctx context.Context) error {
	v.scheduler.CancelAll()
	v.registry.CancelAllLoaders()
	return v.cache.ClearAll(ctx)
}

// Statistics returns the aggregate hit/miss counters.
func (v *VideoCache) Statistics() cache.StatisticsSnapshot {
	return v.cache.Stats()
}

// CurrentSize returns the total cached bytes.
func (v *VideoCache) CurrentSize() int64 {
	return v.cache.CurrentSize()
}

// HandleMemoryPressure applies a host memory-pressure signal to the
// eviction engine.
func (v *VideoCache) HandleMemoryPressure(ctx context.Context, level eviction.PressureLevel) {
	v.engine.HandleMemoryPressure(ctx, level)
}

// Reconfigure atomically applies new tunables. The cache directory and
// file extensions are part of the on-disk identity and cannot change; pass
// the same values or Reconfigure fails before touching anything.
func (v *VideoCache) Reconfigure(cfg config.Config) error {
	if err := config.Validate(&cfg); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return cache.ErrClosed
	}
	if cfg.Cache.Directory != v.cfg.Cache.Directory ||
		cfg.Cache.FileExtension != v.cfg.Cache.FileExtension ||
		cfg.Cache.MetadataExtension != v.cfg.Cache.MetadataExtension {
		return fmt.Errorf("cache directory and extensions are immutable; create a new cache instead")
	}

	engine, err := eviction.New(v.cache, v.registry, eviction.Config{
		Budget:            cfg.Cache.MaxSize.Int64(),
		MinFreeDiskBytes:  cfg.Cache.MinFreeDisk.Uint64(),
		Strategy:          eviction.Strategy(cfg.Cleanup.Strategy),
		CleanupInterval:   cfg.Cleanup.Interval,
		DiskCheckInterval: cfg.Cleanup.DiskCheckInterval,
		Directory:         cfg.Cache.Directory,
	})
	if err != nil {
		return err
	}

	if v.started {
		v.engine.Close()
		engine.Start()
	}
	v.engine = engine
	v.cache.SetWriteNotify(engine.Notify)
	v.cfg = cfg

	if err := logger.Init(cfg.Logging.LoggerConfig()); err != nil {
		logger.Warn("failed to apply logging configuration", logger.Err(err))
	}
	logger.Info("configuration applied",
		logger.Budget(cfg.Cache.MaxSize.Int64()),
		logger.Strategy(cfg.Cleanup.Strategy))
	return nil
}
