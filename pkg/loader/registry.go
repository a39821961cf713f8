package loader

import (
	"context"
	"net/http"
	"sync"

	"github.com/birdmichael/BMVideoCache/internal/logger"
	"github.com/birdmichael/BMVideoCache/pkg/cache"
	"github.com/birdmichael/BMVideoCache/pkg/metadata"
	"github.com/birdmichael/BMVideoCache/pkg/rangeset"
)

// Registry demultiplexes incoming requests to per-resource loaders and owns
// their lifecycle. All map mutation happens under one mutex; loaders retire
// themselves through the idle callback once nothing is attached.
type Registry struct {
	cache  *cache.Cache
	cfg    Config
	client *http.Client
	keyFn  metadata.KeyFunc

	mu       sync.Mutex
	loaders  map[string]*Loader
	enqueuer SegmentEnqueuer
	closed   bool
}

// NewRegistry creates a registry serving loaders from the given cache.
// A nil keyFn uses the default SHA-256 derivation.
func NewRegistry(c *cache.Cache, keyFn metadata.KeyFunc, cfg Config) *Registry {
	cfg.applyDefaults()
	if keyFn == nil {
		keyFn = metadata.DefaultKeyFunc
	}
	return &Registry{
		cache:   c,
		cfg:     cfg,
		client:  newHTTPClient(cfg),
		keyFn:   keyFn,
		loaders: make(map[string]*Loader),
	}
}

// SetSegmentEnqueuer wires the preload scheduler for HLS fan-out. Must be
// called before the first request.
func (r *Registry) SetSegmentEnqueuer(e SegmentEnqueuer) {
	r.mu.Lock()
	r.enqueuer = e
	r.mu.Unlock()
}

// Key derives the resource key for a URL.
func (r *Registry) Key(url string) string {
	return r.keyFn(url)
}

// HandleRequest routes a player request to the resource's loader, creating
// metadata and the loader on first touch.
func (r *Registry) HandleRequest(ctx context.Context, url string, req *Request) error {
	key := r.keyFn(url)
	if err := r.cache.EnsureResource(ctx, key, url, metadata.PriorityNormal); err != nil {
		return err
	}

	for {
		l, err := r.loaderFor(key, url)
		if err != nil {
			return err
		}
		if l.attach(req) {
			return nil
		}
		// The loader retired between lookup and attach; route to a fresh
		// one.
	}
}

// CancelRequest detaches a player request; its loader retires if nothing
// else is attached.
func (r *Registry) CancelRequest(url string, req *Request) {
	r.mu.Lock()
	l := r.loaders[r.keyFn(url)]
	r.mu.Unlock()
	if l != nil {
		l.detach(req)
	}
}

// Preload runs a blocking prefix fetch of length bytes (-1 for the whole
// resource) through the key's loader.
func (r *Registry) Preload(ctx context.Context, url string, length int64, prio metadata.Priority) error {
	key := r.keyFn(url)
	if err := r.cache.EnsureResource(ctx, key, url, prio); err != nil {
		return err
	}

	// Already satisfied on disk: complete resources, or a cached prefix
	// covering the requested length.
	if md, ok := r.cache.Metadata(key); ok {
		if md.Complete {
			return nil
		}
		if length > 0 && md.Ranges.Contains(rangeset.Range{Start: 0, End: length - 1}) {
			return nil
		}
	}

	for {
		l, err := r.loaderFor(key, url)
		if err != nil {
			return err
		}

		result := make(chan error, 1)
		req := &Request{
			Offset:   0,
			Length:   length,
			OnFinish: func(err error) { result <- err },
			preload:  true,
		}
		if !l.attach(req) {
			// The loader retired between lookup and attach; route to a
			// fresh one.
			continue
		}

		select {
		case err := <-result:
			return err
		case <-ctx.Done():
			l.detach(req)
			<-result
			return ctx.Err()
		}
	}
}

// IsActive reports whether a key has a loader with attached requests.
// Non-suspending: callable from player-thread callbacks and eviction
// passes.
func (r *Registry) IsActive(key string) bool {
	r.mu.Lock()
	l := r.loaders[key]
	r.mu.Unlock()
	return l != nil && l.Active() > 0
}

// CancelKey tears down the loader for a key, if any. Used before resource
// removal so in-flight fetches stop writing.
func (r *Registry) CancelKey(key string) {
	r.mu.Lock()
	l := r.loaders[key]
	delete(r.loaders, key)
	r.mu.Unlock()
	if l != nil {
		l.Cancel()
	}
}

// CancelAllLoaders tears down every live loader but leaves the registry
// usable. Used by clear-all.
func (r *Registry) CancelAllLoaders() {
	r.mu.Lock()
	loaders := make([]*Loader, 0, len(r.loaders))
	for _, l := range r.loaders {
		loaders = append(loaders, l)
	}
	r.loaders = make(map[string]*Loader)
	r.mu.Unlock()

	for _, l := range loaders {
		l.Cancel()
	}
}

// Close cancels every loader.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	loaders := make([]*Loader, 0, len(r.loaders))
	for _, l := range r.loaders {
		loaders = append(loaders, l)
	}
	r.loaders = make(map[string]*Loader)
	r.mu.Unlock()

	for _, l := range loaders {
		l.Cancel()
	}
}

// loaderFor returns the live loader for a key, creating one if needed.
func (r *Registry) loaderFor(key, url string) (*Loader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if l, ok := r.loaders[key]; ok {
		return l, nil
	}

	l := newLoader(key, url, r.cache, r.client, r.cfg, r.enqueuer, r.loaderIdle)
	r.loaders[key] = l
	logger.Debug("loader created", logger.Resource(key), logger.URL(url))
	return l, nil
}

// loaderIdle retires a loader that reports no attachments. Re-checked under
// the registry lock: a request that attached in the meantime keeps the
// loader alive.
func (r *Registry) loaderIdle(l *Loader) {
	r.mu.Lock()
	current, ok := r.loaders[l.key]
	if !ok || current != l || l.Active() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.loaders, l.key)
	r.mu.Unlock()

	l.Cancel()
	logger.Debug("loader retired", logger.Resource(l.key))
}
