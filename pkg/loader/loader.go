// Package loader serves player range requests and preloads by mixing cached
// reads with origin byte-range fetches.
//
// One Loader exists per active resource. Its state machine is a receive loop
// multiplexing request attachments, network chunks, and cancellation over a
// single-consumer channel; all per-resource serving state is owned by that
// loop goroutine. At most one origin session is in flight per resource:
// requests arriving during a fetch attach to it instead of starting another.
package loader

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/birdmichael/BMVideoCache/internal/logger"
	"github.com/birdmichael/BMVideoCache/pkg/bufpool"
	"github.com/birdmichael/BMVideoCache/pkg/cache"
	"github.com/birdmichael/BMVideoCache/pkg/metadata"
	"github.com/birdmichael/BMVideoCache/pkg/rangeset"
)

// event is a message into the loader loop.
type event any

type evAttach struct{ req *Request }
type evDetach struct{ req *Request }
type evInfo struct{ info metadata.ContentInfo }
type evChunk struct {
	offset int64
	data   []byte // owned by the loop once delivered; returned to bufpool
}
type evSessionEnd struct{ err error }

// Loader drives all loading for one resource key.
type Loader struct {
	key    string
	url    string
	cache  *cache.Cache
	client *http.Client
	cfg    Config

	enqueue SegmentEnqueuer // HLS segment fan-out, may be nil
	onIdle  func(*Loader)   // registry callback, runs on its own goroutine

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	// lifeMu fences attach against shutdown: attaches send under the read
	// lock, shutdown flips dead under the write lock before its final
	// drain, so an accepted attach is always either processed or drained.
	lifeMu sync.RWMutex
	dead   bool

	// attached counts requests accepted but not yet finished. Read by the
	// registry's non-suspending IsActive.
	attached atomic.Int32

	// Loop-owned state.
	requests     []*Request
	sess         *session
	total        int64
	priority     metadata.Priority
	playlistDone bool
}

func newLoader(key, url string, c *cache.Cache, client *http.Client, cfg Config,
	enqueue SegmentEnqueuer, onIdle func(*Loader)) *Loader {

	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		key:      key,
		url:      url,
		cache:    c,
		client:   client,
		cfg:      cfg,
		enqueue:  enqueue,
		onIdle:   onIdle,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan event, 16),
		done:     make(chan struct{}),
		total:    metadata.UnknownLength,
		priority: metadata.PriorityNormal,
	}
	if md, ok := c.Metadata(key); ok {
		l.total = md.TotalLength
		l.priority = md.Priority
	}
	go l.run()
	return l
}

// Key returns the loader's resource key.
func (l *Loader) Key() string { return l.key }

// URL returns the loader's origin URL.
func (l *Loader) URL() string { return l.url }

// Active reports the number of attached, unfinished requests. Safe to call
// from any goroutine without suspension.
func (l *Loader) Active() int {
	return int(l.attached.Load())
}

// attach hands a request to the loop. Returns false if the loader has been
// cancelled; the caller must route the request elsewhere.
func (l *Loader) attach(req *Request) bool {
	l.lifeMu.RLock()
	defer l.lifeMu.RUnlock()
	if l.dead {
		return false
	}

	l.attached.Add(1)
	select {
	case l.events <- evAttach{req: req}:
		return true
	case <-l.ctx.Done():
		l.attached.Add(-1)
		return false
	}
}

// detach asks the loop to drop a request; it finishes with ErrCancelled if
// still outstanding.
func (l *Loader) detach(req *Request) {
	select {
	case l.events <- evDetach{req: req}:
	case <-l.ctx.Done():
	}
}

// Cancel terminates the loader: the origin session is torn down, retry
// sleeps are short-circuited, and attached requests finish with
// ErrCancelled. Bytes already written stay in the cache.
func (l *Loader) Cancel() {
	l.cancel()
	<-l.done
}

// run is the loader's receive loop. All serving state is confined here.
func (l *Loader) run() {
	defer close(l.done)

	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return
		case ev := <-l.events:
			switch ev := ev.(type) {
			case evAttach:
				l.handleAttach(ev.req)
			case evDetach:
				l.handleDetach(ev.req)
			case evInfo:
				l.handleInfo(ev.info)
			case evChunk:
				l.handleChunk(ev.offset, ev.data)
				bufpool.Put(ev.data)
			case evSessionEnd:
				l.handleSessionEnd(ev.err)
			}
		}

		if len(l.requests) == 0 && l.sess == nil {
			go l.onIdle(l)
		}
	}
}

// shutdown finishes every outstanding request with ErrCancelled and drains
// queued events so session buffers return to the pool. After the dead flag
// flips, no further attach can enqueue.
func (l *Loader) shutdown() {
	for _, req := range l.requests {
		l.finishReq(req, ErrCancelled)
	}
	l.requests = nil

	l.lifeMu.Lock()
	l.dead = true
	l.lifeMu.Unlock()

	for {
		select {
		case ev := <-l.events:
			switch ev := ev.(type) {
			case evAttach:
				l.finishReq(ev.req, ErrCancelled)
			case evChunk:
				bufpool.Put(ev.data)
			}
		default:
			return
		}
	}
}

// finishReq delivers the terminal result exactly once.
func (l *Loader) finishReq(req *Request, err error) {
	if req.done {
		return
	}
	req.done = true
	if req.OnFinish != nil {
		req.OnFinish(err)
	}
	l.attached.Add(-1)
}

func (l *Loader) handleAttach(req *Request) {
	req.next = req.Offset

	if req.WantsContentInfo {
		if info, ok := l.cache.ContentInfo(l.key); ok {
			req.deliverInfo(info)
		}
	}

	l.serveFromCache(req)
	if req.done {
		return
	}

	l.requests = append(l.requests, req)
	l.ensureSession()
}

func (l *Loader) handleDetach(req *Request) {
	for i, r := range l.requests {
		if r == req {
			l.requests = append(l.requests[:i], l.requests[i+1:]...)
			break
		}
	}
	l.finishReq(req, ErrCancelled)

	// A session with nothing attached has nothing left to serve.
	if len(l.requests) == 0 && l.sess != nil {
		l.sess.cancel()
	}
}

// handleInfo records origin-learned content info the first time it arrives
// and unblocks requests waiting on it.
func (l *Loader) handleInfo(info metadata.ContentInfo) {
	if err := l.cache.UpdateContentInfo(l.ctx, l.key, info); err != nil {
		logger.Warn("failed to record content info", logger.Resource(l.key), logger.Err(err))
	}
	if md, ok := l.cache.Metadata(l.key); ok {
		l.total = md.TotalLength
		info = metadata.ContentInfo{
			ContentType:   md.ContentType,
			TotalLength:   md.TotalLength,
			SupportsRange: md.SupportsRange,
		}
	}

	remaining := l.requests[:0]
	for _, req := range l.requests {
		if req.WantsContentInfo {
			req.deliverInfo(info)
		}
		if req.satisfied(l.total) {
			l.finishReq(req, nil)
			continue
		}
		remaining = append(remaining, req)
	}
	l.requests = remaining
}

// handleChunk persists a streamed chunk and forwards it to every request
// whose next needed byte falls inside it.
func (l *Loader) handleChunk(offset int64, data []byte) {
	if err := l.cache.Write(l.ctx, l.key, offset, data); err != nil &&
		!errors.Is(err, context.Canceled) {
		logger.Warn("cache write failed, streaming continues",
			logger.Resource(l.key), logger.Offset(offset), logger.Err(err))
	}

	chunkEnd := offset + int64(len(data)) - 1
	remaining := l.requests[:0]
	for _, req := range l.requests {
		// A request still behind the stream may have its gap already on
		// disk (written before this session started).
		if req.next < offset {
			l.serveFromCache(req)
		}
		if !req.done && req.next >= offset && req.next <= chunkEnd {
			hi := chunkEnd
			if end := req.end(l.total); end >= 0 && end < hi {
				hi = end
			}
			req.deliverData(data[req.next-offset : hi-offset+1])
			if req.satisfied(l.total) {
				l.finishReq(req, nil)
			}
		}
		if !req.done {
			remaining = append(remaining, req)
		}
	}
	l.requests = remaining
}

// handleSessionEnd finishes requests after a completed body, marks the
// resource complete when everything is on disk, fans out HLS segments, and
// restarts fetching if some request still has missing bytes.
func (l *Loader) handleSessionEnd(err error) {
	if l.sess != nil {
		l.sess.cancel()
		l.sess = nil
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		// The session was torn down (detach, pause). Requests that attached
		// in the meantime are not failures; fall through to re-serve them
		// and restart fetching if anything is still missing.
	case err != nil:
		logger.Warn("origin session failed",
			logger.Resource(l.key), logger.URL(l.url), logger.Err(err))
		for _, req := range l.requests {
			l.finishReq(req, err)
		}
		l.requests = nil
		return
	}

	// Serve whatever the session left in the cache.
	remaining := l.requests[:0]
	for _, req := range l.requests {
		l.serveFromCache(req)
		if !req.done {
			remaining = append(remaining, req)
		}
	}
	l.requests = remaining

	l.maybeComplete()

	if len(l.requests) > 0 {
		l.ensureSession()
	}
}

// maybeComplete marks the resource complete when its range set covers the
// whole body, then fans out HLS playlists.
func (l *Loader) maybeComplete() {
	if err := l.cache.Flush(l.ctx, l.key); err != nil {
		return
	}
	md, ok := l.cache.Metadata(l.key)
	if !ok || !md.HasTotalLength() || md.Complete {
		if ok && md.Complete {
			l.fanOutPlaylist(md)
		}
		return
	}
	if !md.Ranges.Complete(md.TotalLength) {
		return
	}

	if err := l.cache.MarkComplete(l.ctx, l.key, md.TotalLength); err != nil {
		logger.Warn("completion verification failed", logger.Resource(l.key), logger.Err(err))
		return
	}
	logger.Info("resource fully cached",
		logger.Resource(l.key), logger.Length(md.TotalLength))

	if md, ok := l.cache.Metadata(l.key); ok {
		l.fanOutPlaylist(md)
	}
}

// serveFromCache delivers as much of the request's leading region as the
// cache already holds, finishing it if nothing is missing.
func (l *Loader) serveFromCache(req *Request) {
	if req.satisfied(l.total) {
		l.finishReq(req, nil)
		return
	}
	end := req.end(l.total)
	if end < 0 {
		// Open-ended request with unknown total; the session's first
		// response resolves it.
		return
	}

	for req.next <= end {
		md, ok := l.cache.Metadata(l.key)
		if !ok {
			return
		}
		missing := md.Ranges.FirstMissing(req.next)
		if missing <= req.next {
			return
		}
		hi := min(missing-1, end)
		data, hit, err := l.cache.Read(l.ctx, l.key, rangeset.Range{Start: req.next, End: hi})
		if err != nil || !hit {
			return
		}
		req.deliverData(data)
	}
	l.finishReq(req, nil)
}

// ensureSession starts an origin fetch at the lowest missing offset needed
// by any attached request. An existing session is reused; requests never
// trigger a second concurrent fetch.
func (l *Loader) ensureSession() {
	if l.sess != nil || len(l.requests) == 0 {
		return
	}

	start := int64(-1)
	end := int64(0)
	playerAttached := false
	var ranges rangeset.Set
	if md, ok := l.cache.Metadata(l.key); ok {
		ranges = md.Ranges
	}
	for _, req := range l.requests {
		if !req.preload {
			playerAttached = true
		}
		missing := ranges.FirstMissing(req.next)
		if start < 0 || missing < start {
			start = missing
		}
		// The fetch is bounded by the furthest requested byte; any
		// open-ended request makes it open-ended.
		if e := req.end(l.total); e < 0 {
			end = -1
		} else if end >= 0 && e > end {
			end = e
		}
	}
	if start < 0 {
		return
	}

	chunkSize := l.cfg.PreloadChunkSize
	if playerAttached {
		chunkSize = l.cfg.PlayerChunkSize
	}

	l.sess = l.newSession(start, end, chunkSize)
	logger.Debug("origin session starting",
		logger.Resource(l.key), logger.URL(l.url), logger.Offset(start))
	go l.sess.run()
}
