package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"howett.net/plist"

	"github.com/birdmichael/BMVideoCache/internal/logger"
)

// statsFileName is the aggregate counter file inside the cache directory.
const statsFileName = "statistics.plist"

// statsFlushDebounce bounds how often counter updates hit the disk. The
// counters are best-effort: a crash may lose the last few seconds.
const statsFlushDebounce = 5 * time.Second

// Statistics aggregates cache-wide counters. All fields are updated
// atomically and may be read while the cache is running.
type Statistics struct {
	Hits         atomic.Uint64
	Misses       atomic.Uint64
	Writes       atomic.Uint64
	BytesRead    atomic.Uint64
	BytesWritten atomic.Uint64
	Evictions    atomic.Uint64
	Removals     atomic.Uint64

	mu        sync.Mutex
	path      string
	lastFlush time.Time
}

// StatisticsSnapshot is a point-in-time copy of the counters, also the
// persisted representation.
type StatisticsSnapshot struct {
	Hits         uint64 `plist:"hits"`
	Misses       uint64 `plist:"misses"`
	Writes       uint64 `plist:"writes"`
	BytesRead    uint64 `plist:"bytesRead"`
	BytesWritten uint64 `plist:"bytesWritten"`
	Evictions    uint64 `plist:"evictions"`
	Removals     uint64 `plist:"removals"`
}

// HitRate returns hits / (hits + misses), or 0 with no reads.
func (s StatisticsSnapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func newStatistics(dir string) *Statistics {
	s := &Statistics{path: filepath.Join(dir, statsFileName)}
	s.load()
	return s
}

// Snapshot returns a consistent-enough copy of the counters.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		Hits:         s.Hits.Load(),
		Misses:       s.Misses.Load(),
		Writes:       s.Writes.Load(),
		BytesRead:    s.BytesRead.Load(),
		BytesWritten: s.BytesWritten.Load(),
		Evictions:    s.Evictions.Load(),
		Removals:     s.Removals.Load(),
	}
}

// load restores persisted counters. Unreadable files start the counters
// from zero.
func (s *Statistics) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var snap StatisticsSnapshot
	if _, err := plist.Unmarshal(data, &snap); err != nil {
		logger.Warn("discarding unreadable statistics file", logger.Err(err))
		return
	}
	s.Hits.Store(snap.Hits)
	s.Misses.Store(snap.Misses)
	s.Writes.Store(snap.Writes)
	s.BytesRead.Store(snap.BytesRead)
	s.BytesWritten.Store(snap.BytesWritten)
	s.Evictions.Store(snap.Evictions)
	s.Removals.Store(snap.Removals)
}

// maybeFlush persists the counters if the debounce window has elapsed.
// No fsync: the counters survive clean shutdown, not a crash.
func (s *Statistics) maybeFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastFlush) < statsFlushDebounce {
		return
	}
	s.flushLocked()
}

// Flush persists the counters immediately.
func (s *Statistics) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *Statistics) flushLocked() {
	var buf bytes.Buffer
	enc := plist.NewEncoder(&buf)
	enc.Indent("\t")
	if err := enc.Encode(s.Snapshot()); err != nil {
		logger.Warn("failed to encode statistics", logger.Err(err))
		return
	}
	if err := os.WriteFile(s.path, buf.Bytes(), 0o644); err != nil {
		logger.Warn("failed to persist statistics", logger.Err(err))
		return
	}
	s.lastFlush = time.Now()
}
