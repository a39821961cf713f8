package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/birdmichael/BMVideoCache/internal/logger"
	"github.com/birdmichael/BMVideoCache/pkg/rangeset"
)

// Store is the in-memory map of resource metadata with durable per-key
// records on disk.
//
// The store itself is safe for concurrent use, but resource mutation is
// expected to be serialized by the cache coordinator: callers get pointers
// only while holding the coordinator's domain, and external observers use
// Snapshot.
type Store struct {
	metaDir string
	metaExt string
	dataDir string
	dataExt string

	mu      sync.RWMutex
	entries map[string]*Resource
}

// NewStore creates a metadata store rooted at metaDir. Data files live in
// dataDir and are consulted during LoadAll reconciliation.
func NewStore(metaDir, metaExt, dataDir, dataExt string) (*Store, error) {
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}
	return &Store{
		metaDir: metaDir,
		metaExt: strings.TrimPrefix(metaExt, "."),
		dataDir: dataDir,
		dataExt: strings.TrimPrefix(dataExt, "."),
		entries: make(map[string]*Resource),
	}, nil
}

// RecordPath returns the on-disk record path for a key.
func (s *Store) RecordPath(key string) string {
	return filepath.Join(s.metaDir, key+"."+s.metaExt)
}

// DataPath returns the on-disk data file path for a key.
func (s *Store) DataPath(key string) string {
	return filepath.Join(s.dataDir, key+"."+s.dataExt)
}

// Get returns the live resource for a key. The caller must serialize
// mutation through the cache coordinator.
func (s *Store) Get(key string) (*Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.entries[key]
	return r, ok
}

// Snapshot returns a copy of the resource for a key.
func (s *Store) Snapshot(key string) (*Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Put inserts or replaces the resource in memory and persists its record
// with an atomic replace.
func (s *Store) Put(r *Resource) error {
	s.mu.Lock()
	s.entries[r.Key] = r
	s.mu.Unlock()
	return writeRecord(s.RecordPath(r.Key), r)
}

// Remove deletes the resource from memory and its on-disk record.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	if err := os.Remove(s.RecordPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove metadata record: %w", err)
	}
	return nil
}

// Keys returns all known resource keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of resources in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshots returns copies of all resources.
func (s *Store) Snapshots() []*Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Resource, 0, len(s.entries))
	for _, r := range s.entries {
		out = append(out, r.Clone())
	}
	return out
}

// LoadAll enumerates the metadata directory, decodes each record, and
// reconciles it against the actual data files. Orphan data files (no record)
// get synthesized metadata. Returns the total cached bytes across all loaded
// resources.
//
// Reconciliation rules:
//   - record but no data file: ranges, cached bytes, and completeness reset
//   - data file but no record: treated as a fully cached resource of the
//     file's size (the URL is unrecoverable from the key and left empty)
//   - data file present but total length never learned: the file size is
//     taken as the total length
func (s *Store) LoadAll() (int64, error) {
	recEntries, err := os.ReadDir(s.metaDir)
	if err != nil {
		return 0, fmt.Errorf("read metadata directory: %w", err)
	}

	loaded := make(map[string]*Resource)
	suffix := "." + s.metaExt

	for _, ent := range recEntries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), suffix) {
			continue
		}
		path := filepath.Join(s.metaDir, ent.Name())
		r, err := readRecord(path)
		if err != nil {
			logger.Warn("dropping unreadable metadata record",
				"path", path, logger.Err(err))
			os.Remove(path)
			continue
		}
		s.reconcile(r)
		loaded[r.Key] = r
	}

	// Orphan data files: cache content written by a previous run whose
	// metadata record was lost.
	dataEntries, err := os.ReadDir(s.dataDir)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("read cache directory: %w", err)
	}
	dataSuffix := "." + s.dataExt
	for _, ent := range dataEntries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), dataSuffix) {
			continue
		}
		key := strings.TrimSuffix(ent.Name(), dataSuffix)
		if _, ok := loaded[key]; ok {
			continue
		}
		info, err := ent.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		r := s.adoptOrphan(key, info.Size())
		if err := writeRecord(s.RecordPath(key), r); err != nil {
			logger.Warn("failed to persist synthesized metadata",
				logger.Resource(key), logger.Err(err))
		}
		loaded[key] = r
	}

	var total int64
	for _, r := range loaded {
		total += r.CachedBytes
	}

	s.mu.Lock()
	s.entries = loaded
	s.mu.Unlock()

	return total, nil
}

// reconcile aligns a decoded record with the state of its data file.
func (s *Store) reconcile(r *Resource) {
	info, err := os.Stat(s.DataPath(r.Key))
	switch {
	case err != nil:
		// Data file gone; nothing cached regardless of what the record says.
		if r.CachedBytes != 0 || r.Complete {
			logger.Warn("cache file missing, resetting ranges", logger.Resource(r.Key))
		}
		r.Ranges = rangeset.Set{}
		r.CachedBytes = 0
		r.Complete = false

	case !r.HasTotalLength() && info.Size() > 0:
		r.TotalLength = info.Size()
		r.Complete = r.Ranges.Complete(r.TotalLength)
	}
}

// adoptOrphan synthesizes metadata for a data file with no record.
func (s *Store) adoptOrphan(key string, size int64) *Resource {
	set, _ := rangeset.FromRanges([]rangeset.Range{{Start: 0, End: size - 1}})
	return &Resource{
		Key:         key,
		TotalLength: size,
		Ranges:      set,
		CachedBytes: size,
		Complete:    true,
		Priority:    PriorityNormal,
		LastAccess:  time.Now(),
	}
}
