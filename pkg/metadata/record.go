package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/birdmichael/BMVideoCache/pkg/rangeset"
)

// recordVersion is the current on-disk record format version. Decoding skips
// unknown fields, so adding fields does not require a version bump; changing
// the meaning of existing fields does.
const recordVersion = 1

// record is the serialized form of a Resource. JSON keeps the format
// self-describing and forward-compatible: unknown fields are ignored on
// decode.
type record struct {
	Version       int        `json:"version"`
	Key           string     `json:"key"`
	OriginalURL   string     `json:"original_url"`
	ContentType   string     `json:"content_type,omitempty"`
	TotalLength   int64      `json:"total_length"`
	SupportsRange bool       `json:"supports_range"`
	Ranges        [][2]int64 `json:"ranges"`
	CachedBytes   int64      `json:"cached_bytes"`
	Complete      bool       `json:"complete"`
	LastAccess    time.Time  `json:"last_access"`
	AccessCount   uint64     `json:"access_count"`
	Priority      Priority   `json:"priority"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func toRecord(r *Resource) record {
	rec := record{
		Version:       recordVersion,
		Key:           r.Key,
		OriginalURL:   r.OriginalURL,
		ContentType:   r.ContentType,
		TotalLength:   r.TotalLength,
		SupportsRange: r.SupportsRange,
		CachedBytes:   r.CachedBytes,
		Complete:      r.Complete,
		LastAccess:    r.LastAccess,
		AccessCount:   r.AccessCount,
		Priority:      r.Priority,
	}
	for _, rg := range r.Ranges.Ranges() {
		rec.Ranges = append(rec.Ranges, [2]int64{rg.Start, rg.End})
	}
	if !r.ExpiresAt.IsZero() {
		t := r.ExpiresAt
		rec.ExpiresAt = &t
	}
	return rec
}

func fromRecord(rec record) (*Resource, error) {
	if rec.Version < 1 || rec.Version > recordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, rec.Version)
	}
	if rec.Key == "" {
		return nil, fmt.Errorf("%w: missing key", ErrCorruptRecord)
	}

	ranges := make([]rangeset.Range, 0, len(rec.Ranges))
	for _, pair := range rec.Ranges {
		ranges = append(ranges, rangeset.Range{Start: pair[0], End: pair[1]})
	}
	set, err := rangeset.FromRanges(ranges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	r := &Resource{
		Key:           rec.Key,
		OriginalURL:   rec.OriginalURL,
		ContentType:   rec.ContentType,
		TotalLength:   rec.TotalLength,
		SupportsRange: rec.SupportsRange,
		Ranges:        set,
		CachedBytes:   set.TotalLen(),
		Complete:      rec.Complete,
		LastAccess:    rec.LastAccess,
		AccessCount:   rec.AccessCount,
		Priority:      rec.Priority,
	}
	if rec.ExpiresAt != nil {
		r.ExpiresAt = *rec.ExpiresAt
	}
	return r, nil
}

// writeRecord persists a record with an atomic replace: write to a temp file
// in the same directory, fsync, rename over the destination.
func writeRecord(path string, r *Resource) error {
	data, err := json.Marshal(toRecord(r))
	if err != nil {
		return fmt.Errorf("encode metadata record: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp metadata record: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write metadata record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync metadata record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close metadata record: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace metadata record: %w", err)
	}
	return nil
}

// readRecord loads and decodes a persisted record.
func readRecord(path string) (*Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return fromRecord(rec)
}
