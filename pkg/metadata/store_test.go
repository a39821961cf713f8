package metadata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdmichael/BMVideoCache/pkg/rangeset"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "Metadata"), "bmm", dir, "bmv")
	require.NoError(t, err)
	return s, dir
}

func testResource(t *testing.T, key string) *Resource {
	t.Helper()
	r := NewResource(key, "https://example.com/video.mp4", PriorityNormal)
	r.ContentType = "video/mp4"
	r.TotalLength = 1 << 20
	r.SupportsRange = true
	set, err := rangeset.FromRanges([]rangeset.Range{{Start: 0, End: 65535}})
	require.NoError(t, err)
	r.Ranges = set
	r.CachedBytes = set.TotalLen()
	r.AccessCount = 7
	r.ExpiresAt = time.Now().Add(time.Hour).Truncate(time.Millisecond)
	return r
}

func TestDefaultKeyFunc(t *testing.T) {
	k := DefaultKeyFunc("https://example.com/a.mp4")
	assert.Len(t, k, 64)
	assert.Equal(t, k, DefaultKeyFunc("https://example.com/a.mp4"), "key must be deterministic")
	assert.NotEqual(t, k, DefaultKeyFunc("https://example.com/b.mp4"))
}

func TestRecordRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	r := testResource(t, "k1")

	require.NoError(t, s.Put(r))

	loaded, err := readRecord(s.RecordPath("k1"))
	require.NoError(t, err)

	assert.Equal(t, r.Key, loaded.Key)
	assert.Equal(t, r.OriginalURL, loaded.OriginalURL)
	assert.Equal(t, r.ContentType, loaded.ContentType)
	assert.Equal(t, r.TotalLength, loaded.TotalLength)
	assert.Equal(t, r.SupportsRange, loaded.SupportsRange)
	assert.Equal(t, r.Ranges.Ranges(), loaded.Ranges.Ranges())
	assert.Equal(t, r.CachedBytes, loaded.CachedBytes)
	assert.Equal(t, r.AccessCount, loaded.AccessCount)
	assert.Equal(t, r.Priority, loaded.Priority)
	assert.True(t, r.ExpiresAt.Equal(loaded.ExpiresAt))
}

func TestRecordUnknownFieldsSkipped(t *testing.T) {
	s, _ := newTestStore(t)
	r := testResource(t, "k1")
	require.NoError(t, s.Put(r))

	// Simulate a record written by a newer version with extra fields.
	path := s.RecordPath("k1")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	patched := append([]byte(`{"future_field":"ignored",`), data[1:]...)
	require.NoError(t, os.WriteFile(path, patched, 0o644))

	loaded, err := readRecord(path)
	require.NoError(t, err)
	assert.Equal(t, "k1", loaded.Key)
}

func TestRecordCorrupt(t *testing.T) {
	s, _ := newTestStore(t)
	path := s.RecordPath("bad")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := readRecord(path)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestPutRemove(t *testing.T) {
	s, _ := newTestStore(t)
	r := testResource(t, "k1")

	require.NoError(t, s.Put(r))
	got, ok := s.Get("k1")
	require.True(t, ok)
	assert.Equal(t, r, got)

	require.NoError(t, s.Remove("k1"))
	_, ok = s.Get("k1")
	assert.False(t, ok)
	_, err := os.Stat(s.RecordPath("k1"))
	assert.True(t, os.IsNotExist(err), "record file must be deleted")

	// Removing a missing key is not an error.
	require.NoError(t, s.Remove("k1"))
}

func TestSnapshotIsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Put(testResource(t, "k1")))

	snap, ok := s.Snapshot("k1")
	require.True(t, ok)
	snap.AccessCount = 999

	live, _ := s.Get("k1")
	assert.Equal(t, uint64(7), live.AccessCount, "snapshot mutation must not leak")
}

func TestLoadAllRoundTrip(t *testing.T) {
	s, dir := newTestStore(t)
	r := testResource(t, "k1")
	require.NoError(t, s.Put(r))
	require.NoError(t, os.WriteFile(s.DataPath("k1"), make([]byte, 65536), 0o644))

	s2, err := NewStore(filepath.Join(dir, "Metadata"), "bmm", dir, "bmv")
	require.NoError(t, err)
	total, err := s2.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, int64(65536), total)

	loaded, ok := s2.Get("k1")
	require.True(t, ok)
	assert.Equal(t, r.Ranges.Ranges(), loaded.Ranges.Ranges())
}

func TestLoadAllMissingDataFileResetsRanges(t *testing.T) {
	s, dir := newTestStore(t)
	r := testResource(t, "k1")
	r.Complete = true
	require.NoError(t, s.Put(r))
	// No data file on disk.

	s2, err := NewStore(filepath.Join(dir, "Metadata"), "bmm", dir, "bmv")
	require.NoError(t, err)
	total, err := s2.LoadAll()
	require.NoError(t, err)
	assert.Zero(t, total)

	loaded, ok := s2.Get("k1")
	require.True(t, ok)
	assert.True(t, loaded.Ranges.Empty())
	assert.Zero(t, loaded.CachedBytes)
	assert.False(t, loaded.Complete)
}

func TestLoadAllAdoptsOrphanDataFile(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(s.DataPath("orphan"), make([]byte, 8192), 0o644))

	s2, err := NewStore(filepath.Join(dir, "Metadata"), "bmm", dir, "bmv")
	require.NoError(t, err)
	total, err := s2.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, int64(8192), total)

	loaded, ok := s2.Get("orphan")
	require.True(t, ok)
	assert.Equal(t, int64(8192), loaded.TotalLength)
	assert.True(t, loaded.Complete)
	assert.Equal(t, PriorityNormal, loaded.Priority)
	assert.Equal(t, []rangeset.Range{{Start: 0, End: 8191}}, loaded.Ranges.Ranges())

	// The synthesized record is persisted for the next startup.
	_, err = os.Stat(s2.RecordPath("orphan"))
	assert.NoError(t, err)
}

func TestLoadAllDropsCorruptRecords(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(s.RecordPath("bad"), []byte("{"), 0o644))
	require.NoError(t, s.Put(testResource(t, "good")))
	require.NoError(t, os.WriteFile(s.DataPath("good"), make([]byte, 65536), 0o644))

	s2, err := NewStore(filepath.Join(dir, "Metadata"), "bmm", dir, "bmv")
	require.NoError(t, err)
	_, err = s2.LoadAll()
	require.NoError(t, err)

	assert.Equal(t, 1, s2.Len())
	_, ok := s2.Get("good")
	assert.True(t, ok)
}

func TestPriorityText(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityPermanent} {
		text, err := p.MarshalText()
		require.NoError(t, err)
		var back Priority
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, p, back)
	}

	var p Priority
	assert.Error(t, p.UnmarshalText([]byte("urgent")))
}
