package loader

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/birdmichael/BMVideoCache/internal/logger"
	"github.com/birdmichael/BMVideoCache/pkg/metadata"
	"github.com/birdmichael/BMVideoCache/pkg/rangeset"
)

// SegmentEnqueuer receives HLS segment URLs discovered inside a cached
// playlist. The preload scheduler implements it.
type SegmentEnqueuer interface {
	EnqueueSegment(url string, prio metadata.Priority)
}

// hlsContentTypes are the media types that identify an M3U8 playlist.
var hlsContentTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
	"vnd.apple.mpegurl":             true,
}

// isPlaylistContentType reports whether a Content-Type header identifies an
// HLS playlist.
func isPlaylistContentType(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return hlsContentTypes[strings.ToLower(strings.TrimSpace(mediaType))]
}

// fanOutPlaylist parses a fully cached HLS playlist and enqueues each
// referenced segment as its own preload, inheriting the loader's priority.
// The playlist bytes themselves stay in the cache as an opaque resource.
func (l *Loader) fanOutPlaylist(md *metadata.Resource) {
	if l.playlistDone || l.enqueue == nil || !isPlaylistContentType(md.ContentType) {
		return
	}
	if !md.HasTotalLength() || md.TotalLength == 0 {
		return
	}

	body, hit, err := l.cache.Read(l.ctx, l.key,
		rangeset.Range{Start: 0, End: md.TotalLength - 1})
	if err != nil || !hit {
		return
	}

	base, err := url.Parse(l.url)
	if err != nil {
		return
	}

	segments := parsePlaylist(base, body)
	l.playlistDone = true
	if len(segments) == 0 {
		return
	}

	logger.Info("playlist cached, enqueuing segments",
		logger.Resource(l.key), "segments", len(segments))
	for _, seg := range segments {
		l.enqueue.EnqueueSegment(seg, l.priority)
	}
}

// parsePlaylist extracts segment and sub-playlist URIs from M3U8 text,
// resolved against the playlist URL. Returns nil for non-playlist bodies.
func parsePlaylist(base *url.URL, body []byte) []string {
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("#EXTM3U")) {
		return nil
	}

	var out []string
	for line := range strings.Lines(string(body)) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ref, err := url.Parse(line)
		if err != nil {
			continue
		}
		out = append(out, base.ResolveReference(ref).String())
	}
	return out
}
