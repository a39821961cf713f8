package cache

import "errors"

var (
	// ErrClosed is returned when operations are attempted on a closed cache.
	ErrClosed = errors.New("cache is closed")

	// ErrNotInitialized is returned when an operation runs before startup
	// reconciliation has completed.
	ErrNotInitialized = errors.New("cache not initialized")

	// ErrUnknownResource is returned when a key has no metadata where some
	// was expected.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrInvalidRange is returned for zero-length ranges, negative offsets,
	// or writes beyond a known total length.
	ErrInvalidRange = errors.New("invalid byte range")

	// ErrIntegrity is returned by MarkComplete when the on-disk file size
	// disagrees with the expected size. The partial cache is kept; the next
	// access re-fetches the missing tail.
	ErrIntegrity = errors.New("cache file integrity check failed")
)
