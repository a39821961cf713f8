package logger

import "log/slog"

// Standard field keys for structured logging. Use these keys consistently
// across all log statements so that logs can be aggregated and queried.
const (
	// Resource identification
	KeyResource = "resource" // resource key (hash of the origin URL)
	KeyURL      = "url"      // origin URL

	// I/O
	KeyOffset       = "offset"        // byte offset for read/write operations
	KeyLength       = "length"        // byte count requested
	KeyBytesRead    = "bytes_read"    // actual bytes read
	KeyBytesWritten = "bytes_written" // actual bytes written

	// Cache state
	KeyCacheHit  = "cache_hit"  // cache hit indicator
	KeyCacheSize = "cache_size" // current total cache size
	KeyBudget    = "budget"     // configured cache size budget
	KeyEvicted   = "evicted"    // number of entries evicted
	KeyComplete  = "complete"   // resource completeness indicator
	KeyPriority  = "priority"   // resource/task priority
	KeyStrategy  = "strategy"   // eviction strategy identifier

	// Network
	KeyStatus     = "status"      // HTTP status code
	KeyAttempt    = "attempt"     // retry attempt number
	KeyMaxRetries = "max_retries" // maximum retry attempts

	// Preload scheduling
	KeyTask      = "task"       // preload task ID
	KeyTaskState = "task_state" // preload task state

	// Operation metadata
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
)

// Resource returns a slog.Attr for a resource key.
func Resource(key string) slog.Attr {
	return slog.String(KeyResource, key)
}

// URL returns a slog.Attr for an origin URL.
func URL(u string) slog.Attr {
	return slog.String(KeyURL, u)
}

// Offset returns a slog.Attr for a byte offset.
func Offset(off int64) slog.Attr {
	return slog.Int64(KeyOffset, off)
}

// Length returns a slog.Attr for a requested byte count.
func Length(n int64) slog.Attr {
	return slog.Int64(KeyLength, n)
}

// BytesRead returns a slog.Attr for actual bytes read.
func BytesRead(n int) slog.Attr {
	return slog.Int(KeyBytesRead, n)
}

// BytesWritten returns a slog.Attr for actual bytes written.
func BytesWritten(n int) slog.Attr {
	return slog.Int(KeyBytesWritten, n)
}

// CacheHit returns a slog.Attr for a hit/miss indicator.
func CacheHit(hit bool) slog.Attr {
	return slog.Bool(KeyCacheHit, hit)
}

// CacheSize returns a slog.Attr for the current total cache size.
func CacheSize(size int64) slog.Attr {
	return slog.Int64(KeyCacheSize, size)
}

// Budget returns a slog.Attr for the configured size budget.
func Budget(b int64) slog.Attr {
	return slog.Int64(KeyBudget, b)
}

// Evicted returns a slog.Attr for the number of entries evicted.
func Evicted(n int) slog.Attr {
	return slog.Int(KeyEvicted, n)
}

// Priority returns a slog.Attr for a priority value.
func Priority(p string) slog.Attr {
	return slog.String(KeyPriority, p)
}

// Strategy returns a slog.Attr for an eviction strategy identifier.
func Strategy(s string) slog.Attr {
	return slog.String(KeyStrategy, s)
}

// Status returns a slog.Attr for an HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(KeyStatus, code)
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for the maximum retry attempts.
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// Task returns a slog.Attr for a preload task ID.
func Task(id string) slog.Attr {
	return slog.String(KeyTask, id)
}

// TaskState returns a slog.Attr for a preload task state.
func TaskState(s string) slog.Attr {
	return slog.String(KeyTaskState, s)
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error. Returns an empty Attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
