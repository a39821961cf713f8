package cache

import "time"

// Metrics receives cache observations. A nil Metrics is valid and costs
// nothing; use the observe helpers instead of calling methods directly.
type Metrics interface {
	// ObserveRead records a read attempt and whether it was a hit.
	ObserveRead(bytes int64, hit bool, duration time.Duration)

	// ObserveWrite records bytes accepted into the write path.
	ObserveWrite(bytes int64, duration time.Duration)

	// ObserveFlush records a batch flush of pending chunks.
	ObserveFlush(chunks int, bytes int64, duration time.Duration)

	// SetTotalSize reports the current total cached bytes.
	SetTotalSize(bytes int64)

	// ObserveEviction records bytes freed by removing one resource.
	ObserveEviction(bytes int64)
}

func observeRead(m Metrics, bytes int64, hit bool, d time.Duration) {
	if m != nil {
		m.ObserveRead(bytes, hit, d)
	}
}

func observeWrite(m Metrics, bytes int64, d time.Duration) {
	if m != nil {
		m.ObserveWrite(bytes, d)
	}
}

func observeFlush(m Metrics, chunks int, bytes int64, d time.Duration) {
	if m != nil {
		m.ObserveFlush(chunks, bytes, d)
	}
}

func setTotalSize(m Metrics, bytes int64) {
	if m != nil {
		m.SetTotalSize(bytes)
	}
}

func observeEviction(m Metrics, bytes int64) {
	if m != nil {
		m.ObserveEviction(bytes)
	}
}
