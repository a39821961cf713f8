package loader

import (
	"github.com/birdmichael/BMVideoCache/pkg/metadata"
)

// Request is one range-scoped loading request attached to a loader: either a
// player request forwarded by the resource-loader interceptor, or a preload
// attachment with no player behind it.
//
// Callbacks are invoked from the loader's goroutine, in order: OnContentInfo
// at most once, OnData zero or more times with strictly sequential byte
// ranges, OnFinish exactly once. Data slices are only valid during the
// OnData call.
type Request struct {
	// Offset is the first byte the request wants.
	Offset int64

	// Length is the number of bytes wanted, or -1 for everything through
	// the end of the resource.
	Length int64

	// WantsContentInfo asks for the content-info sub-request to be filled
	// before data is delivered.
	WantsContentInfo bool

	// OnContentInfo receives the resource's content info. May be nil.
	OnContentInfo func(metadata.ContentInfo)

	// OnData receives sequential chunks of the requested region. May be nil
	// (preloads discard data).
	OnData func([]byte)

	// OnFinish receives the terminal result: nil on success, ErrCancelled
	// on cancellation, or the terminal fetch error.
	OnFinish func(error)

	// preload marks requests attached by the preload scheduler; they keep
	// the loader active but select the larger streaming chunk size.
	preload bool

	// Loop-owned state; only the loader goroutine touches these.
	next     int64
	infoSent bool
	done     bool
}

// end returns the last byte offset the request needs. Open-ended requests
// resolve against total, and bounded requests are clamped to it, so a
// preload longer than the resource still terminates; the result is -1 while
// neither bound is known.
func (r *Request) end(total int64) int64 {
	end := int64(-1)
	if r.Length >= 0 {
		end = r.Offset + r.Length - 1
	}
	if total >= 0 && (end < 0 || end > total-1) {
		end = total - 1
	}
	return end
}

// satisfied reports whether every requested byte has been delivered.
func (r *Request) satisfied(total int64) bool {
	end := r.end(total)
	return end >= 0 && r.next > end
}

func (r *Request) deliverInfo(info metadata.ContentInfo) {
	if r.infoSent {
		return
	}
	r.infoSent = true
	if r.OnContentInfo != nil {
		r.OnContentInfo(info)
	}
}

func (r *Request) deliverData(data []byte) {
	if r.OnData != nil {
		r.OnData(data)
	}
	r.next += int64(len(data))
}
