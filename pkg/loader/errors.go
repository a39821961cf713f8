package loader

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCancelled terminates a request when its loader is cancelled or the
	// caller detaches it. Never retried.
	ErrCancelled = errors.New("request cancelled")

	// ErrClosed is returned when attaching to a closed registry.
	ErrClosed = errors.New("loader registry closed")
)

// HTTPStatusError reports a non-2xx origin response. 408, 429, and 5xx are
// retriable; everything else is terminal for the attempt.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("origin returned HTTP %d", e.Code)
}

// Retriable reports whether the status is worth another attempt.
func (e *HTTPStatusError) Retriable() bool {
	return e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests ||
		e.Code >= 500
}
