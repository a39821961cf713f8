package loader

import (
	"net/http"
	"time"
)

// Defaults for optional Config fields.
const (
	DefaultMaxRetries           = 3
	DefaultRetryInitialInterval = time.Second
	DefaultRetryMaxInterval     = 15 * time.Second
	DefaultPlayerChunkSize      = 64 << 10
	DefaultPreloadChunkSize     = 256 << 10
)

// Config holds loader tunables shared by all loaders of a registry.
type Config struct {
	// RequestTimeout bounds the wait for origin response headers. The body
	// itself may stream for as long as it needs.
	RequestTimeout time.Duration

	// MaxRetries is the number of retries after the initial attempt for
	// transient failures.
	MaxRetries uint64

	// RetryInitialInterval and RetryMaxInterval bound the exponential
	// backoff between attempts (factor 2).
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// PlayerChunkSize is the streaming chunk size while a player request is
	// attached; PreloadChunkSize applies to preload-only sessions.
	PlayerChunkSize  int
	PreloadChunkSize int

	// CustomHeaders are added to every origin request.
	CustomHeaders map[string]string
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if c.PlayerChunkSize <= 0 {
		c.PlayerChunkSize = DefaultPlayerChunkSize
	}
	if c.PreloadChunkSize <= 0 {
		c.PreloadChunkSize = DefaultPreloadChunkSize
	}
}

// newHTTPClient builds the origin client. The timeout applies to response
// headers only so long-running streams are not cut off mid-body.
func newHTTPClient(cfg Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.RequestTimeout,
			MaxIdleConnsPerHost:   4,
		},
	}
}
