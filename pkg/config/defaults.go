package config

import (
	"time"

	"github.com/birdmichael/BMVideoCache/internal/bytesize"
)

// Default values applied to unset configuration fields.
const (
	DefaultFileExtension     = "bmv"
	DefaultMetadataExtension = "bmm"
	DefaultSchemePrefix      = "bmcache-"

	DefaultRequestTimeout         = 30 * time.Second
	DefaultMaxRetries             = 3
	DefaultMaxConcurrentDownloads = 3

	DefaultPreloadTaskTimeout = 5 * time.Minute
	DefaultAgingThreshold     = 30 * time.Second

	DefaultCleanupStrategy   = "lru"
	DefaultCleanupInterval   = time.Hour
	DefaultDiskCheckInterval = 5 * time.Minute

	DefaultMetricsListen = ":9394"
)

// DefaultMaxCacheSize is the default byte budget.
const DefaultMaxCacheSize = 2 * bytesize.GiB

// Default returns a complete configuration with default values. The cache
// directory is left empty and must be supplied by the caller.
func Default() Config {
	cfg := Config{}
	ApplyDefaults(&cfg)
	return cfg
}

// ApplyDefaults fills unset fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = DefaultMaxCacheSize
	}
	if cfg.Cache.FileExtension == "" {
		cfg.Cache.FileExtension = DefaultFileExtension
	}
	if cfg.Cache.MetadataExtension == "" {
		cfg.Cache.MetadataExtension = DefaultMetadataExtension
	}
	if cfg.Cache.SchemePrefix == "" {
		cfg.Cache.SchemePrefix = DefaultSchemePrefix
	}

	if cfg.Network.RequestTimeout == 0 {
		cfg.Network.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Network.MaxRetries == 0 {
		cfg.Network.MaxRetries = DefaultMaxRetries
	}
	if cfg.Network.MaxConcurrentDownloads == 0 {
		cfg.Network.MaxConcurrentDownloads = DefaultMaxConcurrentDownloads
	}

	if cfg.Preload.TaskTimeout == 0 {
		cfg.Preload.TaskTimeout = DefaultPreloadTaskTimeout
	}
	if cfg.Preload.AgingThreshold == 0 {
		cfg.Preload.AgingThreshold = DefaultAgingThreshold
	}

	if cfg.Cleanup.Strategy == "" {
		cfg.Cleanup.Strategy = DefaultCleanupStrategy
	}
	if cfg.Cleanup.Interval == 0 {
		cfg.Cleanup.Interval = DefaultCleanupInterval
	}
	if cfg.Cleanup.DiskCheckInterval == 0 {
		cfg.Cleanup.DiskCheckInterval = DefaultDiskCheckInterval
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsListen
	}
}
