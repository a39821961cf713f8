// Package config loads and validates the cache configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (BMCACHE_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// The configuration is immutable once handed to the cache; reconfiguration
// happens by loading a new Config and applying it atomically.
package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/birdmichael/BMVideoCache/internal/bytesize"
	"github.com/birdmichael/BMVideoCache/internal/logger"
)

// Config is the full cache configuration.
type Config struct {
	// Cache controls the on-disk layout and byte budget.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Network controls origin fetching.
	Network NetworkConfig `mapstructure:"network" yaml:"network"`

	// Preload controls the preload task scheduler.
	Preload PreloadConfig `mapstructure:"preload" yaml:"preload"`

	// Cleanup controls eviction and expiration sweeps.
	Cleanup CleanupConfig `mapstructure:"cleanup" yaml:"cleanup"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// CacheConfig controls the on-disk cache.
type CacheConfig struct {
	// Directory is the root for data files, metadata records, and
	// statistics.
	Directory string `mapstructure:"directory" validate:"required" yaml:"directory"`

	// MaxSize is the cache byte budget. Supports human-readable sizes
	// ("2Gi", "500MB"). Zero disables the budget.
	MaxSize bytesize.ByteSize `mapstructure:"max_size" yaml:"max_size"`

	// FileExtension is the data file extension.
	FileExtension string `mapstructure:"file_extension" yaml:"file_extension"`

	// MetadataExtension is the metadata record extension.
	MetadataExtension string `mapstructure:"metadata_extension" yaml:"metadata_extension"`

	// SchemePrefix is prepended to the origin URL's scheme to form the
	// player-facing cache URL.
	SchemePrefix string `mapstructure:"scheme_prefix" validate:"required" yaml:"scheme_prefix"`

	// MinFreeDisk is the free-space floor on the cache volume.
	MinFreeDisk bytesize.ByteSize `mapstructure:"min_free_disk" yaml:"min_free_disk"`
}

// NetworkConfig controls origin fetching.
type NetworkConfig struct {
	// RequestTimeout bounds the wait for origin response headers.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0" yaml:"request_timeout"`

	// MaxRetries is the per-fetch retry limit for transient failures.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0" yaml:"max_retries"`

	// MaxConcurrentDownloads bounds simultaneous preload downloads.
	MaxConcurrentDownloads int `mapstructure:"max_concurrent_downloads" validate:"gte=1" yaml:"max_concurrent_downloads"`

	// AllowsCellular permits fetching over metered connections on
	// platforms that distinguish them. Recorded for the host; the core
	// does not inspect interfaces itself.
	AllowsCellular bool `mapstructure:"allows_cellular" yaml:"allows_cellular"`

	// CustomHeaders are added to every origin request.
	CustomHeaders map[string]string `mapstructure:"custom_headers" yaml:"custom_headers,omitempty"`
}

// PreloadConfig controls the preload scheduler.
type PreloadConfig struct {
	// TaskTimeout bounds each preload task. Zero disables the watchdog.
	TaskTimeout time.Duration `mapstructure:"task_timeout" validate:"gte=0" yaml:"task_timeout"`

	// BatchSize bounds how many tasks one dispatch round may start.
	BatchSize int `mapstructure:"batch_size" validate:"gte=0" yaml:"batch_size"`

	// MaxRetries is the task-level retry limit.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0" yaml:"max_retries"`

	// DynamicAging bumps starved tasks one priority level after
	// AgingThreshold.
	DynamicAging   bool          `mapstructure:"dynamic_aging" yaml:"dynamic_aging"`
	AgingThreshold time.Duration `mapstructure:"aging_threshold" validate:"gte=0" yaml:"aging_threshold"`
}

// CleanupConfig controls eviction.
type CleanupConfig struct {
	// Strategy selects the eviction ordering (lru, lfu, fifo, expired,
	// priority, or a registered custom identifier).
	Strategy string `mapstructure:"strategy" validate:"required" yaml:"strategy"`

	// Interval is the periodic cleanup cadence.
	Interval time.Duration `mapstructure:"interval" validate:"gt=0" yaml:"interval"`

	// DiskCheckInterval is the disk-space monitor cadence.
	DiskCheckInterval time.Duration `mapstructure:"disk_check_interval" validate:"gt=0" yaml:"disk_check_interval"`

	// DefaultExpiration is applied to new resources. Zero means no
	// expiration.
	DefaultExpiration time.Duration `mapstructure:"default_expiration" validate:"gte=0" yaml:"default_expiration"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// LoggerConfig converts to the logger package's configuration.
func (l LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{Level: l.Level, Format: l.Format, Output: l.Output}
}

// MetricsConfig configures the Prometheus metrics endpoint. When disabled,
// no collectors are registered and observation is zero-cost.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Listen is the metrics HTTP listen address.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Load reads configuration from the given file (optional), the BMCACHE_*
// environment, and defaults, then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("BMCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper lowercases map keys; restore canonical header names.
	if len(cfg.Network.CustomHeaders) > 0 {
		headers := make(map[string]string, len(cfg.Network.CustomHeaders))
		for name, value := range cfg.Network.CustomHeaders {
			headers[http.CanonicalHeaderKey(name)] = value
		}
		cfg.Network.CustomHeaders = headers
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromMap decodes a configuration override map (e.g. from flags) on top of
// base.
func FromMap(base Config, overrides map[string]any) (*Config, error) {
	cfg := base
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: decodeHooks(),
		Result:     &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(overrides); err != nil {
		return nil, fmt.Errorf("failed to decode config overrides: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration's structural constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

func defaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "bmvideocache")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "bmvideocache")
}

// decodeHooks combines the custom decoders used for config unmarshalling.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize so
// config files can say "1Gi", "500MB", or a plain byte count.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}
