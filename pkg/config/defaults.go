package config

import (
	"strings"
	"time"

	"github.com/marmos91/cachestream/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyStorageDefaults(&cfg.Storage)
	applyUploadDefaults(&cfg.Upload)
	applyBatchDefaults(&cfg.Batch)
	applyDictionaryDefaults(&cfg.Dictionary)
	applyWatcherDefaults(&cfg.Watcher)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.FinalizeTimeout == 0 {
		cfg.FinalizeTimeout = 120 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyStorageDefaults sets object storage defaults.
func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	// KeyPrefix gets a trailing slash so batch keys land under it
	if cfg.KeyPrefix != "" && !strings.HasSuffix(cfg.KeyPrefix, "/") {
		cfg.KeyPrefix += "/"
	}
}

// applyUploadDefaults sets upload strategy defaults.
func applyUploadDefaults(cfg *UploadConfig) {
	if cfg.MultipartThreshold == 0 {
		cfg.MultipartThreshold = 64 * bytesize.MiB
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = 16 * bytesize.MiB
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
}

// applyBatchDefaults sets batch sizing defaults.
func applyBatchDefaults(cfg *BatchConfig) {
	if cfg.DefaultSize == 0 {
		cfg.DefaultSize = 25
	}
	if cfg.MinSize == 0 {
		cfg.MinSize = 5
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 200
	}
	if cfg.TargetUploadTime == 0 {
		cfg.TargetUploadTime = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
}

// applyDictionaryDefaults sets dictionary training defaults.
func applyDictionaryDefaults(cfg *DictionaryConfig) {
	if cfg.MinSamples == 0 {
		cfg.MinSamples = 10
	}
	if cfg.MaxSamples == 0 {
		cfg.MaxSamples = 30
	}
}

// applyWatcherDefaults sets stability detection defaults.
func applyWatcherDefaults(cfg *WatcherConfig) {
	if cfg.StablePollInterval == 0 {
		cfg.StablePollInterval = 300 * time.Millisecond
	}
	if cfg.StableTimeout == 0 {
		cfg.StableTimeout = 3 * time.Second
	}
}

// applyTelemetryDefaults sets progress reporting defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Cache: CacheConfig{
			Root: "/tmp/cachestream",
		},
		Storage: StorageConfig{
			Bucket: "simulation-cache",
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
