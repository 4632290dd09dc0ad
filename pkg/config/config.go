package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/cachestream/internal/bytesize"
)

// Config represents the cachestream configuration.
//
// It captures every static aspect of a pipeline run:
//   - Logging configuration
//   - Cache directory and expected frame count
//   - Object storage connection (S3-compatible endpoint)
//   - Upload strategy (multipart threshold, part size, timeouts)
//   - Batch sizing (defaults and adaptive bounds)
//   - Compression dictionary training
//   - Watcher stability detection
//   - Telemetry and metrics
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (CACHESTREAM_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Cache describes the simulation cache being streamed
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Storage configures the S3-compatible object storage target
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Upload controls the upload strategy
	Upload UploadConfig `mapstructure:"upload" yaml:"upload"`

	// Batch controls batch sizing and the adaptive algorithm bounds
	Batch BatchConfig `mapstructure:"batch" yaml:"batch"`

	// Dictionary controls compression dictionary training
	Dictionary DictionaryConfig `mapstructure:"dictionary" yaml:"dictionary"`

	// Watcher controls file stability detection
	Watcher WatcherConfig `mapstructure:"watcher" yaml:"watcher"`

	// Telemetry controls progress reporting
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// FinalizeTimeout bounds the drain wait during finalization.
	// Default: 120s
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout" yaml:"finalize_timeout"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// Default: 30s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// CacheConfig describes the simulation cache directory being streamed.
type CacheConfig struct {
	// Root is the directory tree the producer writes cache files to (required).
	// It is created if missing so the pipeline can start before the producer.
	Root string `mapstructure:"root" validate:"required" yaml:"root"`

	// TotalFrames is the expected frame count for percentage reporting.
	// Zero means unknown; progress is then reported against produced frames.
	TotalFrames int `mapstructure:"total_frames" validate:"gte=0" yaml:"total_frames"`
}

// StorageConfig configures the S3-compatible object storage target.
// Works with AWS S3, MinIO, Ceph RGW, and other S3-compatible services.
type StorageConfig struct {
	// Endpoint is the object storage endpoint URL.
	// Empty uses the default AWS endpoint for the region.
	// Example: http://localhost:9000 for a local MinIO
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Region is the storage region
	// Default: us-east-1
	Region string `mapstructure:"region" yaml:"region"`

	// Bucket is the target bucket name (required)
	Bucket string `mapstructure:"bucket" validate:"required" yaml:"bucket"`

	// KeyPrefix is prepended to every uploaded object key.
	// Example: jobs/sim-042/
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`

	// AccessKeyID is the static access key.
	// Override: CACHESTREAM_STORAGE_ACCESS_KEY_ID
	AccessKeyID string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`

	// SecretAccessKey is the static secret key.
	// Override: CACHESTREAM_STORAGE_SECRET_ACCESS_KEY
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// ForcePathStyle enables path-style addressing (needed for MinIO)
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// UploadConfig controls the upload strategy.
type UploadConfig struct {
	// MultipartThreshold is the archive size above which multipart upload
	// is used instead of a single PutObject.
	// Supports human-readable formats: "64Mi", "100MB"
	// Default: 64Mi
	MultipartThreshold bytesize.ByteSize `mapstructure:"multipart_threshold" yaml:"multipart_threshold"`

	// PartSize is the multipart part size
	// Default: 16Mi
	PartSize bytesize.ByteSize `mapstructure:"part_size" yaml:"part_size"`

	// Timeout bounds a single batch upload including retries
	// Default: 10m
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// BatchConfig controls batch sizing and the adaptive algorithm bounds.
type BatchConfig struct {
	// DefaultSize is the initial frames-per-batch before any upload
	// throughput has been measured.
	// Default: 25
	DefaultSize int `mapstructure:"default_size" validate:"omitempty,gt=0" yaml:"default_size"`

	// MinSize is the adaptive lower bound
	// Default: 5
	MinSize int `mapstructure:"min_size" validate:"omitempty,gt=0" yaml:"min_size"`

	// MaxSize is the adaptive upper bound
	// Default: 200
	MaxSize int `mapstructure:"max_size" validate:"omitempty,gt=0" yaml:"max_size"`

	// TargetUploadTime is the per-batch upload duration the adaptive
	// algorithm aims for.
	// Default: 30s
	TargetUploadTime time.Duration `mapstructure:"target_upload_time" yaml:"target_upload_time"`

	// PollInterval is how often a partial batch is considered for
	// compression when no new files arrive.
	// Default: 2s
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// DictionaryConfig controls compression dictionary training.
type DictionaryConfig struct {
	// Path is where the trained dictionary is persisted locally so a
	// resumed run can decompress earlier batches.
	// Empty disables local persistence.
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// MinSamples is the minimum sample count before training runs
	// Default: 10
	MinSamples int `mapstructure:"min_samples" validate:"omitempty,gt=0" yaml:"min_samples"`

	// MaxSamples caps the samples retained for training
	// Default: 30
	MaxSamples int `mapstructure:"max_samples" validate:"omitempty,gt=0" yaml:"max_samples"`
}

// WatcherConfig controls file stability detection.
type WatcherConfig struct {
	// StablePollInterval is the size-polling period while waiting for a
	// file to stop growing.
	// Default: 300ms
	StablePollInterval time.Duration `mapstructure:"stable_poll_interval" yaml:"stable_poll_interval"`

	// StableTimeout is the maximum wait for a file to stabilize. A file
	// still growing at the deadline is accepted anyway if non-empty.
	// Default: 3s
	StableTimeout time.Duration `mapstructure:"stable_timeout" yaml:"stable_timeout"`
}

// TelemetryConfig controls progress reporting.
type TelemetryConfig struct {
	// ProgressInterval is the telemetry broadcast period
	// Default: 5s
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CACHESTREAM_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  cachestream init\n\n"+
				"Or specify a custom config file:\n"+
				"  cachestream <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  cachestream init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Restricted permissions since the file may contain storage credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the CACHESTREAM_ prefix and underscores.
	// Example: CACHESTREAM_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("CACHESTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/cachestream/config.yaml
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		// Also covers an explicit config path that does not exist
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize so
// config files can use human-readable sizes like "64Mi" or "100MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
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
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// use human-readable durations like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if no home directory can be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cachestream")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "cachestream")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
