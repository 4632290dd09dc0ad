package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// sampleConfig is the annotated template written by `cachestream init`.
const sampleConfig = `# Cachestream Configuration File
#
# Streams simulation cache files to S3-compatible object storage while the
# simulation is still running. Every value can be overridden with a
# CACHESTREAM_* environment variable, e.g. CACHESTREAM_LOGGING_LEVEL=DEBUG.

logging:
  # Log level: DEBUG, INFO, WARN, ERROR
  level: INFO
  # Log format: text or json
  format: text
  # Log output: stdout, stderr, or a file path
  output: stdout

cache:
  # Directory tree the simulation writes cache files to (required).
  # Created if missing so cachestream can start before the simulation.
  root: /tmp/cachestream
  # Expected frame count for percentage reporting (0 = unknown)
  total_frames: 0

storage:
  # S3-compatible endpoint. Empty uses AWS for the configured region.
  # Example for a local MinIO: http://localhost:9000
  endpoint: ""
  region: us-east-1
  # Target bucket (required)
  bucket: simulation-cache
  # Prefix prepended to every uploaded object key, e.g. jobs/sim-042/
  key_prefix: ""
  # Static credentials. Prefer the environment:
  #   CACHESTREAM_STORAGE_ACCESS_KEY_ID
  #   CACHESTREAM_STORAGE_SECRET_ACCESS_KEY
  access_key_id: ""
  secret_access_key: ""
  # Path-style addressing, needed for MinIO
  force_path_style: false

upload:
  # Archives above this size use multipart upload
  multipart_threshold: 64Mi
  part_size: 16Mi
  # Per-batch upload timeout including retries
  timeout: 10m

batch:
  # Initial frames per batch before throughput has been measured
  default_size: 25
  # Adaptive sizing bounds
  min_size: 5
  max_size: 200
  # Per-batch upload duration the adaptive algorithm aims for
  target_upload_time: 30s
  # How often a partial batch is compressed when no new files arrive
  poll_interval: 2s

dictionary:
  # Local path for the trained compression dictionary (empty = no persistence)
  path: ""
  min_samples: 10
  max_samples: 30

watcher:
  # Size-polling period while waiting for a file to stop growing
  stable_poll_interval: 300ms
  # Maximum wait for a file to stabilize
  stable_timeout: 3s

telemetry:
  # Progress broadcast period
  progress_interval: 5s

metrics:
  # Prometheus metrics endpoint
  enabled: false
  port: 9090

# Maximum drain wait during finalization
finalize_timeout: 120s
# Maximum time to wait for graceful shutdown
shutdown_timeout: 30s
`

// InitConfig creates a sample configuration file at the default location.
// Returns the path the file was written to.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath creates a sample configuration file at the given path.
// Fails if the file already exists unless force is set.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
