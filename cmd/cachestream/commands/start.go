package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/marmos91/cachestream/internal/logger"
	"github.com/marmos91/cachestream/pkg/compressor"
	"github.com/marmos91/cachestream/pkg/config"
	"github.com/marmos91/cachestream/pkg/metrics"
	"github.com/marmos91/cachestream/pkg/notify"
	"github.com/marmos91/cachestream/pkg/pipeline"
	"github.com/marmos91/cachestream/pkg/storage/s3"
	"github.com/marmos91/cachestream/pkg/uploader"
	"github.com/marmos91/cachestream/pkg/watcher"
)

var totalFrames int

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start streaming the cache directory to object storage",
	Long: `Start the cachestream pipeline with the specified configuration.

The pipeline watches the configured cache root, batches finished cache
files, compresses each batch with a shared dictionary, and uploads the
archives to object storage. It runs until interrupted; on SIGINT or
SIGTERM it drains in-flight batches before exiting.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/cachestream/config.yaml.

Examples:
  # Start with default config location
  cachestream start

  # Start with custom config file
  cachestream start --config /etc/cachestream/config.yaml

  # Override the expected frame count
  cachestream start --total-frames 240

  # Start with environment variable overrides
  CACHESTREAM_LOGGING_LEVEL=DEBUG cachestream start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().IntVar(&totalFrames, "total-frames", 0, "Expected frame count (overrides config)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	if totalFrames > 0 {
		cfg.Cache.TotalFrames = totalFrames
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "cache_root", cfg.Cache.Root, "bucket", cfg.Storage.Bucket)

	// Object storage
	client, err := s3.NewClient(ctx,
		cfg.Storage.Endpoint,
		cfg.Storage.Region,
		cfg.Storage.AccessKeyID,
		cfg.Storage.SecretAccessKey,
		cfg.Storage.ForcePathStyle,
	)
	if err != nil {
		return fmt.Errorf("failed to create storage client: %w", err)
	}

	store, err := s3.New(ctx, s3.Config{
		Client: client,
		Bucket: cfg.Storage.Bucket,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to bucket %q: %w", cfg.Storage.Bucket, err)
	}

	// Metrics (if enabled)
	var collector metrics.Collector
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewPrometheusCollector(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	} else {
		logger.Info("Metrics collection disabled")
	}

	p := pipeline.New(store, notify.NopChannel{}, collector, pipeline.Config{
		CacheRoot:        cfg.Cache.Root,
		TotalFrames:      cfg.Cache.TotalFrames,
		ProgressInterval: cfg.Telemetry.ProgressInterval,
		FinalizeTimeout:  cfg.FinalizeTimeout,
		StopTimeout:      cfg.ShutdownTimeout,
		Watcher: watcher.Config{
			StablePollInterval: cfg.Watcher.StablePollInterval,
			StableTimeout:      cfg.Watcher.StableTimeout,
		},
		Compressor: compressor.Config{
			DefaultBatchSize: cfg.Batch.DefaultSize,
			MinBatchSize:     cfg.Batch.MinSize,
			MaxBatchSize:     cfg.Batch.MaxSize,
			TargetUploadTime: cfg.Batch.TargetUploadTime,
			PollInterval:     cfg.Batch.PollInterval,
			DictMinSamples:   cfg.Dictionary.MinSamples,
			DictMaxSamples:   cfg.Dictionary.MaxSamples,
			DictPath:         cfg.Dictionary.Path,
		},
		Uploader: uploader.Config{
			KeyPrefix:          cfg.Storage.KeyPrefix,
			MultipartThreshold: cfg.Upload.MultipartThreshold.Int64(),
			PartSize:           cfg.Upload.PartSize.Int64(),
			UploadTimeout:      cfg.Upload.Timeout,
		},
	})

	if err := p.Start(); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Pipeline is running. Press Ctrl+C to stop.")

	<-sigChan
	signal.Stop(sigChan)
	logger.Info("Shutdown signal received, draining pipeline")

	// Stop intake, then secure whatever is still buffered.
	finalizeCtx, finalizeCancel := context.WithTimeout(context.Background(),
		cfg.FinalizeTimeout+cfg.ShutdownTimeout)
	defer finalizeCancel()

	p.Stop()
	summary := p.Finalize(finalizeCtx)

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	fmt.Printf("Secured %d/%d frames", summary.SecuredFrames, summary.ProducedFrames)
	if summary.TotalFrames > 0 {
		fmt.Printf(" (expected %d)", summary.TotalFrames)
	}
	fmt.Println()
	if len(summary.FailedBatches) > 0 {
		fmt.Printf("WARNING: %d batch(es) failed to upload; see logs for frame lists\n", len(summary.FailedBatches))
		return fmt.Errorf("%d batch uploads failed", len(summary.FailedBatches))
	}

	return nil
}
