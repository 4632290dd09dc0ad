// Package pipeline wires the watcher, compressor, and uploader into one
// cache-ingestion pipeline and owns its lifecycle.
//
// Data flows one direction: disk → watcher → file queue → compressor →
// batch queue → uploader → object storage. The ledger is the only state
// shared across stages. The orchestrator adds a periodic telemetry task and
// the finalize/drain protocol that secures short runs.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/cachestream/internal/logger"
	"github.com/marmos91/cachestream/pkg/compressor"
	"github.com/marmos91/cachestream/pkg/ledger"
	"github.com/marmos91/cachestream/pkg/metrics"
	"github.com/marmos91/cachestream/pkg/notify"
	"github.com/marmos91/cachestream/pkg/storage"
	"github.com/marmos91/cachestream/pkg/uploader"
	"github.com/marmos91/cachestream/pkg/watcher"
)

// Config holds pipeline configuration.
type Config struct {
	// CacheRoot is the directory tree the producer writes cache files to.
	CacheRoot string

	// TotalFrames is the expected frame count (estimate; zero = unknown).
	TotalFrames int

	// AlreadySecured seeds the secured set from a prior run so those
	// frames are not re-uploaded.
	AlreadySecured []int

	// DictionaryBytes preloads a trained dictionary (resume path). When
	// nil, the compressor's DictPath file is tried instead.
	DictionaryBytes []byte

	// FileQueueSize bounds the watcher → compressor queue. Default: 1024.
	FileQueueSize int

	// BatchQueueSize bounds the compressor → uploader queue. Default: 4.
	BatchQueueSize int

	// ProgressInterval is the telemetry broadcast period. Default: 5s.
	ProgressInterval time.Duration

	// FinalizeTimeout bounds the finalize drain wait. Default: 120s.
	FinalizeTimeout time.Duration

	// StopTimeout bounds each worker join during Stop. Default: 30s.
	StopTimeout time.Duration

	Watcher    watcher.Config
	Compressor compressor.Config
	Uploader   uploader.Config
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		FileQueueSize:    1024,
		BatchQueueSize:   4,
		ProgressInterval: 5 * time.Second,
		FinalizeTimeout:  120 * time.Second,
		StopTimeout:      30 * time.Second,
		Watcher:          watcher.DefaultConfig(),
		Compressor:       compressor.DefaultConfig(),
		Uploader:         uploader.DefaultConfig(),
	}
}

// Summary is the final report returned by Finalize.
type Summary struct {
	TotalFrames        int
	ProducedFrames     int
	SecuredFrames      int
	FailedBatches      []ledger.Batch
	DictionaryUploaded bool
	Drained            bool
}

// Pipeline orchestrates the three pipeline stages.
type Pipeline struct {
	cfg     Config
	ledger  *ledger.Ledger
	dict    *compressor.Dictionary
	channel notify.Channel
	metrics metrics.Collector

	fileQueue  chan watcher.Entry
	batchQueue chan compressor.Payload

	watcher    *watcher.Watcher
	compressor *compressor.Compressor
	uploader   *uploader.Uploader

	progressStop chan struct{}
	progressDone chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New assembles a pipeline against the given object store. channel may be
// nil (no reporting transport) and collector may be nil (metrics disabled).
func New(store storage.ObjectStore, channel notify.Channel, collector metrics.Collector, cfg Config) *Pipeline {
	if cfg.FileQueueSize <= 0 {
		cfg.FileQueueSize = 1024
	}
	if cfg.BatchQueueSize <= 0 {
		cfg.BatchQueueSize = 4
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 120 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}

	l := ledger.New(cfg.TotalFrames, cfg.AlreadySecured)

	dict := compressor.NewDictionary()
	if cfg.DictionaryBytes != nil {
		dict.LoadBytes(cfg.DictionaryBytes)
	} else if cfg.Compressor.DictPath != "" {
		if err := dict.LoadFile(cfg.Compressor.DictPath); err == nil {
			logger.Info("Loaded compression dictionary", "path", cfg.Compressor.DictPath)
		}
	}

	fileQueue := make(chan watcher.Entry, cfg.FileQueueSize)
	batchQueue := make(chan compressor.Payload, cfg.BatchQueueSize)

	p := &Pipeline{
		cfg:          cfg,
		ledger:       l,
		dict:         dict,
		channel:      channel,
		metrics:      collector,
		fileQueue:    fileQueue,
		batchQueue:   batchQueue,
		progressStop: make(chan struct{}),
		progressDone: make(chan struct{}),
	}

	p.watcher = watcher.New(cfg.CacheRoot, fileQueue, l, cfg.Watcher)
	p.compressor = compressor.New(fileQueue, batchQueue, l, dict, collector, cfg.Compressor)
	p.uploader = uploader.New(batchQueue, store, l, channel, collector, cfg.Uploader)

	return p
}

// Ledger exposes the pipeline's progress ledger for status queries.
func (p *Pipeline) Ledger() *ledger.Ledger {
	return p.ledger
}

// Start launches the three stage workers and the telemetry task.
func (p *Pipeline) Start() error {
	var err error
	p.startOnce.Do(func() {
		logger.Info("Pipeline starting", "cache_root", p.cfg.CacheRoot)

		if err = p.watcher.Start(); err != nil {
			return
		}
		p.compressor.Start()
		p.uploader.Start()
		go p.progressLoop()
	})
	return err
}

// Stop shuts the pipeline down. The watch stops first so nothing new is
// enqueued, then each worker is joined in data-flow order, then the
// telemetry task ends.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		logger.Info("Pipeline stopping")

		join(p.watcher.Stop, p.cfg.StopTimeout, "watcher")
		join(p.compressor.Stop, p.cfg.StopTimeout, "compressor")
		join(p.uploader.Stop, p.cfg.StopTimeout, "uploader")

		close(p.progressStop)
		<-p.progressDone

		logger.Info("Pipeline stopped")
	})
}

// join runs a blocking stop function with a bounded wait.
func join(stop func(), timeout time.Duration, name string) {
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("Worker stop timed out", "worker", name, "timeout", timeout)
	}
}

// Finalize flushes the compressor, waits for the upload queue to drain
// (bounded by FinalizeTimeout), and uploads the trained dictionary. It
// guarantees that a run shorter than one batch still secures its frames.
func (p *Pipeline) Finalize(ctx context.Context) Summary {
	logger.Info("Pipeline finalizing")

	p.compressor.Flush()

	drained := p.waitDrained(ctx)
	if !drained {
		logger.Warn("Finalize timed out with uploads pending", "timeout", p.cfg.FinalizeTimeout)
	}

	summary := Summary{Drained: drained}

	if p.dict.Trained() {
		if err := p.uploader.UploadDictionary(ctx, p.dict.Bytes()); err != nil {
			logger.Error("Dictionary upload failed", "error", err)
		} else {
			summary.DictionaryUploaded = true
		}
	}

	p.sendProgress()

	snap := p.ledger.Snapshot()
	summary.TotalFrames = snap.TotalFrames
	summary.ProducedFrames = snap.ProducedFrames
	summary.SecuredFrames = snap.SecuredFrames
	summary.FailedBatches = p.ledger.FailedBatches()

	logger.Info("Pipeline finalized",
		"produced", summary.ProducedFrames,
		"secured", summary.SecuredFrames,
		"failed_batches", len(summary.FailedBatches))
	for _, b := range summary.FailedBatches {
		logger.Warn("Unrecovered batch", "batch_id", b.ID, "frames", b.Frames)
	}

	return summary
}

// waitDrained polls until the batch queue is empty and the uploader is
// idle, or the finalize timeout (or ctx) expires.
func (p *Pipeline) waitDrained(ctx context.Context) bool {
	deadline := time.Now().Add(p.cfg.FinalizeTimeout)
	for time.Now().Before(deadline) {
		if len(p.batchQueue) == 0 && p.uploader.Idle() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
	return len(p.batchQueue) == 0 && p.uploader.Idle()
}

// progressLoop periodically broadcasts a PROGRESS_UPDATE message and
// refreshes the frame-count gauges.
func (p *Pipeline) progressLoop() {
	defer close(p.progressDone)

	ticker := time.NewTicker(p.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.progressStop:
			return
		case <-ticker.C:
			p.sendProgress()
		}
	}
}

// sendProgress emits one telemetry update. Failures are logged and ignored.
func (p *Pipeline) sendProgress() {
	snap := p.ledger.Snapshot()

	if p.metrics != nil {
		p.metrics.SetFrameCounts(snap.ProducedFrames, snap.SecuredFrames)
	}

	if p.channel == nil || !p.channel.IsConnected() {
		return
	}

	msg := notify.ProgressUpdate{
		Type:             notify.KindProgressUpdate,
		SecuredPercent:   snap.SecuredPercent,
		ProducedFrames:   snap.ProducedFrames,
		SecuredFrames:    snap.SecuredFrames,
		TotalFrames:      snap.TotalFrames,
		FailedBatches:    snap.FailedBatches,
		UploadSpeedBps:   snap.UploadSpeedBps,
		CurrentBatchSize: snap.TargetBatchSize,
	}
	if err := p.channel.Send(msg); err != nil {
		logger.Debug("Failed to send progress update", "error", err)
	}
}
