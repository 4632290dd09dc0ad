// This file implements the compressor worker: queue draining, batch
// triggering, dictionary bootstrap, and the adaptive batch-size control
// loop.
package compressor

import (
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/marmos91/cachestream/internal/bytesize"
	"github.com/marmos91/cachestream/internal/logger"
	"github.com/marmos91/cachestream/pkg/ledger"
	"github.com/marmos91/cachestream/pkg/metrics"
	"github.com/marmos91/cachestream/pkg/watcher"
)

// Payload is one compressed batch handed to the uploader.
type Payload struct {
	BatchID int
	Data    []byte
	Frames  []int
}

// Config holds compressor configuration.
type Config struct {
	// DefaultBatchSize is the initial frames-per-batch target before any
	// upload measurements exist. Default: 25.
	DefaultBatchSize int

	// MinBatchSize / MaxBatchSize clamp the adaptive target.
	// Defaults: 5 and 200.
	MinBatchSize int
	MaxBatchSize int

	// TargetUploadTime is the upload duration the adaptive loop steers
	// each batch toward. Default: 30s.
	TargetUploadTime time.Duration

	// PollInterval bounds how long the worker blocks on an empty file
	// queue before re-checking its batch trigger. Default: 2s.
	PollInterval time.Duration

	// DictMinSamples is the sample count required before dictionary
	// training runs. Default: 10.
	DictMinSamples int

	// DictMaxSamples caps how many sample files are retained for
	// training. Default: 30.
	DictMaxSamples int

	// DictPath is where the trained dictionary is persisted locally.
	// Empty disables persistence.
	DictPath string

	// ShutdownGrace bounds how long a full upload queue is waited on
	// during shutdown before a compressed batch is marked failed.
	// Default: 10s.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the default compressor configuration.
func DefaultConfig() Config {
	return Config{
		DefaultBatchSize: 25,
		MinBatchSize:     5,
		MaxBatchSize:     200,
		TargetUploadTime: 30 * time.Second,
		PollInterval:     2 * time.Second,
		DictMinSamples:   10,
		DictMaxSamples:   30,
		ShutdownGrace:    10 * time.Second,
	}
}

// Compressor drains the file queue into compressed batch payloads.
//
// All mutable state (pending list, training samples, encoder) is owned by
// the worker goroutine; Flush coordinates through a control channel rather
// than shared memory.
type Compressor struct {
	cfg     Config
	ledger  *ledger.Ledger
	dict    *Dictionary
	metrics metrics.Collector

	fileQueue  <-chan watcher.Entry
	batchQueue chan<- Payload

	pending       []watcher.Entry
	pendingFrames []int
	samples       [][]byte
	trainDone     bool
	target        int
	enc           *zstd.Encoder

	flushCh  chan chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a batch compressor. The dictionary may arrive pre-trained
// (resume path); training is then skipped entirely.
func New(
	fileQueue <-chan watcher.Entry,
	batchQueue chan<- Payload,
	l *ledger.Ledger,
	dict *Dictionary,
	m metrics.Collector,
	cfg Config,
) *Compressor {
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 25
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 5
	}
	if cfg.MaxBatchSize < cfg.MinBatchSize {
		cfg.MaxBatchSize = 200
	}
	if cfg.TargetUploadTime <= 0 {
		cfg.TargetUploadTime = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.DictMinSamples <= 0 {
		cfg.DictMinSamples = 10
	}
	if cfg.DictMaxSamples < cfg.DictMinSamples {
		cfg.DictMaxSamples = 30
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}

	c := &Compressor{
		cfg:        cfg,
		ledger:     l,
		dict:       dict,
		metrics:    m,
		fileQueue:  fileQueue,
		batchQueue: batchQueue,
		trainDone:  dict.Trained(),
		target:     cfg.DefaultBatchSize,
		flushCh:    make(chan chan struct{}),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	l.SetTargetBatchSize(c.target)
	return c
}

// Start launches the compressor worker.
func (c *Compressor) Start() {
	go c.run()
	logger.Info("Batch compressor started", "initial_batch_size", c.target)
}

// Stop signals the worker and waits for it to exit. Pending files are
// compressed on the way out so a stop never silently discards work.
func (c *Compressor) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
	logger.Info("Batch compressor stopped")
}

// Flush forces compression of whatever is pending. It blocks until the
// worker has processed the request. Used only during finalize.
func (c *Compressor) Flush() {
	ack := make(chan struct{})
	select {
	case c.flushCh <- ack:
		<-ack
	case <-c.doneCh:
		// Worker already exited; Stop's final flush covered it.
	}
}

func (c *Compressor) run() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			// Pick up anything still queued, then flush so short runs
			// still produce a batch.
			c.drainQueue()
			c.compressPending()
			return

		case ack := <-c.flushCh:
			c.drainQueue()
			c.compressPending()
			ack <- struct{}{}

		case entry := <-c.fileQueue:
			c.addEntry(entry)
			c.drainQueue()
			if len(c.pending) >= c.target {
				c.compressPending()
			}

		case <-time.After(c.cfg.PollInterval):
			// Idle wake; re-check in case the adaptive target shrank
			// below the pending count.
			if len(c.pending) >= c.target {
				c.compressPending()
			}
		}
	}
}

// drainQueue empties everything currently buffered in the file queue.
func (c *Compressor) drainQueue() {
	for {
		select {
		case entry := <-c.fileQueue:
			c.addEntry(entry)
		default:
			return
		}
	}
}

func (c *Compressor) addEntry(e watcher.Entry) {
	c.pending = append(c.pending, e)
	if e.HasFrame {
		c.pendingFrames = append(c.pendingFrames, e.Frame)
	}

	// Retain early file contents as dictionary training samples.
	if !c.trainDone && len(c.samples) < c.cfg.DictMaxSamples {
		if data, err := readSample(e.Path); err == nil {
			c.samples = append(c.samples, data)
		}
	}
}

// compressPending compresses the current pending set into one batch and
// hands it to the upload queue. On any error the batch is marked failed and
// its files are dropped for this run; the failure is logged with the batch
// id and frame list for external recovery.
func (c *Compressor) compressPending() {
	if len(c.pending) == 0 {
		return
	}

	c.maybeTrainDictionary()

	entries := c.pending
	frames := c.pendingFrames
	c.pending = nil
	c.pendingFrames = nil

	batch := c.ledger.CreateBatch(frames)
	c.ledger.MarkCompressing(batch.ID)

	logger.Info("Compressing batch",
		"batch_id", batch.ID,
		"files", len(entries),
		"frames", len(frames))

	data, rawSize, err := c.compress(entries)
	if err != nil {
		c.ledger.RegisterFailed(batch.ID)
		logger.Error("Batch compression failed",
			"batch_id", batch.ID,
			"frames", frames,
			"error", err)
		return
	}

	c.ledger.RegisterCompressed(batch.ID, int64(len(data)), rawSize)
	if c.metrics != nil {
		c.metrics.ObserveBatch(rawSize, int64(len(data)))
	}

	logger.Info("Batch compressed",
		"batch_id", batch.ID,
		"raw", bytesize.Format(rawSize),
		"compressed", bytesize.Format(int64(len(data))))

	payload := Payload{BatchID: batch.ID, Data: data, Frames: frames}
	if !c.enqueue(payload) {
		c.ledger.RegisterFailed(batch.ID)
		logger.Warn("Upload queue full on shutdown, dropping batch",
			"batch_id", batch.ID,
			"frames", frames)
		return
	}

	c.updateBatchSize()
}

// enqueue hands a payload to the upload queue, blocking for backpressure.
// The uploader is stopped after the compressor and drains the queue on its
// way out, so during shutdown a full queue gets a bounded grace period for
// a slot to free up instead of an immediate drop.
func (c *Compressor) enqueue(p Payload) bool {
	select {
	case c.batchQueue <- p:
		return true
	default:
	}

	select {
	case c.batchQueue <- p:
		return true
	case <-c.stopCh:
	}

	t := time.NewTimer(c.cfg.ShutdownGrace)
	defer t.Stop()
	select {
	case c.batchQueue <- p:
		return true
	case <-t.C:
		return false
	}
}

func (c *Compressor) compress(entries []watcher.Entry) ([]byte, int64, error) {
	archive, rawSize, err := buildArchive(entries)
	if err != nil {
		return nil, 0, err
	}

	if c.enc == nil {
		enc, err := newEncoder(c.dict)
		if err != nil {
			return nil, 0, err
		}
		c.enc = enc
	}

	return c.enc.EncodeAll(archive, nil), rawSize, nil
}

// maybeTrainDictionary trains the shared dictionary once the minimum sample
// count is met. Training happens at most once per run; a failed attempt is
// logged and not retried.
func (c *Compressor) maybeTrainDictionary() {
	if c.trainDone || len(c.samples) < c.cfg.DictMinSamples {
		return
	}
	c.trainDone = true

	if err := c.dict.Train(c.samples); err != nil {
		logger.Warn("Dictionary training failed, compressing without dictionary",
			"samples", len(c.samples), "error", err)
		c.samples = nil
		return
	}

	if c.cfg.DictPath != "" {
		if err := c.dict.SaveFile(c.cfg.DictPath); err != nil {
			logger.Warn("Failed to persist dictionary", "path", c.cfg.DictPath, "error", err)
		}
	}

	logger.Info("Compression dictionary trained",
		"samples", len(c.samples),
		"size", bytesize.Format(int64(len(c.dict.Bytes()))))

	c.samples = nil
	c.enc = nil // rebuild with the dictionary on next batch
}

// updateBatchSize recomputes the adaptive target from the ledger's rolling
// metrics. Skipped until at least one batch has confirmed.
func (c *Compressor) updateBatchSize() {
	speed := c.ledger.UploadSpeed()
	ratio := c.ledger.CompressionRatio()
	if speed <= 0 || ratio <= 0 {
		return
	}

	avgRawPerFrame := c.ledger.AvgRawBytesPerFrame()
	if avgRawPerFrame <= 0 {
		return
	}

	compressedPerFrame := avgRawPerFrame / ratio
	optimal := int(speed * c.cfg.TargetUploadTime.Seconds() / compressedPerFrame)

	target := optimal
	if target < c.cfg.MinBatchSize {
		target = c.cfg.MinBatchSize
	}
	if target > c.cfg.MaxBatchSize {
		target = c.cfg.MaxBatchSize
	}

	if target != c.target {
		logger.Debug("Adaptive batch size updated",
			"target", target,
			"speed_bps", int64(speed),
			"ratio", ratio)
	}

	c.target = target
	c.ledger.SetTargetBatchSize(target)
	if c.metrics != nil {
		c.metrics.SetTargetBatchSize(target)
	}
}

// readSample reads a file for dictionary training, capping the read so one
// oversized cache file cannot dominate the sample set.
func readSample(path string) ([]byte, error) {
	const maxSample = 128 * 1024
	return readFileCapped(path, maxSample)
}
