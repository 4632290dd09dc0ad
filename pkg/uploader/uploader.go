// Package uploader durably persists compressed batches to object storage
// and reports completion.
//
// Two upload modes exist. The primary mode talks to an S3-compatible store
// through storage.ObjectStore, choosing whole-object put or multipart by
// payload size. The presigned mode (presigned.go) covers hosts without
// storage credentials, uploading through short-lived per-object URLs.
package uploader

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/cachestream/internal/bytesize"
	"github.com/marmos91/cachestream/internal/logger"
	"github.com/marmos91/cachestream/pkg/compressor"
	"github.com/marmos91/cachestream/pkg/ledger"
	"github.com/marmos91/cachestream/pkg/metrics"
	"github.com/marmos91/cachestream/pkg/notify"
	"github.com/marmos91/cachestream/pkg/storage"
)

// Config holds uploader configuration.
type Config struct {
	// KeyPrefix is prepended to every object key, e.g. "cache/run42/".
	KeyPrefix string

	// MultipartThreshold is the payload size above which multipart upload
	// is used instead of a single put. Default: 64MiB.
	MultipartThreshold int64

	// PartSize is the multipart part size. S3 requires at least 5MiB.
	// Default: 16MiB.
	PartSize int64

	// UploadTimeout bounds a single batch upload including all its parts.
	// Default: 10m.
	UploadTimeout time.Duration
}

// DefaultConfig returns the default uploader configuration.
func DefaultConfig() Config {
	return Config{
		MultipartThreshold: 64 * 1024 * 1024,
		PartSize:           16 * 1024 * 1024,
		UploadTimeout:      10 * time.Minute,
	}
}

// Uploader drains the compressed-batch queue into object storage.
type Uploader struct {
	cfg     Config
	store   storage.ObjectStore
	ledger  *ledger.Ledger
	channel notify.Channel
	metrics metrics.Collector

	batchQueue <-chan compressor.Payload

	busy     atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a batch uploader. channel may be nil when no reporting
// transport is configured.
func New(
	batchQueue <-chan compressor.Payload,
	store storage.ObjectStore,
	l *ledger.Ledger,
	ch notify.Channel,
	m metrics.Collector,
	cfg Config,
) *Uploader {
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 64 * 1024 * 1024
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = 16 * 1024 * 1024
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 10 * time.Minute
	}
	return &Uploader{
		cfg:        cfg,
		store:      store,
		ledger:     l,
		channel:    ch,
		metrics:    m,
		batchQueue: batchQueue,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the uploader worker.
func (u *Uploader) Start() {
	go u.run()
	logger.Info("Batch uploader started")
}

// Stop signals the worker and waits for it to exit. Batches already in the
// queue are drained first so a stop never abandons compressed work.
func (u *Uploader) Stop() {
	u.stopOnce.Do(func() { close(u.stopCh) })
	<-u.doneCh
	logger.Info("Batch uploader stopped")
}

// Idle reports whether the uploader has no upload in flight. Used by the
// orchestrator's finalize drain together with the queue length.
func (u *Uploader) Idle() bool {
	return !u.busy.Load()
}

// Key returns the deterministic object key for a batch id. Re-uploading
// the same id always targets the same key.
func (u *Uploader) Key(batchID int) string {
	return fmt.Sprintf("%sbatch_%04d.tar.zst", u.cfg.KeyPrefix, batchID)
}

// DictionaryKey returns the object key the trained dictionary is uploaded
// under at finalize.
func (u *Uploader) DictionaryKey() string {
	return u.cfg.KeyPrefix + "dictionary.zstd"
}

func (u *Uploader) run() {
	defer close(u.doneCh)

	for {
		select {
		case <-u.stopCh:
			u.drainQueue()
			return

		case payload := <-u.batchQueue:
			u.uploadBatch(payload)
		}
	}
}

// drainQueue uploads whatever is still buffered during shutdown.
func (u *Uploader) drainQueue() {
	for {
		select {
		case payload := <-u.batchQueue:
			u.uploadBatch(payload)
		default:
			return
		}
	}
}

// uploadBatch persists one compressed batch. Success confirms the batch in
// the ledger and emits a PROGRESS_SECURED message; failure marks the batch
// failed with no retry at this layer.
func (u *Uploader) uploadBatch(p compressor.Payload) {
	u.busy.Store(true)
	defer u.busy.Store(false)

	key := u.Key(p.BatchID)
	u.ledger.MarkUploading(p.BatchID)

	ctx, cancel := context.WithTimeout(context.Background(), u.cfg.UploadTimeout)
	defer cancel()

	start := time.Now()

	var err error
	if int64(len(p.Data)) > u.cfg.MultipartThreshold {
		err = u.multipartUpload(ctx, key, p.Data)
	} else {
		err = u.store.Put(ctx, key, p.Data, map[string]string{
			"batch_id":    strconv.Itoa(p.BatchID),
			"frames":      joinFrames(p.Frames),
			"frame_count": strconv.Itoa(len(p.Frames)),
		}, "application/octet-stream")
	}

	duration := time.Since(start)

	if u.metrics != nil {
		u.metrics.ObserveUpload(int64(len(p.Data)), duration, err)
	}

	if err != nil {
		u.ledger.RegisterFailed(p.BatchID)
		logger.Error("Batch upload failed",
			"batch_id", p.BatchID,
			"key", key,
			"frames", p.Frames,
			"error", err)
		return
	}

	u.ledger.RegisterSecured(p.BatchID, key, duration)

	speed := u.ledger.UploadSpeed()
	logger.Info("Batch uploaded",
		"batch_id", p.BatchID,
		"key", key,
		"size", bytesize.Format(int64(len(p.Data))),
		"duration", duration.Round(100*time.Millisecond),
		"speed", bytesize.Format(int64(speed))+"/s")

	u.notifySecured(p, key, speed)
}

// multipartUpload performs a chunked upload: sequential parts of PartSize,
// completed only after every part succeeds. Any part failure aborts the
// multipart transaction before the error propagates.
func (u *Uploader) multipartUpload(ctx context.Context, key string, data []byte) error {
	uploadID, err := u.store.BeginMultipart(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to begin multipart upload: %w", err)
	}

	partNumber := 1
	for offset := int64(0); offset < int64(len(data)); offset += u.cfg.PartSize {
		end := offset + u.cfg.PartSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}

		if err := u.store.UploadPart(ctx, key, uploadID, partNumber, data[offset:end]); err != nil {
			u.abortMultipart(key, uploadID)
			return fmt.Errorf("failed to upload part %d: %w", partNumber, err)
		}
		partNumber++
	}

	if err := u.store.CompleteMultipart(ctx, key, uploadID); err != nil {
		u.abortMultipart(key, uploadID)
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	return nil
}

// abortMultipart cancels a multipart session on its own short context. The
// upload context may already be expired, and an abort on an expired context
// would leave the session open server-side.
func (u *Uploader) abortMultipart(key, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := u.store.AbortMultipart(ctx, key, uploadID); err != nil {
		logger.Warn("Failed to abort multipart upload", "key", key, "error", err)
	}
}

// UploadDictionary puts the trained compression dictionary under its
// deterministic key. Called once at finalize.
func (u *Uploader) UploadDictionary(ctx context.Context, dict []byte) error {
	key := u.DictionaryKey()
	if err := u.store.Put(ctx, key, dict, nil, "application/octet-stream"); err != nil {
		return fmt.Errorf("failed to upload dictionary: %w", err)
	}
	logger.Info("Dictionary uploaded", "key", key, "size", bytesize.Format(int64(len(dict))))
	return nil
}

// notifySecured emits the per-batch confirmation message. Delivery is
// best-effort: the batch stays confirmed whatever happens here.
func (u *Uploader) notifySecured(p compressor.Payload, key string, speed float64) {
	if u.channel == nil {
		return
	}

	msg := notify.ProgressSecured{
		Type:           notify.KindProgressSecured,
		BatchID:        p.BatchID,
		Key:            key,
		Frames:         p.Frames,
		UploadSpeedBps: speed,
		Timestamp:      time.Now().Unix(),
	}
	if err := u.channel.Send(msg); err != nil {
		logger.Warn("Failed to send secured notification", "batch_id", p.BatchID, "error", err)
	}
}

func joinFrames(frames []int) string {
	parts := make([]string, len(frames))
	for i, f := range frames {
		parts[i] = strconv.Itoa(f)
	}
	return strings.Join(parts, ",")
}
