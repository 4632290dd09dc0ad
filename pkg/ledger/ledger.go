// Package ledger is the single source of truth for pipeline progress.
//
// It tracks which frames have been produced by the simulation, which have
// been secured to object storage, the lifecycle of every batch, and the
// rolling upload speed and compression ratio that drive adaptive batch
// sizing. It is the only structure mutated by more than one pipeline stage,
// so every method is safe for concurrent use.
package ledger

import (
	"sort"
	"sync"
	"time"
)

// BatchState models the batch lifecycle.
//
// Pending → Compressing → Compressed → Uploading → Confirmed | Failed.
// Confirmed and Failed are terminal.
type BatchState int

const (
	BatchPending BatchState = iota
	BatchCompressing
	BatchCompressed
	BatchUploading
	BatchConfirmed
	BatchFailed
)

func (s BatchState) String() string {
	switch s {
	case BatchPending:
		return "pending"
	case BatchCompressing:
		return "compressing"
	case BatchCompressed:
		return "compressed"
	case BatchUploading:
		return "uploading"
	case BatchConfirmed:
		return "confirmed"
	case BatchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Batch is one unit of upload work. Instances returned by the Ledger are
// copies; the authoritative record stays inside the Ledger.
type Batch struct {
	ID             int
	Frames         []int
	RawSize        int64
	CompressedSize int64
	State          BatchState
	Key            string
	UploadDuration time.Duration
	CreatedAt      time.Time
}

// Snapshot is a point-in-time status view for external reporting.
type Snapshot struct {
	TotalFrames      int
	ProducedFrames   int
	SecuredFrames    int
	SecuredPercent   float64
	ConfirmedBatches int
	FailedBatches    []int
	UploadSpeedBps   float64
	CompressionRatio float64
	TargetBatchSize  int
}

// Ledger tracks frame and batch progress for a single pipeline run.
type Ledger struct {
	mu sync.Mutex

	totalFrames int
	produced    map[int]struct{}
	secured     map[int]struct{}

	batches     map[int]*Batch
	nextBatchID int

	targetBatchSize int

	// Rolling metrics, accumulated only from confirmed batches.
	confirmedBatches  int
	confirmedBytes    int64         // compressed payload bytes uploaded
	confirmedDuration time.Duration // total upload time
	confirmedRaw      int64
	confirmedComp     int64
	sumRawPerFrame    float64 // sum over confirmed batches of raw/len(frames)
}

// New creates a Ledger. totalFrames is the expected frame count (may be an
// estimate; zero means unknown). alreadySecured seeds the secured set from a
// prior run so the watcher can skip frames that are already durable.
func New(totalFrames int, alreadySecured []int) *Ledger {
	l := &Ledger{
		totalFrames: totalFrames,
		produced:    make(map[int]struct{}),
		secured:     make(map[int]struct{}),
		batches:     make(map[int]*Batch),
		nextBatchID: 1,
	}
	for _, f := range alreadySecured {
		// Seeded frames were baked in the prior run; counting them as
		// produced keeps secured a subset of produced.
		l.produced[f] = struct{}{}
		l.secured[f] = struct{}{}
	}
	return l
}

// RegisterProduced marks a frame as produced (at least one backing file
// observed on disk).
func (l *Ledger) RegisterProduced(frame int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.produced[frame] = struct{}{}
}

// IsSecured reports whether a frame is already durably uploaded.
func (l *Ledger) IsSecured(frame int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.secured[frame]
	return ok
}

// CreateBatch allocates a new batch covering the given frames and returns a
// copy of the record. Batch ids are strictly increasing.
func (l *Ledger) CreateBatch(frames []int) Batch {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := &Batch{
		ID:        l.nextBatchID,
		Frames:    append([]int(nil), frames...),
		State:     BatchPending,
		CreatedAt: time.Now(),
	}
	l.nextBatchID++
	l.batches[b.ID] = b
	return *b
}

// MarkCompressing moves a batch to the compressing state.
func (l *Ledger) MarkCompressing(id int) {
	l.setState(id, BatchCompressing)
}

// MarkUploading moves a batch to the uploading state.
func (l *Ledger) MarkUploading(id int) {
	l.setState(id, BatchUploading)
}

func (l *Ledger) setState(id int, s BatchState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.batches[id]
	if !ok || b.State == BatchConfirmed || b.State == BatchFailed {
		return
	}
	b.State = s
}

// RegisterCompressed records the measured sizes of a compressed batch.
func (l *Ledger) RegisterCompressed(id int, compressedSize, rawSize int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.batches[id]
	if !ok || b.State == BatchConfirmed || b.State == BatchFailed {
		return
	}
	b.CompressedSize = compressedSize
	b.RawSize = rawSize
	b.State = BatchCompressed
}

// RegisterSecured confirms a batch upload: the batch becomes terminal, its
// frames join the secured set, and the rolling speed/ratio metrics absorb
// its measurements. Calling it twice for the same id is a no-op, so
// re-uploading a batch to its deterministic key is safe.
func (l *Ledger) RegisterSecured(id int, key string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.batches[id]
	if !ok || b.State == BatchConfirmed || b.State == BatchFailed {
		return
	}

	b.State = BatchConfirmed
	b.Key = key
	b.UploadDuration = duration

	for _, f := range b.Frames {
		l.produced[f] = struct{}{}
		l.secured[f] = struct{}{}
	}

	l.confirmedBatches++
	l.confirmedBytes += b.CompressedSize
	l.confirmedDuration += duration
	l.confirmedRaw += b.RawSize
	l.confirmedComp += b.CompressedSize
	if n := len(b.Frames); n > 0 {
		l.sumRawPerFrame += float64(b.RawSize) / float64(n)
	}
}

// RegisterFailed marks a batch as terminally failed. Its frames stay
// unsecured and are reported in the final summary for external recovery.
func (l *Ledger) RegisterFailed(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.batches[id]
	if !ok || b.State == BatchConfirmed || b.State == BatchFailed {
		return
	}
	b.State = BatchFailed
}

// Batch returns a copy of the batch record for the given id.
func (l *Ledger) Batch(id int) (Batch, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.batches[id]
	if !ok {
		return Batch{}, false
	}
	out := *b
	out.Frames = append([]int(nil), b.Frames...)
	return out, true
}

// UploadSpeed returns the rolling upload speed in bytes per second, derived
// only from confirmed batches. Zero until the first confirmation.
func (l *Ledger) UploadSpeed() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uploadSpeedLocked()
}

func (l *Ledger) uploadSpeedLocked() float64 {
	if l.confirmedDuration <= 0 {
		return 0
	}
	return float64(l.confirmedBytes) / l.confirmedDuration.Seconds()
}

// CompressionRatio returns the rolling raw/compressed ratio, derived only
// from confirmed batches. Zero until the first confirmation.
func (l *Ledger) CompressionRatio() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.compressionRatioLocked()
}

func (l *Ledger) compressionRatioLocked() float64 {
	if l.confirmedComp <= 0 {
		return 0
	}
	return float64(l.confirmedRaw) / float64(l.confirmedComp)
}

// AvgRawBytesPerFrame returns the mean raw payload size per frame across
// confirmed batches. Zero until the first confirmation.
func (l *Ledger) AvgRawBytesPerFrame() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.confirmedBatches == 0 {
		return 0
	}
	return l.sumRawPerFrame / float64(l.confirmedBatches)
}

// SetTargetBatchSize records the compressor's current adaptive target so it
// shows up in status snapshots.
func (l *Ledger) SetTargetBatchSize(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.targetBatchSize = n
}

// TargetBatchSize returns the current adaptive batch-size target.
func (l *Ledger) TargetBatchSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.targetBatchSize
}

// SecuredFrames returns the secured set in ascending order.
func (l *Ledger) SecuredFrames() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, 0, len(l.secured))
	for f := range l.secured {
		out = append(out, f)
	}
	sort.Ints(out)
	return out
}

// FailedBatches returns copies of every terminally failed batch, ordered by
// id, for the final recovery report.
func (l *Ledger) FailedBatches() []Batch {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Batch
	for _, b := range l.batches {
		if b.State == BatchFailed {
			cp := *b
			cp.Frames = append([]int(nil), b.Frames...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns a point-in-time status view.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		TotalFrames:      l.totalFrames,
		ProducedFrames:   len(l.produced),
		SecuredFrames:    len(l.secured),
		ConfirmedBatches: l.confirmedBatches,
		UploadSpeedBps:   l.uploadSpeedLocked(),
		CompressionRatio: l.compressionRatioLocked(),
		TargetBatchSize:  l.targetBatchSize,
	}

	switch {
	case l.totalFrames > 0:
		snap.SecuredPercent = 100 * float64(len(l.secured)) / float64(l.totalFrames)
	case len(l.produced) > 0:
		snap.SecuredPercent = 100 * float64(len(l.secured)) / float64(len(l.produced))
	}
	if snap.SecuredPercent > 100 {
		snap.SecuredPercent = 100
	}

	for id, b := range l.batches {
		if b.State == BatchFailed {
			snap.FailedBatches = append(snap.FailedBatches, id)
		}
	}
	sort.Ints(snap.FailedBatches)

	return snap
}
