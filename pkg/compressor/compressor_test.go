package compressor

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/cachestream/pkg/ledger"
	"github.com/marmos91/cachestream/pkg/watcher"
)

func testEntry(t *testing.T, dir string, frame int, data []byte) watcher.Entry {
	t.Helper()
	name := fmt.Sprintf("cloth_%04d_25.bphys", frame)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return watcher.Entry{Path: path, RelPath: name, Frame: frame, HasFrame: true}
}

// extractArchive decompresses a batch payload and returns its files keyed
// by archive name. dict may be nil.
func extractArchive(t *testing.T, payload []byte, dict []byte) map[string][]byte {
	t.Helper()

	var opts []zstd.DOption
	if dict != nil {
		opts = append(opts, zstd.WithDecoderDicts(dict))
	}
	dec, err := zstd.NewReader(nil, opts...)
	require.NoError(t, err)
	defer dec.Close()

	raw, err := dec.DecodeAll(payload, nil)
	require.NoError(t, err)

	files := make(map[string][]byte)
	tr := tar.NewReader(bytes.NewReader(raw))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = data
	}
	return files
}

func receivePayload(t *testing.T, queue <-chan Payload, timeout time.Duration) Payload {
	t.Helper()
	select {
	case p := <-queue:
		return p
	case <-time.After(timeout):
		t.Fatal("timed out waiting for batch payload")
		return Payload{}
	}
}

func TestCompressor_EmitsBatchWhenTargetReached(t *testing.T) {
	dir := t.TempDir()
	fileQueue := make(chan watcher.Entry, 16)
	batchQueue := make(chan Payload, 4)
	l := ledger.New(0, nil)

	cfg := DefaultConfig()
	cfg.DefaultBatchSize = 3
	cfg.PollInterval = 20 * time.Millisecond

	c := New(fileQueue, batchQueue, l, NewDictionary(), nil, cfg)
	c.Start()
	defer c.Stop()

	for i := 1; i <= 3; i++ {
		fileQueue <- testEntry(t, dir, i, []byte(fmt.Sprintf("frame data %d", i)))
	}

	p := receivePayload(t, batchQueue, 5*time.Second)
	assert.Equal(t, 1, p.BatchID)
	assert.Equal(t, []int{1, 2, 3}, p.Frames)

	files := extractArchive(t, p.Data, nil)
	require.Len(t, files, 3)
	assert.Equal(t, []byte("frame data 2"), files["cloth_0002_25.bphys"])

	b, ok := l.Batch(1)
	require.True(t, ok)
	assert.Equal(t, ledger.BatchCompressed, b.State)
	assert.Greater(t, b.CompressedSize, int64(0))
}

func TestCompressor_FlushCompressesPartialBatch(t *testing.T) {
	dir := t.TempDir()
	fileQueue := make(chan watcher.Entry, 16)
	batchQueue := make(chan Payload, 4)
	l := ledger.New(0, nil)

	cfg := DefaultConfig()
	cfg.DefaultBatchSize = 100 // never reached

	c := New(fileQueue, batchQueue, l, NewDictionary(), nil, cfg)
	c.Start()
	defer c.Stop()

	fileQueue <- testEntry(t, dir, 7, []byte("lonely frame"))
	fileQueue <- testEntry(t, dir, 8, []byte("second frame"))

	// Let the worker absorb the entries before flushing.
	time.Sleep(100 * time.Millisecond)
	c.Flush()

	p := receivePayload(t, batchQueue, 5*time.Second)
	assert.Equal(t, []int{7, 8}, p.Frames)

	// A second flush with nothing pending produces nothing.
	c.Flush()
	select {
	case extra := <-batchQueue:
		t.Fatalf("unexpected payload from empty flush: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCompressor_StopCompressesPending(t *testing.T) {
	dir := t.TempDir()
	fileQueue := make(chan watcher.Entry, 16)
	batchQueue := make(chan Payload, 4)

	cfg := DefaultConfig()
	cfg.DefaultBatchSize = 100

	c := New(fileQueue, batchQueue, ledger.New(0, nil), NewDictionary(), nil, cfg)
	c.Start()

	fileQueue <- testEntry(t, dir, 1, []byte("pending at stop"))
	time.Sleep(100 * time.Millisecond)
	c.Stop()

	p := receivePayload(t, batchQueue, time.Second)
	assert.Equal(t, []int{1}, p.Frames)
}

func TestCompressor_ShutdownWaitsForUploadSlot(t *testing.T) {
	dir := t.TempDir()
	fileQueue := make(chan watcher.Entry, 16)
	batchQueue := make(chan Payload, 1)
	l := ledger.New(0, nil)

	cfg := DefaultConfig()
	cfg.DefaultBatchSize = 100

	c := New(fileQueue, batchQueue, l, NewDictionary(), nil, cfg)
	c.Start()

	// First batch fills the only queue slot.
	fileQueue <- testEntry(t, dir, 1, []byte("first batch"))
	time.Sleep(100 * time.Millisecond)
	c.Flush()

	// Second batch is compressed during Stop while the queue is full. A
	// consumer still drains the queue, like the uploader during shutdown.
	fileQueue <- testEntry(t, dir, 2, []byte("second batch"))
	got := make(chan Payload, 2)
	go func() {
		time.Sleep(150 * time.Millisecond)
		got <- <-batchQueue
		got <- <-batchQueue
	}()
	c.Stop()

	first := <-got
	second := <-got
	assert.Equal(t, []int{1}, first.Frames)
	assert.Equal(t, []int{2}, second.Frames)
	assert.Empty(t, l.FailedBatches())
}

func TestCompressor_ShutdownDropMarksBatchFailed(t *testing.T) {
	dir := t.TempDir()
	fileQueue := make(chan watcher.Entry, 16)
	batchQueue := make(chan Payload, 1)
	l := ledger.New(0, nil)

	cfg := DefaultConfig()
	cfg.DefaultBatchSize = 100
	cfg.ShutdownGrace = 100 * time.Millisecond

	c := New(fileQueue, batchQueue, l, NewDictionary(), nil, cfg)
	c.Start()

	fileQueue <- testEntry(t, dir, 1, []byte("first batch"))
	time.Sleep(100 * time.Millisecond)
	c.Flush()

	// Nothing drains the queue, so the batch compressed during Stop must
	// show up in the recovery report once the grace period runs out.
	fileQueue <- testEntry(t, dir, 2, []byte("second batch"))
	c.Stop()

	failed := l.FailedBatches()
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].ID)
	assert.Equal(t, []int{2}, failed[0].Frames)

	b, ok := l.Batch(2)
	require.True(t, ok)
	assert.Equal(t, ledger.BatchFailed, b.State)
}

func TestCompressor_FailedBatchDoesNotBlockFollowing(t *testing.T) {
	dir := t.TempDir()
	fileQueue := make(chan watcher.Entry, 16)
	batchQueue := make(chan Payload, 4)
	l := ledger.New(0, nil)

	cfg := DefaultConfig()
	cfg.DefaultBatchSize = 100

	c := New(fileQueue, batchQueue, l, NewDictionary(), nil, cfg)
	c.Start()
	defer c.Stop()

	// First batch references a file that no longer exists.
	fileQueue <- watcher.Entry{
		Path:     filepath.Join(dir, "gone_0001_25.bphys"),
		RelPath:  "gone_0001_25.bphys",
		Frame:    1,
		HasFrame: true,
	}
	time.Sleep(100 * time.Millisecond)
	c.Flush()

	failed := l.FailedBatches()
	require.Len(t, failed, 1)
	assert.Equal(t, []int{1}, failed[0].Frames)

	// The next batch goes through untouched.
	fileQueue <- testEntry(t, dir, 2, []byte("healthy frame"))
	time.Sleep(100 * time.Millisecond)
	c.Flush()

	p := receivePayload(t, batchQueue, 5*time.Second)
	assert.Equal(t, 2, p.BatchID)
	assert.Equal(t, []int{2}, p.Frames)
}

func TestCompressor_TrainsDictionaryFromSamples(t *testing.T) {
	dir := t.TempDir()
	fileQueue := make(chan watcher.Entry, 64)
	batchQueue := make(chan Payload, 4)
	l := ledger.New(0, nil)
	dict := NewDictionary()

	cfg := DefaultConfig()
	cfg.DefaultBatchSize = 16
	cfg.DictMinSamples = 8
	cfg.DictPath = filepath.Join(dir, "dict.zstd")

	c := New(fileQueue, batchQueue, l, dict, nil, cfg)
	c.Start()
	defer c.Stop()

	// Self-similar contents, like consecutive simulation frames.
	base := bytes.Repeat([]byte("point x=1.0 y=2.0 z=3.0 velocity=0.5;"), 200)
	for i := 1; i <= 16; i++ {
		data := append([]byte(fmt.Sprintf("header frame=%04d\n", i)), base...)
		fileQueue <- testEntry(t, dir, i, data)
	}

	p := receivePayload(t, batchQueue, 10*time.Second)
	assert.True(t, dict.Trained())
	assert.Len(t, p.Frames, 16)

	// The payload decodes with the trained dictionary available.
	files := extractArchive(t, p.Data, dict.Bytes())
	assert.Len(t, files, 16)

	// Training persisted the dictionary locally.
	saved, err := os.ReadFile(cfg.DictPath)
	require.NoError(t, err)
	assert.Equal(t, dict.Bytes(), saved)
}

func TestCompressor_PretrainedDictionarySkipsTraining(t *testing.T) {
	dir := t.TempDir()
	fileQueue := make(chan watcher.Entry, 16)
	batchQueue := make(chan Payload, 4)

	dict := NewDictionary()
	dict.LoadBytes([]byte("not a real dictionary, just preloaded state"))

	cfg := DefaultConfig()
	cfg.DictMinSamples = 1

	c := New(fileQueue, batchQueue, ledger.New(0, nil), dict, nil, cfg)

	// With a preloaded dictionary no samples are retained.
	c.addEntry(testEntry(t, dir, 1, []byte("frame")))
	assert.Empty(t, c.samples)
	assert.True(t, c.trainDone)
}

func TestCompressor_AdaptiveTargetFromConfirmedBatches(t *testing.T) {
	fileQueue := make(chan watcher.Entry, 16)
	batchQueue := make(chan Payload, 4)
	l := ledger.New(0, nil)

	cfg := DefaultConfig()
	cfg.DefaultBatchSize = 25
	cfg.MinBatchSize = 5
	cfg.MaxBatchSize = 200
	cfg.TargetUploadTime = 30 * time.Second

	c := New(fileQueue, batchQueue, l, NewDictionary(), nil, cfg)

	// No confirmed batches yet: target stays at the default.
	c.updateBatchSize()
	assert.Equal(t, 25, c.target)

	// One confirmed batch: 2 frames, 4000 raw bytes compressed to 1000,
	// uploaded in 1s. Speed 1000 B/s, ratio 4, 2000 raw bytes per frame,
	// so 500 compressed bytes per frame and a 60-frame optimum.
	b := l.CreateBatch([]int{1, 2})
	l.RegisterCompressed(b.ID, 1000, 4000)
	l.RegisterSecured(b.ID, "batch_0001.tar.zst", time.Second)

	c.updateBatchSize()
	assert.Equal(t, 60, c.target)
	assert.Equal(t, 60, l.TargetBatchSize())

	// A very fast confirmation pushes the optimum past the upper bound.
	b2 := l.CreateBatch([]int{3, 4})
	l.RegisterCompressed(b2.ID, 1000, 4000)
	l.RegisterSecured(b2.ID, "batch_0002.tar.zst", time.Millisecond)

	c.updateBatchSize()
	assert.Equal(t, cfg.MaxBatchSize, c.target)
}
