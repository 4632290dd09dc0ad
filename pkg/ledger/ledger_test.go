package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecuredSubsetOfProduced(t *testing.T) {
	l := New(10, nil)

	l.RegisterProduced(1)
	l.RegisterProduced(2)
	l.RegisterProduced(3)

	b := l.CreateBatch([]int{1, 2})
	l.RegisterCompressed(b.ID, 100, 300)
	l.RegisterSecured(b.ID, "batch_0001.tar.zst", time.Second)

	snap := l.Snapshot()
	assert.Equal(t, 3, snap.ProducedFrames)
	assert.Equal(t, 2, snap.SecuredFrames)

	for _, f := range l.SecuredFrames() {
		producedBefore := false
		for _, p := range []int{1, 2, 3} {
			if f == p {
				producedBefore = true
			}
		}
		assert.True(t, producedBefore, "secured frame %d was never produced", f)
	}
}

func TestBatchIDsStrictlyIncreasing(t *testing.T) {
	l := New(0, nil)
	prev := 0
	for i := 0; i < 5; i++ {
		b := l.CreateBatch([]int{i})
		require.Greater(t, b.ID, prev)
		prev = b.ID
	}
}

func TestRegisterSecuredIdempotent(t *testing.T) {
	l := New(0, nil)
	b := l.CreateBatch([]int{5, 6})
	l.RegisterCompressed(b.ID, 50, 200)

	l.RegisterSecured(b.ID, "k", 2*time.Second)
	l.RegisterSecured(b.ID, "k", 2*time.Second)

	snap := l.Snapshot()
	assert.Equal(t, 1, snap.ConfirmedBatches)
	assert.Equal(t, 2, snap.SecuredFrames)
	// Metrics must not double-count the second call.
	assert.InDelta(t, 25.0, l.UploadSpeed(), 0.001)
	assert.InDelta(t, 4.0, l.CompressionRatio(), 0.001)
}

func TestFailedBatchIsTerminal(t *testing.T) {
	l := New(0, nil)
	b := l.CreateBatch([]int{7})
	l.RegisterFailed(b.ID)

	// A late confirmation must not resurrect a failed batch.
	l.RegisterSecured(b.ID, "k", time.Second)

	got, ok := l.Batch(b.ID)
	require.True(t, ok)
	assert.Equal(t, BatchFailed, got.State)
	assert.Empty(t, l.SecuredFrames())

	failed := l.FailedBatches()
	require.Len(t, failed, 1)
	assert.Equal(t, b.ID, failed[0].ID)
	assert.Equal(t, []int{7}, failed[0].Frames)
}

func TestRollingMetricsOnlyFromConfirmed(t *testing.T) {
	l := New(0, nil)

	// An in-flight batch and a failed batch must not move the metrics.
	inflight := l.CreateBatch([]int{1})
	l.RegisterCompressed(inflight.ID, 10, 100)

	failed := l.CreateBatch([]int{2})
	l.RegisterCompressed(failed.ID, 10, 100)
	l.RegisterFailed(failed.ID)

	assert.Zero(t, l.UploadSpeed())
	assert.Zero(t, l.CompressionRatio())
	assert.Zero(t, l.AvgRawBytesPerFrame())

	confirmed := l.CreateBatch([]int{3, 4})
	l.RegisterCompressed(confirmed.ID, 400, 800)
	l.RegisterSecured(confirmed.ID, "k", 4*time.Second)

	assert.InDelta(t, 100.0, l.UploadSpeed(), 0.001)        // 400B / 4s
	assert.InDelta(t, 2.0, l.CompressionRatio(), 0.001)     // 800 / 400
	assert.InDelta(t, 400.0, l.AvgRawBytesPerFrame(), 0.001) // 800 / 2 frames
}

func TestOutOfOrderConfirmation(t *testing.T) {
	l := New(0, nil)
	a := l.CreateBatch([]int{1})
	b := l.CreateBatch([]int{2})

	l.RegisterCompressed(a.ID, 10, 20)
	l.RegisterCompressed(b.ID, 10, 20)

	// b confirms before a; accounting keys by id, so both land.
	l.RegisterSecured(b.ID, "kb", time.Second)
	l.RegisterSecured(a.ID, "ka", time.Second)

	assert.Equal(t, []int{1, 2}, l.SecuredFrames())
}

func TestSeededSecuredSet(t *testing.T) {
	l := New(100, []int{10, 11})

	assert.True(t, l.IsSecured(10))
	assert.False(t, l.IsSecured(12))

	snap := l.Snapshot()
	assert.Equal(t, 2, snap.SecuredFrames)
	// Seeded frames count as produced so secured stays a subset.
	assert.Equal(t, 2, snap.ProducedFrames)
	assert.InDelta(t, 2.0, snap.SecuredPercent, 0.001)
}

func TestSnapshotPercentWithoutTotal(t *testing.T) {
	l := New(0, nil)
	l.RegisterProduced(1)
	l.RegisterProduced(2)

	b := l.CreateBatch([]int{1})
	l.RegisterCompressed(b.ID, 1, 1)
	l.RegisterSecured(b.ID, "k", time.Second)

	snap := l.Snapshot()
	assert.InDelta(t, 50.0, snap.SecuredPercent, 0.001)
}

func TestConcurrentAccess(t *testing.T) {
	l := New(0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				f := base*100 + j
				l.RegisterProduced(f)
				b := l.CreateBatch([]int{f})
				l.RegisterCompressed(b.ID, 10, 20)
				l.RegisterSecured(b.ID, "k", time.Millisecond)
				l.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	snap := l.Snapshot()
	assert.Equal(t, 800, snap.SecuredFrames)
	assert.Equal(t, 800, snap.ConfirmedBatches)
}
