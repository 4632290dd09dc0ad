package uploader

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/cachestream/pkg/compressor"
	"github.com/marmos91/cachestream/pkg/ledger"
	"github.com/marmos91/cachestream/pkg/notify"
	"github.com/marmos91/cachestream/pkg/storage/memory"
)

func testUploader(store *memory.Store, l *ledger.Ledger, ch notify.Channel, cfg Config) (*Uploader, chan compressor.Payload) {
	queue := make(chan compressor.Payload, 8)
	u := New(queue, store, l, ch, nil, cfg)
	return u, queue
}

// waitSecured polls until the batch reaches a terminal state.
func waitSecured(t *testing.T, l *ledger.Ledger, id int, timeout time.Duration) ledger.Batch {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b, ok := l.Batch(id); ok &&
			(b.State == ledger.BatchConfirmed || b.State == ledger.BatchFailed) {
			return b
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batch %d never reached a terminal state", id)
	return ledger.Batch{}
}

// expireOnPartStore cancels the upload context on the first part, like an
// upload deadline passing mid-transfer.
type expireOnPartStore struct {
	*memory.Store
	cancel context.CancelFunc
}

func (s *expireOnPartStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) error {
	s.cancel()
	return s.Store.UploadPart(ctx, key, uploadID, partNumber, data)
}

func TestUploader_AbortSurvivesExpiredUploadContext(t *testing.T) {
	inner := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &expireOnPartStore{Store: inner, cancel: cancel}

	u := New(make(chan compressor.Payload), store, ledger.New(0, nil), nil, nil, Config{
		MultipartThreshold: 10,
		PartSize:           8,
	})

	err := u.multipartUpload(ctx, "batch_0001.tar.zst", bytes.Repeat([]byte("x"), 20))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The session must not be left open even though the upload context is
	// dead by the time the abort runs.
	assert.Equal(t, 0, inner.OpenSessions())
	assert.Len(t, inner.Aborted(), 1)
}

func TestUploader_DirectPut(t *testing.T) {
	store := memory.New()
	l := ledger.New(0, nil)
	ch := notify.NewMemoryChannel()
	u, queue := testUploader(store, l, ch, Config{KeyPrefix: "jobs/sim-42/"})

	u.Start()
	defer u.Stop()

	b := l.CreateBatch([]int{10, 11, 12})
	l.RegisterCompressed(b.ID, 100, 400)
	queue <- compressor.Payload{BatchID: b.ID, Data: []byte("compressed batch"), Frames: []int{10, 11, 12}}

	final := waitSecured(t, l, b.ID, 2*time.Second)
	assert.Equal(t, ledger.BatchConfirmed, final.State)
	assert.Equal(t, "jobs/sim-42/batch_0001.tar.zst", final.Key)

	obj, ok := store.Object("jobs/sim-42/batch_0001.tar.zst")
	require.True(t, ok)
	assert.Equal(t, []byte("compressed batch"), obj.Data)
	assert.Equal(t, "1", obj.Metadata["batch_id"])
	assert.Equal(t, "10,11,12", obj.Metadata["frames"])
	assert.Equal(t, "3", obj.Metadata["frame_count"])
	assert.Equal(t, "application/octet-stream", obj.ContentType)

	assert.Equal(t, []int{10, 11, 12}, l.SecuredFrames())

	// A PROGRESS_SECURED message went out.
	msgs := ch.Messages()
	require.Len(t, msgs, 1)
	secured, ok := msgs[0].(notify.ProgressSecured)
	require.True(t, ok)
	assert.Equal(t, notify.KindProgressSecured, secured.Type)
	assert.Equal(t, b.ID, secured.BatchID)
}

func TestUploader_MultipartAboveThreshold(t *testing.T) {
	store := memory.New()
	l := ledger.New(0, nil)
	u, queue := testUploader(store, l, nil, Config{
		MultipartThreshold: 100,
		PartSize:           64,
	})

	u.Start()
	defer u.Stop()

	data := bytes.Repeat([]byte("x"), 150) // two parts: 64 + 64 + 22
	b := l.CreateBatch([]int{1})
	queue <- compressor.Payload{BatchID: b.ID, Data: data, Frames: []int{1}}

	final := waitSecured(t, l, b.ID, 2*time.Second)
	assert.Equal(t, ledger.BatchConfirmed, final.State)

	obj, ok := store.Object("batch_0001.tar.zst")
	require.True(t, ok)
	assert.Equal(t, data, obj.Data)
	assert.Equal(t, 0, store.OpenSessions())
}

func TestUploader_MultipartPartFailureAborts(t *testing.T) {
	store := memory.New()
	store.FailPart = 2
	l := ledger.New(0, nil)
	u, queue := testUploader(store, l, nil, Config{
		MultipartThreshold: 100,
		PartSize:           64,
	})

	u.Start()
	defer u.Stop()

	b := l.CreateBatch([]int{5})
	queue <- compressor.Payload{
		BatchID: b.ID,
		Data:    bytes.Repeat([]byte("y"), 200),
		Frames:  []int{5},
	}

	final := waitSecured(t, l, b.ID, 2*time.Second)
	assert.Equal(t, ledger.BatchFailed, final.State)

	// The session was aborted and nothing was left behind.
	assert.Equal(t, []string{"batch_0001.tar.zst"}, store.Aborted())
	assert.Equal(t, 0, store.OpenSessions())
	_, ok := store.Object("batch_0001.tar.zst")
	assert.False(t, ok)
	assert.Empty(t, l.SecuredFrames())
}

func TestUploader_PutFailureMarksBatchFailed(t *testing.T) {
	store := memory.New()
	store.PutErr = errors.New("bucket unavailable")
	l := ledger.New(0, nil)
	u, queue := testUploader(store, l, nil, Config{})

	u.Start()
	defer u.Stop()

	b := l.CreateBatch([]int{7, 8})
	queue <- compressor.Payload{BatchID: b.ID, Data: []byte("doomed"), Frames: []int{7, 8}}

	final := waitSecured(t, l, b.ID, 2*time.Second)
	assert.Equal(t, ledger.BatchFailed, final.State)

	failed := l.FailedBatches()
	require.Len(t, failed, 1)
	assert.Equal(t, []int{7, 8}, failed[0].Frames)
}

func TestUploader_StopDrainsQueue(t *testing.T) {
	store := memory.New()
	l := ledger.New(0, nil)
	u, queue := testUploader(store, l, nil, Config{})

	u.Start()

	for i := 1; i <= 3; i++ {
		b := l.CreateBatch([]int{i})
		queue <- compressor.Payload{BatchID: b.ID, Data: []byte("batch"), Frames: []int{i}}
	}
	u.Stop()

	// All three batches were uploaded before Stop returned.
	assert.Len(t, store.Keys(), 3)
	assert.Equal(t, []int{1, 2, 3}, l.SecuredFrames())
	assert.True(t, u.Idle())
}

func TestUploader_DeterministicKeys(t *testing.T) {
	u, _ := testUploader(memory.New(), ledger.New(0, nil), nil, Config{KeyPrefix: "run/"})

	assert.Equal(t, "run/batch_0007.tar.zst", u.Key(7))
	assert.Equal(t, "run/batch_1234.tar.zst", u.Key(1234))
	assert.Equal(t, "run/dictionary.zstd", u.DictionaryKey())
}

func TestUploader_UploadDictionary(t *testing.T) {
	store := memory.New()
	u, _ := testUploader(store, ledger.New(0, nil), nil, Config{KeyPrefix: "run/"})

	require.NoError(t, u.UploadDictionary(context.Background(), []byte("dict bytes")))

	obj, ok := store.Object("run/dictionary.zstd")
	require.True(t, ok)
	assert.Equal(t, []byte("dict bytes"), obj.Data)
}

func TestUploader_NotifyFailureDoesNotUnsecure(t *testing.T) {
	store := memory.New()
	l := ledger.New(0, nil)
	ch := notify.NewMemoryChannel()
	ch.SendErr = errors.New("socket closed")
	u, queue := testUploader(store, l, ch, Config{})

	u.Start()
	defer u.Stop()

	b := l.CreateBatch([]int{3})
	queue <- compressor.Payload{BatchID: b.ID, Data: []byte("batch"), Frames: []int{3}}

	final := waitSecured(t, l, b.ID, 2*time.Second)
	assert.Equal(t, ledger.BatchConfirmed, final.State)
	assert.Equal(t, []int{3}, l.SecuredFrames())
}
