package compressor

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainingSamples() [][]byte {
	base := bytes.Repeat([]byte("vertex 1.00 2.00 3.00 normal 0.0 1.0 0.0;"), 150)
	samples := make([][]byte, 20)
	for i := range samples {
		samples[i] = append([]byte(fmt.Sprintf("frame %04d\n", i)), base...)
	}
	return samples
}

func TestDictionary_TrainAndRoundTrip(t *testing.T) {
	dict := NewDictionary()
	assert.False(t, dict.Trained())
	assert.Nil(t, dict.Bytes())

	require.NoError(t, dict.Train(trainingSamples()))
	assert.True(t, dict.Trained())
	require.NotEmpty(t, dict.Bytes())

	// Data encoded with the dictionary must decode with it.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderDict(dict.Bytes()))
	require.NoError(t, err)
	plain := bytes.Repeat([]byte("vertex 4.00 5.00 6.00 normal 0.0 1.0 0.0;"), 100)
	compressed := enc.EncodeAll(plain, nil)
	require.NoError(t, enc.Close())

	dec, err := zstd.NewReader(nil, zstd.WithDecoderDicts(dict.Bytes()))
	require.NoError(t, err)
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, nil)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDictionary_TrainTwiceFails(t *testing.T) {
	dict := NewDictionary()
	require.NoError(t, dict.Train(trainingSamples()))

	err := dict.Train(trainingSamples())
	assert.Error(t, err)
}

func TestDictionary_SaveAndLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dict.zstd")

	dict := NewDictionary()

	// Saving an untrained dictionary is an error.
	assert.Error(t, dict.SaveFile(path))

	require.NoError(t, dict.Train(trainingSamples()))
	require.NoError(t, dict.SaveFile(path))

	loaded := NewDictionary()
	require.NoError(t, loaded.LoadFile(path))
	assert.True(t, loaded.Trained())
	assert.Equal(t, dict.Bytes(), loaded.Bytes())
}

func TestDictionary_LoadFileMissing(t *testing.T) {
	dict := NewDictionary()
	err := dict.LoadFile(filepath.Join(t.TempDir(), "nope.zstd"))
	assert.Error(t, err)
	assert.False(t, dict.Trained())
}

func TestDictionary_LoadBytesIgnoresEmpty(t *testing.T) {
	dict := NewDictionary()
	dict.LoadBytes(nil)
	assert.False(t, dict.Trained())

	dict.LoadBytes([]byte{1, 2, 3})
	assert.True(t, dict.Trained())
	assert.Equal(t, []byte{1, 2, 3}, dict.Bytes())
}
