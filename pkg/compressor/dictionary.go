// Package compressor turns the stream of individual cache files into
// size-bounded tar.zst batches and closes the adaptive batch-sizing loop.
//
// This file implements the shared zstd compression dictionary. Cache files
// from one simulation are small and highly self-similar, so a dictionary
// trained on the first few dozen files measurably improves the ratio. The
// dictionary is trained at most once per run, persisted locally, and
// uploaded to object storage at finalize for downstream decompression.
package compressor

import (
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// dictID tags dictionaries produced by this pipeline so decoders can match
// payloads to the right dictionary.
const dictID = 0xCAC4E

// Dictionary is a shared zstd dictionary with a trained/untrained state.
// It is written once (by the compressor's training step or by a resume
// preload) and only read thereafter.
type Dictionary struct {
	mu      sync.RWMutex
	data    []byte
	trained bool
}

// NewDictionary returns an untrained dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{}
}

// Train builds the dictionary from sample file contents. It errors if the
// dictionary is already trained or if zstd cannot derive tables from the
// samples (too few or too uniform).
func (d *Dictionary) Train(samples [][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.trained {
		return fmt.Errorf("dictionary already trained")
	}

	data, err := zstd.BuildDict(zstd.BuildDictOptions{
		ID:       dictID,
		Contents: samples,
		Level:    zstd.SpeedBetterCompression,
	})
	if err != nil {
		return fmt.Errorf("failed to build dictionary: %w", err)
	}

	d.data = data
	d.trained = true
	return nil
}

// LoadBytes seeds the dictionary from a previously trained blob (resume
// path). Empty input is ignored.
func (d *Dictionary) LoadBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = append([]byte(nil), data...)
	d.trained = true
}

// LoadFile seeds the dictionary from a local cache file.
func (d *Dictionary) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read dictionary file: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("dictionary file %s is empty", path)
	}
	d.LoadBytes(data)
	return nil
}

// SaveFile persists the trained dictionary to a local cache file.
func (d *Dictionary) SaveFile(path string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.trained {
		return fmt.Errorf("dictionary not trained")
	}
	if err := os.WriteFile(path, d.data, 0644); err != nil {
		return fmt.Errorf("failed to write dictionary file: %w", err)
	}
	return nil
}

// Trained reports whether the dictionary has been trained or preloaded.
func (d *Dictionary) Trained() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trained
}

// Bytes returns the dictionary blob, or nil when untrained.
func (d *Dictionary) Bytes() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.trained {
		return nil
	}
	return append([]byte(nil), d.data...)
}
