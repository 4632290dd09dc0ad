// This file implements batch serialization: pending cache files are packed
// into a tar archive with cache-root-relative names, then zstd-compressed
// (with the shared dictionary once trained).
package compressor

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/marmos91/cachestream/pkg/watcher"
)

// buildArchive packs the given files into an uncompressed tar archive.
// It returns the archive bytes and the total raw file size. Any read error
// fails the whole archive: a half-written batch object would be worse than
// a reported failure.
func buildArchive(entries []watcher.Entry) ([]byte, int64, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	var rawSize int64
	now := time.Now()

	for _, e := range entries {
		data, err := os.ReadFile(e.Path)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read %s: %w", e.RelPath, err)
		}

		hdr := &tar.Header{
			Name:    e.RelPath,
			Mode:    0644,
			Size:    int64(len(data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, 0, fmt.Errorf("failed to write tar header for %s: %w", e.RelPath, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, 0, fmt.Errorf("failed to write tar entry for %s: %w", e.RelPath, err)
		}

		rawSize += int64(len(data))
	}

	if err := tw.Close(); err != nil {
		return nil, 0, fmt.Errorf("failed to finalize tar archive: %w", err)
	}

	return buf.Bytes(), rawSize, nil
}

// readFileCapped reads at most limit bytes from a file.
func readFileCapped(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}

// newEncoder builds the zstd encoder, loading the dictionary when trained.
func newEncoder(dict *Dictionary) (*zstd.Encoder, error) {
	opts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	}
	if d := dict.Bytes(); d != nil {
		opts = append(opts, zstd.WithEncoderDict(d))
	}

	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return enc, nil
}
