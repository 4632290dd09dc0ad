// Package storage defines the object-storage contract the batch uploader
// depends on.
//
// Keys are opaque strings. Implementations must support whole-object puts
// with metadata for small payloads and a begin/part/complete/abort multipart
// protocol for large ones.
package storage

import "context"

// ObjectStore is a key-addressed PUT interface backed by S3-compatible
// storage (or an in-memory double in tests).
type ObjectStore interface {
	// Put writes a whole object in one request. metadata and contentType
	// may be empty.
	Put(ctx context.Context, key string, data []byte, metadata map[string]string, contentType string) error

	// BeginMultipart starts a multipart upload session and returns its
	// upload id.
	BeginMultipart(ctx context.Context, key string) (string, error)

	// UploadPart uploads one part. Part numbers start at 1 and must be
	// unique within a session.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) error

	// CompleteMultipart assembles all uploaded parts into the final object.
	CompleteMultipart(ctx context.Context, key, uploadID string) error

	// AbortMultipart cancels an in-progress session. It is idempotent.
	AbortMultipart(ctx context.Context, key, uploadID string) error
}
