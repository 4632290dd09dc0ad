// Package s3 implements the storage.ObjectStore contract on Amazon S3 or
// any S3-compatible endpoint.
//
// This file contains the multipart upload operations.
package s3

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marmos91/cachestream/internal/logger"
)

// multipartSession tracks state for one multipart upload.
type multipartSession struct {
	uploadID       string
	completedParts []types.CompletedPart
	mu             sync.Mutex
}

// BeginMultipart initiates a multipart upload session and returns the
// upload id for subsequent part uploads.
func (s *Store) BeginMultipart(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	result, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}

	uploadID := *result.UploadId

	s.sessionsMu.Lock()
	s.sessions[uploadID] = &multipartSession{
		uploadID:       uploadID,
		completedParts: make([]types.CompletedPart, 0),
	}
	s.sessionsMu.Unlock()

	return uploadID, nil
}

// UploadPart uploads one part of a multipart upload, retrying transient
// errors with the store's backoff policy. Part numbers must be unique
// (1-10000).
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) error {
	var result *s3.UploadPartOutput
	var lastErr error

	for attempt := 0; attempt <= s.retry.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.calculateBackoff(attempt - 1)
			logger.Debug("UploadPart: retrying", "backoff", backoff, "attempt", attempt, "key", key, "part", partNumber)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, lastErr = s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(partNumber)),
			Body:       bytes.NewReader(data),
		})
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			break
		}
	}
	if lastErr != nil {
		return fmt.Errorf("failed to upload part %d: %w", partNumber, lastErr)
	}

	s.sessionsMu.Lock()
	session, ok := s.sessions[uploadID]
	s.sessionsMu.Unlock()

	if !ok {
		return fmt.Errorf("upload session %s not found", uploadID)
	}

	session.mu.Lock()
	session.completedParts = append(session.completedParts, types.CompletedPart{
		ETag:       result.ETag,
		PartNumber: aws.Int32(int32(partNumber)),
	})
	session.mu.Unlock()

	return nil
}

// CompleteMultipart assembles all uploaded parts into the final object.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sessionsMu.Lock()
	session, ok := s.sessions[uploadID]
	s.sessionsMu.Unlock()

	if !ok {
		return fmt.Errorf("upload session %s not found", uploadID)
	}

	session.mu.Lock()
	completedParts := make([]types.CompletedPart, len(session.completedParts))
	copy(completedParts, session.completedParts)
	session.mu.Unlock()

	sort.Slice(completedParts, func(i, j int) bool {
		return *completedParts[i].PartNumber < *completedParts[j].PartNumber
	})

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	s.sessionsMu.Lock()
	delete(s.sessions, uploadID)
	s.sessionsMu.Unlock()

	return nil
}

// AbortMultipart cancels an in-progress multipart upload. Idempotent.
func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		// Ignore NoSuchUpload error (idempotent behavior)
		var noSuchUpload *types.NoSuchUpload
		if !errors.As(err, &noSuchUpload) {
			return fmt.Errorf("failed to abort multipart upload: %w", err)
		}
	}

	s.sessionsMu.Lock()
	delete(s.sessions, uploadID)
	s.sessionsMu.Unlock()

	return nil
}
