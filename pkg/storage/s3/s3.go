// Package s3 implements the storage.ObjectStore contract on Amazon S3 or
// any S3-compatible endpoint (R2, Storj, MinIO).
//
// This file contains the store type, configuration, constructor, and the
// whole-object put path with retry.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marmos91/cachestream/internal/logger"
)

// Store implements storage.ObjectStore using an S3 client.
//
// Thread Safety:
// Safe for concurrent use. Multipart session state is guarded by a mutex;
// the underlying SDK client is itself concurrency-safe.
type Store struct {
	client *s3.Client
	bucket string

	// Multipart upload state (per-instance)
	sessions   map[string]*multipartSession
	sessionsMu sync.Mutex

	retry retryConfig
}

// retryConfig holds retry settings for transient S3 errors.
type retryConfig struct {
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

// Config contains configuration for the S3 store.
type Config struct {
	// Client is the configured S3 client.
	Client *s3.Client

	// Bucket is the S3 bucket name.
	Bucket string

	// MaxRetries is the number of retry attempts for transient errors
	// (default: 3). Retries apply to Put and UploadPart; multipart
	// control calls fail fast so the caller can abort the session.
	MaxRetries int

	// InitialBackoff is the delay before the first retry (default: 100ms).
	// Subsequent retries back off exponentially up to MaxBackoff.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff between retries (default: 2s).
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential backoff factor (default: 2.0).
	BackoffMultiplier float64
}

// NewClient creates an S3 client from endpoint parameters. This is a helper
// for building clients from YAML configuration; endpoint may be empty for
// AWS proper, and forcePathStyle is required by most S3-compatible vendors.
func NewClient(
	ctx context.Context,
	endpoint,
	region,
	accessKeyID,
	secretAccessKey string,
	forcePathStyle bool,
) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"", // session token (empty for static credentials)
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})

	return client, nil
}

// New creates an S3-backed object store. The bucket must already exist;
// access is verified with a HeadBucket call.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = 100 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 2 * time.Second
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier == 0 {
		multiplier = 2.0
	}

	return &Store{
		client:   cfg.Client,
		bucket:   cfg.Bucket,
		sessions: make(map[string]*multipartSession),
		retry: retryConfig{
			maxRetries:        maxRetries,
			initialBackoff:    initialBackoff,
			maxBackoff:        maxBackoff,
			backoffMultiplier: multiplier,
		},
	}, nil
}

// Put writes a whole object in one PutObject request, retrying transient
// errors with exponential backoff.
func (s *Store) Put(ctx context.Context, key string, data []byte, metadata map[string]string, contentType string) error {
	var lastErr error

	for attempt := 0; attempt <= s.retry.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.calculateBackoff(attempt - 1)
			logger.Debug("Put: retrying", "backoff", backoff, "attempt", attempt, "max_retries", s.retry.maxRetries, "key", key)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		input := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		}
		if len(metadata) > 0 {
			input.Metadata = metadata
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}

		_, lastErr = s.client.PutObject(ctx, input)
		if lastErr == nil {
			return nil
		}

		if !isRetryableError(lastErr) {
			return fmt.Errorf("failed to put object after %d attempts: %w", attempt+1, lastErr)
		}

		logger.Debug("Put: transient error", "attempt", attempt+1, "key", key, "error", lastErr)
	}

	return fmt.Errorf("failed to put object after %d attempts: %w", s.retry.maxRetries+1, lastErr)
}

// calculateBackoff returns the backoff duration for a given attempt using
// the store's retry config.
func (s *Store) calculateBackoff(attempt int) time.Duration {
	backoff := float64(s.retry.initialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= s.retry.backoffMultiplier
	}
	if backoff > float64(s.retry.maxBackoff) {
		backoff = float64(s.retry.maxBackoff)
	}
	return time.Duration(backoff)
}
