// This file implements the presigned-URL upload mode, used when the host
// has no storage credentials and receives short-lived per-object PUT URLs
// from the coordinating server instead.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/marmos91/cachestream/internal/logger"
	"github.com/marmos91/cachestream/pkg/frame"
)

// ErrAttemptsExhausted is returned when an upload keeps failing past the
// attempt budget. The caller may re-request a fresh URL for the object.
var ErrAttemptsExhausted = errors.New("upload attempts exhausted")

// presignedMaxAttempts is the per-object attempt budget. Backoff between
// attempts is 1s, 2s, 4s.
const presignedMaxAttempts = 3

// PresignedStats is a snapshot of the presigned client's counters.
type PresignedStats struct {
	BytesUploaded int64
	FilesUploaded int
	Errors        int
	LastError     string
}

// PresignedClient uploads files through presigned PUT URLs with bounded
// retry. Safe for concurrent use.
type PresignedClient struct {
	httpClient *http.Client

	mu            sync.Mutex
	bytesUploaded int64
	filesUploaded int
	errors        int
	lastError     string
}

// NewPresignedClient creates a presigned-URL upload client.
func NewPresignedClient() *PresignedClient {
	return &PresignedClient{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Upload PUTs the file at path to the given presigned URL. A non-2xx
// response and transport errors are treated identically: retry with
// exponential backoff until the attempt budget runs out, then fail with
// ErrAttemptsExhausted.
func (c *PresignedClient) Upload(ctx context.Context, path, url string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	contentType := frame.ContentType(path)

	var lastErr error
	for attempt := 1; attempt <= presignedMaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			logger.Warn("Presigned upload failed, retrying",
				"path", path,
				"attempt", attempt-1,
				"max_attempts", presignedMaxAttempts,
				"backoff", backoff,
				"error", lastErr)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = c.put(ctx, url, data, contentType)
		if lastErr == nil {
			c.mu.Lock()
			c.bytesUploaded += int64(len(data))
			c.filesUploaded++
			c.mu.Unlock()
			return nil
		}
	}

	c.mu.Lock()
	c.errors++
	c.lastError = lastErr.Error()
	c.mu.Unlock()

	logger.Error("Presigned upload abandoned",
		"path", path,
		"attempts", presignedMaxAttempts,
		"error", lastErr)

	return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, presignedMaxAttempts, lastErr)
}

func (c *PresignedClient) put(ctx context.Context, url string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("PUT returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// Stats returns a snapshot of the upload counters.
func (c *PresignedClient) Stats() PresignedStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PresignedStats{
		BytesUploaded: c.bytesUploaded,
		FilesUploaded: c.filesUploaded,
		Errors:        c.errors,
		LastError:     c.lastError,
	}
}
