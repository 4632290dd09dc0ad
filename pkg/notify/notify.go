// Package notify defines the outbound message channel the pipeline reports
// through.
//
// The transport (WebSocket, local socket, test buffer) is an external
// collaborator; the pipeline only needs Send and IsConnected. Delivery is
// fire-and-forget: a send failure is logged by the caller and never affects
// batch state.
package notify

import "sync"

// Message kinds understood by the receiving side.
const (
	KindProgressUpdate  = "PROGRESS_UPDATE"
	KindProgressSecured = "PROGRESS_SECURED"
)

// Channel is the outbound message transport contract.
type Channel interface {
	// Send delivers one message. Implementations should not block
	// indefinitely; the pipeline treats errors as non-fatal.
	Send(msg any) error

	// IsConnected reports whether the transport currently has a live
	// connection. The pipeline skips periodic updates while disconnected.
	IsConnected() bool
}

// ProgressUpdate is the periodic telemetry message.
type ProgressUpdate struct {
	Type             string  `json:"type"`
	SecuredPercent   float64 `json:"securedPercent"`
	ProducedFrames   int     `json:"producedFrames"`
	SecuredFrames    int     `json:"securedFrames"`
	TotalFrames      int     `json:"totalFrames"`
	FailedBatches    []int   `json:"failedBatches,omitempty"`
	UploadSpeedBps   float64 `json:"uploadSpeedBps"`
	CurrentBatchSize int     `json:"currentBatchSize"`
}

// ProgressSecured is the per-batch confirmation message.
type ProgressSecured struct {
	Type           string  `json:"type"`
	BatchID        int     `json:"batchId"`
	Key            string  `json:"key"`
	Frames         []int   `json:"frames"`
	UploadSpeedBps float64 `json:"uploadSpeedBps"`
	Timestamp      int64   `json:"timestamp"`
}

// NopChannel discards every message. Used when no reporting transport is
// configured.
type NopChannel struct{}

func (NopChannel) Send(any) error    { return nil }
func (NopChannel) IsConnected() bool { return false }

// MemoryChannel buffers messages in memory for tests.
type MemoryChannel struct {
	mu        sync.Mutex
	messages  []any
	connected bool

	// SendErr, when set, is returned by every Send.
	SendErr error
}

// NewMemoryChannel creates a connected in-memory channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{connected: true}
}

func (c *MemoryChannel) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *MemoryChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnected toggles the reported connection state.
func (c *MemoryChannel) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// Messages returns a copy of everything sent so far.
func (c *MemoryChannel) Messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.messages...)
}
