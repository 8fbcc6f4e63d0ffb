package wal

import "github.com/ChuLiYu/button-agent/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the records of the watcher's decision log
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	// EventProcessed marks a terminal job as handled by the watcher
	EventProcessed EventType = "PROCESSED"
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64      `json:"seq"`                // Event sequence number (monotonically increasing)
	Type      EventType   `json:"type"`               // Event type
	JobID     types.JobID `json:"job_id"`             // Job the event refers to
	Decision  string      `json:"decision,omitempty"` // Decision type taken for the job
	Timestamp int64       `json:"timestamp"`          // Unix millisecond timestamp
	Checksum  uint32      `json:"checksum"`           // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to rebuild the processed-job marker set
type EventHandler func(event Event) error
