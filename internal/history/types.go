package history

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrClosed = errors.New("history store closed")

// Status of one execution attempt record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

// Terminal reports whether no further transitions happen for this record.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Execution is one attempt record. Retries of the same firing share a
// LineageID and count attempts upward; every attempt gets its own record.
type Execution struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	TaskName  string `json:"task_name,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Category  string `json:"category,omitempty"`
	LineageID string `json:"lineage_id,omitempty"`

	// Origin records what fired the task: "schedule", "event", "manual",
	// "queue" or "decision".
	Origin string `json:"origin,omitempty"`

	Attempt     int        `json:"attempt"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result is the raw agent result (JSON); OutputData is the full output
	// envelope persisted before downstream delivery.
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	OutputData json.RawMessage `json:"output_data,omitempty"`
}

// Duration returns the observed runtime, zero while still running.
func (e Execution) Duration() time.Duration {
	if e.CompletedAt == nil || e.StartedAt.IsZero() {
		return 0
	}
	d := e.CompletedAt.Sub(e.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Config configures the history store.
//
// Driver values:
//   - "" or "memory": in-process ring (lost on restart)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// MemoryLimit caps records kept by the memory and file drivers
	// (default 1000).
	MemoryLimit int
}
