package engine

import (
	"encoding/json"
	"sync"
	"time"

	"taskpilot/internal/history"
	"taskpilot/internal/taskdef"
)

// ConcurrencyPolicy selects how concurrent firings of the same task are
// handled.
type ConcurrencyPolicy string

const (
	// ConcurrencyAllow runs every firing; concurrent executions of one task
	// are independent lineages.
	ConcurrencyAllow ConcurrencyPolicy = "allow"
	// ConcurrencySingle skips a firing while a previous run of that task
	// (including its pending retries) is still active.
	ConcurrencySingle ConcurrencyPolicy = "single"
)

// Config controls the execution engine.
//
// The app layer maps config.engine into this struct.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds every agent invocation. This is a deployment
	// setting, not a per-task one. 0 disables the bound.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops firings that have been queued longer than this
	// duration. 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	// DependencyWindow is the freshness window for dependency checks
	// (default 24h): a dependency must have a completed execution within it.
	DependencyWindow time.Duration

	Concurrency ConcurrencyPolicy

	// DefaultPriority seeds the runtime priority of every task (default 5,
	// range 1..10). Firings at or above HighPriorityThreshold (default 8)
	// use the high lane, drained before normal work.
	DefaultPriority       int
	HighPriorityThreshold int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DependencyWindow <= 0 {
		c.DependencyWindow = 24 * time.Hour
	}
	if c.Concurrency != ConcurrencyAllow && c.Concurrency != ConcurrencySingle {
		c.Concurrency = ConcurrencyAllow
	}
	if c.DefaultPriority < 1 || c.DefaultPriority > 10 {
		c.DefaultPriority = 5
	}
	if c.HighPriorityThreshold <= 0 {
		c.HighPriorityThreshold = 8
	}
	return c
}

// FireOptions tune a single firing.
type FireOptions struct {
	// Origin records what fired the task: "schedule", "event", "manual",
	// "queue" or "decision". Defaults to "manual".
	Origin string

	// Payload is handed to the agent (event data, queue message data).
	Payload any

	// MaxAttempts overrides the task's retry budget when > 0. The queue
	// bridge sets 1 because queue redelivery owns retries there.
	MaxAttempts int

	// Agent overrides the descriptor's agent type for this firing.
	Agent string

	// Priority overrides the task's runtime priority for this one firing
	// (queue messages carry their own). Zero keeps the task priority;
	// retries always fall back to the task priority.
	Priority int
}

// TaskEvent is the bus payload for task_completed and task_failed.
type TaskEvent struct {
	Task        taskdef.Task      `json:"task"`
	Execution   history.Execution `json:"execution"`
	MaxAttempts int               `json:"max_attempts"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// AbandonEvent is the bus payload for task_abandoned.
type AbandonEvent struct {
	Task   taskdef.Task `json:"task"`
	Reason string       `json:"reason"`
}

// RunState tracks whether a task is already in flight. Under the "single"
// policy we treat a firing as active from enqueue until its lineage is
// terminal, which prevents queue blow-ups when a schedule fires faster than
// execution drains.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// lineage is the shared state of one firing across its retry attempts.
type lineage struct {
	id   string
	task taskdef.Task

	origin      string
	payload     any
	agent       string // effective agent type
	maxAttempts int
	backoff     time.Duration

	state       *RunState // nil under the allow policy
	releaseOnce sync.Once

	// done receives the terminal execution when a waiter is attached
	// (ExecuteWait); buffered so the worker never blocks on it.
	done chan history.Execution
}

// release frees the single-flight slot exactly once per lineage.
func (l *lineage) release() {
	if l == nil || l.state == nil {
		return
	}
	l.releaseOnce.Do(l.state.release)
}

type queuedRun struct {
	lin *lineage

	// exec is set for retry attempts (record pre-created in "retrying"
	// status); nil for attempt 1.
	exec *history.Execution

	enqueuedAt time.Time
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int `json:"workers"`
	QueueLen int `json:"queue_len"`
	QueueCap int `json:"queue_cap"`
	HighLen  int `json:"high_len"`

	Running        int `json:"running"`
	PendingRetries int `json:"pending_retries"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout   time.Duration     `json:"default_timeout"`
	DependencyWindow time.Duration     `json:"dependency_window"`
	Concurrency      ConcurrencyPolicy `json:"concurrency"`

	// Priorities lists tasks whose runtime priority differs from the
	// default (decision boosts).
	Priorities map[string]int `json:"priorities,omitempty"`
	// AgentOverrides lists decision-applied agent reassignments.
	AgentOverrides map[string]string `json:"agent_overrides,omitempty"`
}
