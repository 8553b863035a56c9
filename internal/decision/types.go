package decision

import (
	"context"
	"time"

	"taskpilot/internal/analyzer"
)

// Kind classifies an orchestration decision.
type Kind string

const (
	KindSchedule      Kind = "schedule"
	KindReschedule    Kind = "reschedule"
	KindCancel        Kind = "cancel"
	KindPriorityBoost Kind = "priority_boost"
	KindAgentReassign Kind = "agent_reassign"
)

// Decision is one orchestration adjustment. Decisions at or above the
// confidence threshold are applied automatically; the rest are recorded for
// manual action. Cancel is always advisory.
type Decision struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	TaskID string `json:"task_id"`

	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`

	// AgentPreference names the replacement agent for agent_reassign.
	AgentPreference string `json:"agent_preference,omitempty"`

	// SuggestedTiming is the deferred firing time for schedule/reschedule.
	SuggestedTiming *time.Time `json:"suggested_timing,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`

	// ApplyError records a failed application attempt.
	ApplyError string `json:"apply_error,omitempty"`
}

// Config controls the decision loop.
type Config struct {
	Enabled  bool
	Interval time.Duration

	// ConfidenceThreshold gates automatic application (default 0.8).
	ConfidenceThreshold float64

	// Keep bounds the superseded-decision ring (default 100).
	Keep int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.8
	}
	if c.Keep <= 0 {
		c.Keep = 100
	}
	return c
}

// Analyzer produces the performance report each cycle consumes.
type Analyzer interface {
	Analyze(ctx context.Context) (*analyzer.Report, error)
}

// Engine is the slice of the execution engine decisions act on.
type Engine interface {
	PriorityOf(taskID string) int
	BoostPriority(taskID string, delta int) int
	SetAgentOverride(taskID, agentType string)
}

// Scheduler arms deferred one-time firings for schedule and reschedule
// decisions.
type Scheduler interface {
	ScheduleOnce(taskID string, at time.Time) error
}

// Snapshot is the inspection view served by the ops endpoint.
type Snapshot struct {
	Enabled bool   `json:"enabled"`
	Cycles  uint64 `json:"cycles"`
	Applied uint64 `json:"applied"`

	// Active holds the standing decision per task, sorted by task id.
	Active []Decision `json:"active,omitempty"`

	// Resolved holds superseded decisions, newest first.
	Resolved []Decision `json:"resolved,omitempty"`
}
