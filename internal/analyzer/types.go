package analyzer

import "time"

// Bottleneck kinds. Category bottlenecks use "<category>_low".
const (
	BottleneckHighLoad     = "high_system_load"
	BottleneckQueueBuildup = "task_queue_buildup"
)

// SuggestionRedundant flags a task that keeps burning attempts without ever
// completing.
const SuggestionRedundant = "redundant_task"

// Config controls the analysis pass.
type Config struct {
	Enabled  bool
	Interval time.Duration

	// Window caps how many terminal records per agent enter the rate math
	// (default 20).
	Window int

	// Baselines maps agent type to its expected duration; agents without one
	// use DefaultBaseline (default 30s).
	Baselines       map[string]time.Duration
	DefaultBaseline time.Duration

	// LoadThreshold flags high_system_load when exceeded by the running
	// count (default 8). BuildupThreshold flags task_queue_buildup when
	// queued+running exceeds it (default 32).
	LoadThreshold    int
	BuildupThreshold int

	// CategoryMin maps an output category to the minimum recent completion
	// count below which "<category>_low" is flagged.
	CategoryMin map[string]int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Window <= 0 {
		c.Window = 20
	}
	if c.DefaultBaseline <= 0 {
		c.DefaultBaseline = 30 * time.Second
	}
	if c.LoadThreshold <= 0 {
		c.LoadThreshold = 8
	}
	if c.BuildupThreshold <= 0 {
		c.BuildupThreshold = 32
	}
	return c
}

// AgentPerformance aggregates one agent type's trailing window.
type AgentPerformance struct {
	Agent     string `json:"agent"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`

	// CompletionRate is completed/total over terminal records.
	CompletionRate float64 `json:"completion_rate"`

	// Efficiency is min(baseline/avgDuration, 1); zero when the window holds
	// no completed run to measure.
	Efficiency  float64       `json:"efficiency"`
	AvgDuration time.Duration `json:"avg_duration"`
	Baseline    time.Duration `json:"baseline"`
}

// Bottleneck names one overloaded resource or starved category.
type Bottleneck struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`

	// Category is set for "<category>_low" bottlenecks.
	Category string `json:"category,omitempty"`

	Value int `json:"value"`
	Limit int `json:"limit"`
}

// Suggestion flags a task for operator attention. Suggestions are advisory;
// the decision engine turns them into cancel decisions.
type Suggestion struct {
	Kind   string `json:"kind"`
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// Report is one analysis pass over the trailing execution window plus live
// engine load.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Window      int       `json:"window"`

	Running int `json:"running"`
	Queued  int `json:"queued"`

	Agents      []AgentPerformance `json:"agents,omitempty"`
	Bottlenecks []Bottleneck       `json:"bottlenecks,omitempty"`
	Suggestions []Suggestion       `json:"suggestions,omitempty"`
}
