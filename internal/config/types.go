package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Tasks points at the task descriptor source (a JSON or YAML file, or a
	// directory of such files). Descriptors are reloaded together with this
	// config file.
	Tasks TasksConfig `json:"tasks"`

	// Scheduler controls trigger behavior (cron/interval/event/once).
	Scheduler SchedulerConfig `json:"scheduler"`

	// Engine controls execution settings for triggered tasks.
	Engine EngineConfig `json:"engine"`

	History  *HistoryConfig  `json:"history,omitempty"`
	Output   *OutputConfig   `json:"output,omitempty"`
	Queue    *QueueConfig    `json:"queue,omitempty"`
	Channel  *ChannelConfig  `json:"channel,omitempty"`
	Analyzer *AnalyzerConfig `json:"analyzer,omitempty"`
	Decision *DecisionConfig `json:"decision,omitempty"`

	Agents map[string]AgentConfigRaw `json:"agents,omitempty"`
}

// TasksConfig locates task descriptors.
//
// Path may be a single file (JSON or YAML array of descriptors) or a
// directory; for a directory every *.json/*.yaml/*.yml file is loaded and
// merged. Descriptor ids must be unique across the whole set.
type TasksConfig struct {
	Path string `json:"path"`
}

// EngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - concurrency: "allow"
//
// Retry budgets are per-task (the descriptor's retry.maxAttempts, default 1),
// so there is no engine-wide attempts knob.
type EngineConfig struct {
	Workers int `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout applies to tasks whose descriptor has no timeout.
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// Use "0s" to disable stale queue dropping.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	// Concurrency selects how concurrent firings of the SAME task are handled:
	//   - "allow":  every firing runs (default)
	//   - "single": a firing is skipped while a previous run of that task is active
	Concurrency string `json:"concurrency,omitempty"`
}

// HistoryConfig controls the execution history store.
//
// Driver is one of "memory" (default), "file", "sqlite".
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./taskpilot.db" }
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// Retention prunes execution records older than this age.
	// "0s" (default) disables pruning.
	Retention     string `json:"retention,omitempty"`
	PruneInterval string `json:"prune_interval,omitempty"` // default "1h"

	// MemoryLimit caps records kept by the memory driver (default 1000).
	MemoryLimit int `json:"memory_limit,omitempty"`
}

// OutputConfig controls where completed-task output envelopes are delivered.
// Omitting the section disables delivery; the envelope is still persisted on
// every completed execution record.
type OutputConfig struct {
	// Dir is the directory envelope files are appended to (JSON Lines, one
	// file per destination).
	Dir string `json:"dir"`

	// Default is the file stem used when a task names no output destination
	// (default "outbox").
	Default string `json:"default,omitempty"`
}

// QueueConfig controls the NATS JetStream intake bridge.
//
// Messages published to Subject are consumed through the Durable consumer and
// executed as one-shot task runs. Redelivery (retry) is owned by the queue,
// not by the engine.
type QueueConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`     // default: nats.DefaultURL
	Stream  string `json:"stream,omitempty"`  // default: "TASKS"
	Subject string `json:"subject,omitempty"` // default: "tasks.dispatch"
	Durable string `json:"durable,omitempty"` // default: "taskpilot"

	MaxConcurrent int `json:"max_concurrent,omitempty"` // default: 4

	// AckWait is a Go duration string; default covers the execution timeout
	// plus a safety margin.
	AckWait string `json:"ack_wait,omitempty"`
}

// ChannelConfig controls the bidirectional websocket channel used by remote
// agent processes.
//
// Security note:
//   - Prefer binding to localhost unless a token is set.
type ChannelConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8810"
	Path    string `json:"path,omitempty"` // default: "/channel"
	Token   string `json:"token,omitempty"`

	// Outbound frame rate limiting per connection.
	RatePerSec int `json:"rate_per_sec,omitempty"` // default: 20
	Burst      int `json:"burst,omitempty"`        // default: 40

	// PongTimeout is a Go duration string (read deadline); default "60s".
	PongTimeout string `json:"pong_timeout,omitempty"`
}

// AnalyzerConfig controls periodic performance snapshots.
type AnalyzerConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default "5m"

	// Window is the number of recent executions considered when computing
	// per-agent rates (default 20).
	Window int `json:"window,omitempty"`

	// Baselines maps agent type to its expected duration (Go duration string).
	// Agents without a baseline use default_baseline (default "30s").
	Baselines       map[string]string `json:"baselines,omitempty"`
	DefaultBaseline string            `json:"default_baseline,omitempty"`

	// Bottleneck thresholds.
	//   - load_threshold: running executions above this flag high_system_load (default 8)
	//   - buildup_threshold: queued firings above this flag task_queue_buildup (default 32)
	//   - category_min: category -> minimum recent completions; fewer flags "<category>_low"
	LoadThreshold    int            `json:"load_threshold,omitempty"`
	BuildupThreshold int            `json:"buildup_threshold,omitempty"`
	CategoryMin      map[string]int `json:"category_min,omitempty"`
}

// DecisionConfig controls the orchestration decision loop.
type DecisionConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default "5m"

	// ConfidenceThreshold gates automatic application of decisions
	// (default 0.8). Decisions below the threshold are recorded only.
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`

	// Keep is the number of resolved decisions retained for inspection
	// (default 100).
	Keep int `json:"keep,omitempty"`
}

// PprofConfig controls the optional debug HTTP server (pprof plus small
// operational JSON endpoints).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone (e.g. "Europe/Berlin"). Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	// StartupSpread staggers the first firing of interval schedules after a
	// (re)start so many tasks don't all fire at once. Go duration string,
	// default "30s"; "0s" disables spreading.
	StartupSpread string `json:"startup_spread,omitempty"`
}

type AgentConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields to ensure stale keys are caught
// early during config reload.
func (a *AgentConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*a = AgentConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
