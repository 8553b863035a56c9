package channel

import (
	"errors"
	"strings"
	"time"
)

// Config controls the websocket channel endpoint.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback bind requires Token.
type Config struct {
	Enabled bool
	Addr    string
	Path    string
	Token   string

	// RatePerSec and Burst bound outbound frames per connection so one
	// misbehaving dispatch storm cannot saturate a worker link.
	RatePerSec int
	Burst      int

	// PongTimeout is the per-connection read deadline; pings go out at
	// 9/10 of it.
	PongTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8810"
	}
	if c.Path == "" {
		c.Path = "/channel"
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.Burst <= 0 {
		c.Burst = c.RatePerSec * 2
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	return c
}

// Frame types. hello and welcome bracket the handshake, task_request and
// task_result correlate through ID, event frames feed the internal bus.
const (
	frameHello   = "hello"
	frameWelcome = "welcome"
	frameRequest = "task_request"
	frameResult  = "task_result"
	frameEvent   = "event"
)

// frame is the single wire shape for every channel message; unused fields
// stay empty per type.
type frame struct {
	Type string `json:"type"`

	// hello / welcome
	Agent        string   `json:"agent,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// request/result correlation
	ID string `json:"id,omitempty"`

	// task_request
	TaskID    string         `json:"task_id,omitempty"`
	TaskName  string         `json:"task_name,omitempty"`
	Category  string         `json:"category,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`

	// Payload rides task_request frames out and event frames in.
	Payload any `json:"payload,omitempty"`

	// event
	Event string `json:"event,omitempty"`

	// task_result
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ErrAgentGone fails dispatches whose connection dropped before the result
// arrived, and dispatches to agents that are not connected at all.
var ErrAgentGone = errors.New("channel agent disconnected")

// AgentInfo describes one connected agent for snapshots.
type AgentInfo struct {
	Name         string    `json:"name"`
	Version      string    `json:"version,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	Pending      int       `json:"pending"`
}

// Snapshot is a point-in-time view for operational endpoints.
type Snapshot struct {
	Enabled bool        `json:"enabled"`
	Addr    string      `json:"addr,omitempty"`
	Path    string      `json:"path,omitempty"`
	Agents  []AgentInfo `json:"agents,omitempty"`
}
