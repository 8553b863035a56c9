package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/taskdef"
	logx "taskpilot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"

	// StartupSpread caps the random delay applied to the first firing of
	// interval schedules so a restart doesn't fire everything at once.
	StartupSpread time.Duration
}

// scheduleDef is one registered recurring trigger. The definition only pins
// the task id and parsed spec; the task itself is resolved from the active
// set at fire time, so descriptor edits take effect without re-registration.
type scheduleDef struct {
	taskID        string
	spec          string
	entryID       cron.EntryID
	startupSpread time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	tasks *taskdef.TaskSet

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// routes maps trigger-event names to the task ids they fire.
	routes map[string][]string

	stopCh chan struct{}
	unsub  func()

	// Fire error throttling, keyed by task id.
	fireMu       sync.Mutex
	lastFireWarn map[string]time.Time

	// One-time firings (decision schedule adjustments). Timers are runtime;
	// onceAt definitions survive Stop/Start. onceVer guards against stale
	// callbacks from superseded timers.
	tmu     sync.Mutex
	timers  map[string]*time.Timer
	onceAt  map[string]time.Time
	onceVer map[string]uint64
}

type ScheduleInfo struct {
	TaskID string        `json:"task_id"`
	Spec   string        `json:"spec"`
	Next   time.Time     `json:"next"`
	Prev   time.Time     `json:"prev"`
	Spread time.Duration `json:"startup_spread,omitempty"`
}

type Snapshot struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"`

	Schedules []ScheduleInfo       `json:"schedules"`
	Triggers  map[string][]string  `json:"triggers,omitempty"`
	Once      map[string]time.Time `json:"once,omitempty"`
}
