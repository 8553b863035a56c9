package app

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net"
	"strings"
	"time"

	"taskpilot/internal/adapters/filesink"
	"taskpilot/internal/analyzer"
	"taskpilot/internal/channel"
	"taskpilot/internal/config"
	"taskpilot/internal/decision"
	"taskpilot/internal/history"
	"taskpilot/internal/observability/pprof"
	"taskpilot/internal/queue"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/task/scheduler"
	"taskpilot/internal/taskdef"
	logx "taskpilot/pkg/logx"
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapHistoryConfig validates and converts the history section. A nil section
// means the in-memory driver with its defaults.
func mapHistoryConfig(cfg *config.Config) (history.Config, error) {
	out := history.Config{Driver: "memory"}
	if cfg == nil || cfg.History == nil {
		return out, nil
	}
	hc := cfg.History
	path := strings.TrimSpace(hc.Path)

	switch dl := strings.ToLower(strings.TrimSpace(hc.Driver)); dl {
	case "", "memory":
		out.Driver = "memory"
	case "file":
		if path == "" {
			return out, fmt.Errorf("history.path is required when history.driver=file")
		}
		out.Driver = "file"
	case "sqlite", "sqlite3":
		if path == "" {
			return out, fmt.Errorf("history.path is required when history.driver=sqlite")
		}
		out.Driver = "sqlite"
	default:
		return out, fmt.Errorf("history.driver: unknown %q (expected memory, file or sqlite)", hc.Driver)
	}
	out.Path = path

	busy, err := parseDurationOrDefault("history.busy_timeout", hc.BusyTimeout, time.Second)
	if err != nil {
		return out, err
	}
	out.BusyTimeout = busy

	if hc.MemoryLimit < 0 {
		return out, fmt.Errorf("history.memory_limit must be >= 0")
	}
	out.MemoryLimit = hc.MemoryLimit
	return out, nil
}

// mapRetention parses the history retention knobs. retention 0 disables
// pruning; the prune loop still ticks so a reload can turn it on.
func mapRetention(cfg *config.Config) (retention, interval time.Duration, err error) {
	if cfg == nil || cfg.History == nil {
		return 0, time.Hour, nil
	}
	retention, err = parseDurationField("history.retention", cfg.History.Retention)
	if err != nil {
		return 0, 0, err
	}
	if retention < 0 {
		return 0, 0, fmt.Errorf("history.retention must be >= 0")
	}
	interval, err = parseDurationOrDefault("history.prune_interval", cfg.History.PruneInterval, time.Hour)
	if err != nil {
		return 0, 0, err
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return retention, interval, nil
}

func mapOutputConfig(cfg *config.Config) (filesink.Config, bool, error) {
	if cfg == nil || cfg.Output == nil {
		return filesink.Config{}, false, nil
	}
	dir := strings.TrimSpace(cfg.Output.Dir)
	if dir == "" {
		return filesink.Config{}, false, fmt.Errorf("output.dir is required when the output section is present")
	}
	return filesink.Config{
		Dir:     dir,
		Default: strings.TrimSpace(cfg.Output.Default),
	}, true, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	var out engine.Config
	if cfg == nil {
		return out, nil
	}
	ec := cfg.Engine

	if ec.Workers < 0 {
		return out, fmt.Errorf("engine.workers must be >= 0")
	}
	if ec.QueueSize < 0 {
		return out, fmt.Errorf("engine.queue_size must be >= 0")
	}
	out.Workers = ec.Workers
	out.QueueSize = ec.QueueSize

	defTimeout, err := parseDurationField("engine.default_timeout", ec.DefaultTimeout)
	if err != nil {
		return out, err
	}
	maxDelay, err := parseDurationField("engine.max_queue_delay", ec.MaxQueueDelay)
	if err != nil {
		return out, err
	}
	out.DefaultTimeout = defTimeout
	out.MaxQueueDelay = maxDelay

	switch strings.ToLower(strings.TrimSpace(ec.Concurrency)) {
	case "", "allow":
		out.Concurrency = engine.ConcurrencyAllow
	case "single":
		out.Concurrency = engine.ConcurrencySingle
	default:
		return out, fmt.Errorf("engine.concurrency: unknown %q (expected allow or single)", ec.Concurrency)
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	var out scheduler.Config
	if cfg == nil {
		return out, nil
	}
	sc := cfg.Scheduler

	tz := strings.TrimSpace(sc.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return out, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	spread, err := parseDurationField("scheduler.startup_spread", sc.StartupSpread)
	if err != nil {
		return out, err
	}
	if spread < 0 {
		return out, fmt.Errorf("scheduler.startup_spread must be >= 0")
	}

	out.Enabled = sc.Enabled
	out.Timezone = tz
	out.StartupSpread = spread
	return out, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	var out queue.Config
	if cfg == nil || cfg.Queue == nil {
		return out, nil
	}
	qc := cfg.Queue

	if qc.MaxConcurrent < 0 {
		return out, fmt.Errorf("queue.max_concurrent must be >= 0")
	}
	ackWait, err := parseDurationField("queue.ack_wait", qc.AckWait)
	if err != nil {
		return out, err
	}
	if ackWait < 0 {
		return out, fmt.Errorf("queue.ack_wait must be >= 0")
	}

	out.Enabled = qc.Enabled
	out.URL = strings.TrimSpace(qc.URL)
	out.Stream = strings.TrimSpace(qc.Stream)
	out.Subject = strings.TrimSpace(qc.Subject)
	out.Durable = strings.TrimSpace(qc.Durable)
	out.MaxConcurrent = qc.MaxConcurrent
	out.AckWait = ackWait
	return out, nil
}

func mapChannelConfig(cfg *config.Config) (channel.Config, error) {
	var out channel.Config
	if cfg == nil || cfg.Channel == nil {
		return out, nil
	}
	cc := cfg.Channel

	if cc.RatePerSec < 0 {
		return out, fmt.Errorf("channel.rate_per_sec must be >= 0")
	}
	if cc.Burst < 0 {
		return out, fmt.Errorf("channel.burst must be >= 0")
	}
	pong, err := parseDurationField("channel.pong_timeout", cc.PongTimeout)
	if err != nil {
		return out, err
	}
	if pong < 0 {
		return out, fmt.Errorf("channel.pong_timeout must be >= 0")
	}

	out.Enabled = cc.Enabled
	out.Addr = strings.TrimSpace(cc.Addr)
	out.Path = strings.TrimSpace(cc.Path)
	out.Token = strings.TrimSpace(cc.Token)
	out.RatePerSec = cc.RatePerSec
	out.Burst = cc.Burst
	out.PongTimeout = pong

	if out.Enabled && out.Addr != "" {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("channel.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
	}
	return out, nil
}

func mapAnalyzerConfig(cfg *config.Config) (analyzer.Config, error) {
	var out analyzer.Config
	if cfg == nil || cfg.Analyzer == nil {
		return out, nil
	}
	ac := cfg.Analyzer

	interval, err := parseDurationField("analyzer.interval", ac.Interval)
	if err != nil {
		return out, err
	}
	if ac.Window < 0 {
		return out, fmt.Errorf("analyzer.window must be >= 0")
	}
	if ac.LoadThreshold < 0 {
		return out, fmt.Errorf("analyzer.load_threshold must be >= 0")
	}
	if ac.BuildupThreshold < 0 {
		return out, fmt.Errorf("analyzer.buildup_threshold must be >= 0")
	}

	var baselines map[string]time.Duration
	if len(ac.Baselines) > 0 {
		baselines = make(map[string]time.Duration, len(ac.Baselines))
		for agentType, raw := range ac.Baselines {
			d, err := parseDurationField("analyzer.baselines."+agentType, raw)
			if err != nil {
				return out, err
			}
			if d <= 0 {
				return out, fmt.Errorf("analyzer.baselines.%s must be > 0", agentType)
			}
			baselines[agentType] = d
		}
	}
	defBaseline, err := parseDurationField("analyzer.default_baseline", ac.DefaultBaseline)
	if err != nil {
		return out, err
	}
	if defBaseline < 0 {
		return out, fmt.Errorf("analyzer.default_baseline must be >= 0")
	}
	for cat, n := range ac.CategoryMin {
		if n < 0 {
			return out, fmt.Errorf("analyzer.category_min.%s must be >= 0", cat)
		}
	}

	out.Enabled = ac.Enabled
	out.Interval = interval
	out.Window = ac.Window
	out.Baselines = baselines
	out.DefaultBaseline = defBaseline
	out.LoadThreshold = ac.LoadThreshold
	out.BuildupThreshold = ac.BuildupThreshold
	out.CategoryMin = ac.CategoryMin
	return out, nil
}

func mapDecisionConfig(cfg *config.Config) (decision.Config, error) {
	var out decision.Config
	if cfg == nil || cfg.Decision == nil {
		return out, nil
	}
	dc := cfg.Decision

	interval, err := parseDurationField("decision.interval", dc.Interval)
	if err != nil {
		return out, err
	}
	if dc.ConfidenceThreshold < 0 || dc.ConfidenceThreshold > 1 {
		return out, fmt.Errorf("decision.confidence_threshold must be within [0, 1]")
	}
	if dc.Keep < 0 {
		return out, fmt.Errorf("decision.keep must be >= 0")
	}

	out.Enabled = dc.Enabled
	out.Interval = interval
	out.ConfidenceThreshold = dc.ConfidenceThreshold
	out.Keep = dc.Keep
	return out, nil
}

// mapPprofConfig validates and converts the JSON config into the service config.
// It never starts the server.
func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	var out pprof.Config
	if cfg == nil {
		return out, nil
	}
	pc := cfg.Pprof

	out.Enabled = pc.Enabled
	out.AllowInsecure = pc.AllowInsecure
	out.Token = strings.TrimSpace(pc.Token)
	out.Addr = strings.TrimSpace(pc.Addr)
	out.Prefix = strings.TrimSpace(pc.Prefix)

	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	readTO, err := parseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second)
	if err != nil {
		return out, err
	}
	writeTO, err := parseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return out, err
	}
	idleTO, err := parseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 120*time.Second)
	if err != nil {
		return out, err
	}
	out.ReadTimeout = readTO
	out.WriteTimeout = writeTO // default 0 (disabled)
	out.IdleTimeout = idleTO

	if pc.MutexProfileFraction < 0 {
		return out, fmt.Errorf("pprof.mutex_profile_fraction must be >= 0")
	}
	if pc.BlockProfileRate < 0 {
		return out, fmt.Errorf("pprof.block_profile_rate must be >= 0")
	}
	if pc.MemProfileRate < 0 {
		return out, fmt.Errorf("pprof.mem_profile_rate must be >= 0")
	}
	out.MutexProfileFraction = pc.MutexProfileFraction
	out.BlockProfileRate = pc.BlockProfileRate
	out.MemProfileRate = pc.MemProfileRate

	// Validate addr format if enabled.
	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		// Security: refuse public bind without explicit opt-in.
		if !out.AllowInsecure && out.Token == "" && !isLoopbackAddr(out.Addr) {
			return out, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}

	return out, nil
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// taskSetVersion derives a stable label from the descriptor content. The
// engine stamps it into envelope metadata so output consumers can tell which
// descriptor revision produced a payload.
func taskSetVersion(set *taskdef.TaskSet) string {
	h := fnv.New64a()
	for _, t := range set.All() {
		b, err := json.Marshal(t)
		if err != nil {
			continue
		}
		_, _ = h.Write(b)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
