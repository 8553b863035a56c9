package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskpilot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) a list of agent names whose enable/config changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Tasks (descriptor source). A path change forces a descriptor reload even
	// when the file contents were reloaded for other reasons.
	if strings.TrimSpace(oldCfg.Tasks.Path) != strings.TrimSpace(newCfg.Tasks.Path) {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.String("tasks.path", strings.TrimSpace(newCfg.Tasks.Path)))
	}

	// Scheduler (triggers)
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		strings.TrimSpace(oldCfg.Scheduler.StartupSpread) != strings.TrimSpace(newCfg.Scheduler.StartupSpread) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.startup_spread", strings.TrimSpace(newCfg.Scheduler.StartupSpread)),
		)
	}

	// Engine (executor)
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(newCfg.Engine.DefaultTimeout)),
			logx.String("engine.max_queue_delay", strings.TrimSpace(newCfg.Engine.MaxQueueDelay)),
			logx.String("engine.concurrency", strings.TrimSpace(newCfg.Engine.Concurrency)),
		)
	}

	// History (persistence). Nil means memory defaults.
	oldH := oldCfg.History
	newH := newCfg.History
	def := &HistoryConfig{Driver: "memory"}
	if oldH == nil {
		oldH = def
	}
	if newH == nil {
		newH = def
	}
	if !reflect.DeepEqual(*oldH, *newH) {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", strings.TrimSpace(newH.Driver)),
			logx.Bool("history.path_set", strings.TrimSpace(newH.Path) != ""),
			logx.String("history.retention", strings.TrimSpace(newH.Retention)),
		)
	}

	// Output (envelope delivery)
	oO := derefOutput(oldCfg.Output)
	nO := derefOutput(newCfg.Output)
	if oO != nO {
		changed = append(changed, "output")
		attrs = append(attrs,
			logx.Bool("output.dir_set", strings.TrimSpace(nO.Dir) != ""),
			logx.String("output.default", strings.TrimSpace(nO.Default)),
		)
	}

	// Queue (never log URL credentials; log host presence only)
	oQ := derefQueue(oldCfg.Queue)
	nQ := derefQueue(newCfg.Queue)
	if !reflect.DeepEqual(oQ, nQ) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Bool("queue.enabled", nQ.Enabled),
			logx.Bool("queue.url_set", strings.TrimSpace(nQ.URL) != ""),
			logx.String("queue.stream", strings.TrimSpace(nQ.Stream)),
			logx.String("queue.subject", strings.TrimSpace(nQ.Subject)),
			logx.String("queue.durable", strings.TrimSpace(nQ.Durable)),
			logx.Int("queue.max_concurrent", nQ.MaxConcurrent),
		)
	}

	// Channel (never log token)
	oC := derefChannel(oldCfg.Channel)
	nC := derefChannel(newCfg.Channel)
	if !reflect.DeepEqual(oC, nC) {
		changed = append(changed, "channel")
		attrs = append(attrs,
			logx.Bool("channel.enabled", nC.Enabled),
			logx.String("channel.addr", strings.TrimSpace(nC.Addr)),
			logx.String("channel.path", strings.TrimSpace(nC.Path)),
			logx.Bool("channel.token_set", strings.TrimSpace(nC.Token) != ""),
			logx.Int("channel.rate_per_sec", nC.RatePerSec),
		)
	}

	// Analyzer
	oA := derefAnalyzer(oldCfg.Analyzer)
	nA := derefAnalyzer(newCfg.Analyzer)
	if !reflect.DeepEqual(oA, nA) {
		changed = append(changed, "analyzer")
		attrs = append(attrs,
			logx.Bool("analyzer.enabled", nA.Enabled),
			logx.String("analyzer.interval", strings.TrimSpace(nA.Interval)),
			logx.Int("analyzer.window", nA.Window),
		)
	}

	// Decision loop
	oD := derefDecision(oldCfg.Decision)
	nD := derefDecision(newCfg.Decision)
	if oD != nD {
		changed = append(changed, "decision")
		attrs = append(attrs,
			logx.Bool("decision.enabled", nD.Enabled),
			logx.String("decision.interval", strings.TrimSpace(nD.Interval)),
			logx.Float64("decision.confidence_threshold", nD.ConfidenceThreshold),
		)
	}

	// Agents (summarize only; details at debug)
	agentChanged := diffAgents(oldCfg.Agents, newCfg.Agents)
	if len(agentChanged) > 0 {
		changed = append(changed, "agents")
		attrs = append(attrs,
			logx.Int("agents.changed_count", len(agentChanged)),
			logx.Int("agents.enabled_count", countEnabled(newCfg.Agents)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, agentChanged
}

func derefOutput(o *OutputConfig) OutputConfig {
	if o == nil {
		return OutputConfig{}
	}
	return *o
}

func derefQueue(q *QueueConfig) QueueConfig {
	if q == nil {
		return QueueConfig{}
	}
	return *q
}

func derefChannel(c *ChannelConfig) ChannelConfig {
	if c == nil {
		return ChannelConfig{}
	}
	return *c
}

func derefAnalyzer(a *AnalyzerConfig) AnalyzerConfig {
	if a == nil {
		return AnalyzerConfig{}
	}
	return *a
}

func derefDecision(d *DecisionConfig) DecisionConfig {
	if d == nil {
		return DecisionConfig{}
	}
	return *d
}

func countEnabled(m map[string]AgentConfigRaw) int {
	if len(m) == 0 {
		return 0
	}
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffAgents(oldM, newM map[string]AgentConfigRaw) []string {
	if oldM == nil {
		oldM = map[string]AgentConfigRaw{}
	}
	if newM == nil {
		newM = map[string]AgentConfigRaw{}
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o := oldM[name]
		n := newM[name]
		if o.Enabled != n.Enabled {
			out = append(out, name)
			continue
		}
		if canonicalHashJSON(o.Config) != canonicalHashJSON(n.Config) {
			out = append(out, name)
			continue
		}
	}
	sort.Strings(out)
	return out
}
