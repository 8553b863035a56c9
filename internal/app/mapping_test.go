package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"taskpilot/internal/agent"
	"taskpilot/internal/config"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/taskdef"
	logx "taskpilot/pkg/logx"
)

func TestMapEngineConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Engine = config.EngineConfig{
		Workers:        4,
		QueueSize:      64,
		DefaultTimeout: "30s",
		MaxQueueDelay:  "1m",
		Concurrency:    "single",
	}
	out, err := mapEngineConfig(cfg)
	if err != nil {
		t.Fatalf("mapEngineConfig: %v", err)
	}
	if out.Workers != 4 || out.QueueSize != 64 {
		t.Fatalf("sizes not mapped: %+v", out)
	}
	if out.DefaultTimeout != 30*time.Second || out.MaxQueueDelay != time.Minute {
		t.Fatalf("durations not mapped: %+v", out)
	}
	if out.Concurrency != engine.ConcurrencySingle {
		t.Fatalf("concurrency = %q, want single", out.Concurrency)
	}

	cfg.Engine.Concurrency = "both"
	if _, err := mapEngineConfig(cfg); err == nil || !strings.Contains(err.Error(), "engine.concurrency") {
		t.Fatalf("bad concurrency accepted: %v", err)
	}
	cfg.Engine.Concurrency = ""
	cfg.Engine.Workers = -1
	if _, err := mapEngineConfig(cfg); err == nil {
		t.Fatalf("negative workers accepted")
	}
}

func TestMapHistoryConfig(t *testing.T) {
	t.Run("nil section means memory", func(t *testing.T) {
		out, err := mapHistoryConfig(&config.Config{})
		if err != nil {
			t.Fatalf("mapHistoryConfig: %v", err)
		}
		if out.Driver != "memory" {
			t.Fatalf("driver = %q, want memory", out.Driver)
		}
	})

	t.Run("sqlite3 normalizes", func(t *testing.T) {
		cfg := &config.Config{History: &config.HistoryConfig{Driver: "sqlite3", Path: "./h.db", BusyTimeout: "2s"}}
		out, err := mapHistoryConfig(cfg)
		if err != nil {
			t.Fatalf("mapHistoryConfig: %v", err)
		}
		if out.Driver != "sqlite" || out.Path != "./h.db" || out.BusyTimeout != 2*time.Second {
			t.Fatalf("unexpected mapping: %+v", out)
		}
	})

	t.Run("file requires path", func(t *testing.T) {
		cfg := &config.Config{History: &config.HistoryConfig{Driver: "file"}}
		if _, err := mapHistoryConfig(cfg); err == nil {
			t.Fatalf("file driver without path accepted")
		}
	})

	t.Run("unknown driver rejected", func(t *testing.T) {
		cfg := &config.Config{History: &config.HistoryConfig{Driver: "redis"}}
		if _, err := mapHistoryConfig(cfg); err == nil {
			t.Fatalf("unknown driver accepted")
		}
	})
}

func TestMapRetention(t *testing.T) {
	keep, interval, err := mapRetention(&config.Config{})
	if err != nil {
		t.Fatalf("mapRetention: %v", err)
	}
	if keep != 0 || interval != time.Hour {
		t.Fatalf("defaults = (%v, %v), want (0, 1h)", keep, interval)
	}

	cfg := &config.Config{History: &config.HistoryConfig{Retention: "168h", PruneInterval: "30m"}}
	keep, interval, err = mapRetention(cfg)
	if err != nil {
		t.Fatalf("mapRetention: %v", err)
	}
	if keep != 168*time.Hour || interval != 30*time.Minute {
		t.Fatalf("got (%v, %v)", keep, interval)
	}

	cfg.History.Retention = "soon"
	if _, _, err := mapRetention(cfg); err == nil {
		t.Fatalf("bad retention accepted")
	}
}

func TestMapOutputConfig(t *testing.T) {
	if _, enabled, err := mapOutputConfig(&config.Config{}); err != nil || enabled {
		t.Fatalf("nil section: enabled=%v err=%v", enabled, err)
	}

	cfg := &config.Config{Output: &config.OutputConfig{Dir: " ./out ", Default: "reports"}}
	out, enabled, err := mapOutputConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("enabled=%v err=%v", enabled, err)
	}
	if out.Dir != "./out" || out.Default != "reports" {
		t.Fatalf("unexpected mapping: %+v", out)
	}

	cfg.Output.Dir = "  "
	if _, _, err := mapOutputConfig(cfg); err == nil {
		t.Fatalf("empty dir accepted")
	}
}

func TestMapChannelConfig(t *testing.T) {
	cfg := &config.Config{Channel: &config.ChannelConfig{Enabled: true, Addr: "nohostport", PongTimeout: "45s"}}
	if _, err := mapChannelConfig(cfg); err == nil || !strings.Contains(err.Error(), "channel.addr") {
		t.Fatalf("bad addr accepted: %v", err)
	}

	cfg.Channel.Addr = "127.0.0.1:8810"
	out, err := mapChannelConfig(cfg)
	if err != nil {
		t.Fatalf("mapChannelConfig: %v", err)
	}
	if out.PongTimeout != 45*time.Second {
		t.Fatalf("pong timeout = %v", out.PongTimeout)
	}
}

func TestMapAnalyzerConfig(t *testing.T) {
	cfg := &config.Config{Analyzer: &config.AnalyzerConfig{
		Enabled:   true,
		Interval:  "2m",
		Baselines: map[string]string{"http_probe": "10s"},
	}}
	out, err := mapAnalyzerConfig(cfg)
	if err != nil {
		t.Fatalf("mapAnalyzerConfig: %v", err)
	}
	if out.Interval != 2*time.Minute || out.Baselines["http_probe"] != 10*time.Second {
		t.Fatalf("unexpected mapping: %+v", out)
	}

	cfg.Analyzer.Baselines["echo"] = "fast"
	if _, err := mapAnalyzerConfig(cfg); err == nil || !strings.Contains(err.Error(), "analyzer.baselines.echo") {
		t.Fatalf("bad baseline accepted: %v", err)
	}
}

func TestMapDecisionConfig(t *testing.T) {
	cfg := &config.Config{Decision: &config.DecisionConfig{Enabled: true, ConfidenceThreshold: 1.5}}
	if _, err := mapDecisionConfig(cfg); err == nil {
		t.Fatalf("threshold above 1 accepted")
	}
	cfg.Decision.ConfidenceThreshold = 0.7
	out, err := mapDecisionConfig(cfg)
	if err != nil || out.ConfidenceThreshold != 0.7 {
		t.Fatalf("got %+v err=%v", out, err)
	}
}

func TestMapPprofConfig(t *testing.T) {
	out, err := mapPprofConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapPprofConfig: %v", err)
	}
	if out.Addr != "127.0.0.1:6060" || out.Prefix != "/debug/pprof/" {
		t.Fatalf("defaults not filled: %+v", out)
	}
	if out.ReadTimeout != 5*time.Second || out.IdleTimeout != 120*time.Second || out.WriteTimeout != 0 {
		t.Fatalf("timeout defaults: %+v", out)
	}

	cfg := &config.Config{}
	cfg.Pprof = config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060"}
	if _, err := mapPprofConfig(cfg); err == nil {
		t.Fatalf("public bind without token accepted")
	}
	cfg.Pprof.Token = "s3cret"
	if _, err := mapPprofConfig(cfg); err != nil {
		t.Fatalf("public bind with token rejected: %v", err)
	}
}

func mustTaskSet(t *testing.T, tasks ...taskdef.Task) *taskdef.TaskSet {
	t.Helper()
	set, err := taskdef.NewTaskSet(tasks)
	if err != nil {
		t.Fatalf("NewTaskSet: %v", err)
	}
	return set
}

func TestTaskSetVersion(t *testing.T) {
	mk := func(id, agentName string) taskdef.Task {
		return taskdef.Task{
			ID:          id,
			Name:        id,
			Kind:        taskdef.KindManual,
			Agent:       agentName,
			Enabled:     true,
			RetryPolicy: taskdef.RetryPolicy{MaxAttempts: 1},
		}
	}

	a := taskSetVersion(mustTaskSet(t, mk("t1", "echo")))
	b := taskSetVersion(mustTaskSet(t, mk("t1", "echo")))
	c := taskSetVersion(mustTaskSet(t, mk("t1", "http_probe")))

	if len(a) != 16 {
		t.Fatalf("version %q, want 16 hex chars", a)
	}
	if a != b {
		t.Fatalf("same content produced different versions: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("different content produced same version %q", a)
	}
}

func TestApplyAgentsReconciles(t *testing.T) {
	a := &App{
		log:      logx.Nop(),
		reg:      agent.NewRegistry(),
		builtins: map[string]agent.Invoker{},
	}

	a.applyAgents(map[string]config.AgentConfigRaw{
		"echo":       {Enabled: true},
		"http_probe": {Enabled: true},
		"teleport":   {Enabled: true}, // unknown, warn only
	})
	names := a.reg.Names()
	if len(names) != 2 || names[0] != "echo" || names[1] != "http_probe" {
		t.Fatalf("registered = %v", names)
	}

	a.applyAgents(map[string]config.AgentConfigRaw{
		"echo": {Enabled: true},
	})
	names = a.reg.Names()
	if len(names) != 1 || names[0] != "echo" {
		t.Fatalf("after disable, registered = %v", names)
	}

	// A remote worker that took over a name must survive the builtin teardown.
	a.reg.Register("echo", agent.InvokerFunc(func(_ context.Context, _ agent.Invocation) (any, error) {
		return nil, nil
	}))
	a.applyAgents(map[string]config.AgentConfigRaw{})
	if names = a.reg.Names(); len(names) != 1 || names[0] != "echo" {
		t.Fatalf("remote replacement was deregistered: %v", names)
	}
}
