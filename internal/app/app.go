package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/adapters/filesink"
	"taskpilot/internal/agent"
	"taskpilot/internal/analyzer"
	"taskpilot/internal/channel"
	"taskpilot/internal/config"
	"taskpilot/internal/decision"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/history"
	"taskpilot/internal/observability/pprof"
	"taskpilot/internal/queue"
	rtsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/task/scheduler"
	"taskpilot/internal/taskdef"
	logx "taskpilot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store history.Store
	sink  *filesink.Sink

	reg *agent.Registry

	engine   *engine.Service
	sched    *scheduler.Service
	queue    *queue.Service
	channel  *channel.Service
	analyzer *analyzer.Service
	decision *decision.Service
	pprof    *pprof.Service

	// builtins tracks in-process agents this app registered so a reload can
	// deregister exactly those instances and never a remote replacement.
	bmu      sync.Mutex
	builtins map[string]agent.Invoker

	tmu   sync.Mutex
	tasks *taskdef.TaskSet
	tver  string

	rmu           sync.Mutex
	retention     time.Duration
	pruneInterval time.Duration

	startedAt time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// History store; memory driver when the section is omitted.
	histCfg, err := mapHistoryConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := history.Open(histCfg, log.With(logx.String("comp", "history")))
	if err != nil {
		return nil, err
	}
	log.Info("history store opened", logx.String("driver", histCfg.Driver))

	retention, pruneInterval, err := mapRetention(cfg)
	if err != nil {
		return nil, err
	}

	// Task descriptors.
	tasks, err := taskdef.Load(cfg.Tasks.Path)
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	tver := taskSetVersion(tasks)
	log.Info("task set loaded",
		logx.Int("tasks", tasks.Len()),
		logx.String("version", tver),
	)

	reg := agent.NewRegistry()

	// Output envelope delivery (optional).
	var (
		fsink *filesink.Sink
		sink  engine.Sink
	)
	if ocfg, enabled, err := mapOutputConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		fs, err := filesink.New(ocfg, log.With(logx.String("comp", "filesink")))
		if err != nil {
			return nil, err
		}
		fsink = fs
		sink = fs
		log.Info("output delivery enabled", logx.String("dir", ocfg.Dir))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus, store, reg, sink)
	eng.SetConfigVersion(tver)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, eng, log.With(logx.String("comp", "scheduler")), bus)
	sched.SetTasks(tasks)

	qCfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	q := queue.New(qCfg, log.With(logx.String("comp", "queue")), bus, eng, tasks)

	chCfg, err := mapChannelConfig(cfg)
	if err != nil {
		return nil, err
	}
	ch := channel.New(chCfg, log.With(logx.String("comp", "channel")), bus, reg)

	anCfg, err := mapAnalyzerConfig(cfg)
	if err != nil {
		return nil, err
	}
	an := analyzer.New(anCfg, log.With(logx.String("comp", "analyzer")), bus, store, eng)

	decCfg, err := mapDecisionConfig(cfg)
	if err != nil {
		return nil, err
	}
	dec := decision.New(decCfg, log.With(logx.String("comp", "decision")), bus, an, eng, sched, tasks)

	ppCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pp := pprof.New(ppCfg, log.With(logx.String("comp", "pprof")))

	a := &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		sink:          fsink,
		reg:           reg,
		engine:        eng,
		sched:         sched,
		queue:         q,
		channel:       ch,
		analyzer:      an,
		decision:      dec,
		pprof:         pp,
		builtins:      map[string]agent.Invoker{},
		tasks:         tasks,
		tver:          tver,
		retention:     retention,
		pruneInterval: pruneInterval,
	}
	a.applyAgents(cfg.Agents)
	a.registerStatusRoutes()
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Tasks.Path) == "" {
			return fmt.Errorf("tasks.path is required")
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHistoryConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapRetention(cfg); err != nil {
			return err
		}
		if _, _, err := mapOutputConfig(cfg); err != nil {
			return err
		}
		if _, err := mapQueueConfig(cfg); err != nil {
			return err
		}
		if _, err := mapChannelConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAnalyzerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDecisionConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		// Reject descriptor problems before commit so a bad reload keeps the
		// previous task set running.
		if _, err := taskdef.Load(cfg.Tasks.Path); err != nil {
			return fmt.Errorf("tasks: %w", err)
		}
		return nil
	})

	run := a.sup.Context()

	a.engine.Start(run)
	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	if a.queue.Enabled() {
		a.queue.Start(run)
	}
	if a.channel.Enabled() {
		a.channel.Start(run)
	}
	if a.analyzer.Enabled() {
		a.analyzer.Start(run)
	}
	if a.decision.Enabled() {
		a.decision.Start(run)
	}
	if a.pprof.Enabled() {
		a.pprof.Start(run)
	}

	// Optional: log events for observability/debug (components also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level to avoid noise from frequent firings.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Periodic history pruning. Retention 0 disables the deletes but the loop
	// keeps ticking so a reload can turn retention on without a restart.
	a.sup.Go0("history.prune", func(c context.Context) {
		for {
			keep, interval := a.pruneParams()
			t := time.NewTimer(interval)
			select {
			case <-c.Done():
				t.Stop()
				return
			case <-t.C:
			}
			if keep <= 0 {
				continue
			}
			pruneCtx, cancel := context.WithTimeout(c, 30*time.Second)
			n, err := a.store.Prune(pruneCtx, time.Now().Add(-keep))
			cancel()
			if err != nil {
				a.log.Warn("history prune failed", logx.Err(err))
				continue
			}
			if n > 0 {
				a.log.Info("history pruned",
					logx.Int("removed", n),
					logx.Duration("retention", keep),
				)
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, agentChanged := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
					if len(agentChanged) > 0 {
						a.log.Debug("agent config changes detected", logx.Any("agents", agentChanged))
					}
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				prevApplied := lastApplied
				lastApplied = newCfg

				a.applyReload(c, prevApplied, newCfg)

				// Keep the final log line concise and human-friendly (details are in debug logs).
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes one committed config into the running services. Sections
// that cannot change live (history driver, output sink) get a restart warning
// instead.
func (a *App) applyReload(ctx context.Context, prevCfg, newCfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(newCfg))

	oldHist, _ := mapHistoryConfig(prevCfg)
	if newHist, err := mapHistoryConfig(newCfg); err == nil && newHist != oldHist {
		a.log.Warn("history config changed; restart required for changes to take effect")
	}
	oldOut, oldOn, _ := mapOutputConfig(prevCfg)
	if newOut, newOn, err := mapOutputConfig(newCfg); err == nil && (newOn != oldOn || newOut != oldOut) {
		a.log.Warn("output config changed; restart required for changes to take effect")
	}

	if keep, interval, err := mapRetention(newCfg); err == nil {
		a.rmu.Lock()
		a.retention = keep
		a.pruneInterval = interval
		a.rmu.Unlock()
	}

	// Reload descriptors on every accepted commit: touching the config file is
	// how operators pick up descriptor edits.
	a.reloadTasks(newCfg.Tasks.Path)
	a.applyAgents(newCfg.Agents)

	if engCfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	// Scheduler transitions are driven here; the remaining services manage
	// their own start/stop inside Apply.
	prevSchedEnabled := a.sched.Enabled()
	if schedCfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
		newSchedEnabled := schedCfg.Enabled
		if prevSchedEnabled && !newSchedEnabled {
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		}
		if !prevSchedEnabled && newSchedEnabled {
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if qCfg, err := mapQueueConfig(newCfg); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.queue.Apply(ctx, qCfg)
	}
	if chCfg, err := mapChannelConfig(newCfg); err != nil {
		a.log.Warn("invalid channel config; keeping previous", logx.Err(err))
	} else {
		a.channel.Apply(ctx, chCfg)
	}
	if anCfg, err := mapAnalyzerConfig(newCfg); err != nil {
		a.log.Warn("invalid analyzer config; keeping previous", logx.Err(err))
	} else {
		a.analyzer.Apply(ctx, anCfg)
	}
	if decCfg, err := mapDecisionConfig(newCfg); err != nil {
		a.log.Warn("invalid decision config; keeping previous", logx.Err(err))
	} else {
		a.decision.Apply(ctx, decCfg)
	}
	if ppCfg, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppCfg)
	}
}

// Reload forces an immediate config and descriptor re-read (the SIGHUP path).
// Config changes flow through the normal subscription pump; descriptors are
// re-read directly because task files can change without the config moving.
func (a *App) Reload(ctx context.Context) {
	if err := a.cfgm.Reload(ctx); err != nil {
		a.log.Warn("forced config reload failed; keeping previous", logx.Err(err))
	}
	if cfg := a.cfgm.Get(); cfg != nil {
		a.reloadTasks(cfg.Tasks.Path)
	}
}

// reloadTasks re-reads descriptors and, when the content actually changed,
// swaps the active set everywhere that holds one.
func (a *App) reloadTasks(path string) {
	set, err := taskdef.Load(path)
	if err != nil {
		a.log.Warn("task descriptor reload failed; keeping previous set", logx.Err(err))
		return
	}
	ver := taskSetVersion(set)

	a.tmu.Lock()
	same := ver == a.tver
	if !same {
		a.tasks = set
		a.tver = ver
	}
	a.tmu.Unlock()
	if same {
		return
	}

	a.sched.SetTasks(set)
	a.queue.SetTasks(set)
	a.decision.SetTasks(set)
	a.engine.SetConfigVersion(ver)
	a.log.Info("task set reloaded",
		logx.Int("tasks", set.Len()),
		logx.String("version", ver),
	)
}

func (a *App) taskSet() *taskdef.TaskSet {
	a.tmu.Lock()
	defer a.tmu.Unlock()
	return a.tasks
}

func (a *App) taskVersion() string {
	a.tmu.Lock()
	defer a.tmu.Unlock()
	return a.tver
}

func (a *App) pruneParams() (retention, interval time.Duration) {
	a.rmu.Lock()
	defer a.rmu.Unlock()
	return a.retention, a.pruneInterval
}

// applyAgents reconciles the registry's builtin agents against the agents
// section. Register replaces, so re-enabling a name a remote worker took over
// hands it back to the builtin; disabling only deregisters the exact instance
// this app registered.
func (a *App) applyAgents(agents map[string]config.AgentConfigRaw) {
	a.bmu.Lock()
	defer a.bmu.Unlock()

	desired := map[string]bool{}
	for name, ac := range agents {
		if ac.Enabled {
			desired[strings.ToLower(strings.TrimSpace(name))] = true
		}
	}

	for name, inv := range a.builtins {
		if desired[name] {
			continue
		}
		a.reg.Deregister(name, inv)
		delete(a.builtins, name)
		a.log.Info("builtin agent disabled via config", logx.String("agent", name))
	}
	for name := range desired {
		if _, ok := a.builtins[name]; ok {
			continue
		}
		var inv agent.Invoker
		switch name {
		case "echo":
			inv = agent.NewEcho()
		case "http_probe":
			inv = agent.NewHTTPProbe(nil)
		case "speedtest":
			inv = agent.NewSpeedtest()
		case "systemd":
			inv = agent.NewSystemd()
		default:
			a.log.Warn("unknown builtin agent in config", logx.String("agent", name))
			continue
		}
		a.reg.Register(name, inv)
		a.builtins[name] = inv
		a.log.Info("builtin agent enabled", logx.String("agent", name))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Trigger sources first so no new work enters, then the consumers, then
	// the engine so in-flight attempts can drain.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", 2*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("channel", 2*time.Second, func(c context.Context) error { a.channel.Stop(c); return nil })
	step("decision", 1*time.Second, func(c context.Context) error { a.decision.Stop(c); return nil })
	step("analyzer", 1*time.Second, func(c context.Context) error { a.analyzer.Stop(c); return nil })
	step("engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })

	// Wait for supervised goroutines (config watch/reload, prune loop, etc.)
	// before closing what they read.
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("output", 1*time.Second, func(c context.Context) error {
		if a.sink != nil {
			return a.sink.Close()
		}
		return nil
	})
	step("history", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
