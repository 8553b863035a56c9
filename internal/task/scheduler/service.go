package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/taskdef"
	logx "taskpilot/pkg/logx"
)

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		engine: eng,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:       cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		routes:       map[string][]string{},
		lastFireWarn: map[string]time.Time{},
		timers:       map[string]*time.Timer{},
		onceAt:       map[string]time.Time{},
		onceVer:      map[string]uint64{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		// Restart cron with the new location and re-register definitions.
		s.restartLocked()
	}
}

// SetTasks swaps the active task set. Recurring schedules and trigger routes
// are rebuilt to match it; disabled tasks are left out entirely.
func (s *Service) SetTasks(ts *taskdef.TaskSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = ts
	s.rebuildLocked()
}

// Start begins cron triggering, restores pending one-time firings and starts
// the trigger-event pump.
func (s *Service) Start(ctx context.Context) {
	_ = ctx // reserved

	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	cur := s.cfg
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.String("tz", strings.TrimSpace(cur.Timezone)))

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.rebuildLocked()
	s.c.Start()
	s.rebuildOnceTimersLocked()

	stopCh := make(chan struct{})
	s.stopCh = stopCh
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	schedules := len(s.defs)
	triggers := len(s.routes)
	s.mu.Unlock()

	go s.eventPump(ch, stopCh)

	s.log.Info("scheduler started",
		logx.String("tz", loc.String()),
		logx.Int("schedules", schedules),
		logx.Int("trigger_events", triggers),
	)
}

// Stop stops cron triggering, the event pump and all runtime one-time
// timers. Persisted one-time definitions remain so they resume on the next
// Start().
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	stopCh := s.stopCh
	s.stopCh = nil
	unsub := s.unsub
	s.unsub = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if unsub != nil {
		unsub()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// RunNow fires taskID immediately with a manual origin.
func (s *Service) RunNow(taskID string) error {
	s.mu.Lock()
	ts := s.tasks
	eng := s.engine
	s.mu.Unlock()
	if eng == nil || ts == nil {
		return errors.New("scheduler has no task set")
	}
	task, ok := ts.Get(taskID)
	if !ok {
		return fmt.Errorf("unknown task %q", taskID)
	}
	if !task.Enabled {
		return fmt.Errorf("task %q is disabled", taskID)
	}
	return eng.Fire(task, engine.FireOptions{Origin: "manual"})
}

// rebuildLocked re-registers every recurring schedule and trigger route from
// the active task set. Call with s.mu held.
func (s *Service) rebuildLocked() {
	if s.c != nil {
		for i := range s.defs {
			if s.defs[i].entryID != 0 {
				s.c.Remove(s.defs[i].entryID)
			}
		}
	}
	s.defs = s.defs[:0]
	routes := map[string][]string{}

	if s.tasks == nil {
		s.routes = routes
		return
	}
	for _, task := range s.tasks.Enabled() {
		switch task.Kind {
		case taskdef.KindScheduled:
			d := scheduleDef{taskID: task.ID, spec: strings.TrimSpace(task.Schedule)}
			if s.c != nil {
				if err := s.addEntryLocked(&d); err != nil {
					s.log.Error("schedule register failed", logx.String("task", task.ID), logx.String("spec", d.spec), logx.Any("err", err))
				} else if next := s.previewNextRunsLocked(d.spec, 3); next != "" {
					s.log.Debug("schedule registered", logx.String("task", task.ID), logx.String("spec", d.spec), logx.String("next", next))
				}
			}
			s.defs = append(s.defs, d)
		case taskdef.KindTriggered:
			ev := strings.TrimSpace(task.TriggerEvent)
			routes[ev] = append(routes[ev], task.ID)
		}
	}
	for ev := range routes {
		sort.Strings(routes[ev])
	}
	s.routes = routes
}

// addEntryLocked registers one recurring trigger with cron. Interval specs
// get a startup spread on their first firing. Call with s.mu held.
func (s *Service) addEntryLocked(d *scheduleDef) error {
	ps, err := taskdef.ParseSchedule(d.spec)
	if err != nil {
		return err
	}

	taskID := d.taskID
	job := cron.FuncJob(func() { s.fire(taskID, "schedule", nil) })

	if ps.Kind == taskdef.SpecInterval {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		maxSpread := s.cfg.StartupSpread
		sched, jitter := intervalScheduleWithSpread(ps.Every, time.Now().In(loc), taskID, maxSpread)
		d.startupSpread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(ps.Cron, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.rebuildLocked()
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) eventPump(ch <-chan eventbus.Event, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.routeEvent(ev)
		}
	}
}

func (s *Service) routeEvent(ev eventbus.Event) {
	s.mu.Lock()
	ids := append([]string(nil), s.routes[ev.Type]...)
	s.mu.Unlock()
	for _, id := range ids {
		s.fire(id, "event", ev.Data)
	}
}

// fire resolves the task from the active set and hands it to the engine.
// Removed or disabled tasks are skipped silently at debug level.
func (s *Service) fire(taskID, origin string, payload any) {
	s.mu.Lock()
	ts := s.tasks
	eng := s.engine
	s.mu.Unlock()
	if eng == nil || ts == nil {
		return
	}
	task, ok := ts.Get(taskID)
	if !ok {
		s.log.Debug("firing skipped: task no longer defined", logx.String("task", taskID))
		return
	}
	if !task.Enabled {
		s.log.Debug("firing skipped: task disabled", logx.String("task", taskID))
		return
	}
	if err := eng.Fire(task, engine.FireOptions{Origin: origin, Payload: payload}); err != nil {
		s.reportFireError(task.ID, err)
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming run
// times for the given spec. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if s.log.IsZero() || !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	ps, err := taskdef.ParseSchedule(spec)
	if err != nil || ps.Kind != taskdef.SpecCron {
		return ""
	}
	sched, err := s.parser.Parse(ps.Cron)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
