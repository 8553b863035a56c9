// Package decision closes the adaptive loop: it consumes analyzer reports
// plus terminal-failure events and produces ranked orchestration decisions
// (schedule, reschedule, cancel, priority_boost, agent_reassign). Decisions
// clearing the confidence threshold are applied to the engine and scheduler;
// the rest stay in the active-decision map for operators.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/analyzer"
	"taskpilot/internal/eventbus"
	rtsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/taskdef"
	logx "taskpilot/pkg/logx"
)

const (
	// Spec'd trigger levels for agent health decisions.
	lowCompletionRate = 0.8
	lowEfficiency     = 0.6

	boostDelta         = 2
	scheduleDelay      = time.Minute
	scheduleConfidence = 0.85
	cancelConfidence   = 0.6

	wakeDebounce = 500 * time.Millisecond
	cycleTimeout = 15 * time.Second
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor

	log   logx.Logger
	bus   eventbus.Bus
	an    Analyzer
	eng   Engine
	sched Scheduler

	tmu   sync.Mutex
	tasks *taskdef.TaskSet

	dmu      sync.Mutex
	active   map[string]Decision
	resolved []Decision

	cycles  uint64
	applied uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, an Analyzer, eng Engine, sched Scheduler, tasks *taskdef.TaskSet) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		an:     an,
		eng:    eng,
		sched:  sched,
		tasks:  tasks,
		active: map[string]Decision{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// SetTasks swaps the active task set used to map agent and category signals
// to task ids.
func (s *Service) SetTasks(ts *taskdef.TaskSet) {
	s.tmu.Lock()
	s.tasks = ts
	s.tmu.Unlock()
}

// Apply installs cfg. Threshold and ring size take effect immediately; an
// interval change restarts the loop.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if prev.Interval != cfg.Interval {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		s.log.Debug("decision loop disabled")
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "decision"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("decide.loop", s.loop, rtsup.WithPublishFirstError(true))
	s.log.Info("decision loop started",
		logx.Duration("interval", cfg.Interval),
		logx.Float64("confidence_threshold", cfg.ConfidenceThreshold),
	)
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("decision loop stop timed out", logx.Err(err))
		return
	}
	s.log.Info("decision loop stopped")
}

func (s *Service) loop(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	interval := s.config().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	debounce := time.NewTimer(wakeDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			s.cycle(ctx)
		case ev, ok := <-events:
			if !ok {
				return context.Canceled
			}
			switch ev.Type {
			case eventbus.TypeTaskFailed:
				s.handleFailure(ev)
			case eventbus.TypeTaskCompleted:
			default:
				continue
			}
			// Coalesce event bursts into one cycle.
			if !pending {
				pending = true
				debounce.Reset(wakeDebounce)
			}
		case <-debounce.C:
			pending = false
			s.cycle(ctx)
		}
	}
}

// cycle runs one analysis pass and records the decisions it implies.
func (s *Service) cycle(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	rep, err := s.an.Analyze(cctx)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("decision cycle skipped: analysis failed", logx.Err(err))
		}
		return
	}
	atomic.AddUint64(&s.cycles, 1)

	for _, d := range s.agentDecisions(rep) {
		s.record(d)
	}
	for _, d := range s.bottleneckDecisions(rep) {
		s.record(d)
	}
	for _, d := range s.cancelDecisions(rep) {
		s.record(d)
	}
}

// agentDecisions turns unhealthy agent rows into per-task decisions: a
// priority boost when the completion rate sags, a reassignment to the
// best-measured agent when efficiency sags.
func (s *Service) agentDecisions(rep *analyzer.Report) []Decision {
	var out []Decision
	for _, row := range rep.Agents {
		lowRate := row.CompletionRate < lowCompletionRate
		lowEff := row.Efficiency < lowEfficiency
		if !lowRate && !lowEff {
			continue
		}
		var pref string
		if lowEff {
			pref = bestAgent(rep, row.Agent)
		}
		for _, task := range s.tasksForAgent(row.Agent) {
			if lowRate {
				out = append(out, Decision{
					Kind:       KindPriorityBoost,
					TaskID:     task.ID,
					Reason:     fmt.Sprintf("agent %q completion rate %.2f below %.2f", row.Agent, row.CompletionRate, lowCompletionRate),
					Confidence: clamp(0.6+(lowCompletionRate-row.CompletionRate), 0.6, 0.95),
				})
			}
			if lowEff && pref != "" {
				out = append(out, Decision{
					Kind:            KindAgentReassign,
					TaskID:          task.ID,
					Reason:          fmt.Sprintf("agent %q efficiency %.2f below %.2f", row.Agent, row.Efficiency, lowEfficiency),
					Confidence:      clamp(0.5+(lowEfficiency-row.Efficiency), 0.5, 0.9),
					AgentPreference: pref,
				})
			}
		}
	}
	return out
}

// bottleneckDecisions schedules a deferred top-up firing for every task in a
// starved category. Load and buildup bottlenecks signal over-provisioning,
// so only category bottlenecks imply more work.
func (s *Service) bottleneckDecisions(rep *analyzer.Report) []Decision {
	var out []Decision
	for _, b := range rep.Bottlenecks {
		if b.Category == "" {
			continue
		}
		at := time.Now().Add(scheduleDelay)
		for _, task := range s.tasksForCategory(b.Category) {
			t := at
			out = append(out, Decision{
				Kind:            KindSchedule,
				TaskID:          task.ID,
				Reason:          b.Detail,
				Confidence:      scheduleConfidence,
				SuggestedTiming: &t,
			})
		}
	}
	return out
}

func (s *Service) cancelDecisions(rep *analyzer.Report) []Decision {
	var out []Decision
	for _, sug := range rep.Suggestions {
		if sug.Kind != analyzer.SuggestionRedundant {
			continue
		}
		out = append(out, Decision{
			Kind:       KindCancel,
			TaskID:     sug.TaskID,
			Reason:     sug.Reason,
			Confidence: cancelConfidence,
		})
	}
	return out
}

// handleFailure runs the recovery classifier once a lineage's retry budget
// is exhausted. Queue-originated work is skipped: the bridge owns that
// budget and its abandonment. Unmet dependencies block one execution and
// have nothing to recover.
func (s *Service) handleFailure(ev eventbus.Event) {
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	exec := te.Execution
	if exec.Attempt < te.MaxAttempts {
		return
	}
	if exec.Origin == "queue" {
		return
	}
	if strings.Contains(exec.Error, "DependencyNotMet") {
		return
	}
	if strings.HasPrefix(exec.Error, "no-retry:") {
		s.abandon(te.Task, "agent marked the failure permanent: "+exec.Error)
		return
	}

	rec := Classify(exec.Error)
	if !rec.Recoverable {
		s.abandon(te.Task, fmt.Sprintf("%s after %d attempts: %s", rec.Reason, exec.Attempt, exec.Error))
		return
	}

	at := time.Now().Add(rec.Backoff)
	d := s.record(Decision{
		Kind:            KindReschedule,
		TaskID:          te.Task.ID,
		Reason:          fmt.Sprintf("%s after %d attempts, retry in %s", rec.Reason, exec.Attempt, rec.Backoff),
		Confidence:      rec.Confidence,
		SuggestedTiming: &at,
	})
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRecoverySuggested, Data: d})
}

func (s *Service) abandon(task taskdef.Task, reason string) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskAbandoned,
		Data: engine.AbandonEvent{Task: task, Reason: reason},
	})
	s.log.Warn("task abandoned",
		logx.String("task", task.ID),
		logx.String("reason", reason),
	)
}

// record gates, applies and installs one decision, superseding the standing
// decision for the same task. It returns the stored decision.
func (s *Service) record(d Decision) Decision {
	cfg := s.config()

	s.dmu.Lock()
	cur, exists := s.active[d.TaskID]
	s.dmu.Unlock()
	if exists && !supersedes(d, cur) {
		return cur
	}

	d.ID = uuid.NewString()
	d.CreatedAt = time.Now()

	// Cancel stays advisory at any confidence: an acknowledged queue message
	// is gone and agents expose no abort primitive.
	if d.Kind != KindCancel && d.Confidence >= cfg.ConfidenceThreshold {
		s.apply(&d)
		if d.Applied {
			atomic.AddUint64(&s.applied, 1)
		}
	}

	s.dmu.Lock()
	if old, ok := s.active[d.TaskID]; ok {
		s.retireLocked(old, cfg.Keep)
	}
	s.active[d.TaskID] = d
	s.dmu.Unlock()

	s.log.Info("decision recorded",
		logx.String("task", d.TaskID),
		logx.String("kind", string(d.Kind)),
		logx.Float64("confidence", d.Confidence),
		logx.Bool("applied", d.Applied),
	)
	return d
}

// supersedes reports whether next replaces cur. Unchanged standing signals
// don't churn the map or re-apply, and a pending deferred firing is not
// re-armed (re-arming on every cycle would push it out forever under steady
// event traffic).
func supersedes(next, cur Decision) bool {
	if next.Kind != cur.Kind {
		return true
	}
	switch next.Kind {
	case KindSchedule:
		return cur.SuggestedTiming == nil || !cur.SuggestedTiming.After(time.Now())
	case KindReschedule:
		return true
	default:
		return next.Confidence != cur.Confidence || next.AgentPreference != cur.AgentPreference
	}
}

func (s *Service) apply(d *Decision) {
	var err error
	switch d.Kind {
	case KindPriorityBoost:
		if s.eng == nil {
			err = errors.New("no engine attached")
		} else {
			s.eng.BoostPriority(d.TaskID, boostDelta)
		}
	case KindAgentReassign:
		if s.eng == nil {
			err = errors.New("no engine attached")
		} else {
			s.eng.SetAgentOverride(d.TaskID, d.AgentPreference)
		}
	case KindSchedule, KindReschedule:
		switch {
		case s.sched == nil:
			err = errors.New("no scheduler attached")
		case d.SuggestedTiming == nil:
			err = errors.New("no suggested timing")
		default:
			err = s.sched.ScheduleOnce(d.TaskID, *d.SuggestedTiming)
		}
	default:
		return
	}
	if err != nil {
		d.ApplyError = err.Error()
		s.log.Warn("decision apply failed",
			logx.String("task", d.TaskID),
			logx.String("kind", string(d.Kind)),
			logx.Err(err),
		)
		return
	}
	now := time.Now()
	d.Applied = true
	d.AppliedAt = &now
}

// retireLocked keeps the superseded decision in the bounded resolved ring.
// Call with dmu held.
func (s *Service) retireLocked(old Decision, keep int) {
	s.resolved = append(s.resolved, old)
	if keep > 0 && len(s.resolved) > keep {
		s.resolved = append(s.resolved[:0], s.resolved[len(s.resolved)-keep:]...)
	}
}

// Decisions returns the standing decision per task plus the most recently
// superseded ones.
func (s *Service) Decisions() Snapshot {
	snap := Snapshot{
		Enabled: s.Enabled(),
		Cycles:  atomic.LoadUint64(&s.cycles),
		Applied: atomic.LoadUint64(&s.applied),
	}
	s.dmu.Lock()
	for _, d := range s.active {
		snap.Active = append(snap.Active, d)
	}
	for i := len(s.resolved) - 1; i >= 0; i-- {
		snap.Resolved = append(snap.Resolved, s.resolved[i])
	}
	s.dmu.Unlock()
	sort.Slice(snap.Active, func(i, j int) bool { return snap.Active[i].TaskID < snap.Active[j].TaskID })
	return snap
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) tasksForAgent(agentType string) []taskdef.Task {
	s.tmu.Lock()
	ts := s.tasks
	s.tmu.Unlock()
	var out []taskdef.Task
	for _, t := range ts.Enabled() {
		if t.Agent == agentType {
			out = append(out, t)
		}
	}
	return out
}

func (s *Service) tasksForCategory(category string) []taskdef.Task {
	s.tmu.Lock()
	ts := s.tasks
	s.tmu.Unlock()
	var out []taskdef.Task
	for _, t := range ts.Enabled() {
		if t.Category == category {
			out = append(out, t)
		}
	}
	return out
}

// bestAgent returns the highest-efficiency agent other than exclude, empty
// when no other agent has been measured. Rows are sorted, so ties resolve
// deterministically.
func bestAgent(rep *analyzer.Report, exclude string) string {
	best := ""
	bestEff := -1.0
	for _, row := range rep.Agents {
		if row.Agent == exclude {
			continue
		}
		if row.Efficiency > bestEff {
			best, bestEff = row.Agent, row.Efficiency
		}
	}
	return best
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
