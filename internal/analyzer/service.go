// Package analyzer computes performance statistics over the trailing
// execution window: per-agent completion rates and efficiency against
// configured duration baselines, system-level bottlenecks and redundant-task
// suggestions.
//
// Analyze is a pure pass over history plus live engine load; the service's
// own loop refreshes the cached report on an interval and after
// task_completed/task_failed events so ops endpoints always have a recent
// view. The decision engine calls Analyze directly per cycle.
package analyzer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/history"
	rtsup "taskpilot/internal/runtime/supervisor"
	logx "taskpilot/pkg/logx"
)

const (
	// fetchFactor sizes the global history read so per-agent windows have
	// data even with many agents.
	fetchFactor = 8

	// minSamples is how many terminal attempts a task needs before a
	// zero-completion streak is flagged redundant.
	minSamples = 3

	// wakeDebounce coalesces event bursts into one refresh.
	wakeDebounce = 500 * time.Millisecond

	analyzeTimeout = 10 * time.Second
)

// LoadStats is the live engine load sampled alongside history.
type LoadStats interface {
	RunningCount() int
	QueuedCount() int
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor

	log   logx.Logger
	bus   eventbus.Bus
	store history.Store
	eng   LoadStats

	lmu  sync.Mutex
	last *Report
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store history.Store, eng LoadStats) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		store: store,
		eng:   eng,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply installs cfg. Thresholds, baselines and the window take effect on
// the next pass without a restart; an interval change restarts the loop.
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
		s.log.Debug("analyzer disabled")
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "analyzer"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("analyze.loop", s.loop, rtsup.WithPublishFirstError(true))
	s.log.Info("analyzer started",
		logx.Duration("interval", cfg.Interval),
		logx.Int("window", cfg.Window),
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
		s.log.Warn("analyzer stop timed out", logx.Err(err))
		return
	}
	s.log.Info("analyzer stopped")
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

	// Warm pass so the cached report exists right after start.
	s.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			s.refresh(ctx)
		case ev, ok := <-events:
			if !ok {
				return context.Canceled
			}
			if ev.Type != eventbus.TypeTaskCompleted && ev.Type != eventbus.TypeTaskFailed {
				continue
			}
			// One refresh per burst: further events while the timer is armed
			// are absorbed.
			if !pending {
				pending = true
				debounce.Reset(wakeDebounce)
			}
		case <-debounce.C:
			pending = false
			s.refresh(ctx)
		}
	}
}

func (s *Service) refresh(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	defer cancel()
	if _, err := s.Analyze(rctx); err != nil && ctx.Err() == nil {
		s.log.Warn("analysis pass failed", logx.Err(err))
	}
}

// Analyze runs one pass and caches the result for Last.
func (s *Service) Analyze(ctx context.Context) (*Report, error) {
	cfg := s.config()

	recs, err := s.store.ListRecent(ctx, cfg.Window*fetchFactor)
	if err != nil {
		return nil, fmt.Errorf("history read: %w", err)
	}

	var running, queued int
	if s.eng != nil {
		running = s.eng.RunningCount()
		queued = s.eng.QueuedCount()
	}

	rep := &Report{
		GeneratedAt: time.Now(),
		Window:      cfg.Window,
		Running:     running,
		Queued:      queued,
		Agents:      agentRows(recs, cfg),
		Bottlenecks: bottlenecks(recs, cfg, running, queued),
		Suggestions: suggestions(recs),
	}

	s.lmu.Lock()
	s.last = rep
	s.lmu.Unlock()
	return rep, nil
}

// Last returns the most recent report, nil before the first pass.
func (s *Service) Last() *Report {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	return s.last
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// agentRows groups terminal records by agent, keeping at most Window per
// agent. Records arrive newest first, so the cap keeps the newest.
func agentRows(recs []history.Execution, cfg Config) []AgentPerformance {
	type acc struct {
		total, completed int
		durSum           time.Duration
		durN             int
	}
	byAgent := map[string]*acc{}
	for _, e := range recs {
		if !e.Status.Terminal() || e.Agent == "" {
			continue
		}
		a := byAgent[e.Agent]
		if a == nil {
			a = &acc{}
			byAgent[e.Agent] = a
		}
		if a.total >= cfg.Window {
			continue
		}
		a.total++
		if e.Status == history.StatusCompleted {
			a.completed++
			if d := e.Duration(); d > 0 {
				a.durSum += d
				a.durN++
			}
		}
	}

	rows := make([]AgentPerformance, 0, len(byAgent))
	for name, a := range byAgent {
		row := AgentPerformance{
			Agent:          name,
			Total:          a.total,
			Completed:      a.completed,
			Failed:         a.total - a.completed,
			CompletionRate: float64(a.completed) / float64(a.total),
			Baseline:       baselineFor(name, cfg),
		}
		if a.durN > 0 {
			row.AvgDuration = a.durSum / time.Duration(a.durN)
			row.Efficiency = math.Min(float64(row.Baseline)/float64(row.AvgDuration), 1.0)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Agent < rows[j].Agent })
	return rows
}

func baselineFor(agentType string, cfg Config) time.Duration {
	if d, ok := cfg.Baselines[agentType]; ok && d > 0 {
		return d
	}
	return cfg.DefaultBaseline
}

func bottlenecks(recs []history.Execution, cfg Config, running, queued int) []Bottleneck {
	var out []Bottleneck
	if running > cfg.LoadThreshold {
		out = append(out, Bottleneck{
			Kind:   BottleneckHighLoad,
			Detail: fmt.Sprintf("%d executions running, threshold %d", running, cfg.LoadThreshold),
			Value:  running,
			Limit:  cfg.LoadThreshold,
		})
	}
	if backlog := queued + running; backlog > cfg.BuildupThreshold {
		out = append(out, Bottleneck{
			Kind:   BottleneckQueueBuildup,
			Detail: fmt.Sprintf("%d firings queued or running, threshold %d", backlog, cfg.BuildupThreshold),
			Value:  backlog,
			Limit:  cfg.BuildupThreshold,
		})
	}
	if len(cfg.CategoryMin) == 0 {
		return out
	}

	counts := map[string]int{}
	for _, e := range recs {
		if e.Status == history.StatusCompleted && e.Category != "" {
			counts[e.Category]++
		}
	}
	cats := make([]string, 0, len(cfg.CategoryMin))
	for cat := range cfg.CategoryMin {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		want := cfg.CategoryMin[cat]
		if n := counts[cat]; n < want {
			out = append(out, Bottleneck{
				Kind:     cat + "_low",
				Detail:   fmt.Sprintf("%d recent %s completions, minimum %d", n, cat, want),
				Category: cat,
				Value:    n,
				Limit:    want,
			})
		}
	}
	return out
}

func suggestions(recs []history.Execution) []Suggestion {
	type acc struct{ total, completed int }
	byTask := map[string]*acc{}
	for _, e := range recs {
		if !e.Status.Terminal() || e.TaskID == "" {
			continue
		}
		a := byTask[e.TaskID]
		if a == nil {
			a = &acc{}
			byTask[e.TaskID] = a
		}
		a.total++
		if e.Status == history.StatusCompleted {
			a.completed++
		}
	}

	ids := make([]string, 0, len(byTask))
	for id := range byTask {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Suggestion
	for _, id := range ids {
		a := byTask[id]
		if a.total >= minSamples && a.completed == 0 {
			out = append(out, Suggestion{
				Kind:   SuggestionRedundant,
				TaskID: id,
				Reason: fmt.Sprintf("%d recent attempts, none completed", a.total),
			})
		}
	}
	return out
}
