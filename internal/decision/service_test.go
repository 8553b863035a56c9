package decision

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"taskpilot/internal/analyzer"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/history"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/taskdef"
	logx "taskpilot/pkg/logx"
)

type scriptedAnalyzer struct {
	mu  sync.Mutex
	rep *analyzer.Report
}

func (a *scriptedAnalyzer) Analyze(ctx context.Context) (*analyzer.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rep, nil
}

type fakeEngine struct {
	mu        sync.Mutex
	boosts    map[string]int
	overrides map[string]string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{boosts: map[string]int{}, overrides: map[string]string{}}
}

func (f *fakeEngine) PriorityOf(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return 5 + f.boosts[taskID]
}

func (f *fakeEngine) BoostPriority(taskID string, delta int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boosts[taskID] += delta
	return 5 + f.boosts[taskID]
}

func (f *fakeEngine) SetAgentOverride(taskID, agentType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[taskID] = agentType
}

func (f *fakeEngine) boostOf(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boosts[taskID]
}

func (f *fakeEngine) overrideOf(taskID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overrides[taskID]
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls int
	onces map[string]time.Time
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{onces: map[string]time.Time{}}
}

func (f *fakeScheduler) ScheduleOnce(taskID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.onces[taskID] = at
	return nil
}

func (f *fakeScheduler) onceOf(taskID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.onces[taskID]
	return at, ok
}

func (f *fakeScheduler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type decisionRig struct {
	svc   *Service
	an    *scriptedAnalyzer
	eng   *fakeEngine
	sched *fakeScheduler
	bus   eventbus.Bus
}

func newDecisionRig(t *testing.T, cfg Config, rep *analyzer.Report, tasks ...taskdef.Task) *decisionRig {
	t.Helper()
	ts, err := taskdef.NewTaskSet(tasks)
	if err != nil {
		t.Fatalf("task set: %v", err)
	}
	cfg.Enabled = true
	rig := &decisionRig{
		an:    &scriptedAnalyzer{rep: rep},
		eng:   newFakeEngine(),
		sched: newFakeScheduler(),
		bus:   eventbus.New(),
	}
	rig.svc = New(cfg, logx.Nop(), rig.bus, rig.an, rig.eng, rig.sched, ts)
	return rig
}

func manualTask(id, agentType, category string) taskdef.Task {
	return taskdef.Task{
		ID:          id,
		Name:        id,
		Kind:        taskdef.KindManual,
		Agent:       agentType,
		Enabled:     true,
		Category:    category,
		RetryPolicy: taskdef.RetryPolicy{MaxAttempts: 1},
	}
}

func agentRow(agentType string, rate, eff float64) analyzer.AgentPerformance {
	return analyzer.AgentPerformance{Agent: agentType, CompletionRate: rate, Efficiency: eff}
}

func failedEvent(task taskdef.Task, attempt, maxAttempts int, origin, errText string) eventbus.Event {
	return eventbus.Event{
		Type: eventbus.TypeTaskFailed,
		Data: engine.TaskEvent{
			Task: task,
			Execution: history.Execution{
				TaskID:  task.ID,
				Agent:   task.Agent,
				Origin:  origin,
				Attempt: attempt,
				Status:  history.StatusFailed,
				Error:   errText,
			},
			MaxAttempts: maxAttempts,
			Error:       errText,
		},
	}
}

func TestConfidenceGating(t *testing.T) {
	rep := &analyzer.Report{Agents: []analyzer.AgentPerformance{
		// 0.6+(0.8-0.59) = 0.81: clears the 0.8 gate.
		agentRow("low", 0.59, 0.9),
		// 0.6+(0.8-0.61) = 0.79: recorded only.
		agentRow("mid", 0.61, 0.9),
	}}
	rig := newDecisionRig(t, Config{}, rep,
		manualTask("t-low", "low", ""),
		manualTask("t-mid", "mid", ""),
	)

	rig.svc.cycle(context.Background())

	if got := rig.eng.boostOf("t-low"); got != boostDelta {
		t.Fatalf("0.81 decision must auto-apply a boost, got delta %d", got)
	}
	if got := rig.eng.boostOf("t-mid"); got != 0 {
		t.Fatalf("0.79 decision must not be applied, got delta %d", got)
	}

	snap := rig.svc.Decisions()
	if len(snap.Active) != 2 {
		t.Fatalf("both decisions must land in the active map: %+v", snap.Active)
	}
	low, mid := snap.Active[0], snap.Active[1]
	if low.TaskID != "t-low" || low.Kind != KindPriorityBoost || !low.Applied {
		t.Fatalf("unexpected applied decision: %+v", low)
	}
	if mid.TaskID != "t-mid" || mid.Kind != KindPriorityBoost || mid.Applied {
		t.Fatalf("unexpected recorded-only decision: %+v", mid)
	}
	if snap.Applied != 1 || snap.Cycles != 1 {
		t.Fatalf("counters: applied=%d cycles=%d", snap.Applied, snap.Cycles)
	}

	// The same report must not re-apply or churn the map.
	rig.svc.cycle(context.Background())
	if got := rig.eng.boostOf("t-low"); got != boostDelta {
		t.Fatalf("unchanged signal re-applied the boost: delta %d", got)
	}
	if snap := rig.svc.Decisions(); len(snap.Resolved) != 0 {
		t.Fatalf("unchanged signal churned the resolved ring: %+v", snap.Resolved)
	}
}

func TestReassignNamesBestAgent(t *testing.T) {
	rep := &analyzer.Report{Agents: []analyzer.AgentPerformance{
		agentRow("slowbot", 0.9, 0.25),
		agentRow("speedbot", 0.95, 0.95),
	}}
	rig := newDecisionRig(t, Config{}, rep, manualTask("t-s", "slowbot", ""))

	rig.svc.cycle(context.Background())

	if got := rig.eng.overrideOf("t-s"); got != "speedbot" {
		t.Fatalf("expected override to speedbot, got %q", got)
	}
	snap := rig.svc.Decisions()
	if len(snap.Active) != 1 {
		t.Fatalf("expected one decision, got %+v", snap.Active)
	}
	d := snap.Active[0]
	if d.Kind != KindAgentReassign || d.AgentPreference != "speedbot" || !d.Applied {
		t.Fatalf("unexpected reassign decision: %+v", d)
	}
}

func TestReassignNeedsAnotherAgent(t *testing.T) {
	rep := &analyzer.Report{Agents: []analyzer.AgentPerformance{
		agentRow("onlybot", 0.9, 0.25),
	}}
	rig := newDecisionRig(t, Config{}, rep, manualTask("t-o", "onlybot", ""))

	rig.svc.cycle(context.Background())

	if snap := rig.svc.Decisions(); len(snap.Active) != 0 {
		t.Fatalf("no reassign without a candidate agent, got %+v", snap.Active)
	}
	if got := rig.eng.overrideOf("t-o"); got != "" {
		t.Fatalf("unexpected override %q", got)
	}
}

func TestScheduleFromCategoryBottleneck(t *testing.T) {
	rep := &analyzer.Report{Bottlenecks: []analyzer.Bottleneck{{
		Kind:     "prospects_low",
		Category: "prospects",
		Detail:   "1 recent prospects completions, minimum 3",
		Value:    1,
		Limit:    3,
	}}}
	rig := newDecisionRig(t, Config{}, rep,
		manualTask("t-lead", "finder", "prospects"),
		manualTask("t-other", "finder", "other"),
	)

	rig.svc.cycle(context.Background())

	at, ok := rig.sched.onceOf("t-lead")
	if !ok {
		t.Fatal("starved category must arm a deferred firing")
	}
	if d := time.Until(at); d < 50*time.Second || d > 70*time.Second {
		t.Fatalf("suggested timing off: %v from now", d)
	}
	if _, ok := rig.sched.onceOf("t-other"); ok {
		t.Fatal("tasks outside the category must not be scheduled")
	}

	// A second cycle while the firing is still pending must not re-arm it.
	rig.svc.cycle(context.Background())
	if n := rig.sched.callCount(); n != 1 {
		t.Fatalf("pending firing re-armed: %d ScheduleOnce calls", n)
	}

	snap := rig.svc.Decisions()
	if len(snap.Active) != 1 || snap.Active[0].Kind != KindSchedule || !snap.Active[0].Applied {
		t.Fatalf("unexpected schedule decision: %+v", snap.Active)
	}
}

func TestCancelStaysAdvisory(t *testing.T) {
	rep := &analyzer.Report{Suggestions: []analyzer.Suggestion{{
		Kind:   analyzer.SuggestionRedundant,
		TaskID: "t-noisy",
		Reason: "3 recent attempts, none completed",
	}}}
	// Threshold below the cancel confidence: it still must not be enforced.
	rig := newDecisionRig(t, Config{ConfidenceThreshold: 0.5}, rep,
		manualTask("t-noisy", "probe", ""),
	)

	rig.svc.cycle(context.Background())

	snap := rig.svc.Decisions()
	if len(snap.Active) != 1 {
		t.Fatalf("expected one advisory decision, got %+v", snap.Active)
	}
	d := snap.Active[0]
	if d.Kind != KindCancel || d.Applied || d.Confidence != cancelConfidence {
		t.Fatalf("cancel must stay advisory: %+v", d)
	}
	if rig.sched.callCount() != 0 {
		t.Fatal("cancel must not touch the scheduler")
	}
}

func TestRecoveryReschedulesTransientFailure(t *testing.T) {
	rig := newDecisionRig(t, Config{}, &analyzer.Report{}, manualTask("t-net", "probe", ""))
	events, unsub := rig.bus.Subscribe(8)
	defer unsub()

	rig.svc.handleFailure(failedEvent(manualTask("t-net", "probe", ""), 2, 2, "schedule",
		"dial tcp 10.0.0.1:443: connection refused"))

	at, ok := rig.sched.onceOf("t-net")
	if !ok {
		t.Fatal("recoverable failure must arm a reschedule")
	}
	if d := time.Until(at); d < 290*time.Second || d > 310*time.Second {
		t.Fatalf("network backoff off: %v from now", d)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeRecoverySuggested {
			t.Fatalf("expected recovery_suggested, got %q", ev.Type)
		}
		d, ok := ev.Data.(Decision)
		if !ok || d.Kind != KindReschedule || !d.Applied {
			t.Fatalf("unexpected recovery payload: %#v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovery_suggested")
	}
}

func TestRecoveryAbandonsPermanentFailure(t *testing.T) {
	rig := newDecisionRig(t, Config{}, &analyzer.Report{}, manualTask("t-auth", "probe", ""))
	events, unsub := rig.bus.Subscribe(8)
	defer unsub()

	rig.svc.handleFailure(failedEvent(manualTask("t-auth", "probe", ""), 3, 3, "schedule",
		"invalid credentials"))

	if rig.sched.callCount() != 0 {
		t.Fatal("permanent failure must not be rescheduled")
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeTaskAbandoned {
			t.Fatalf("expected task_abandoned, got %q", ev.Type)
		}
		ab, ok := ev.Data.(engine.AbandonEvent)
		if !ok || ab.Task.ID != "t-auth" || !strings.Contains(ab.Reason, "invalid credentials") {
			t.Fatalf("unexpected abandon payload: %#v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task_abandoned")
	}
}

func TestRecoveryIgnoresNonTerminalQueueAndDependencyFailures(t *testing.T) {
	rig := newDecisionRig(t, Config{}, &analyzer.Report{}, manualTask("t-x", "probe", ""))
	events, unsub := rig.bus.Subscribe(8)
	defer unsub()

	task := manualTask("t-x", "probe", "")
	// Retries still pending.
	rig.svc.handleFailure(failedEvent(task, 1, 3, "schedule", "connection refused"))
	// Queue work: the bridge owns the budget.
	rig.svc.handleFailure(failedEvent(task, 1, 1, "queue", "connection refused"))
	// Dependency gate: nothing to recover.
	rig.svc.handleFailure(failedEvent(task, 1, 1, "schedule",
		`DependencyNotMet: dependency "t1" has no completed run within 24h0m0s`))

	if rig.sched.callCount() != 0 {
		t.Fatalf("no reschedule expected, got %d calls", rig.sched.callCount())
	}
	select {
	case ev := <-events:
		t.Fatalf("no events expected, got %q", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
	if snap := rig.svc.Decisions(); len(snap.Active) != 0 {
		t.Fatalf("no decisions expected, got %+v", snap.Active)
	}
}

func TestResolvedRingKeepsSupersededDecisions(t *testing.T) {
	rig := newDecisionRig(t, Config{Keep: 2}, &analyzer.Report{}, manualTask("t-r", "probe", ""))

	for i := 0; i < 4; i++ {
		rig.svc.handleFailure(failedEvent(manualTask("t-r", "probe", ""), 1, 1, "schedule",
			"connection refused"))
	}

	snap := rig.svc.Decisions()
	if len(snap.Active) != 1 || snap.Active[0].Kind != KindReschedule {
		t.Fatalf("expected one standing reschedule, got %+v", snap.Active)
	}
	if len(snap.Resolved) != 2 {
		t.Fatalf("resolved ring must cap at Keep: %+v", snap.Resolved)
	}
	if snap.Resolved[0].CreatedAt.Before(snap.Resolved[1].CreatedAt) {
		t.Fatalf("resolved ring not newest-first: %+v", snap.Resolved)
	}
}

func TestLoopReactsToFailureEvents(t *testing.T) {
	rig := newDecisionRig(t, Config{Interval: time.Hour}, &analyzer.Report{}, manualTask("t-live", "probe", ""))
	rig.svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rig.svc.Stop(ctx)
	})

	// Publish until the loop (which subscribes asynchronously) picks one up.
	ev := failedEvent(manualTask("t-live", "probe", ""), 2, 2, "schedule",
		"dial tcp: i/o timeout")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rig.bus.Publish(ev)
		if _, ok := rig.sched.onceOf("t-live"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the loop to reschedule the failure")
}
