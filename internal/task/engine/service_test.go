package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskpilot/internal/agent"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/history"
	"taskpilot/internal/taskdef"
	logx "taskpilot/pkg/logx"
)

type captureSink struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *captureSink) Deliver(_ context.Context, env Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) list() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envs...)
}

type testEngine struct {
	svc   *Service
	store history.Store
	bus   eventbus.Bus
	reg   *agent.Registry
	sink  *captureSink
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	store, err := history.Open(history.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	te := &testEngine{
		store: store,
		bus:   eventbus.New(),
		reg:   agent.NewRegistry(),
		sink:  &captureSink{},
	}
	te.svc = New(cfg, logx.Nop(), te.bus, store, te.reg, te.sink)
	te.svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		te.svc.Stop(ctx)
	})
	return te
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func manualTask(id, agentType string, maxAttempts int) taskdef.Task {
	return taskdef.Task{
		ID:          id,
		Name:        id,
		Kind:        taskdef.KindManual,
		Agent:       agentType,
		Enabled:     true,
		RetryPolicy: taskdef.RetryPolicy{MaxAttempts: maxAttempts},
	}
}

func TestFireCompletedProducesEnvelope(t *testing.T) {
	te := newTestEngine(t, Config{Workers: 1, QueueSize: 8})
	te.svc.SetConfigVersion("v1")
	te.reg.Register("probe", agent.InvokerFunc(func(_ context.Context, inv agent.Invocation) (any, error) {
		return map[string]any{"ok": true, "task": inv.TaskID, "cfg": inv.Config["k"]}, nil
	}))

	events, unsub := te.bus.Subscribe(16)
	t.Cleanup(unsub)

	task := manualTask("report", "probe", 1)
	task.Name = "Daily report"
	task.Config = map[string]any{"k": "v"}
	task.Output = taskdef.OutputDescriptor{Format: "json", Schema: "report.v1", Destination: "out/report.json"}

	if err := te.svc.Fire(task, FireOptions{Origin: "manual"}); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	ctx := context.Background()
	waitFor(t, 2*time.Second, "completed record", func() bool {
		recs, _ := te.store.ListByTask(ctx, "report", 5)
		return len(recs) == 1 && recs[0].Status == history.StatusCompleted
	})

	recs, err := te.store.ListByTask(ctx, "report", 5)
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	rec := recs[0]
	if rec.Attempt != 1 || rec.Agent != "probe" || rec.Origin != "manual" {
		t.Fatalf("record = attempt %d agent %q origin %q", rec.Attempt, rec.Agent, rec.Origin)
	}
	if rec.LineageID == "" || rec.ID == "" {
		t.Fatal("record missing ids")
	}
	if rec.CompletedAt == nil {
		t.Fatal("completed record has no CompletedAt")
	}
	if len(rec.OutputData) == 0 {
		t.Fatal("completed record has no output envelope")
	}

	var env Envelope
	if err := json.Unmarshal(rec.OutputData, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.TaskID != "report" || env.TaskName != "Daily report" {
		t.Fatalf("envelope ids = %q/%q", env.TaskID, env.TaskName)
	}
	if env.OutputFormat != "json" || env.OutputSchema != "report.v1" || env.Destination != "out/report.json" {
		t.Fatalf("envelope output = %+v", env)
	}
	if env.Metadata.Agent != "probe" || env.Metadata.ConfigVersion != "v1" {
		t.Fatalf("envelope metadata = %+v", env.Metadata)
	}

	// Wire keys are camelCase.
	var m map[string]any
	if err := json.Unmarshal(rec.OutputData, &m); err != nil {
		t.Fatalf("unmarshal envelope keys: %v", err)
	}
	for _, key := range []string{"taskId", "taskName", "executedAt", "outputFormat", "data", "metadata"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("envelope missing %q key: %v", key, m)
		}
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeTaskCompleted {
			t.Fatalf("event type = %q, want %q", ev.Type, eventbus.TypeTaskCompleted)
		}
		payload, ok := ev.Data.(TaskEvent)
		if !ok {
			t.Fatalf("event payload = %T", ev.Data)
		}
		if payload.Execution.ID != rec.ID || len(payload.Output) == 0 {
			t.Fatalf("event payload = %+v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no task_completed event")
	}

	waitFor(t, 2*time.Second, "sink delivery", func() bool { return len(te.sink.list()) == 1 })
	if got := te.sink.list()[0]; got.Destination != "out/report.json" {
		t.Fatalf("sink destination = %q", got.Destination)
	}
}

func TestRetriesExhaustRecordLineage(t *testing.T) {
	te := newTestEngine(t, Config{Workers: 2, QueueSize: 8})
	te.reg.Register("flaky", agent.InvokerFunc(func(context.Context, agent.Invocation) (any, error) {
		return nil, errors.New("network error: connection refused")
	}))

	events, unsub := te.bus.Subscribe(32)
	t.Cleanup(unsub)

	task := manualTask("flaky-task", "flaky", 3)
	if err := te.svc.Fire(task, FireOptions{Origin: "schedule"}); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	ctx := context.Background()
	waitFor(t, 3*time.Second, "exhausted lineage", func() bool {
		recs, _ := te.store.ListByTask(ctx, "flaky-task", 10)
		return len(recs) == 3 && recs[0].Status == history.StatusFailed && recs[0].Attempt == 3
	})

	recs, _ := te.store.ListByTask(ctx, "flaky-task", 10)
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	for i, want := range []int{3, 2, 1} {
		if recs[i].Attempt != want {
			t.Fatalf("recs[%d].Attempt = %d, want %d", i, recs[i].Attempt, want)
		}
		if recs[i].Status != history.StatusFailed {
			t.Fatalf("recs[%d].Status = %q", i, recs[i].Status)
		}
		if recs[i].LineageID != recs[0].LineageID {
			t.Fatalf("lineage split: %q vs %q", recs[i].LineageID, recs[0].LineageID)
		}
	}

	// One task_failed per attempt.
	failed := 0
	deadline := time.After(2 * time.Second)
	for failed < 3 {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeTaskFailed {
				continue
			}
			failed++
			payload := ev.Data.(TaskEvent)
			if payload.MaxAttempts != 3 || payload.Error == "" {
				t.Fatalf("task_failed payload = %+v", payload)
			}
		case <-deadline:
			t.Fatalf("saw %d task_failed events, want 3", failed)
		}
	}
}

func TestNoRetrySkipsRemainingAttempts(t *testing.T) {
	te := newTestEngine(t, Config{Workers: 1, QueueSize: 8})
	var calls int32
	te.reg.Register("strict", agent.InvokerFunc(func(context.Context, agent.Invocation) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, NoRetry(errors.New("bad input"))
	}))

	if err := te.svc.Fire(manualTask("strict-task", "strict", 5), FireOptions{}); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	ctx := context.Background()
	waitFor(t, 2*time.Second, "terminal record", func() bool {
		recs, _ := te.store.ListByTask(ctx, "strict-task", 10)
		return len(recs) == 1 && recs[0].Status.Terminal()
	})
	time.Sleep(50 * time.Millisecond)

	recs, _ := te.store.ListByTask(ctx, "strict-task", 10)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("agent calls = %d, want 1", got)
	}
}

func TestDependencyGateBlocksWithoutInvoking(t *testing.T) {
	te := newTestEngine(t, Config{Workers: 1, QueueSize: 8})
	var calls int32
	te.reg.Register("probe", agent.InvokerFunc(func(context.Context, agent.Invocation) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	}))

	task := manualTask("child", "probe", 3)
	task.Dependencies = []string{"parent"}

	if err := te.svc.Fire(task, FireOptions{}); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	ctx := context.Background()
	waitFor(t, 2*time.Second, "blocked record", func() bool {
		recs, _ := te.store.ListByTask(ctx, "child", 10)
		return len(recs) == 1 && recs[0].Status.Terminal()
	})
	time.Sleep(50 * time.Millisecond)

	recs, _ := te.store.ListByTask(ctx, "child", 10)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want exactly 1 (no retries on dependency failures)", len(recs))
	}
	rec := recs[0]
	if rec.Status != history.StatusFailed {
		t.Fatalf("status = %q", rec.Status)
	}
	if !strings.Contains(rec.Error, "DependencyNotMet") || !strings.Contains(rec.Error, `"parent"`) {
		t.Fatalf("error = %q", rec.Error)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("agent invoked %d times for a blocked run", got)
	}

	// Satisfy the dependency and fire again.
	now := time.Now()
	if err := te.store.Append(ctx, history.Execution{
		ID: "parent-1", TaskID: "parent", Status: history.StatusCompleted,
		StartedAt: now.Add(-time.Minute), CompletedAt: &now,
	}); err != nil {
		t.Fatalf("seed parent: %v", err)
	}
	if err := te.svc.Fire(task, FireOptions{}); err != nil {
		t.Fatalf("Fire after dependency met: %v", err)
	}
	waitFor(t, 2*time.Second, "completed child", func() bool {
		recs, _ := te.store.ListByTask(ctx, "child", 10)
		return len(recs) == 2 && recs[0].Status == history.StatusCompleted
	})
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("agent calls = %d, want 1", got)
	}
}

func TestSingleFlightSkipsOverlap(t *testing.T) {
	te := newTestEngine(t, Config{Workers: 2, QueueSize: 8, Concurrency: ConcurrencySingle})
	release := make(chan struct{})
	te.reg.Register("slow", agent.InvokerFunc(func(ctx context.Context, _ agent.Invocation) (any, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	task := manualTask("slow-task", "slow", 1)
	if err := te.svc.Fire(task, FireOptions{}); err != nil {
		t.Fatalf("first Fire: %v", err)
	}
	waitFor(t, 2*time.Second, "running attempt", func() bool { return te.svc.RunningCount() == 1 })

	if err := te.svc.Fire(task, FireOptions{}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("overlapping Fire err = %v, want ErrOverlapSkip", err)
	}

	close(release)
	ctx := context.Background()
	waitFor(t, 2*time.Second, "first run terminal", func() bool {
		recs, _ := te.store.ListByTask(ctx, "slow-task", 10)
		return len(recs) == 1 && recs[0].Status.Terminal()
	})

	// Slot is free again after the lineage finishes.
	if err := te.svc.Fire(task, FireOptions{}); err != nil {
		t.Fatalf("Fire after release: %v", err)
	}
	waitFor(t, 2*time.Second, "second run", func() bool {
		recs, _ := te.store.ListByTask(ctx, "slow-task", 10)
		return len(recs) == 2 && recs[0].Status.Terminal()
	})
}

func TestExecuteWaitSpansLineage(t *testing.T) {
	te := newTestEngine(t, Config{Workers: 2, QueueSize: 8})
	var calls int32
	te.reg.Register("flaky", agent.InvokerFunc(func(context.Context, agent.Invocation) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("boom")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Without an override the wait covers every retry attempt.
	exec, err := te.svc.ExecuteWait(ctx, manualTask("w1", "flaky", 2), FireOptions{Origin: "queue"})
	if err != nil {
		t.Fatalf("ExecuteWait: %v", err)
	}
	if exec.Status != history.StatusFailed || exec.Attempt != 2 {
		t.Fatalf("terminal = status %q attempt %d, want failed/2", exec.Status, exec.Attempt)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("agent calls = %d, want 2", got)
	}

	// MaxAttempts override caps the lineage at one attempt.
	atomic.StoreInt32(&calls, 0)
	exec, err = te.svc.ExecuteWait(ctx, manualTask("w2", "flaky", 5), FireOptions{Origin: "queue", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("ExecuteWait with override: %v", err)
	}
	if exec.Status != history.StatusFailed || exec.Attempt != 1 {
		t.Fatalf("terminal = status %q attempt %d, want failed/1", exec.Status, exec.Attempt)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("agent calls = %d, want 1", got)
	}
}

func TestInvocationTimeoutSurfacesInError(t *testing.T) {
	te := newTestEngine(t, Config{Workers: 1, QueueSize: 8, DefaultTimeout: 50 * time.Millisecond})
	te.reg.Register("stuck", agent.InvokerFunc(func(ctx context.Context, _ agent.Invocation) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	if err := te.svc.Fire(manualTask("stuck-task", "stuck", 1), FireOptions{}); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	ctx := context.Background()
	waitFor(t, 2*time.Second, "timed-out record", func() bool {
		recs, _ := te.store.ListByTask(ctx, "stuck-task", 5)
		return len(recs) == 1 && recs[0].Status.Terminal()
	})
	recs, _ := te.store.ListByTask(ctx, "stuck-task", 5)
	if !strings.Contains(recs[0].Error, "timeout after") {
		t.Fatalf("error = %q, want a timeout marker", recs[0].Error)
	}
}

func TestPriorityBoostAndAgentOverride(t *testing.T) {
	te := newTestEngine(t, Config{Workers: 1, QueueSize: 8})

	if got := te.svc.PriorityOf("t1"); got != 5 {
		t.Fatalf("default priority = %d, want 5", got)
	}
	if got := te.svc.BoostPriority("t1", 4); got != 9 {
		t.Fatalf("boosted = %d, want 9", got)
	}
	if got := te.svc.BoostPriority("t1", 4); got != 10 {
		t.Fatalf("boost clamps to %d, want 10", got)
	}
	if got := te.svc.BoostPriority("t1", -20); got != 1 {
		t.Fatalf("negative boost clamps to %d, want 1", got)
	}
	if snap := te.svc.Snapshot(); snap.Priorities["t1"] != 1 {
		t.Fatalf("snapshot priorities = %v", snap.Priorities)
	}

	var primary, secondary int32
	te.reg.Register("primary", agent.InvokerFunc(func(context.Context, agent.Invocation) (any, error) {
		atomic.AddInt32(&primary, 1)
		return "ok", nil
	}))
	te.reg.Register("secondary", agent.InvokerFunc(func(context.Context, agent.Invocation) (any, error) {
		atomic.AddInt32(&secondary, 1)
		return "ok", nil
	}))

	te.svc.SetAgentOverride("t1", "secondary")
	if err := te.svc.Fire(manualTask("t1", "primary", 1), FireOptions{}); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	ctx := context.Background()
	waitFor(t, 2*time.Second, "rerouted run", func() bool {
		recs, _ := te.store.ListByTask(ctx, "t1", 5)
		return len(recs) == 1 && recs[0].Status == history.StatusCompleted
	})
	recs, _ := te.store.ListByTask(ctx, "t1", 5)
	if recs[0].Agent != "secondary" {
		t.Fatalf("record agent = %q, want secondary", recs[0].Agent)
	}
	if atomic.LoadInt32(&primary) != 0 || atomic.LoadInt32(&secondary) != 1 {
		t.Fatalf("calls primary=%d secondary=%d", primary, secondary)
	}

	te.svc.SetAgentOverride("t1", "")
	if snap := te.svc.Snapshot(); len(snap.AgentOverrides) != 0 {
		t.Fatalf("override not cleared: %v", snap.AgentOverrides)
	}
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	te := newTestEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	te.reg.Register("slow", agent.InvokerFunc(func(ctx context.Context, _ agent.Invocation) (any, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	t.Cleanup(func() { close(release) })

	if err := te.svc.Fire(manualTask("q1", "slow", 1), FireOptions{}); err != nil {
		t.Fatalf("Fire q1: %v", err)
	}
	waitFor(t, 2*time.Second, "worker busy", func() bool { return te.svc.RunningCount() == 1 })

	// Worker is blocked: one firing fits into the queue, the next must drop.
	if err := te.svc.Fire(manualTask("q2", "slow", 1), FireOptions{}); err != nil {
		t.Fatalf("Fire q2: %v", err)
	}
	if err := te.svc.Fire(manualTask("q3", "slow", 1), FireOptions{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Fire q3 err = %v, want ErrQueueFull", err)
	}

	snap := te.svc.Snapshot()
	if snap.DroppedQueueFull == 0 || snap.Dropped == 0 {
		t.Fatalf("drop counters = %+v", snap)
	}
}

func TestStopResolvesPendingRetries(t *testing.T) {
	store, err := history.Open(history.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := agent.NewRegistry()
	reg.Register("flaky", agent.InvokerFunc(func(context.Context, agent.Invocation) (any, error) {
		return nil, errors.New("boom")
	}))

	svc := New(Config{Workers: 1, QueueSize: 8}, logx.Nop(), eventbus.New(), store, reg, nil)
	svc.Start(context.Background())

	// Long backoff keeps the retry pending while we stop.
	task := manualTask("r1", "flaky", 2)
	task.RetryPolicy.BackoffSeconds = 300
	if err := svc.Fire(task, FireOptions{}); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	ctx := context.Background()
	waitFor(t, 2*time.Second, "pending retry", func() bool {
		return svc.Snapshot().PendingRetries == 1
	})

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	recs, _ := store.ListByTask(ctx, "r1", 10)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	for _, rec := range recs {
		if !rec.Status.Terminal() {
			t.Fatalf("record %s left in %q after Stop", rec.ID, rec.Status)
		}
	}
	if !strings.Contains(recs[0].Error, "engine stopped") {
		t.Fatalf("retry record error = %q", recs[0].Error)
	}
}
