package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"taskpilot/internal/agent"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/history"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/taskdef"
	logx "taskpilot/pkg/logx"
)

type fakeMsg struct {
	data      []byte
	headers   nats.Header
	delivered uint64

	mu    sync.Mutex
	acked bool
	termd bool
	naks  []time.Duration
}

func dispatchMsg(t *testing.T, dm dispatchMessage) *fakeMsg {
	t.Helper()
	b, err := json.Marshal(dm)
	if err != nil {
		t.Fatalf("marshal dispatch: %v", err)
	}
	return &fakeMsg{data: b}
}

func (m *fakeMsg) Data() []byte { return m.data }

func (m *fakeMsg) Headers() nats.Header {
	if m.headers == nil {
		return nats.Header{}
	}
	return m.headers
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	n := m.delivered
	if n == 0 {
		n = 1
	}
	return &jetstream.MsgMetadata{NumDelivered: n}, nil
}

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naks = append(m.naks, d)
	return nil
}

func (m *fakeMsg) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termd = true
	return nil
}

func (m *fakeMsg) state() (acked, termed bool, naks []time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked, m.termd, append([]time.Duration(nil), m.naks...)
}

type bridgeRig struct {
	svc   *Service
	eng   *engine.Service
	store history.Store
	bus   eventbus.Bus
	reg   *agent.Registry
}

func newBridgeRig(t *testing.T, tasks ...taskdef.Task) *bridgeRig {
	t.Helper()
	store, err := history.Open(history.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()
	reg := agent.NewRegistry()
	eng := engine.New(engine.Config{Workers: 2, QueueSize: 16}, logx.Nop(), bus, store, reg, nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	ts, err := taskdef.NewTaskSet(tasks)
	if err != nil {
		t.Fatalf("NewTaskSet: %v", err)
	}
	svc := New(Config{Enabled: true}, logx.Nop(), bus, eng, ts)
	return &bridgeRig{svc: svc, eng: eng, store: store, bus: bus, reg: reg}
}

func queueTask(id, agentType string) taskdef.Task {
	return taskdef.Task{
		ID:          id,
		Name:        id,
		Kind:        taskdef.KindManual,
		Agent:       agentType,
		Enabled:     true,
		RetryPolicy: taskdef.RetryPolicy{MaxAttempts: 3},
	}
}

func TestDispatchAcksOnCompletion(t *testing.T) {
	task := queueTask("sync-orders", "courier")
	task.Config = map[string]any{"region": "eu"}
	rig := newBridgeRig(t, task)

	var mu sync.Mutex
	var seen []agent.Invocation
	rig.reg.Register("courier", agent.InvokerFunc(func(_ context.Context, inv agent.Invocation) (any, error) {
		mu.Lock()
		seen = append(seen, inv)
		mu.Unlock()
		return map[string]any{"ok": true}, nil
	}))

	msg := dispatchMsg(t, dispatchMessage{
		TaskID:        "sync-orders",
		Data:          json.RawMessage(`{"sku":"x-1"}`),
		CorrelationID: "corr-42",
	})
	rig.svc.handle(context.Background(), msg)

	acked, termed, naks := msg.state()
	if !acked || termed || len(naks) != 0 {
		t.Fatalf("settlement = ack:%v term:%v naks:%d, want single ack", acked, termed, len(naks))
	}

	recs, err := rig.store.ListByTask(context.Background(), "sync-orders", 5)
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != history.StatusCompleted || rec.Origin != "queue" || rec.Attempt != 1 {
		t.Fatalf("record = %+v, want completed queue attempt 1", rec)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("agent calls = %d, want 1", len(seen))
	}
	payload, ok := seen[0].Payload.(map[string]any)
	if !ok || payload["sku"] != "x-1" {
		t.Fatalf("payload = %#v, want sku x-1", seen[0].Payload)
	}
	if seen[0].Config["region"] != "eu" {
		t.Fatalf("config = %#v, want descriptor config", seen[0].Config)
	}

	if snap := rig.svc.Snapshot(); snap.Completed != 1 || snap.Handled != 1 {
		t.Fatalf("snapshot = %+v, want one completed", snap)
	}
}

func TestDispatchFailureWithinBudgetNaks(t *testing.T) {
	rig := newBridgeRig(t, queueTask("ingest", "flaky"))
	rig.reg.Register("flaky", agent.InvokerFunc(func(context.Context, agent.Invocation) (any, error) {
		return nil, errors.New("upstream 503")
	}))

	msg := dispatchMsg(t, dispatchMessage{TaskID: "ingest", MaxRetries: 2})
	rig.svc.handle(context.Background(), msg)

	acked, termed, naks := msg.state()
	if acked || termed || len(naks) != 1 {
		t.Fatalf("settlement = ack:%v term:%v naks:%d, want single nak", acked, termed, len(naks))
	}
	if naks[0] != redeliverDelay {
		t.Fatalf("nak delay = %s, want %s", naks[0], redeliverDelay)
	}

	// A message delivery is exactly one engine attempt even though the
	// descriptor allows three.
	recs, err := rig.store.ListByTask(context.Background(), "ingest", 5)
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != history.StatusFailed {
		t.Fatalf("records = %+v, want one failed attempt", recs)
	}

	if snap := rig.svc.Snapshot(); snap.Requeued != 1 {
		t.Fatalf("snapshot = %+v, want one requeued", snap)
	}
}

func TestDispatchExhaustedTermsAndAbandons(t *testing.T) {
	rig := newBridgeRig(t, queueTask("ingest", "flaky"))
	rig.reg.Register("flaky", agent.InvokerFunc(func(context.Context, agent.Invocation) (any, error) {
		return nil, errors.New("upstream 503")
	}))

	events, unsub := rig.bus.Subscribe(16)
	t.Cleanup(unsub)

	msg := dispatchMsg(t, dispatchMessage{TaskID: "ingest", MaxRetries: 1})
	msg.delivered = 2 // second delivery of the same bytes
	rig.svc.handle(context.Background(), msg)

	acked, termed, naks := msg.state()
	if acked || !termed || len(naks) != 0 {
		t.Fatalf("settlement = ack:%v term:%v naks:%d, want term", acked, termed, len(naks))
	}

	ab := waitAbandoned(t, events)
	if ab.Task.ID != "ingest" || !strings.Contains(ab.Reason, "retry budget exhausted") {
		t.Fatalf("abandon event = %+v", ab)
	}
	if snap := rig.svc.Snapshot(); snap.Abandoned != 1 {
		t.Fatalf("snapshot = %+v, want one abandoned", snap)
	}
}

func TestAdHocTaskFromUnknownID(t *testing.T) {
	rig := newBridgeRig(t)
	rig.reg.Register("reporter", agent.InvokerFunc(func(context.Context, agent.Invocation) (any, error) {
		return "ok", nil
	}))

	msg := dispatchMsg(t, dispatchMessage{TaskID: "one-off", AgentType: "reporter"})
	rig.svc.handle(context.Background(), msg)

	if acked, _, _ := msg.state(); !acked {
		t.Fatal("unknown task id with agent_type should run ad hoc and ack")
	}
	recs, err := rig.store.ListByTask(context.Background(), "one-off", 5)
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(recs) != 1 || recs[0].Agent != "reporter" || recs[0].Origin != "queue" {
		t.Fatalf("records = %+v, want one reporter run", recs)
	}
}

func TestRejectsMalformedAndDisabled(t *testing.T) {
	disabled := queueTask("paused", "noop")
	disabled.Enabled = false
	rig := newBridgeRig(t, disabled)

	var calls int64
	rig.reg.Register("noop", agent.InvokerFunc(func(context.Context, agent.Invocation) (any, error) {
		calls++
		return nil, nil
	}))

	events, unsub := rig.bus.Subscribe(16)
	t.Cleanup(unsub)

	bad := &fakeMsg{data: []byte("{not json")}
	rig.svc.handle(context.Background(), bad)
	if _, termed, _ := bad.state(); !termed {
		t.Fatal("malformed payload should be termed")
	}

	noID := dispatchMsg(t, dispatchMessage{AgentType: "noop"})
	rig.svc.handle(context.Background(), noID)
	if _, termed, _ := noID.state(); !termed {
		t.Fatal("missing task_id should be termed")
	}

	dis := dispatchMsg(t, dispatchMessage{TaskID: "paused"})
	rig.svc.handle(context.Background(), dis)
	if _, termed, _ := dis.state(); !termed {
		t.Fatal("disabled task should be termed")
	}

	ab := waitAbandoned(t, events)
	if ab.Task.ID != "paused" || ab.Reason != "task is disabled" {
		t.Fatalf("abandon event = %+v", ab)
	}
	if calls != 0 {
		t.Fatalf("agent calls = %d, want 0", calls)
	}
	if snap := rig.svc.Snapshot(); snap.Malformed != 2 || snap.Abandoned != 1 {
		t.Fatalf("snapshot = %+v, want 2 malformed 1 abandoned", snap)
	}
}

func TestDecodeDispatch(t *testing.T) {
	hdr := nats.Header{}
	hdr.Set(correlationHeader, "hdr-7")

	tests := []struct {
		name    string
		msg     *fakeMsg
		wantErr bool
		corr    string
	}{
		{
			name: "payload correlation wins",
			msg: &fakeMsg{
				data:    []byte(`{"task_id":"a","correlation_id":"body-1"}`),
				headers: hdr,
			},
			corr: "body-1",
		},
		{
			name: "header correlation fallback",
			msg:  &fakeMsg{data: []byte(`{"task_id":"a"}`), headers: hdr},
			corr: "hdr-7",
		},
		{
			name:    "missing task_id",
			msg:     &fakeMsg{data: []byte(`{"agent_type":"x"}`)},
			wantErr: true,
		},
		{
			name:    "invalid json",
			msg:     &fakeMsg{data: []byte(`nope`)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm, err := decodeDispatch(tt.msg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeDispatch: %v", err)
			}
			if dm.CorrelationID != tt.corr {
				t.Fatalf("correlation = %q, want %q", dm.CorrelationID, tt.corr)
			}
		})
	}
}

func TestDeliveredRetriesFoldsRedelivery(t *testing.T) {
	msg := &fakeMsg{delivered: 3}
	if got := deliveredRetries(msg, dispatchMessage{RetryCount: 1}); got != 3 {
		t.Fatalf("deliveredRetries = %d, want 3", got)
	}
	first := &fakeMsg{}
	if got := deliveredRetries(first, dispatchMessage{}); got != 0 {
		t.Fatalf("deliveredRetries = %d, want 0 on first delivery", got)
	}
}

func waitAbandoned(t *testing.T, events <-chan eventbus.Event) engine.AbandonEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeTaskAbandoned {
				continue
			}
			ab, ok := ev.Data.(engine.AbandonEvent)
			if !ok {
				t.Fatalf("task_abandoned data = %T", ev.Data)
			}
			return ab
		case <-deadline:
			t.Fatal("timed out waiting for task_abandoned")
		}
	}
}
