package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/agent"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/history"
	rtsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/taskdef"
	logx "taskpilot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the execution engine: given a task and an optional trigger
// payload it checks dependencies, invokes the agent, persists one record per
// attempt and drives the retry loop. Dependency and execution failures are
// captured on the record, never propagated past this boundary.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store history.Store
	reg   *agent.Registry
	sink  Sink

	normal chan queuedRun
	high   chan queuedRun

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	// active holds currently running attempts keyed by execution id.
	activeMu sync.Mutex
	active   map[string]history.Execution

	// retries holds deferred retry timers keyed by the pre-created record id.
	retryMu sync.Mutex
	retries map[string]*retryHandle

	priMu          sync.Mutex
	priorities     map[string]int
	agentOverrides map[string]string

	cfgVersion atomic.Value // string

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type retryHandle struct {
	timer *time.Timer
	lin   *lineage
	exec  history.Execution
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store history.Store, reg *agent.Registry, sink Sink) *Service {
	return &Service{
		cfg:            cfg.withDefaults(),
		log:            log,
		bus:            bus,
		store:          store,
		reg:            reg,
		sink:           sink,
		states:         make(map[string]*RunState),
		active:         make(map[string]history.Execution),
		retries:        make(map[string]*retryHandle),
		priorities:     make(map[string]int),
		agentOverrides: make(map[string]string),
	}
}

// Supervisor returns the engine's internal supervisor (nil if not started).
// This is used for operational visibility (e.g. /healthz).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// SetConfigVersion records the active task-set version stamped into output
// envelopes. The app updates it on every descriptor reload.
func (s *Service) SetConfigVersion(v string) {
	s.cfgVersion.Store(v)
}

func (s *Service) configVersion() string {
	if v, ok := s.cfgVersion.Load().(string); ok {
		return v
	}
	return ""
}

func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}

	// If core execution settings changed, restart workers. Everything else
	// takes effect on the next firing.
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		// Re-check after wait.
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.normal = make(chan queuedRun, cfg.QueueSize)
	s.high = make(chan queuedRun, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	normal := s.normal
	high := s.high
	workers := cfg.Workers

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		// Engine failures should not hard-kill the app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, normal, high, idx)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("execution engine started",
		logx.Int("workers", workers),
		logx.Int("queue", cap(normal)),
		logx.Duration("dependency_window", cfg.DependencyWindow),
		logx.String("concurrency", string(cfg.Concurrency)),
	)
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	// Pending retries won't run anymore; resolve their records now so
	// waiters and single-flight holders are released deterministically.
	s.cancelPendingRetries()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.normal = nil
		s.high = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("execution engine stopped")
	case <-ctx.Done():
		s.log.Warn("execution engine stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (s *Service) cancelPendingRetries() {
	s.retryMu.Lock()
	handles := make([]*retryHandle, 0, len(s.retries))
	for _, h := range s.retries {
		handles = append(handles, h)
	}
	s.retries = make(map[string]*retryHandle)
	s.retryMu.Unlock()

	for _, h := range handles {
		h.timer.Stop()
		s.resolveRetryCanceled(h)
	}
}

// Fire enqueues one firing of task without blocking. The attempt record is
// allocated when a worker picks the firing up; a queue-full drop produces no
// record.
func (s *Service) Fire(task taskdef.Task, opts FireOptions) error {
	_, err := s.enqueue(context.Background(), task, opts, false, false)
	return err
}

// ExecuteWait fires task and blocks until the whole lineage (including
// deferred retries) reaches a terminal state, returning the final record.
// The queue bridge uses this to decide ack vs. requeue.
func (s *Service) ExecuteWait(ctx context.Context, task taskdef.Task, opts FireOptions) (history.Execution, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	lin, err := s.enqueue(ctx, task, opts, true, true)
	if err != nil {
		return history.Execution{}, err
	}
	select {
	case exec := <-lin.done:
		return exec, nil
	case <-ctx.Done():
		// The lineage keeps running detached; cancellation here only
		// abandons the wait.
		return history.Execution{}, ctx.Err()
	}
}

func (s *Service) enqueue(ctx context.Context, task taskdef.Task, opts FireOptions, block, wait bool) (*lineage, error) {
	if strings.TrimSpace(task.ID) == "" {
		return nil, fmt.Errorf("task id is required")
	}

	s.mu.Lock()
	cfg := s.cfg
	normal := s.normal
	high := s.high
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if normal == nil || stopCh == nil {
		return nil, ErrStopped
	}
	if stopping {
		return nil, ErrStopping
	}

	now := time.Now()
	lin := &lineage{
		id:          uuid.NewString(),
		task:        task,
		origin:      strings.TrimSpace(opts.Origin),
		payload:     opts.Payload,
		agent:       s.effectiveAgent(task, opts.Agent),
		maxAttempts: task.RetryPolicy.MaxAttempts,
		backoff:     task.RetryPolicy.Backoff(),
	}
	if lin.origin == "" {
		lin.origin = "manual"
	}
	if opts.MaxAttempts > 0 {
		lin.maxAttempts = opts.MaxAttempts
	}
	if lin.maxAttempts < 1 {
		lin.maxAttempts = 1
	}
	if wait {
		lin.done = make(chan history.Execution, 1)
	}

	if cfg.Concurrency == ConcurrencySingle {
		st := s.stateFor(task.ID)
		if !st.tryAcquire() {
			if !s.log.IsZero() {
				s.log.Debug("firing skipped: previous run active", logx.String("task", task.ID), logx.String("origin", lin.origin))
			}
			return nil, ErrOverlapSkip
		}
		lin.state = st
	}

	pri := opts.Priority
	if pri <= 0 {
		pri = s.PriorityOf(task.ID)
	} else if pri > 10 {
		pri = 10
	}
	lane := normal
	if pri >= cfg.HighPriorityThreshold {
		lane = high
	}
	qr := queuedRun{lin: lin, enqueuedAt: now}

	if !block {
		select {
		case lane <- qr:
			return lin, nil
		default:
			lin.release()
			s.onQueueFullDropped(now, task, lane)
			return nil, ErrQueueFull
		}
	}

	select {
	case lane <- qr:
		return lin, nil
	case <-ctx.Done():
		lin.release()
		return nil, ctx.Err()
	case <-stopCh:
		lin.release()
		return nil, ErrStopping
	}
}

func (s *Service) effectiveAgent(task taskdef.Task, override string) string {
	if a := strings.TrimSpace(override); a != "" {
		return a
	}
	s.priMu.Lock()
	a := s.agentOverrides[task.ID]
	s.priMu.Unlock()
	if a != "" {
		return a
	}
	return task.Agent
}

// PriorityOf returns the task's runtime priority (boosted or default).
func (s *Service) PriorityOf(taskID string) int {
	s.priMu.Lock()
	p, ok := s.priorities[taskID]
	s.priMu.Unlock()
	if !ok {
		s.mu.Lock()
		p = s.cfg.DefaultPriority
		s.mu.Unlock()
	}
	return p
}

// BoostPriority shifts the task's runtime priority by delta (clamped to
// 1..10) and returns the new value. Applied decisions land here.
func (s *Service) BoostPriority(taskID string, delta int) int {
	cur := s.PriorityOf(taskID)
	next := cur + delta
	if next < 1 {
		next = 1
	}
	if next > 10 {
		next = 10
	}
	s.priMu.Lock()
	s.priorities[taskID] = next
	s.priMu.Unlock()
	s.log.Info("task priority adjusted", logx.String("task", taskID), logx.Int("from", cur), logx.Int("to", next))
	return next
}

// SetAgentOverride reroutes future firings of taskID to agentType. An empty
// agentType clears the override.
func (s *Service) SetAgentOverride(taskID, agentType string) {
	agentType = strings.TrimSpace(agentType)
	s.priMu.Lock()
	if agentType == "" {
		delete(s.agentOverrides, taskID)
	} else {
		s.agentOverrides[taskID] = agentType
	}
	s.priMu.Unlock()
	if agentType != "" {
		s.log.Info("task agent reassigned", logx.String("task", taskID), logx.String("agent", agentType))
	}
}

// RunningCount returns the number of currently running attempts. The
// analyzer reads this as the live system-load signal.
func (s *Service) RunningCount() int {
	s.activeMu.Lock()
	n := len(s.active)
	s.activeMu.Unlock()
	return n
}

// QueuedCount returns firings waiting for a worker.
func (s *Service) QueuedCount() int {
	s.mu.Lock()
	normal, high := s.normal, s.high
	s.mu.Unlock()
	n := 0
	if normal != nil {
		n += len(normal)
	}
	if high != nil {
		n += len(high)
	}
	return n
}

// ActiveExecutions returns a copy of the currently running attempts.
func (s *Service) ActiveExecutions() []history.Execution {
	s.activeMu.Lock()
	out := make([]history.Execution, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, e)
	}
	s.activeMu.Unlock()
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	normal, high := s.normal, s.high
	s.mu.Unlock()

	snap := Snapshot{
		Workers:          cfg.Workers,
		Running:          s.RunningCount(),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DefaultTimeout:   cfg.DefaultTimeout,
		DependencyWindow: cfg.DependencyWindow,
		Concurrency:      cfg.Concurrency,
	}
	if normal != nil {
		snap.QueueLen = len(normal)
		snap.QueueCap = cap(normal)
	}
	if high != nil {
		snap.HighLen = len(high)
	}

	s.retryMu.Lock()
	snap.PendingRetries = len(s.retries)
	s.retryMu.Unlock()

	s.priMu.Lock()
	if len(s.priorities) > 0 {
		snap.Priorities = make(map[string]int, len(s.priorities))
		for k, v := range s.priorities {
			snap.Priorities[k] = v
		}
	}
	if len(s.agentOverrides) > 0 {
		snap.AgentOverrides = make(map[string]string, len(s.agentOverrides))
		for k, v := range s.agentOverrides {
			snap.AgentOverrides[k] = v
		}
	}
	s.priMu.Unlock()
	return snap
}

func (s *Service) stateFor(taskID string) *RunState {
	key := strings.TrimSpace(taskID)
	if key == "" {
		key = "default"
	}
	s.stateMu.Lock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	s.stateMu.Unlock()
	return st
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, task taskdef.Task, lane chan queuedRun) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedQueueFull, 1)

	if !s.log.IsZero() && s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		ql, qc := 0, 0
		if lane != nil {
			ql = len(lane)
			qc = cap(lane)
		}
		s.log.Warn(
			"firing dropped: queue full",
			logx.String("task", task.ID),
			logx.Int("queue_len", ql),
			logx.Int("queue_cap", qc),
			logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
		)
	}
}

func (s *Service) finishLineage(lin *lineage, exec history.Execution) {
	lin.release()
	if lin.done != nil {
		select {
		case lin.done <- exec:
		default:
		}
	}
}
