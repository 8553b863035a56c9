package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/agent"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/history"
	logx "taskpilot/pkg/logx"
)

const deliverTimeout = 30 * time.Second

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, normal, high <-chan queuedRun, idx int) {
	if !s.log.IsZero() && s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("engine worker started", logx.Int("worker", idx))
	}
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// The high lane drains first; boosted tasks jump queued work.
		select {
		case qr := <-high:
			s.run(ctx, qr)
			continue
		default:
		}

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case qr := <-high:
			s.run(ctx, qr)
		case qr := <-normal:
			s.run(ctx, qr)
		}
	}
}

// run drives a single attempt from queued to terminal or to a scheduled
// retry.
func (s *Service) run(ctx context.Context, qr queuedRun) {
	now := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && now.Sub(qr.enqueuedAt) > cfg.MaxQueueDelay {
		s.dropStale(qr, now, cfg.MaxQueueDelay)
		return
	}

	lin := qr.lin
	exec := s.beginAttempt(ctx, lin, qr.exec, now)

	// Dependency gate, first attempt only. An unmet dependency fails the
	// execution without invoking the agent and without burning retries.
	if exec.Attempt == 1 && len(lin.task.Dependencies) > 0 {
		if err := s.checkDependencies(ctx, lin, cfg.DependencyWindow); err != nil {
			s.finishFailed(lin, exec, err, errors.Is(err, ErrDependencyNotMet))
			return
		}
	}

	result, err := s.invoke(ctx, cfg.DefaultTimeout, lin, exec)
	if err != nil {
		s.finishFailed(lin, exec, err, false)
		return
	}
	s.finishCompleted(lin, exec, result)
}

// beginAttempt persists the attempt's record: a fresh one for attempt 1, a
// retrying-to-running transition (with StartedAt reset) for later attempts.
func (s *Service) beginAttempt(ctx context.Context, lin *lineage, prev *history.Execution, now time.Time) history.Execution {
	var exec history.Execution
	if prev == nil {
		exec = history.Execution{
			ID:        uuid.NewString(),
			TaskID:    lin.task.ID,
			TaskName:  lin.task.Name,
			Agent:     lin.agent,
			Category:  lin.task.Category,
			LineageID: lin.id,
			Origin:    lin.origin,
			Attempt:   1,
			Status:    history.StatusRunning,
			StartedAt: now,
		}
		if err := s.store.Append(ctx, exec); err != nil {
			s.log.Warn("history append failed", logx.String("task", exec.TaskID), logx.Any("err", err))
		}
	} else {
		exec = *prev
		exec.Status = history.StatusRunning
		exec.StartedAt = now
		exec.CompletedAt = nil
		exec.Error = ""
		if err := s.store.Update(ctx, exec); err != nil {
			s.log.Warn("history update failed", logx.String("task", exec.TaskID), logx.Any("err", err))
		}
	}

	s.activeMu.Lock()
	s.active[exec.ID] = exec
	s.activeMu.Unlock()
	return exec
}

// checkDependencies verifies every dependency has a completed run within
// window. Unmet dependencies wrap ErrDependencyNotMet; history read errors
// come back plain so they stay retryable.
func (s *Service) checkDependencies(ctx context.Context, lin *lineage, window time.Duration) error {
	now := time.Now()
	for _, dep := range lin.task.Dependencies {
		at, ok, err := s.store.LastCompleted(ctx, dep)
		if err != nil {
			return fmt.Errorf("dependency check failed for %q: %w", dep, err)
		}
		if !ok || now.Sub(at) > window {
			return fmt.Errorf("%w: dependency %q has no completed run within %s", ErrDependencyNotMet, dep, window)
		}
	}
	return nil
}

// invoke resolves the agent and runs it under the execution timeout with
// panic capture. A deadline hit is surfaced as a timeout in the error text
// so failure classification can recognize it.
func (s *Service) invoke(ctx context.Context, timeout time.Duration, lin *lineage, exec history.Execution) (result any, err error) {
	inv, rerr := s.reg.Resolve(exec.Agent)
	if rerr != nil {
		return nil, fmt.Errorf("agent %q: %w", exec.Agent, rerr)
	}

	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	// Guard against agent panics: convert to error so one bad agent can't
	// permanently kill a worker.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("agent panic: %v", r)
				s.log.Error("agent panicked",
					logx.String("task", exec.TaskID),
					logx.String("agent", exec.Agent),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()
		result, err = inv.Invoke(runCtx, agent.Invocation{
			TaskID:   exec.TaskID,
			TaskName: exec.TaskName,
			Category: exec.Category,
			Config:   lin.task.Config,
			Payload:  lin.payload,
		})
	}()

	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timeout after %s: %w", timeout, err)
	}
	return result, err
}

func (s *Service) finishCompleted(lin *lineage, exec history.Execution, result any) {
	now := time.Now()

	raw, err := json.Marshal(result)
	if err != nil {
		// Unserializable agent result; keep a printable form.
		raw, _ = json.Marshal(fmt.Sprintf("%v", result))
	}

	env := Envelope{
		TaskID:       lin.task.ID,
		TaskName:     lin.task.Name,
		ExecutedAt:   now,
		OutputFormat: lin.task.Output.Format,
		OutputSchema: lin.task.Output.Schema,
		Destination:  lin.task.Output.Destination,
		Data:         json.RawMessage(raw),
		Metadata: EnvelopeMeta{
			Agent:         exec.Agent,
			Config:        lin.task.Config,
			ConfigVersion: s.configVersion(),
		},
	}
	envRaw, err := json.Marshal(env)
	if err != nil {
		s.log.Warn("envelope marshal failed", logx.String("task", exec.TaskID), logx.Any("err", err))
	}

	exec.Status = history.StatusCompleted
	exec.CompletedAt = &now
	exec.Result = raw
	exec.OutputData = envRaw
	s.completeRecord(exec)

	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskCompleted,
		Time: now,
		Data: TaskEvent{Task: lin.task, Execution: exec, MaxAttempts: lin.maxAttempts, Output: envRaw},
	})

	s.deliver(env, exec)
	s.finishLineage(lin, exec)

	if !s.log.IsZero() && s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("task completed",
			logx.String("task", exec.TaskID),
			logx.String("agent", exec.Agent),
			logx.Int("attempt", exec.Attempt),
			logx.Duration("took", now.Sub(exec.StartedAt)),
		)
	}
}

func (s *Service) finishFailed(lin *lineage, exec history.Execution, cause error, terminal bool) {
	now := time.Now()
	exec.Status = history.StatusFailed
	exec.CompletedAt = &now
	exec.Error = cause.Error()
	s.completeRecord(exec)

	// Every failed attempt is published; subscribers can tell intermediate
	// failures from final ones by Attempt vs. MaxAttempts.
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskFailed,
		Time: now,
		Data: TaskEvent{Task: lin.task, Execution: exec, MaxAttempts: lin.maxAttempts, Error: exec.Error},
	})

	if !terminal && !IsNoRetry(cause) && exec.Attempt < lin.maxAttempts {
		s.scheduleRetry(lin, exec)
		s.log.Warn("task attempt failed, retry scheduled",
			logx.String("task", exec.TaskID),
			logx.String("agent", exec.Agent),
			logx.Int("attempt", exec.Attempt),
			logx.Int("max_attempts", lin.maxAttempts),
			logx.Duration("backoff", lin.backoff),
			logx.Any("err", cause),
		)
		return
	}

	s.log.Error("task failed",
		logx.String("task", exec.TaskID),
		logx.String("agent", exec.Agent),
		logx.Int("attempt", exec.Attempt),
		logx.Any("err", cause),
	)
	s.finishLineage(lin, exec)
}

// completeRecord removes the attempt from the active set and persists its
// terminal state. Persistence uses a background context: terminal states
// must land even when the worker context is already gone.
func (s *Service) completeRecord(exec history.Execution) {
	s.activeMu.Lock()
	delete(s.active, exec.ID)
	s.activeMu.Unlock()
	if err := s.store.Update(context.Background(), exec); err != nil {
		s.log.Warn("history update failed", logx.String("task", exec.TaskID), logx.Any("err", err))
	}
}

// deliver hands the envelope to the sink off the worker goroutine. The
// record already carries the envelope, so a slow or failing sink cannot
// stall workers or lose output.
func (s *Service) deliver(env Envelope, exec history.Execution) {
	if s.sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		if err := s.sink.Deliver(ctx, env); err != nil {
			s.log.Warn("output delivery failed",
				logx.String("task", exec.TaskID),
				logx.String("destination", env.Destination),
				logx.Any("err", err),
			)
		}
	}()
}

// scheduleRetry pre-creates the next attempt's record in "retrying" status
// and arms a deferred timer, keeping workers free during the backoff.
func (s *Service) scheduleRetry(lin *lineage, failed history.Execution) {
	s.mu.Lock()
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()
	if !running {
		s.resolveRetryCanceled(&retryHandle{lin: lin, exec: failed})
		return
	}

	next := history.Execution{
		ID:        uuid.NewString(),
		TaskID:    failed.TaskID,
		TaskName:  failed.TaskName,
		Agent:     lin.agent,
		Category:  failed.Category,
		LineageID: lin.id,
		Origin:    lin.origin,
		Attempt:   failed.Attempt + 1,
		Status:    history.StatusRetrying,
		StartedAt: time.Now(),
	}
	if err := s.store.Append(context.Background(), next); err != nil {
		s.log.Warn("history append failed", logx.String("task", next.TaskID), logx.Any("err", err))
	}

	// Arm under retryMu so a zero-backoff fire cannot observe the handle
	// before it is registered.
	h := &retryHandle{lin: lin, exec: next}
	s.retryMu.Lock()
	h.timer = time.AfterFunc(lin.backoff, func() { s.fireRetry(next.ID) })
	s.retries[next.ID] = h
	s.retryMu.Unlock()
}

func (s *Service) takeRetry(id string) *retryHandle {
	s.retryMu.Lock()
	h := s.retries[id]
	if h != nil {
		delete(s.retries, id)
	}
	s.retryMu.Unlock()
	return h
}

func (s *Service) fireRetry(id string) {
	h := s.takeRetry(id)
	if h == nil {
		// Already swept by Stop.
		return
	}

	s.mu.Lock()
	normal, high := s.normal, s.high
	threshold := s.cfg.HighPriorityThreshold
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running || normal == nil {
		s.resolveRetryCanceled(h)
		return
	}

	lane := normal
	if s.PriorityOf(h.exec.TaskID) >= threshold {
		lane = high
	}

	exec := h.exec
	select {
	case lane <- queuedRun{lin: h.lin, exec: &exec, enqueuedAt: time.Now()}:
	default:
		// Queue full at retry time terminates the lineage.
		now := time.Now()
		exec.Status = history.StatusFailed
		exec.CompletedAt = &now
		exec.Error = "retry dropped: queue full"
		if err := s.store.Update(context.Background(), exec); err != nil {
			s.log.Warn("history update failed", logx.String("task", exec.TaskID), logx.Any("err", err))
		}
		s.onQueueFullDropped(now, h.lin.task, lane)
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTaskFailed,
			Time: now,
			Data: TaskEvent{Task: h.lin.task, Execution: exec, MaxAttempts: h.lin.maxAttempts, Error: exec.Error},
		})
		s.finishLineage(h.lin, exec)
	}
}

func (s *Service) resolveRetryCanceled(h *retryHandle) {
	now := time.Now()
	exec := h.exec
	exec.Status = history.StatusFailed
	exec.Error = "engine stopped before retry"
	exec.CompletedAt = &now
	if err := s.store.Update(context.Background(), exec); err != nil {
		s.log.Warn("history update failed", logx.String("task", exec.TaskID), logx.Any("err", err))
	}
	s.finishLineage(h.lin, exec)
}

// dropStale discards a firing that sat in the queue past MaxQueueDelay. The
// agent is never invoked. A pre-created retry record is resolved as failed;
// a first attempt produces no record, only counters.
func (s *Service) dropStale(qr queuedRun, now time.Time, maxDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedStale, 1)

	reason := fmt.Sprintf("dropped: queued longer than %s", maxDelay)
	var exec history.Execution
	if qr.exec != nil {
		exec = *qr.exec
		exec.Status = history.StatusFailed
		exec.CompletedAt = &now
		exec.Error = reason
		if err := s.store.Update(context.Background(), exec); err != nil {
			s.log.Warn("history update failed", logx.String("task", exec.TaskID), logx.Any("err", err))
		}
	} else {
		// Synthetic terminal state for waiters; never persisted because no
		// record was allocated for the dropped firing.
		exec = history.Execution{
			TaskID:      qr.lin.task.ID,
			TaskName:    qr.lin.task.Name,
			Agent:       qr.lin.agent,
			Category:    qr.lin.task.Category,
			LineageID:   qr.lin.id,
			Origin:      qr.lin.origin,
			Attempt:     1,
			Status:      history.StatusFailed,
			StartedAt:   qr.enqueuedAt,
			CompletedAt: &now,
			Error:       reason,
		}
	}

	if !s.log.IsZero() && s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn(
			"stale firing dropped",
			logx.String("task", qr.lin.task.ID),
			logx.Duration("queued_for", now.Sub(qr.enqueuedAt)),
			logx.Duration("max_queue_delay", maxDelay),
			logx.Uint64("dropped_stale", atomic.LoadUint64(&s.droppedStale)),
		)
	}
	s.finishLineage(qr.lin, exec)
}
