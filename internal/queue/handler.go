package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/history"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/taskdef"
	logx "taskpilot/pkg/logx"
)

// correlationHeader is consulted when the payload carries no correlation_id.
const correlationHeader = "Correlation-Id"

// handle settles exactly one delivery: ack on success, delayed nak while
// budget remains, term plus a task_abandoned publish when it is spent.
// Settlement failures are logged and dropped; the message comes back after
// AckWait and at-least-once delivery absorbs the repeat.
func (s *Service) handle(ctx context.Context, msg queueMsg) {
	atomic.AddUint64(&s.handled, 1)

	dm, err := decodeDispatch(msg)
	if err != nil {
		atomic.AddUint64(&s.malformed, 1)
		s.log.Warn("queue message rejected", logx.Err(err))
		s.term(msg)
		return
	}

	task := s.resolveTask(dm)
	retries := deliveredRetries(msg, dm)

	log := s.log.With(logx.String("task", task.ID))
	if dm.CorrelationID != "" {
		log = log.With(logx.String("correlation_id", dm.CorrelationID))
	}

	if !task.Enabled {
		atomic.AddUint64(&s.abandoned, 1)
		s.term(msg)
		s.publishAbandoned(task, "task is disabled")
		log.Warn("queue dispatch rejected: task disabled")
		return
	}

	exec, err := s.eng.ExecuteWait(ctx, task, engine.FireOptions{
		Origin:      "queue",
		Payload:     dm.payloadValue(),
		MaxAttempts: 1,
		Agent:       dm.AgentType,
		Priority:    dm.Priority,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down. Leave the message unsettled; AckWait
			// redelivers it to the next session.
			return
		}
		// The run never started (engine stopping, queue full, overlap
		// skip). Defer without touching the retry budget.
		atomic.AddUint64(&s.requeued, 1)
		s.nak(msg, redeliverDelay)
		log.Debug("queue dispatch deferred", logx.Err(err))
		return
	}

	if exec.Status == history.StatusCompleted {
		atomic.AddUint64(&s.completed, 1)
		s.ack(msg)
		log.Debug("queue dispatch completed",
			logx.String("execution", exec.ID),
			logx.String("agent", exec.Agent),
		)
		return
	}

	if retries < dm.MaxRetries {
		atomic.AddUint64(&s.requeued, 1)
		s.nak(msg, redeliverDelay)
		log.Warn("queue dispatch failed, redelivering",
			logx.Int("retry", retries+1),
			logx.Int("max_retries", dm.MaxRetries),
			logx.String("error", exec.Error),
		)
		return
	}

	atomic.AddUint64(&s.abandoned, 1)
	s.term(msg)
	reason := fmt.Sprintf("retry budget exhausted after %d deliveries: %s", retries+1, exec.Error)
	s.publishAbandoned(task, reason)
	log.Error("queue dispatch abandoned",
		logx.Int("deliveries", retries+1),
		logx.String("error", exec.Error),
	)
}

func decodeDispatch(msg queueMsg) (dispatchMessage, error) {
	var dm dispatchMessage
	if err := json.Unmarshal(msg.Data(), &dm); err != nil {
		return dm, fmt.Errorf("malformed dispatch payload: %w", err)
	}
	if strings.TrimSpace(dm.TaskID) == "" {
		return dm, errors.New("dispatch message has no task_id")
	}
	if dm.CorrelationID == "" {
		dm.CorrelationID = msg.Headers().Get(correlationHeader)
	}
	return dm, nil
}

// resolveTask prefers a registered descriptor (name, category, config and
// output destination travel along with it); unknown ids become ad-hoc
// manual tasks so producers are not limited to the descriptor files.
func (s *Service) resolveTask(dm dispatchMessage) taskdef.Task {
	s.tmu.Lock()
	ts := s.tasks
	s.tmu.Unlock()
	if ts != nil {
		if t, ok := ts.Get(dm.TaskID); ok {
			return t
		}
	}
	return taskdef.Task{
		ID:          dm.TaskID,
		Name:        dm.TaskID,
		Kind:        taskdef.KindManual,
		Agent:       dm.AgentType,
		Enabled:     true,
		RetryPolicy: taskdef.RetryPolicy{MaxAttempts: 1},
	}
}

// deliveredRetries folds server-side redelivery into the message's own
// count: retry_count seeds the budget and every extra delivery of the same
// bytes adds one.
func deliveredRetries(msg queueMsg, dm dispatchMessage) int {
	n := dm.RetryCount
	if md, err := msg.Metadata(); err == nil && md.NumDelivered > 1 {
		n += int(md.NumDelivered - 1)
	}
	return n
}

func (s *Service) publishAbandoned(task taskdef.Task, reason string) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskAbandoned,
		Data: engine.AbandonEvent{Task: task, Reason: reason},
	})
}

func (s *Service) ack(msg queueMsg) {
	if err := msg.Ack(); err != nil {
		s.log.Warn("queue ack failed", logx.Err(err))
	}
}

func (s *Service) nak(msg queueMsg, delay time.Duration) {
	if err := msg.NakWithDelay(delay); err != nil {
		s.log.Warn("queue nak failed", logx.Err(err))
	}
}

func (s *Service) term(msg queueMsg) {
	if err := msg.Term(); err != nil {
		s.log.Warn("queue term failed", logx.Err(err))
	}
}
