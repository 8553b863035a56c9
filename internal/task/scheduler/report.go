package scheduler

import (
	"errors"
	"time"

	"taskpilot/internal/task/engine"
	logx "taskpilot/pkg/logx"
)

const fireWarnThrottle = 5 * time.Second

func (s *Service) reportFireError(taskID string, err error) {
	if err == nil {
		return
	}
	// Overlap skips happen during normal operation under the single policy.
	if errors.Is(err, engine.ErrOverlapSkip) {
		if !s.log.IsZero() {
			s.log.Debug("trigger skipped", logx.String("task", taskID), logx.Any("err", err))
		}
		return
	}

	now := time.Now()
	s.fireMu.Lock()
	if s.lastFireWarn == nil {
		s.lastFireWarn = make(map[string]time.Time)
	}
	last := s.lastFireWarn[taskID]
	if !last.IsZero() && now.Sub(last) < fireWarnThrottle {
		s.fireMu.Unlock()
		return
	}
	s.lastFireWarn[taskID] = now
	s.fireMu.Unlock()

	if s.log.IsZero() {
		return
	}

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("trigger failed to fire task", logx.String("task", taskID), logx.Any("err", err))
}
