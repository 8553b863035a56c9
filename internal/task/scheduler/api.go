package scheduler

import (
	"errors"
	"strings"
	"time"
)

// ScheduleOnce arms a single firing of taskID at the given time. Repeated
// calls for the same task supersede the previous one-time firing; decision
// applies use this for schedule adjustments.
func (s *Service) ScheduleOnce(taskID string, at time.Time) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("task id required")
	}
	if at.IsZero() {
		return errors.New("at required")
	}

	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	if loc == nil {
		loc = time.Local
	}
	runAt := at.In(loc)

	s.tmu.Lock()
	if t, ok := s.timers[taskID]; ok {
		_ = t.Stop()
		delete(s.timers, taskID)
	}
	// Bump the version so stale callbacks from superseded timers are ignored.
	ver := s.onceVer[taskID] + 1
	s.onceVer[taskID] = ver
	s.onceAt[taskID] = runAt
	s.timers[taskID] = s.armOnceLocked(taskID, runAt, ver)
	s.tmu.Unlock()

	return nil
}

// CancelOnce drops a pending one-time firing. It reports whether one was
// pending.
func (s *Service) CancelOnce(taskID string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	removed := false
	if t, ok := s.timers[taskID]; ok {
		_ = t.Stop()
		delete(s.timers, taskID)
		removed = true
	}
	if _, ok := s.onceAt[taskID]; ok {
		delete(s.onceAt, taskID)
		removed = true
	}
	delete(s.onceVer, taskID)
	return removed
}

// armOnceLocked creates the deferred timer for one pending firing. Call with
// s.tmu held.
func (s *Service) armOnceLocked(taskID string, runAt time.Time, ver uint64) *time.Timer {
	delay := time.Until(runAt)
	if delay < 0 {
		delay = 0
	}
	return time.AfterFunc(delay, func() {
		s.tmu.Lock()
		curVer := s.onceVer[taskID]
		_, pending := s.onceAt[taskID]
		if curVer != ver || !pending {
			s.tmu.Unlock()
			return
		}
		// Clear the definition first so a concurrent Stop/Start cannot
		// re-arm an already consumed firing.
		delete(s.timers, taskID)
		delete(s.onceAt, taskID)
		delete(s.onceVer, taskID)
		s.tmu.Unlock()

		s.fire(taskID, "decision", nil)
	})
}

// rebuildOnceTimersLocked recreates runtime timers from persisted one-time
// definitions. Call with s.mu held.
func (s *Service) rebuildOnceTimersLocked() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}

	for taskID, runAt := range s.onceAt {
		ver := s.onceVer[taskID]
		if ver == 0 {
			ver = 1
			s.onceVer[taskID] = ver
		}
		s.timers[taskID] = s.armOnceLocked(taskID, runAt, ver)
	}
}
