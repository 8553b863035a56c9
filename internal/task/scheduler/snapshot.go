package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	var triggers map[string][]string
	if len(s.routes) > 0 {
		triggers = make(map[string][]string, len(s.routes))
		for ev, ids := range s.routes {
			triggers[ev] = append([]string(nil), ids...)
		}
	}
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{TaskID: d.taskID, Spec: d.spec, Spread: d.startupSpread}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	var once map[string]time.Time
	s.tmu.Lock()
	if len(s.onceAt) > 0 {
		once = make(map[string]time.Time, len(s.onceAt))
		for id, at := range s.onceAt {
			once[id] = at
		}
	}
	s.tmu.Unlock()

	return Snapshot{
		Enabled:   enabled,
		Timezone:  tz,
		Schedules: items,
		Triggers:  triggers,
		Once:      once,
	}
}
