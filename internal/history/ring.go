package history

import "time"

// ring holds the trailing execution window shared by the memory and file
// drivers. Callers hold their own lock; ring methods never lock.
type ring struct {
	limit int

	recs          []Execution
	byID          map[string]int
	lastCompleted map[string]time.Time
}

func newRing(limit int) ring {
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	return ring{
		limit:         limit,
		byID:          map[string]int{},
		lastCompleted: map[string]time.Time{},
	}
}

// put upserts by id, trimming the window in chunks so the per-append cost
// stays amortized constant.
func (r *ring) put(e Execution) {
	if i, ok := r.byID[e.ID]; ok {
		r.recs[i] = e
		r.noteCompleted(e)
		return
	}
	r.recs = append(r.recs, e)
	r.byID[e.ID] = len(r.recs) - 1
	r.noteCompleted(e)

	if len(r.recs) > r.limit+r.limit/4 {
		drop := len(r.recs) - r.limit
		kept := make([]Execution, r.limit)
		copy(kept, r.recs[drop:])
		r.recs = kept
		r.reindex()
	}
}

func (r *ring) noteCompleted(e Execution) {
	if e.Status != StatusCompleted {
		return
	}
	at := e.StartedAt
	if e.CompletedAt != nil {
		at = *e.CompletedAt
	}
	if at.After(r.lastCompleted[e.TaskID]) {
		r.lastCompleted[e.TaskID] = at
	}
}

func (r *ring) reindex() {
	r.byID = make(map[string]int, len(r.recs))
	for i, e := range r.recs {
		r.byID[e.ID] = i
	}
}

func (r *ring) listRecent(n int) []Execution {
	if n <= 0 {
		return nil
	}
	out := make([]Execution, 0, min(n, len(r.recs)))
	for i := len(r.recs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.recs[i])
	}
	return out
}

func (r *ring) listByTask(taskID string, n int) []Execution {
	if n <= 0 {
		return nil
	}
	out := make([]Execution, 0, min(n, 16))
	for i := len(r.recs) - 1; i >= 0 && len(out) < n; i-- {
		if r.recs[i].TaskID == taskID {
			out = append(out, r.recs[i])
		}
	}
	return out
}

func (r *ring) prune(cutoff time.Time) int {
	kept := r.recs[:0]
	removed := 0
	for _, e := range r.recs {
		if e.StartedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed > 0 {
		r.recs = kept
		r.reindex()
	}
	return removed
}
