package history

import (
	"context"
	"sync"
	"time"
)

const defaultMemoryLimit = 1000

// memoryStore keeps the trailing window of executions in process memory.
// It is the default driver; state does not survive restarts.
type memoryStore struct {
	mu     sync.Mutex
	closed bool
	ring   ring
}

func newMemory(limit int) *memoryStore {
	return &memoryStore{ring: newRing(limit)}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Append(ctx context.Context, e Execution) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.ring.put(e)
	return nil
}

// Update rewrites the record in place. If the original was already evicted
// from the window, the terminal state is re-appended instead of being lost.
func (s *memoryStore) Update(ctx context.Context, e Execution) error {
	return s.Append(ctx, e)
}

func (s *memoryStore) LastCompleted(ctx context.Context, taskID string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.ring.lastCompleted[taskID]
	return at, ok, nil
}

func (s *memoryStore) ListRecent(ctx context.Context, n int) ([]Execution, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.listRecent(n), nil
}

func (s *memoryStore) ListByTask(ctx context.Context, taskID string, n int) ([]Execution, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.listByTask(taskID, n), nil
}

func (s *memoryStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.prune(cutoff), nil
}
