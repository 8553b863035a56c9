package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "taskpilot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.executions.snapshot.json (periodic snapshot, JSON array)
//   - <prefix>.executions.journal.jsonl (append-only journal)
//
// Every Append/Update writes the full record state to the journal; on open
// the snapshot is loaded and the journal replayed (later lines supersede).
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	ring   ring
	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".executions.snapshot.json"
	journalPath := prefix + ".executions.journal.jsonl"

	r := newRing(cfg.MemoryLimit)
	_ = loadSnapshot(snapPath, &r)
	_ = replayJournal(journalPath, &r)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		ring:         r,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Compact on close so restarts replay a short journal.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("history compact on close failed", logx.Any("err", err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) Append(ctx context.Context, e Execution) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(e)
}

func (s *fileStore) Update(ctx context.Context, e Execution) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(e)
}

func (s *fileStore) putLocked(e Execution) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	s.ring.put(e)

	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(e); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) LastCompleted(ctx context.Context, taskID string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.ring.lastCompleted[taskID]
	return at, ok, nil
}

func (s *fileStore) ListRecent(ctx context.Context, n int) ([]Execution, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.listRecent(n), nil
}

func (s *fileStore) ListByTask(ctx context.Context, taskID string, n int) ([]Execution, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.listByTask(taskID, n), nil
}

func (s *fileStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.ring.prune(cutoff)
	if removed > 0 && s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact after prune failed", logx.Any("err", err))
		}
	}
	return removed, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.ring.recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, r *ring) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []Execution
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, e := range recs {
		r.put(e)
	}
	return nil
}

func replayJournal(path string, r *ring) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Execution
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.ID == "" {
			continue
		}
		r.put(e)
	}
	return sc.Err()
}
