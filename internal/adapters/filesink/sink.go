// Package filesink delivers execution output envelopes to local files, one
// JSON Lines file per destination. It is the default Sink wired by the
// composition root when the output section is configured.
package filesink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"taskpilot/internal/task/engine"
	logx "taskpilot/pkg/logx"
)

type Config struct {
	// Dir is the root directory for destination files; created on open.
	Dir string

	// Default is the file stem for envelopes without a destination
	// (default "outbox").
	Default string
}

type Sink struct {
	log logx.Logger

	mu    sync.Mutex
	dir   string
	def   string
	files map[string]*os.File
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("output.dir is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	def := destName(cfg.Default)
	if def == "" {
		def = "outbox"
	}
	return &Sink{
		log:   log,
		dir:   dir,
		def:   def,
		files: map[string]*os.File{},
	}, nil
}

// Deliver appends the envelope to its destination file. Files stay open
// across deliveries and are closed by Close.
func (s *Sink) Deliver(ctx context.Context, env engine.Envelope) error {
	_ = ctx
	name := destName(env.Destination)
	if name == "" {
		name = s.def
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		return errors.New("sink closed")
	}
	f, err := s.fileLocked(name)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.files = nil
	return first
}

func (s *Sink) fileLocked(name string) (*os.File, error) {
	if f, ok := s.files[name]; ok {
		return f, nil
	}
	path := filepath.Join(s.dir, name+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.files[name] = f
	s.log.Debug("output file opened", logx.String("path", path))
	return f, nil
}

// destName flattens a destination label into a safe file stem. Anything
// outside [A-Za-z0-9_-] becomes '_', so labels cannot escape the directory.
func destName(dest string) string {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(dest))
	for _, r := range dest {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
