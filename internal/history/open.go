package history

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "taskpilot/pkg/logx"
)

// Store is the execution history API used by the engine, analyzer and ops
// endpoints. Append-only: Update rewrites a record in place (status
// transitions) but records are never removed except by Prune.
type Store interface {
	Append(ctx context.Context, e Execution) error
	Update(ctx context.Context, e Execution) error

	// LastCompleted returns when taskID last had a completed execution.
	LastCompleted(ctx context.Context, taskID string) (time.Time, bool, error)

	// ListRecent returns up to n records, newest first.
	ListRecent(ctx context.Context, n int) ([]Execution, error)

	// ListByTask returns up to n records for one task, newest first.
	ListByTask(ctx context.Context, taskID string, n int) ([]Execution, error)

	// Prune removes records that started before cutoff, returning the count.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return newMemory(cfg.MemoryLimit), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
