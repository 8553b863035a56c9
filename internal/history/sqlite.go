package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "taskpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, e Execution) error {
	return s.put(ctx, e)
}

func (s *sqliteStore) Update(ctx context.Context, e Execution) error {
	return s.put(ctx, e)
}

func (s *sqliteStore) put(ctx context.Context, e Execution) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	var completed any
	if e.CompletedAt != nil {
		completed = e.CompletedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, task_id, task_name, agent, category, lineage_id, origin, attempt, status, started_at, completed_at, result, err, output_data)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   attempt=excluded.attempt, status=excluded.status, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, result=excluded.result, err=excluded.err,
		   output_data=excluded.output_data`,
		e.ID, e.TaskID, nullStr(e.TaskName), nullStr(e.Agent), nullStr(e.Category),
		nullStr(e.LineageID), nullStr(e.Origin), e.Attempt, string(e.Status),
		e.StartedAt.UnixMilli(), completed, nullStr(string(e.Result)), nullStr(e.Error),
		nullStr(string(e.OutputData)),
	)
	return err
}

func (s *sqliteStore) LastCompleted(ctx context.Context, taskID string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrClosed
	}
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(COALESCE(completed_at, started_at)) FROM executions WHERE task_id = ? AND status = ?`,
		taskID, string(StatusCompleted),
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !ms.Valid) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms.Int64), true, nil
}

const executionColumns = `id, task_id, task_name, agent, category, lineage_id, origin, attempt, status, started_at, completed_at, result, err, output_data`

func (s *sqliteStore) ListRecent(ctx context.Context, n int) ([]Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions ORDER BY started_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (s *sqliteStore) ListByTask(ctx context.Context, taskID string, n int) ([]Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		taskID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (s *sqliteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func scanExecutions(rows *sql.Rows) ([]Execution, error) {
	var out []Execution
	for rows.Next() {
		var (
			e                                          Execution
			taskName, agent, category, lineage, origin sql.NullString
			result, errText, outputData                sql.NullString
			status                                     string
			startedMS                                  int64
			completedMS                                sql.NullInt64
		)
		if err := rows.Scan(
			&e.ID, &e.TaskID, &taskName, &agent, &category, &lineage, &origin,
			&e.Attempt, &status, &startedMS, &completedMS, &result, &errText, &outputData,
		); err != nil {
			return nil, err
		}
		e.TaskName = taskName.String
		e.Agent = agent.String
		e.Category = category.String
		e.LineageID = lineage.String
		e.Origin = origin.String
		e.Status = Status(status)
		e.StartedAt = time.UnixMilli(startedMS)
		if completedMS.Valid {
			t := time.UnixMilli(completedMS.Int64)
			e.CompletedAt = &t
		}
		if result.Valid {
			e.Result = json.RawMessage(result.String)
		}
		e.Error = errText.String
		if outputData.Valid {
			e.OutputData = json.RawMessage(outputData.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
