package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskpilot/internal/task"
	logx "taskpilot/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite persists tasks in a single database file.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and it makes every
	// transaction (claims in particular) exclusive within the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite registry ready", logx.String("path", path))
	return &SQLite{db: db, log: log}, nil
}

func sqlitePH(int) string { return "?" }

func (s *SQLite) StoreTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	data, err := encodeTask(t)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, status, schedule_type, agent_id, priority, created_at, updated_at, data)
		 VALUES(?,?,?,?,?,?,?,?)`,
		t.ID, string(t.Status), string(t.ScheduleType), t.Metadata.AgentID, t.Priority,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(), string(data),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
		}
		return nil, err
	}
	return t.Clone(), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// update writes t. A non-empty expect adds a status condition; a miss is then
// told apart from an unknown id with a second lookup.
func (s *SQLite) update(ctx context.Context, db execer, t *task.Task, expect task.Status) error {
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	q := `UPDATE tasks SET status=?, schedule_type=?, agent_id=?, priority=?, created_at=?, updated_at=?, data=?
		 WHERE id=?`
	args := []any{
		string(t.Status), string(t.ScheduleType), t.Metadata.AgentID, t.Priority,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(), string(data), t.ID,
	}
	if expect != "" {
		q += ` AND status=?`
		args = append(args, string(expect))
	}
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if expect != "" {
		var cur string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=?`, t.ID).Scan(&cur)
		if err == nil {
			return fmt.Errorf("%w: %s is %s, expected %s", ErrStatusChanged, t.ID, cur, expect)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}
	return fmt.Errorf("%w: %s", task.ErrNotFound, t.ID)
}

func (s *SQLite) UpdateTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := s.update(ctx, s.db, t, ""); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (s *SQLite) UpdateTaskIf(ctx context.Context, t *task.Task, expected task.Status) (*task.Task, error) {
	if err := s.update(ctx, s.db, t, expected); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (s *SQLite) UpdateTasks(ctx context.Context, ts []*task.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var errs []error
	for _, t := range ts {
		if t == nil {
			continue
		}
		if err := s.update(ctx, tx, t, ""); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) GetTaskByID(ctx context.Context, id string) (*task.Task, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id=?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTask([]byte(data))
}

func (s *SQLite) FindTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	rows, err := s.query(ctx, f)
	if err != nil {
		return nil, err
	}
	return finish(rows, f), nil
}

func (s *SQLite) CountTasks(ctx context.Context, f task.Filter) (int, error) {
	f.Limit, f.Offset = 0, 0
	rows, err := s.query(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(finish(rows, f)), nil
}

func (s *SQLite) query(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	where, args := whereClause(f, sqlitePH)
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM tasks`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decodeTask([]byte(data))
		if err != nil {
			s.log.Warn("skipping undecodable task row", logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) ClaimTasks(ctx context.Context, ids []string, at time.Time) ([]*task.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		var data string
		err := tx.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id=? AND status=?`, id, string(task.StatusPending)).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		t, err := decodeTask([]byte(data))
		if err != nil {
			return nil, err
		}
		t.Status = task.StatusRunning
		t.StartedAt = task.TimePtr(at)
		t.UpdatedAt = at
		enc, err := encodeTask(t)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status=?, updated_at=?, data=? WHERE id=? AND status=?`,
			string(task.StatusRunning), at.UnixNano(), string(enc), id, string(task.StatusPending),
		)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			out = append(out, t)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks`)
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
