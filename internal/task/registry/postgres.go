package registry

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskpilot/internal/task"
	logx "taskpilot/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres persists tasks in a shared database. Claims use row locks, so
// several processes pointed at the same table still never claim a task twice.
type Postgres struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*Postgres, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres registry ready", logx.String("host", pcfg.ConnConfig.Host))
	return &Postgres{pool: pool, log: log}, nil
}

func pgPH(n int) string { return "$" + strconv.Itoa(n) }

func (p *Postgres) StoreTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	data, err := encodeTask(t)
	if err != nil {
		return nil, err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO tasks(id, status, schedule_type, agent_id, priority, created_at, updated_at, data)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, string(t.Status), string(t.ScheduleType), t.Metadata.AgentID, t.Priority,
		t.CreatedAt, t.UpdatedAt, data,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
		}
		return nil, err
	}
	return t.Clone(), nil
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (p *Postgres) update(ctx context.Context, db pgExecer, t *task.Task, expect task.Status) error {
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	q := `UPDATE tasks SET status=$1, schedule_type=$2, agent_id=$3, priority=$4, created_at=$5, updated_at=$6, data=$7
		 WHERE id=$8`
	args := []any{
		string(t.Status), string(t.ScheduleType), t.Metadata.AgentID, t.Priority,
		t.CreatedAt, t.UpdatedAt, data, t.ID,
	}
	if expect != "" {
		q += ` AND status=$9`
		args = append(args, string(expect))
	}
	tag, err := db.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if expect != "" {
		var cur string
		err := p.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id=$1`, t.ID).Scan(&cur)
		if err == nil {
			return fmt.Errorf("%w: %s is %s, expected %s", ErrStatusChanged, t.ID, cur, expect)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
	}
	return fmt.Errorf("%w: %s", task.ErrNotFound, t.ID)
}

func (p *Postgres) UpdateTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := p.update(ctx, p.pool, t, ""); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (p *Postgres) UpdateTaskIf(ctx context.Context, t *task.Task, expected task.Status) (*task.Task, error) {
	if err := p.update(ctx, p.pool, t, expected); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// UpdateTasks writes each record independently so one bad row cannot roll
// back its siblings.
func (p *Postgres) UpdateTasks(ctx context.Context, ts []*task.Task) error {
	var errs []error
	for _, t := range ts {
		if t == nil {
			continue
		}
		if err := p.update(ctx, p.pool, t, ""); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Postgres) DeleteTask(ctx context.Context, id string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) GetTaskByID(ctx context.Context, id string) (*task.Task, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM tasks WHERE id=$1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTask(data)
}

func (p *Postgres) FindTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	rows, err := p.query(ctx, f)
	if err != nil {
		return nil, err
	}
	return finish(rows, f), nil
}

func (p *Postgres) CountTasks(ctx context.Context, f task.Filter) (int, error) {
	f.Limit, f.Offset = 0, 0
	rows, err := p.query(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(finish(rows, f)), nil
}

func (p *Postgres) query(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	where, args := whereClause(f, pgPH)
	rows, err := p.pool.Query(ctx, `SELECT data FROM tasks`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decodeTask(data)
		if err != nil {
			p.log.Warn("skipping undecodable task row", logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ClaimTasks(ctx context.Context, ids []string, at time.Time) ([]*task.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// SKIP LOCKED: a row another claimer holds is simply not ours this cycle.
	rows, err := tx.Query(ctx,
		`SELECT data FROM tasks WHERE id = ANY($1) AND status = $2 FOR UPDATE SKIP LOCKED`,
		ids, string(task.StatusPending),
	)
	if err != nil {
		return nil, err
	}
	locked := make(map[string]*task.Task, len(ids))
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return nil, err
		}
		t, err := decodeTask(data)
		if err != nil {
			rows.Close()
			return nil, err
		}
		locked[t.ID] = t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*task.Task, 0, len(locked))
	for _, id := range ids {
		t, ok := locked[id]
		if !ok {
			continue
		}
		t.Status = task.StatusRunning
		t.StartedAt = task.TimePtr(at)
		t.UpdatedAt = at
		data, err := encodeTask(t)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET status=$1, updated_at=$2, data=$3 WHERE id=$4`,
			string(task.StatusRunning), at, data, id,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) Clear(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM tasks`)
	return err
}

func (p *Postgres) Close() error {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
	return nil
}
