package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskpilot/internal/task"
	logx "taskpilot/pkg/logx"
)

var (
	ErrClosed    = errors.New("registry closed")
	ErrDuplicate = errors.New("task id already exists")
	// ErrStatusChanged reports a conditional update whose expected status no
	// longer matched the stored record.
	ErrStatusChanged = errors.New("task status changed")
)

// Registry is the durable store of task records. Every component reaches the
// backing store through it, so consistency rules live in the implementations.
//
// Returned tasks are always copies; mutating them never changes stored state.
type Registry interface {
	StoreTask(ctx context.Context, t *task.Task) (*task.Task, error)
	// UpdateTask replaces the full record. Missing ids yield task.ErrNotFound.
	UpdateTask(ctx context.Context, t *task.Task) (*task.Task, error)
	// UpdateTaskIf replaces the record only while its stored status is still
	// expected. Otherwise it fails with ErrStatusChanged and writes nothing.
	UpdateTaskIf(ctx context.Context, t *task.Task, expected task.Status) (*task.Task, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	// GetTaskByID returns (nil, nil) when the id is unknown.
	GetTaskByID(ctx context.Context, id string) (*task.Task, error)
	// FindTasks returns matches ordered by CreatedAt then ID, paged by the filter.
	FindTasks(ctx context.Context, f task.Filter) ([]*task.Task, error)
	// CountTasks counts matches, ignoring Limit and Offset.
	CountTasks(ctx context.Context, f task.Filter) (int, error)
	// UpdateTasks replaces several records. Items that fail are reported in the
	// returned (joined) error; the others are still written.
	UpdateTasks(ctx context.Context, ts []*task.Task) error
	// ClaimTasks flips PENDING tasks to RUNNING, stamping StartedAt. Only tasks
	// that were still PENDING are flipped and returned, so two concurrent claims
	// for the same id never both succeed.
	ClaimTasks(ctx context.Context, ids []string, at time.Time) ([]*task.Task, error)
	// Clear removes every task.
	Clear(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
//
// Example (YAML):
//
//	storage: { driver: sqlite, path: ./data/tasks.db }
type Config struct {
	Driver      string // memory (default) | sqlite | postgres
	Path        string // sqlite file
	DSN         string // postgres connection string
	BusyTimeout time.Duration
	MaxConns    int32
}

// Open initializes the configured registry.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
