package engine

import (
	"context"
	"time"

	"taskpilot/internal/task"
)

// Config controls the task executor.
type Config struct {
	// Timeout bounds a single handler invocation. 0 disables the bound.
	Timeout time.Duration

	HistorySize int
}

// Handler performs the work a task describes. It is called at most once per
// RUNNING transition and may take minutes; it should honour ctx.
type Handler interface {
	Handle(ctx context.Context, t *task.Task) (task.HandlerResult, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, t *task.Task) (task.HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, t *task.Task) (task.HandlerResult, error) {
	return f(ctx, t)
}

// RunningTask is one entry of the live execution snapshot.
type RunningTask struct {
	TaskID    string    `json:"task_id"`
	Name      string    `json:"name"`
	AgentID   string    `json:"agent_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type HistoryItem struct {
	TaskID   string
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	AgentID  string        `json:"agent_id,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Code     string        `json:"code,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Executed  uint64 `json:"executed"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Panics    uint64 `json:"panics"`
	TimedOut  uint64 `json:"timed_out"`

	InFlight    int `json:"in_flight"`
	MaxInFlight int `json:"max_in_flight"`

	Timeout time.Duration `json:"timeout"`

	History []HistoryItem `json:"-"`
}
