package manager

import (
	"context"
	"time"

	"taskpilot/internal/task"
	"taskpilot/internal/task/engine"
)

// Config controls the scheduler manager. Zero fields take the defaults below.
type Config struct {
	// Interval is the period of the manager's own ticker. It is unused while
	// the manager is driven by a coordinator.
	Interval           time.Duration
	MaxConcurrentTasks int

	DefaultPriority int
	MinPriority     int
	MaxPriority     int

	// AutoStart starts the scheduler loop from app startup.
	AutoStart bool

	MetricsCacheTTL     time.Duration
	StaleRunningTimeout time.Duration

	// AgentID binds the manager to one agent scope. Created tasks are scoped
	// to it and queries only see its tasks.
	AgentID string
}

const (
	DefaultInterval            = 30 * time.Second
	DefaultMaxConcurrentTasks  = 5
	DefaultMetricsCacheTTL     = 30 * time.Second
	DefaultStaleRunningTimeout = 30 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.MinPriority == 0 && c.MaxPriority == 0 {
		c.MinPriority, c.MaxPriority = task.MinPriority, task.MaxPriority
	}
	if c.MinPriority > c.MaxPriority {
		c.MinPriority, c.MaxPriority = c.MaxPriority, c.MinPriority
	}
	if c.DefaultPriority == 0 {
		c.DefaultPriority = task.DefaultPriority
	}
	if c.MetricsCacheTTL <= 0 {
		c.MetricsCacheTTL = DefaultMetricsCacheTTL
	}
	if c.StaleRunningTimeout <= 0 {
		c.StaleRunningTimeout = DefaultStaleRunningTimeout
	}
	return c
}

// NewTask is the input of CreateTask.
//
// When holds a raw time expression ("in 2 minutes", "tomorrow", "@every 1h").
// It is resolved before the task is stored; a task never keeps an unresolved
// expression.
type NewTask struct {
	Name          string
	Description   string
	ScheduleType  task.ScheduleType
	ScheduledTime *time.Time
	When          string
	// Priority 0 means "not set": a vague When may suggest one, otherwise
	// the configured default applies.
	Priority int

	// Interval is the recurring pattern of INTERVAL tasks. When is used when
	// it is empty.
	Interval      string
	MaxExecutions int

	MaxRetries int
	Tags       []string
	Extra      map[string]string
	AgentID    string
}

// CycleStats describes one scheduling cycle.
type CycleStats struct {
	AgentID   string        `json:"agent_id,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Pending   int           `json:"pending"`
	Due       int           `json:"due"`
	Claimed   int           `json:"claimed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Err       string        `json:"error,omitempty"`
}

// CycleSink receives stats after every cycle. Sinks are called synchronously
// at the end of the cycle and should be quick; errors are only logged.
type CycleSink interface {
	RecordCycle(ctx context.Context, s CycleStats) error
}

type CycleSinkFunc func(ctx context.Context, s CycleStats) error

func (f CycleSinkFunc) RecordCycle(ctx context.Context, s CycleStats) error { return f(ctx, s) }

// LoopStats aggregates cycle timings.
type LoopStats struct {
	Cycles       uint64        `json:"cycles"`
	Failures     uint64        `json:"failures"`
	LastCycleAt  time.Time     `json:"last_cycle_at,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	AvgDuration  time.Duration `json:"avg_duration"`
	MaxDuration  time.Duration `json:"max_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// Metrics is the observability view returned by GetMetrics.
type Metrics struct {
	AgentID          string                    `json:"agent_id,omitempty"`
	Total            int                       `json:"total"`
	ByStatus         map[task.Status]int       `json:"by_status"`
	BySchedule       map[task.ScheduleType]int `json:"by_schedule"`
	Running          []engine.RunningTask      `json:"running"`
	Loop             LoopStats                 `json:"loop"`
	Executor         engine.Snapshot           `json:"executor"`
	SchedulerRunning bool                      `json:"scheduler_running"`
	Uptime           time.Duration             `json:"uptime"`
	CollectedAt      time.Time                 `json:"collected_at"`
}
