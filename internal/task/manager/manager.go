package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/eventbus"
	rtsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/task"
	"taskpilot/internal/task/coordinator"
	"taskpilot/internal/task/datetime"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/task/registry"
	"taskpilot/internal/task/scheduler"
	logx "taskpilot/pkg/logx"
)

type Option func(*Manager)

// WithClock overrides time.Now for the manager and for the default selector
// and translator it builds.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func WithSelector(s *scheduler.Selector) Option { return func(m *Manager) { m.sel = s } }

func WithTranslator(t datetime.Translator) Option { return func(m *Manager) { m.tr = t } }

// WithCoordinator shares one ticker with other managers. It only takes effect
// for a manager bound to an agent.
func WithCoordinator(c *coordinator.Coordinator) Option { return func(m *Manager) { m.coord = c } }

func WithEventBus(b eventbus.Bus) Option { return func(m *Manager) { m.bus = b } }

func WithCycleSink(s CycleSink) Option { return func(m *Manager) { m.sink = s } }

// Manager owns the task lifecycle: creation, the scheduling cycle and the
// loop that drives it.
type Manager struct {
	mu  sync.Mutex
	cfg Config

	reg   registry.Registry
	exec  *engine.Service
	sel   *scheduler.Selector
	tr    datetime.Translator
	coord *coordinator.Coordinator
	bus   eventbus.Bus
	sink  CycleSink

	log  logx.Logger
	warn *logx.Limited
	now  func() time.Time

	started time.Time

	// loop state, guarded by mu
	sup        *rtsup.Supervisor
	registered bool
	reset      chan struct{}

	lmu  sync.Mutex
	loop LoopStats
	sum  time.Duration

	cmu      sync.Mutex
	cached   *Metrics
	cachedAt time.Time
}

func New(cfg Config, reg registry.Registry, exec *engine.Service, opts ...Option) *Manager {
	m := &Manager{
		cfg:   cfg.withDefaults(),
		reg:   reg,
		exec:  exec,
		now:   time.Now,
		reset: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.Component("manager")
	if m.cfg.AgentID != "" {
		m.log = m.log.With(logx.String("agent", m.cfg.AgentID))
	}
	m.warn = logx.NewLimited(m.log, 30*time.Second)
	if m.sel == nil {
		m.sel = scheduler.New(scheduler.WithClock(m.now), scheduler.WithLogger(m.log))
	}
	if m.tr == nil {
		m.tr = datetime.New(datetime.WithClock(m.now))
	}
	m.started = m.now()
	return m
}

// Apply swaps the configuration. A running own loop picks up a new interval
// immediately; the agent binding cannot change.
func (m *Manager) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	cfg.AgentID = m.cfg.AgentID
	changed := cfg.Interval != m.cfg.Interval
	m.cfg = cfg
	running := m.sup != nil
	m.mu.Unlock()

	if changed && running {
		select {
		case m.reset <- struct{}{}:
		default:
		}
	}
	m.log.Debug("config applied", logx.Duration("interval", cfg.Interval), logx.Int("max_concurrent", cfg.MaxConcurrentTasks))
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// AgentID returns the bound agent scope ("" when unbound).
func (m *Manager) AgentID() string { return m.config().AgentID }

// CreateTask resolves, validates and stores a task. Tasks are scoped to the
// bound agent unless in.AgentID names one.
func (m *Manager) CreateTask(ctx context.Context, in NewTask) (*task.Task, error) {
	if in.AgentID == "" {
		in.AgentID = m.config().AgentID
	}
	return m.create(ctx, in)
}

// CreateTaskForAgent stores a task scoped to agentID.
func (m *Manager) CreateTaskForAgent(ctx context.Context, agentID string, in NewTask) (*task.Task, error) {
	in.AgentID = agentID
	return m.create(ctx, in)
}

func (m *Manager) create(ctx context.Context, in NewTask) (*task.Task, error) {
	cfg := m.config()
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, task.NewCreationError(task.StageValidation, "name is required", nil)
	}
	if in.ScheduleType != "" {
		st, ok := task.ParseScheduleType(string(in.ScheduleType))
		if !ok {
			return nil, task.NewCreationError(task.StageValidation, fmt.Sprintf("unknown schedule type %q", in.ScheduleType), task.ErrInvalidSchedule)
		}
		in.ScheduleType = st
	}
	if in.MaxExecutions < 0 || in.MaxRetries < 0 {
		return nil, task.NewCreationError(task.StageValidation, "limits must not be negative", nil)
	}

	plan, err := m.resolve(ctx, in)
	if err != nil {
		return nil, err
	}

	now := m.now()
	t := &task.Task{
		ID:            task.NewID(),
		Name:          in.Name,
		Description:   in.Description,
		ScheduleType:  plan.scheduleType,
		ScheduledTime: plan.scheduledTime,
		Priority:      task.ClampPriority(plan.priority, cfg.MinPriority, cfg.MaxPriority, cfg.DefaultPriority),
		Status:        task.StatusPending,
		Metadata: task.Metadata{
			AgentID:    in.AgentID,
			Tags:       in.Tags,
			MaxRetries: in.MaxRetries,
			Extra:      in.Extra,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if plan.pattern != "" {
		t.Interval = &task.Interval{Pattern: plan.pattern, MaxExecutions: in.MaxExecutions}
	}

	stored, err := m.reg.StoreTask(ctx, t)
	if err != nil {
		return nil, task.NewCreationError(task.StageStorage, "store task", err).WithTask(t.ID)
	}
	m.log.Info("task created",
		logx.String("id", stored.ID),
		logx.String("name", stored.Name),
		logx.String("type", string(stored.ScheduleType)),
		logx.Int("priority", stored.Priority),
	)
	return stored, nil
}

// GetTask returns the task or an error wrapping task.ErrNotFound.
func (m *Manager) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.reg.GetTaskByID(ctx, id)
	if err != nil {
		return nil, task.NewError(task.CodeRetrieval, "get task", err).WithTask(id)
	}
	if t == nil {
		return nil, task.NewError(task.CodeRetrieval, "get task", task.ErrNotFound).WithTask(id)
	}
	return t, nil
}

// UpdateTask replaces the stored record with t. The priority is re-clamped,
// identity and creation time are kept, and only external status transitions
// are accepted. A running task cannot be edited.
func (m *Manager) UpdateTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t == nil || t.ID == "" {
		return nil, task.NewError(task.CodeUpdate, "task id is required", nil)
	}
	cur, err := m.reg.GetTaskByID(ctx, t.ID)
	if err != nil {
		return nil, task.NewError(task.CodeUpdate, "load task", err).WithTask(t.ID)
	}
	if cur == nil {
		return nil, task.NewError(task.CodeUpdate, "load task", task.ErrNotFound).WithTask(t.ID)
	}
	if cur.Status == task.StatusRunning {
		return nil, task.NewError(task.CodeUpdate, "task is running", task.ErrInvalidTransition).WithTask(t.ID)
	}
	if !task.CanTransitionExternal(cur, t.Status) {
		return nil, task.NewError(task.CodeUpdate, fmt.Sprintf("%s -> %s", cur.Status, t.Status), task.ErrInvalidTransition).WithTask(t.ID)
	}
	if !t.ScheduleType.Valid() {
		return nil, task.NewError(task.CodeUpdate, fmt.Sprintf("unknown schedule type %q", t.ScheduleType), task.ErrInvalidSchedule).WithTask(t.ID)
	}
	if t.ScheduleType == task.ScheduleInterval {
		if t.Interval == nil {
			return nil, task.NewError(task.CodeUpdate, "interval pattern is required", task.ErrInvalidSchedule).WithTask(t.ID)
		}
		if _, err := scheduler.Compile(t.Interval.Pattern); err != nil {
			return nil, task.NewError(task.CodeUpdate, "interval pattern", fmt.Errorf("%w: %v", task.ErrInvalidSchedule, err)).WithTask(t.ID)
		}
	}

	cfg := m.config()
	next := t.Clone()
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = m.now()
	next.StartedAt = nil
	next.Priority = task.ClampPriority(next.Priority, cfg.MinPriority, cfg.MaxPriority, cfg.DefaultPriority)
	if next.Metadata.AgentID == "" {
		next.Metadata.AgentID = cur.Metadata.AgentID
	}

	out, err := m.reg.UpdateTaskIf(ctx, next, cur.Status)
	if err != nil {
		return nil, updateFailed("update task", t.ID, err)
	}
	return out, nil
}

// DeleteTask removes a task and reports whether it existed.
func (m *Manager) DeleteTask(ctx context.Context, id string) (bool, error) {
	ok, err := m.reg.DeleteTask(ctx, id)
	if err != nil {
		return false, task.NewError(task.CodeDeletion, "delete task", err).WithTask(id)
	}
	if ok {
		m.log.Info("task deleted", logx.String("id", id))
	}
	return ok, nil
}

// FindTasks queries the registry, scoped to the bound agent unless f already
// names a scope.
func (m *Manager) FindTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	if agent := m.config().AgentID; agent != "" && f.AgentID == nil {
		f = f.ForAgent(agent)
	}
	return m.find(ctx, f)
}

func (m *Manager) FindTasksForAgent(ctx context.Context, agentID string, f task.Filter) ([]*task.Task, error) {
	return m.find(ctx, f.ForAgent(agentID))
}

func (m *Manager) find(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	out, err := m.reg.FindTasks(ctx, f)
	if err != nil {
		return nil, task.NewError(task.CodeQuery, "find tasks", err)
	}
	return out, nil
}

// CancelTask stops a pending task from ever being picked up. It does not
// interrupt a task that is already running.
func (m *Manager) CancelTask(ctx context.Context, id string) (*task.Task, error) {
	return m.transition(ctx, id, task.StatusCancelled)
}

// DeferTask parks a pending task until ResumeTask.
func (m *Manager) DeferTask(ctx context.Context, id string) (*task.Task, error) {
	return m.transition(ctx, id, task.StatusDeferred)
}

func (m *Manager) ResumeTask(ctx context.Context, id string) (*task.Task, error) {
	return m.transition(ctx, id, task.StatusPending)
}

func (m *Manager) transition(ctx context.Context, id string, next task.Status) (*task.Task, error) {
	cur, err := m.reg.GetTaskByID(ctx, id)
	if err != nil {
		return nil, task.NewError(task.CodeUpdate, "load task", err).WithTask(id)
	}
	if cur == nil {
		return nil, task.NewError(task.CodeUpdate, "load task", task.ErrNotFound).WithTask(id)
	}
	if cur.Status == next {
		return cur, nil
	}
	if !task.CanTransitionExternal(cur, next) {
		return nil, task.NewError(task.CodeUpdate, fmt.Sprintf("%s -> %s", cur.Status, next), task.ErrInvalidTransition).WithTask(id)
	}
	prev := cur.Status
	cur.Status = next
	cur.UpdatedAt = m.now()
	out, err := m.reg.UpdateTaskIf(ctx, cur, prev)
	if err != nil {
		return nil, updateFailed("update status", id, err)
	}
	m.log.Info("task status changed", logx.String("id", id), logx.String("from", string(prev)), logx.String("to", string(next)))
	return out, nil
}

// updateFailed wraps a failed conditional write. Losing the race to a claim or
// another writer surfaces as an invalid transition.
func updateFailed(msg, id string, err error) error {
	if errors.Is(err, registry.ErrStatusChanged) {
		err = fmt.Errorf("%w: %w", task.ErrInvalidTransition, err)
	}
	return task.NewError(task.CodeUpdate, msg, err).WithTask(id)
}
