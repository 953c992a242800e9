package manager

import (
	"context"
	"slices"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/task"
	"taskpilot/internal/task/scheduler"
	logx "taskpilot/pkg/logx"
)

// ExecuteDueTasks runs one scheduling cycle over the bound agent's tasks, or
// over every task when no agent is bound.
func (m *Manager) ExecuteDueTasks(ctx context.Context) ([]task.ExecutionResult, error) {
	return m.cycle(ctx, m.config().AgentID)
}

// ExecuteDueTasksForAgent runs one scheduling cycle over agentID's tasks.
// An empty agentID selects every task.
//
// Per-task failures end up in the results. The returned error is reserved
// for cycle-level failures such as an unreachable registry.
func (m *Manager) ExecuteDueTasksForAgent(ctx context.Context, agentID string) ([]task.ExecutionResult, error) {
	return m.cycle(ctx, agentID)
}

func (m *Manager) cycle(ctx context.Context, agentID string) ([]task.ExecutionResult, error) {
	cfg := m.config()
	st := CycleStats{AgentID: agentID, Started: m.now()}
	log := m.log
	if agentID != "" && agentID != cfg.AgentID {
		log = log.With(logx.String("scope", agentID))
	}

	results, err := m.runCycle(ctx, cfg, agentID, &st)
	st.Duration = m.now().Sub(st.Started)
	if err != nil {
		st.Err = err.Error()
		m.warn.Warn("cycle failed", logx.Err(err), logx.Duration("took", st.Duration))
		err = task.NewError(task.CodeExecution, "scheduling cycle", err)
	} else if st.Claimed > 0 {
		log.Info("cycle finished",
			logx.Int("due", st.Due),
			logx.Int("claimed", st.Claimed),
			logx.Int("ok", st.Succeeded),
			logx.Int("failed", st.Failed),
			logx.Duration("took", st.Duration),
		)
	} else {
		log.Debug("cycle idle", logx.Int("pending", st.Pending), logx.Duration("took", st.Duration))
	}
	m.recordCycle(ctx, st)
	return results, err
}

func (m *Manager) runCycle(ctx context.Context, cfg Config, agentID string, st *CycleStats) ([]task.ExecutionResult, error) {
	f := task.Filter{Statuses: []task.Status{task.StatusPending}}
	if agentID != "" {
		f = f.ForAgent(agentID)
	}
	pending, err := m.reg.FindTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	st.Pending = len(pending)

	due := scheduler.Order(m.sel.DueTasks(pending))
	st.Due = len(due)
	if len(due) == 0 {
		return nil, nil
	}
	if len(due) > cfg.MaxConcurrentTasks {
		due = due[:cfg.MaxConcurrentTasks]
	}

	// The RUNNING flip is committed before anything is dispatched. A task that
	// another cycle claimed first is simply not returned here.
	ids := make([]string, len(due))
	for i, t := range due {
		ids[i] = t.ID
	}
	claimed, err := m.reg.ClaimTasks(ctx, ids, m.now())
	if err != nil {
		return nil, err
	}
	st.Claimed = len(claimed)
	if len(claimed) == 0 {
		return nil, nil
	}
	if len(claimed) < len(ids) {
		m.log.Debug("tasks claimed elsewhere", logx.Int("lost", len(ids)-len(claimed)))
	}
	claimed = inOrder(claimed, ids)

	results := m.exec.ExecuteTasks(ctx, claimed, cfg.MaxConcurrentTasks)
	m.finish(ctx, claimed, results)
	for _, r := range results {
		if r.Successful {
			st.Succeeded++
		} else {
			st.Failed++
		}
	}
	return results, nil
}

// ExecuteTaskNow runs a pending task immediately, whether or not it is due.
// The task is still claimed first, so it cannot also run in a cycle.
func (m *Manager) ExecuteTaskNow(ctx context.Context, id string) (task.ExecutionResult, error) {
	t, err := m.reg.GetTaskByID(ctx, id)
	if err != nil {
		return task.ExecutionResult{}, task.NewError(task.CodeExecution, "load task", err).WithTask(id)
	}
	if t == nil {
		return task.ExecutionResult{}, task.NewError(task.CodeExecution, "load task", task.ErrNotFound).WithTask(id)
	}
	claimed, err := m.reg.ClaimTasks(ctx, []string{id}, m.now())
	if err != nil {
		return task.ExecutionResult{}, task.NewError(task.CodeExecution, "claim task", err).WithTask(id)
	}
	if len(claimed) == 0 {
		return task.ExecutionResult{}, task.NewError(task.CodeExecution, "task is "+string(t.Status), task.ErrInvalidTransition).WithTask(id)
	}

	results := []task.ExecutionResult{m.exec.ExecuteTask(ctx, claimed[0])}
	m.finish(ctx, claimed, results)
	return results[0], nil
}

// finish persists the terminal state of every dispatched task in one batch.
// It runs even when ctx was cancelled mid-cycle: the tasks are RUNNING and
// would otherwise be left for the orphan sweep.
func (m *Manager) finish(ctx context.Context, ts []*task.Task, results []task.ExecutionResult) {
	now := m.now()
	for i, t := range ts {
		applyResult(t, results[i], now)
		results[i].RetryCount = t.Metadata.RetryCount
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := m.reg.UpdateTasks(wctx, ts); err != nil {
		// Per-item failures are joined; siblings were still written.
		m.log.Error("persist results failed", logx.Err(err), logx.Int("tasks", len(ts)))
	}
}

// applyResult moves a RUNNING task to its post-execution state.
//
// Interval tasks count every fire and re-arm to PENDING after a success
// until MaxExecutions is reached.
func applyResult(t *task.Task, r task.ExecutionResult, now time.Time) {
	fired := r.StartTime
	if fired.IsZero() {
		fired = now
	}
	t.LastExecutedAt = task.TimePtr(fired)
	t.StartedAt = nil
	t.UpdatedAt = now
	if t.ScheduleType == task.ScheduleInterval && t.Interval != nil {
		t.Interval.ExecutionCount++
	}

	if !r.Successful {
		t.Status = task.StatusFailed
		t.Metadata.RetryCount++
		if r.Error != nil {
			e := *r.Error
			t.Metadata.LastError = &e
		}
		if r.Result != nil {
			t.Metadata.LastResult = slices.Clone(r.Result)
		}
		return
	}

	t.Status = task.StatusCompleted
	t.Metadata.LastError = nil
	t.Metadata.LastResult = slices.Clone(r.Result)
	if t.ScheduleType == task.ScheduleInterval && t.Interval != nil && !t.Interval.Exhausted() {
		t.Status = task.StatusPending
	}
}

// inOrder returns claimed sorted by the position of each id in ids.
func inOrder(claimed []*task.Task, ids []string) []*task.Task {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	out := slices.Clone(claimed)
	slices.SortFunc(out, func(a, b *task.Task) int { return pos[a.ID] - pos[b.ID] })
	return out
}

func (m *Manager) recordCycle(ctx context.Context, st CycleStats) {
	m.lmu.Lock()
	m.loop.Cycles++
	m.loop.LastCycleAt = st.Started
	m.loop.LastDuration = st.Duration
	m.sum += st.Duration
	m.loop.AvgDuration = m.sum / time.Duration(m.loop.Cycles)
	if st.Duration > m.loop.MaxDuration {
		m.loop.MaxDuration = st.Duration
	}
	if st.Err != "" {
		m.loop.Failures++
		m.loop.LastError = st.Err
	}
	m.lmu.Unlock()

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Time: st.Started, Data: st})
	}
	if m.sink != nil {
		if err := m.sink.RecordCycle(context.WithoutCancel(ctx), st); err != nil {
			m.warn.Warn("cycle sink failed", logx.Err(err))
		}
	}
}

// ReconcileOrphans recovers tasks left RUNNING by a crashed process. Tasks
// claimed longer than StaleRunningTimeout ago are failed with code ORPHANED,
// or put back to PENDING while they still have retries left. Tasks running
// in this process are never touched.
func (m *Manager) ReconcileOrphans(ctx context.Context) (int, error) {
	cfg := m.config()
	now := m.now()
	cutoff := now.Add(-cfg.StaleRunningTimeout)
	f := task.Filter{Statuses: []task.Status{task.StatusRunning}, StartedBefore: &cutoff}
	if cfg.AgentID != "" {
		f = f.ForAgent(cfg.AgentID)
	}
	stale, err := m.reg.FindTasks(ctx, f)
	if err != nil {
		return 0, task.NewError(task.CodeExecution, "find orphaned tasks", err)
	}

	live := map[string]bool{}
	for _, rt := range m.exec.RunningTasks() {
		live[rt.TaskID] = true
	}
	stale = slices.DeleteFunc(stale, func(t *task.Task) bool { return live[t.ID] })
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(stale))
	retried := 0
	for _, t := range stale {
		ids = append(ids, t.ID)
		t.Status = task.StatusFailed
		if t.Metadata.RetryCount < t.Metadata.MaxRetries {
			t.Status = task.StatusPending
			retried++
		}
		t.Metadata.RetryCount++
		t.Metadata.LastError = &task.ErrorInfo{Message: "task was running when its process stopped", Code: task.CodeOrphaned}
		t.StartedAt = nil
		t.UpdatedAt = now
	}
	err = m.reg.UpdateTasks(ctx, stale)

	m.log.Warn("orphaned tasks reconciled", logx.Int("count", len(stale)), logx.Int("retried", retried))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TasksOrphaned, Time: now, Data: ids})
	}
	if err != nil {
		return len(stale), task.NewError(task.CodeExecution, "persist orphaned tasks", err)
	}
	return len(stale), nil
}
