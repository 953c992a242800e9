package manager

import (
	"context"
	"slices"
	"time"

	"taskpilot/internal/task"
	logx "taskpilot/pkg/logx"
)

var (
	allStatuses  = []task.Status{task.StatusPending, task.StatusRunning, task.StatusCompleted, task.StatusFailed, task.StatusCancelled, task.StatusDeferred}
	allSchedules = []task.ScheduleType{task.ScheduleExplicit, task.ScheduleInterval, task.SchedulePriority}
)

// GetMetrics reports task counts, the running snapshot and loop timings.
// Results are cached for MetricsCacheTTL; repeated calls inside the window
// return the same numbers even if tasks changed meanwhile.
func (m *Manager) GetMetrics(ctx context.Context) (Metrics, error) {
	cfg := m.config()
	now := m.now()

	m.cmu.Lock()
	defer m.cmu.Unlock()
	if m.cached != nil && now.Sub(m.cachedAt) < cfg.MetricsCacheTTL {
		return cloneMetrics(*m.cached), nil
	}

	base := task.Filter{}
	if cfg.AgentID != "" {
		base = base.ForAgent(cfg.AgentID)
	}
	out := Metrics{
		AgentID:     cfg.AgentID,
		ByStatus:    make(map[task.Status]int, len(allStatuses)),
		BySchedule:  make(map[task.ScheduleType]int, len(allSchedules)),
		CollectedAt: now,
	}
	for _, s := range allStatuses {
		f := base
		f.Statuses = []task.Status{s}
		n, err := m.reg.CountTasks(ctx, f)
		if err != nil {
			return Metrics{}, task.NewError(task.CodeMetrics, "count by status", err)
		}
		out.ByStatus[s] = n
		out.Total += n
	}
	for _, st := range allSchedules {
		f := base
		f.ScheduleTypes = []task.ScheduleType{st}
		n, err := m.reg.CountTasks(ctx, f)
		if err != nil {
			return Metrics{}, task.NewError(task.CodeMetrics, "count by schedule", err)
		}
		out.BySchedule[st] = n
	}

	out.Running = m.exec.RunningTasks()
	out.Executor = m.exec.Snapshot()
	out.Executor.History = nil
	out.SchedulerRunning = m.IsSchedulerRunning()
	out.Uptime = now.Sub(m.started)
	m.lmu.Lock()
	out.Loop = m.loop
	m.lmu.Unlock()

	m.cached = &out
	m.cachedAt = now
	return cloneMetrics(out), nil
}

func (m *Manager) dropMetrics() {
	m.cmu.Lock()
	m.cached = nil
	m.cmu.Unlock()
}

func cloneMetrics(in Metrics) Metrics {
	out := in
	out.ByStatus = make(map[task.Status]int, len(in.ByStatus))
	for k, v := range in.ByStatus {
		out.ByStatus[k] = v
	}
	out.BySchedule = make(map[task.ScheduleType]int, len(in.BySchedule))
	for k, v := range in.BySchedule {
		out.BySchedule[k] = v
	}
	out.Running = slices.Clone(in.Running)
	return out
}

// Reset stops the loop, deletes every task and zeroes all counters. It is
// meant for tests and development setups.
func (m *Manager) Reset(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.StopScheduler(stopCtx); err != nil {
		return task.NewError(task.CodeReset, "stop scheduler", err)
	}
	if err := m.reg.Clear(ctx); err != nil {
		return task.NewError(task.CodeReset, "clear registry", err)
	}
	m.sel.Reset()
	m.exec.ResetStats()

	m.lmu.Lock()
	m.loop = LoopStats{}
	m.sum = 0
	m.lmu.Unlock()
	m.dropMetrics()

	m.log.Warn("manager reset", logx.Time("at", m.now()))
	return nil
}
