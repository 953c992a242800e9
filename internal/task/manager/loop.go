package manager

import (
	"context"
	"errors"
	"time"

	rtsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/task"
	"taskpilot/internal/task/coordinator"
	logx "taskpilot/pkg/logx"
)

// StartScheduler begins driving cycles. A manager bound to an agent joins the
// coordinator's shared ticker when one is configured; otherwise it runs its
// own ticker, which fires once immediately. Starting twice is a no-op.
func (m *Manager) StartScheduler(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil || m.registered {
		return nil
	}

	if m.coord != nil && m.cfg.AgentID != "" {
		owner := coordinator.OwnerFunc(func(ctx context.Context, agentID string) error {
			_, err := m.ExecuteDueTasksForAgent(ctx, agentID)
			return err
		})
		if err := m.coord.Register(m.cfg.AgentID, owner); err != nil {
			return task.NewError(task.CodeSchedulerStart, "register with coordinator", err)
		}
		m.registered = true
		m.log.Info("scheduler started", logx.String("driver", "coordinator"))
		return nil
	}

	// Drain a stale interval signal from a previous run.
	select {
	case <-m.reset:
	default:
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log))
	sup.GoRestart("manager.loop", m.run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	m.sup = sup
	m.log.Info("scheduler started", logx.String("driver", "ticker"), logx.Duration("interval", m.cfg.Interval))
	return nil
}

// StopScheduler stops driving cycles and waits for the own loop to exit,
// bounded by ctx. A cycle already in flight finishes persisting its results.
func (m *Manager) StopScheduler(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	sup := m.sup
	registered := m.registered
	m.sup = nil
	m.registered = false
	m.mu.Unlock()

	if registered {
		m.coord.Unregister(m.config().AgentID)
		m.log.Info("scheduler stopped", logx.String("driver", "coordinator"))
		return nil
	}
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return task.NewError(task.CodeSchedulerStop, "stop loop", err)
	}
	m.log.Info("scheduler stopped", logx.String("driver", "ticker"))
	return nil
}

func (m *Manager) IsSchedulerRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sup != nil || m.registered
}

// run is the own ticker loop. Cycle errors are logged by the cycle itself
// and never end the loop.
func (m *Manager) run(ctx context.Context) error {
	_, _ = m.ExecuteDueTasks(ctx)

	t := time.NewTicker(m.config().Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.reset:
			t.Reset(m.config().Interval)
		case <-t.C:
			_, _ = m.ExecuteDueTasks(ctx)
		}
	}
}
