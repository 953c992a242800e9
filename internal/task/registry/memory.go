package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"taskpilot/internal/task"
)

// Memory keeps tasks in a map. It is the default backend and the one used in
// tests; all state is lost on restart.
type Memory struct {
	mu     sync.RWMutex
	tasks  map[string]*task.Task
	closed bool
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*task.Task)}
}

func (m *Memory) StoreTask(_ context.Context, t *task.Task) (*task.Task, error) {
	if t == nil || t.ID == "" {
		return nil, errors.New("task id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.tasks[t.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return t.Clone(), nil
}

func (m *Memory) UpdateTask(_ context.Context, t *task.Task) (*task.Task, error) {
	if t == nil {
		return nil, errors.New("task required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateLocked(t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (m *Memory) UpdateTaskIf(_ context.Context, t *task.Task, expected task.Status) (*task.Task, error) {
	if t == nil {
		return nil, errors.New("task required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tasks[t.ID]; ok && !m.closed && cur.Status != expected {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStatusChanged, t.ID, cur.Status, expected)
	}
	if err := m.updateLocked(t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (m *Memory) updateLocked(t *task.Task) error {
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("%w: %s", task.ErrNotFound, t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.tasks[id]; !ok {
		return false, nil
	}
	delete(m.tasks, id)
	return true, nil
}

func (m *Memory) GetTaskByID(_ context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.tasks[id].Clone(), nil
}

func (m *Memory) FindTasks(_ context.Context, f task.Filter) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := m.matchLocked(f)
	out = f.Page(out)
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out, nil
}

func (m *Memory) CountTasks(_ context.Context, f task.Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.matchLocked(f)), nil
}

// matchLocked returns the stored pointers; callers clone before handing out.
func (m *Memory) matchLocked(f task.Filter) []*task.Task {
	out := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, task.CompareCreated)
	return out
}

func (m *Memory) UpdateTasks(_ context.Context, ts []*task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, t := range ts {
		if t == nil {
			continue
		}
		if err := m.updateLocked(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Memory) ClaimTasks(_ context.Context, ids []string, at time.Time) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, ok := m.tasks[id]
		if !ok || t.Status != task.StatusPending {
			continue
		}
		t.Status = task.StatusRunning
		t.StartedAt = task.TimePtr(at)
		t.UpdatedAt = at
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tasks = make(map[string]*task.Task)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
