package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/task"
	logx "taskpilot/pkg/logx"
)

const defaultHistorySize = 200

// Service executes tasks through a Handler with bounded concurrency.
//
// The executor never touches the registry: callers flip tasks to RUNNING
// before handing them over and persist whatever comes back.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	handler Handler
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	rmu     sync.Mutex
	running map[uint64]RunningTask
	seq     uint64

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	executed  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64
	timedOut  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, h Handler, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Service{
		cfg:     cfg,
		handler: h,
		log:     log.Component("executor"),
		bus:     bus,
		now:     time.Now,
		running: make(map[uint64]RunningTask),
	}
}

// SetClock overrides time.Now for result timestamps.
func (s *Service) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetHandler swaps the handler used by subsequent executions.
func (s *Service) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// ExecuteTask runs one task and always returns a result; handler failures
// are folded into it rather than returned.
func (s *Service) ExecuteTask(ctx context.Context, t *task.Task) task.ExecutionResult {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.execOne(ctx, t)
}

// ExecuteTasks runs tasks with at most maxConcurrency in flight. Tasks start
// in input order; once the limit is reached the next one waits for a free
// slot. Results are index-aligned with tasks.
func (s *Service) ExecuteTasks(ctx context.Context, tasks []*task.Task, maxConcurrency int) []task.ExecutionResult {
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]task.ExecutionResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if maxConcurrency > len(tasks) {
		maxConcurrency = len(tasks)
	}

	p := pool.New().WithMaxGoroutines(maxConcurrency)
	for i, t := range tasks {
		p.Go(func() {
			results[i] = s.execOne(ctx, t)
		})
	}
	p.Wait()
	return results
}

// RunningTasks returns the tasks currently inside a handler, oldest first.
func (s *Service) RunningTasks() []RunningTask {
	s.rmu.Lock()
	out := make([]RunningTask, 0, len(s.running))
	for _, rt := range s.running {
		out = append(out, rt)
	}
	s.rmu.Unlock()
	sortRunning(out)
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Executed:    s.executed.Load(),
		Succeeded:   s.succeeded.Load(),
		Failed:      s.failed.Load(),
		Panics:      s.panics.Load(),
		TimedOut:    s.timedOut.Load(),
		InFlight:    int(s.inFlight.Load()),
		MaxInFlight: int(s.maxInFlight.Load()),
		Timeout:     cfg.Timeout,
		History:     h,
	}
}

// ResetStats zeroes counters and history. In-flight executions keep running
// and are still reported by RunningTasks.
func (s *Service) ResetStats() {
	s.executed.Store(0)
	s.succeeded.Store(0)
	s.failed.Store(0)
	s.panics.Store(0)
	s.timedOut.Store(0)
	s.maxInFlight.Store(s.inFlight.Load())
	s.hmu.Lock()
	s.history = nil
	s.hmu.Unlock()
}

func (s *Service) track(t *task.Task, start time.Time) func() {
	s.rmu.Lock()
	s.seq++
	key := s.seq
	s.running[key] = RunningTask{TaskID: t.ID, Name: t.Name, AgentID: t.Metadata.AgentID, StartedAt: start}
	s.rmu.Unlock()

	n := s.inFlight.Add(1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	return func() {
		s.inFlight.Add(-1)
		s.rmu.Lock()
		delete(s.running, key)
		s.rmu.Unlock()
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}
