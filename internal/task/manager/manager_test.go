package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/task"
	"taskpilot/internal/task/coordinator"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/task/registry"
	logx "taskpilot/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder is a handler that remembers what ran. Tasks whose name appears in
// fail panic ("panic") or return an error (anything else).
type recorder struct {
	mu     sync.Mutex
	order  []string
	counts map[string]int
	fail   map[string]string
}

func newRecorder() *recorder {
	return &recorder{counts: map[string]int{}, fail: map[string]string{}}
}

func (r *recorder) Handle(_ context.Context, t *task.Task) (task.HandlerResult, error) {
	r.mu.Lock()
	r.order = append(r.order, t.Name)
	r.counts[t.ID]++
	mode := r.fail[t.Name]
	r.mu.Unlock()

	switch mode {
	case "":
		return task.HandlerResult{Successful: true, Data: json.RawMessage(`"done"`)}, nil
	case "panic":
		panic("handler exploded")
	}
	return task.HandlerResult{}, errors.New(mode)
}

func (r *recorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[id]
}

func newManager(t *testing.T, cfg Config, h engine.Handler, opts ...Option) (*Manager, registry.Registry, *fakeClock) {
	t.Helper()
	return newManagerWith(t, registry.NewMemory(), cfg, h, opts...)
}

func newManagerWith(t *testing.T, reg registry.Registry, cfg Config, h engine.Handler, opts ...Option) (*Manager, registry.Registry, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: t0}
	exec := engine.New(engine.Config{}, h, logx.Nop(), nil)
	exec.SetClock(clk.Now)
	opts = append([]Option{WithClock(clk.Now), WithLogger(logx.Nop())}, opts...)
	m := New(cfg, reg, exec, opts...)
	t.Cleanup(func() { _ = m.StopScheduler(context.Background()) })
	return m, reg, clk
}

func mustCreate(t *testing.T, m *Manager, in NewTask) *task.Task {
	t.Helper()
	tk, err := m.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateTask(%s): %v", in.Name, err)
	}
	return tk
}

func mustGet(t *testing.T, m *Manager, id string) *task.Task {
	t.Helper()
	tk, err := m.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", id, err)
	}
	return tk
}

func TestRelativeTimeIsResolvedAndBecomesDue(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	m, _, clk := newManager(t, Config{}, rec)
	ctx := context.Background()

	tk := mustCreate(t, m, NewTask{Name: "report", ScheduleType: task.ScheduleExplicit, When: "in 2 minutes"})
	if tk.ScheduledTime == nil || !tk.ScheduledTime.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("ScheduledTime = %v, want %v", tk.ScheduledTime, t0.Add(2*time.Minute))
	}

	clk.Advance(60 * time.Second)
	res, err := m.ExecuteDueTasks(ctx)
	if err != nil || len(res) != 0 {
		t.Fatalf("at +60s: res=%v err=%v", res, err)
	}
	if got := mustGet(t, m, tk.ID).Status; got != task.StatusPending {
		t.Fatalf("status at +60s = %s", got)
	}

	clk.Advance(61 * time.Second)
	res, err = m.ExecuteDueTasks(ctx)
	if err != nil || len(res) != 1 || !res[0].Successful {
		t.Fatalf("at +121s: res=%+v err=%v", res, err)
	}
	got := mustGet(t, m, tk.ID)
	if got.Status != task.StatusCompleted || string(got.Metadata.LastResult) != `"done"` {
		t.Fatalf("after run: %+v", got)
	}
	if got.LastExecutedAt == nil || got.StartedAt != nil {
		t.Fatalf("timestamps: last=%v started=%v", got.LastExecutedAt, got.StartedAt)
	}
}

func TestSharedCoordinatorRunsEachTaskOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.NewMemory()
	coord := coordinator.New(coordinator.Config{Interval: time.Hour}, logx.Nop())
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })

	rec := newRecorder()
	a, _, _ := newManagerWith(t, reg, Config{AgentID: "agent-a"}, rec, WithCoordinator(coord))
	b, _, _ := newManagerWith(t, reg, Config{AgentID: "agent-b"}, rec, WithCoordinator(coord))
	ta := mustCreate(t, a, NewTask{Name: "a-job", ScheduleType: task.SchedulePriority})
	tb := mustCreate(t, b, NewTask{Name: "b-job", ScheduleType: task.SchedulePriority})

	for _, m := range []*Manager{a, b} {
		if err := m.StartScheduler(ctx); err != nil {
			t.Fatal(err)
		}
		if !m.IsSchedulerRunning() {
			t.Fatal("manager not running after start")
		}
	}
	if got := coord.Owners(); len(got) != 2 {
		t.Fatalf("owners = %v", got)
	}

	if rep := coord.Tick(ctx); rep.Ran != 2 || rep.Failed != 0 {
		t.Fatalf("tick = %+v", rep)
	}
	coord.Tick(ctx)
	if rec.count(ta.ID) != 1 || rec.count(tb.ID) != 1 {
		t.Fatalf("counts a=%d b=%d, want 1 each", rec.count(ta.ID), rec.count(tb.ID))
	}

	if err := a.StopScheduler(ctx); err != nil {
		t.Fatal(err)
	}
	if a.IsSchedulerRunning() || len(coord.Owners()) != 1 {
		t.Fatalf("stop did not unregister: owners=%v", coord.Owners())
	}
}

func TestConcurrencyIsBoundedAcrossCycles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var cur, peak, maxRunning atomic.Int32
	var reg registry.Registry
	h := engine.HandlerFunc(func(ctx context.Context, _ *task.Task) (task.HandlerResult, error) {
		n := cur.Add(1)
		defer cur.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		running, _ := reg.CountTasks(ctx, task.Filter{Statuses: []task.Status{task.StatusRunning}})
		for {
			p := maxRunning.Load()
			if int32(running) <= p || maxRunning.CompareAndSwap(p, int32(running)) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return task.HandlerResult{Successful: true}, nil
	})
	m, r, _ := newManager(t, Config{MaxConcurrentTasks: 2}, h)
	reg = r

	for i := range 5 {
		mustCreate(t, m, NewTask{Name: fmt.Sprintf("job-%d", i), ScheduleType: task.SchedulePriority})
	}
	total := 0
	for range 3 {
		res, err := m.ExecuteDueTasks(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(res) > 2 {
			t.Fatalf("cycle dispatched %d tasks, limit is 2", len(res))
		}
		total += len(res)
	}
	if total != 5 {
		t.Fatalf("executed %d tasks, want 5", total)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d", p)
	}
	if p := maxRunning.Load(); p > 2 {
		t.Fatalf("registry saw %d RUNNING tasks at once", p)
	}
	done, _ := reg.CountTasks(ctx, task.Filter{Statuses: []task.Status{task.StatusCompleted}})
	if done != 5 {
		t.Fatalf("completed = %d, want 5", done)
	}
}

func TestFailingHandlerDoesNotStopLaterCycles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	rec.fail["boom"] = "panic"
	rec.fail["broken"] = "upstream unavailable"
	m, _, clk := newManager(t, Config{}, rec)

	boom := mustCreate(t, m, NewTask{Name: "boom", ScheduleType: task.SchedulePriority, Priority: 9})
	broken := mustCreate(t, m, NewTask{Name: "broken", ScheduleType: task.SchedulePriority, Priority: 8})
	fine := mustCreate(t, m, NewTask{Name: "fine", ScheduleType: task.SchedulePriority, Priority: 1})

	res, err := m.ExecuteDueTasks(ctx)
	if err != nil {
		t.Fatalf("cycle error: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("results = %d", len(res))
	}
	for id, code := range map[string]string{boom.ID: task.CodeHandlerPanic, broken.ID: task.CodeHandlerError} {
		got := mustGet(t, m, id)
		if got.Status != task.StatusFailed || got.Metadata.LastError == nil || got.Metadata.LastError.Message == "" {
			t.Fatalf("%s: %+v", got.Name, got)
		}
		if got.Metadata.LastError.Code != code || got.Metadata.RetryCount != 1 {
			t.Fatalf("%s: code=%s retries=%d", got.Name, got.Metadata.LastError.Code, got.Metadata.RetryCount)
		}
	}
	if got := mustGet(t, m, fine.ID); got.Status != task.StatusCompleted {
		t.Fatalf("sibling status = %s", got.Status)
	}

	later := mustCreate(t, m, NewTask{Name: "later", ScheduleType: task.SchedulePriority})
	clk.Advance(time.Minute)
	if res, err := m.ExecuteDueTasks(ctx); err != nil || len(res) != 1 || res[0].TaskID != later.ID {
		t.Fatalf("next cycle: res=%+v err=%v", res, err)
	}
}

func TestMetricsAreCachedForTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, clk := newManager(t, Config{MetricsCacheTTL: 30 * time.Second}, newRecorder())
	mustCreate(t, m, NewTask{Name: "one", ScheduleType: task.SchedulePriority})

	first, err := m.GetMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.ByStatus[task.StatusPending] != 1 || first.BySchedule[task.SchedulePriority] != 1 || first.Total != 1 {
		t.Fatalf("first = %+v", first)
	}

	mustCreate(t, m, NewTask{Name: "two", ScheduleType: task.SchedulePriority})
	clk.Advance(10 * time.Second)
	cached, _ := m.GetMetrics(ctx)
	if cached.ByStatus[task.StatusPending] != 1 || !cached.CollectedAt.Equal(first.CollectedAt) {
		t.Fatalf("inside TTL: %+v", cached.ByStatus)
	}
	// Mutating a returned value must not leak into the cache.
	cached.ByStatus[task.StatusPending] = 99

	clk.Advance(21 * time.Second)
	fresh, _ := m.GetMetrics(ctx)
	if fresh.ByStatus[task.StatusPending] != 2 || fresh.Total != 2 {
		t.Fatalf("after TTL: %+v", fresh.ByStatus)
	}
	if fresh.Uptime != 31*time.Second {
		t.Fatalf("uptime = %v", fresh.Uptime)
	}
}

func TestDispatchOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	m, _, clk := newManager(t, Config{MaxConcurrentTasks: 1}, rec)

	mustCreate(t, m, NewTask{Name: "C", ScheduleType: task.SchedulePriority, Priority: 3})
	mustCreate(t, m, NewTask{Name: "B", ScheduleType: task.SchedulePriority, Priority: 9})
	mustCreate(t, m, NewTask{Name: "A", ScheduleType: task.ScheduleExplicit, ScheduledTime: task.TimePtr(t0.Add(time.Second))})
	clk.Advance(2 * time.Second)

	for range 3 {
		if _, err := m.ExecuteDueTasks(ctx); err != nil {
			t.Fatal(err)
		}
	}
	got := rec.ran()
	if fmt.Sprint(got) != "[A B C]" {
		t.Fatalf("order = %v, want [A B C]", got)
	}
}

func TestConcurrentCyclesNeverRunATaskTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	m, _, _ := newManager(t, Config{MaxConcurrentTasks: 50}, rec)

	ids := make([]string, 30)
	for i := range ids {
		ids[i] = mustCreate(t, m, NewTask{Name: fmt.Sprintf("job-%d", i), ScheduleType: task.SchedulePriority}).ID
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ExecuteDueTasks(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		if n := rec.count(id); n != 1 {
			t.Fatalf("task %s ran %d times", id, n)
		}
	}
}

func TestCreateRoundTrip(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t, Config{AgentID: "agent-7"}, newRecorder())
	in := NewTask{
		Name:         "  sync inbox  ",
		Description:  "pull new mail",
		ScheduleType: task.SchedulePriority,
		Priority:     7,
		MaxRetries:   2,
		Tags:         []string{"mail", "sync"},
		Extra:        map[string]string{"mailbox": "work"},
	}
	created := mustCreate(t, m, in)
	got := mustGet(t, m, created.ID)

	if got.Name != "sync inbox" || got.Description != in.Description || got.Priority != 7 {
		t.Fatalf("got %+v", got)
	}
	if got.Metadata.AgentID != "agent-7" || got.Metadata.MaxRetries != 2 {
		t.Fatalf("metadata = %+v", got.Metadata)
	}
	if fmt.Sprint(got.Metadata.Tags) != "[mail sync]" || got.Metadata.Extra["mailbox"] != "work" {
		t.Fatalf("metadata = %+v", got.Metadata)
	}
	if got.Status != task.StatusPending || !got.CreatedAt.Equal(t0) || got.ID == "" {
		t.Fatalf("generated fields = %+v", got)
	}
}

func TestPriorityIsClamped(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t, Config{}, newRecorder())
	cases := []struct {
		name string
		in   NewTask
		want int
	}{
		{"above", NewTask{Priority: 42}, task.MaxPriority},
		{"below", NewTask{Priority: -3}, task.MinPriority},
		{"unset", NewTask{}, task.DefaultPriority},
		{"vague hint", NewTask{When: "asap"}, 10},
		{"explicit wins over hint", NewTask{When: "asap", Priority: 2}, 2},
	}
	for _, tc := range cases {
		in := tc.in
		in.Name = tc.name
		tk := mustCreate(t, m, in)
		if tk.Priority != tc.want {
			t.Fatalf("%s: priority = %d, want %d", tc.name, tk.Priority, tc.want)
		}
	}
}

func TestScheduleTypeInference(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t, Config{}, newRecorder())
	cases := []struct {
		when    string
		want    task.ScheduleType
		pattern string
	}{
		{"", task.SchedulePriority, ""},
		{"tomorrow", task.ScheduleExplicit, ""},
		{"in 5 minutes", task.ScheduleExplicit, ""},
		{"@every 15m", task.ScheduleInterval, "@every 15m"},
	}
	for _, tc := range cases {
		tk := mustCreate(t, m, NewTask{Name: "infer " + tc.when, When: tc.when})
		if tk.ScheduleType != tc.want {
			t.Fatalf("%q: type = %s, want %s", tc.when, tk.ScheduleType, tc.want)
		}
		if tc.pattern != "" && (tk.Interval == nil || tk.Interval.Pattern != tc.pattern) {
			t.Fatalf("%q: interval = %+v", tc.when, tk.Interval)
		}
		if tc.want == task.ScheduleExplicit && tk.ScheduledTime == nil {
			t.Fatalf("%q: explicit without time", tc.when)
		}
	}
}

type failingRegistry struct {
	*registry.Memory
	mu      sync.Mutex
	findErr error
	storErr error
}

func (f *failingRegistry) setFind(err error) {
	f.mu.Lock()
	f.findErr = err
	f.mu.Unlock()
}

func (f *failingRegistry) FindTasks(ctx context.Context, flt task.Filter) ([]*task.Task, error) {
	f.mu.Lock()
	err := f.findErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Memory.FindTasks(ctx, flt)
}

func (f *failingRegistry) StoreTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	if f.storErr != nil {
		return nil, f.storErr
	}
	return f.Memory.StoreTask(ctx, t)
}

func TestCreationErrorsCarryStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newManager(t, Config{}, newRecorder())

	cases := []struct {
		name  string
		in    NewTask
		stage task.Stage
		is    error
	}{
		{"no name", NewTask{Name: "  "}, task.StageValidation, nil},
		{"bad type", NewTask{Name: "x", ScheduleType: "weekly"}, task.StageValidation, task.ErrInvalidSchedule},
		{"bad pattern", NewTask{Name: "x", ScheduleType: task.ScheduleInterval, Interval: "every blue moon"}, task.StageValidation, task.ErrInvalidSchedule},
		{"unresolvable", NewTask{Name: "x", ScheduleType: task.ScheduleExplicit, When: "whenever the moon is blue"}, task.StageTemporal, task.ErrUnresolvedTime},
		{"explicit without time", NewTask{Name: "x", ScheduleType: task.ScheduleExplicit}, task.StageTemporal, task.ErrUnresolvedTime},
		{"relative overflow", NewTask{Name: "x", ScheduleType: task.ScheduleExplicit, When: "in 9999999999 weeks"}, task.StageTemporal, task.ErrUnresolvedTime},
	}
	for _, tc := range cases {
		_, err := m.CreateTask(ctx, tc.in)
		if code, _ := task.CodeOf(err); code != task.CodeCreation {
			t.Fatalf("%s: code = %q (err %v)", tc.name, code, err)
		}
		if stage, _ := task.StageOf(err); stage != tc.stage {
			t.Fatalf("%s: stage = %q, want %q", tc.name, stage, tc.stage)
		}
		if tc.is != nil && !errors.Is(err, tc.is) {
			t.Fatalf("%s: %v does not wrap %v", tc.name, err, tc.is)
		}
	}
	if n, _ := m.reg.CountTasks(ctx, task.Filter{}); n != 0 {
		t.Fatalf("rejected tasks were stored: %d", n)
	}

	down := errors.New("disk full")
	sm, _, _ := newManagerWith(t, &failingRegistry{Memory: registry.NewMemory(), storErr: down}, Config{}, newRecorder())
	_, err := sm.CreateTask(ctx, NewTask{Name: "x"})
	if stage, _ := task.StageOf(err); stage != task.StageStorage || !errors.Is(err, down) {
		t.Fatalf("storage failure: %v", err)
	}
}

func TestCycleFailureIsReportedAndRecovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := &failingRegistry{Memory: registry.NewMemory()}
	var sunk []CycleStats
	sink := CycleSinkFunc(func(_ context.Context, s CycleStats) error {
		sunk = append(sunk, s)
		return nil
	})
	m, _, _ := newManagerWith(t, reg, Config{}, newRecorder(), WithCycleSink(sink))
	mustCreate(t, m, NewTask{Name: "job"})

	reg.setFind(errors.New("connection refused"))
	_, err := m.ExecuteDueTasks(ctx)
	if code, _ := task.CodeOf(err); code != task.CodeExecution {
		t.Fatalf("cycle error = %v", err)
	}

	reg.setFind(nil)
	res, err := m.ExecuteDueTasks(ctx)
	if err != nil || len(res) != 1 {
		t.Fatalf("recovered cycle: res=%v err=%v", res, err)
	}
	if len(sunk) != 2 || sunk[0].Err == "" || sunk[1].Claimed != 1 || sunk[1].Succeeded != 1 {
		t.Fatalf("sink saw %+v", sunk)
	}
	met, _ := m.GetMetrics(ctx)
	if met.Loop.Cycles != 2 || met.Loop.Failures != 1 || met.Loop.LastError == "" {
		t.Fatalf("loop stats = %+v", met.Loop)
	}
}

func TestIntervalTaskRearmsUntilMaxExecutions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	m, _, clk := newManager(t, Config{}, rec)
	tk := mustCreate(t, m, NewTask{Name: "poll", ScheduleType: task.ScheduleInterval, Interval: "@every 10m", MaxExecutions: 2})

	clk.Advance(5 * time.Minute)
	if res, _ := m.ExecuteDueTasks(ctx); len(res) != 0 {
		t.Fatal("fired before the first interval elapsed")
	}

	clk.Advance(5 * time.Minute)
	if res, _ := m.ExecuteDueTasks(ctx); len(res) != 1 {
		t.Fatal("first fire missed")
	}
	got := mustGet(t, m, tk.ID)
	if got.Status != task.StatusPending || got.Interval.ExecutionCount != 1 {
		t.Fatalf("after first fire: status=%s count=%d", got.Status, got.Interval.ExecutionCount)
	}
	if res, _ := m.ExecuteDueTasks(ctx); len(res) != 0 {
		t.Fatal("fired twice in one interval")
	}

	clk.Advance(10 * time.Minute)
	if res, _ := m.ExecuteDueTasks(ctx); len(res) != 1 {
		t.Fatal("second fire missed")
	}
	got = mustGet(t, m, tk.ID)
	if got.Status != task.StatusCompleted || got.Interval.ExecutionCount != 2 {
		t.Fatalf("after last fire: status=%s count=%d", got.Status, got.Interval.ExecutionCount)
	}
}

func TestExternalTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	m, _, _ := newManager(t, Config{}, rec)

	parked := mustCreate(t, m, NewTask{Name: "parked"})
	if _, err := m.DeferTask(ctx, parked.ID); err != nil {
		t.Fatal(err)
	}
	if res, _ := m.ExecuteDueTasks(ctx); len(res) != 0 {
		t.Fatal("deferred task ran")
	}
	if _, err := m.ResumeTask(ctx, parked.ID); err != nil {
		t.Fatal(err)
	}
	if res, _ := m.ExecuteDueTasks(ctx); len(res) != 1 {
		t.Fatal("resumed task did not run")
	}

	dropped := mustCreate(t, m, NewTask{Name: "dropped"})
	if got, err := m.CancelTask(ctx, dropped.ID); err != nil || got.Status != task.StatusCancelled {
		t.Fatalf("cancel: %v %v", got, err)
	}
	_, err := m.ResumeTask(ctx, dropped.ID)
	if code, _ := task.CodeOf(err); code != task.CodeUpdate || !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("resume cancelled: %v", err)
	}
	if _, err := m.CancelTask(ctx, parked.ID); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("cancel completed: %v", err)
	}
	if _, err := m.CancelTask(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("cancel missing: %v", err)
	}
}

func TestUpdateTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, clk := newManager(t, Config{}, newRecorder())
	tk := mustCreate(t, m, NewTask{Name: "edit me"})

	clk.Advance(time.Minute)
	edit := tk.Clone()
	edit.Priority = 99
	edit.Description = "edited"
	edit.CreatedAt = time.Time{}
	got, err := m.UpdateTask(ctx, edit)
	if err != nil {
		t.Fatal(err)
	}
	if got.Priority != task.MaxPriority || got.Description != "edited" || !got.CreatedAt.Equal(t0) || !got.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("updated = %+v", got)
	}

	bad := got.Clone()
	bad.Status = task.StatusCompleted
	if _, err := m.UpdateTask(ctx, bad); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("pending -> completed accepted: %v", err)
	}

	missing := got.Clone()
	missing.ID = "nope"
	_, err = m.UpdateTask(ctx, missing)
	if code, _ := task.CodeOf(err); code != task.CodeUpdate || !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}

	if ok, err := m.DeleteTask(ctx, tk.ID); !ok || err != nil {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, _ := m.DeleteTask(ctx, tk.ID); ok {
		t.Fatal("second delete reported true")
	}
	_, err = m.GetTask(ctx, tk.ID)
	if code, _ := task.CodeOf(err); code != task.CodeRetrieval || !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("get deleted: %v", err)
	}
}

// claimOnRead claims a task right after its first read, as a cycle running
// between an external read and write would.
type claimOnRead struct {
	registry.Registry
	once sync.Once
}

func (r *claimOnRead) GetTaskByID(ctx context.Context, id string) (*task.Task, error) {
	t, err := r.Registry.GetTaskByID(ctx, id)
	if err != nil || t == nil {
		return t, err
	}
	r.once.Do(func() { _, _ = r.Registry.ClaimTasks(ctx, []string{id}, t0) })
	return t, nil
}

func TestExternalWritesNeverOverwriteAClaim(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		write func(ctx context.Context, m *Manager, tk *task.Task) error
	}{
		{"update", func(ctx context.Context, m *Manager, tk *task.Task) error {
			edit := tk.Clone()
			edit.Priority = 9
			_, err := m.UpdateTask(ctx, edit)
			return err
		}},
		{"cancel", func(ctx context.Context, m *Manager, tk *task.Task) error {
			_, err := m.CancelTask(ctx, tk.ID)
			return err
		}},
		{"defer", func(ctx context.Context, m *Manager, tk *task.Task) error {
			_, err := m.DeferTask(ctx, tk.ID)
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			store := registry.NewMemory()
			rec := newRecorder()
			m, _, _ := newManagerWith(t, &claimOnRead{Registry: store}, Config{}, rec)
			tk := mustCreate(t, m, NewTask{Name: "nightly report"})

			err := tc.write(ctx, m, tk)
			if code, _ := task.CodeOf(err); code != task.CodeUpdate || !errors.Is(err, task.ErrInvalidTransition) {
				t.Fatalf("write after claim: %v", err)
			}
			got, err := store.GetTaskByID(ctx, tk.ID)
			if err != nil || got.Status != task.StatusRunning {
				t.Fatalf("stored = %+v, %v; want running", got, err)
			}
			if res, _ := m.ExecuteDueTasks(ctx); len(res) != 0 {
				t.Fatalf("claimed task dispatched again: %+v", res)
			}
			if rec.count(tk.ID) != 0 {
				t.Fatalf("handler ran %d times", rec.count(tk.ID))
			}
		})
	}
}

func TestNonJSONResultIsPersisted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, err := registry.Open(ctx, registry.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	plain := engine.HandlerFunc(func(context.Context, *task.Task) (task.HandlerResult, error) {
		return task.HandlerResult{Successful: true, Data: json.RawMessage("done")}, nil
	})
	m, _, _ := newManagerWith(t, reg, Config{}, plain)
	tk := mustCreate(t, m, NewTask{Name: "plain text"})

	res, err := m.ExecuteDueTasks(ctx)
	if err != nil || len(res) != 1 || !res[0].Successful {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	got := mustGet(t, m, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if string(got.Metadata.LastResult) != `"done"` {
		t.Fatalf("last result = %s", got.Metadata.LastResult)
	}
}

func TestExecuteTaskNowBypassesDueCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	m, _, _ := newManager(t, Config{}, rec)
	tk := mustCreate(t, m, NewTask{Name: "future", ScheduledTime: task.TimePtr(t0.Add(24 * time.Hour))})

	res, err := m.ExecuteTaskNow(ctx, tk.ID)
	if err != nil || !res.Successful || res.TaskID != tk.ID {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if got := mustGet(t, m, tk.ID); got.Status != task.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	_, err = m.ExecuteTaskNow(ctx, tk.ID)
	if code, _ := task.CodeOf(err); code != task.CodeExecution || !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("second run: %v", err)
	}
	if rec.count(tk.ID) != 1 {
		t.Fatalf("ran %d times", rec.count(tk.ID))
	}
}

func TestReconcileOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	m, reg, _ := newManager(t, Config{StaleRunningTimeout: 30 * time.Minute}, newRecorder(), WithEventBus(bus))

	seed := func(id string, startedAgo time.Duration, maxRetries int) {
		t.Helper()
		_, err := reg.StoreTask(ctx, &task.Task{
			ID: id, Name: id, ScheduleType: task.SchedulePriority, Priority: 5,
			Status:    task.StatusRunning,
			StartedAt: task.TimePtr(t0.Add(-startedAgo)),
			Metadata:  task.Metadata{MaxRetries: maxRetries},
			CreatedAt: t0.Add(-2 * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	seed("dead", time.Hour, 0)
	seed("retry", time.Hour, 2)
	seed("fresh", time.Minute, 0)

	n, err := m.ReconcileOrphans(ctx)
	if err != nil || n != 2 {
		t.Fatalf("reconciled %d, err %v", n, err)
	}
	dead := mustGet(t, m, "dead")
	if dead.Status != task.StatusFailed || dead.Metadata.RetryCount != 1 || dead.Metadata.LastError.Code != task.CodeOrphaned || dead.StartedAt != nil {
		t.Fatalf("dead = %+v", dead)
	}
	if retry := mustGet(t, m, "retry"); retry.Status != task.StatusPending || retry.Metadata.RetryCount != 1 {
		t.Fatalf("retry = %+v", retry)
	}
	if fresh := mustGet(t, m, "fresh"); fresh.Status != task.StatusRunning {
		t.Fatalf("fresh = %+v", fresh)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.TasksOrphaned {
			t.Fatalf("event = %s", e.Type)
		}
	default:
		t.Fatal("no orphan event")
	}
}

func TestOwnLoopFiresImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	m, _, _ := newManager(t, Config{Interval: time.Hour}, rec)
	tk := mustCreate(t, m, NewTask{Name: "first tick"})

	if err := m.StartScheduler(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.StartScheduler(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for rec.count(tk.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop did not fire on start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := m.StopScheduler(stopCtx); err != nil {
		t.Fatal(err)
	}
	if m.IsSchedulerRunning() {
		t.Fatal("still running after stop")
	}
}

func TestFindTasksIsScopedToBoundAgent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.NewMemory()
	a, _, _ := newManagerWith(t, reg, Config{AgentID: "a"}, newRecorder())
	mustCreate(t, a, NewTask{Name: "mine"})
	if _, err := a.CreateTaskForAgent(ctx, "b", NewTask{Name: "theirs"}); err != nil {
		t.Fatal(err)
	}

	mine, err := a.FindTasks(ctx, task.Filter{})
	if err != nil || len(mine) != 1 || mine[0].Name != "mine" {
		t.Fatalf("FindTasks = %v, %v", mine, err)
	}
	theirs, _ := a.FindTasksForAgent(ctx, "b", task.Filter{})
	if len(theirs) != 1 || theirs[0].Name != "theirs" {
		t.Fatalf("FindTasksForAgent = %v", theirs)
	}

	// An agent-bound cycle leaves other agents' tasks alone.
	if res, _ := a.ExecuteDueTasks(ctx); len(res) != 1 {
		t.Fatalf("cycle ran %d tasks", len(res))
	}
	if got := mustGet(t, a, theirs[0].ID); got.Status != task.StatusPending {
		t.Fatalf("foreign task status = %s", got.Status)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newManager(t, Config{}, newRecorder())
	mustCreate(t, m, NewTask{Name: "gone"})
	if _, err := m.ExecuteDueTasks(ctx); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, m, NewTask{Name: "gone too"})
	if _, err := m.GetMetrics(ctx); err != nil {
		t.Fatal(err)
	}

	if err := m.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	met, err := m.GetMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if met.Total != 0 || met.Loop.Cycles != 0 || met.Executor.Executed != 0 {
		t.Fatalf("after reset: total=%d loop=%+v exec=%+v", met.Total, met.Loop, met.Executor)
	}
}
