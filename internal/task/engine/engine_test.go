package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/task"
	logx "taskpilot/pkg/logx"
)

func mkTasks(n int) []*task.Task {
	out := make([]*task.Task, n)
	for i := range out {
		out[i] = &task.Task{ID: fmt.Sprintf("t%d", i), Name: fmt.Sprintf("task %d", i), Status: task.StatusRunning}
	}
	return out
}

func ok() (task.HandlerResult, error) {
	return task.HandlerResult{Successful: true, Data: json.RawMessage(`{"ok":true}`)}, nil
}

func TestExecuteTasksBoundsConcurrency(t *testing.T) {
	t.Parallel()
	var cur, peak atomic.Int32
	h := HandlerFunc(func(ctx context.Context, _ *task.Task) (task.HandlerResult, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return ok()
	})
	s := New(Config{}, h, logx.Nop(), nil)

	tasks := mkTasks(5)
	res := s.ExecuteTasks(context.Background(), tasks, 2)
	if len(res) != 5 {
		t.Fatalf("results = %d, want 5", len(res))
	}
	for i, r := range res {
		if r.TaskID != tasks[i].ID {
			t.Fatalf("results[%d] = %s, want %s", i, r.TaskID, tasks[i].ID)
		}
		if !r.Successful || r.Status != task.StatusCompleted {
			t.Fatalf("results[%d] not completed: %+v", i, r)
		}
	}
	if p := peak.Load(); p > 2 || p < 1 {
		t.Fatalf("peak concurrency = %d, want 1..2", p)
	}
	snap := s.Snapshot()
	if snap.MaxInFlight > 2 || snap.Executed != 5 || snap.Succeeded != 5 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.InFlight != 0 || len(s.RunningTasks()) != 0 {
		t.Fatal("executor still reports running tasks")
	}
}

func TestExecuteTasksStartsInOrder(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		order []string
	)
	h := HandlerFunc(func(ctx context.Context, tk *task.Task) (task.HandlerResult, error) {
		mu.Lock()
		order = append(order, tk.ID)
		mu.Unlock()
		return ok()
	})
	s := New(Config{}, h, logx.Nop(), nil)
	s.ExecuteTasks(context.Background(), mkTasks(4), 1)
	want := []string{"t0", "t1", "t2", "t3"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFailuresAreIsolated(t *testing.T) {
	t.Parallel()
	h := HandlerFunc(func(ctx context.Context, tk *task.Task) (task.HandlerResult, error) {
		switch tk.ID {
		case "t0":
			panic("boom")
		case "t1":
			return task.HandlerResult{}, errors.New("downstream unavailable")
		case "t2":
			return task.HandlerResult{Successful: false}, nil
		}
		return ok()
	})
	s := New(Config{}, h, logx.Nop(), nil)
	res := s.ExecuteTasks(context.Background(), mkTasks(4), 4)

	wantCodes := []string{task.CodeHandlerPanic, task.CodeHandlerError, task.CodeHandlerRejected}
	for i, code := range wantCodes {
		r := res[i]
		if r.Successful || r.Status != task.StatusFailed || r.Error == nil {
			t.Fatalf("results[%d] = %+v, want failure", i, r)
		}
		if r.Error.Code != code || r.Error.Message == "" {
			t.Fatalf("results[%d].Error = %+v, want code %s", i, r.Error, code)
		}
	}
	if !res[3].Successful {
		t.Fatal("sibling of failing tasks did not complete")
	}
	if snap := s.Snapshot(); snap.Panics != 1 || snap.Failed != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestExecuteTaskTimeout(t *testing.T) {
	t.Parallel()
	h := HandlerFunc(func(ctx context.Context, _ *task.Task) (task.HandlerResult, error) {
		<-ctx.Done()
		return task.HandlerResult{}, ctx.Err()
	})
	s := New(Config{Timeout: 10 * time.Millisecond}, h, logx.Nop(), nil)
	r := s.ExecuteTask(context.Background(), mkTasks(1)[0])
	if r.Successful || r.Error == nil || r.Error.Code != task.CodeHandlerTimeout {
		t.Fatalf("result = %+v, want timeout", r)
	}
}

func TestNoHandler(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	r := s.ExecuteTask(context.Background(), mkTasks(1)[0])
	if r.Successful || r.Error == nil {
		t.Fatalf("result = %+v, want failure", r)
	}
}

func TestRunningTasksAndEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	release := make(chan struct{})
	entered := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, _ *task.Task) (task.HandlerResult, error) {
		close(entered)
		<-release
		return ok()
	})
	s := New(Config{}, h, logx.Nop(), bus)

	done := make(chan task.ExecutionResult, 1)
	tk := &task.Task{ID: "live", Name: "live task", Metadata: task.Metadata{AgentID: "a1"}}
	go func() { done <- s.ExecuteTask(context.Background(), tk) }()

	<-entered
	running := s.RunningTasks()
	if len(running) != 1 || running[0].TaskID != "live" || running[0].AgentID != "a1" {
		t.Fatalf("RunningTasks = %+v", running)
	}
	close(release)
	if r := <-done; !r.Successful {
		t.Fatalf("result = %+v", r)
	}
	if len(s.RunningTasks()) != 0 {
		t.Fatal("finished task still listed as running")
	}

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != "task.started" || types[1] != "task.completed" {
		t.Fatalf("events = %v", types)
	}
}

func TestHandlerGetsACopy(t *testing.T) {
	t.Parallel()
	h := HandlerFunc(func(ctx context.Context, tk *task.Task) (task.HandlerResult, error) {
		tk.Name = "mutated"
		return ok()
	})
	s := New(Config{}, h, logx.Nop(), nil)
	tk := mkTasks(1)[0]
	s.ExecuteTask(context.Background(), tk)
	if tk.Name != "task 0" {
		t.Fatal("handler mutated the caller's task")
	}
}

type fakeAgent struct{ res task.AgentResult }

func (a fakeAgent) ExecuteGoal(ctx context.Context, g Goal) (task.AgentResult, error) {
	return a.res, nil
}

func TestAgentHandler(t *testing.T) {
	t.Parallel()
	agents := map[string]Agent{
		"goal": fakeAgent{task.AgentResult{Kind: task.AgentResultGoalV1, Goal: &task.GoalResultV1{Success: true, Output: json.RawMessage(`"hi"`)}}},
		"plan": fakeAgent{task.AgentResult{Kind: task.AgentResultPlanV2, Plan: &task.PlanResultV2{
			Outcome: "partial",
			Steps:   []task.PlanStep{{Name: "a", OK: true}, {Name: "b"}},
		}}},
		"odd": fakeAgent{task.AgentResult{Kind: "v9"}},
	}
	h := AgentHandler{Resolver: AgentResolverFunc(func(ctx context.Context, id string) (Agent, error) {
		a, ok := agents[id]
		if !ok {
			return nil, errors.New("unknown agent")
		}
		return a, nil
	})}
	s := New(Config{}, h, logx.Nop(), nil)
	run := func(agentID string) task.ExecutionResult {
		return s.ExecuteTask(context.Background(), &task.Task{ID: agentID, Metadata: task.Metadata{AgentID: agentID}})
	}

	if r := run("goal"); !r.Successful || string(r.Result) != `"hi"` {
		t.Fatalf("goal.v1 = %+v", r)
	}
	if r := run("plan"); r.Successful || r.Error == nil || r.Error.Code != task.CodePlanPartial {
		t.Fatalf("plan.v2 partial = %+v", r)
	}
	if r := run("odd"); r.Successful || r.Error == nil {
		t.Fatalf("unknown kind = %+v", r)
	}
	if r := run("missing"); r.Successful {
		t.Fatalf("unresolvable agent = %+v", r)
	}
	if r := run(""); r.Successful || r.Error.Message != ErrNoAgent.Error() {
		t.Fatalf("unscoped = %+v", r)
	}
}
