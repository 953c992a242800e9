package engine

import (
	"context"
	"errors"
	"runtime/debug"
	"slices"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/task"
	logx "taskpilot/pkg/logx"
)

// Handlers slower than this are logged at info instead of debug.
const slowTaskThreshold = 750 * time.Millisecond

func (s *Service) execOne(ctx context.Context, t *task.Task) task.ExecutionResult {
	s.mu.Lock()
	cfg := s.cfg
	h := s.handler
	now := s.now
	s.mu.Unlock()

	start := now()
	res := task.ExecutionResult{StartTime: start}
	if t == nil {
		res.Status = task.StatusFailed
		res.EndTime = start
		res.Error = &task.ErrorInfo{Message: "nil task", Code: task.CodeHandlerError}
		return res
	}
	res.TaskID = t.ID
	res.RetryCount = t.Metadata.RetryCount

	log := s.log.With(logx.String("task", t.Name), logx.String("id", t.ID))
	ev := TaskEvent{ID: t.ID, Name: t.Name, AgentID: t.Metadata.AgentID, Started: start}

	done := s.track(t, start)
	log.Debug("task.started")
	s.publish(eventbus.TaskStarted, start, ev)

	var (
		out task.HandlerResult
		err error
	)
	if h == nil {
		err = ErrNoHandler
	} else {
		runCtx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		// A panicking handler must not take the whole cycle down with it.
		func() {
			defer func() {
				if r := recover(); r != nil {
					stack := debug.Stack()
					err = &PanicError{Value: r, Stack: stack}
					log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(stack)))
				}
			}()
			out, err = h.Handle(runCtx, t.Clone())
		}()
		if cancel != nil {
			if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				err = context.DeadlineExceeded
			}
			cancel()
		}
	}
	done()

	end := now()
	res.EndTime = end
	res.Duration = end.Sub(start)
	if res.Duration < 0 {
		res.Duration = 0
	}
	ev.Duration = res.Duration

	switch {
	case err != nil:
		res.Status = task.StatusFailed
		res.Error = classify(err)
	case !out.Successful:
		res.Status = task.StatusFailed
		res.Error = out.Error
		if res.Error == nil {
			res.Error = &task.ErrorInfo{Message: "handler reported failure", Code: task.CodeHandlerRejected}
		}
		res.Result = task.ResultJSON(out.Data)
	default:
		res.Successful = true
		res.Status = task.StatusCompleted
		res.Result = task.ResultJSON(out.Data)
	}

	s.executed.Add(1)
	item := HistoryItem{TaskID: t.ID, Name: t.Name, Started: start, Duration: res.Duration}
	if res.Successful {
		s.succeeded.Add(1)
		if res.Duration >= slowTaskThreshold {
			log.Info("task.completed", logx.Duration("dur", res.Duration))
		} else {
			log.Debug("task.completed", logx.Duration("dur", res.Duration))
		}
		s.publish(eventbus.TaskCompleted, end, ev)
	} else {
		s.failed.Add(1)
		switch res.Error.Code {
		case task.CodeHandlerPanic:
			s.panics.Add(1)
		case task.CodeHandlerTimeout:
			s.timedOut.Add(1)
		}
		item.Error = res.Error.Message
		ev.Error, ev.Code = res.Error.Message, res.Error.Code
		log.Warn("task.failed", logx.String("code", res.Error.Code), logx.String("err", res.Error.Message), logx.Duration("dur", res.Duration))
		s.publish(eventbus.TaskFailed, end, ev)
	}
	s.record(item)
	return res
}

func classify(err error) *task.ErrorInfo {
	switch {
	case IsPanic(err):
		return &task.ErrorInfo{Message: err.Error(), Code: task.CodeHandlerPanic}
	case errors.Is(err, context.DeadlineExceeded):
		return &task.ErrorInfo{Message: "handler timed out", Code: task.CodeHandlerTimeout}
	}
	return &task.ErrorInfo{Message: err.Error(), Code: task.CodeHandlerError}
}

func sortRunning(rs []RunningTask) {
	slices.SortFunc(rs, func(a, b RunningTask) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.TaskID < b.TaskID {
			return -1
		}
		if a.TaskID > b.TaskID {
			return 1
		}
		return 0
	})
}
