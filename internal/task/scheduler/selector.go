package scheduler

import (
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/task"
	logx "taskpilot/pkg/logx"
)

type Option func(*Selector)

// WithClock overrides time.Now; tests use it to step through schedules.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Selector) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Selector) { s.log = log }
}

// Selector is the due-task selector.
type Selector struct {
	now func() time.Time
	loc *time.Location
	log logx.Logger

	mu    sync.Mutex
	cache map[string]compiled
}

type compiled struct {
	sched cron.Schedule
	err   error
}

func New(opts ...Option) *Selector {
	s := &Selector{
		now:   time.Now,
		loc:   time.Local,
		log:   logx.Nop(),
		cache: make(map[string]compiled),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns the selector's notion of the current time.
func (s *Selector) Now() time.Time { return s.now() }

// DueTasks returns the subset of pending whose schedule condition holds now,
// in input order. Non-pending tasks are ignored.
func (s *Selector) DueTasks(pending []*task.Task) []*task.Task {
	now := s.now()
	out := make([]*task.Task, 0, len(pending))
	for _, t := range pending {
		if t == nil || t.Status != task.StatusPending {
			continue
		}
		if s.isDue(t, now) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Selector) isDue(t *task.Task, now time.Time) bool {
	switch t.ScheduleType {
	case task.ScheduleExplicit:
		if t.ScheduledTime == nil {
			s.log.Warn("explicit task has no scheduled time", logx.String("task", t.ID))
			return false
		}
		return !t.ScheduledTime.After(now)
	case task.ScheduleInterval:
		next, ok := s.NextFire(t)
		return ok && !now.Before(next)
	case task.SchedulePriority:
		return true
	}
	return false
}

// NextFire computes when an interval task fires next. An unfired task with a
// ScheduledTime fires at that time first; otherwise the pattern is applied to
// the last execution (or creation) time.
func (s *Selector) NextFire(t *task.Task) (time.Time, bool) {
	if t == nil || t.ScheduleType != task.ScheduleInterval || t.Interval == nil {
		return time.Time{}, false
	}
	if t.Interval.Exhausted() {
		return time.Time{}, false
	}
	if t.LastExecutedAt == nil && t.ScheduledTime != nil {
		return *t.ScheduledTime, true
	}
	sched, err := s.schedule(t.Interval.Pattern)
	if err != nil {
		return time.Time{}, false
	}
	anchor := t.CreatedAt
	if t.LastExecutedAt != nil {
		anchor = *t.LastExecutedAt
	}
	next := sched.Next(anchor.In(s.loc))
	return next, !next.IsZero()
}

// NextAfter applies an interval pattern to an arbitrary base time.
func (s *Selector) NextAfter(pattern string, base time.Time) (time.Time, error) {
	sched, err := s.schedule(pattern)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(base.In(s.loc)), nil
}

func (s *Selector) schedule(pattern string) (cron.Schedule, error) {
	s.mu.Lock()
	c, ok := s.cache[pattern]
	s.mu.Unlock()
	if ok {
		return c.sched, c.err
	}

	sched, err := Compile(pattern)
	if err != nil {
		s.log.Warn("interval pattern rejected", logx.String("pattern", pattern), logx.Err(err))
	}
	s.mu.Lock()
	s.cache[pattern] = compiled{sched: sched, err: err}
	s.mu.Unlock()
	return sched, err
}

// CachedPatterns reports how many patterns are cached.
func (s *Selector) CachedPatterns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// Reset drops every cached schedule.
func (s *Selector) Reset() {
	s.mu.Lock()
	s.cache = make(map[string]compiled)
	s.mu.Unlock()
}

// Order sorts due tasks for dispatch: explicit tasks by ascending scheduled
// time, then priority tasks by descending priority, then everything else by
// descending priority. Remaining ties go to the older task.
func Order(due []*task.Task) []*task.Task {
	out := slices.Clone(due)
	slices.SortStableFunc(out, func(a, b *task.Task) int {
		ga, gb := group(a), group(b)
		if ga != gb {
			return ga - gb
		}
		if ga == 0 {
			if c := a.ScheduledTime.Compare(*b.ScheduledTime); c != 0 {
				return c
			}
		}
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return task.CompareCreated(a, b)
	})
	return out
}

func group(t *task.Task) int {
	switch {
	case t.ScheduleType == task.ScheduleExplicit && t.ScheduledTime != nil:
		return 0
	case t.ScheduleType == task.SchedulePriority:
		return 1
	}
	return 2
}
