package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/task"
	"taskpilot/internal/task/scheduler"
)

type plan struct {
	scheduleType  task.ScheduleType
	scheduledTime *time.Time
	pattern       string
	priority      int
}

// resolve turns the temporal inputs of a new task into concrete fields.
//
// A When expression is tried as a vague term, then as natural language, then
// as an interval expression; the first match wins. An empty ScheduleType is
// inferred from what matched.
func (m *Manager) resolve(ctx context.Context, in NewTask) (plan, error) {
	p := plan{scheduleType: in.ScheduleType, scheduledTime: in.ScheduledTime, priority: in.Priority}
	when := strings.TrimSpace(in.When)

	if p.scheduleType == task.ScheduleInterval {
		p.pattern = strings.TrimSpace(in.Interval)
		if p.pattern == "" {
			p.pattern = when
		}
		if p.pattern == "" {
			return p, task.NewCreationError(task.StageValidation, "interval pattern is required", task.ErrInvalidSchedule)
		}
		if _, err := scheduler.Compile(p.pattern); err != nil {
			return p, task.NewCreationError(task.StageValidation, "interval pattern", fmt.Errorf("%w: %v", task.ErrInvalidSchedule, err))
		}
		return p, nil
	}

	if p.scheduleType == task.SchedulePriority {
		// No time binding; a vague term may still hint at urgency.
		if vr, ok := m.tr.TranslateVagueTerm(when); ok && p.priority == 0 {
			p.priority = vr.Priority
		}
		p.scheduledTime = nil
		return p, nil
	}

	if when == "" {
		switch {
		case p.scheduledTime != nil:
			p.scheduleType = task.ScheduleExplicit
		case p.scheduleType == task.ScheduleExplicit:
			return p, task.NewCreationError(task.StageTemporal, "explicit task needs a time", task.ErrUnresolvedTime)
		default:
			p.scheduleType = task.SchedulePriority
		}
		return p, nil
	}

	if vr, ok := m.tr.TranslateVagueTerm(when); ok {
		p.scheduledTime = task.TimePtr(vr.Date)
		if p.priority == 0 {
			p.priority = vr.Priority
		}
		p.scheduleType = task.ScheduleExplicit
		return p, nil
	}

	at, ok, err := m.tr.ParseNaturalLanguage(ctx, when)
	if err != nil {
		return p, task.NewCreationError(task.StageTemporal, fmt.Sprintf("parse %q", when), err)
	}
	if ok {
		p.scheduledTime = task.TimePtr(at)
		p.scheduleType = task.ScheduleExplicit
		return p, nil
	}

	if next, ok := m.tr.CalculateInterval(m.now(), when); ok {
		if p.scheduleType == task.ScheduleExplicit {
			// An explicit task fires once, at the pattern's next occurrence.
			p.scheduledTime = task.TimePtr(next)
			return p, nil
		}
		p.scheduleType = task.ScheduleInterval
		p.pattern = when
		p.scheduledTime = nil
		return p, nil
	}

	return p, task.NewCreationError(task.StageTemporal, fmt.Sprintf("cannot resolve %q", when), task.ErrUnresolvedTime)
}
