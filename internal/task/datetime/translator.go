// Package datetime resolves vague, relative and recurring time expressions
// into concrete instants for task creation.
package datetime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/task"
	"taskpilot/internal/task/scheduler"
)

// VagueResult is the resolution of a vague term such as "soon" or "asap".
// Priority is a suggestion the caller may apply when none was given.
type VagueResult struct {
	Date     time.Time
	Priority int
}

// Translator resolves human time expressions into concrete instants.
type Translator interface {
	TranslateVagueTerm(term string) (VagueResult, bool)
	// ParseNaturalLanguage may block; implementations backed by a remote
	// parser honour ctx.
	ParseNaturalLanguage(ctx context.Context, text string) (time.Time, bool, error)
	CalculateInterval(base time.Time, spec string) (time.Time, bool)
	HasPassed(t time.Time) bool
	IsSameDay(a, b time.Time) bool
	FormatDate(t time.Time, layout string) string
	HumanReadableInterval(spec string) string
}

type Option func(*Default)

func WithClock(now func() time.Time) Option {
	return func(d *Default) {
		if now != nil {
			d.now = now
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(d *Default) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// Default is the built-in Translator. It understands a fixed vocabulary of
// vague terms, relative and absolute phrases, and every interval pattern the
// scheduler accepts.
type Default struct {
	now func() time.Time
	loc *time.Location
}

var _ Translator = (*Default)(nil)

func New(opts ...Option) *Default {
	d := &Default{now: time.Now, loc: time.Local}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Default) current() time.Time { return d.now().In(d.loc) }

// Workday anchors used by the vague vocabulary.
const (
	morningHour = 9
	eveningHour = 17
	nightHour   = 20
)

func (d *Default) TranslateVagueTerm(term string) (VagueResult, bool) {
	now := d.current()
	switch normalize(term) {
	case "now", "right now", "immediately":
		return VagueResult{Date: now, Priority: 9}, true
	case "asap", "urgent", "urgently":
		return VagueResult{Date: now, Priority: task.MaxPriority}, true
	case "soon", "shortly":
		return VagueResult{Date: now.Add(time.Hour), Priority: 7}, true
	case "later", "later today":
		return VagueResult{Date: now.Add(3 * time.Hour), Priority: 4}, true
	case "today":
		return VagueResult{Date: notBefore(at(now, eveningHour, 0), now), Priority: 6}, true
	case "tonight", "this evening":
		return VagueResult{Date: notBefore(at(now, nightHour, 0), now), Priority: 5}, true
	case "end of day", "eod", "end of today":
		return VagueResult{Date: notBefore(at(now, 23, 59), now), Priority: 6}, true
	case "tomorrow":
		return VagueResult{Date: at(now.AddDate(0, 0, 1), morningHour, 0), Priority: task.DefaultPriority}, true
	case "this week", "end of week", "eow":
		fri := now.AddDate(0, 0, daysUntil(now.Weekday(), time.Friday))
		return VagueResult{Date: notBefore(at(fri, eveningHour, 0), now), Priority: 4}, true
	case "next week":
		mon := now.AddDate(0, 0, daysUntilNext(now.Weekday(), time.Monday))
		return VagueResult{Date: at(mon, morningHour, 0), Priority: 3}, true
	case "next month":
		first := time.Date(now.Year(), now.Month()+1, 1, morningHour, 0, 0, 0, d.loc)
		return VagueResult{Date: first, Priority: 2}, true
	case "someday", "eventually", "whenever":
		return VagueResult{Date: at(now.AddDate(0, 0, 30), morningHour, 0), Priority: task.MinPriority}, true
	}
	return VagueResult{}, false
}

// CalculateInterval returns the first fire time of spec strictly after base.
func (d *Default) CalculateInterval(base time.Time, spec string) (time.Time, bool) {
	sched, err := scheduler.Compile(spec)
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(base.In(d.loc))
	return next, !next.IsZero()
}

func (d *Default) HasPassed(t time.Time) bool { return !t.After(d.now()) }

func (d *Default) IsSameDay(a, b time.Time) bool {
	a, b = a.In(d.loc), b.In(d.loc)
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// FormatDate renders t in the translator's zone. An empty layout uses
// "2006-01-02 15:04 MST".
func (d *Default) FormatDate(t time.Time, layout string) string {
	if layout == "" {
		layout = "2006-01-02 15:04 MST"
	}
	return t.In(d.loc).Format(layout)
}

// HumanReadableInterval describes an interval pattern ("every 1 hour 30
// minutes", "daily"). Unparseable input is returned unchanged.
func (d *Default) HumanReadableInterval(spec string) string {
	ps, err := scheduler.ParseSchedule(spec)
	if err != nil {
		return spec
	}
	if ps.Kind == scheduler.SpecInterval {
		return "every " + humanDuration(ps.Every)
	}
	expr := strings.TrimSpace(ps.Cron)
	switch strings.ToLower(expr) {
	case "@yearly", "@annually":
		return "yearly"
	case "@monthly":
		return "monthly"
	case "@weekly":
		return "weekly"
	case "@daily", "@midnight":
		return "daily"
	case "@hourly":
		return "hourly"
	}
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil {
			return "every " + humanDuration(dur)
		}
	}
	return fmt.Sprintf("cron %q", expr)
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "0 seconds"
	}
	units := []struct {
		size time.Duration
		name string
	}{
		{24 * time.Hour, "day"},
		{time.Hour, "hour"},
		{time.Minute, "minute"},
		{time.Second, "second"},
	}
	var parts []string
	for _, u := range units {
		if n := d / u.size; n > 0 {
			parts = append(parts, plural(int(n), u.name))
			d -= n * u.size
		}
	}
	if len(parts) == 0 {
		return d.String()
	}
	return strings.Join(parts, " ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func at(day time.Time, hour, minute int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, day.Location())
}

func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}

// daysUntil counts days from `from` to the next `to`, 0 when they match.
func daysUntil(from, to time.Weekday) int {
	return (int(to) - int(from) + 7) % 7
}

// daysUntilNext is daysUntil but never 0.
func daysUntilNext(from, to time.Weekday) int {
	if n := daysUntil(from, to); n > 0 {
		return n
	}
	return 7
}
