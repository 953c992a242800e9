package datetime

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reRelativeIn   = regexp.MustCompile(`^in (an?|\d+) ([a-z]+)$`)
	reRelativeFrom = regexp.MustCompile(`^(an?|\d+) ([a-z]+) (?:from now|later)$`)
	reDayAt        = regexp.MustCompile(`^(today|tomorrow|next [a-z]+|[a-z]+day)?\s*(?:at )?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	reNextDay      = regexp.MustCompile(`^(?:next |on )?([a-z]+day)$`)
)

// absoluteLayouts are tried in order after the relative grammar fails.
var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02 Jan 2006 15:04",
	"Jan 2 2006 15:04",
}

var units = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// ParseNaturalLanguage resolves relative phrases ("in 2 minutes", "3 hours
// from now", "tomorrow at 9:30", "next monday", "at 5pm") and absolute
// timestamps. The bool is false when text is not understood.
func (d *Default) ParseNaturalLanguage(ctx context.Context, text string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	raw := strings.TrimSpace(text)
	s := normalize(raw)
	if s == "" {
		return time.Time{}, false, nil
	}
	now := d.current()

	if m := reRelativeIn.FindStringSubmatch(s); m != nil {
		if dur, ok := relative(m[1], m[2]); ok {
			return now.Add(dur), true, nil
		}
	}
	if m := reRelativeFrom.FindStringSubmatch(s); m != nil {
		if dur, ok := relative(m[1], m[2]); ok {
			return now.Add(dur), true, nil
		}
	}
	if m := reNextDay.FindStringSubmatch(s); m != nil {
		if wd, ok := weekdays[m[1]]; ok {
			return at(now.AddDate(0, 0, daysUntilNext(now.Weekday(), wd)), morningHour, 0), true, nil
		}
	}
	if m := reDayAt.FindStringSubmatch(s); m != nil && (m[1] != "" || strings.Contains(s, "at ") || m[3] != "" || m[4] != "") {
		if t, ok := d.dayAt(now, m[1], m[2], m[3], m[4]); ok {
			return t, true, nil
		}
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, raw, d.loc); err == nil {
			return t, true, nil
		}
	}
	return time.Time{}, false, nil
}

func relative(count, unit string) (time.Duration, bool) {
	size, ok := units[unit]
	if !ok {
		return 0, false
	}
	n := 1
	if count != "a" && count != "an" {
		v, err := strconv.Atoi(count)
		if err != nil || v <= 0 {
			return 0, false
		}
		n = v
	}
	// Counts past the Duration range would wrap into the past.
	if int64(n) > math.MaxInt64/int64(size) {
		return 0, false
	}
	return time.Duration(n) * size, true
}

// dayAt resolves "<day> at HH[:MM][am|pm]". Without a day the next
// occurrence of the wall-clock time is used.
func (d *Default) dayAt(now time.Time, day, hh, mm, ampm string) (time.Time, bool) {
	hour, err := strconv.Atoi(hh)
	if err != nil {
		return time.Time{}, false
	}
	minute := 0
	if mm != "" {
		if minute, err = strconv.Atoi(mm); err != nil || minute > 59 {
			return time.Time{}, false
		}
	}
	switch ampm {
	case "am":
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		if hour != 12 {
			hour += 12
		}
	}
	if hour > 23 {
		return time.Time{}, false
	}

	switch {
	case day == "":
		t := at(now, hour, minute)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, true
	case day == "today":
		return at(now, hour, minute), true
	case day == "tomorrow":
		return at(now.AddDate(0, 0, 1), hour, minute), true
	}
	name := strings.TrimPrefix(day, "next ")
	wd, ok := weekdays[name]
	if !ok {
		return time.Time{}, false
	}
	return at(now.AddDate(0, 0, daysUntilNext(now.Weekday(), wd)), hour, minute), true
}
