package task

import (
	"slices"
	"time"
)

// Filter selects tasks in the registry. Empty fields match everything.
type Filter struct {
	IDs           []string
	Statuses      []Status
	ScheduleTypes []ScheduleType

	// AgentID scopes the query. nil matches any task; a pointer to "" matches
	// only unscoped tasks.
	AgentID *string

	// Tags must all be present on the task.
	Tags []string
	// Metadata matches known keys (agentId) and Extra entries exactly.
	Metadata map[string]string

	ScheduledBefore *time.Time
	ScheduledAfter  *time.Time
	// StartedBefore selects RUNNING tasks claimed before the given instant.
	StartedBefore *time.Time

	Limit  int
	Offset int
}

// ForAgent returns a copy of f scoped to agentID.
func (f Filter) ForAgent(agentID string) Filter {
	id := agentID
	f.AgentID = &id
	return f
}

// Match reports whether t satisfies every predicate of f. Paging is not part
// of matching; see Page.
func (f Filter) Match(t *Task) bool {
	if t == nil {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, t.ID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.ScheduleTypes) > 0 && !slices.Contains(f.ScheduleTypes, t.ScheduleType) {
		return false
	}
	if f.AgentID != nil && t.Metadata.AgentID != *f.AgentID {
		return false
	}
	for _, tag := range f.Tags {
		if !slices.Contains(t.Metadata.Tags, tag) {
			return false
		}
	}
	for k, want := range f.Metadata {
		got, ok := t.Metadata.Lookup(k)
		if !ok || got != want {
			return false
		}
	}
	if f.ScheduledBefore != nil && (t.ScheduledTime == nil || t.ScheduledTime.After(*f.ScheduledBefore)) {
		return false
	}
	if f.ScheduledAfter != nil && (t.ScheduledTime == nil || t.ScheduledTime.Before(*f.ScheduledAfter)) {
		return false
	}
	if f.StartedBefore != nil && (t.StartedAt == nil || !t.StartedAt.Before(*f.StartedBefore)) {
		return false
	}
	return true
}

// Page applies Offset and Limit to an already ordered slice.
func (f Filter) Page(in []*Task) []*Task {
	if f.Offset > 0 {
		if f.Offset >= len(in) {
			return nil
		}
		in = in[f.Offset:]
	}
	if f.Limit > 0 && len(in) > f.Limit {
		in = in[:f.Limit]
	}
	return in
}
