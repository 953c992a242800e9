package task

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ScheduleType selects how a task becomes due.
type ScheduleType string

const (
	// ScheduleExplicit tasks fire once at ScheduledTime.
	ScheduleExplicit ScheduleType = "explicit"
	// ScheduleInterval tasks fire repeatedly per Interval.Pattern.
	ScheduleInterval ScheduleType = "interval"
	// SchedulePriority tasks have no time binding and are always eligible.
	SchedulePriority ScheduleType = "priority"
)

func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleExplicit, ScheduleInterval, SchedulePriority:
		return true
	}
	return false
}

// ParseScheduleType accepts the lowercase names as well as the upper-case
// forms used by older callers ("EXPLICIT").
func ParseScheduleType(s string) (ScheduleType, bool) {
	t := ScheduleType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

const (
	DefaultPriority = 5
	MinPriority     = 1
	MaxPriority     = 10
)

// Interval describes a recurring schedule.
//
// Pattern accepts cron expressions, "@every 5m", Go durations ("90s") and
// HH:MM intervals. MaxExecutions of 0 means unbounded.
type Interval struct {
	Pattern        string `json:"pattern"`
	ExecutionCount int    `json:"execution_count"`
	MaxExecutions  int    `json:"max_executions,omitempty"`
}

// Exhausted reports whether the interval has fired its allowed number of times.
func (i *Interval) Exhausted() bool {
	return i != nil && i.MaxExecutions > 0 && i.ExecutionCount >= i.MaxExecutions
}

// ErrorInfo is the persisted shape of a failure.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Metadata carries the optional, structured facts about a task.
//
// Extra is the only free-form part and holds strings only; anything richer
// belongs in a typed field.
type Metadata struct {
	AgentID    string            `json:"agent_id,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	RetryCount int               `json:"retry_count,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	LastError  *ErrorInfo        `json:"last_error,omitempty"`
	LastResult json.RawMessage   `json:"last_result,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Lookup resolves a metadata key for filtering. Known keys map to typed
// fields; anything else is looked up in Extra.
func (m Metadata) Lookup(key string) (string, bool) {
	switch key {
	case MetaAgentID, "agent_id":
		return m.AgentID, m.AgentID != ""
	}
	v, ok := m.Extra[key]
	return v, ok
}

// MetaAgentID is the metadata key used for agent scoping.
const MetaAgentID = "agentId"

func (m Metadata) clone() Metadata {
	out := m
	out.Tags = slices.Clone(m.Tags)
	if m.LastError != nil {
		e := *m.LastError
		out.LastError = &e
	}
	out.LastResult = slices.Clone(m.LastResult)
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Task is the unit of work tracked by the registry.
type Task struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduledTime *time.Time   `json:"scheduled_time,omitempty"`
	Priority      int          `json:"priority"`
	Status        Status       `json:"status"`
	Interval      *Interval    `json:"interval,omitempty"`
	Metadata      Metadata     `json:"metadata"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	// StartedAt is stamped by the PENDING->RUNNING claim and cleared when the
	// task leaves RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// NewID returns a lexically sortable task id.
func NewID() string { return ulid.Make().String() }

// Clone returns a deep copy so callers can never mutate registry state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.ScheduledTime = cloneTime(t.ScheduledTime)
	out.LastExecutedAt = cloneTime(t.LastExecutedAt)
	out.StartedAt = cloneTime(t.StartedAt)
	if t.Interval != nil {
		iv := *t.Interval
		out.Interval = &iv
	}
	out.Metadata = t.Metadata.clone()
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time { return &t }

// ClampPriority maps p into [lo, hi]. Zero means "not set" and yields def.
func ClampPriority(p, lo, hi, def int) int {
	if lo > hi {
		lo, hi = hi, lo
	}
	if def < lo || def > hi {
		def = lo + (hi-lo)/2
	}
	switch {
	case p == 0:
		return def
	case p < lo:
		return lo
	case p > hi:
		return hi
	}
	return p
}

// CompareCreated orders by CreatedAt, then ID. It is the registry's default order.
func CompareCreated(a, b *Task) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
