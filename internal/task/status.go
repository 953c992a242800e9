package task

import "strings"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusDeferred  Status = "deferred"
)

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}

// transitions lists every legal move. running->pending is the re-arm path used
// by interval tasks and by the orphan sweep when a retry is still allowed.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled, StatusDeferred},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusPending},
	StatusDeferred:  {StatusPending},
	StatusCompleted: nil,
	StatusFailed:    nil,
	StatusCancelled: nil,
}

// CanTransition reports whether t may move from its current status to next.
// Staying in the same status is always allowed.
func CanTransition(t *Task, next Status) bool {
	if t == nil || !next.Valid() {
		return false
	}
	if t.Status == next {
		return true
	}
	for _, s := range transitions[t.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// CanTransitionExternal is the subset callers outside the scheduling cycle may
// request: cancelling or deferring a pending task and resuming a deferred one.
func CanTransitionExternal(t *Task, next Status) bool {
	if t == nil {
		return false
	}
	if t.Status == next {
		return true
	}
	switch next {
	case StatusCancelled, StatusDeferred:
		return t.Status == StatusPending
	case StatusPending:
		return t.Status == StatusDeferred
	}
	return false
}
