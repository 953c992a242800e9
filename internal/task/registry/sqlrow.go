package registry

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"taskpilot/internal/task"
)

// SQL backends keep the full record as JSON in a data column and mirror the
// fields used for filtering (status, schedule type, agent) into plain columns.
// The coarse filter runs in SQL; task.Filter.Match finishes the job in Go.

func encodeTask(t *task.Task) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return b, nil
}

func decodeTask(b []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// whereClause builds the SQL pre-filter. ph renders the n-th placeholder
// (1-based) for the target dialect.
func whereClause(f task.Filter, ph func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	in := func(col string, vals []string) {
		marks := make([]string, len(vals))
		for i, v := range vals {
			args = append(args, v)
			marks[i] = ph(len(args))
		}
		conds = append(conds, col+" IN ("+strings.Join(marks, ",")+")")
	}
	if len(f.IDs) > 0 {
		in("id", f.IDs)
	}
	if len(f.Statuses) > 0 {
		vals := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			vals[i] = string(s)
		}
		in("status", vals)
	}
	if len(f.ScheduleTypes) > 0 {
		vals := make([]string, len(f.ScheduleTypes))
		for i, s := range f.ScheduleTypes {
			vals[i] = string(s)
		}
		in("schedule_type", vals)
	}
	agent, scoped := agentScope(f)
	if scoped {
		args = append(args, agent)
		conds = append(conds, "agent_id = "+ph(len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// agentScope folds the AgentID pointer and an agentId metadata key into one
// column predicate.
func agentScope(f task.Filter) (string, bool) {
	if f.AgentID != nil {
		return *f.AgentID, true
	}
	if v, ok := f.Metadata[task.MetaAgentID]; ok {
		return v, true
	}
	return "", false
}

// finish applies the Go-side predicates, the canonical order and paging.
func finish(rows []*task.Task, f task.Filter) []*task.Task {
	out := rows[:0]
	for _, t := range rows {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, task.CompareCreated)
	return f.Page(out)
}
