package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExecutionResult is the outcome of one handler invocation.
type ExecutionResult struct {
	TaskID     string          `json:"task_id"`
	Successful bool            `json:"successful"`
	Status     Status          `json:"status"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
	Duration   time.Duration   `json:"duration"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	// RetryCount is the task's retry counter after this execution was recorded.
	RetryCount int `json:"retry_count"`
}

// HandlerResult is what a handler reports back for a task.
type HandlerResult struct {
	Successful bool
	// Status is an optional handler-side label ("done", "partial"); it never
	// overrides the task lifecycle status.
	Status string
	Data   json.RawMessage
	Error  *ErrorInfo
}

// ResultJSON returns data as a storable JSON value. Bytes that are not valid
// JSON are kept as a JSON string; empty data stays nil.
func ResultJSON(data json.RawMessage) json.RawMessage {
	if len(data) == 0 || json.Valid(data) {
		return data
	}
	b, _ := json.Marshal(string(data))
	return b
}

// Result kinds returned by agents. The kind is the discriminant of AgentResult.
const (
	AgentResultGoalV1 = "goal.v1"
	AgentResultPlanV2 = "plan.v2"
)

// AgentResult is the raw, versioned result of an agent's goal execution.
// Exactly one of Goal or Plan is set, matching Kind.
type AgentResult struct {
	Kind string
	Goal *GoalResultV1
	Plan *PlanResultV2
}

// GoalResultV1 is the flat result shape of single-shot agents.
type GoalResultV1 struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PlanResultV2 is returned by planning agents that execute several steps.
type PlanResultV2 struct {
	Outcome string     `json:"outcome"` // succeeded | partial | failed
	Summary string     `json:"summary,omitempty"`
	Steps   []PlanStep `json:"steps,omitempty"`
	Failure *ErrorInfo `json:"failure,omitempty"`
}

type PlanStep struct {
	Name   string          `json:"name"`
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Error codes produced while normalizing agent results.
const (
	CodeAgentFailed     = "AGENT_FAILED"
	CodePlanPartial     = "PLAN_PARTIAL"
	CodeUnknownResult   = "UNKNOWN_RESULT_KIND"
	CodeHandlerPanic    = "HANDLER_PANIC"
	CodeHandlerError    = "HANDLER_ERROR"
	CodeHandlerTimeout  = "HANDLER_TIMEOUT"
	CodeOrphaned        = "ORPHANED"
	CodeHandlerRejected = "HANDLER_UNSUCCESSFUL"
)

// NormalizeAgentResult maps any known agent result shape into HandlerResult.
func NormalizeAgentResult(r AgentResult) (HandlerResult, error) {
	switch strings.ToLower(strings.TrimSpace(r.Kind)) {
	case AgentResultGoalV1:
		if r.Goal == nil {
			return HandlerResult{}, fmt.Errorf("agent result %s: missing payload", r.Kind)
		}
		out := HandlerResult{Successful: r.Goal.Success, Data: r.Goal.Output}
		if r.Goal.Success {
			out.Status = "done"
		} else {
			out.Status = "failed"
			msg := r.Goal.Error
			if msg == "" {
				msg = "agent reported failure"
			}
			out.Error = &ErrorInfo{Message: msg, Code: CodeAgentFailed}
		}
		return out, nil

	case AgentResultPlanV2:
		p := r.Plan
		if p == nil {
			return HandlerResult{}, fmt.Errorf("agent result %s: missing payload", r.Kind)
		}
		data, err := json.Marshal(struct {
			Summary string     `json:"summary,omitempty"`
			Steps   []PlanStep `json:"steps,omitempty"`
		}{p.Summary, p.Steps})
		if err != nil {
			return HandlerResult{}, fmt.Errorf("agent result %s: encode: %w", r.Kind, err)
		}
		out := HandlerResult{Status: p.Outcome, Data: data}
		switch strings.ToLower(p.Outcome) {
		case "succeeded", "success", "done":
			out.Successful = true
		case "partial":
			out.Error = &ErrorInfo{Message: partialMessage(p), Code: CodePlanPartial}
		default:
			out.Error = p.Failure
			if out.Error == nil {
				out.Error = &ErrorInfo{Message: "plan failed", Code: CodeAgentFailed}
			}
		}
		return out, nil
	}
	return HandlerResult{}, fmt.Errorf("%s: %q", CodeUnknownResult, r.Kind)
}

func partialMessage(p *PlanResultV2) string {
	failed := 0
	for _, s := range p.Steps {
		if !s.OK {
			failed++
		}
	}
	return fmt.Sprintf("%d of %d plan steps failed", failed, len(p.Steps))
}
