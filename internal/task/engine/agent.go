package engine

import (
	"context"
	"fmt"

	"taskpilot/internal/task"
)

// Goal is what an agent is asked to accomplish for a task.
type Goal struct {
	TaskID      string
	Name        string
	Description string
	Tags        []string
	Extra       map[string]string
}

// GoalFor builds the goal handed to an agent for t.
func GoalFor(t *task.Task) Goal {
	return Goal{
		TaskID:      t.ID,
		Name:        t.Name,
		Description: t.Description,
		Tags:        t.Metadata.Tags,
		Extra:       t.Metadata.Extra,
	}
}

// Agent executes goals. Different agent kinds answer with different result
// versions; AgentHandler normalizes them.
type Agent interface {
	ExecuteGoal(ctx context.Context, g Goal) (task.AgentResult, error)
}

// AgentResolver finds the agent owning a scope id.
type AgentResolver interface {
	ResolveAgent(ctx context.Context, agentID string) (Agent, error)
}

type AgentResolverFunc func(ctx context.Context, agentID string) (Agent, error)

func (f AgentResolverFunc) ResolveAgent(ctx context.Context, agentID string) (Agent, error) {
	return f(ctx, agentID)
}

// AgentHandler dispatches a task to the agent named by its scope and maps
// the agent's versioned result into a HandlerResult. Unscoped tasks go to
// Fallback when set.
type AgentHandler struct {
	Resolver AgentResolver
	Fallback Handler
}

func (h AgentHandler) Handle(ctx context.Context, t *task.Task) (task.HandlerResult, error) {
	agentID := t.Metadata.AgentID
	if agentID == "" {
		if h.Fallback != nil {
			return h.Fallback.Handle(ctx, t)
		}
		return task.HandlerResult{}, ErrNoAgent
	}
	if h.Resolver == nil {
		return task.HandlerResult{}, fmt.Errorf("resolve agent %s: %w", agentID, ErrNoHandler)
	}
	agent, err := h.Resolver.ResolveAgent(ctx, agentID)
	if err != nil {
		return task.HandlerResult{}, fmt.Errorf("resolve agent %s: %w", agentID, err)
	}
	if agent == nil {
		return task.HandlerResult{}, fmt.Errorf("resolve agent %s: not found", agentID)
	}
	raw, err := agent.ExecuteGoal(ctx, GoalFor(t))
	if err != nil {
		return task.HandlerResult{}, err
	}
	return task.NormalizeAgentResult(raw)
}
