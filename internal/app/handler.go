package app

import (
	"context"
	"encoding/json"

	"taskpilot/internal/task"
	"taskpilot/internal/task/engine"
	logx "taskpilot/pkg/logx"
)

// logHandler is used when the embedder provides no handler: it records the
// task and succeeds.
func logHandler(log logx.Logger) engine.Handler {
	log = log.Component("handler")
	return engine.HandlerFunc(func(ctx context.Context, t *task.Task) (task.HandlerResult, error) {
		log.Info("task performed",
			logx.String("task_id", t.ID),
			logx.String("name", t.Name),
			logx.String("schedule", string(t.ScheduleType)),
			logx.String("agent", t.Metadata.AgentID),
		)
		data, _ := json.Marshal(map[string]string{"performed": t.Name})
		return task.HandlerResult{Successful: true, Status: "done", Data: data}, nil
	})
}
