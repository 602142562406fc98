package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/nrn-labs/undoable/internal/runs"
)

// planSystemPrompt shapes the model's output into the step format the run
// manager's plan parser understands.
const planSystemPrompt = `You are planning a task for an execution agent. Produce a concise, numbered step plan in markdown. Each step is one line:

1. Short imperative step title [tool.name]

End a step title with the tool it will call in square brackets, using the exact registered name (for example [fs.write] or [exec.command]); omit the brackets for steps that need no tool. Do not execute anything. Do not add prose before or after the list.`

// Plan asks the model for a step plan without executing anything. It
// satisfies runs.Planner.
func (l *Loop) Plan(ctx context.Context, run *runs.Run) (string, error) {
	m, err := l.models.Default(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve model: %w", err)
	}
	msgs := []*schema.Message{
		{Role: schema.System, Content: planSystemPrompt},
		{Role: schema.User, Content: run.Instruction},
	}
	resp, err := m.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("plan generation: %w", err)
	}
	return resp.Content, nil
}

// Apply drives the run's instruction through a full chat turn and returns
// the final answer. It satisfies runs.Applier.
func (l *Loop) Apply(ctx context.Context, run *runs.Run) (string, error) {
	if run.SessionID == "" {
		sess, err := l.store.Create()
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		run.SessionID = sess.ID
	}

	rc := l.RunConfig()
	if run.Mode != "" {
		rc.Mode = run.Mode
	}

	var answer string
	var answered bool
	err := l.Turn(ctx, Request{
		SessionID: run.SessionID,
		Message:   run.Instruction,
		AgentID:   run.AgentID,
		Config:    &rc,
	}, func(e Envelope) {
		if e.Type == TypeDone {
			answer = e.Content
			answered = true
		}
	})
	if err != nil {
		return "", err
	}
	if !answered {
		return "", errors.New("run ended without a final answer")
	}
	return answer, nil
}
