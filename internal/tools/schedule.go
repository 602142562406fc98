package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/scheduler"
)

// JobsScheduleTool lets the model create scheduler jobs. The inverse removes
// the created job, which the scheduler records as a user mutation in its own
// undo history.
type JobsScheduleTool struct {
	sched *scheduler.Scheduler
}

func NewJobsScheduleTool(sched *scheduler.Scheduler) *JobsScheduleTool {
	return &JobsScheduleTool{sched: sched}
}

func (t *JobsScheduleTool) Manifest() *Manifest {
	return &Manifest{
		Name:        "jobs.schedule",
		Description: "Create a scheduled job. Exactly one of everyMs, cron, atMs selects the schedule. The payload's instruction runs as an agent run on each fire.",
		Category:    actions.CategoryMutate,
		Undoable:    true,
		Params: map[string]ParamSpec{
			"name": {
				Type:        "string",
				Description: "Human-readable job name",
				Required:    true,
			},
			"description": {
				Type:        "string",
				Description: "What the job is for",
			},
			"everyMs": {
				Type:        "integer",
				Description: "Fixed interval in milliseconds (min 1000)",
			},
			"cron": {
				Type:        "string",
				Description: "5-field cron expression, e.g. \"0 7 * * 1\"",
			},
			"atMs": {
				Type:        "integer",
				Description: "One-shot unix-millisecond timestamp",
			},
			"payload": {
				Type:        "object",
				Description: "Handler payload; set \"instruction\" to run an agent instruction on fire",
			},
			"deleteAfterRun": {
				Type:        "boolean",
				Description: "Delete a one-shot job after it fires instead of disabling it",
			},
		},
	}
}

func (t *JobsScheduleTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return t.Manifest().ToolInfo(), nil
}

type jobsScheduleInput struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	EveryMs        int64          `json:"everyMs"`
	Cron           string         `json:"cron"`
	AtMs           int64          `json:"atMs"`
	Payload        map[string]any `json:"payload"`
	DeleteAfterRun bool           `json:"deleteAfterRun"`
}

type jobsScheduleOutput struct {
	JobID        string `json:"jobId"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	NextWakeAtMs int64  `json:"nextWakeAtMs"`
}

func (t *JobsScheduleTool) InvokableRun(_ context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var input jobsScheduleInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
		return "", fmt.Errorf("jobs.schedule: parse input: %w", err)
	}

	job := &scheduler.Job{
		Name:        input.Name,
		Description: input.Description,
		Enabled:     true,
		Schedule: scheduler.Schedule{
			Every: input.EveryMs,
			Cron:  input.Cron,
			At:    input.AtMs,
		},
		Payload:        input.Payload,
		DeleteAfterRun: input.DeleteAfterRun,
	}

	created, err := t.sched.Add(job)
	if err != nil {
		return "", fmt.Errorf("jobs.schedule: %w", err)
	}

	out, err := json.Marshal(jobsScheduleOutput{
		JobID:        created.ID,
		Name:         created.Name,
		Kind:         created.Schedule.Kind(),
		NextWakeAtMs: created.State.NextWakeAtMs,
	})
	if err != nil {
		return "", fmt.Errorf("jobs.schedule: marshal result: %w", err)
	}
	return string(out), nil
}

// CaptureInverse defers to InverseFromOutput: the job id does not exist
// until the call runs.
func (t *JobsScheduleTool) CaptureInverse(context.Context, map[string]any) (map[string]any, error) {
	return nil, nil
}

// InverseFromOutput records the created job id for removal on undo.
func (t *JobsScheduleTool) InverseFromOutput(_ context.Context, _ map[string]any, output string) (map[string]any, error) {
	var created jobsScheduleOutput
	if err := json.Unmarshal([]byte(output), &created); err != nil {
		return nil, fmt.Errorf("parse jobs.schedule output: %w", err)
	}
	if created.JobID == "" {
		return nil, errors.New("jobs.schedule output has no job id")
	}
	return map[string]any{"jobId": created.JobID}, nil
}

// ApplyInverse removes the job the call created. A job that is already gone
// counts as undone.
func (t *JobsScheduleTool) ApplyInverse(_ context.Context, payload map[string]any) error {
	jobID, _ := payload["jobId"].(string)
	if jobID == "" {
		return errors.New("jobs.schedule inverse: missing job id")
	}
	if err := t.sched.Remove(jobID); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
		return fmt.Errorf("jobs.schedule inverse: %w", err)
	}
	return nil
}

var _ OutputInverser = (*JobsScheduleTool)(nil)
