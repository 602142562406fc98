package commands

import (
	"context"
	"fmt"
	"testing"

	"github.com/nrn-labs/undoable/internal/events"
	"github.com/nrn-labs/undoable/internal/runs"
	"github.com/nrn-labs/undoable/internal/scheduler"
	"github.com/nrn-labs/undoable/internal/swarm"
)

// doneRunner completes every node run instantly.
type doneRunner struct {
	started int
}

func (r *doneRunner) StartNodeRun(_ context.Context, _ *swarm.Workflow, _ *swarm.Node) (swarm.NodeRun, error) {
	r.started++
	return swarm.NodeRun{RunID: fmt.Sprintf("run_%d", r.started)}, nil
}

func (r *doneRunner) RunStatus(string) (runs.Status, bool) {
	return runs.StatusCompleted, true
}

type noopPlanner struct{}

func (noopPlanner) Plan(context.Context, *runs.Run) (string, error) {
	return "1. Echo the instruction\n", nil
}

type noopApplier struct{}

func (noopApplier) Apply(context.Context, *runs.Run) (string, error) {
	return "done", nil
}

// A fired mirror job must reach the swarm service, not the agent-run path:
// its payload carries no instruction, so falling through would no-op.
func TestDispatchJobRoutesSwarmMirror(t *testing.T) {
	bus := events.NewBus(64)
	sched := scheduler.New(scheduler.Config{Bus: bus})
	runner := &doneRunner{}
	svc := swarm.New(swarm.Config{Bus: bus, Scheduler: sched, Runner: runner})

	wf, err := svc.CreateWorkflow(&swarm.Workflow{
		Name:    "nightly",
		Enabled: true,
		Nodes: []*swarm.Node{
			{ID: "sync", Name: "sync", Type: swarm.TypeAgentTask, Enabled: true},
		},
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	job := scheduler.Job{
		ID: "job_mirror",
		Payload: map[string]any{
			"kind":       swarm.JobKind,
			"workflowId": wf.ID,
			"nodeId":     "sync",
		},
	}
	if err := dispatchJob(context.Background(), nil, nil, svc, job); err != nil {
		t.Fatalf("dispatch mirror job: %v", err)
	}

	if runner.started != 1 {
		t.Fatalf("node runs started = %d, want 1", runner.started)
	}
	orchs := svc.Orchestrations(wf.ID)
	if len(orchs) != 1 {
		t.Fatalf("orchestrations = %d, want 1", len(orchs))
	}
}

func TestDispatchJobRoutesAgentRun(t *testing.T) {
	bus := events.NewBus(64)
	mgr := runs.NewManager(bus, "")
	t.Cleanup(mgr.Close)
	exec := runs.NewExecutor(runs.ExecutorConfig{
		Manager: mgr,
		Bus:     bus,
		Planner: noopPlanner{},
		Applier: noopApplier{},
	})

	job := scheduler.Job{
		ID:      "job_agent",
		Payload: map[string]any{"instruction": "rotate the notes", "mode": runs.ModePlan},
	}
	if err := dispatchJob(context.Background(), mgr, exec, nil, job); err != nil {
		t.Fatalf("dispatch agent job: %v", err)
	}

	got := mgr.ListByJobID("job_agent")
	if len(got) != 1 {
		t.Fatalf("runs for job = %d, want 1", len(got))
	}
	if got[0].Instruction != "rotate the notes" {
		t.Fatalf("instruction = %q", got[0].Instruction)
	}
	if got[0].Status != runs.StatusPlanned {
		t.Fatalf("status = %s, want planned", got[0].Status)
	}
}
