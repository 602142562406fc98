package runs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/approval"
	"github.com/nrn-labs/undoable/internal/events"
	"github.com/nrn-labs/undoable/internal/tools"
)

// Planner asks the model for a markdown step plan.
type Planner interface {
	Plan(ctx context.Context, run *Run) (string, error)
}

// Applier executes the run for real, normally through the chat loop.
type Applier interface {
	Apply(ctx context.Context, run *Run) (string, error)
}

// pauseProbe is how often the executor rechecks a paused run.
const pauseProbe = 250 * time.Millisecond

// ExecutorConfig holds executor dependencies.
type ExecutorConfig struct {
	Manager  *Manager
	Bus      *events.Bus
	Registry *tools.Registry
	Gate     *approval.Gate
	Planner  Planner
	Applier  Applier
}

// Executor drives runs through the pipeline. The run's mode decides where
// it stops: plan at planned, shadow at shadowed, apply at a terminal status.
type Executor struct {
	manager  *Manager
	bus      *events.Bus
	registry *tools.Registry
	gate     *approval.Gate
	planner  Planner
	applier  Applier

	mu      sync.Mutex
	cancels map[string]*cancelEntry
}

// cancelEntry identifies one launch. Cleanup compares pointers so a stale
// goroutine cannot drop a newer launch's registration.
type cancelEntry struct {
	cancel context.CancelFunc
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		manager:  cfg.Manager,
		bus:      cfg.Bus,
		registry: cfg.Registry,
		gate:     cfg.Gate,
		planner:  cfg.Planner,
		applier:  cfg.Applier,
		cancels:  make(map[string]*cancelEntry),
	}
}

// Launch executes a run on its own goroutine with a cancellable context.
func (e *Executor) Launch(id string) {
	ctx, entry := e.register(id)
	go func() {
		defer e.unregister(id, entry)
		if err := e.Execute(ctx, id); err != nil {
			slog.Warn("run execution ended with error", "id", id, "error", err)
		}
	}()
}

// Run executes a run on the calling goroutine with the same cancel
// registration Launch installs, so CancelRun still reaches it. The
// scheduler's job handler uses it to hold a fired job in flight until the
// run finishes.
func (e *Executor) Run(ctx context.Context, id string) error {
	runCtx, entry := e.register(id)
	defer e.unregister(id, entry)
	stop := context.AfterFunc(ctx, entry.cancel)
	defer stop()
	return e.Execute(runCtx, id)
}

func (e *Executor) register(id string) (context.Context, *cancelEntry) {
	ctx, cancel := context.WithCancel(context.Background())
	entry := &cancelEntry{cancel: cancel}
	e.mu.Lock()
	e.cancels[id] = entry
	e.mu.Unlock()
	return ctx, entry
}

func (e *Executor) unregister(id string, entry *cancelEntry) {
	e.mu.Lock()
	if e.cancels[id] == entry {
		delete(e.cancels, id)
	}
	e.mu.Unlock()
	entry.cancel()
}

// CancelRun cancels a launched run's context. Returns false when the run
// is not currently executing.
func (e *Executor) CancelRun(id string) bool {
	e.mu.Lock()
	entry, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		entry.cancel()
	}
	return ok
}

// Execute drives one run through the pipeline synchronously. Cancellation
// is cooperative: the context is checked between stages and the paused flag
// blocks stage entry until resumed.
func (e *Executor) Execute(ctx context.Context, id string) error {
	run, err := e.manager.Get(id)
	if err != nil {
		return err
	}

	ctx = events.ContextWithRunID(ctx, id)
	if run.WorkDir != "" {
		ctx = events.ContextWithWorkDir(ctx, run.WorkDir)
	}

	// Planning.
	if _, err := e.manager.UpdateStatus(id, StatusPlanning, events.ActorSystem); err != nil {
		return err
	}
	plan, err := e.buildPlan(ctx, run)
	if err != nil {
		return e.fail(id, fmt.Sprintf("planning: %v", err))
	}
	if err := e.manager.SetPlan(id, plan); err != nil {
		return e.fail(id, fmt.Sprintf("attach plan: %v", err))
	}
	if _, err := e.manager.UpdateStatus(id, StatusPlanned, events.ActorSystem); err != nil {
		return err
	}
	if run.Mode == ModePlan {
		return nil
	}
	if err := e.gateStage(ctx, id); err != nil {
		return e.cancelWith(id, err)
	}

	// Shadowing: resolve each step against the registry and policy, no
	// execution.
	if _, err := e.manager.UpdateStatus(id, StatusShadowing, events.ActorSystem); err != nil {
		return err
	}
	for _, step := range plan.Steps {
		e.shadowStep(id, step, run.WorkDir)
	}
	if _, err := e.manager.UpdateStatus(id, StatusShadowed, events.ActorSystem); err != nil {
		return err
	}
	if run.Mode == ModeShadow {
		return nil
	}
	if err := e.gateStage(ctx, id); err != nil {
		return e.cancelWith(id, err)
	}
	return e.applyStage(ctx, id, plan)
}

// LaunchApply resumes a run that parked at planned or shadowed and drives it
// through the remaining stages on its own goroutine. An explicit apply
// request overrides the mode stop that parked the run.
func (e *Executor) LaunchApply(id string) error {
	run, err := e.manager.Get(id)
	if err != nil {
		return err
	}
	switch run.Status {
	case StatusPlanned, StatusShadowed:
	default:
		return fmt.Errorf("run %s is %s, not awaiting apply", id, run.Status)
	}

	ctx, entry := e.register(id)
	go func() {
		defer e.unregister(id, entry)
		if err := e.resume(ctx, id); err != nil {
			slog.Warn("run apply ended with error", "id", id, "error", err)
		}
	}()
	return nil
}

// resume continues a parked run: from planned it shadows first, from
// shadowed it goes straight to approval and apply.
func (e *Executor) resume(ctx context.Context, id string) error {
	run, err := e.manager.Get(id)
	if err != nil {
		return err
	}

	ctx = events.ContextWithRunID(ctx, id)
	if run.WorkDir != "" {
		ctx = events.ContextWithWorkDir(ctx, run.WorkDir)
	}

	if run.Status == StatusPlanned {
		if err := e.gateStage(ctx, id); err != nil {
			return e.cancelWith(id, err)
		}
		if _, err := e.manager.UpdateStatus(id, StatusShadowing, events.ActorSystem); err != nil {
			return err
		}
		if run.Plan != nil {
			for _, step := range run.Plan.Steps {
				e.shadowStep(id, step, run.WorkDir)
			}
		}
		if _, err := e.manager.UpdateStatus(id, StatusShadowed, events.ActorSystem); err != nil {
			return err
		}
	}
	if err := e.gateStage(ctx, id); err != nil {
		return e.cancelWith(id, err)
	}
	return e.applyStage(ctx, id, run.Plan)
}

// applyStage runs the approval gate and the apply itself. A plan with side
// effects needs a go-ahead unless the gate is off.
func (e *Executor) applyStage(ctx context.Context, id string, plan *Plan) error {
	if plan.HasSideEffects(e.categoryOf) && e.gate != nil && e.gate.Mode() != approval.ModeOff {
		if _, err := e.manager.UpdateStatus(id, StatusApprovalRequired, events.ActorSystem); err != nil {
			return err
		}
		state := e.gate.RequestApproval(ctx, "run.apply", actions.CategoryExec,
			map[string]any{"runId": id}, "Apply the plan for run "+id)
		if state == actions.ApprovalDenied {
			_, err := e.manager.Cancel(id, events.ActorUser)
			return err
		}
	}

	if _, err := e.manager.UpdateStatus(id, StatusApplying, events.ActorSystem); err != nil {
		return err
	}
	current, err := e.manager.Get(id)
	if err != nil {
		return err
	}
	result, applyErr := e.apply(ctx, current)
	switch {
	case ctx.Err() != nil:
		_, err = e.manager.Cancel(id, events.ActorUser)
	case applyErr != nil:
		_, err = e.manager.Fail(id, applyErr.Error(), events.ActorSystem)
	default:
		_, err = e.manager.Complete(id, result, events.ActorSystem)
	}
	return err
}

func (e *Executor) buildPlan(ctx context.Context, run *Run) (*Plan, error) {
	if e.planner == nil {
		return FallbackPlan(run.Instruction), nil
	}
	markdown, err := e.planner.Plan(ctx, run)
	if err != nil {
		return nil, err
	}
	if plan := ParsePlan(markdown); plan != nil {
		return plan, nil
	}
	return FallbackPlan(run.Instruction), nil
}

func (e *Executor) apply(ctx context.Context, run *Run) (string, error) {
	if e.applier == nil {
		return "", fmt.Errorf("no applier configured")
	}
	return e.applier.Apply(ctx, run)
}

// shadowStep emits a preview envelope describing how a step would resolve:
// which tool, whether the policy would let it through, and whether the undo
// guarantee would block it. Nothing executes.
func (e *Executor) shadowStep(id string, step PlanStep, workDir string) {
	payload := map[string]any{
		"shadow": true,
		"stepId": step.ID,
		"title":  step.Title,
	}

	switch {
	case step.Tool == "":
		payload["resolution"] = "informational"
	case e.registry == nil:
		payload["resolution"] = "unknown_tool"
		payload["tool"] = step.Tool
	default:
		payload["tool"] = step.Tool
		t, ok := e.registry.Lookup(step.Tool)
		if !ok {
			payload["resolution"] = "unknown_tool"
			break
		}
		m := t.Manifest()
		payload["category"] = string(m.Category)
		payload["undoable"] = m.Undoable

		policy := e.registry.Policy()
		var policyErr error
		if policy != nil {
			policyErr = policy.CheckCall(m, nil, workDir)
		}
		switch {
		case policy != nil && !m.Undoable && !policy.AllowsIrreversible() &&
			(m.Category == actions.CategoryMutate || m.Category == actions.CategoryExec):
			payload["resolution"] = "blocked"
			payload["reason"] = "irreversible call under the undo guarantee"
		case policyErr != nil:
			payload["resolution"] = "blocked"
			payload["reason"] = policyErr.Error()
		default:
			payload["resolution"] = "allowed"
		}
	}

	if e.bus != nil {
		e.bus.EmitActor(id, events.EventToolCall, payload, events.ActorSystem)
	}
}

func (e *Executor) categoryOf(tool string) (string, bool) {
	if e.registry == nil {
		return "", false
	}
	t, ok := e.registry.Lookup(tool)
	if !ok {
		return "", false
	}
	return string(t.Manifest().Category), true
}

// gateStage blocks while the run is paused and returns the context error
// on cancellation.
func (e *Executor) gateStage(ctx context.Context, id string) error {
	for e.manager.IsPaused(id) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pauseProbe):
		}
	}
	return ctx.Err()
}

func (e *Executor) fail(id, msg string) error {
	_, err := e.manager.Fail(id, msg, events.ActorSystem)
	return err
}

func (e *Executor) cancelWith(id string, cause error) error {
	if _, err := e.manager.Cancel(id, events.ActorUser); err != nil {
		return err
	}
	return cause
}
