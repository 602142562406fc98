// Package runs is the authoritative store for run records and their event
// logs: status transitions are FSM-guarded, persistence is debounced with
// forced flushes on status changes, and crash recovery fails anything that
// was still moving when the daemon died.
package runs

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusCreated          Status = "created"
	StatusPlanning         Status = "planning"
	StatusPlanned          Status = "planned"
	StatusShadowing        Status = "shadowing"
	StatusShadowed         Status = "shadowed"
	StatusApprovalRequired Status = "approval_required"
	StatusApplying         Status = "applying"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
	StatusUndoing          Status = "undoing"
)

// Run execution modes: how far down the pipeline the executor drives.
const (
	ModePlan   = "plan"
	ModeShadow = "shadow"
	ModeApply  = "apply"
)

// forward lists the ordinary pipeline moves. Failure and cancellation are
// additionally reachable from every non-terminal status.
var forward = map[Status][]Status{
	StatusCreated:          {StatusPlanning},
	StatusPlanning:         {StatusPlanned},
	StatusPlanned:          {StatusShadowing},
	StatusShadowing:        {StatusShadowed},
	StatusShadowed:         {StatusApprovalRequired, StatusApplying},
	StatusApprovalRequired: {StatusApplying},
	StatusApplying:         {StatusCompleted, StatusUndoing},
	StatusCompleted:        {StatusUndoing},
	StatusUndoing:          {StatusCompleted},
}

// IsTerminal reports whether a status is final for recovery purposes.
// Completed runs can still enter undoing, which is the one exception to
// terminal-means-frozen.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if (to == StatusFailed || to == StatusCancelled) && !from.IsTerminal() {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PlanStep is one unit of an execution plan. Tool is set when the step
// names the tool it intends to call, letting the shadow stage vet it.
type PlanStep struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Tool        string `json:"tool,omitempty"`
}

// Plan is the decomposed execution plan attached to a run. Immutable once
// set.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// HasSideEffects reports whether any step names a tool outside the read
// category, judged by the caller-provided categorizer.
func (p *Plan) HasSideEffects(categoryOf func(tool string) (string, bool)) bool {
	if p == nil {
		return false
	}
	for _, step := range p.Steps {
		if step.Tool == "" {
			continue
		}
		cat, ok := categoryOf(step.Tool)
		if !ok {
			continue
		}
		if cat == "mutate" || cat == "exec" {
			return true
		}
	}
	return false
}

// Run is one tracked execution: an instruction moving through the pipeline
// with its own bounded event log.
type Run struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId,omitempty"`
	AgentID     string     `json:"agentId,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
	JobID       string     `json:"jobId,omitempty"`
	Instruction string     `json:"instruction"`
	Mode        string     `json:"mode"`
	Status      Status     `json:"status"`
	Paused      bool       `json:"paused,omitempty"`
	Plan        *Plan      `json:"plan,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	WorkDir     string     `json:"workDir,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a copy safe to hand outside the manager.
func (r *Run) Clone() *Run {
	cp := *r
	if r.Plan != nil {
		steps := make([]PlanStep, len(r.Plan.Steps))
		copy(steps, r.Plan.Steps)
		cp.Plan = &Plan{Steps: steps}
	}
	return &cp
}

// Input carries everything needed to create a run.
type Input struct {
	UserID      string `json:"userId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	JobID       string `json:"jobId,omitempty"`
	Instruction string `json:"instruction"`
	Mode        string `json:"mode,omitempty"`
	WorkDir     string `json:"workDir,omitempty"`
}

func (in Input) validate() error {
	if strings.TrimSpace(in.Instruction) == "" {
		return fmt.Errorf("run instruction is required")
	}
	switch in.Mode {
	case "", ModePlan, ModeShadow, ModeApply:
	default:
		return fmt.Errorf("unknown run mode %q", in.Mode)
	}
	return nil
}

// GenerateRunID creates a unique run identifier with "run_" prefix.
func GenerateRunID() string {
	u := uuid.New().String()
	return "run_" + strings.ReplaceAll(u[:8], "-", "")
}
