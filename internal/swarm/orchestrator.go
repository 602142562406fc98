package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nrn-labs/undoable/internal/events"
	"github.com/nrn-labs/undoable/internal/runs"
)

// Node states within an orchestration.
const (
	NodePending   = "pending"
	NodeRunning   = "running"
	NodeCompleted = "completed"
	NodeFailed    = "failed"
	NodeCancelled = "cancelled"
	NodeSkipped   = "skipped"
	NodeBlocked   = "blocked"
)

// Orchestration statuses.
const (
	OrchestrationRunning   = "running"
	OrchestrationCompleted = "completed"
	OrchestrationFailed    = "failed"
)

func nodeTerminal(status string) bool {
	switch status {
	case NodeCompleted, NodeFailed, NodeCancelled, NodeSkipped, NodeBlocked:
		return true
	}
	return false
}

// NodeRun identifies the run started for a dispatched node.
type NodeRun struct {
	RunID   string `json:"runId"`
	JobID   string `json:"jobId,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

// Runner starts node runs. The daemon backs it with the run manager and
// executor. StartNodeRun is called with the service lock held and must not
// call back into the service.
type Runner interface {
	StartNodeRun(ctx context.Context, wf *Workflow, node *Node) (NodeRun, error)
	// RunStatus reports the current status of a started run. It closes the
	// window where a run finishes before the orchestrator's bus
	// subscription attaches.
	RunStatus(runID string) (runs.Status, bool)
}

// Options tune a single orchestration. Nil pointer fields take their
// defaults: failFast and respectDependencies are on unless disabled.
type Options struct {
	// NodeIDs restricts execution to a subset. Nil means every node; an
	// explicit empty list seeds nothing.
	NodeIDs             []string `json:"nodeIds,omitempty"`
	IncludeDisabled     bool     `json:"includeDisabled,omitempty"`
	AllowConcurrent     bool     `json:"allowConcurrent,omitempty"`
	MaxParallel         int      `json:"maxParallel,omitempty"`
	FailFast            *bool    `json:"failFast,omitempty"`
	RespectDependencies *bool    `json:"respectDependencies,omitempty"`
}

// NodeState tracks one node through an orchestration.
type NodeState struct {
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	RunID       string    `json:"runId,omitempty"`
	JobID       string    `json:"jobId,omitempty"`
	AgentID     string    `json:"agentId,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// Orchestration is one execution of a workflow over the run manager. It is
// pinned to the workflow version it started against; later edits don't
// affect it.
type Orchestration struct {
	ID              string                `json:"id"`
	WorkflowID      string                `json:"workflowId"`
	WorkflowVersion int                   `json:"workflowVersion"`
	Status          string                `json:"status"`
	Nodes           map[string]*NodeState `json:"nodes"`
	StartedAt       time.Time             `json:"startedAt"`
	CompletedAt     time.Time             `json:"completedAt,omitempty"`

	// Runtime bookkeeping, owned by the service and absent from clones.
	wf              *Workflow
	order           []string // seeded node ids in declaration order
	deps            map[string][]string
	children        map[string][]string
	ready           []string
	runToNode       map[string]string
	unsubs          map[string]func()
	running         int
	maxParallel     int
	failFast        bool
	allowConcurrent bool
}

// Clone returns a snapshot safe to hand to callers.
func (o *Orchestration) Clone() *Orchestration {
	cp := &Orchestration{
		ID:              o.ID,
		WorkflowID:      o.WorkflowID,
		WorkflowVersion: o.WorkflowVersion,
		Status:          o.Status,
		Nodes:           make(map[string]*NodeState, len(o.Nodes)),
		StartedAt:       o.StartedAt,
		CompletedAt:     o.CompletedAt,
	}
	for id, ns := range o.Nodes {
		c := *ns
		cp.Nodes[id] = &c
	}
	return cp
}

// Execute starts an orchestration of the workflow and returns its snapshot.
// Progress past the first dispatch wave is event-driven; poll Orchestration
// for the outcome.
func (s *Service) Execute(ctx context.Context, workflowID string, opts Options) (*Orchestration, error) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return nil, ErrPaused
	}
	wf, ok := s.workflows[workflowID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrWorkflowNotFound
	}
	snapshot := wf.Clone()
	s.mu.Unlock()

	// Context files must exist before the first node runs in the
	// workspace.
	if snapshot.WorkspaceDir != "" {
		if err := PrepareWorkspace(snapshot.WorkspaceDir); err != nil {
			return nil, fmt.Errorf("prepare workspace: %w", err)
		}
	}

	orch := s.seed(snapshot, opts)
	slog.Info("swarm: orchestration started",
		"id", orch.ID, "workflow", workflowID, "seeded", len(orch.order), "maxParallel", orch.maxParallel)

	s.mu.Lock()
	s.orchestrations = append(s.orchestrations, orch)
	s.trimHistoryLocked()
	s.dispatchLocked(ctx, orch)
	s.checkTerminationLocked(orch)
	out := orch.Clone()
	s.mu.Unlock()
	return out, nil
}

// Orchestration returns a snapshot of one orchestration.
func (s *Service) Orchestration(id string) (*Orchestration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, orch := range s.orchestrations {
		if orch.ID == id {
			return orch.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrOrchestrationNotFound, id)
}

// Orchestrations returns history snapshots, newest first. A workflow id
// filters to that workflow; empty returns everything.
func (s *Service) Orchestrations(workflowID string) []*Orchestration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Orchestration
	for i := len(s.orchestrations) - 1; i >= 0; i-- {
		orch := s.orchestrations[i]
		if workflowID != "" && orch.WorkflowID != workflowID {
			continue
		}
		out = append(out, orch.Clone())
	}
	return out
}

// seed builds the orchestration: requested nodes become pending or skipped,
// the dependency graph is restricted to nodes that will actually run, and
// dependency-free nodes enter the ready queue in declaration order.
func (s *Service) seed(wf *Workflow, opts Options) *Orchestration {
	failFast := opts.FailFast == nil || *opts.FailFast
	respectDeps := opts.RespectDependencies == nil || *opts.RespectDependencies
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = s.maxParallel
	}
	if maxParallel > MaxParallelCap {
		maxParallel = MaxParallelCap
	}

	orch := &Orchestration{
		ID:              "orch_" + uuid.NewString()[:8],
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          OrchestrationRunning,
		Nodes:           make(map[string]*NodeState),
		StartedAt:       s.now(),
		wf:              wf,
		deps:            make(map[string][]string),
		children:        make(map[string][]string),
		runToNode:       make(map[string]string),
		unsubs:          make(map[string]func()),
		maxParallel:     maxParallel,
		failFast:        failFast,
		allowConcurrent: opts.AllowConcurrent,
	}

	requested := make(map[string]bool)
	if opts.NodeIDs == nil {
		for _, n := range wf.Nodes {
			requested[n.ID] = true
		}
	} else {
		for _, id := range opts.NodeIDs {
			if wf.node(id) == nil {
				if _, dup := orch.Nodes[id]; !dup {
					orch.Nodes[id] = &NodeState{Status: NodeSkipped, Reason: "node not found"}
				}
				continue
			}
			requested[id] = true
		}
	}

	for _, n := range wf.Nodes {
		if !requested[n.ID] {
			continue
		}
		if !n.Enabled && !opts.IncludeDisabled {
			orch.Nodes[n.ID] = &NodeState{Status: NodeSkipped, Reason: "node is disabled"}
			continue
		}
		orch.Nodes[n.ID] = &NodeState{Status: NodePending}
		orch.order = append(orch.order, n.ID)
	}

	seeded := make(map[string]bool, len(orch.order))
	for _, id := range orch.order {
		seeded[id] = true
	}
	if respectDeps {
		for _, e := range wf.Edges {
			if seeded[e.From] && seeded[e.To] {
				orch.deps[e.To] = append(orch.deps[e.To], e.From)
				orch.children[e.From] = append(orch.children[e.From], e.To)
			}
		}
	}
	for _, id := range orch.order {
		if len(orch.deps[id]) == 0 {
			orch.ready = append(orch.ready, id)
		}
	}
	return orch
}

// dispatchLocked drains the ready queue up to the parallelism bound.
// Caller must hold s.mu.
func (s *Service) dispatchLocked(ctx context.Context, orch *Orchestration) {
	for orch.Status == OrchestrationRunning && !s.paused &&
		len(orch.ready) > 0 && orch.running < orch.maxParallel {

		id := orch.ready[0]
		orch.ready = orch.ready[1:]
		ns := orch.Nodes[id]
		if ns == nil || ns.Status != NodePending {
			continue
		}

		key := orch.WorkflowID + "/" + id
		if !orch.allowConcurrent {
			if active, ok := s.activeNode[key]; ok {
				s.finishNodeLocked(orch, id, NodeSkipped, "node has active run "+active)
				continue
			}
		}

		started, err := s.runner.StartNodeRun(ctx, orch.wf, orch.wf.node(id))
		if err != nil {
			slog.Warn("swarm: node dispatch failed", "orchestration", orch.ID, "node", id, "error", err)
			s.finishNodeLocked(orch, id, NodeFailed, fmt.Sprintf("start run: %v", err))
			continue
		}

		ns.Status = NodeRunning
		ns.RunID = started.RunID
		ns.JobID = started.JobID
		ns.AgentID = started.AgentID
		ns.StartedAt = s.now()
		orch.running++
		orch.runToNode[started.RunID] = id
		s.activeNode[key] = started.RunID
		s.watchLocked(ctx, orch, started.RunID)
	}
}

// watchLocked subscribes to the run's terminal status change, then probes
// once for runs that finished before the subscription attached. Caller must
// hold s.mu.
func (s *Service) watchLocked(ctx context.Context, orch *Orchestration, runID string) {
	if s.bus != nil {
		orch.unsubs[runID] = s.bus.OnRun(runID, func(env events.Envelope) {
			if env.Type != events.EventStatusChanged {
				return
			}
			p, ok := events.GetStatusChangedPayload(env)
			if !ok {
				return
			}
			to := runs.Status(p.To)
			if !to.IsTerminal() {
				return
			}
			s.mu.Lock()
			s.resolveRunLocked(context.Background(), orch, runID, to)
			s.mu.Unlock()
		})
	}
	if st, ok := s.runner.RunStatus(runID); ok && st.IsTerminal() {
		s.resolveRunLocked(ctx, orch, runID, st)
	}
}

// resolveRunLocked folds a terminal run status back into its node and moves
// the orchestration forward. Caller must hold s.mu.
func (s *Service) resolveRunLocked(ctx context.Context, orch *Orchestration, runID string, to runs.Status) {
	nodeID, ok := orch.runToNode[runID]
	if !ok {
		return
	}
	ns := orch.Nodes[nodeID]
	if ns == nil || ns.Status != NodeRunning {
		return
	}

	status := NodeFailed
	switch to {
	case runs.StatusCompleted:
		status = NodeCompleted
	case runs.StatusCancelled:
		status = NodeCancelled
	}
	s.finishNodeLocked(orch, nodeID, status, "")

	s.dispatchLocked(ctx, orch)
	s.checkTerminationLocked(orch)
}

// finishNodeLocked moves a node to a terminal state, releases its run
// bookkeeping, and resolves downstream nodes. Caller must hold s.mu.
func (s *Service) finishNodeLocked(orch *Orchestration, nodeID, status, reason string) {
	ns := orch.Nodes[nodeID]
	prev := ns.Status
	ns.Status = status
	ns.Reason = reason
	ns.CompletedAt = s.now()

	if prev == NodeRunning {
		orch.running--
	}
	if ns.RunID != "" {
		if unsub := orch.unsubs[ns.RunID]; unsub != nil {
			unsub()
			delete(orch.unsubs, ns.RunID)
		}
		delete(orch.runToNode, ns.RunID)
		key := orch.WorkflowID + "/" + nodeID
		if s.activeNode[key] == ns.RunID {
			delete(s.activeNode, key)
		}
	}

	if status == NodeCompleted {
		s.resolveChildrenLocked(orch, nodeID)
		return
	}

	if orch.failFast {
		// One bad dependency poisons the rest of the orchestration.
		blocked := fmt.Sprintf("dependency %s did not complete successfully", nodeID)
		for _, id := range orch.order {
			if st := orch.Nodes[id]; st.Status == NodePending {
				st.Status = NodeBlocked
				st.Reason = blocked
				st.CompletedAt = s.now()
			}
		}
		orch.ready = nil
		return
	}
	s.resolveChildrenLocked(orch, nodeID)
}

// resolveChildrenLocked enqueues children whose dependencies all completed
// and blocks the ones with a failed dependency. Blocking is terminal, so it
// cascades. Caller must hold s.mu.
func (s *Service) resolveChildrenLocked(orch *Orchestration, nodeID string) {
	for _, child := range orch.children[nodeID] {
		cs := orch.Nodes[child]
		if cs == nil || cs.Status != NodePending {
			continue
		}

		allTerminal := true
		failedDep := ""
		for _, dep := range orch.deps[child] {
			ds := orch.Nodes[dep]
			if !nodeTerminal(ds.Status) {
				allTerminal = false
				break
			}
			if ds.Status != NodeCompleted && failedDep == "" {
				failedDep = dep
			}
		}
		if !allTerminal {
			continue
		}
		if failedDep == "" {
			orch.ready = append(orch.ready, child)
			continue
		}
		cs.Status = NodeBlocked
		cs.Reason = fmt.Sprintf("dependency %s did not complete successfully", failedDep)
		cs.CompletedAt = s.now()
		s.resolveChildrenLocked(orch, child)
	}
}

// checkTerminationLocked settles the orchestration once every seeded node
// is terminal. Caller must hold s.mu.
func (s *Service) checkTerminationLocked(orch *Orchestration) {
	if orch.Status != OrchestrationRunning {
		return
	}
	anyBad := false
	for _, id := range orch.order {
		switch orch.Nodes[id].Status {
		case NodeFailed, NodeCancelled:
			anyBad = true
		case NodeCompleted, NodeSkipped, NodeBlocked:
		default:
			return
		}
	}

	if anyBad {
		orch.Status = OrchestrationFailed
	} else {
		orch.Status = OrchestrationCompleted
	}
	orch.CompletedAt = s.now()
	for runID, unsub := range orch.unsubs {
		unsub()
		delete(orch.unsubs, runID)
	}
	slog.Info("swarm: orchestration finished",
		"id", orch.ID, "workflow", orch.WorkflowID, "status", orch.Status)
}

// trimHistoryLocked drops the oldest finished orchestrations over the
// history bound. Running ones are never dropped. Caller must hold s.mu.
func (s *Service) trimHistoryLocked() {
	for len(s.orchestrations) > s.historyMax {
		dropped := false
		for i, orch := range s.orchestrations {
			if orch.Status != OrchestrationRunning {
				s.orchestrations = append(s.orchestrations[:i], s.orchestrations[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			return
		}
	}
}
