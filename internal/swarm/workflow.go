// Package swarm composes agent nodes into directed acyclic workflows and
// executes them over the run manager: fan-out bounded by maxParallel,
// dependency resolution on run completion, fail-fast blocking.
package swarm

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for workflow operations.
var (
	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrNodeNotFound          = errors.New("node not found")
	ErrOrchestrationNotFound = errors.New("orchestration not found")
	ErrDuplicateNode         = errors.New("node id already in workflow")
	ErrCycle                 = errors.New("edge set contains a cycle")
)

// Node types.
const (
	TypeTrigger         = "trigger"
	TypeRouter          = "router"
	TypeApprovalGate    = "approval_gate"
	TypeIntegrationTask = "integration_task"
	TypeSkillBuilder    = "skill_builder"
	TypeAgentTask       = "agent_task"
)

var nodeTypes = map[string]bool{
	TypeTrigger:         true,
	TypeRouter:          true,
	TypeApprovalGate:    true,
	TypeIntegrationTask: true,
	TypeSkillBuilder:    true,
	TypeAgentTask:       true,
}

// Schedule kinds for nodes. manual and dependency nodes never mirror into
// the scheduler; cron/every/at do.
const (
	ScheduleManual     = "manual"
	ScheduleDependency = "dependency"
	ScheduleCron       = "cron"
	ScheduleEvery      = "every"
	ScheduleAt         = "at"
)

// NodeSchedule describes when a node fires outside of dependency flow.
type NodeSchedule struct {
	Kind  string `json:"kind"`
	Cron  string `json:"cron,omitempty"`
	Every int64  `json:"every,omitempty"` // milliseconds
	At    int64  `json:"at,omitempty"`    // unix milliseconds
}

func (s NodeSchedule) validate() error {
	switch s.Kind {
	case "", ScheduleManual, ScheduleDependency:
		return nil
	case ScheduleCron:
		if s.Cron == "" {
			return errors.New("cron schedule needs an expression")
		}
	case ScheduleEvery:
		if s.Every <= 0 {
			return errors.New("every schedule needs a positive interval")
		}
	case ScheduleAt:
		if s.At <= 0 {
			return errors.New("at schedule needs a timestamp")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Mirrored reports whether this schedule gets a scheduler job.
func (s NodeSchedule) Mirrored() bool {
	switch s.Kind {
	case ScheduleCron, ScheduleEvery, ScheduleAt:
		return true
	}
	return false
}

// Node is one unit of work in a workflow.
type Node struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	Prompt    string       `json:"prompt,omitempty"`
	AgentID   string       `json:"agentId,omitempty"`
	SkillRefs []string     `json:"skillRefs,omitempty"`
	Schedule  NodeSchedule `json:"schedule"`
	Enabled   bool         `json:"enabled"`
	// JobID points at the scheduler job mirroring a cron/every/at schedule.
	JobID string `json:"jobId,omitempty"`
}

func (n *Node) validate() error {
	if n.Name == "" {
		return errors.New("node name is required")
	}
	if !nodeTypes[n.Type] {
		return fmt.Errorf("unknown node type %q", n.Type)
	}
	return n.Schedule.validate()
}

// Edge is a directed dependency: To runs after From completed.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// Workflow is a named DAG of nodes. Version strictly increases on every
// structural change; orchestrations record the version they ran against.
type Workflow struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	OrchestratorAgentID string    `json:"orchestratorAgentId,omitempty"`
	WorkspaceDir        string    `json:"workspaceDir,omitempty"`
	Enabled             bool      `json:"enabled"`
	Version             int       `json:"version"`
	Nodes               []*Node   `json:"nodes"`
	Edges               []Edge    `json:"edges"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers cannot mutate service-owned state.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Nodes = make([]*Node, len(w.Nodes))
	for i, n := range w.Nodes {
		nc := *n
		if n.SkillRefs != nil {
			nc.SkillRefs = append([]string(nil), n.SkillRefs...)
		}
		cp.Nodes[i] = &nc
	}
	cp.Edges = append([]Edge(nil), w.Edges...)
	return &cp
}

func (w *Workflow) node(id string) *Node {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// validate checks the workflow invariants: unique node ids, edges between
// existing nodes, acyclic edge set.
func (w *Workflow) validate() error {
	seen := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return errors.New("node id is required")
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		seen[n.ID] = true
		if err := n.validate(); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
	}
	for _, e := range w.Edges {
		if !seen[e.From] || !seen[e.To] {
			return fmt.Errorf("edge %s->%s references a missing node", e.From, e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("%w: self edge on %s", ErrCycle, e.From)
		}
	}
	return detectCycle(w.Nodes, w.Edges)
}

// detectCycle runs a three-color depth-first search over the edge set.
func detectCycle(nodes []*Node, edges []Edge) error {
	next := make(map[string][]string, len(nodes))
	for _, e := range edges {
		next[e.From] = append(next[e.From], e.To)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, to := range next[id] {
			switch color[to] {
			case gray:
				return fmt.Errorf("%w: through %s", ErrCycle, to)
			case white:
				if err := visit(to); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// GenerateWorkflowID returns a fresh workflow id.
func GenerateWorkflowID() string {
	return "wf_" + uuid.NewString()[:8]
}

// GenerateNodeID returns a fresh node id.
func GenerateNodeID() string {
	return "node_" + uuid.NewString()[:8]
}
