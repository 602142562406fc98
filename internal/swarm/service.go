package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nrn-labs/undoable/internal/events"
	"github.com/nrn-labs/undoable/internal/scheduler"
	"github.com/nrn-labs/undoable/internal/storage"
)

const stateVersion = 1

// Defaults for orchestration bounds.
const (
	DefaultMaxParallel = 4
	MaxParallelCap     = 64
	DefaultHistoryMax  = 200
)

// JobKind marks scheduler jobs mirrored from node schedules.
const JobKind = "swarm_node"

// ErrPaused means dispatch is suspended by the operation mode.
var ErrPaused = errors.New("swarm dispatch is paused")

// Config holds service dependencies.
type Config struct {
	Bus       *events.Bus
	Scheduler *scheduler.Scheduler
	Runner    Runner
	Path      string // swarm-state.json; empty disables persistence
	// MaxParallel caps concurrent node runs per orchestration when the
	// caller doesn't ask for a bound. Zero means DefaultMaxParallel.
	MaxParallel int
	// HistoryMax bounds the in-memory orchestration history. Zero means
	// DefaultHistoryMax.
	HistoryMax int
	Now        func() time.Time // nil defaults to time.Now
}

// Service owns workflow definitions and drives their orchestrations. All
// workflow mutations validate the whole graph before committing and bump
// the workflow version.
type Service struct {
	bus         *events.Bus
	sched       *scheduler.Scheduler
	runner      Runner
	path        string
	maxParallel int
	historyMax  int
	now         func() time.Time

	mu             sync.Mutex
	workflows      map[string]*Workflow
	orchestrations []*Orchestration
	// activeNode maps workflowID/nodeID to the run currently executing it,
	// backing the allowConcurrent check across orchestrations.
	activeNode map[string]string
	paused     bool
}

type stateFile struct {
	Version   int         `json:"version"`
	Workflows []*Workflow `json:"workflows"`
	SavedAt   time.Time   `json:"savedAt"`
}

// New creates a Service and loads any persisted workflows.
func New(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	historyMax := cfg.HistoryMax
	if historyMax <= 0 {
		historyMax = DefaultHistoryMax
	}
	s := &Service{
		bus:         cfg.Bus,
		sched:       cfg.Scheduler,
		runner:      cfg.Runner,
		path:        cfg.Path,
		maxParallel: maxParallel,
		historyMax:  historyMax,
		now:         now,
		workflows:   make(map[string]*Workflow),
		activeNode:  make(map[string]string),
	}
	s.load()
	return s
}

// SetPaused suspends node dispatch while true. Running nodes finish; ready
// nodes stay queued and dispatch on resume.
func (s *Service) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	var resume []*Orchestration
	if !paused {
		for _, orch := range s.orchestrations {
			if orch.Status == OrchestrationRunning {
				resume = append(resume, orch)
			}
		}
	}
	for _, orch := range resume {
		s.dispatchLocked(context.Background(), orch)
		s.checkTerminationLocked(orch)
	}
	s.mu.Unlock()
}

// Paused reports whether dispatch is suspended.
func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// CreateWorkflow registers a workflow. Missing ids are generated, the graph
// is validated, and any scheduled nodes get mirrored scheduler jobs.
func (s *Service) CreateWorkflow(wf *Workflow) (*Workflow, error) {
	if wf == nil {
		return nil, errors.New("workflow is required")
	}
	cp := wf.Clone()
	if cp.Name == "" {
		return nil, errors.New("workflow name is required")
	}
	if cp.ID == "" {
		cp.ID = GenerateWorkflowID()
	}
	for _, n := range cp.Nodes {
		if n.ID == "" {
			n.ID = GenerateNodeID()
		}
		n.JobID = ""
	}
	if err := cp.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	cp.Version = 1
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[cp.ID]; exists {
		return nil, fmt.Errorf("workflow %s already exists", cp.ID)
	}
	s.workflows[cp.ID] = cp
	for _, n := range cp.Nodes {
		s.mirrorNodeLocked(cp, n)
	}
	s.persistLocked()

	slog.Info("swarm: workflow created", "id", cp.ID, "name", cp.Name, "nodes", len(cp.Nodes))
	return cp.Clone(), nil
}

// Get returns a copy of a workflow.
func (s *Service) Get(id string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf.Clone(), nil
}

// List returns all workflows sorted by creation time.
func (s *Service) List() []*Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes a workflow and its mirrored scheduler jobs. Orchestration
// history for the workflow is kept.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	for _, n := range wf.Nodes {
		s.unmirrorNodeLocked(n)
	}
	delete(s.workflows, id)
	s.persistLocked()
	slog.Info("swarm: workflow deleted", "id", id)
	return nil
}

// WorkflowPatch carries partial workflow updates. Nil fields are left
// untouched.
type WorkflowPatch struct {
	Name                *string `json:"name,omitempty"`
	OrchestratorAgentID *string `json:"orchestratorAgentId,omitempty"`
	WorkspaceDir        *string `json:"workspaceDir,omitempty"`
	Enabled             *bool   `json:"enabled,omitempty"`
}

// UpdateWorkflow applies a patch, bumps the version, and re-syncs node
// mirrors when the enabled flag changed.
func (s *Service) UpdateWorkflow(id string, patch WorkflowPatch) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, errors.New("workflow name is required")
		}
		wf.Name = *patch.Name
	}
	if patch.OrchestratorAgentID != nil {
		wf.OrchestratorAgentID = *patch.OrchestratorAgentID
	}
	if patch.WorkspaceDir != nil {
		wf.WorkspaceDir = *patch.WorkspaceDir
	}
	if patch.Enabled != nil && *patch.Enabled != wf.Enabled {
		wf.Enabled = *patch.Enabled
		// Disabling a workflow silences its node schedules.
		for _, n := range wf.Nodes {
			s.mirrorNodeLocked(wf, n)
		}
	}
	s.commitLocked(wf)
	return wf.Clone(), nil
}

// AddNode appends a node to the workflow. A missing id is generated.
func (s *Service) AddNode(workflowID string, n *Node) (*Workflow, error) {
	if n == nil {
		return nil, errors.New("node is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}

	nc := *n
	if nc.ID == "" {
		nc.ID = GenerateNodeID()
	}
	nc.JobID = ""
	if nc.SkillRefs != nil {
		nc.SkillRefs = append([]string(nil), n.SkillRefs...)
	}

	wf.Nodes = append(wf.Nodes, &nc)
	if err := wf.validate(); err != nil {
		wf.Nodes = wf.Nodes[:len(wf.Nodes)-1]
		return nil, err
	}
	s.mirrorNodeLocked(wf, &nc)
	s.commitLocked(wf)
	return wf.Clone(), nil
}

// NodePatch carries partial node updates. Nil fields are left untouched.
type NodePatch struct {
	Name      *string       `json:"name,omitempty"`
	Type      *string       `json:"type,omitempty"`
	Prompt    *string       `json:"prompt,omitempty"`
	AgentID   *string       `json:"agentId,omitempty"`
	SkillRefs []string      `json:"skillRefs,omitempty"`
	Schedule  *NodeSchedule `json:"schedule,omitempty"`
	Enabled   *bool         `json:"enabled,omitempty"`
}

// UpdateNode patches a node, re-validating the workflow and refreshing the
// node's scheduler mirror. A failed validation rolls the node back.
func (s *Service) UpdateNode(workflowID, nodeID string, patch NodePatch) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	n := wf.node(nodeID)
	if n == nil {
		return nil, ErrNodeNotFound
	}

	before := *n
	if patch.Name != nil {
		n.Name = *patch.Name
	}
	if patch.Type != nil {
		n.Type = *patch.Type
	}
	if patch.Prompt != nil {
		n.Prompt = *patch.Prompt
	}
	if patch.AgentID != nil {
		n.AgentID = *patch.AgentID
	}
	if patch.SkillRefs != nil {
		n.SkillRefs = append([]string(nil), patch.SkillRefs...)
	}
	if patch.Schedule != nil {
		n.Schedule = *patch.Schedule
	}
	if patch.Enabled != nil {
		n.Enabled = *patch.Enabled
	}
	if err := wf.validate(); err != nil {
		*n = before
		return nil, err
	}
	s.mirrorNodeLocked(wf, n)
	s.commitLocked(wf)
	return wf.Clone(), nil
}

// RemoveNode deletes a node, every edge touching it, and its mirror job.
func (s *Service) RemoveNode(workflowID, nodeID string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	idx := -1
	for i, n := range wf.Nodes {
		if n.ID == nodeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrNodeNotFound
	}

	s.unmirrorNodeLocked(wf.Nodes[idx])
	wf.Nodes = append(wf.Nodes[:idx], wf.Nodes[idx+1:]...)
	kept := wf.Edges[:0]
	for _, e := range wf.Edges {
		if e.From != nodeID && e.To != nodeID {
			kept = append(kept, e)
		}
	}
	wf.Edges = kept
	s.commitLocked(wf)
	return wf.Clone(), nil
}

// AddEdge inserts a dependency edge, rejecting cycles.
func (s *Service) AddEdge(workflowID string, e Edge) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	for _, cur := range wf.Edges {
		if cur.From == e.From && cur.To == e.To {
			return nil, fmt.Errorf("edge %s->%s already exists", e.From, e.To)
		}
	}
	wf.Edges = append(wf.Edges, e)
	if err := wf.validate(); err != nil {
		wf.Edges = wf.Edges[:len(wf.Edges)-1]
		return nil, err
	}
	s.commitLocked(wf)
	return wf.Clone(), nil
}

// RemoveEdge deletes the from->to edge.
func (s *Service) RemoveEdge(workflowID, from, to string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	idx := -1
	for i, e := range wf.Edges {
		if e.From == from && e.To == to {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("edge %s->%s not found", from, to)
	}
	wf.Edges = append(wf.Edges[:idx], wf.Edges[idx+1:]...)
	s.commitLocked(wf)
	return wf.Clone(), nil
}

// commitLocked stamps a structural change and persists. Caller holds s.mu.
func (s *Service) commitLocked(wf *Workflow) {
	wf.Version++
	wf.UpdatedAt = s.now()
	s.persistLocked()
}

// mirrorNodeLocked reconciles the scheduler job backing a node schedule:
// the old job is dropped and a fresh one registered when the node still
// wants one. Caller holds s.mu.
func (s *Service) mirrorNodeLocked(wf *Workflow, n *Node) {
	if s.sched == nil {
		return
	}
	if n.JobID != "" {
		if err := s.sched.Remove(n.JobID); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
			slog.Warn("swarm: remove mirror job", "job", n.JobID, "error", err)
		}
		n.JobID = ""
	}
	if !n.Schedule.Mirrored() || !n.Enabled || !wf.Enabled {
		return
	}

	job := &scheduler.Job{
		Name:        fmt.Sprintf("swarm:%s:%s", wf.ID, n.ID),
		Description: fmt.Sprintf("workflow %q node %q", wf.Name, n.Name),
		Enabled:     true,
		Schedule:    mirrorSchedule(n.Schedule),
		Payload: map[string]any{
			"kind":       JobKind,
			"workflowId": wf.ID,
			"nodeId":     n.ID,
		},
		DeleteAfterRun: n.Schedule.Kind == ScheduleAt,
	}
	added, err := s.sched.Add(job)
	if err != nil {
		slog.Warn("swarm: mirror node schedule", "workflow", wf.ID, "node", n.ID, "error", err)
		return
	}
	n.JobID = added.ID
}

func (s *Service) unmirrorNodeLocked(n *Node) {
	if s.sched == nil || n.JobID == "" {
		return
	}
	if err := s.sched.Remove(n.JobID); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
		slog.Warn("swarm: remove mirror job", "job", n.JobID, "error", err)
	}
	n.JobID = ""
}

func mirrorSchedule(ns NodeSchedule) scheduler.Schedule {
	switch ns.Kind {
	case ScheduleCron:
		return scheduler.Schedule{Cron: ns.Cron}
	case ScheduleEvery:
		return scheduler.Schedule{Every: ns.Every}
	case ScheduleAt:
		return scheduler.Schedule{At: ns.At}
	}
	return scheduler.Schedule{}
}

// HandleJob runs the workflow node a mirrored scheduler job points at. The
// node's downstream closure is seeded so dependents fire after it.
func (s *Service) HandleJob(ctx context.Context, job scheduler.Job) error {
	workflowID, _ := job.Payload["workflowId"].(string)
	nodeID, _ := job.Payload["nodeId"].(string)
	if workflowID == "" || nodeID == "" {
		return fmt.Errorf("job %s carries no workflow reference", job.ID)
	}

	s.mu.Lock()
	wf, ok := s.workflows[workflowID]
	var seed []string
	if ok {
		seed = downstream(wf, nodeID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	_, err := s.Execute(ctx, workflowID, Options{NodeIDs: seed})
	return err
}

// downstream returns nodeID plus its transitive children in declaration
// order.
func downstream(wf *Workflow, nodeID string) []string {
	next := make(map[string][]string, len(wf.Nodes))
	for _, e := range wf.Edges {
		next[e.From] = append(next[e.From], e.To)
	}
	reach := map[string]bool{nodeID: true}
	queue := []string{nodeID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, to := range next[cur] {
			if !reach[to] {
				reach[to] = true
				queue = append(queue, to)
			}
		}
	}
	out := make([]string, 0, len(reach))
	for _, n := range wf.Nodes {
		if reach[n.ID] {
			out = append(out, n.ID)
		}
	}
	return out
}

func (s *Service) load() {
	if s.path == "" {
		return
	}
	var state stateFile
	if err := storage.LoadState(s.path, stateVersion, &state); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("swarm: load workflows state", "path", s.path, "error", err)
		}
		return
	}
	for _, wf := range state.Workflows {
		if wf.ID == "" {
			continue
		}
		s.workflows[wf.ID] = wf
	}
	slog.Info("swarm: workflows restored", "count", len(s.workflows))
}

// persistLocked snapshots all workflows to disk. Caller must hold s.mu.
func (s *Service) persistLocked() {
	if s.path == "" {
		return
	}
	state := stateFile{Version: stateVersion, SavedAt: s.now()}
	state.Workflows = make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		state.Workflows = append(state.Workflows, wf)
	}
	sort.Slice(state.Workflows, func(i, j int) bool { return state.Workflows[i].ID < state.Workflows[j].ID })

	if err := storage.SaveState(s.path, &state); err != nil {
		slog.Error("swarm: persist workflows", "path", s.path, "error", err)
		if s.bus != nil {
			s.bus.EmitTyped("", events.WarningPayload{
				Code:    events.WarnPersistence,
				Message: "swarm state write failed: " + err.Error(),
			}, events.ActorSwarm)
		}
	}
}
