package swarm

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Workflow definitions travel as YAML for import/export. The document
// carries only the definition; ids, versions, and mirror jobs are assigned
// on import.

type workflowDoc struct {
	Name                string    `yaml:"name"`
	OrchestratorAgentID string    `yaml:"orchestratorAgentId,omitempty"`
	WorkspaceDir        string    `yaml:"workspaceDir,omitempty"`
	Enabled             *bool     `yaml:"enabled,omitempty"`
	Nodes               []nodeDoc `yaml:"nodes"`
	Edges               []edgeDoc `yaml:"edges,omitempty"`
}

type nodeDoc struct {
	ID        string       `yaml:"id"`
	Name      string       `yaml:"name"`
	Type      string       `yaml:"type"`
	Prompt    string       `yaml:"prompt,omitempty"`
	AgentID   string       `yaml:"agentId,omitempty"`
	SkillRefs []string     `yaml:"skillRefs,omitempty"`
	Schedule  *scheduleDoc `yaml:"schedule,omitempty"`
	Enabled   *bool        `yaml:"enabled,omitempty"`
}

type scheduleDoc struct {
	Kind  string `yaml:"kind"`
	Cron  string `yaml:"cron,omitempty"`
	Every int64  `yaml:"every,omitempty"`
	At    int64  `yaml:"at,omitempty"`
}

type edgeDoc struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Condition string `yaml:"condition,omitempty"`
}

// ImportYAML parses a workflow definition and registers it. Node ids from
// the document are kept so edges can reference them; enabled flags default
// to true.
func (s *Service) ImportYAML(data []byte) (*Workflow, error) {
	var doc workflowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}

	wf := &Workflow{
		Name:                doc.Name,
		OrchestratorAgentID: doc.OrchestratorAgentID,
		WorkspaceDir:        doc.WorkspaceDir,
		Enabled:             doc.Enabled == nil || *doc.Enabled,
	}
	for _, nd := range doc.Nodes {
		n := &Node{
			ID:        nd.ID,
			Name:      nd.Name,
			Type:      nd.Type,
			Prompt:    nd.Prompt,
			AgentID:   nd.AgentID,
			SkillRefs: nd.SkillRefs,
			Enabled:   nd.Enabled == nil || *nd.Enabled,
		}
		if nd.Schedule != nil {
			n.Schedule = NodeSchedule{
				Kind:  nd.Schedule.Kind,
				Cron:  nd.Schedule.Cron,
				Every: nd.Schedule.Every,
				At:    nd.Schedule.At,
			}
		}
		wf.Nodes = append(wf.Nodes, n)
	}
	for _, ed := range doc.Edges {
		wf.Edges = append(wf.Edges, Edge{From: ed.From, To: ed.To, Condition: ed.Condition})
	}
	return s.CreateWorkflow(wf)
}

// ExportYAML renders a workflow definition as YAML.
func (s *Service) ExportYAML(id string) ([]byte, error) {
	wf, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	doc := workflowDoc{
		Name:                wf.Name,
		OrchestratorAgentID: wf.OrchestratorAgentID,
		WorkspaceDir:        wf.WorkspaceDir,
	}
	if !wf.Enabled {
		f := false
		doc.Enabled = &f
	}
	for _, n := range wf.Nodes {
		nd := nodeDoc{
			ID:        n.ID,
			Name:      n.Name,
			Type:      n.Type,
			Prompt:    n.Prompt,
			AgentID:   n.AgentID,
			SkillRefs: n.SkillRefs,
		}
		if n.Schedule.Kind != "" && n.Schedule.Kind != ScheduleManual {
			nd.Schedule = &scheduleDoc{
				Kind:  n.Schedule.Kind,
				Cron:  n.Schedule.Cron,
				Every: n.Schedule.Every,
				At:    n.Schedule.At,
			}
		}
		if !n.Enabled {
			f := false
			nd.Enabled = &f
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	for _, e := range wf.Edges {
		doc.Edges = append(doc.Edges, edgeDoc{From: e.From, To: e.To, Condition: e.Condition})
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("render workflow yaml: %w", err)
	}
	return out, nil
}
