package swarm

import (
	"fmt"
	"os"
	"path/filepath"
)

// workspaceSeeds is the fixed set of context files every workflow workspace
// starts with. Existing files are never overwritten; agents own their
// content after the first orchestration.
var workspaceSeeds = map[string]string{
	"ENTRY_POINT.md": `# Entry Point

Start here. Read AGENTS.md for the role map, SPEC.md for what this
workspace builds, and RUNBOOK.md before touching anything operational.
`,
	"AGENTS.md": `# Agents

Roles working in this workspace and how they hand off to each other.
See infra/ for the per-role briefs.
`,
	"SPEC.md": `# Spec

What this workspace is building. Keep requirements here; decisions go to
DECISIONS.md.
`,
	"DECISIONS.md": `# Decisions

Append-only record. One entry per decision: date, what was decided, why.
`,
	"RUNBOOK.md": `# Runbook

Operational procedures for this workspace. Update after every incident.
`,
	"INSTRUCTIONS.md": `# Instructions

Standing instructions for all agents in this workspace.
`,
	"README.md": `# Workspace

Managed workspace. ENTRY_POINT.md is the front door.
`,
	"infra/root-planner.md": `# Root Planner

Owns the top-level plan: break the goal into tracks, assign them, and
keep SPEC.md honest.
`,
	"infra/subplanner.md": `# Subplanner

Breaks an assigned track into worker-sized tasks with explicit
acceptance criteria.
`,
	"infra/worker.md": `# Worker

Executes one task at a time. Record outcomes; surface blockers instead
of working around them.
`,
	"infra/reconciler.md": `# Reconciler

Merges parallel work, resolves conflicts, and keeps DECISIONS.md in
sync with what actually shipped.
`,
}

// PrepareWorkspace ensures dir exists and seeds the fixed context files,
// writing each only when missing.
func PrepareWorkspace(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, "infra"), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	for name, content := range workspaceSeeds {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("probe %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}
