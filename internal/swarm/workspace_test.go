package swarm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPrepareWorkspaceSeedsContextFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	if err := PrepareWorkspace(dir); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	for _, name := range []string{
		"ENTRY_POINT.md", "AGENTS.md", "SPEC.md", "DECISIONS.md",
		"RUNBOOK.md", "INSTRUCTIONS.md", "README.md",
		"infra/root-planner.md", "infra/subplanner.md",
		"infra/worker.md", "infra/reconciler.md",
	} {
		path := filepath.Join(dir, filepath.FromSlash(name))
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("missing seed %s: %v", name, err)
		}
		if len(data) == 0 {
			t.Fatalf("seed %s is empty", name)
		}
	}
}

func TestPrepareWorkspaceNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, "SPEC.md")
	if err := os.WriteFile(custom, []byte("agent-owned content"), 0o644); err != nil {
		t.Fatalf("pre-write: %v", err)
	}

	if err := PrepareWorkspace(dir); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := PrepareWorkspace(dir); err != nil {
		t.Fatalf("second prepare: %v", err)
	}

	data, err := os.ReadFile(custom)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "agent-owned content") {
		t.Fatalf("existing file was overwritten: %q", data)
	}
}
