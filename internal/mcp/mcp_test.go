package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/approval"
	"github.com/nrn-labs/undoable/internal/events"
	"github.com/nrn-labs/undoable/internal/tools"
)

type fakeTool struct {
	name string
}

func (f *fakeTool) Manifest() *tools.Manifest {
	return &tools.Manifest{
		Name:        f.name,
		Description: "mcp test tool",
		Category:    actions.CategoryRead,
		Params:      map[string]tools.ParamSpec{"q": {Type: "string"}},
	}
}

func (f *fakeTool) Info(context.Context) (*schema.ToolInfo, error) {
	return f.Manifest().ToolInfo(), nil
}

func (f *fakeTool) InvokableRun(context.Context, string, ...tool.Option) (string, error) {
	return `{"ok":true}`, nil
}

func newTestRegistry(t *testing.T, names ...string) *tools.Registry {
	t.Helper()
	bus := events.NewBus(16)
	gate := approval.NewGate(bus, approval.ModeOff, time.Second)
	log := actions.NewLog(nil)
	reg := tools.NewRegistry(bus, gate, log, tools.NewPolicy(tools.LevelPermissive, true, nil))
	for _, name := range names {
		if err := reg.Register(&fakeTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return reg
}

func TestManifestToMCPTool(t *testing.T) {
	m := &tools.Manifest{
		Name:        "notes.search",
		Description: "Search the notes",
		Params: map[string]tools.ParamSpec{
			"query": {Type: "string", Description: "the query", Required: true},
			"limit": {Type: "integer", Description: "result cap"},
			"mode": {Type: "string", Description: "match mode",
				Required: true, Enum: []string{"fuzzy", "exact"}},
			"tags": {Type: "array", Description: "tag filter",
				Items: &tools.ParamSpec{Type: "string"}},
		},
	}

	mcpTool := manifestToMCPTool(m)

	if mcpTool.Name != "notes.search" || mcpTool.Description != "Search the notes" {
		t.Errorf("tool header = %s / %s", mcpTool.Name, mcpTool.Description)
	}

	// The schema must survive a JSON round trip as a proper object schema.
	data, err := json.Marshal(mcpTool.InputSchema)
	if err != nil {
		t.Fatalf("marshal InputSchema: %v", err)
	}
	var sch map[string]any
	if err := json.Unmarshal(data, &sch); err != nil {
		t.Fatalf("unmarshal InputSchema: %v", err)
	}

	if sch["type"] != "object" {
		t.Errorf("schema type = %v, want object", sch["type"])
	}
	props, ok := sch["properties"].(map[string]any)
	if !ok || len(props) != 4 {
		t.Fatalf("properties = %v", sch["properties"])
	}

	req, ok := sch["required"].([]any)
	if !ok || len(req) != 2 {
		t.Fatalf("required = %v", sch["required"])
	}
	if req[0] != "mode" || req[1] != "query" {
		t.Errorf("required = %v, want sorted [mode query]", req)
	}

	mode := props["mode"].(map[string]any)
	if enum, ok := mode["enum"].([]any); !ok || len(enum) != 2 {
		t.Errorf("mode enum = %v", mode["enum"])
	}

	tags := props["tags"].(map[string]any)
	items, ok := tags["items"].(map[string]any)
	if !ok || items["type"] != "string" {
		t.Errorf("tags items = %v", tags["items"])
	}
}

func TestManifestToMCPToolNoParams(t *testing.T) {
	mcpTool := manifestToMCPTool(&tools.Manifest{Name: "ping", Description: "Ping"})

	data, _ := json.Marshal(mcpTool.InputSchema)
	var sch map[string]any
	if err := json.Unmarshal(data, &sch); err != nil {
		t.Fatalf("unmarshal InputSchema: %v", err)
	}
	if sch["type"] != "object" {
		t.Errorf("schema type = %v, want object", sch["type"])
	}
	if _, ok := sch["required"]; ok {
		t.Error("required present on a tool with no required params")
	}
}

func TestNewServerExposesRegistry(t *testing.T) {
	reg := newTestRegistry(t, "notes.read", "notes.write", "clock.now")

	if server := NewServer(reg, "", "test"); server == nil {
		t.Fatal("NewServer returned nil")
	}
	if server := NewServer(reg, "notes", "test"); server == nil {
		t.Fatal("NewServer with family filter returned nil")
	}
}

func TestMatchesFilter(t *testing.T) {
	cases := []struct {
		tool, filter string
		want         bool
	}{
		{"fs.write", "", true},
		{"fs.write", "fs.write", true},
		{"fs.write", "fs", true},
		{"fs.write", "fsx", false},
		{"fsx.write", "fs", false},
		{"fs.write", "exec", false},
	}
	for _, c := range cases {
		if got := matchesFilter(c.tool, c.filter); got != c.want {
			t.Errorf("matchesFilter(%q, %q) = %v, want %v", c.tool, c.filter, got, c.want)
		}
	}
}
