// Package mcp exposes the tool registry over the Model Context Protocol so
// external MCP clients drive the same tools the chat loop binds.
package mcp

import (
	"sort"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nrn-labs/undoable/internal/tools"
)

// manifestToMCPTool converts a tool manifest to an mcp.Tool with JSON Schema.
func manifestToMCPTool(m *tools.Manifest) *mcpsdk.Tool {
	props := make(map[string]any, len(m.Params))
	var required []string

	for name, p := range m.Params {
		props[name] = paramSchema(p)
		if p.Required {
			required = append(required, name)
		}
	}

	// Sort required for deterministic output
	sort.Strings(required)

	inputSchema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		inputSchema["required"] = required
	}

	return &mcpsdk.Tool{
		Name:        m.Name,
		Description: m.Description,
		InputSchema: inputSchema,
	}
}

func paramSchema(p tools.ParamSpec) map[string]any {
	prop := map[string]any{
		"type":        p.Type,
		"description": p.Description,
	}
	if len(p.Enum) > 0 {
		prop["enum"] = p.Enum
	}
	if p.Items != nil {
		prop["items"] = paramSchema(*p.Items)
	}
	return prop
}
