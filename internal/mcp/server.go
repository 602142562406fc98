package mcp

import (
	"context"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nrn-labs/undoable/internal/tools"
)

// NewServer creates an MCP server exposing the registry's tools. A non-empty
// filter limits exposure to one tool ("fs.write") or one family ("fs").
// Calls still run the registry's middleware chain, so the security policy
// and the action log apply; the caller supplies a gate mode fitting its
// trust level.
func NewServer(reg *tools.Registry, filter, version string) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "undoable",
		Version: version,
	}, nil)

	for _, name := range reg.Names() {
		if !matchesFilter(name, filter) {
			continue
		}
		t, ok := reg.Lookup(name)
		if !ok {
			continue
		}

		toolName := name
		server.AddTool(manifestToMCPTool(t.Manifest()), func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			res := reg.Invoke(ctx, tools.Call{Name: toolName, Args: string(req.Params.Arguments)})
			if !res.OK() {
				slog.Debug("mcp tool error", "tool", toolName, "error", res.Err)
				return &mcpsdk.CallToolResult{
					IsError: true,
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: res.Payload()}},
				}, nil
			}
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: res.Content}},
			}, nil
		})

		slog.Debug("mcp tool registered", "tool", name)
	}

	return server
}

// matchesFilter accepts an exact tool name or a dotted family prefix, so
// "fs" exposes fs.read, fs.write and the rest of the family.
func matchesFilter(toolName, filter string) bool {
	if filter == "" || toolName == filter {
		return true
	}
	return strings.HasPrefix(toolName, filter+".")
}
