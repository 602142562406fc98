// Package tools provides the tool registry and the built-in tool set.
//
// Every call goes through a middleware chain: security policy, approval
// gate, pre-action record, execution, finalization. Failures come back as
// structured {"error": ...} results so the chat loop can hand them to the
// model instead of aborting the turn.
package tools

import (
	"context"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/nrn-labs/undoable/internal/actions"
)

// Tool is an invokable tool plus the metadata the middleware chain needs.
type Tool interface {
	tool.InvokableTool

	// Manifest describes the tool: name, category, undoability, parameters.
	Manifest() *Manifest
}

// Reversible is implemented by tools whose effect can be undone. The
// inverse is captured before execution so the pre-state is still there to
// read, and applied later when the action log walks its undo list.
type Reversible interface {
	Tool

	// CaptureInverse inspects the pre-call state and returns the payload
	// ApplyInverse needs to restore it. Returning nil, nil defers to
	// InverseFromOutput for tools whose inverse depends on the outcome.
	CaptureInverse(ctx context.Context, args map[string]any) (map[string]any, error)

	// ApplyInverse reverses a previous call using a captured payload.
	ApplyInverse(ctx context.Context, payload map[string]any) error
}

// OutputInverser is an optional refinement of Reversible for tools whose
// inverse is only known after the call, creations in particular: the
// inverse removes what the call made, and the call's output names it.
type OutputInverser interface {
	Reversible

	// InverseFromOutput derives the inverse payload from a successful
	// call's arguments and serialized output.
	InverseFromOutput(ctx context.Context, args map[string]any, output string) (map[string]any, error)
}

// Manifest describes a tool to the registry, the approval gate, and the
// model. Undoable declares the tool's contract; a call that fails to
// capture an inverse is downgraded to non-undoable when finalized.
type Manifest struct {
	Name        string
	Description string
	Category    actions.Category
	Undoable    bool
	Params      map[string]ParamSpec
}

// ParamSpec describes a single tool parameter.
type ParamSpec struct {
	Type        string // "string", "number", "integer", "boolean", "array", "object"
	Description string
	Required    bool
	Enum        []string
	Items       *ParamSpec
}

// ToolInfo converts the manifest into the schema the model binds to.
func (m *Manifest) ToolInfo() *schema.ToolInfo {
	info := &schema.ToolInfo{
		Name: m.Name,
		Desc: m.Description,
	}

	if len(m.Params) > 0 {
		params := make(map[string]*schema.ParameterInfo, len(m.Params))
		for name, p := range m.Params {
			params[name] = paramInfo(p)
		}
		info.ParamsOneOf = schema.NewParamsOneOfByParams(params)
	}

	return info
}

func paramInfo(p ParamSpec) *schema.ParameterInfo {
	info := &schema.ParameterInfo{
		Type:     paramTypeToDataType(p.Type),
		Desc:     p.Description,
		Required: p.Required,
		Enum:     p.Enum,
	}
	if p.Items != nil {
		info.ElemInfo = paramInfo(*p.Items)
	}
	return info
}

// paramTypeToDataType maps string type names to Eino DataType constants.
func paramTypeToDataType(t string) schema.DataType {
	switch t {
	case "string":
		return schema.String
	case "number":
		return schema.Number
	case "integer":
		return schema.Integer
	case "boolean":
		return schema.Boolean
	case "array":
		return schema.Array
	case "object":
		return schema.Object
	default:
		return schema.String
	}
}
