package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/approval"
	"github.com/nrn-labs/undoable/internal/events"
)

// Registry dispatches tool calls through the middleware chain and answers
// the action log's undo and redo callbacks.
type Registry struct {
	mu        sync.Mutex
	tools     map[string]Tool
	order     []string
	allowOnce map[string]int

	bus    *events.Bus
	gate   *approval.Gate
	log    *actions.Log
	policy *Policy
}

// NewRegistry creates a registry and installs itself as the action log's
// inverse applier and replay function.
func NewRegistry(bus *events.Bus, gate *approval.Gate, log *actions.Log, policy *Policy) *Registry {
	r := &Registry{
		tools:     make(map[string]Tool),
		allowOnce: make(map[string]int),
		bus:       bus,
		gate:      gate,
		log:       log,
		policy:    policy,
	}
	if log != nil {
		log.SetUndoer(r.ApplyInverse)
		log.SetRedoer(r.Replay)
	}
	return r
}

// Register adds a tool. Registering the same definition twice is a no-op;
// a different definition under an existing name is refused.
func (r *Registry) Register(t Tool) error {
	m := t.Manifest()
	if m == nil || m.Name == "" {
		return errors.New("tool manifest must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[m.Name]; ok {
		if reflect.DeepEqual(existing.Manifest(), m) {
			return nil
		}
		return fmt.Errorf("tool %q already registered with a different definition", m.Name)
	}
	r.tools[m.Name] = t
	r.order = append(r.order, m.Name)
	return nil
}

// RegisterTools adds a batch of tools, stopping at the first conflict.
func (r *Registry) RegisterTools(ts ...Tool) error {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// Policy returns the security policy calls are vetted against. Used by
// surfaces that preview a call without executing it.
func (r *Registry) Policy() *Policy {
	return r.policy
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns the tool schemas the chat loop binds to the model,
// in registration order.
func (r *Registry) Definitions() []*schema.ToolInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Manifest().ToolInfo())
	}
	return out
}

// AllowOnce releases the undo guarantee for exactly one subsequent call of
// the named tool.
func (r *Registry) AllowOnce(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowOnce[name]++
}

func (r *Registry) consumeAllowOnce(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.allowOnce[name] <= 0 {
		return false
	}
	r.allowOnce[name]--
	if r.allowOnce[name] == 0 {
		delete(r.allowOnce, name)
	}
	return true
}

// ApplyInverse routes a captured inverse back to its owning tool. The
// action log calls this for every undo.
func (r *Registry) ApplyInverse(ctx context.Context, inv actions.Inverse) error {
	t, ok := r.Lookup(inv.Tool)
	if !ok {
		return fmt.Errorf("inverse owner %q is not registered", inv.Tool)
	}
	rev, ok := t.(Reversible)
	if !ok {
		return fmt.Errorf("tool %q cannot apply inverses", inv.Tool)
	}
	return rev.ApplyInverse(ctx, inv.Payload)
}

// Replay re-executes an original invocation through the full middleware
// chain, so a redo is gated and recorded like a fresh call.
func (r *Registry) Replay(ctx context.Context, toolName string, args map[string]any) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal replay args: %w", err)
	}
	res := r.Invoke(ctx, Call{Name: toolName, Args: string(argsJSON)})
	if res.Err != "" {
		return errors.New(res.Err)
	}
	return nil
}
