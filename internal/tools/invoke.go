package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/events"
)

// busResultCap bounds how much tool output rides on a bus envelope. Run
// event logs persist envelopes; full outputs belong to the chat transcript.
const busResultCap = 2048

// Call identifies one tool invocation.
type Call struct {
	ID   string // model-assigned tool call id, may be empty
	Name string
	Args string // raw JSON arguments
}

// Result is the outcome of a call after the middleware chain. A failure at
// any stage lands in Err; nothing escapes as a Go error to the chat loop.
type Result struct {
	Content  string        // tool output on success
	Err      string        // failure message from any stage
	Code     string        // warning code for policy and approval refusals
	ActionID string        // action log record id, when one was appended
	Duration time.Duration // execution time, zero for pre-execution refusals
}

// OK reports whether the call executed cleanly.
func (r Result) OK() bool { return r.Err == "" }

// Payload is what goes into the tool-role message: the output on success,
// a structured {"error": ...} value otherwise.
func (r Result) Payload() string {
	if r.Err == "" {
		return r.Content
	}
	data, _ := json.Marshal(map[string]string{"error": r.Err})
	return string(data)
}

// Invoke runs the middleware chain for one call: undo guarantee, security
// policy, approval gate, pre-action record, execution, finalization.
func (r *Registry) Invoke(ctx context.Context, call Call) Result {
	t, ok := r.Lookup(call.Name)
	if !ok {
		return Result{Err: fmt.Sprintf("unknown tool %q", call.Name)}
	}
	m := t.Manifest()

	args, err := decodeArgs(call.Args)
	if err != nil {
		return Result{Err: fmt.Sprintf("%s: %v", call.Name, err)}
	}

	runID := events.RunIDFromContext(ctx)
	workDir := events.WorkDirFromContext(ctx)

	// Irreversible mutate/exec calls are refused before anything runs,
	// unless the user armed a one-shot release for this tool.
	if sideEffecting(m.Category) && !m.Undoable && !r.policy.AllowsIrreversible() {
		if !r.consumeAllowOnce(call.Name) {
			msg := fmt.Sprintf("tool %q is irreversible and blocked; arm allow-once to release a single call", call.Name)
			r.warn(runID, events.WarnUndoGuaranteeBlocked, msg)
			return Result{Err: msg, Code: events.WarnUndoGuaranteeBlocked}
		}
	}

	if err := r.policy.CheckCall(m, args, workDir); err != nil {
		r.warn(runID, events.WarnPolicyBlocked, err.Error())
		return Result{Err: err.Error(), Code: events.WarnPolicyBlocked}
	}

	state := r.gate.RequestApproval(ctx, call.Name, m.Category, args, m.Description)
	if state == actions.ApprovalDenied {
		rec := r.log.RecordDenied(runID, call.Name, m.Category, args, "approval denied")
		msg := fmt.Sprintf("tool %q was denied approval", call.Name)
		r.warn(runID, events.WarnApprovalDenied, msg)
		return Result{Err: msg, Code: events.WarnApprovalDenied, ActionID: rec.ID}
	}

	rec := r.log.Append(runID, call.Name, m.Category, args, m.Undoable, state)

	if r.bus != nil {
		r.bus.EmitTyped(runID, events.ToolCallPayload{
			CallID: call.ID,
			Name:   call.Name,
			Args:   args,
		}, events.ActorSystem)
	}

	// The inverse is captured before execution, while the pre-call state
	// is still there to read.
	var inverse *actions.Inverse
	if rev, ok := t.(Reversible); ok && m.Undoable {
		payload, err := rev.CaptureInverse(ctx, args)
		if err != nil {
			slog.Warn("inverse capture failed", "tool", call.Name, "error", err)
		} else if payload != nil {
			inverse = &actions.Inverse{Tool: call.Name, Payload: payload}
		}
	}

	start := time.Now()
	output, execErr := t.InvokableRun(ctx, call.Args)
	duration := time.Since(start)

	if execErr == nil && inverse == nil && m.Undoable {
		if oi, ok := t.(OutputInverser); ok {
			payload, err := oi.InverseFromOutput(ctx, args, output)
			if err != nil {
				slog.Warn("inverse derivation failed", "tool", call.Name, "error", err)
			} else if payload != nil {
				inverse = &actions.Inverse{Tool: call.Name, Payload: payload}
			}
		}
	}

	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
		// A failed call is not a completed effect; its inverse is void.
		inverse = nil
	}
	if _, err := r.log.Finalize(rec.ID, duration.Milliseconds(), errMsg, inverse); err != nil {
		slog.Warn("action finalize failed", "action_id", rec.ID, "error", err)
	}

	if r.bus != nil {
		r.bus.EmitTyped(runID, events.ToolResultPayload{
			CallID:     call.ID,
			Name:       call.Name,
			Result:     truncate(output, busResultCap),
			Error:      errMsg,
			DurationMs: duration.Milliseconds(),
		}, events.ActorSystem)
	}

	if execErr != nil {
		return Result{Err: errMsg, ActionID: rec.ID, Duration: duration}
	}
	return Result{Content: output, ActionID: rec.ID, Duration: duration}
}

// sideEffecting reports whether the category falls under the undo guarantee.
func sideEffecting(c actions.Category) bool {
	return c == actions.CategoryMutate || c == actions.CategoryExec
}

func (r *Registry) warn(runID, code, message string) {
	if r.bus == nil {
		return
	}
	r.bus.EmitTyped(runID, events.WarningPayload{Code: code, Message: message}, events.ActorSystem)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
