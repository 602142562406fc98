package events

import (
	"testing"
)

func TestTypedEmit_ToolCall(t *testing.T) {
	bus := NewBus(8)
	payload := ToolCallPayload{
		CallID: "call_1",
		Name:   "fs.write",
		Args:   map[string]any{"path": "notes.md"},
	}
	env := bus.EmitTyped("run_1", payload, ActorSystem)

	if env.Type != EventToolCall {
		t.Fatalf("expected type %q, got %q", EventToolCall, env.Type)
	}
	got, ok := ExtractPayload[ToolCallPayload](env)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.Name != "fs.write" {
		t.Fatalf("expected name %q, got %q", "fs.write", got.Name)
	}
	if got.Args["path"] != "notes.md" {
		t.Fatalf("expected args[path]=%q, got %v", "notes.md", got.Args["path"])
	}
}

func TestTypedEmit_StatusChanged(t *testing.T) {
	bus := NewBus(8)
	payload := StatusChangedPayload{From: "created", To: "planning"}
	env := bus.EmitTyped("run_1", payload, ActorSystem)

	if env.Type != EventStatusChanged {
		t.Fatalf("expected type %q, got %q", EventStatusChanged, env.Type)
	}
	got, ok := GetStatusChangedPayload(env)
	if !ok {
		t.Fatal("GetStatusChangedPayload returned false")
	}
	if got.From != "created" || got.To != "planning" {
		t.Fatalf("expected created->planning, got %s->%s", got.From, got.To)
	}
	if got.Paused != nil {
		t.Fatal("expected paused unset for a plain transition")
	}
}

func TestTypedEmit_ApprovalRequested(t *testing.T) {
	bus := NewBus(8)
	payload := ApprovalRequestedPayload{
		ApprovalID: "ap_123",
		ToolName:   "exec.command",
		Category:   "exec",
		Args:       map[string]any{"command": "ls"},
	}
	env := bus.EmitTyped("run_1", payload, ActorUser)

	got, ok := GetApprovalRequestedPayload(env)
	if !ok {
		t.Fatal("GetApprovalRequestedPayload returned false")
	}
	if got.ApprovalID != "ap_123" {
		t.Fatalf("expected approvalId %q, got %q", "ap_123", got.ApprovalID)
	}
	if got.Category != "exec" {
		t.Fatalf("expected category %q, got %q", "exec", got.Category)
	}
	if env.Actor != ActorUser {
		t.Fatalf("expected actor %q, got %q", ActorUser, env.Actor)
	}
}

func TestTypedEmit_Warning(t *testing.T) {
	bus := NewBus(8)
	payload := WarningPayload{
		Code:    WarnUndoGuaranteeBlocked,
		Message: "fs.delete is not undoable under the strict policy",
	}
	env := bus.EmitTyped("run_1", payload, ActorSystem)

	got, ok := GetWarningPayload(env)
	if !ok {
		t.Fatal("GetWarningPayload returned false")
	}
	if got.Code != WarnUndoGuaranteeBlocked {
		t.Fatalf("expected code %q, got %q", WarnUndoGuaranteeBlocked, got.Code)
	}
}

func TestExtractPayload_WrongType(t *testing.T) {
	bus := NewBus(8)
	env := bus.EmitTyped("run_1", LLMTokenPayload{Content: "hi"}, "")

	// Extraction succeeds (JSON round-trip) but fields are zero-valued.
	got, ok := ExtractPayload[ToolCallPayload](env)
	if !ok {
		t.Fatal("ExtractPayload should succeed even for mismatched types")
	}
	if got.Name != "" {
		t.Fatalf("expected empty name for wrong type extraction, got %q", got.Name)
	}
}
