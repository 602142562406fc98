// Package actions keeps the append-only action log and its undo service.
package actions

import "time"

// Category classifies a tool call's effect.
type Category string

const (
	CategoryRead    Category = "read"
	CategoryMutate  Category = "mutate"
	CategoryExec    Category = "exec"
	CategoryNetwork Category = "network"
)

// ApprovalState records how the approval gate resolved a call.
type ApprovalState string

const (
	ApprovalAuto    ApprovalState = "auto"
	ApprovalGranted ApprovalState = "granted"
	ApprovalDenied  ApprovalState = "denied"
	ApprovalSkipped ApprovalState = "skipped"
)

// Inverse is the opaque payload a tool hands back at call time so the log
// can later ask the same tool to reverse the effect. Only the owning tool
// knows what the payload means.
type Inverse struct {
	Tool    string         `json:"tool"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Record is one entry of the log. Entries are appended, finalized once, and
// never rewritten; undo flips the Undone marker and nothing else.
// Invariant: Undoable implies Inverse is present.
type Record struct {
	ID         string         `json:"id"`
	RunID      string         `json:"runId,omitempty"`
	ToolName   string         `json:"toolName"`
	Category   Category       `json:"category"`
	Args       map[string]any `json:"args,omitempty"`
	Undoable   bool           `json:"undoable"`
	Approval   ApprovalState  `json:"approval"`
	Inverse    *Inverse       `json:"inverse,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	DurationMs int64          `json:"durationMs"`
	Error      string         `json:"error,omitempty"`
	Undone     bool           `json:"undone"`
	UndoneAt   *time.Time     `json:"undoneAt,omitempty"`
}

// reversible reports whether the entry can be undone right now.
func (r *Record) reversible() bool {
	return r.Undoable && !r.Undone && r.Inverse != nil && r.Error == ""
}

// UndoResult is the per-entry outcome of a bulk undo walk.
type UndoResult struct {
	ID       string `json:"id"`
	ToolName string `json:"toolName"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}
