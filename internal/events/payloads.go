package events

import (
	"encoding/json"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// RUN LIFECYCLE
// =============================================================================

type RunCreatedPayload struct {
	Instruction string `json:"instruction"`
	AgentID     string `json:"agentId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	JobID       string `json:"jobId,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

func (RunCreatedPayload) EventType() EventType { return EventRunCreated }

type StatusChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	// Paused is set when the run's paused flag toggled without a status move.
	Paused *bool `json:"paused,omitempty"`
}

func (StatusChangedPayload) EventType() EventType { return EventStatusChanged }

type RunCompletedPayload struct {
	Result     string `json:"result,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

func (RunCompletedPayload) EventType() EventType { return EventRunCompleted }

type RunFailedPayload struct {
	Error string `json:"error"`
}

func (RunFailedPayload) EventType() EventType { return EventRunFailed }

// =============================================================================
// TOOL EXECUTION
// =============================================================================

type ToolCallPayload struct {
	CallID string         `json:"callId,omitempty"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
}

func (ToolCallPayload) EventType() EventType { return EventToolCall }

type ToolResultPayload struct {
	CallID     string `json:"callId,omitempty"`
	Name       string `json:"name"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

func (ToolResultPayload) EventType() EventType { return EventToolResult }

// =============================================================================
// MODEL STREAMING
// =============================================================================

type LLMTokenPayload struct {
	Content  string `json:"content"`
	Thinking bool   `json:"thinking,omitempty"`
}

func (LLMTokenPayload) EventType() EventType { return EventLLMToken }

// =============================================================================
// APPROVALS
// =============================================================================

type ApprovalRequestedPayload struct {
	ApprovalID  string         `json:"approvalId"`
	ToolName    string         `json:"toolName"`
	Category    string         `json:"category"`
	Description string         `json:"description,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
}

func (ApprovalRequestedPayload) EventType() EventType { return EventApprovalRequested }

type ApprovalResolvedPayload struct {
	ApprovalID  string `json:"approvalId"`
	Approved    bool   `json:"approved"`
	AllowAlways bool   `json:"allowAlways,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (ApprovalResolvedPayload) EventType() EventType { return EventApprovalResolved }

// =============================================================================
// WARNINGS
// =============================================================================

type WarningPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (WarningPayload) EventType() EventType { return EventWarning }

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

func ExtractPayload[T EventPayload](e Envelope) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetRunCreatedPayload(e Envelope) (RunCreatedPayload, bool) {
	return ExtractPayload[RunCreatedPayload](e)
}

func GetStatusChangedPayload(e Envelope) (StatusChangedPayload, bool) {
	return ExtractPayload[StatusChangedPayload](e)
}

func GetRunCompletedPayload(e Envelope) (RunCompletedPayload, bool) {
	return ExtractPayload[RunCompletedPayload](e)
}

func GetRunFailedPayload(e Envelope) (RunFailedPayload, bool) {
	return ExtractPayload[RunFailedPayload](e)
}

func GetToolCallPayload(e Envelope) (ToolCallPayload, bool) {
	return ExtractPayload[ToolCallPayload](e)
}

func GetToolResultPayload(e Envelope) (ToolResultPayload, bool) {
	return ExtractPayload[ToolResultPayload](e)
}

func GetLLMTokenPayload(e Envelope) (LLMTokenPayload, bool) {
	return ExtractPayload[LLMTokenPayload](e)
}

func GetApprovalRequestedPayload(e Envelope) (ApprovalRequestedPayload, bool) {
	return ExtractPayload[ApprovalRequestedPayload](e)
}

func GetApprovalResolvedPayload(e Envelope) (ApprovalResolvedPayload, bool) {
	return ExtractPayload[ApprovalResolvedPayload](e)
}

func GetWarningPayload(e Envelope) (WarningPayload, bool) {
	return ExtractPayload[WarningPayload](e)
}
