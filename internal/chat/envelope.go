// Package chat drives one user turn to completion: streamed model output,
// sequential tool batches through the registry, context compaction, and
// drift stabilization. Output is a stream of envelopes the gateway frames
// as SSE.
package chat

import "encoding/json"

// Type identifies the kind of chat envelope.
type Type string

const (
	TypeSessionInfo     Type = "session_info"
	TypeToken           Type = "token"
	TypeThinking        Type = "thinking"
	TypeToolCall        Type = "tool_call"
	TypeToolResult      Type = "tool_result"
	TypeDone            Type = "done"
	TypeWarning         Type = "warning"
	TypeAlignment       Type = "alignment"
	TypeApprovalRequest Type = "approval_request"
)

// Usage is the turn's token consumption as reported by the provider.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Envelope is one frame of the chat stream. Fields are a union over the
// envelope types; unused fields stay empty and drop out of the JSON.
type Envelope struct {
	Type Type `json:"type"`

	// session_info
	SessionID string `json:"sessionId,omitempty"`
	RunID     string `json:"runId,omitempty"`
	Model     string `json:"model,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Economy   bool   `json:"economy,omitempty"`

	// token, thinking, done
	Content string `json:"content,omitempty"`

	// tool_call, tool_result
	CallID     string         `json:"callId,omitempty"`
	Name       string         `json:"name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`

	// warning
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// alignment
	Score     float64 `json:"score,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`

	// done
	Iterations int    `json:"iterations,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`

	// approval_request
	ApprovalID string `json:"approvalId,omitempty"`
}

// Marshal serializes the envelope for an SSE data line.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter receives envelopes as the turn produces them. Emitters run on the
// turn's goroutine and must not block.
type Emitter func(Envelope)
