// Package sessions stores chat conversations: one directory per session
// with meta.json plus a messages.jsonl transcript.
package sessions

import (
	"time"

	"github.com/cloudwego/eino/schema"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// TokenUsage tracks cumulative token consumption for a session.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Session holds conversation metadata. Summary carries the long-context
// snapshot the compactor produced; SummaryUpTo is the index (exclusive) of
// the last message folded into it.
type Session struct {
	ID           string            `json:"id"`
	Title        string            `json:"title,omitempty"`
	AgentID      string            `json:"agentId,omitempty"`
	Model        string            `json:"model,omitempty"`
	Status       Status            `json:"status"`
	MessageCount int               `json:"messageCount"`
	TokenUsage   TokenUsage        `json:"tokenUsage"`
	Summary      string            `json:"summary,omitempty"`
	SummaryUpTo  int               `json:"summaryUpTo,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// ToolCall records one tool invocation requested by the assistant.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

// Message is a single turn, serializable to JSONL. Tool-call turns carry
// ToolCalls; tool-result turns carry ToolCallID and Name.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Name       string     `json:"name,omitempty"`
	Ts         time.Time  `json:"ts"`
}

// ToSchemaMessage converts a stored message to the wire format.
func (m Message) ToSchemaMessage() *schema.Message {
	msg := &schema.Message{
		Role:       schema.RoleType(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			ID:       tc.ID,
			Function: schema.FunctionCall{Name: tc.Name, Arguments: tc.Args},
		})
	}
	return msg
}

// NewMessageFromSchema converts a wire message to a storable one.
func NewMessageFromSchema(msg *schema.Message) Message {
	m := Message{
		Role:       string(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
		Name:       msg.Name,
		Ts:         time.Now(),
	}
	for _, tc := range msg.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		})
	}
	return m
}

// Store is the persistence interface for sessions.
type Store interface {
	Create() (*Session, error)
	Ensure(id string) (*Session, error)
	Get(id string) (*Session, error)
	List() ([]*Session, error)
	UpdateMeta(s *Session) error
	Close(id string) error
	Delete(id string) error
	AppendMessage(sessionID string, msg Message) error
	LoadMessages(sessionID string) ([]Message, error)
	AddUsage(sessionID string, input, output int) error
}
