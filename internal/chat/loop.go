package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/nrn-labs/undoable/internal/config"
	"github.com/nrn-labs/undoable/internal/events"
	"github.com/nrn-labs/undoable/internal/instructions"
	"github.com/nrn-labs/undoable/internal/sessions"
	"github.com/nrn-labs/undoable/internal/storage"
	"github.com/nrn-labs/undoable/internal/tools"
)

const (
	// Serialized tool results are clipped before they enter the context.
	resultCap        = 16 * 1024
	economyResultCap = 4 * 1024

	economyMaxIterations    = 8
	compactThreshold        = 0.80
	economyCompactThreshold = 0.60

	// pollToolName is exempt from the iteration budget: an agent waiting on
	// a background process is idling, not working.
	pollToolName = "process.poll"
)

// ModelSource yields the active chat model and its metadata. *models.Registry
// satisfies it.
type ModelSource interface {
	Default(ctx context.Context) (model.ToolCallingChatModel, error)
	ActiveProvider() string
	ActiveModel() string
	DefaultContextWindow() int
}

// InstructionSource yields the current instruction text for an agent.
// *instructions.Store satisfies it.
type InstructionSource interface {
	Current(agentID string) (string, error)
}

// Config wires a Loop's collaborators. Bus, Usage and Instructions may be nil.
type Config struct {
	Store        sessions.Store
	Registry     *tools.Registry
	Models       ModelSource
	Bus          *events.Bus
	Usage        *storage.UsageTracker
	Instructions InstructionSource
	SystemPrompt string
	Run          config.RunConfig
}

// Loop drives user turns to completion: stream the model, execute tool
// batches through the registry, repeat until the model answers in prose or
// the iteration budget runs out.
type Loop struct {
	store  sessions.Store
	reg    *tools.Registry
	models ModelSource
	bus    *events.Bus
	usage  *storage.UsageTracker
	instr  InstructionSource
	system string
	drift  *DriftDetector

	mu sync.Mutex
	rc config.RunConfig
}

// New creates a chat loop.
func New(cfg Config) *Loop {
	rc := cfg.Run
	if rc.Mode == "" {
		rc.Mode = "apply"
	}
	if rc.MaxIterations <= 0 {
		rc.MaxIterations = 24
	}
	return &Loop{
		store:  cfg.Store,
		reg:    cfg.Registry,
		models: cfg.Models,
		bus:    cfg.Bus,
		usage:  cfg.Usage,
		instr:  cfg.Instructions,
		system: cfg.SystemPrompt,
		drift:  NewDriftDetector(0),
		rc:     rc,
	}
}

// RunConfig returns the current default run configuration.
func (l *Loop) RunConfig() config.RunConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rc
}

// SetRunConfig replaces the default run configuration for subsequent turns.
func (l *Loop) SetRunConfig(rc config.RunConfig) {
	if rc.Mode == "" {
		rc.Mode = "apply"
	}
	if rc.MaxIterations <= 0 {
		rc.MaxIterations = 24
	}
	l.mu.Lock()
	l.rc = rc
	l.mu.Unlock()
}

// Request is one user turn. Config overrides the loop default when set.
type Request struct {
	SessionID   string
	Message     string
	Attachments []string
	AgentID     string
	Config      *config.RunConfig
}

// turnProfile is the resolved per-turn budget after economy tightening.
type turnProfile struct {
	rc            config.RunConfig
	maxIterations int
	resultCap     int
	threshold     float64
}

func (l *Loop) profile(req Request) turnProfile {
	rc := l.RunConfig()
	if req.Config != nil {
		rc = *req.Config
		if rc.Mode == "" {
			rc.Mode = "apply"
		}
		if rc.MaxIterations <= 0 {
			rc.MaxIterations = 24
		}
	}
	p := turnProfile{
		rc:            rc,
		maxIterations: rc.MaxIterations,
		resultCap:     resultCap,
		threshold:     compactThreshold,
	}
	if rc.EconomyMode {
		if p.maxIterations > economyMaxIterations {
			p.maxIterations = economyMaxIterations
		}
		p.resultCap = economyResultCap
		p.threshold = economyCompactThreshold
	}
	return p
}

// Turn runs one user turn: persist the message, compact, check drift, then
// iterate model completions and tool batches until the model answers.
// Envelopes go to emit in order; emit must not block.
func (l *Loop) Turn(ctx context.Context, req Request, emit Emitter) error {
	if strings.TrimSpace(req.Message) == "" {
		return errors.New("empty message")
	}
	if emit == nil {
		emit = func(Envelope) {}
	}

	sess, err := l.store.Ensure(req.SessionID)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	if req.AgentID != "" && sess.AgentID == "" {
		sess.AgentID = req.AgentID
		if err := l.store.UpdateMeta(sess); err != nil {
			slog.Warn("session meta update failed", "session", sess.ID, "error", err)
		}
	}

	p := l.profile(req)

	m, err := l.models.Default(ctx)
	if err != nil {
		return fmt.Errorf("resolve model: %w", err)
	}
	if defs := l.reg.Definitions(); len(defs) > 0 {
		m, err = m.WithTools(defs)
		if err != nil {
			return fmt.Errorf("bind tools: %w", err)
		}
	}

	runID := events.RunIDFromContext(ctx)
	if runID == "" {
		runID = "chat_" + uuid.NewString()[:8]
		ctx = events.ContextWithRunID(ctx, runID)
	}

	userMsg := sessions.NewMessageFromSchema(&schema.Message{
		Role:    schema.User,
		Content: attachUploads(req.Message, req.Attachments),
	})
	if err := l.store.AppendMessage(sess.ID, userMsg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	stored, err := l.store.LoadMessages(sess.ID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	history := make([]*schema.Message, 0, len(stored))
	for _, sm := range stored {
		history = append(history, sm.ToSchemaMessage())
	}

	system := l.systemPrompt(sess.AgentID)

	comp := NewCompactor(CompactorConfig{
		ContextWindow: l.models.DefaultContextWindow(),
		Threshold:     p.threshold,
	})
	systemTokens := len(system)/4 + 4
	result := comp.Compact(sess, history, systemTokens)
	if result.Compacted {
		sess.Summary = result.Snapshot
		sess.SummaryUpTo = result.SnapshotUpTo
		if err := l.store.UpdateMeta(sess); err != nil {
			slog.Warn("snapshot persistence failed", "session", sess.ID, "error", err)
			l.emitWarning(runID, events.WarnPersistence, "context snapshot was not persisted", emit)
		}
	}

	msgs := make([]*schema.Message, 0, len(result.Messages)+2)
	if system != "" {
		msgs = append(msgs, &schema.Message{Role: schema.System, Content: system})
	}
	msgs = append(msgs, result.Messages...)

	// Drift runs against the thread before the latest message.
	if dr := l.drift.Check(history[:len(history)-1], req.Message); dr.Drifted {
		msgs = append(msgs, &schema.Message{Role: schema.System, Content: stabilizerPrompt})
		emit(Envelope{Type: TypeAlignment, Score: dr.Score, Threshold: l.drift.Threshold()})
		slog.Info("drift stabilizer injected", "session", sess.ID, "score", dr.Score)
	}

	emit(Envelope{
		Type:      TypeSessionInfo,
		SessionID: sess.ID,
		RunID:     runID,
		Model:     l.models.ActiveModel(),
		Mode:      p.rc.Mode,
		Economy:   p.rc.EconomyMode,
	})

	// Approval requests raised by the gate during a tool batch surface on
	// the bus; forward them so the SSE client can resolve them.
	if l.bus != nil {
		unsub := l.bus.OnRun(runID, func(e events.Envelope) {
			if e.Type != events.EventApprovalRequested {
				return
			}
			if pay, ok := events.ExtractPayload[events.ApprovalRequestedPayload](e); ok {
				emit(Envelope{
					Type:       TypeApprovalRequest,
					ApprovalID: pay.ApprovalID,
					Name:       pay.ToolName,
					Args:       pay.Args,
				})
			}
		})
		defer unsub()
	}

	return l.iterate(ctx, m, msgs, sess, runID, p, emit)
}

// systemPrompt appends the agent's current instruction document to the base
// prompt. An agent without one runs on the base prompt alone.
func (l *Loop) systemPrompt(agentID string) string {
	if l.instr == nil || agentID == "" {
		return l.system
	}
	text, err := l.instr.Current(agentID)
	if err != nil {
		if !errors.Is(err, instructions.ErrNotFound) {
			slog.Warn("agent instructions unavailable", "agent", agentID, "error", err)
		}
		return l.system
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return l.system
	}
	if l.system == "" {
		return text
	}
	return l.system + "\n\n" + text
}

func (l *Loop) iterate(ctx context.Context, m model.ToolCallingChatModel, msgs []*schema.Message, sess *sessions.Session, runID string, p turnProfile, emit Emitter) error {
	var usedInput, usedOutput, iterations int

	for used := 0; used < p.maxIterations; {
		out, err := l.streamOnce(ctx, m, msgs, p.rc, runID, emit)
		if err != nil {
			l.recordUsage(sess.ID, runID, usedInput, usedOutput)
			return err
		}
		iterations++
		if out.usage != nil {
			usedInput += out.usage.PromptTokens
			usedOutput += out.usage.CompletionTokens
		}

		if len(out.toolCalls) == 0 {
			assistant := &schema.Message{Role: schema.Assistant, Content: out.content}
			if err := l.store.AppendMessage(sess.ID, sessions.NewMessageFromSchema(assistant)); err != nil {
				slog.Warn("assistant message persistence failed", "session", sess.ID, "error", err)
			}
			l.recordUsage(sess.ID, runID, usedInput, usedOutput)
			emit(Envelope{
				Type:       TypeDone,
				Content:    out.content,
				Iterations: iterations,
				Usage:      &Usage{Input: usedInput, Output: usedOutput},
			})
			return nil
		}

		assistant := &schema.Message{Role: schema.Assistant, Content: out.content, ToolCalls: out.toolCalls}
		if err := l.store.AppendMessage(sess.ID, sessions.NewMessageFromSchema(assistant)); err != nil {
			slog.Warn("assistant message persistence failed", "session", sess.ID, "error", err)
		}
		msgs = append(msgs, assistant)

		pollOnly := true
		for _, tc := range out.toolCalls {
			if tc.Function.Name != pollToolName {
				pollOnly = false
				break
			}
		}

		for _, tc := range out.toolCalls {
			if err := ctx.Err(); err != nil {
				l.recordUsage(sess.ID, runID, usedInput, usedOutput)
				return err
			}

			emit(Envelope{
				Type:   TypeToolCall,
				CallID: tc.ID,
				Name:   tc.Function.Name,
				Args:   decodeEnvelopeArgs(tc.Function.Arguments),
			})

			res := l.reg.Invoke(ctx, tools.Call{ID: tc.ID, Name: tc.Function.Name, Args: tc.Function.Arguments})

			// A cancellation mid-batch drops the completed call from the
			// response; the action log already has it.
			if err := ctx.Err(); err != nil {
				l.recordUsage(sess.ID, runID, usedInput, usedOutput)
				return err
			}

			payload := clip(res.Payload(), p.resultCap)
			env := Envelope{
				Type:       TypeToolResult,
				CallID:     tc.ID,
				Name:       tc.Function.Name,
				DurationMs: res.Duration.Milliseconds(),
			}
			if res.OK() {
				env.Result = payload
			} else {
				env.Error = res.Err
				env.Code = res.Code
			}
			emit(env)

			toolMsg := &schema.Message{
				Role:       schema.Tool,
				Content:    payload,
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
			}
			if err := l.store.AppendMessage(sess.ID, sessions.NewMessageFromSchema(toolMsg)); err != nil {
				slog.Warn("tool message persistence failed", "session", sess.ID, "error", err)
			}
			msgs = append(msgs, toolMsg)
		}

		if !pollOnly {
			used++
		}
	}

	l.recordUsage(sess.ID, runID, usedInput, usedOutput)
	msg := fmt.Sprintf("stopped after %d iterations without a final answer", p.maxIterations)
	l.emitWarning(runID, events.WarnMaxIterations, msg, emit)
	return nil
}

// streamResult is one model completion: accumulated prose, accumulated tool
// calls, and the last usage report seen on the stream.
type streamResult struct {
	content   string
	toolCalls []schema.ToolCall
	usage     *schema.TokenUsage
}

func (l *Loop) streamOnce(ctx context.Context, m model.ToolCallingChatModel, msgs []*schema.Message, rc config.RunConfig, runID string, emit Emitter) (*streamResult, error) {
	reader, err := m.Stream(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("model stream: %w", err)
	}
	defer reader.Close()

	var out streamResult
	var content strings.Builder
	ext := &thinkExtractor{}

	forward := func(text, thinking string) {
		if text != "" {
			content.WriteString(text)
			emit(Envelope{Type: TypeToken, Content: text})
			if l.bus != nil {
				l.bus.EmitTyped(runID, events.LLMTokenPayload{Content: text}, events.ActorSystem)
			}
		}
		if thinking != "" && rc.Thinking {
			emit(Envelope{Type: TypeThinking, Content: thinking})
			if l.bus != nil {
				l.bus.EmitTyped(runID, events.LLMTokenPayload{Content: thinking, Thinking: true}, events.ActorSystem)
			}
		}
	}

	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("model stream: %w", err)
		}
		if chunk == nil {
			continue
		}
		if chunk.Content != "" {
			forward(ext.feed(chunk.Content))
		}
		mergeToolCalls(&out.toolCalls, chunk.ToolCalls)
		if chunk.ResponseMeta != nil && chunk.ResponseMeta.Usage != nil {
			out.usage = chunk.ResponseMeta.Usage
		}
	}
	forward(ext.flush())

	out.content = content.String()
	return &out, nil
}

// mergeToolCalls folds streamed tool-call fragments into acc. Fragments
// carry an Index when the provider splits arguments across chunks; complete
// calls arrive without one and append in order.
func mergeToolCalls(acc *[]schema.ToolCall, chunks []schema.ToolCall) {
	for _, tc := range chunks {
		idx := len(*acc)
		if tc.Index != nil {
			idx = *tc.Index
		}
		for len(*acc) <= idx {
			*acc = append(*acc, schema.ToolCall{})
		}
		cur := &(*acc)[idx]
		if tc.ID != "" {
			cur.ID = tc.ID
		}
		if tc.Type != "" {
			cur.Type = tc.Type
		}
		if tc.Function.Name != "" {
			cur.Function.Name = tc.Function.Name
		}
		cur.Function.Arguments += tc.Function.Arguments
	}
}

func (l *Loop) emitWarning(runID, code, message string, emit Emitter) {
	emit(Envelope{Type: TypeWarning, Code: code, Message: message})
	if l.bus != nil {
		l.bus.EmitTyped(runID, events.WarningPayload{Code: code, Message: message}, events.ActorSystem)
	}
}

func (l *Loop) recordUsage(sessionID, runID string, input, output int) {
	if input == 0 && output == 0 {
		return
	}
	if err := l.store.AddUsage(sessionID, input, output); err != nil {
		slog.Warn("session usage update failed", "session", sessionID, "error", err)
	}
	if l.usage == nil {
		return
	}
	err := l.usage.Record(storage.UsageEntry{
		SessionID:    sessionID,
		RunID:        runID,
		Provider:     l.models.ActiveProvider(),
		Model:        l.models.ActiveModel(),
		TokensInput:  input,
		TokensOutput: output,
	})
	if err != nil {
		slog.Warn("usage journal append failed", "error", err)
	}
}

func attachUploads(message string, attachments []string) string {
	if len(attachments) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString(message)
	for _, a := range attachments {
		b.WriteString("\n\n[attachment]\n")
		b.WriteString(a)
	}
	return b.String()
}

func decodeEnvelopeArgs(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

func clip(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n[truncated]"
}
