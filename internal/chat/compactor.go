package chat

import (
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/nrn-labs/undoable/internal/sessions"
)

const (
	snapshotHeader = "## Long-Context Snapshot"

	sectionGoals      = "### Persistent Goals"
	sectionGuardrails = "### Assistant Axis Guardrails"
	sectionTail       = "### Recent Context Tail"

	maxGoals     = 12
	goalClip     = 160
	tailMessages = 6
	tailClip     = 200
)

// guardrails are the fixed axis lines every snapshot carries. Keeping them
// constant makes compaction output deterministic and testable.
var guardrails = []string{
	"Keep working toward the goals above; they survive context compaction.",
	"Decisions already made stay made unless the user reopens them.",
	"Completed tool effects are in the action log; do not repeat mutations.",
	"Stay on the conversation's established subject unless the user moves it.",
}

// CompactorConfig sizes the compaction pass against the model's context
// window. Zero values take the defaults.
type CompactorConfig struct {
	ContextWindow int     // total token budget
	Threshold     float64 // trigger ratio (default 0.80)
	PreserveRatio float64 // recent-tail budget ratio (default 0.25)
	CharsPerToken int     // estimate heuristic (default 4)
}

// CompactResult is the wire message list after a compaction pass, plus the
// snapshot bookkeeping the session persists.
type CompactResult struct {
	Messages     []*schema.Message
	Snapshot     string
	SnapshotUpTo int // absolute index (exclusive) of the last folded message
	Compacted    bool
}

// Compactor folds old turns into a generated snapshot system message once
// the context estimate crosses the threshold. The snapshot is built from
// the transcript, not from a model call, so its content is reproducible.
type Compactor struct {
	contextWindow int
	threshold     float64
	preserveRatio float64
	charsPerToken int
}

// NewCompactor creates a compactor, filling defaults for zero values.
func NewCompactor(cfg CompactorConfig) *Compactor {
	c := &Compactor{
		contextWindow: cfg.ContextWindow,
		threshold:     cfg.Threshold,
		preserveRatio: cfg.PreserveRatio,
		charsPerToken: cfg.CharsPerToken,
	}
	if c.threshold == 0 {
		c.threshold = 0.80
	}
	if c.preserveRatio == 0 {
		c.preserveRatio = 0.25
	}
	if c.charsPerToken == 0 {
		c.charsPerToken = 4
	}
	return c
}

// EstimateTokens returns a heuristic token count: content length over
// charsPerToken plus a small per-message overhead.
func (c *Compactor) EstimateTokens(messages []*schema.Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content)/c.charsPerToken + 4
	}
	return total
}

// NeedsCompaction reports whether the estimated context use crosses the
// threshold share of the window.
func (c *Compactor) NeedsCompaction(systemTokens int, messages []*schema.Message) bool {
	if c.contextWindow <= 0 {
		return false
	}
	used := systemTokens + c.EstimateTokens(messages)
	return used > int(float64(c.contextWindow)*c.threshold)
}

// Compact returns the message list to put on the wire. Below the threshold
// it reuses the session's stored snapshot, if any; above it, it folds
// everything before the preserve tail into a fresh snapshot built over the
// full folded prefix, so repeated compactions stay cumulative.
func (c *Compactor) Compact(session *sessions.Session, messages []*schema.Message, systemTokens int) *CompactResult {
	if !c.NeedsCompaction(systemTokens, messages) {
		return c.applyExistingSnapshot(session, messages)
	}

	preserveBudget := int(float64(c.contextWindow) * c.preserveRatio)
	split := c.findSplitIndex(messages, preserveBudget)
	folded := messages[:split]
	recent := messages[split:]

	snapshot := buildSnapshot(folded)

	slog.Info("context compacted",
		"folded_messages", len(folded),
		"preserved_messages", len(recent),
		"estimated_tokens", systemTokens+c.EstimateTokens(messages),
		"context_window", c.contextWindow,
	)

	return &CompactResult{
		Messages:     append([]*schema.Message{schema.SystemMessage(snapshot)}, recent...),
		Snapshot:     snapshot,
		SnapshotUpTo: split,
		Compacted:    true,
	}
}

// applyExistingSnapshot injects the session's stored snapshot without
// rebuilding it. Messages already folded into the snapshot are dropped.
func (c *Compactor) applyExistingSnapshot(session *sessions.Session, messages []*schema.Message) *CompactResult {
	if session == nil || session.Summary == "" {
		return &CompactResult{Messages: messages}
	}

	remaining := messages
	if session.SummaryUpTo > 0 && session.SummaryUpTo < len(messages) {
		remaining = messages[session.SummaryUpTo:]
	}

	return &CompactResult{
		Messages:     append([]*schema.Message{schema.SystemMessage(session.Summary)}, remaining...),
		Snapshot:     session.Summary,
		SnapshotUpTo: session.SummaryUpTo,
	}
}

// findSplitIndex walks backwards until the recent tail fills the preserve
// budget. At least the last message is always preserved; when everything
// fits but compaction still triggered, the older half folds.
func (c *Compactor) findSplitIndex(messages []*schema.Message, preserveBudget int) int {
	if len(messages) <= 1 {
		return 0
	}

	tokens := 0
	for i := len(messages) - 1; i >= 0; i-- {
		msgTokens := len(messages[i].Content)/c.charsPerToken + 4
		if tokens+msgTokens > preserveBudget && i < len(messages)-1 {
			return i + 1
		}
		tokens += msgTokens
	}
	return len(messages) / 2
}

// buildSnapshot generates the structured snapshot from the folded prefix:
// persistent goals from the user's messages, the fixed guardrail lines, and
// a short verbatim tail.
func buildSnapshot(folded []*schema.Message) string {
	var sb strings.Builder
	sb.WriteString(snapshotHeader)
	sb.WriteString("\nEarlier turns were folded to stay inside the context window. Treat the sections below as established conversation state.\n\n")

	sb.WriteString(sectionGoals)
	sb.WriteString("\n")
	goals := collectGoals(folded)
	if len(goals) == 0 {
		sb.WriteString("- (none recorded)\n")
	}
	for _, g := range goals {
		sb.WriteString("- ")
		sb.WriteString(g)
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(sectionGuardrails)
	sb.WriteString("\n")
	for _, g := range guardrails {
		sb.WriteString("- ")
		sb.WriteString(g)
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(sectionTail)
	sb.WriteString("\n")
	start := len(folded) - tailMessages
	if start < 0 {
		start = 0
	}
	wrote := false
	for _, msg := range folded[start:] {
		line := firstLine(msg.Content, tailClip)
		if line == "" {
			continue
		}
		sb.WriteString("- [")
		sb.WriteString(string(msg.Role))
		sb.WriteString("] ")
		sb.WriteString(line)
		sb.WriteString("\n")
		wrote = true
	}
	if !wrote {
		sb.WriteString("- (empty)\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

// collectGoals extracts one line per distinct user message, oldest first,
// capped at maxGoals.
func collectGoals(folded []*schema.Message) []string {
	seen := make(map[string]bool)
	var goals []string
	for _, msg := range folded {
		if msg.Role != schema.User {
			continue
		}
		line := firstLine(msg.Content, goalClip)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		goals = append(goals, line)
		if len(goals) == maxGoals {
			break
		}
	}
	return goals
}

// firstLine returns the first non-empty line of s, clipped to max bytes.
func firstLine(s string, max int) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > max {
			line = line[:max] + "..."
		}
		return line
	}
	return ""
}
