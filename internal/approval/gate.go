// Package approval gates tool execution on user consent.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/events"
)

// Mode controls which tool categories require consent.
type Mode string

const (
	// ModeOff grants everything without asking.
	ModeOff Mode = "off"
	// ModeMutate asks for anything that is not a plain read.
	ModeMutate Mode = "mutate"
	// ModeAlways asks for every call.
	ModeAlways Mode = "always"
)

// DefaultTimeout is how long a pending request waits before auto-rejecting.
const DefaultTimeout = 300 * time.Second

var ErrUnknownRequest = errors.New("unknown approval request")

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOff, ModeMutate, ModeAlways:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid approval mode %q (off|mutate|always)", s)
}

// Request is a pending approval visible to subscribers.
type Request struct {
	ID          string           `json:"id"`
	RunID       string           `json:"runId,omitempty"`
	ToolName    string           `json:"toolName"`
	Category    actions.Category `json:"category"`
	Args        map[string]any   `json:"args,omitempty"`
	Description string           `json:"description,omitempty"`
	RequestedAt time.Time        `json:"requestedAt"`
}

type resolution struct {
	approved    bool
	allowAlways bool
	reason      string
}

type pendingRequest struct {
	req  Request
	done chan resolution
}

// Notifier receives newly registered pending requests. Notifiers run on the
// requesting goroutine and must not block.
type Notifier func(Request)

// Gate suspends tool calls until the user resolves them. Pending requests
// live in memory only; a daemon restart rejects everything outstanding.
type Gate struct {
	mu          sync.Mutex
	mode        Mode
	pending     map[string]*pendingRequest
	allowlist   map[string]struct{}
	subscribers map[int]Notifier
	nextSubID   int
	timeout     time.Duration
	bus         *events.Bus
}

// NewGate creates a gate. A non-positive timeout falls back to DefaultTimeout.
func NewGate(bus *events.Bus, mode Mode, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		mode:        mode,
		pending:     make(map[string]*pendingRequest),
		allowlist:   make(map[string]struct{}),
		subscribers: make(map[int]Notifier),
		timeout:     timeout,
		bus:         bus,
	}
}

// Mode returns the current mode.
func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// SetMode switches the gating mode at runtime.
func (g *Gate) SetMode(mode Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
}

// OnPending registers a notifier for new pending requests.
// Returns an unsubscribe function.
func (g *Gate) OnPending(fn Notifier) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextSubID
	g.nextSubID++
	g.subscribers[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.subscribers, id)
	}
}

// Pending returns a snapshot of outstanding requests.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	return out
}

// RequestApproval asks for consent to run toolName with args. It returns
// immediately under off mode, for reads under mutate mode, and for
// allowlisted (toolName, arg-shape) pairs; otherwise it suspends until
// Resolve is called, the timeout elapses (auto-reject) or ctx is cancelled.
func (g *Gate) RequestApproval(ctx context.Context, toolName string, category actions.Category, args map[string]any, description string) actions.ApprovalState {
	g.mu.Lock()
	switch {
	case g.mode == ModeOff:
		g.mu.Unlock()
		return actions.ApprovalSkipped
	case g.mode == ModeMutate && category == actions.CategoryRead:
		g.mu.Unlock()
		return actions.ApprovalAuto
	}
	if _, ok := g.allowlist[argShape(toolName, args)]; ok {
		g.mu.Unlock()
		return actions.ApprovalAuto
	}

	runID := events.RunIDFromContext(ctx)
	p := &pendingRequest{
		req: Request{
			ID:          uuid.NewString(),
			RunID:       runID,
			ToolName:    toolName,
			Category:    category,
			Args:        args,
			Description: description,
			RequestedAt: time.Now(),
		},
		done: make(chan resolution, 1),
	}
	g.pending[p.req.ID] = p
	notifiers := make([]Notifier, 0, len(g.subscribers))
	for _, fn := range g.subscribers {
		notifiers = append(notifiers, fn)
	}
	timeout := g.timeout
	g.mu.Unlock()

	if g.bus != nil {
		g.bus.EmitTyped(runID, events.ApprovalRequestedPayload{
			ApprovalID:  p.req.ID,
			ToolName:    toolName,
			Category:    string(category),
			Description: description,
			Args:        args,
		}, events.ActorSystem)
	}
	for _, fn := range notifiers {
		fn(p.req)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	apply := func(res resolution) actions.ApprovalState {
		if res.approved {
			if res.allowAlways {
				g.mu.Lock()
				g.allowlist[argShape(toolName, args)] = struct{}{}
				g.mu.Unlock()
			}
			return actions.ApprovalGranted
		}
		return actions.ApprovalDenied
	}

	select {
	case res := <-p.done:
		return apply(res)
	case <-timer.C:
		// A resolution may have raced the timer; prefer it.
		select {
		case res := <-p.done:
			return apply(res)
		default:
		}
		g.expire(p.req.ID, "timed out")
		return actions.ApprovalDenied
	case <-ctx.Done():
		select {
		case res := <-p.done:
			return apply(res)
		default:
		}
		g.expire(p.req.ID, "run cancelled")
		return actions.ApprovalDenied
	}
}

// Resolve answers a pending request. allowAlways additionally allowlists
// the exact (toolName, arg-shape) pair for the rest of the process.
func (g *Gate) Resolve(id string, approved, allowAlways bool) error {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownRequest
	}
	delete(g.pending, id)
	g.mu.Unlock()

	p.done <- resolution{approved: approved, allowAlways: allowAlways}
	g.emitResolved(p.req, approved, allowAlways, "")
	return nil
}

// RejectAll denies every outstanding request. Called on shutdown and on
// startup so nothing survives a restart half-approved.
func (g *Gate) RejectAll(reason string) int {
	g.mu.Lock()
	drained := make([]*pendingRequest, 0, len(g.pending))
	for id, p := range g.pending {
		drained = append(drained, p)
		delete(g.pending, id)
	}
	g.mu.Unlock()

	for _, p := range drained {
		p.done <- resolution{approved: false, reason: reason}
		g.emitResolved(p.req, false, false, reason)
	}
	return len(drained)
}

// expire removes a request that resolved by timeout or cancellation rather
// than by user answer. Resolve may have won the race; that is fine.
func (g *Gate) expire(id, reason string) {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if ok {
		g.emitResolved(p.req, false, false, reason)
	}
}

func (g *Gate) emitResolved(req Request, approved, allowAlways bool, reason string) {
	if g.bus == nil {
		return
	}
	g.bus.EmitTyped(req.RunID, events.ApprovalResolvedPayload{
		ApprovalID:  req.ID,
		Approved:    approved,
		AllowAlways: allowAlways,
		Reason:      reason,
	}, events.ActorUser)
}

// argShape canonicalizes a (toolName, args) pair. encoding/json sorts map
// keys, so identical argument sets serialize identically.
func argShape(toolName string, args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("{}")
	}
	return toolName + "\x00" + string(data)
}
