// Package events provides the in-process event bus that carries run envelopes.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies the kind of envelope on the bus.
type EventType string

const (
	// Run lifecycle
	EventRunCreated    EventType = "RUN_CREATED"
	EventStatusChanged EventType = "STATUS_CHANGED"
	EventRunCompleted  EventType = "RUN_COMPLETED"
	EventRunFailed     EventType = "RUN_FAILED"

	// Tool execution
	EventToolCall   EventType = "TOOL_CALL"
	EventToolResult EventType = "TOOL_RESULT"

	// Model streaming
	EventLLMToken EventType = "LLM_TOKEN"

	// Approvals
	EventApprovalRequested EventType = "APPROVAL_REQUESTED"
	EventApprovalResolved  EventType = "APPROVAL_RESOLVED"

	// Policy refusals, iteration caps, persistence trouble
	EventWarning EventType = "WARNING"
)

// Warning codes carried by WARNING payloads.
const (
	WarnUndoGuaranteeBlocked = "undo_guarantee_blocked"
	WarnApprovalDenied       = "approval_denied"
	WarnPolicyBlocked        = "security_policy_blocked"
	WarnMaxIterations        = "max_iterations_reached"
	WarnOperationBlocked     = "operation_mode_blocked"
	WarnPersistence          = "persistence_failed"
)

// Actor attributions for envelopes.
const (
	ActorUser      = "user"
	ActorSystem    = "system"
	ActorScheduler = "scheduler"
	ActorSwarm     = "swarm"
)

// Envelope is the cross-component communication unit. EventID increases
// monotonically within a run; there is no ordering across runs.
type Envelope struct {
	EventID   uint64         `json:"eventId"`
	RunID     string         `json:"runId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Actor     string         `json:"actor,omitempty"`
}

// Handler receives envelopes. Handlers run synchronously on the emitting
// goroutine and must not block; persistence handlers schedule work instead
// of writing inline.
type Handler func(Envelope)

type subscription struct {
	id      int
	runID   string // empty matches every run
	handler Handler
}

// Bus is the process-wide publish/subscribe registry keyed by run id, with
// a wildcard channel for observers that want everything.
type Bus struct {
	mu       sync.Mutex
	byRun    map[string]map[int]*subscription
	all      map[int]*subscription
	counters map[string]uint64
	nextID   int
	recent   *RingBuffer
}

// NewBus creates an event bus. recentSize bounds the in-memory tail served
// to observers that attach late.
func NewBus(recentSize int) *Bus {
	return &Bus{
		byRun:    make(map[string]map[int]*subscription),
		all:      make(map[int]*subscription),
		counters: make(map[string]uint64),
		recent:   NewRingBuffer(recentSize),
	}
}

// Emit stamps an envelope and delivers it to the run's subscribers and to
// wildcard subscribers. An empty runID addresses the daemon-wide stream.
func (b *Bus) Emit(runID string, typ EventType, payload map[string]any) Envelope {
	return b.EmitActor(runID, typ, payload, "")
}

// EmitActor is Emit with an explicit actor attribution.
func (b *Bus) EmitActor(runID string, typ EventType, payload map[string]any, actor string) Envelope {
	b.mu.Lock()
	b.counters[runID]++
	env := Envelope{
		EventID:   b.counters[runID],
		RunID:     runID,
		Timestamp: time.Now(),
		Type:      typ,
		Payload:   payload,
		Actor:     actor,
	}
	handlers := make([]Handler, 0, len(b.byRun[runID])+len(b.all))
	for _, sub := range b.byRun[runID] {
		handlers = append(handlers, sub.handler)
	}
	for _, sub := range b.all {
		handlers = append(handlers, sub.handler)
	}
	b.mu.Unlock()

	b.recent.Add(env)
	for _, h := range handlers {
		deliver(h, env)
	}
	return env
}

// EmitTyped emits a typed payload; the envelope type comes from the payload.
func (b *Bus) EmitTyped(runID string, payload EventPayload, actor string) Envelope {
	return b.EmitActor(runID, payload.EventType(), toMap(payload), actor)
}

// deliver invokes a single handler, recovering a panic so the remaining
// handlers still see the envelope.
func deliver(h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "run_id", env.RunID, "type", env.Type, "panic", r)
		}
	}()
	h(env)
}

// OnRun registers a handler for a single run's envelopes.
// Returns an unsubscribe function.
func (b *Bus) OnRun(runID string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.byRun[runID] == nil {
		b.byRun[runID] = make(map[int]*subscription)
	}
	b.byRun[runID][id] = &subscription{id: id, runID: runID, handler: h}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.byRun[runID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.byRun, runID)
			}
		}
	}
}

// OnAll registers a wildcard handler that receives every envelope.
// Returns an unsubscribe function.
func (b *Bus) OnAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.all[id] = &subscription{id: id, handler: h}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// DropRun removes the run's subscriptions and its event id counter. Run
// deletion must call this so handler registrations do not leak.
func (b *Bus) DropRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byRun, runID)
	delete(b.counters, runID)
}

// History returns up to limit recent envelopes across all runs, oldest first.
func (b *Bus) History(limit int) []Envelope {
	return b.recent.Get(limit)
}

// RingBuffer is a circular buffer for storing recent envelopes.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Envelope
	size   int
	pos    int
	count  int
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		events: make([]Envelope, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.pos] = env
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RingBuffer) Get(n int) []Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]Envelope, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}
