package ws

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nrn-labs/undoable/internal/events"
)

type fakeResolver struct {
	id       string
	approved bool
	always   bool
	err      error
}

func (f *fakeResolver) Resolve(id string, approved, allowAlways bool) error {
	f.id, f.approved, f.always = id, approved, allowAlways
	return f.err
}

// testClient registers a client without a real connection; broadcast only
// touches the send channel.
func testClient(t *testing.T, h *Hub) *Client {
	t.Helper()
	c := &Client{send: make(chan []byte, 4), hub: h}
	h.register(c)
	t.Cleanup(func() { h.unregister(c) })
	return c
}

func TestHubBroadcastsBusEnvelopes(t *testing.T) {
	bus := events.NewBus(16)
	h := NewHub(bus, nil)
	c := testClient(t, h)

	bus.EmitActor("run_1", events.EventStatusChanged, map[string]any{"to": "planning"}, events.ActorSystem)

	select {
	case data := <-c.send:
		frame, err := UnmarshalFrame(data)
		if err != nil {
			t.Fatalf("UnmarshalFrame: %v", err)
		}
		if frame.Type != FrameTypeEvent {
			t.Fatalf("expected event frame, got %q", frame.Type)
		}
		if frame.Event != string(events.EventStatusChanged) {
			t.Fatalf("expected event %q, got %q", events.EventStatusChanged, frame.Event)
		}
		if frame.RunID != "run_1" {
			t.Fatalf("expected runId run_1, got %q", frame.RunID)
		}
		var env events.Envelope
		if err := json.Unmarshal(frame.Payload, &env); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if env.Payload["to"] != "planning" {
			t.Fatalf("expected payload carried through, got %+v", env.Payload)
		}
	default:
		t.Fatal("expected a broadcast frame")
	}
}

func TestHubSkipsSlowClients(t *testing.T) {
	bus := events.NewBus(16)
	h := NewHub(bus, nil)
	c := testClient(t, h)

	// Fill the queue, then emit past capacity. Delivery is synchronous, so
	// a blocking send would deadlock this test.
	for i := 0; i < cap(c.send)+3; i++ {
		bus.Emit("run_1", events.EventLLMToken, map[string]any{"i": i})
	}

	if got := len(c.send); got != cap(c.send) {
		t.Fatalf("expected a full queue and dropped overflow, got %d", got)
	}
}

func TestHubUnsubscribesOnClose(t *testing.T) {
	bus := events.NewBus(16)
	h := NewHub(bus, nil)
	c := testClient(t, h)
	h.unregister(c)

	h.Close()
	bus.Emit("run_1", events.EventStatusChanged, nil)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) != 0 {
		t.Fatalf("expected no clients after close, got %d", len(h.clients))
	}
}

func TestHandleRequestResolveApproval(t *testing.T) {
	bus := events.NewBus(16)
	h := NewHub(bus, &fakeResolver{})
	c := testClient(t, h)

	params, _ := json.Marshal(map[string]any{"id": "apr-7", "approved": true, "allowAlways": true})
	c.handleRequest(Frame{Type: FrameTypeRequest, ID: "req-1", Method: MethodResolveApproval, Params: params})

	r := h.resolver.(*fakeResolver)
	if r.id != "apr-7" || !r.approved || !r.always {
		t.Fatalf("resolver saw %q approved=%v always=%v", r.id, r.approved, r.always)
	}

	select {
	case data := <-c.send:
		frame, _ := UnmarshalFrame(data)
		if frame.Type != FrameTypeResponse || frame.ID != "req-1" {
			t.Fatalf("unexpected response frame: %+v", frame)
		}
		if frame.OK == nil || !*frame.OK {
			t.Fatal("expected ok response")
		}
	default:
		t.Fatal("expected a response frame")
	}
}

func TestHandleRequestResolveApprovalError(t *testing.T) {
	bus := events.NewBus(16)
	h := NewHub(bus, &fakeResolver{err: errors.New("no pending approval apr-9")})
	c := testClient(t, h)

	params, _ := json.Marshal(map[string]any{"id": "apr-9", "approved": false})
	c.handleRequest(Frame{Type: FrameTypeRequest, ID: "req-2", Method: MethodResolveApproval, Params: params})

	select {
	case data := <-c.send:
		frame, _ := UnmarshalFrame(data)
		if frame.OK == nil || *frame.OK {
			t.Fatal("expected error response")
		}
		if frame.Error == "" {
			t.Fatal("expected error message carried to the client")
		}
	default:
		t.Fatal("expected a response frame")
	}
}

func TestHandleRequestUnknownMethod(t *testing.T) {
	bus := events.NewBus(16)
	h := NewHub(bus, nil)
	c := testClient(t, h)

	c.handleRequest(Frame{Type: FrameTypeRequest, ID: "req-3", Method: "open_pod_bay_doors"})

	select {
	case data := <-c.send:
		frame, _ := UnmarshalFrame(data)
		if frame.OK == nil || *frame.OK {
			t.Fatal("expected error response for unknown method")
		}
	default:
		t.Fatal("expected a response frame")
	}
}
