package events

import (
	"fmt"
	"testing"
)

func TestBusEmitOnRun(t *testing.T) {
	bus := NewBus(64)

	var received []Envelope
	bus.OnRun("run_1", func(e Envelope) {
		received = append(received, e)
	})

	bus.Emit("run_1", EventRunCreated, map[string]any{"instruction": "hello"})
	bus.Emit("run_2", EventRunCreated, map[string]any{"instruction": "other"})

	if len(received) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(received))
	}
	if received[0].Type != EventRunCreated {
		t.Errorf("expected RUN_CREATED, got %s", received[0].Type)
	}
	if received[0].RunID != "run_1" {
		t.Errorf("expected run_1, got %s", received[0].RunID)
	}
}

func TestBusOnAll(t *testing.T) {
	bus := NewBus(64)

	count := 0
	bus.OnAll(func(e Envelope) {
		count++
	})

	bus.Emit("run_1", EventRunCreated, nil)
	bus.Emit("run_2", EventStatusChanged, nil)
	bus.Emit("", EventWarning, map[string]any{"code": WarnPersistence})

	if count != 3 {
		t.Errorf("expected 3 envelopes, got %d", count)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(64)

	count := 0
	unsub := bus.OnRun("run_1", func(e Envelope) {
		count++
	})

	bus.Emit("run_1", EventToolCall, nil)
	unsub()
	bus.Emit("run_1", EventToolResult, nil)

	if count != 1 {
		t.Errorf("expected 1 envelope after unsubscribe, got %d", count)
	}
}

func TestBusEventIDMonotonicPerRun(t *testing.T) {
	bus := NewBus(64)

	for i := 1; i <= 3; i++ {
		env := bus.Emit("run_a", EventLLMToken, nil)
		if env.EventID != uint64(i) {
			t.Fatalf("run_a emit %d: expected eventId %d, got %d", i, i, env.EventID)
		}
	}
	env := bus.Emit("run_b", EventLLMToken, nil)
	if env.EventID != 1 {
		t.Errorf("run_b first emit: expected eventId 1, got %d", env.EventID)
	}
}

func TestBusOrderPreserved(t *testing.T) {
	bus := NewBus(64)

	var got []uint64
	bus.OnRun("run_1", func(e Envelope) {
		got = append(got, e.EventID)
	})

	for i := 0; i < 10; i++ {
		bus.Emit("run_1", EventLLMToken, map[string]any{"content": fmt.Sprintf("t%d", i)})
	}

	for i, id := range got {
		if id != uint64(i+1) {
			t.Fatalf("position %d: expected eventId %d, got %d", i, i+1, id)
		}
	}
}

func TestBusHandlerPanicIsolated(t *testing.T) {
	bus := NewBus(64)

	bus.OnRun("run_1", func(e Envelope) {
		panic("boom")
	})
	count := 0
	bus.OnRun("run_1", func(e Envelope) {
		count++
	})

	bus.Emit("run_1", EventToolCall, nil)

	if count != 1 {
		t.Errorf("expected surviving handler to receive the envelope, got %d", count)
	}
}

func TestBusDropRun(t *testing.T) {
	bus := NewBus(64)

	count := 0
	bus.OnRun("run_1", func(e Envelope) {
		count++
	})
	bus.Emit("run_1", EventRunCreated, nil)
	bus.Emit("run_1", EventStatusChanged, nil)

	bus.DropRun("run_1")

	env := bus.Emit("run_1", EventWarning, nil)
	if count != 2 {
		t.Errorf("expected no delivery after DropRun, got %d deliveries", count)
	}
	if env.EventID != 1 {
		t.Errorf("expected counter reset after DropRun, got eventId %d", env.EventID)
	}
}

func TestBusHistory(t *testing.T) {
	bus := NewBus(4)

	for i := 0; i < 6; i++ {
		bus.Emit("run_1", EventLLMToken, map[string]any{"i": i})
	}

	history := bus.History(10)
	if len(history) != 4 {
		t.Fatalf("expected 4 envelopes, got %d", len(history))
	}
	if history[0].EventID != 3 || history[3].EventID != 6 {
		t.Errorf("expected oldest-first window [3..6], got [%d..%d]",
			history[0].EventID, history[len(history)-1].EventID)
	}
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 5; i++ {
		rb.Add(Envelope{EventID: uint64(i + 1), Type: EventLLMToken})
	}

	events := rb.Get(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(events))
	}
	if events[0].EventID != 3 {
		t.Errorf("expected oldest retained eventId 3, got %d", events[0].EventID)
	}
}
