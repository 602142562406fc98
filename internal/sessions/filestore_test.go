package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCreateGetRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir())

	s, err := store.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !strings.HasPrefix(s.ID, "sess_") {
		t.Errorf("ID = %q, want sess_ prefix", s.ID)
	}
	if s.Status != StatusActive {
		t.Errorf("Status = %q, want %q", s.Status, StatusActive)
	}

	got, err := store.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("Get ID = %q, want %q", got.ID, s.ID)
	}
}

func TestGetNotFound(t *testing.T) {
	store := NewFileStore(t.TempDir())

	_, err := store.Get("sess_nonexistent")
	if err == nil {
		t.Fatal("expected error for missing session")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want 'not found'", err)
	}
}

func TestAppendAndLoadMessages(t *testing.T) {
	store := NewFileStore(t.TempDir())

	s, err := store.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	msgs := []Message{
		{Role: "user", Content: "hello", Ts: time.Now()},
		{Role: "assistant", Content: "", ToolCalls: []ToolCall{{ID: "call_1", Name: "fs.write", Args: `{"path":"x"}`}}, Ts: time.Now()},
		{Role: "tool", Content: `{"ok":true}`, ToolCallID: "call_1", Name: "fs.write", Ts: time.Now()},
		{Role: "assistant", Content: "done", Ts: time.Now()},
	}

	for _, m := range msgs {
		if err := store.AppendMessage(s.ID, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	loaded, err := store.LoadMessages(s.ID)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(loaded) != len(msgs) {
		t.Fatalf("loaded %d messages, want %d", len(loaded), len(msgs))
	}
	if loaded[1].ToolCalls[0].Name != "fs.write" {
		t.Errorf("tool call not round-tripped: %+v", loaded[1])
	}
	if loaded[2].ToolCallID != "call_1" {
		t.Errorf("tool result link not round-tripped: %+v", loaded[2])
	}

	meta, _ := store.Get(s.ID)
	if meta.MessageCount != len(msgs) {
		t.Errorf("MessageCount = %d, want %d", meta.MessageCount, len(msgs))
	}
}

func TestLoadMessagesSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	s, _ := store.Create()
	store.AppendMessage(s.ID, Message{Role: "user", Content: "first"})

	path := filepath.Join(dir, s.ID, "messages.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json at all\n")
	f.Close()
	store.AppendMessage(s.ID, Message{Role: "assistant", Content: "second"})

	loaded, err := store.LoadMessages(s.ID)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected corrupt line skipped, got %d messages", len(loaded))
	}
	if loaded[0].Content != "first" || loaded[1].Content != "second" {
		t.Errorf("unexpected transcript: %+v", loaded)
	}
}

func TestCloseAndDelete(t *testing.T) {
	store := NewFileStore(t.TempDir())

	s, _ := store.Create()
	if err := store.Close(s.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, _ := store.Get(s.ID)
	if got.Status != StatusClosed {
		t.Errorf("Status = %q, want closed", got.Status)
	}

	if err := store.Delete(s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(s.ID); err == nil {
		t.Error("expected deleted session gone")
	}
	if err := store.Delete(s.ID); err == nil {
		t.Error("expected delete of missing session to error")
	}
}

func TestAddUsageAccumulates(t *testing.T) {
	store := NewFileStore(t.TempDir())

	s, _ := store.Create()
	store.AddUsage(s.ID, 120, 48)
	store.AddUsage(s.ID, 80, 32)

	got, _ := store.Get(s.ID)
	if got.TokenUsage.Input != 200 || got.TokenUsage.Output != 80 {
		t.Errorf("usage = %+v, want 200/80", got.TokenUsage)
	}
}

func TestListSortsByUpdatedAt(t *testing.T) {
	store := NewFileStore(t.TempDir())

	a, _ := store.Create()
	b, _ := store.Create()
	time.Sleep(5 * time.Millisecond)
	store.AppendMessage(a.ID, Message{Role: "user", Content: "bump"})

	list, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].ID != a.ID {
		t.Errorf("expected most recently touched first, got %s then %s", list[0].ID, list[1].ID)
	}
	_ = b
}

func TestSchemaMessageRoundTrip(t *testing.T) {
	m := Message{
		Role:    "assistant",
		Content: "working on it",
		ToolCalls: []ToolCall{
			{ID: "call_9", Name: "exec.command", Args: `{"command":"ls"}`},
		},
	}
	wire := m.ToSchemaMessage()
	if len(wire.ToolCalls) != 1 || wire.ToolCalls[0].Function.Name != "exec.command" {
		t.Fatalf("unexpected wire message: %+v", wire)
	}

	back := NewMessageFromSchema(wire)
	if back.ToolCalls[0].Args != `{"command":"ls"}` {
		t.Errorf("arguments lost in round trip: %+v", back)
	}
	if back.Ts.IsZero() {
		t.Error("expected timestamp stamped")
	}
}
