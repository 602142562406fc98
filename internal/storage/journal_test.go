package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nrn-labs/undoable/internal/events"
)

func TestEventJournalWritesEnvelopes(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(16)
	journal := NewEventJournal(dir, bus)
	defer journal.Close()

	bus.Emit("run_1", events.EventRunCreated, map[string]any{"instruction": "hi"})
	bus.Emit("run_1", events.EventStatusChanged, map[string]any{"from": "created", "to": "planning"})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one day file, got %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "events-") {
		t.Errorf("unexpected journal file name %s", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Errorf("expected 2 journal lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "RUN_CREATED") {
		t.Errorf("first line should carry RUN_CREATED, got %s", lines[0])
	}
}

func TestEventJournalSkipsTokenDeltas(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(16)
	journal := NewEventJournal(dir, bus)
	defer journal.Close()

	bus.Emit("run_1", events.EventLLMToken, map[string]any{"content": "hel"})
	bus.Emit("run_1", events.EventLLMToken, map[string]any{"content": "lo"})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no journal file for token-only traffic, got %v", entries)
	}
}

func TestEventJournalCloseStops(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(16)
	journal := NewEventJournal(dir, bus)

	bus.Emit("run_1", events.EventRunCreated, nil)
	journal.Close()
	bus.Emit("run_1", events.EventRunFailed, map[string]any{"error": "x"})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one day file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(data), "RUN_FAILED") {
		t.Error("journal must not record envelopes after Close")
	}
}
