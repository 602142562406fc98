package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/nrn-labs/undoable/internal/events"
)

// EventJournal mirrors bus envelopes to per-day JSONL files for debugging.
// Token deltas are skipped; they are noise at rest and the run event logs
// already carry everything that matters.
type EventJournal struct {
	mu          sync.Mutex
	dir         string
	unsubscribe func()
}

// NewEventJournal subscribes to every bus envelope and appends them under dir.
func NewEventJournal(dir string, bus *events.Bus) *EventJournal {
	ej := &EventJournal{dir: dir}
	ej.unsubscribe = bus.OnAll(ej.handle)
	return ej
}

// Close unsubscribes the journal from the event bus.
func (j *EventJournal) Close() {
	if j.unsubscribe != nil {
		j.unsubscribe()
	}
}

func (j *EventJournal) handle(env events.Envelope) {
	if env.Type == events.EventLLMToken {
		return
	}
	_ = j.write(env)
}

func (j *EventJournal) write(env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(j.dir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(j.dir, "events-"+env.Timestamp.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}
