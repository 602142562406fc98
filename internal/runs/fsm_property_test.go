package runs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nrn-labs/undoable/internal/events"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

var allStatuses = []Status{
	StatusCreated, StatusPlanning, StatusPlanned, StatusShadowing, StatusShadowed,
	StatusApprovalRequired, StatusApplying, StatusCompleted, StatusFailed,
	StatusCancelled, StatusUndoing,
}

// TestFSMClosureProperty drives runs with arbitrary transition attempts and
// checks that every STATUS_CHANGED envelope in the event log is a legal move
// and that the chain is connected: each event's from equals the previous
// event's to.
func TestFSMClosureProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 80
	properties := gopter.NewProperties(parameters)

	properties.Property("event logs only ever contain legal transitions", prop.ForAll(
		func(targets []int) bool {
			bus := events.NewBus(16)
			m := NewManager(bus, "")
			defer m.Close()

			run, err := m.Create(testInput())
			if err != nil {
				return false
			}
			for _, n := range targets {
				m.UpdateStatus(run.ID, allStatuses[n%len(allStatuses)], "")
			}

			log, err := m.GetEvents(run.ID)
			if err != nil {
				return false
			}
			prev := string(StatusCreated)
			for _, env := range log {
				if env.Type != events.EventStatusChanged {
					continue
				}
				p, ok := events.GetStatusChangedPayload(env)
				if !ok {
					return false
				}
				if p.Paused != nil {
					continue
				}
				if p.From != prev {
					return false
				}
				if !CanTransition(Status(p.From), Status(p.To)) {
					return false
				}
				prev = p.To
			}

			final, err := m.Get(run.ID)
			if err != nil {
				return false
			}
			return string(final.Status) == prev
		},
		gen.SliceOf(gen.IntRange(0, len(allStatuses)-1)),
	))

	properties.TestingRun(t)
}
