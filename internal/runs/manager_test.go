package runs

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nrn-labs/undoable/internal/events"
)

func testInput() Input {
	return Input{Instruction: "tidy the notes directory", Mode: ModeApply}
}

func TestCreateStartsCreated(t *testing.T) {
	bus := events.NewBus(64)
	m := NewManager(bus, "")
	defer m.Close()

	run, err := m.Create(testInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if run.Status != StatusCreated {
		t.Errorf("expected status created, got %s", run.Status)
	}
	if run.ID == "" || run.Mode != ModeApply {
		t.Errorf("unexpected run identity: %+v", run)
	}

	log, err := m.GetEvents(run.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(log) != 1 || log[0].Type != events.EventRunCreated {
		t.Fatalf("expected RUN_CREATED folded into the event log, got %v", log)
	}
}

func TestCreateRequiresInstruction(t *testing.T) {
	m := NewManager(nil, "")
	defer m.Close()

	if _, err := m.Create(Input{Instruction: "   "}); err == nil {
		t.Error("expected empty instruction rejected")
	}
	if _, err := m.Create(Input{Instruction: "x", Mode: "sideways"}); err == nil {
		t.Error("expected unknown mode rejected")
	}
}

func TestStatusTransitionsGuarded(t *testing.T) {
	m := NewManager(nil, "")
	defer m.Close()

	run, _ := m.Create(testInput())

	if _, err := m.UpdateStatus(run.ID, StatusPlanned, ""); !errors.Is(err, ErrBadTransition) {
		t.Errorf("created → planned must be refused, got %v", err)
	}
	if _, err := m.UpdateStatus(run.ID, StatusPlanning, ""); err != nil {
		t.Fatalf("created → planning: %v", err)
	}
	if _, err := m.UpdateStatus(run.ID, StatusFailed, ""); err != nil {
		t.Fatalf("non-terminal → failed must be allowed: %v", err)
	}
	if _, err := m.UpdateStatus(run.ID, StatusPlanning, ""); !errors.Is(err, ErrBadTransition) {
		t.Errorf("failed is terminal, got %v", err)
	}

	got, _ := m.Get(run.ID)
	if got.CompletedAt == nil {
		t.Error("terminal status must stamp completedAt")
	}
}

func TestCompletedCanStillUndo(t *testing.T) {
	m := NewManager(nil, "")
	defer m.Close()

	run, _ := m.Create(testInput())
	for _, s := range []Status{StatusPlanning, StatusPlanned, StatusShadowing, StatusShadowed, StatusApplying, StatusCompleted} {
		if _, err := m.UpdateStatus(run.ID, s, ""); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	if _, err := m.UpdateStatus(run.ID, StatusUndoing, ""); err != nil {
		t.Fatalf("completed → undoing: %v", err)
	}
	if _, err := m.UpdateStatus(run.ID, StatusCompleted, ""); err != nil {
		t.Fatalf("undoing → completed: %v", err)
	}
}

func TestCompleteAndFailRecordDetail(t *testing.T) {
	bus := events.NewBus(64)
	m := NewManager(bus, "")
	defer m.Close()

	run, _ := m.Create(testInput())
	m.UpdateStatus(run.ID, StatusPlanning, "")
	m.UpdateStatus(run.ID, StatusPlanned, "")
	m.UpdateStatus(run.ID, StatusShadowing, "")
	m.UpdateStatus(run.ID, StatusShadowed, "")
	m.UpdateStatus(run.ID, StatusApplying, "")
	if _, err := m.Complete(run.ID, "three files rewritten", ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, _ := m.Get(run.ID)
	if got.Result != "three files rewritten" {
		t.Errorf("result not recorded: %q", got.Result)
	}

	log, _ := m.GetEvents(run.ID)
	var sawCompleted bool
	for _, env := range log {
		if env.Type == events.EventRunCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Error("expected RUN_COMPLETED in the event log")
	}

	other, _ := m.Create(testInput())
	m.UpdateStatus(other.ID, StatusPlanning, "")
	if _, err := m.Fail(other.ID, "model unreachable", ""); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	gotOther, _ := m.Get(other.ID)
	if gotOther.Error != "model unreachable" {
		t.Errorf("error not recorded: %q", gotOther.Error)
	}
}

func TestSetPlanImmutable(t *testing.T) {
	m := NewManager(nil, "")
	defer m.Close()

	run, _ := m.Create(testInput())
	plan := &Plan{Steps: []PlanStep{{ID: "step_1", Title: "survey"}}}
	if err := m.SetPlan(run.ID, plan); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	if err := m.SetPlan(run.ID, plan); !errors.Is(err, ErrPlanSet) {
		t.Errorf("expected ErrPlanSet, got %v", err)
	}
	if err := m.SetPlan(run.ID, &Plan{}); err == nil {
		t.Error("expected empty plan rejected")
	}
	if err := m.SetPlan("run_missing", plan); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestEventLogFIFOBound(t *testing.T) {
	m := NewManager(nil, "")
	defer m.Close()

	run, _ := m.Create(testInput())
	total := maxEventLog + 50
	for i := 0; i < total; i++ {
		env := events.Envelope{EventID: uint64(i + 1), RunID: run.ID, Type: events.EventToolCall}
		if err := m.AppendEvent(run.ID, env); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	log, _ := m.GetEvents(run.ID)
	if len(log) != maxEventLog {
		t.Fatalf("expected log capped at %d, got %d", maxEventLog, len(log))
	}
	if log[0].EventID != uint64(total-maxEventLog+1) {
		t.Errorf("expected oldest entries dropped, first eventId %d", log[0].EventID)
	}
}

func TestListFiltersByUser(t *testing.T) {
	m := NewManager(nil, "")
	defer m.Close()

	m.Create(Input{Instruction: "a", UserID: "ada"})
	m.Create(Input{Instruction: "b", UserID: "kay"})
	m.Create(Input{Instruction: "c", UserID: "ada"})

	if got := len(m.List("")); got != 3 {
		t.Errorf("expected 3 runs, got %d", got)
	}
	if got := len(m.List("ada")); got != 2 {
		t.Errorf("expected 2 runs for ada, got %d", got)
	}
}

func TestListByJobID(t *testing.T) {
	m := NewManager(nil, "")
	defer m.Close()

	m.Create(Input{Instruction: "a", JobID: "job_nightly"})
	m.Create(Input{Instruction: "b"})
	m.Create(Input{Instruction: "c", JobID: "job_nightly"})

	got := m.ListByJobID("job_nightly")
	if len(got) != 2 {
		t.Fatalf("expected 2 runs for the job, got %d", len(got))
	}
}

func TestPauseResume(t *testing.T) {
	m := NewManager(nil, "")
	defer m.Close()

	run, _ := m.Create(testInput())
	if m.IsPaused(run.ID) {
		t.Fatal("fresh run must not be paused")
	}
	if err := m.Pause(run.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !m.IsPaused(run.ID) {
		t.Fatal("expected paused flag set")
	}

	got, _ := m.Get(run.ID)
	if got.Status != StatusCreated {
		t.Errorf("pausing must not move the status, got %s", got.Status)
	}

	if err := m.Resume(run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if m.IsPaused(run.ID) {
		t.Fatal("expected paused flag cleared")
	}

	m.UpdateStatus(run.ID, StatusPlanning, "")
	m.UpdateStatus(run.ID, StatusFailed, "")
	if err := m.Pause(run.ID); err == nil {
		t.Error("terminal runs must refuse pause")
	}
}

func TestDeleteRemovesRunAndEvents(t *testing.T) {
	m := NewManager(nil, "")
	defer m.Close()

	run, _ := m.Create(testInput())
	if err := m.Delete(run.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected run gone, got %v", err)
	}
	if _, err := m.GetEvents(run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected event log gone, got %v", err)
	}
	if err := m.Delete(run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("double delete must report ErrRunNotFound, got %v", err)
	}
}

func TestRecoveryFailsInFlightRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs-state.json")
	bus := events.NewBus(64)

	m := NewManager(bus, path)
	run, _ := m.Create(testInput())
	m.UpdateStatus(run.ID, StatusPlanning, "")
	for i := 0; i < 5; i++ {
		m.AppendEvent(run.ID, events.Envelope{
			EventID: uint64(100 + i), RunID: run.ID, Type: events.EventToolCall,
			Payload: map[string]any{"n": fmt.Sprint(i)},
		})
	}
	finished, _ := m.Create(Input{Instruction: "already done"})
	m.UpdateStatus(finished.ID, StatusPlanning, "")
	m.UpdateStatus(finished.ID, StatusFailed, "")
	m.Close()

	restored := NewManager(nil, path)
	defer restored.Close()

	got, err := restored.Get(run.ID)
	if err != nil {
		t.Fatalf("expected run restored: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("non-terminal run must recover as failed, got %s", got.Status)
	}
	if !got.UpdatedAt.After(run.CreatedAt) {
		t.Error("recovery must refresh updatedAt")
	}

	log, _ := restored.GetEvents(run.ID)
	if len(log) < 5 {
		t.Errorf("expected event log intact after recovery, got %d envelopes", len(log))
	}

	gotFinished, _ := restored.Get(finished.ID)
	if gotFinished.Status != StatusFailed || gotFinished.Error != "" {
		t.Errorf("terminal run must survive untouched: %+v", gotFinished)
	}
}

func TestLoadRefusesFutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs-state.json")
	writeFile(t, path, `{"version": 99, "runs": [{"id": "run_x", "instruction": "?", "status": "created"}]}`)

	m := NewManager(nil, path)
	defer m.Close()
	if got := len(m.List("")); got != 0 {
		t.Errorf("a future-version file must not load, got %d runs", got)
	}
}
