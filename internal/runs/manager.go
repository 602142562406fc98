package runs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nrn-labs/undoable/internal/events"
	"github.com/nrn-labs/undoable/internal/storage"
)

// Sentinel errors for run operations.
var (
	ErrRunNotFound   = errors.New("run not found")
	ErrBadTransition = errors.New("illegal status transition")
	ErrPlanSet       = errors.New("plan already attached")
)

const (
	stateVersion = 1
	// maxEventLog bounds each run's event FIFO; the oldest envelope drops.
	maxEventLog = 4000
	// flushDelay coalesces event appends into one write.
	flushDelay = 200 * time.Millisecond
)

// Manager owns all run records and their event logs. Every bus envelope
// carrying a known runId is folded into that run's log automatically;
// LLM_TOKEN envelopes are delivered live but never logged.
type Manager struct {
	bus  *events.Bus
	path string
	now  func() time.Time

	mu        sync.Mutex
	runs      map[string]*Run
	eventLogs map[string][]events.Envelope

	debounce    *storage.Debouncer
	unsubscribe func()
}

type runEvents struct {
	RunID  string            `json:"runId"`
	Events []events.Envelope `json:"events"`
}

type stateFile struct {
	Version   int         `json:"version"`
	Runs      []*Run      `json:"runs"`
	EventLogs []runEvents `json:"eventLogs"`
	SavedAt   time.Time   `json:"savedAt"`
}

// NewManager loads persisted runs, applies the crash-recovery rule, and
// starts folding bus traffic into event logs.
func NewManager(bus *events.Bus, path string) *Manager {
	m := &Manager{
		bus:       bus,
		path:      path,
		now:       time.Now,
		runs:      make(map[string]*Run),
		eventLogs: make(map[string][]events.Envelope),
	}
	m.debounce = storage.NewDebouncer(flushDelay, m.flush)
	m.load()

	if bus != nil {
		m.unsubscribe = bus.OnAll(func(env events.Envelope) {
			if env.RunID == "" || env.Type == events.EventLLMToken {
				return
			}
			_ = m.AppendEvent(env.RunID, env)
		})
	}
	return m
}

// Close flushes pending state and detaches from the bus.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.debounce.Flush()
	m.debounce.Stop()
}

// Create registers a new run with status created, persists it immediately,
// and emits RUN_CREATED.
func (m *Manager) Create(in Input) (*Run, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	mode := in.Mode
	if mode == "" {
		mode = ModeApply
	}
	now := m.now()
	run := &Run{
		ID:          GenerateRunID(),
		UserID:      in.UserID,
		AgentID:     in.AgentID,
		SessionID:   in.SessionID,
		JobID:       in.JobID,
		Instruction: in.Instruction,
		Mode:        mode,
		WorkDir:     in.WorkDir,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	m.eventLogs[run.ID] = nil
	m.mu.Unlock()

	m.flush()

	if m.bus != nil {
		m.bus.EmitTyped(run.ID, events.RunCreatedPayload{
			Instruction: run.Instruction,
			AgentID:     run.AgentID,
			UserID:      run.UserID,
			JobID:       run.JobID,
			Mode:        run.Mode,
		}, events.ActorUser)
	}

	slog.Info("run created", "id", run.ID, "mode", run.Mode, "job", run.JobID)
	return run.Clone(), nil
}

// UpdateStatus moves a run through the FSM, stamps timestamps, emits
// STATUS_CHANGED (plus RUN_COMPLETED / RUN_FAILED on those exits), and
// flushes immediately.
func (m *Manager) UpdateStatus(id string, to Status, actor string) (*Run, error) {
	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrRunNotFound
	}
	from := run.Status
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s → %s", ErrBadTransition, from, to)
	}

	now := m.now()
	run.Status = to
	run.UpdatedAt = now
	if to == StatusPlanning && run.StartedAt == nil {
		t := now
		run.StartedAt = &t
	}
	if to.IsTerminal() && run.CompletedAt == nil {
		t := now
		run.CompletedAt = &t
	}
	snapshot := run.Clone()
	m.mu.Unlock()

	m.flush()

	if m.bus != nil {
		if actor == "" {
			actor = events.ActorSystem
		}
		m.bus.EmitTyped(id, events.StatusChangedPayload{From: string(from), To: string(to)}, actor)
		switch to {
		case StatusCompleted:
			var duration int64
			if snapshot.StartedAt != nil && snapshot.CompletedAt != nil {
				duration = snapshot.CompletedAt.Sub(*snapshot.StartedAt).Milliseconds()
			}
			m.bus.EmitTyped(id, events.RunCompletedPayload{Result: snapshot.Result, DurationMs: duration}, actor)
		case StatusFailed:
			m.bus.EmitTyped(id, events.RunFailedPayload{Error: snapshot.Error}, actor)
		}
	}

	slog.Info("run status", "id", id, "from", from, "to", to, "actor", actor)
	return snapshot, nil
}

// Complete records the result and moves the run to completed.
func (m *Manager) Complete(id, result, actor string) (*Run, error) {
	m.mu.Lock()
	if run, ok := m.runs[id]; ok {
		run.Result = result
	}
	m.mu.Unlock()
	return m.UpdateStatus(id, StatusCompleted, actor)
}

// Fail records the error and moves the run to failed.
func (m *Manager) Fail(id, errMsg, actor string) (*Run, error) {
	m.mu.Lock()
	if run, ok := m.runs[id]; ok {
		run.Error = errMsg
	}
	m.mu.Unlock()
	return m.UpdateStatus(id, StatusFailed, actor)
}

// Cancel moves the run to cancelled.
func (m *Manager) Cancel(id, actor string) (*Run, error) {
	return m.UpdateStatus(id, StatusCancelled, actor)
}

// SetPlan attaches the plan to a run. Plans are immutable once set.
func (m *Manager) SetPlan(id string, plan *Plan) error {
	if plan == nil || len(plan.Steps) == 0 {
		return errors.New("plan must have at least one step")
	}

	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return ErrRunNotFound
	}
	if run.Plan != nil {
		m.mu.Unlock()
		return ErrPlanSet
	}
	steps := make([]PlanStep, len(plan.Steps))
	copy(steps, plan.Steps)
	run.Plan = &Plan{Steps: steps}
	run.UpdatedAt = m.now()
	m.mu.Unlock()

	m.flush()
	return nil
}

// AppendEvent adds an envelope to the run's bounded FIFO and schedules a
// debounced flush.
func (m *Manager) AppendEvent(id string, env events.Envelope) error {
	m.mu.Lock()
	if _, ok := m.runs[id]; !ok {
		m.mu.Unlock()
		return ErrRunNotFound
	}
	log := append(m.eventLogs[id], env)
	if len(log) > maxEventLog {
		log = log[len(log)-maxEventLog:]
	}
	m.eventLogs[id] = log
	m.mu.Unlock()

	m.debounce.Schedule()
	return nil
}

// Get returns a copy of one run.
func (m *Manager) Get(id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.Clone(), nil
}

// GetEvents returns the run's event log, oldest first.
func (m *Manager) GetEvents(id string) ([]events.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return nil, ErrRunNotFound
	}
	log := m.eventLogs[id]
	out := make([]events.Envelope, len(log))
	copy(out, log)
	return out, nil
}

// List returns runs newest first, filtered by user when userID is set.
func (m *Manager) List(userID string) []*Run {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		if userID != "" && run.UserID != userID {
			continue
		}
		out = append(out, run.Clone())
	}
	sortRuns(out)
	return out
}

// ListByJobID returns runs launched by a scheduler job, newest first.
func (m *Manager) ListByJobID(jobID string) []*Run {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Run, 0, 4)
	for _, run := range m.runs {
		if run.JobID == jobID {
			out = append(out, run.Clone())
		}
	}
	sortRuns(out)
	return out
}

func sortRuns(rs []*Run) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID > rs[j].ID
		}
		return rs[i].CreatedAt.After(rs[j].CreatedAt)
	})
}

// Delete removes a run and its event log and drops its bus subscribers.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return ErrRunNotFound
	}
	if !run.Status.IsTerminal() {
		slog.Warn("deleting a run that is still moving", "id", id, "status", run.Status)
	}
	delete(m.runs, id)
	delete(m.eventLogs, id)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.DropRun(id)
	}
	m.flush()
	return nil
}

// Pause sets the paused flag. The executor checks it between pipeline
// stages; the status itself does not move.
func (m *Manager) Pause(id string) error {
	return m.setPaused(id, true)
}

// Resume clears the paused flag.
func (m *Manager) Resume(id string) error {
	return m.setPaused(id, false)
}

// IsPaused reports the paused flag; unknown runs are not paused.
func (m *Manager) IsPaused(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	return ok && run.Paused
}

func (m *Manager) setPaused(id string, paused bool) error {
	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("run %s is %s and cannot be paused or resumed", id, run.Status)
	}
	changed := run.Paused != paused
	run.Paused = paused
	status := run.Status
	if changed {
		run.UpdatedAt = m.now()
	}
	m.mu.Unlock()

	if !changed {
		return nil
	}
	m.flush()
	if m.bus != nil {
		p := paused
		m.bus.EmitTyped(id, events.StatusChangedPayload{
			From: string(status), To: string(status), Paused: &p,
		}, events.ActorUser)
	}
	return nil
}

// load restores persisted runs and applies the crash-recovery rule: any run
// that was still moving is rewritten to failed with a fresh updatedAt. The
// event logs are kept as flushed.
func (m *Manager) load() {
	if m.path == "" {
		return
	}
	var state stateFile
	if err := storage.LoadState(m.path, stateVersion, &state); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("runs: load state", "path", m.path, "error", err)
		}
		return
	}

	recovered := 0
	for _, run := range state.Runs {
		if run.ID == "" {
			continue
		}
		if !run.Status.IsTerminal() {
			run.Status = StatusFailed
			run.Error = "daemon restarted during execution"
			run.UpdatedAt = m.now()
			recovered++
		}
		run.Paused = false
		m.runs[run.ID] = run
	}
	for _, log := range state.EventLogs {
		if _, ok := m.runs[log.RunID]; ok {
			m.eventLogs[log.RunID] = log.Events
		}
	}

	if recovered > 0 {
		m.flush()
	}
	slog.Info("runs restored", "count", len(m.runs), "recovered", recovered)
}

// flush snapshots everything to disk immediately.
func (m *Manager) flush() {
	if m.path == "" {
		return
	}

	m.mu.Lock()
	state := stateFile{Version: stateVersion, SavedAt: m.now()}
	state.Runs = make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		state.Runs = append(state.Runs, run.Clone())
	}
	sort.Slice(state.Runs, func(i, j int) bool { return state.Runs[i].ID < state.Runs[j].ID })
	state.EventLogs = make([]runEvents, 0, len(m.eventLogs))
	for id, log := range m.eventLogs {
		if len(log) == 0 {
			continue
		}
		copied := make([]events.Envelope, len(log))
		copy(copied, log)
		state.EventLogs = append(state.EventLogs, runEvents{RunID: id, Events: copied})
	}
	sort.Slice(state.EventLogs, func(i, j int) bool { return state.EventLogs[i].RunID < state.EventLogs[j].RunID })
	m.mu.Unlock()

	if err := storage.SaveState(m.path, &state); err != nil {
		slog.Error("runs: persist state", "path", m.path, "error", err)
		if m.bus != nil {
			m.bus.EmitTyped("", events.WarningPayload{
				Code:    events.WarnPersistence,
				Message: "runs state write failed: " + err.Error(),
			}, events.ActorSystem)
		}
	}
}
