package scheduler

import "log/slog"

// historyMax bounds the undo stack; the oldest entry falls off first.
const historyMax = 200

type historyKind string

const (
	historyCreate historyKind = "create"
	historyUpdate historyKind = "update"
	historyDelete historyKind = "delete"
)

// historyEntry captures one user mutation. Before/After are deep copies
// taken at mutation time, so later edits can't corrupt the stack.
type historyEntry struct {
	Kind   historyKind
	Before *Job
	After  *Job
}

func (e historyEntry) jobID() string {
	if e.After != nil {
		return e.After.ID
	}
	return e.Before.ID
}

// history holds the in-memory undo/redo stacks. Job persistence is separate
// and authoritative; the stacks never survive a restart.
type history struct {
	undo []historyEntry
	redo []historyEntry
}

func (h *history) push(e historyEntry) {
	h.undo = append(h.undo, e)
	if len(h.undo) > historyMax {
		h.undo = h.undo[1:]
	}
	h.redo = nil
}

func (h *history) recordCreate(after *Job) {
	h.push(historyEntry{Kind: historyCreate, After: after})
}

func (h *history) recordUpdate(before, after *Job) {
	h.push(historyEntry{Kind: historyUpdate, Before: before, After: after})
}

func (h *history) recordDelete(before *Job) {
	h.push(historyEntry{Kind: historyDelete, Before: before})
}

func (h *history) popUndo() (historyEntry, bool) {
	if len(h.undo) == 0 {
		return historyEntry{}, false
	}
	e := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	return e, true
}

func (h *history) popRedo() (historyEntry, bool) {
	if len(h.redo) == 0 {
		return historyEntry{}, false
	}
	e := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	return e, true
}

// HistoryOp describes a replayed history entry for callers that report it.
type HistoryOp struct {
	Kind  string `json:"kind"`
	JobID string `json:"jobId"`
}

// UndoLast reverses the most recent user mutation: a create is removed, an
// update restored to its before-image, a delete re-added. The reversed entry
// moves to the redo stack. Replays do not record new history.
func (s *Scheduler) UndoLast() (HistoryOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.history.popUndo()
	if !ok {
		return HistoryOp{}, ErrNothingToUndo
	}

	switch entry.Kind {
	case historyCreate:
		delete(s.jobs, entry.After.ID)
	case historyUpdate:
		s.restoreLocked(entry.Before)
	case historyDelete:
		s.restoreLocked(entry.Before)
	}

	s.history.redo = append(s.history.redo, entry)
	s.persistLocked()
	slog.Info("scheduler: history undo", "kind", entry.Kind, "id", entry.jobID())
	return HistoryOp{Kind: string(entry.Kind), JobID: entry.jobID()}, nil
}

// RedoLast re-applies the most recently undone mutation and moves it back
// to the undo stack. Any new user mutation clears the redo stack first.
func (s *Scheduler) RedoLast() (HistoryOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.history.popRedo()
	if !ok {
		return HistoryOp{}, ErrNothingToRedo
	}

	switch entry.Kind {
	case historyCreate:
		s.restoreLocked(entry.After)
	case historyUpdate:
		s.restoreLocked(entry.After)
	case historyDelete:
		delete(s.jobs, entry.Before.ID)
	}

	s.history.undo = append(s.history.undo, entry)
	s.persistLocked()
	slog.Info("scheduler: history redo", "kind", entry.Kind, "id", entry.jobID())
	return HistoryOp{Kind: string(entry.Kind), JobID: entry.jobID()}, nil
}

// restoreLocked installs a snapshot copy into the wheel with a fresh wake
// time. Caller must hold s.mu.
func (s *Scheduler) restoreLocked(snapshot *Job) {
	job := snapshot.Clone()
	job.State.NextWakeAtMs = s.computeNext(job, s.now())
	job.UpdatedAt = s.now()
	s.jobs[job.ID] = job
}
