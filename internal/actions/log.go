package actions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("action not found")
	ErrNotUndoable   = errors.New("action is not undoable")
	ErrAlreadyUndone = errors.New("action already undone")
	ErrUndoInFlight  = errors.New("undo already in progress for this action")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// UndoFunc applies a tool-provided inverse. The tool registry installs one
// that routes the payload back to the owning tool.
type UndoFunc func(ctx context.Context, inv Inverse) error

// RedoFunc replays an original invocation through the tool registry so the
// replay is gated, recorded and finalized like any fresh call.
type RedoFunc func(ctx context.Context, toolName string, args map[string]any) error

// Log is the append-only action log. All mutation goes through its methods;
// writes are serialized internally.
type Log struct {
	mu       sync.Mutex
	entries  []*Record
	byID     map[string]*Record
	redo     []*Record
	inFlight map[string]bool

	undoer UndoFunc
	redoer RedoFunc

	archive     *Archive
	archiveErrs atomic.Int64

	nonUndoableCap int
}

// NewLog creates an action log. archive may be nil; when present every
// finalized record is mirrored into it for audit.
func NewLog(archive *Archive) *Log {
	return &Log{
		byID:           make(map[string]*Record),
		inFlight:       make(map[string]bool),
		archive:        archive,
		nonUndoableCap: 50,
	}
}

// SetUndoer installs the inverse applier. Called once at wiring time.
func (l *Log) SetUndoer(fn UndoFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.undoer = fn
}

// SetRedoer installs the replay function. Called once at wiring time.
func (l *Log) SetRedoer(fn RedoFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redoer = fn
}

// Append adds a pre-action record and returns a copy of it. The record is
// finalized later with the call's outcome.
func (l *Log) Append(runID, toolName string, category Category, args map[string]any, undoable bool, approval ApprovalState) Record {
	rec := &Record{
		ID:        "act_" + uuid.NewString()[:8],
		RunID:     runID,
		ToolName:  toolName,
		Category:  category,
		Args:      args,
		Undoable:  undoable,
		Approval:  approval,
		StartedAt: time.Now(),
	}

	l.mu.Lock()
	l.entries = append(l.entries, rec)
	l.byID[rec.ID] = rec
	l.mu.Unlock()

	return *rec
}

// Finalize completes a pre-action record with the call's outcome. A call
// that produced no inverse is not undoable, whatever the tool declared.
func (l *Log) Finalize(id string, durationMs int64, errMsg string, inverse *Inverse) (Record, error) {
	l.mu.Lock()
	rec, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return Record{}, ErrNotFound
	}
	rec.DurationMs = durationMs
	rec.Error = errMsg
	rec.Inverse = inverse
	if rec.Undoable && inverse == nil {
		rec.Undoable = false
	}
	out := *rec
	l.mu.Unlock()

	l.archiveInsert(out)
	return out, nil
}

// RecordDenied appends an already-finalized audit entry for a call the
// approval gate refused. Nothing executed, so there is nothing to undo.
func (l *Log) RecordDenied(runID, toolName string, category Category, args map[string]any, reason string) Record {
	rec := &Record{
		ID:        "act_" + uuid.NewString()[:8],
		RunID:     runID,
		ToolName:  toolName,
		Category:  category,
		Args:      args,
		Approval:  ApprovalDenied,
		StartedAt: time.Now(),
		Error:     reason,
	}

	l.mu.Lock()
	l.entries = append(l.entries, rec)
	l.byID[rec.ID] = rec
	out := *rec
	l.mu.Unlock()

	l.archiveInsert(out)
	return out
}

// Get returns a copy of the record.
func (l *Log) Get(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byID[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of entries ever appended.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ListUndoable returns still-reversible entries, most recent first.
func (l *Log) ListUndoable() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].reversible() {
			out = append(out, *l.entries[i])
		}
	}
	return out
}

// ListRedoable returns undone entries that have not been replayed,
// most recently undone first.
func (l *Log) ListRedoable() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.redo))
	for i := len(l.redo) - 1; i >= 0; i-- {
		out = append(out, *l.redo[i])
	}
	return out
}

// ListNonUndoableRecent returns recent non-undoable entries, most recent
// first. These never appear in undo results.
func (l *Log) ListNonUndoableRecent() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for i := len(l.entries) - 1; i >= 0 && len(out) < l.nonUndoableCap; i-- {
		rec := l.entries[i]
		if !rec.Undoable && !rec.Undone {
			out = append(out, *rec)
		}
	}
	return out
}

// ListByRun returns the run's entries in append order.
func (l *Log) ListByRun(runID string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, rec := range l.entries {
		if rec.RunID == runID {
			out = append(out, *rec)
		}
	}
	return out
}

// UndoAction applies the entry's inverse and, on success, marks it undone
// and pushes it onto the redo stack. The inverse runs outside the log lock;
// concurrent undo of the same entry is refused.
func (l *Log) UndoAction(ctx context.Context, id string) error {
	l.mu.Lock()
	rec, ok := l.byID[id]
	switch {
	case !ok:
		l.mu.Unlock()
		return ErrNotFound
	case l.inFlight[id]:
		l.mu.Unlock()
		return ErrUndoInFlight
	case rec.Undone:
		l.mu.Unlock()
		return ErrAlreadyUndone
	case !rec.reversible():
		l.mu.Unlock()
		return ErrNotUndoable
	case l.undoer == nil:
		l.mu.Unlock()
		return errors.New("no undoer installed")
	}
	undoer := l.undoer
	inv := *rec.Inverse
	l.inFlight[id] = true
	l.mu.Unlock()

	err := undoer(ctx, inv)

	l.mu.Lock()
	delete(l.inFlight, id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	now := time.Now()
	rec.Undone = true
	rec.UndoneAt = &now
	l.redo = append(l.redo, rec)
	out := *rec
	l.mu.Unlock()

	l.archiveMarkUndone(out.ID, now)
	return nil
}

// UndoLastN walks the undoable list newest-first, reversing up to n entries
// and stopping at the first failure. The failed entry is included in the
// results; later entries stay untouched.
func (l *Log) UndoLastN(ctx context.Context, n int) []UndoResult {
	candidates := l.ListUndoable()
	if n > 0 && n < len(candidates) {
		candidates = candidates[:n]
	}
	return l.undoWalk(ctx, candidates)
}

// UndoAll reverses every undoable entry, stopping at the first failure.
func (l *Log) UndoAll(ctx context.Context) []UndoResult {
	return l.undoWalk(ctx, l.ListUndoable())
}

// UndoRun reverses the run's undoable entries, newest first, stopping at
// the first failure.
func (l *Log) UndoRun(ctx context.Context, runID string) []UndoResult {
	var candidates []Record
	for _, rec := range l.ListUndoable() {
		if rec.RunID == runID {
			candidates = append(candidates, rec)
		}
	}
	return l.undoWalk(ctx, candidates)
}

func (l *Log) undoWalk(ctx context.Context, candidates []Record) []UndoResult {
	results := make([]UndoResult, 0, len(candidates))
	for _, rec := range candidates {
		res := UndoResult{ID: rec.ID, ToolName: rec.ToolName, OK: true}
		if err := l.UndoAction(ctx, rec.ID); err != nil {
			res.OK = false
			res.Error = err.Error()
			results = append(results, res)
			break
		}
		results = append(results, res)
	}
	return results
}

// RedoLast replays the most recently undone entry's original invocation.
// The replay goes through the tool registry, so it appends a fresh record;
// the log itself stays append-only. On failure the entry stays redoable.
func (l *Log) RedoLast(ctx context.Context) (Record, error) {
	l.mu.Lock()
	if len(l.redo) == 0 {
		l.mu.Unlock()
		return Record{}, ErrNothingToRedo
	}
	if l.redoer == nil {
		l.mu.Unlock()
		return Record{}, errors.New("no redoer installed")
	}
	rec := l.redo[len(l.redo)-1]
	l.redo = l.redo[:len(l.redo)-1]
	redoer := l.redoer
	out := *rec
	l.mu.Unlock()

	if err := redoer(ctx, out.ToolName, out.Args); err != nil {
		l.mu.Lock()
		l.redo = append(l.redo, rec)
		l.mu.Unlock()
		return Record{}, err
	}
	return out, nil
}

// Stats reports log counters for health checks.
func (l *Log) Stats() (total, undone int, archiveErrs int64) {
	l.mu.Lock()
	total = len(l.entries)
	for _, rec := range l.entries {
		if rec.Undone {
			undone++
		}
	}
	l.mu.Unlock()
	return total, undone, l.archiveErrs.Load()
}

func (l *Log) archiveInsert(rec Record) {
	if l.archive == nil {
		return
	}
	if err := l.archive.Insert(rec); err != nil {
		l.archiveErrs.Add(1)
		slog.Warn("action archive insert failed", "action_id", rec.ID, "error", err)
	}
}

func (l *Log) archiveMarkUndone(id string, at time.Time) {
	if l.archive == nil {
		return
	}
	if err := l.archive.MarkUndone(id, at); err != nil {
		l.archiveErrs.Add(1)
		slog.Warn("action archive update failed", "action_id", id, "error", err)
	}
}
