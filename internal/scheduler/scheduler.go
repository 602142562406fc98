// Package scheduler runs the in-memory job wheel: a coarse 1s tick with
// per-job wake timestamps, opaque payloads handed to a caller-supplied
// handler, and an in-memory undo/redo history over user mutations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nrn-labs/undoable/internal/events"
	"github.com/nrn-labs/undoable/internal/storage"
)

// Sentinel errors for job operations.
var (
	ErrJobNotFound   = errors.New("job not found")
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Run modes for manual fires.
const (
	RunDue   = "due"
	RunForce = "force"
)

const stateVersion = 1

// Handler receives the job snapshot on every fire. The scheduler treats the
// payload as opaque; the handler decides what it means. A job stays
// in-flight until its handler returns.
type Handler func(ctx context.Context, job Job) error

// Config holds scheduler dependencies.
type Config struct {
	Bus     *events.Bus
	Handler Handler
	Path    string           // jobs-state.json; empty disables persistence
	Now     func() time.Time // nil defaults to time.Now
}

// Scheduler evaluates the job wheel once per second and fires due jobs.
type Scheduler struct {
	bus     *events.Bus
	handler Handler
	path    string
	now     func() time.Time

	paused atomic.Bool

	mu       sync.Mutex
	jobs     map[string]*Job
	inflight map[string]bool
	history  history

	done chan struct{}
}

type stateFile struct {
	Version int       `json:"version"`
	Jobs    []*Job    `json:"jobs"`
	SavedAt time.Time `json:"savedAt"`
}

// New creates a Scheduler and loads any persisted jobs.
func New(cfg Config) *Scheduler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		bus:      cfg.Bus,
		handler:  cfg.Handler,
		path:     cfg.Path,
		now:      now,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]bool),
		done:     make(chan struct{}),
	}
	s.load()
	return s
}

// Start begins the tick loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	count := len(s.jobs)
	s.mu.Unlock()
	slog.Info("scheduler started", "jobs", count)
	go s.loop()
}

// Stop halts the tick loop. In-flight handlers are not interrupted.
func (s *Scheduler) Stop() {
	close(s.done)
	slog.Info("scheduler stopped")
}

// SetPaused suppresses automatic firing while true. Manual Run calls and
// job mutations still work; due jobs fire on the first tick after resume.
func (s *Scheduler) SetPaused(paused bool) {
	s.paused.Store(paused)
}

// Paused reports whether automatic firing is suppressed.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// Add registers a new job, computes its first wake, and records a create
// entry in the history.
func (s *Scheduler) Add(job *Job) (*Job, error) {
	if err := validateJob(job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = GenerateJobID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return nil, fmt.Errorf("job %s already exists", job.ID)
	}

	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.State.NextWakeAtMs = s.computeNext(job, now)
	s.jobs[job.ID] = job

	s.history.recordCreate(job.Clone())
	s.persistLocked()

	slog.Info("scheduler: job added", "id", job.ID, "name", job.Name, "kind", job.Schedule.Kind())
	return job.Clone(), nil
}

// Update applies a partial patch to a job and records an update entry.
// A schedule or enabled change recomputes the next wake.
func (s *Scheduler) Update(id string, patch Patch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}

	before := job.Clone()
	patch.apply(job)
	if err := validateJob(job); err != nil {
		*job = *before
		return nil, err
	}

	if patch.Schedule != nil || (patch.Enabled != nil && *patch.Enabled) {
		job.State.NextWakeAtMs = s.computeNext(job, s.now())
	}
	job.UpdatedAt = s.now()

	s.history.recordUpdate(before, job.Clone())
	s.persistLocked()

	slog.Info("scheduler: job updated", "id", id)
	return job.Clone(), nil
}

// Remove deletes a job and records a delete entry.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)

	s.history.recordDelete(job.Clone())
	s.persistLocked()

	slog.Info("scheduler: job removed", "id", id)
	return nil
}

// Get returns a copy of a job.
func (s *Scheduler) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns jobs sorted by creation time, oldest first. Disabled jobs
// are included only when includeDisabled is set.
func (s *Scheduler) List(includeDisabled bool) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.Enabled && !includeDisabled {
			continue
		}
		result = append(result, job.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Status summarizes the wheel for surfaces that poll it.
type Status struct {
	Jobs         int   `json:"jobs"`
	Enabled      int   `json:"enabled"`
	InFlight     int   `json:"inFlight"`
	Paused       bool  `json:"paused"`
	NextWakeAtMs int64 `json:"nextWakeAtMs,omitempty"`
	UndoDepth    int   `json:"undoDepth"`
	RedoDepth    int   `json:"redoDepth"`
}

// Status returns counts and the earliest pending wake across enabled jobs.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Jobs:      len(s.jobs),
		InFlight:  len(s.inflight),
		Paused:    s.paused.Load(),
		UndoDepth: len(s.history.undo),
		RedoDepth: len(s.history.redo),
	}
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		st.Enabled++
		if job.State.NextWakeAtMs > 0 && (st.NextWakeAtMs == 0 || job.State.NextWakeAtMs < st.NextWakeAtMs) {
			st.NextWakeAtMs = job.State.NextWakeAtMs
		}
	}
	return st
}

// Run fires a job by hand and blocks until the handler returns. Mode "due"
// fires only when the job is enabled and its wake time has passed; "force"
// fires regardless of dueness, enablement, and the paused flag. Returns
// whether the job actually fired.
func (s *Scheduler) Run(ctx context.Context, id, mode string) (bool, error) {
	if mode != RunDue && mode != RunForce {
		return false, fmt.Errorf("run mode must be %q or %q", RunDue, RunForce)
	}

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, ErrJobNotFound
	}
	if mode == RunDue {
		if !job.Enabled || job.State.NextWakeAtMs == 0 || s.now().UnixMilli() < job.State.NextWakeAtMs {
			s.mu.Unlock()
			return false, nil
		}
	}
	s.mu.Unlock()

	return s.fire(ctx, id, mode)
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick dispatches every due job on its own goroutine. The in-flight guard
// inside fire makes duplicate dispatches of the same job a no-op.
func (s *Scheduler) tick() {
	if s.paused.Load() {
		return
	}
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	var due []string
	for id, job := range s.jobs {
		if !job.Enabled || s.inflight[id] {
			continue
		}
		if job.State.NextWakeAtMs == 0 || nowMs < job.State.NextWakeAtMs {
			continue
		}
		due = append(due, id)
	}
	s.mu.Unlock()

	for _, id := range due {
		go func(jobID string) {
			if _, err := s.fire(context.Background(), jobID, "tick"); err != nil && !errors.Is(err, ErrJobNotFound) {
				slog.Error("scheduler: fire", "id", jobID, "error", err)
			}
		}(id)
	}
}

// fire runs the payload handler for one job and re-arms it afterwards.
// A job already in flight is skipped; one-shot jobs delete or disable
// themselves once the handler resolves.
func (s *Scheduler) fire(ctx context.Context, id, trigger string) (bool, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, ErrJobNotFound
	}
	if s.inflight[id] {
		s.mu.Unlock()
		return false, nil
	}
	s.inflight[id] = true
	snapshot := *job.Clone()
	s.mu.Unlock()

	firedAt := s.now()
	var handlerErr error
	if s.handler != nil {
		handlerErr = s.handler(ctx, snapshot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)

	job, ok = s.jobs[id]
	if !ok {
		// Removed while the handler was running; nothing to re-arm.
		return true, handlerErr
	}

	job.State.LastFiredAt = firedAt.UnixMilli()
	job.State.FireCount++
	if handlerErr != nil {
		job.State.LastError = handlerErr.Error()
		slog.Warn("scheduler: handler failed", "id", id, "name", job.Name, "error", handlerErr)
	} else {
		job.State.LastError = ""
	}

	switch job.Schedule.Kind() {
	case KindEvery:
		job.State.NextWakeAtMs = firedAt.UnixMilli() + job.Schedule.Every
	case KindCron:
		if expr, err := ParseCron(job.Schedule.Cron); err == nil {
			job.State.NextWakeAtMs = expr.Next(s.now()).UnixMilli()
		}
	case KindAt:
		if job.DeleteAfterRun {
			delete(s.jobs, id)
			s.persistLocked()
			slog.Info("scheduler: one-shot fired and deleted", "id", id, "trigger", trigger)
			return true, handlerErr
		}
		job.Enabled = false
		job.State.NextWakeAtMs = 0
	}
	job.UpdatedAt = s.now()
	s.persistLocked()

	slog.Debug("scheduler: fired", "id", id, "name", job.Name, "trigger", trigger, "fires", job.State.FireCount)
	return true, handlerErr
}

// computeNext returns the first wake for a job's current schedule.
func (s *Scheduler) computeNext(job *Job, now time.Time) int64 {
	switch job.Schedule.Kind() {
	case KindEvery:
		if job.State.LastFiredAt > 0 {
			return job.State.LastFiredAt + job.Schedule.Every
		}
		return now.UnixMilli() + job.Schedule.Every
	case KindCron:
		expr, err := ParseCron(job.Schedule.Cron)
		if err != nil {
			return 0
		}
		return expr.Next(now).UnixMilli()
	case KindAt:
		return job.Schedule.At
	}
	return 0
}

// load restores jobs from the state file. Missing files are a fresh start;
// anything else is logged and skipped so a corrupt file can't block boot.
func (s *Scheduler) load() {
	if s.path == "" {
		return
	}
	var state stateFile
	if err := storage.LoadState(s.path, stateVersion, &state); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("scheduler: load jobs state", "path", s.path, "error", err)
		}
		return
	}
	for _, job := range state.Jobs {
		if job.ID == "" {
			continue
		}
		s.jobs[job.ID] = job
	}
	slog.Info("scheduler: jobs restored", "count", len(s.jobs))
}

// persistLocked snapshots all jobs to disk. Caller must hold s.mu.
func (s *Scheduler) persistLocked() {
	if s.path == "" {
		return
	}
	state := stateFile{Version: stateVersion, SavedAt: s.now()}
	state.Jobs = make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		state.Jobs = append(state.Jobs, job)
	}
	sort.Slice(state.Jobs, func(i, j int) bool { return state.Jobs[i].ID < state.Jobs[j].ID })

	if err := storage.SaveState(s.path, &state); err != nil {
		slog.Error("scheduler: persist jobs", "path", s.path, "error", err)
		if s.bus != nil {
			s.bus.EmitTyped("", events.WarningPayload{
				Code:    events.WarnPersistence,
				Message: "jobs state write failed: " + err.Error(),
			}, events.ActorScheduler)
		}
	}
}
