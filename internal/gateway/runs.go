package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/events"
	"github.com/nrn-labs/undoable/internal/runs"
)

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w) {
		return
	}
	var in runs.Input
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	run, err := s.cfg.Runs.Create(in)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if s.cfg.Executor != nil {
		s.cfg.Executor.Launch(run.ID)
	}
	respondJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if jobID := r.URL.Query().Get("jobId"); jobID != "" {
		respondJSON(w, http.StatusOK, s.cfg.Runs.ListByJobID(jobID))
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Runs.List(r.URL.Query().Get("userId")))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.Runs.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	log, err := s.cfg.Runs.GetEvents(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, log)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Runs.Delete(chi.URLParam(r, "id")); err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Runs.Pause(id); err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	run, _ := s.cfg.Runs.Get(id)
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Runs.Resume(id); err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	run, _ := s.cfg.Runs.Get(id)
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.cfg.Runs.Get(id)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}

	// Only an actively executing run is cancelled through its context, so
	// the executor can wind down cooperatively. Parked and terminal runs
	// have no goroutine to unwind; they move (or refuse to) directly.
	active := !run.Status.IsTerminal() &&
		run.Status != runs.StatusPlanned && run.Status != runs.StatusShadowed
	if active && s.cfg.Executor != nil && s.cfg.Executor.CancelRun(id) {
		run, _ = s.cfg.Runs.Get(id)
		respondJSON(w, http.StatusAccepted, run)
		return
	}

	run, err = s.cfg.Runs.Cancel(id, events.ActorUser)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleApplyRun(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w) {
		return
	}
	if s.cfg.Executor == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("executor not available"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.cfg.Executor.LaunchApply(id); err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	run, _ := s.cfg.Runs.Get(id)
	respondJSON(w, http.StatusAccepted, run)
}

// runUndoResponse pairs the post-undo run with the per-action outcomes.
type runUndoResponse struct {
	Run     *runs.Run            `json:"run"`
	Results []actions.UndoResult `json:"results"`
}

func (s *Server) handleUndoRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Actions == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("action log not available"))
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Runs.UpdateStatus(id, runs.StatusUndoing, events.ActorUser); err != nil {
		respondError(w, errorStatus(err), err)
		return
	}

	results := s.cfg.Actions.UndoRun(r.Context(), id)
	failed := 0
	for _, res := range results {
		if !res.OK {
			failed++
		}
	}

	if failed > 0 {
		_, _ = s.cfg.Runs.Fail(id, fmt.Sprintf("undo: %d of %d inverses failed", failed, len(results)), events.ActorSystem)
	} else {
		_, _ = s.cfg.Runs.UpdateStatus(id, runs.StatusCompleted, events.ActorSystem)
	}

	run, _ := s.cfg.Runs.Get(id)
	respondJSON(w, http.StatusOK, runUndoResponse{Run: run, Results: results})
}
