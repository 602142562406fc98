package gateway

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nrn-labs/undoable/internal/scheduler"
)

func (s *Server) jobsAvailable(w http.ResponseWriter) bool {
	if s.cfg.Scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("scheduler not available"))
		return false
	}
	return true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !s.jobsAvailable(w) {
		return
	}
	includeDisabled := r.URL.Query().Get("includeDisabled") == "true"
	respondJSON(w, http.StatusOK, s.cfg.Scheduler.List(includeDisabled))
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.jobsAvailable(w) || !s.admit(w) {
		return
	}
	var job scheduler.Job
	if err := decodeJSON(r, &job); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	added, err := s.cfg.Scheduler.Add(&job)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusCreated, added)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !s.jobsAvailable(w) {
		return
	}
	job, err := s.cfg.Scheduler.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	if !s.jobsAvailable(w) {
		return
	}
	var patch scheduler.Patch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.cfg.Scheduler.Update(chi.URLParam(r, "id"), patch)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if !s.jobsAvailable(w) {
		return
	}
	if err := s.cfg.Scheduler.Remove(chi.URLParam(r, "id")); err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if !s.jobsAvailable(w) || !s.admit(w) {
		return
	}
	fired, err := s.cfg.Scheduler.Run(r.Context(), chi.URLParam(r, "id"), scheduler.RunForce)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"fired": fired})
}

func (s *Server) handleJobsStatus(w http.ResponseWriter, r *http.Request) {
	if !s.jobsAvailable(w) {
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Scheduler.Status())
}

func (s *Server) handleJobsUndo(w http.ResponseWriter, r *http.Request) {
	if !s.jobsAvailable(w) {
		return
	}
	op, err := s.cfg.Scheduler.UndoLast()
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

func (s *Server) handleJobsRedo(w http.ResponseWriter, r *http.Request) {
	if !s.jobsAvailable(w) {
		return
	}
	op, err := s.cfg.Scheduler.RedoLast()
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}
