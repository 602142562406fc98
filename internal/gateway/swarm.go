package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nrn-labs/undoable/internal/swarm"
)

func (s *Server) swarmAvailable(w http.ResponseWriter) bool {
	if s.cfg.Swarm == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("swarm not available"))
		return false
	}
	return true
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Swarm.List())
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	var wf swarm.Workflow
	if err := decodeJSON(r, &wf); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.cfg.Swarm.CreateWorkflow(&wf)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// handleImportWorkflow takes the request body as raw YAML rather than a
// JSON wrapper, so a workflow file can be piped straight in.
func (s *Server) handleImportWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	wf, err := s.cfg.Swarm.ImportYAML(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	wf, err := s.cfg.Swarm.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (s *Server) handleExportWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	data, err := s.cfg.Swarm.ExportYAML(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	var patch swarm.WorkflowPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	wf, err := s.cfg.Swarm.UpdateWorkflow(chi.URLParam(r, "id"), patch)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	if err := s.cfg.Swarm.Delete(chi.URLParam(r, "id")); err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	var n swarm.Node
	if err := decodeJSON(r, &n); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	wf, err := s.cfg.Swarm.AddNode(chi.URLParam(r, "id"), &n)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	var patch swarm.NodePatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	wf, err := s.cfg.Swarm.UpdateNode(chi.URLParam(r, "id"), chi.URLParam(r, "nodeId"), patch)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	wf, err := s.cfg.Swarm.RemoveNode(chi.URLParam(r, "id"), chi.URLParam(r, "nodeId"))
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (s *Server) handleAddEdge(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	var e swarm.Edge
	if err := decodeJSON(r, &e); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	wf, err := s.cfg.Swarm.AddEdge(chi.URLParam(r, "id"), e)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusCreated, wf)
}

// handleRemoveEdge identifies the edge by from/to query parameters; edges
// have no id of their own.
func (s *Server) handleRemoveEdge(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		respondError(w, http.StatusBadRequest, errors.New("from and to are required"))
		return
	}
	wf, err := s.cfg.Swarm.RemoveEdge(chi.URLParam(r, "id"), from, to)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) || !s.admit(w) {
		return
	}
	var opts swarm.Options
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &opts); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	orch, err := s.cfg.Swarm.Execute(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusAccepted, orch)
}

func (s *Server) handleWorkflowOrchestrations(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	if _, err := s.cfg.Swarm.Get(chi.URLParam(r, "id")); err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Swarm.Orchestrations(chi.URLParam(r, "id")))
}

func (s *Server) handleGetOrchestration(w http.ResponseWriter, r *http.Request) {
	if !s.swarmAvailable(w) {
		return
	}
	orch, err := s.cfg.Swarm.Orchestration(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, orch)
}
