package gateway

import (
	"errors"
	"net/http"

	"github.com/nrn-labs/undoable/internal/settings"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.Settings.Snapshot())
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.cfg.Settings.Apply(patch)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

type operationState struct {
	OperationMode   string `json:"operationMode"`
	OperationReason string `json:"operationReason,omitempty"`
}

func (s *Server) currentOperation() operationState {
	return operationState{
		OperationMode:   s.cfg.Settings.OperationMode(),
		OperationReason: s.cfg.Settings.OperationReason(),
	}
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.currentOperation())
}

// handlePatchOperation is the narrow control surface for pause, drain and
// normal. It funnels into the same Apply path as the full settings patch.
func (s *Server) handlePatchOperation(w http.ResponseWriter, r *http.Request) {
	var req operationState
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.OperationMode == "" {
		respondError(w, http.StatusBadRequest, errors.New("operationMode is required"))
		return
	}
	patch := settings.Patch{OperationMode: &req.OperationMode, OperationReason: &req.OperationReason}
	if _, err := s.cfg.Settings.Apply(patch); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, s.currentOperation())
}
