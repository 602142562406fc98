package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/approval"
	"github.com/nrn-labs/undoable/internal/chat"
	"github.com/nrn-labs/undoable/internal/config"
	"github.com/nrn-labs/undoable/internal/runs"
)

// chatRequest is the POST /chat body.
type chatRequest struct {
	Message     string            `json:"message"`
	SessionID   string            `json:"sessionId,omitempty"`
	AgentID     string            `json:"agentId,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	Config      *config.RunConfig `json:"config,omitempty"`
}

// handleChat streams one chat turn as SSE: one data line per envelope, a
// [DONE] sentinel at the end. The emitter runs on this goroutine, so the
// blocking write is the back-pressure.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w) {
		return
	}
	if s.cfg.Chat == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("chat loop not available"))
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeFrame := func(data []byte) {
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	err := s.cfg.Chat.Turn(r.Context(), chat.Request{
		SessionID:   req.SessionID,
		Message:     req.Message,
		Attachments: req.Attachments,
		AgentID:     req.AgentID,
		Config:      req.Config,
	}, func(env chat.Envelope) {
		data, err := env.Marshal()
		if err != nil {
			return
		}
		writeFrame(data)
	})
	if err != nil {
		frame, _ := chat.Envelope{Type: chat.TypeWarning, Code: "turn_failed", Message: err.Error()}.Marshal()
		writeFrame(frame)
	}
	writeFrame([]byte("[DONE]"))
}

// approveRequest is the POST /chat/approve body.
type approveRequest struct {
	ID          string `json:"id"`
	Approved    bool   `json:"approved"`
	AllowAlways bool   `json:"allowAlways,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("approval gate not available"))
		return
	}
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ID == "" {
		respondError(w, http.StatusBadRequest, errors.New("approval id is required"))
		return
	}
	if err := s.cfg.Gate.Resolve(req.ID, req.Approved, req.AllowAlways); err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": req.ID, "approved": req.Approved})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("approval gate not available"))
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Gate.Pending())
}

func (s *Server) handleGetApprovalMode(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("approval gate not available"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"mode": string(s.cfg.Gate.Mode())})
}

func (s *Server) handleSetApprovalMode(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("approval gate not available"))
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	mode, err := approval.ParseMode(req.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	s.cfg.Gate.SetMode(mode)
	respondJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

func (s *Server) handleGetRunConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Chat == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("chat loop not available"))
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Chat.RunConfig())
}

func (s *Server) handleSetRunConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Chat == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("chat loop not available"))
		return
	}
	rc := s.cfg.Chat.RunConfig()
	if err := decodeJSON(r, &rc); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	switch rc.Mode {
	case "", runs.ModePlan, runs.ModeShadow, runs.ModeApply:
	default:
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown run mode %q", rc.Mode))
		return
	}
	s.cfg.Chat.SetRunConfig(rc)
	respondJSON(w, http.StatusOK, s.cfg.Chat.RunConfig())
}

// chatUndoRequest is the POST /chat/undo body.
type chatUndoRequest struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
	Count  int    `json:"count,omitempty"`
}

func (s *Server) handleChatUndo(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Actions == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("action log not available"))
		return
	}
	var req chatUndoRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	switch req.Action {
	case "list":
		respondJSON(w, http.StatusOK, map[string]any{
			"undoable": s.cfg.Actions.ListUndoable(),
			"redoable": s.cfg.Actions.ListRedoable(),
		})

	case "one":
		if req.ID == "" {
			respondError(w, http.StatusBadRequest, errors.New("action one requires an id"))
			return
		}
		rec, _ := s.cfg.Actions.Get(req.ID)
		err := s.cfg.Actions.UndoAction(r.Context(), req.ID)
		res := actions.UndoResult{ID: req.ID, ToolName: rec.ToolName, OK: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		status := http.StatusOK
		if err != nil {
			status = errorStatus(err)
		}
		respondJSON(w, status, map[string]any{"results": []actions.UndoResult{res}})

	case "last":
		count := req.Count
		if count <= 0 {
			count = 1
		}
		respondJSON(w, http.StatusOK, map[string]any{"results": s.cfg.Actions.UndoLastN(r.Context(), count)})

	case "all":
		respondJSON(w, http.StatusOK, map[string]any{"results": s.cfg.Actions.UndoAll(r.Context())})

	default:
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown undo action %q", req.Action))
	}
}
