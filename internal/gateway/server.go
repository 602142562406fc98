// Package gateway is the daemon's HTTP surface: REST for runs, jobs,
// workflows and settings, SSE for chat turns, and a websocket bridge for
// the event bus.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/approval"
	"github.com/nrn-labs/undoable/internal/chat"
	"github.com/nrn-labs/undoable/internal/events"
	"github.com/nrn-labs/undoable/internal/gateway/ws"
	"github.com/nrn-labs/undoable/internal/runs"
	"github.com/nrn-labs/undoable/internal/scheduler"
	"github.com/nrn-labs/undoable/internal/settings"
	"github.com/nrn-labs/undoable/internal/swarm"
)

// defaultBodyLimitMB bounds request bodies when the config leaves it unset.
const defaultBodyLimitMB = 10

// Config wires the server's collaborators. Bus and Settings are required;
// routes whose service is nil answer 503.
type Config struct {
	Bus         *events.Bus
	Settings    *settings.Manager
	Runs        *runs.Manager
	Executor    *runs.Executor
	Chat        *chat.Loop
	Gate        *approval.Gate
	Actions     *actions.Log
	Archive     *actions.Archive
	Scheduler   *scheduler.Scheduler
	Swarm       *swarm.Service
	StateDir    string
	BodyLimitMB int
}

// Server is the Undoable gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	cfg        Config
}

// NewServer builds the router and binds it to the effective listener
// address from settings.
func NewServer(cfg Config) *Server {
	if cfg.BodyLimitMB <= 0 {
		cfg.BodyLimitMB = defaultBodyLimitMB
	}

	s := &Server{
		hub: ws.NewHub(cfg.Bus, cfg.Gate),
		cfg: cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(int64(cfg.BodyLimitMB) << 20))
	r.Use(s.logRequest)
	r.Use(s.requireToken)

	r.Get("/health", s.handleHealth)

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/events", s.handleRunEvents)
		r.Delete("/{id}", s.handleDeleteRun)
		r.Post("/{id}/pause", s.handlePauseRun)
		r.Post("/{id}/resume", s.handleResumeRun)
		r.Post("/{id}/cancel", s.handleCancelRun)
		r.Post("/{id}/apply", s.handleApplyRun)
		r.Post("/{id}/undo", s.handleUndoRun)
	})

	r.Route("/chat", func(r chi.Router) {
		r.Post("/", s.handleChat)
		r.Post("/approve", s.handleApprove)
		r.Get("/approvals", s.handlePendingApprovals)
		r.Get("/approval-mode", s.handleGetApprovalMode)
		r.Post("/approval-mode", s.handleSetApprovalMode)
		r.Get("/run-config", s.handleGetRunConfig)
		r.Post("/run-config", s.handleSetRunConfig)
		r.Post("/undo", s.handleChatUndo)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Post("/", s.handleCreateJob)
		r.Get("/status", s.handleJobsStatus)
		r.Post("/history/undo", s.handleJobsUndo)
		r.Post("/history/redo", s.handleJobsRedo)
		r.Get("/{id}", s.handleGetJob)
		r.Patch("/{id}", s.handleUpdateJob)
		r.Delete("/{id}", s.handleDeleteJob)
		r.Post("/{id}/run", s.handleRunJob)
	})

	r.Route("/swarm", func(r chi.Router) {
		r.Get("/workflows", s.handleListWorkflows)
		r.Post("/workflows", s.handleCreateWorkflow)
		r.Post("/workflows/import", s.handleImportWorkflow)
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Get("/workflows/{id}/export", s.handleExportWorkflow)
		r.Patch("/workflows/{id}", s.handleUpdateWorkflow)
		r.Delete("/workflows/{id}", s.handleDeleteWorkflow)
		r.Post("/workflows/{id}/nodes", s.handleAddNode)
		r.Patch("/workflows/{id}/nodes/{nodeId}", s.handleUpdateNode)
		r.Delete("/workflows/{id}/nodes/{nodeId}", s.handleRemoveNode)
		r.Post("/workflows/{id}/edges", s.handleAddEdge)
		r.Delete("/workflows/{id}/edges", s.handleRemoveEdge)
		r.Post("/workflows/{id}/execute", s.handleExecuteWorkflow)
		r.Get("/workflows/{id}/orchestrations", s.handleWorkflowOrchestrations)
		r.Get("/orchestrations/{id}", s.handleGetOrchestration)
	})

	r.Get("/settings/daemon", s.handleGetSettings)
	r.Patch("/settings/daemon", s.handlePatchSettings)
	r.Get("/control/operation", s.handleGetOperation)
	r.Patch("/control/operation", s.handlePatchOperation)
	r.Get("/actions/recent", s.handleRecentActions)
	r.Get("/ws/events", s.hub.ServeWS)

	s.httpServer = &http.Server{
		Addr:    cfg.Settings.Effective().Addr(),
		Handler: r,
	}
	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// logRequest records each call once it finishes.
func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// requireToken enforces bearer auth on everything except the health probe.
// Websocket paths may carry the token as a query parameter since browsers
// cannot set headers on upgrade requests.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" && strings.HasPrefix(r.URL.Path, "/ws/") {
			token = r.URL.Query().Get("token")
		}
		if !s.cfg.Settings.Authorize(token) {
			respondError(w, http.StatusUnauthorized, errors.New("invalid or missing bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// admit rejects run- or job-creating requests while draining or paused.
func (s *Server) admit(w http.ResponseWriter) bool {
	if err := s.cfg.Settings.Admit(); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return false
	}
	return true
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// errorStatus maps service sentinels onto HTTP statuses. Anything
// unrecognized is a validation failure.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, runs.ErrRunNotFound),
		errors.Is(err, scheduler.ErrJobNotFound),
		errors.Is(err, swarm.ErrWorkflowNotFound),
		errors.Is(err, swarm.ErrNodeNotFound),
		errors.Is(err, swarm.ErrOrchestrationNotFound),
		errors.Is(err, actions.ErrNotFound),
		errors.Is(err, approval.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, runs.ErrBadTransition),
		errors.Is(err, scheduler.ErrNothingToUndo),
		errors.Is(err, scheduler.ErrNothingToRedo),
		errors.Is(err, actions.ErrAlreadyUndone),
		errors.Is(err, actions.ErrNothingToRedo):
		return http.StatusConflict
	case errors.Is(err, settings.ErrDraining),
		errors.Is(err, settings.ErrPaused),
		errors.Is(err, swarm.ErrPaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Ready  bool            `json:"ready"`
	Checks map[string]bool `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{
		"stateDirWritable": s.stateDirWritable(),
		"schedulerTicking": s.cfg.Scheduler != nil && !s.cfg.Scheduler.Paused(),
		"archiveReachable": s.archiveReachable(),
	}
	ready := true
	for _, ok := range checks {
		ready = ready && ok
	}
	respondJSON(w, http.StatusOK, healthResponse{Ready: ready, Checks: checks})
}

func (s *Server) stateDirWritable() bool {
	if s.cfg.StateDir == "" {
		return true
	}
	probe := filepath.Join(s.cfg.StateDir, ".health-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}

func (s *Server) archiveReachable() bool {
	if s.cfg.Archive == nil {
		return true
	}
	_, err := s.cfg.Archive.Recent(1)
	return err == nil
}

// recentActions is the GET /actions/recent body: what can still be undone,
// what could be replayed, and the recent irreversible tail.
type recentActions struct {
	Undoable    []actions.Record `json:"undoable"`
	Redoable    []actions.Record `json:"redoable"`
	NonUndoable []actions.Record `json:"nonUndoable"`
}

func (s *Server) handleRecentActions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Actions == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("action log not available"))
		return
	}
	respondJSON(w, http.StatusOK, recentActions{
		Undoable:    s.cfg.Actions.ListUndoable(),
		Redoable:    s.cfg.Actions.ListRedoable(),
		NonUndoable: s.cfg.Actions.ListNonUndoableRecent(),
	})
}
