package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/approval"
	"github.com/nrn-labs/undoable/internal/chat"
	"github.com/nrn-labs/undoable/internal/events"
	"github.com/nrn-labs/undoable/internal/runs"
	"github.com/nrn-labs/undoable/internal/scheduler"
	"github.com/nrn-labs/undoable/internal/sessions"
	"github.com/nrn-labs/undoable/internal/settings"
	"github.com/nrn-labs/undoable/internal/swarm"
	"github.com/nrn-labs/undoable/internal/tools"
)

// stubPlanner and stubApplier script the run pipeline.
type stubPlanner struct {
	markdown string
	err      error
}

func (p stubPlanner) Plan(ctx context.Context, run *runs.Run) (string, error) {
	return p.markdown, p.err
}

type stubApplier struct {
	result string
	err    error
	block  chan struct{} // when set, Apply waits for it (or ctx)
}

func (a stubApplier) Apply(ctx context.Context, run *runs.Run) (string, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return a.result, a.err
}

// echoModel replays prepared chunk sequences, one per Stream call.
type echoModel struct {
	mu    sync.Mutex
	turns [][]*schema.Message
	calls int
}

func (m *echoModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, fmt.Errorf("no scripted generation")
}

func (m *echoModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	if idx >= len(m.turns) {
		return nil, fmt.Errorf("no scripted turn %d", idx)
	}
	chunks := m.turns[idx]

	sr, sw := schema.Pipe[*schema.Message](len(chunks) + 1)
	go func() {
		defer sw.Close()
		for _, c := range chunks {
			if sw.Send(c, nil) {
				return
			}
		}
	}()
	return sr, nil
}

func (m *echoModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

type echoSource struct{ m *echoModel }

func (s echoSource) Default(context.Context) (model.ToolCallingChatModel, error) { return s.m, nil }
func (s echoSource) ActiveProvider() string                                      { return "scripted" }
func (s echoSource) ActiveModel() string                                         { return "scripted-mini" }
func (s echoSource) DefaultContextWindow() int                                   { return 128000 }

// stubRunner hands out fake node run ids; tests finish them by emitting
// status changes on the bus.
type stubRunner struct {
	mu       sync.Mutex
	seq      int
	byNode   map[string]string
	terminal map[string]runs.Status
}

func newStubRunner() *stubRunner {
	return &stubRunner{byNode: make(map[string]string), terminal: make(map[string]runs.Status)}
}

func (r *stubRunner) StartNodeRun(_ context.Context, _ *swarm.Workflow, node *swarm.Node) (swarm.NodeRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("run_%s_%d", node.ID, r.seq)
	r.byNode[node.ID] = id
	return swarm.NodeRun{RunID: id, JobID: "job_" + node.ID, AgentID: node.AgentID}, nil
}

func (r *stubRunner) RunStatus(runID string) (runs.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.terminal[runID]
	return st, ok
}

type gatewayHarness struct {
	srv      *Server
	token    string
	bus      *events.Bus
	runs     *runs.Manager
	gate     *approval.Gate
	log      *actions.Log
	reg      *tools.Registry
	sched    *scheduler.Scheduler
	swarm    *swarm.Service
	settings *settings.Manager
	runner   *stubRunner
	model    *echoModel
}

// newTestGateway wires a full server over scripted collaborators. The chat
// model streams one plain two-chunk answer and then runs dry.
func newTestGateway(t *testing.T) *gatewayHarness {
	t.Helper()

	chatTurns := [][]*schema.Message{{
		{Role: schema.Assistant, Content: "Hel"},
		{Role: schema.Assistant, Content: "lo."},
	}}

	bus := events.NewBus(64)
	mgr, err := settings.New(settings.Config{Path: filepath.Join(t.TempDir(), "daemon-settings.json")})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}

	runMgr := runs.NewManager(bus, "")
	t.Cleanup(runMgr.Close)

	gate := approval.NewGate(bus, approval.ModeOff, 2*time.Second)
	log := actions.NewLog(nil)
	reg := tools.NewRegistry(bus, gate, log, tools.NewPolicy(tools.LevelPermissive, true, nil))
	if err := reg.Register(tools.NewFSWriteTool()); err != nil {
		t.Fatalf("register fs.write: %v", err)
	}

	exec := runs.NewExecutor(runs.ExecutorConfig{
		Manager: runMgr,
		Bus:     bus,
		Planner: stubPlanner{markdown: "1. Inspect the notes\n2. Rewrite the summary\n"},
		Applier: stubApplier{result: "applied"},
	})

	m := &echoModel{turns: chatTurns}
	loop := chat.New(chat.Config{
		Store:    sessions.NewFileStore(t.TempDir()),
		Registry: reg,
		Models:   echoSource{m: m},
		Bus:      bus,
	})

	sched := scheduler.New(scheduler.Config{Bus: bus, Handler: func(context.Context, scheduler.Job) error { return nil }})
	runner := newStubRunner()
	swarmSvc := swarm.New(swarm.Config{Bus: bus, Scheduler: sched, Runner: runner})

	srv := NewServer(Config{
		Bus:       bus,
		Settings:  mgr,
		Runs:      runMgr,
		Executor:  exec,
		Chat:      loop,
		Gate:      gate,
		Actions:   log,
		Scheduler: sched,
		Swarm:     swarmSvc,
		StateDir:  t.TempDir(),
	})
	t.Cleanup(srv.hub.Close)

	return &gatewayHarness{
		srv:      srv,
		token:    mgr.Effective().Token,
		bus:      bus,
		runs:     runMgr,
		gate:     gate,
		log:      log,
		reg:      reg,
		sched:    sched,
		swarm:    swarmSvc,
		settings: mgr,
		runner:   runner,
		model:    m,
	}
}

func (g *gatewayHarness) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+g.token)
	w := httptest.NewRecorder()
	g.srv.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v (%s)", err, w.Body.String())
	}
	return v
}

func (g *gatewayHarness) waitForRunStatus(t *testing.T, id string, want runs.Status) *runs.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := g.runs.Get(id)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := g.runs.Get(id)
	t.Fatalf("run %s stuck at %s, want %s", id, run.Status, want)
	return nil
}

func TestHealthIsOpenAndReady(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil) // no token
	w := httptest.NewRecorder()
	g.srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := decodeBody[healthResponse](t, w)
	if !body.Ready {
		t.Fatalf("expected ready, checks = %v", body.Checks)
	}
	for _, name := range []string{"stateDir", "scheduler", "archive"} {
		if !body.Checks[name] {
			t.Errorf("check %s = false", name)
		}
	}
}

func TestMissingTokenRejected(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	w := httptest.NewRecorder()
	g.srv.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	g.srv.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", w.Code)
	}

	if w := g.request(t, http.MethodGet, "/runs", nil); w.Code != http.StatusOK {
		t.Fatalf("good token: expected 200, got %d", w.Code)
	}
}

func TestWebsocketRouteAcceptsQueryToken(t *testing.T) {
	g := newTestGateway(t)

	// Not a real upgrade request; it only has to clear the auth
	// middleware, so anything but 401 proves the query token worked.
	req := httptest.NewRequest(http.MethodGet, "/ws/events?token="+g.token, nil)
	w := httptest.NewRecorder()
	g.srv.httpServer.Handler.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Fatalf("query token rejected: %s", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	w = httptest.NewRecorder()
	g.srv.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestCreateRunDrivesPipeline(t *testing.T) {
	g := newTestGateway(t)

	w := g.request(t, http.MethodPost, "/runs", runs.Input{Instruction: "summarize", Mode: runs.ModeApply})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody[runs.Run](t, w)
	if created.ID == "" {
		t.Fatal("run id missing")
	}

	done := g.waitForRunStatus(t, created.ID, runs.StatusCompleted)
	if done.Result != "applied" {
		t.Errorf("result = %q, want %q", done.Result, "applied")
	}

	w = g.request(t, http.MethodGet, "/runs/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get run: %d", w.Code)
	}
	if got := decodeBody[runs.Run](t, w); got.Status != runs.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}

	w = g.request(t, http.MethodGet, "/runs/"+created.ID+"/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run events: %d", w.Code)
	}
	if log := decodeBody[[]events.Envelope](t, w); len(log) == 0 {
		t.Error("expected per-run event log entries")
	}

	w = g.request(t, http.MethodGet, "/runs", nil)
	if runsList := decodeBody[[]*runs.Run](t, w); len(runsList) != 1 {
		t.Errorf("list = %d runs, want 1", len(runsList))
	}
}

func TestCreateRunValidation(t *testing.T) {
	g := newTestGateway(t)

	w := g.request(t, http.MethodPost, "/runs", runs.Input{Instruction: "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank instruction, got %d", w.Code)
	}
	w = g.request(t, http.MethodPost, "/runs", runs.Input{Instruction: "x", Mode: "yolo"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", w.Code)
	}
}

func TestApplyParkedRun(t *testing.T) {
	g := newTestGateway(t)

	w := g.request(t, http.MethodPost, "/runs", runs.Input{Instruction: "summarize", Mode: runs.ModePlan})
	created := decodeBody[runs.Run](t, w)
	g.waitForRunStatus(t, created.ID, runs.StatusPlanned)

	w = g.request(t, http.MethodPost, "/runs/"+created.ID+"/apply", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	done := g.waitForRunStatus(t, created.ID, runs.StatusCompleted)
	if done.Result != "applied" {
		t.Errorf("result = %q", done.Result)
	}

	// A terminal run has nothing left to apply.
	w = g.request(t, http.MethodPost, "/runs/"+created.ID+"/apply", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 re-applying, got %d", w.Code)
	}
}

func TestPauseResumeCancelRun(t *testing.T) {
	g := newTestGateway(t)

	w := g.request(t, http.MethodPost, "/runs", runs.Input{Instruction: "summarize", Mode: runs.ModePlan})
	created := decodeBody[runs.Run](t, w)
	g.waitForRunStatus(t, created.ID, runs.StatusPlanned)

	w = g.request(t, http.MethodPost, "/runs/"+created.ID+"/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause: %d", w.Code)
	}
	if got := decodeBody[runs.Run](t, w); !got.Paused {
		t.Error("run not paused")
	}

	w = g.request(t, http.MethodPost, "/runs/"+created.ID+"/resume", nil)
	if got := decodeBody[runs.Run](t, w); got.Paused {
		t.Error("run still paused after resume")
	}

	w = g.request(t, http.MethodPost, "/runs/"+created.ID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel parked run: %d", w.Code)
	}
	if got := decodeBody[runs.Run](t, w); got.Status != runs.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	w = g.request(t, http.MethodDelete, "/runs/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	w = g.request(t, http.MethodGet, "/runs/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestUndoRunReversesActions(t *testing.T) {
	g := newTestGateway(t)

	var undone []string
	g.log.SetUndoer(func(_ context.Context, inv actions.Inverse) error {
		undone = append(undone, inv.Tool)
		return nil
	})

	w := g.request(t, http.MethodPost, "/runs", runs.Input{Instruction: "write notes", Mode: runs.ModeApply})
	created := decodeBody[runs.Run](t, w)
	g.waitForRunStatus(t, created.ID, runs.StatusCompleted)

	rec := g.log.Append(created.ID, "fs.write", actions.CategoryMutate, map[string]any{"path": "notes.md"}, true, actions.ApprovalAuto)
	if _, err := g.log.Finalize(rec.ID, 3, "", &actions.Inverse{Tool: "fs.write", Payload: map[string]any{"restore": true}}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	w = g.request(t, http.MethodPost, "/runs/"+created.ID+"/undo", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("undo: %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody[runUndoResponse](t, w)
	if len(body.Results) != 1 || !body.Results[0].OK {
		t.Fatalf("results = %+v", body.Results)
	}
	if body.Run.Status != runs.StatusCompleted {
		t.Errorf("run ends %s, want completed", body.Run.Status)
	}
	if len(undone) != 1 || undone[0] != "fs.write" {
		t.Errorf("undone = %v", undone)
	}

	// Nothing left to reverse; the walk reports zero results.
	w = g.request(t, http.MethodPost, "/runs/"+created.ID+"/undo", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second undo: %d", w.Code)
	}
	if body := decodeBody[runUndoResponse](t, w); len(body.Results) != 0 {
		t.Errorf("expected empty results, got %+v", body.Results)
	}
}

// sseFrames splits an SSE body into its data payloads.
func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, line := range strings.Split(body, "\n") {
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, after)
		}
	}
	return frames
}

func TestChatStreamsSSE(t *testing.T) {
	g := newTestGateway(t)

	w := g.request(t, http.MethodPost, "/chat", chatRequest{Message: "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	frames := sseFrames(t, w.Body.String())
	if len(frames) < 3 {
		t.Fatalf("expected session_info, tokens and done, got %v", frames)
	}
	if frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("missing [DONE] sentinel, last = %q", frames[len(frames)-1])
	}

	var tokens string
	sawDone := false
	for _, f := range frames[:len(frames)-1] {
		var env chat.Envelope
		if err := json.Unmarshal([]byte(f), &env); err != nil {
			t.Fatalf("bad frame %q: %v", f, err)
		}
		switch env.Type {
		case chat.TypeToken:
			tokens += env.Content
		case chat.TypeDone:
			sawDone = true
		}
	}
	if tokens != "Hello." {
		t.Errorf("streamed %q", tokens)
	}
	if !sawDone {
		t.Error("no done envelope before [DONE]")
	}
}

func TestChatTurnFailureEmitsWarning(t *testing.T) {
	g := newTestGateway(t)

	// The first turn consumes the only scripted model response, so the
	// second one fails at the stream call.
	g.request(t, http.MethodPost, "/chat", chatRequest{Message: "hi"})

	w := g.request(t, http.MethodPost, "/chat", chatRequest{Message: "again"})
	if w.Code != http.StatusOK {
		t.Fatalf("SSE responses commit 200 before the turn runs, got %d", w.Code)
	}

	frames := sseFrames(t, w.Body.String())
	if len(frames) == 0 || frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("missing [DONE], frames = %v", frames)
	}
	found := false
	for _, f := range frames[:len(frames)-1] {
		var env chat.Envelope
		if json.Unmarshal([]byte(f), &env) == nil && env.Type == chat.TypeWarning && env.Code == "turn_failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no turn_failed warning in %v", frames)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	g := newTestGateway(t)
	if w := g.request(t, http.MethodPost, "/chat", chatRequest{Message: "  "}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestApprovalModeRoundTrip(t *testing.T) {
	g := newTestGateway(t)

	w := g.request(t, http.MethodGet, "/chat/approval-mode", nil)
	if got := decodeBody[map[string]string](t, w); got["mode"] != "off" {
		t.Fatalf("initial mode = %q", got["mode"])
	}

	w = g.request(t, http.MethodPost, "/chat/approval-mode", map[string]string{"mode": "mutate"})
	if w.Code != http.StatusOK {
		t.Fatalf("set mode: %d", w.Code)
	}
	if g.gate.Mode() != approval.ModeMutate {
		t.Errorf("gate mode = %s", g.gate.Mode())
	}

	if w := g.request(t, http.MethodPost, "/chat/approval-mode", map[string]string{"mode": "sometimes"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", w.Code)
	}
}

func TestApproveResolvesPendingRequest(t *testing.T) {
	g := newTestGateway(t)
	g.gate.SetMode(approval.ModeAlways)

	states := make(chan actions.ApprovalState, 1)
	go func() {
		states <- g.gate.RequestApproval(context.Background(), "fs.write", actions.CategoryMutate,
			map[string]any{"path": "a.txt"}, "write a.txt")
	}()

	var pending []approval.Request
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := g.request(t, http.MethodGet, "/chat/approvals", nil)
		pending = decodeBody[[]approval.Request](t, w)
		if len(pending) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	w := g.request(t, http.MethodPost, "/chat/approve", approveRequest{ID: pending[0].ID, Approved: true})
	if w.Code != http.StatusOK {
		t.Fatalf("approve: %d: %s", w.Code, w.Body.String())
	}
	select {
	case st := <-states:
		if st != actions.ApprovalGranted {
			t.Errorf("state = %s, want granted", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approval never resolved")
	}

	if w := g.request(t, http.MethodPost, "/chat/approve", approveRequest{ID: "apr_missing", Approved: true}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown approval, got %d", w.Code)
	}
}

func TestRunConfigRoundTrip(t *testing.T) {
	g := newTestGateway(t)

	w := g.request(t, http.MethodGet, "/chat/run-config", nil)
	rc := decodeBody[map[string]any](t, w)
	if rc["mode"] != "apply" {
		t.Fatalf("default mode = %v", rc["mode"])
	}

	w = g.request(t, http.MethodPost, "/chat/run-config", map[string]any{"mode": "plan", "max_iterations": 5})
	if w.Code != http.StatusOK {
		t.Fatalf("set run config: %d", w.Code)
	}
	rc = decodeBody[map[string]any](t, w)
	if rc["mode"] != "plan" || rc["max_iterations"] != float64(5) {
		t.Errorf("run config = %v", rc)
	}

	if w := g.request(t, http.MethodPost, "/chat/run-config", map[string]any{"mode": "dry"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", w.Code)
	}
}

func TestChatUndoActions(t *testing.T) {
	g := newTestGateway(t)

	var undone []string
	g.log.SetUndoer(func(_ context.Context, inv actions.Inverse) error {
		undone = append(undone, inv.Tool)
		return nil
	})
	record := func(tool string) actions.Record {
		rec := g.log.Append("", tool, actions.CategoryMutate, nil, true, actions.ApprovalAuto)
		rec, err := g.log.Finalize(rec.ID, 1, "", &actions.Inverse{Tool: tool})
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		return rec
	}
	first := record("fs.write")
	record("fs.move")

	w := g.request(t, http.MethodPost, "/chat/undo", chatUndoRequest{Action: "list"})
	listed := decodeBody[map[string][]actions.Record](t, w)
	if len(listed["undoable"]) != 2 {
		t.Fatalf("undoable = %d, want 2", len(listed["undoable"]))
	}

	// Last in, first out.
	w = g.request(t, http.MethodPost, "/chat/undo", chatUndoRequest{Action: "last"})
	res := decodeBody[map[string][]actions.UndoResult](t, w)
	if len(res["results"]) != 1 || res["results"][0].ToolName != "fs.move" {
		t.Fatalf("results = %+v", res["results"])
	}

	w = g.request(t, http.MethodPost, "/chat/undo", chatUndoRequest{Action: "one", ID: first.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("undo one: %d: %s", w.Code, w.Body.String())
	}

	if len(undone) != 2 {
		t.Fatalf("undone = %v", undone)
	}

	w = g.request(t, http.MethodPost, "/chat/undo", chatUndoRequest{Action: "one", ID: first.ID})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for already undone, got %d", w.Code)
	}
	if w := g.request(t, http.MethodPost, "/chat/undo", chatUndoRequest{Action: "rewind"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", w.Code)
	}
}

// TestChatToolCallUndoRemovesWrittenFile drives the whole mutate path over
// HTTP: a scripted turn calls fs.write, the log records the inverse, and
// /chat/undo puts the filesystem back.
func TestChatToolCallUndoRemovesWrittenFile(t *testing.T) {
	g := newTestGateway(t)

	target := filepath.Join(t.TempDir(), "notes.md")
	args, err := json.Marshal(map[string]string{"path": target, "content": "meeting notes"})
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	g.model.turns = [][]*schema.Message{
		{{Role: schema.Assistant, ToolCalls: []schema.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: schema.FunctionCall{Name: "fs.write", Arguments: string(args)},
		}}}},
		{{Role: schema.Assistant, Content: "Saved."}},
	}

	w := g.request(t, http.MethodPost, "/chat", chatRequest{Message: "write my notes"})
	if w.Code != http.StatusOK {
		t.Fatalf("chat: %d: %s", w.Code, w.Body.String())
	}

	var types []string
	var call, result chat.Envelope
	for _, f := range sseFrames(t, w.Body.String()) {
		if f == "[DONE]" {
			continue
		}
		var env chat.Envelope
		if err := json.Unmarshal([]byte(f), &env); err != nil {
			t.Fatalf("bad frame %q: %v", f, err)
		}
		types = append(types, string(env.Type))
		switch env.Type {
		case chat.TypeToolCall:
			call = env
		case chat.TypeToolResult:
			result = env
		}
	}
	if got, want := strings.Join(types, " "), "session_info tool_call tool_result token done"; got != want {
		t.Fatalf("envelope order = %q, want %q", got, want)
	}
	if call.Name != "fs.write" || call.Args["path"] != target {
		t.Errorf("tool_call = %+v", call)
	}
	if result.Error != "" {
		t.Errorf("tool_result error = %q", result.Error)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("written file: %v", err)
	}
	if string(data) != "meeting notes" {
		t.Errorf("file content = %q", data)
	}

	w = g.request(t, http.MethodPost, "/chat/undo", chatUndoRequest{Action: "list"})
	listed := decodeBody[map[string][]actions.Record](t, w)
	if len(listed["undoable"]) != 1 || listed["undoable"][0].ToolName != "fs.write" {
		t.Fatalf("undoable = %+v", listed["undoable"])
	}

	w = g.request(t, http.MethodPost, "/chat/undo", chatUndoRequest{Action: "last"})
	res := decodeBody[map[string][]actions.UndoResult](t, w)
	if len(res["results"]) != 1 || !res["results"][0].OK {
		t.Fatalf("undo results = %+v", res["results"])
	}
	if _, err := os.Lstat(target); !os.IsNotExist(err) {
		t.Fatalf("file still present after undo: %v", err)
	}

	// The write was the only undoable entry.
	w = g.request(t, http.MethodPost, "/chat/undo", chatUndoRequest{Action: "last"})
	if res := decodeBody[map[string][]actions.UndoResult](t, w); len(res["results"]) != 0 {
		t.Errorf("second undo results = %+v", res["results"])
	}
}

func TestJobsLifecycle(t *testing.T) {
	g := newTestGateway(t)

	// Empty history has nothing to undo.
	if w := g.request(t, http.MethodPost, "/jobs/history/undo", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	w := g.request(t, http.MethodPost, "/jobs", scheduler.Job{
		Name:     "digest",
		Enabled:  true,
		Schedule: scheduler.Schedule{Every: 60_000},
		Payload:  map[string]any{"kind": "agent_run"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create job: %d: %s", w.Code, w.Body.String())
	}
	job := decodeBody[scheduler.Job](t, w)
	if job.ID == "" {
		t.Fatal("job id missing")
	}

	w = g.request(t, http.MethodGet, "/jobs", nil)
	if list := decodeBody[[]*scheduler.Job](t, w); len(list) != 1 {
		t.Fatalf("list = %d jobs", len(list))
	}

	newName := "weekly digest"
	w = g.request(t, http.MethodPatch, "/jobs/"+job.ID, scheduler.Patch{Name: &newName})
	if got := decodeBody[scheduler.Job](t, w); got.Name != newName {
		t.Errorf("name = %q", got.Name)
	}

	w = g.request(t, http.MethodPost, "/jobs/"+job.ID+"/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("force run: %d", w.Code)
	}
	if fired := decodeBody[map[string]bool](t, w); !fired["fired"] {
		t.Error("forced run did not fire")
	}

	w = g.request(t, http.MethodGet, "/jobs/status", nil)
	st := decodeBody[scheduler.Status](t, w)
	if st.Jobs != 1 || st.Enabled != 1 {
		t.Errorf("status = %+v", st)
	}

	// Undo walks back the rename, then the create.
	w = g.request(t, http.MethodPost, "/jobs/history/undo", nil)
	if op := decodeBody[scheduler.HistoryOp](t, w); op.JobID != job.ID {
		t.Errorf("undo op = %+v", op)
	}
	w = g.request(t, http.MethodGet, "/jobs/"+job.ID, nil)
	if got := decodeBody[scheduler.Job](t, w); got.Name != "digest" {
		t.Errorf("name after undo = %q", got.Name)
	}

	g.request(t, http.MethodPost, "/jobs/history/undo", nil)
	if w := g.request(t, http.MethodGet, "/jobs/"+job.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after undoing create, got %d", w.Code)
	}

	w = g.request(t, http.MethodPost, "/jobs/history/redo", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("redo: %d", w.Code)
	}
	if w := g.request(t, http.MethodGet, "/jobs/"+job.ID, nil); w.Code != http.StatusOK {
		t.Fatalf("job missing after redo: %d", w.Code)
	}

	if w := g.request(t, http.MethodDelete, "/jobs/"+job.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
}

func diamondPayload() map[string]any {
	node := func(id, name string) map[string]any {
		return map[string]any{"id": id, "name": name, "type": swarm.TypeAgentTask, "enabled": true}
	}
	return map[string]any{
		"name":    "diamond",
		"enabled": true,
		"nodes":   []map[string]any{node("a", "root"), node("b", "left"), node("c", "right"), node("d", "join")},
		"edges": []map[string]string{
			{"from": "a", "to": "b"},
			{"from": "a", "to": "c"},
			{"from": "b", "to": "d"},
			{"from": "c", "to": "d"},
		},
	}
}

// finishNode drives a dispatched node run to a terminal status through the
// bus, the same way the run executor reports real runs.
func (g *gatewayHarness) finishNode(t *testing.T, nodeID string, to runs.Status) {
	t.Helper()
	g.runner.mu.Lock()
	runID := g.runner.byNode[nodeID]
	if runID != "" {
		g.runner.terminal[runID] = to
	}
	g.runner.mu.Unlock()
	if runID == "" {
		t.Fatalf("node %s has no run to finish", nodeID)
	}
	g.bus.EmitTyped(runID, events.StatusChangedPayload{
		From: string(runs.StatusApplying),
		To:   string(to),
	}, events.ActorSystem)
}

func TestWorkflowCRUDOverHTTP(t *testing.T) {
	g := newTestGateway(t)

	w := g.request(t, http.MethodPost, "/swarm/workflows", diamondPayload())
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d: %s", w.Code, w.Body.String())
	}
	wf := decodeBody[swarm.Workflow](t, w)
	if wf.ID == "" || len(wf.Nodes) != 4 {
		t.Fatalf("workflow = %+v", wf)
	}

	w = g.request(t, http.MethodGet, "/swarm/workflows", nil)
	if list := decodeBody[[]*swarm.Workflow](t, w); len(list) != 1 {
		t.Fatalf("list = %d workflows", len(list))
	}

	w = g.request(t, http.MethodPost, "/swarm/workflows/"+wf.ID+"/nodes",
		map[string]any{"id": "e", "name": "report", "type": swarm.TypeAgentTask, "enabled": true})
	if w.Code != http.StatusCreated {
		t.Fatalf("add node: %d: %s", w.Code, w.Body.String())
	}

	w = g.request(t, http.MethodPost, "/swarm/workflows/"+wf.ID+"/edges", swarm.Edge{From: "d", To: "e"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add edge: %d: %s", w.Code, w.Body.String())
	}

	// A cycle is rejected outright.
	w = g.request(t, http.MethodPost, "/swarm/workflows/"+wf.ID+"/edges", swarm.Edge{From: "e", To: "a"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for cycle, got %d", w.Code)
	}

	w = g.request(t, http.MethodDelete, "/swarm/workflows/"+wf.ID+"/edges?from=d&to=e", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove edge: %d", w.Code)
	}
	w = g.request(t, http.MethodDelete, "/swarm/workflows/"+wf.ID+"/nodes/e", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove node: %d", w.Code)
	}

	w = g.request(t, http.MethodGet, "/swarm/workflows/"+wf.ID+"/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("export content type = %q", ct)
	}
	yaml := w.Body.String()
	if !strings.Contains(yaml, "diamond") || !strings.Contains(yaml, "nodes:") {
		t.Errorf("export body = %q", yaml)
	}

	req := httptest.NewRequest(http.MethodPost, "/swarm/workflows/import", strings.NewReader(yaml))
	req.Header.Set("Authorization", "Bearer "+g.token)
	rec := httptest.NewRecorder()
	g.srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("import: %d: %s", rec.Code, rec.Body.String())
	}
	imported := decodeBody[swarm.Workflow](t, rec)
	if imported.ID == wf.ID {
		t.Error("import must mint a fresh workflow id")
	}
	if len(imported.Nodes) != 4 {
		t.Errorf("imported %d nodes", len(imported.Nodes))
	}

	if w := g.request(t, http.MethodDelete, "/swarm/workflows/"+wf.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	if w := g.request(t, http.MethodGet, "/swarm/workflows/"+wf.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestExecuteWorkflowFailFast(t *testing.T) {
	g := newTestGateway(t)

	w := g.request(t, http.MethodPost, "/swarm/workflows", diamondPayload())
	wf := decodeBody[swarm.Workflow](t, w)

	w = g.request(t, http.MethodPost, "/swarm/workflows/"+wf.ID+"/execute", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("execute: %d: %s", w.Code, w.Body.String())
	}
	orch := decodeBody[swarm.Orchestration](t, w)
	if orch.Status != swarm.OrchestrationRunning {
		t.Fatalf("status = %s", orch.Status)
	}

	g.finishNode(t, "a", runs.StatusFailed)

	w = g.request(t, http.MethodGet, "/swarm/orchestrations/"+orch.ID, nil)
	done := decodeBody[swarm.Orchestration](t, w)
	if done.Status != swarm.OrchestrationFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	for _, id := range []string{"b", "c", "d"} {
		if done.Nodes[id].Status != swarm.NodeBlocked {
			t.Errorf("node %s = %s, want blocked", id, done.Nodes[id].Status)
		}
	}

	w = g.request(t, http.MethodGet, "/swarm/workflows/"+wf.ID+"/orchestrations", nil)
	if hist := decodeBody[[]*swarm.Orchestration](t, w); len(hist) != 1 {
		t.Errorf("history = %d orchestrations", len(hist))
	}

	if w := g.request(t, http.MethodGet, "/swarm/orchestrations/orc_missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDrainRejectsNewWork(t *testing.T) {
	g := newTestGateway(t)

	w := g.request(t, http.MethodPatch, "/control/operation", operationState{OperationMode: settings.ModeDrain})
	if w.Code != http.StatusOK {
		t.Fatalf("set drain: %d", w.Code)
	}

	if w := g.request(t, http.MethodPost, "/runs", runs.Input{Instruction: "x"}); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("POST /runs during drain: %d", w.Code)
	}
	if w := g.request(t, http.MethodPost, "/chat", chatRequest{Message: "hi"}); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("POST /chat during drain: %d", w.Code)
	}
	if w := g.request(t, http.MethodPost, "/jobs", scheduler.Job{Name: "j", Schedule: scheduler.Schedule{Every: 60_000}}); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("POST /jobs during drain: %d", w.Code)
	}

	// Reads stay open while draining.
	if w := g.request(t, http.MethodGet, "/runs", nil); w.Code != http.StatusOK {
		t.Fatalf("GET /runs during drain: %d", w.Code)
	}

	w = g.request(t, http.MethodPatch, "/control/operation", operationState{OperationMode: settings.ModeNormal})
	if got := decodeBody[operationState](t, w); got.OperationMode != settings.ModeNormal {
		t.Fatalf("mode = %q", got.OperationMode)
	}
	if w := g.request(t, http.MethodPost, "/runs", runs.Input{Instruction: "x"}); w.Code != http.StatusCreated {
		t.Fatalf("POST /runs after normal: %d", w.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	g := newTestGateway(t)

	w := g.request(t, http.MethodGet, "/settings/daemon", nil)
	snap := decodeBody[settings.Snapshot](t, w)
	if snap.Effective.Port != 18787 || snap.RestartRequired {
		t.Fatalf("snapshot = %+v", snap)
	}

	port := 19999
	w = g.request(t, http.MethodPatch, "/settings/daemon", settings.Patch{Port: &port})
	if w.Code != http.StatusOK {
		t.Fatalf("patch: %d: %s", w.Code, w.Body.String())
	}
	snap = decodeBody[settings.Snapshot](t, w)
	if snap.Desired.Port != 19999 || !snap.RestartRequired {
		t.Errorf("snapshot after patch = %+v", snap)
	}

	badPort := -1
	if w := g.request(t, http.MethodPatch, "/settings/daemon", settings.Patch{Port: &badPort}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad port, got %d", w.Code)
	}
}

func TestRecentActionsSections(t *testing.T) {
	g := newTestGateway(t)

	rec := g.log.Append("", "fs.write", actions.CategoryMutate, nil, true, actions.ApprovalAuto)
	g.log.Finalize(rec.ID, 1, "", &actions.Inverse{Tool: "fs.write"})
	ro := g.log.Append("", "shell.exec", actions.CategoryExec, nil, false, actions.ApprovalAuto)
	g.log.Finalize(ro.ID, 1, "", nil)

	w := g.request(t, http.MethodGet, "/actions/recent", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recent: %d", w.Code)
	}
	body := decodeBody[recentActions](t, w)
	if len(body.Undoable) != 1 || len(body.NonUndoable) != 1 || len(body.Redoable) != 0 {
		t.Errorf("sections = %d/%d/%d", len(body.Undoable), len(body.Redoable), len(body.NonUndoable))
	}
}
