package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/nrn-labs/undoable/internal/actions"
)

const (
	processTailBytes = 8 * 1024
	processTableMax  = 100
)

// tailBuffer keeps the last N bytes written to it.
type tailBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// ProcessStatus is a poll-time snapshot of one background process.
type ProcessStatus struct {
	ProcessID  string `json:"processId"`
	PID        int    `json:"pid"`
	Command    string `json:"command"`
	Running    bool   `json:"running"`
	ExitCode   int    `json:"exitCode"`
	Error      string `json:"error,omitempty"`
	StdoutTail string `json:"stdoutTail"`
	StderrTail string `json:"stderrTail"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

type managedProcess struct {
	id        string
	cmd       *exec.Cmd
	command   string
	stdout    *tailBuffer
	stderr    *tailBuffer
	startedAt time.Time

	mu         sync.Mutex
	finished   bool
	exitCode   int
	runErr     string
	finishedAt time.Time
}

func (p *managedProcess) status() ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := ProcessStatus{
		ProcessID:  p.id,
		PID:        p.cmd.Process.Pid,
		Command:    p.command,
		Running:    !p.finished,
		ExitCode:   p.exitCode,
		Error:      p.runErr,
		StdoutTail: p.stdout.String(),
		StderrTail: p.stderr.String(),
		StartedAt:  p.startedAt.UTC().Format(time.RFC3339),
	}
	if p.finished {
		st.FinishedAt = p.finishedAt.UTC().Format(time.RFC3339)
	}
	return st
}

// ProcessTable tracks background processes started by exec.command so
// process.poll can report on them later. Finished entries age out once the
// table exceeds its cap; running processes are killed on Shutdown.
type ProcessTable struct {
	mu    sync.Mutex
	procs map[string]*managedProcess
	order []string
}

func NewProcessTable() *ProcessTable {
	return &ProcessTable{procs: make(map[string]*managedProcess)}
}

// Start launches command under sh -c detached from the calling context and
// registers it.
func (t *ProcessTable) Start(command, dir string) (ProcessStatus, error) {
	cmd := exec.Command("sh", "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}

	proc := &managedProcess{
		id:        "proc_" + uuid.NewString()[:8],
		cmd:       cmd,
		command:   command,
		stdout:    newTailBuffer(processTailBytes),
		stderr:    newTailBuffer(processTailBytes),
		startedAt: time.Now(),
	}
	cmd.Stdout = proc.stdout
	cmd.Stderr = proc.stderr

	if err := cmd.Start(); err != nil {
		return ProcessStatus{}, fmt.Errorf("start process: %w", err)
	}

	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		defer proc.mu.Unlock()
		proc.finished = true
		proc.finishedAt = time.Now()
		if exitErr, ok := err.(*exec.ExitError); ok {
			proc.exitCode = exitErr.ExitCode()
		} else if err != nil {
			proc.exitCode = -1
			proc.runErr = err.Error()
		}
	}()

	t.mu.Lock()
	t.procs[proc.id] = proc
	t.order = append(t.order, proc.id)
	t.evictLocked()
	t.mu.Unlock()

	return proc.status(), nil
}

// evictLocked drops the oldest finished entries past the table cap.
func (t *ProcessTable) evictLocked() {
	if len(t.order) <= processTableMax {
		return
	}
	kept := t.order[:0]
	excess := len(t.order) - processTableMax
	for _, id := range t.order {
		proc := t.procs[id]
		proc.mu.Lock()
		finished := proc.finished
		proc.mu.Unlock()
		if excess > 0 && finished {
			delete(t.procs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

// Poll returns the status of one process.
func (t *ProcessTable) Poll(id string) (ProcessStatus, error) {
	t.mu.Lock()
	proc, ok := t.procs[id]
	t.mu.Unlock()
	if !ok {
		return ProcessStatus{}, fmt.Errorf("process %q not found", id)
	}
	return proc.status(), nil
}

// PollAll returns all tracked processes, oldest first.
func (t *ProcessTable) PollAll() []ProcessStatus {
	t.mu.Lock()
	ids := make([]string, len(t.order))
	copy(ids, t.order)
	procs := make([]*managedProcess, 0, len(ids))
	for _, id := range ids {
		procs = append(procs, t.procs[id])
	}
	t.mu.Unlock()

	out := make([]ProcessStatus, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.status())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt < out[j].StartedAt })
	return out
}

// Shutdown kills every process still running.
func (t *ProcessTable) Shutdown() {
	t.mu.Lock()
	procs := make([]*managedProcess, 0, len(t.procs))
	for _, p := range t.procs {
		procs = append(procs, p)
	}
	t.mu.Unlock()

	for _, p := range procs {
		p.mu.Lock()
		running := !p.finished
		p.mu.Unlock()
		if running && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	}
}

// ---------------------------------------------------------------------------
// process.poll
// ---------------------------------------------------------------------------

// ProcessPollTool reports on background processes. Polling is a read: the
// chat loop exempts poll-only batches from the iteration budget so waiting
// on a slow command does not burn turns.
type ProcessPollTool struct {
	table *ProcessTable
}

func NewProcessPollTool(table *ProcessTable) *ProcessPollTool {
	return &ProcessPollTool{table: table}
}

func (t *ProcessPollTool) Manifest() *Manifest {
	return &Manifest{
		Name:        "process.poll",
		Description: "Poll background processes started with exec.command background mode. Returns running state, exit code, and output tails.",
		Category:    actions.CategoryRead,
		Params: map[string]ParamSpec{
			"processId": {
				Type:        "string",
				Description: "Process to poll; omit to list all tracked processes",
			},
		},
	}
}

func (t *ProcessPollTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return t.Manifest().ToolInfo(), nil
}

type processPollInput struct {
	ProcessID string `json:"processId"`
}

func (t *ProcessPollTool) InvokableRun(_ context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var input processPollInput
	if argumentsInJSON != "" {
		if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
			return "", fmt.Errorf("process.poll: parse input: %w", err)
		}
	}

	if input.ProcessID != "" {
		st, err := t.table.Poll(input.ProcessID)
		if err != nil {
			return "", fmt.Errorf("process.poll: %w", err)
		}
		out, err := json.Marshal(st)
		if err != nil {
			return "", fmt.Errorf("process.poll: marshal result: %w", err)
		}
		return string(out), nil
	}

	out, err := json.Marshal(map[string]any{"processes": t.table.PollAll()})
	if err != nil {
		return "", fmt.Errorf("process.poll: marshal result: %w", err)
	}
	return string(out), nil
}

var _ Tool = (*ProcessPollTool)(nil)
