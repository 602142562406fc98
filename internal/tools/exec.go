package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/events"
)

const (
	defaultExecTimeout = 30 * time.Second
	maxExecTimeout     = 300 * time.Second
	execOutputCap      = 64 * 1024
)

// ExecCommandTool runs shell commands. It is deliberately non-undoable: a
// command's effects cannot be snapshotted, so under the undo guarantee it is
// blocked until the user arms allow-once or permits irreversible actions.
type ExecCommandTool struct {
	table *ProcessTable
}

func NewExecCommandTool(table *ProcessTable) *ExecCommandTool {
	return &ExecCommandTool{table: table}
}

func (t *ExecCommandTool) Manifest() *Manifest {
	return &Manifest{
		Name:        "exec.command",
		Description: "Execute a shell command. Returns stdout, stderr, and exit code. Set background to start a long-running process and poll it with process.poll.",
		Category:    actions.CategoryExec,
		Undoable:    false,
		Params: map[string]ParamSpec{
			"command": {
				Type:        "string",
				Description: "The shell command to execute",
				Required:    true,
			},
			"workingDir": {
				Type:        "string",
				Description: "Working directory; defaults to the run's work directory",
			},
			"timeoutSeconds": {
				Type:        "integer",
				Description: "Timeout in seconds (default: 30, max: 300); ignored for background commands",
			},
			"background": {
				Type:        "boolean",
				Description: "Start the command in the background and return a process id",
			},
		},
	}
}

func (t *ExecCommandTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return t.Manifest().ToolInfo(), nil
}

type execCommandInput struct {
	Command        string `json:"command"`
	WorkingDir     string `json:"workingDir"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	Background     bool   `json:"background"`
}

type execCommandOutput struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Truncated  bool   `json:"truncated,omitempty"`
}

func (t *ExecCommandTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var input execCommandInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
		return "", fmt.Errorf("exec.command: parse input: %w", err)
	}
	if input.Command == "" {
		return "", fmt.Errorf("exec.command: command is required")
	}

	dir := input.WorkingDir
	if dir == "" {
		dir = events.WorkDirFromContext(ctx)
	}

	if input.Background {
		if t.table == nil {
			return "", fmt.Errorf("exec.command: background processes are not enabled")
		}
		st, err := t.table.Start(input.Command, dir)
		if err != nil {
			return "", fmt.Errorf("exec.command: %w", err)
		}
		slog.Info("background process started", "process_id", st.ProcessID, "pid", st.PID)
		out, err := json.Marshal(st)
		if err != nil {
			return "", fmt.Errorf("exec.command: marshal result: %w", err)
		}
		return string(out), nil
	}

	timeout := defaultExecTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
		if timeout > maxExecTimeout {
			timeout = maxExecTimeout
		}
	}

	slog.Info("executing command", "command", input.Command, "timeout", timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", input.Command)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	exitCode := 0
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("exec.command: %w", ctx.Err())
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("exec.command: %w", err)
		}
	}

	result := execCommandOutput{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if len(result.Stdout) > execOutputCap {
		result.Stdout = result.Stdout[:execOutputCap]
		result.Truncated = true
	}
	if len(result.Stderr) > execOutputCap {
		result.Stderr = result.Stderr[:execOutputCap]
		result.Truncated = true
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("exec.command: marshal result: %w", err)
	}
	return string(out), nil
}

var _ Tool = (*ExecCommandTool)(nil)
