package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/approval"
	"github.com/nrn-labs/undoable/internal/chat"
	"github.com/nrn-labs/undoable/internal/config"
	"github.com/nrn-labs/undoable/internal/events"
	"github.com/nrn-labs/undoable/internal/gateway"
	"github.com/nrn-labs/undoable/internal/health"
	"github.com/nrn-labs/undoable/internal/instructions"
	"github.com/nrn-labs/undoable/internal/models"
	"github.com/nrn-labs/undoable/internal/runs"
	"github.com/nrn-labs/undoable/internal/scheduler"
	"github.com/nrn-labs/undoable/internal/sessions"
	"github.com/nrn-labs/undoable/internal/settings"
	"github.com/nrn-labs/undoable/internal/skills"
	"github.com/nrn-labs/undoable/internal/storage"
	"github.com/nrn-labs/undoable/internal/swarm"
	"github.com/nrn-labs/undoable/internal/tools"
)

// shutdownGrace bounds how long in-flight HTTP requests may drain.
const shutdownGrace = 5 * time.Second

// NewDaemonCommand returns the daemon subcommand.
func NewDaemonCommand() *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "Run the Undoable daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runDaemon,
	}
}

func runDaemon(_ context.Context, cmd *cli.Command) error {
	setupDaemonLogging(cmd.Bool("debug"))

	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = config.Default()
	}
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	if err := os.MkdirAll(config.UndoablePath(), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Event bus
	bus := events.NewBus(1024)

	// Settings first: the effective security policy feeds the tool policy,
	// and restart-bound fields must come from what is persisted, not from
	// this process's flags. The scheduler and swarm service register as
	// pausables once they exist.
	mgr, err := settings.New(settings.Config{
		Path:           config.SettingsPath(),
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		SecurityPolicy: cfg.Tools.SecurityPolicy,
	})
	if err != nil {
		return fmt.Errorf("init settings: %w", err)
	}
	effective := mgr.Effective()

	// Action log, mirrored into the sqlite archive when it opens. A broken
	// archive degrades to in-memory only.
	archive, err := actions.NewArchive(config.ActionsDBPath())
	if err != nil {
		slog.Warn("action archive unavailable", "path", config.ActionsDBPath(), "error", err)
		archive = nil
	} else {
		defer archive.Close()
	}
	log := actions.NewLog(archive)

	// Approval gate
	approvalMode, err := approval.ParseMode(cfg.Run.ApprovalMode)
	if err != nil {
		return fmt.Errorf("run.approval_mode: %w", err)
	}
	gate := approval.NewGate(bus, approvalMode, approval.DefaultTimeout)

	// Run manager
	runMgr := runs.NewManager(bus, config.RunsStatePath())
	defer runMgr.Close()

	// Scheduler. The handler closes over exec and swarmSvc, assigned below;
	// jobs cannot fire before Start, which happens after the assignments.
	var exec *runs.Executor
	var swarmSvc *swarm.Service
	sched := scheduler.New(scheduler.Config{
		Bus:  bus,
		Path: config.JobsStatePath(),
		Handler: func(ctx context.Context, job scheduler.Job) error {
			return dispatchJob(ctx, runMgr, exec, swarmSvc, job)
		},
	})

	// Tool registry with the built-in set, gated by the effective policy
	level, err := tools.ParseLevel(effective.SecurityPolicy)
	if err != nil {
		return fmt.Errorf("security policy: %w", err)
	}
	policy := tools.NewPolicy(level, cfg.Tools.AllowIrreversibleActions, cfg.Tools.AllowedPaths)
	reg := tools.NewRegistry(bus, gate, log, policy)
	table := tools.NewProcessTable()
	if err := reg.RegisterTools(tools.Builtins(ctx, *cfg, table, sched)...); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	// Model providers
	modelReg, err := models.NewRegistry(cfg.Models, config.ProvidersPath())
	if err != nil {
		return fmt.Errorf("init model registry: %w", err)
	}

	// Chat loop and its stores
	store := sessions.NewFileStore(config.SessionsDir())
	instr := instructions.NewStore(config.InstructionsDir())
	library := skills.NewLibrary(cfg.Skills.Dirs, config.SkillsStatePath())
	if err := library.Load(); err != nil {
		slog.Warn("skill library load failed", "error", err)
	}
	loop := chat.New(chat.Config{
		Store:        store,
		Registry:     reg,
		Models:       modelReg,
		Bus:          bus,
		Usage:        storage.NewUsageTracker(config.UsageDir()),
		Instructions: instr,
		Run:          cfg.Run,
	})

	// Run executor, planning and applying through the chat loop
	exec = runs.NewExecutor(runs.ExecutorConfig{
		Manager:  runMgr,
		Bus:      bus,
		Registry: reg,
		Gate:     gate,
		Planner:  loop,
		Applier:  loop,
	})

	// Workflow orchestration over the run manager
	runner := &swarmRunner{runs: runMgr, exec: exec, skills: library}
	swarmSvc = swarm.New(swarm.Config{
		Bus:         bus,
		Scheduler:   sched,
		Runner:      runner,
		Path:        config.SwarmStatePath(),
		MaxParallel: cfg.Swarm.MaxParallel,
		HistoryMax:  cfg.Swarm.HistoryMax,
	})

	// A persisted paused mode must reach the scheduler and the swarm
	// service before anything dispatches; registration applies it.
	mgr.RegisterPausable(sched)
	mgr.RegisterPausable(swarmSvc)

	sched.Start()
	defer sched.Stop()

	pid := health.NewWriter(config.PidPath(), effective.Port)
	if err := pid.Start(); err != nil {
		slog.Warn("pid file unavailable", "path", config.PidPath(), "error", err)
	} else {
		defer pid.Stop()
	}

	server := gateway.NewServer(gateway.Config{
		Bus:         bus,
		Settings:    mgr,
		Runs:        runMgr,
		Executor:    exec,
		Chat:        loop,
		Gate:        gate,
		Actions:     log,
		Archive:     archive,
		Scheduler:   sched,
		Swarm:       swarmSvc,
		StateDir:    config.UndoablePath(),
		BodyLimitMB: cfg.Gateway.BodyLimitMB,
	})

	slog.Info("daemon starting",
		"addr", effective.Addr(),
		"authMode", effective.AuthMode,
		"operationMode", effective.OperationMode,
		"tools", len(reg.Names()),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
		stop()
		gate.RejectAll("daemon shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
		if sig == syscall.SIGTERM {
			return cli.Exit("", 143)
		}
		return cli.Exit("", 130)
	case err := <-errCh:
		return err
	}
}

// setupDaemonLogging sends text logs to stderr, mirrored into the daemon
// log file when the data dir is writable.
func setupDaemonLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	out := io.Writer(os.Stderr)
	if err := os.MkdirAll(config.LogsDir(), 0o700); err == nil {
		f, err := os.OpenFile(config.DaemonLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err == nil {
			out = io.MultiWriter(os.Stderr, f)
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}

// dispatchJob routes a fired scheduler job by payload kind: mirror jobs
// from workflow node schedules go to the swarm service, everything else is
// an agent-run payload.
func dispatchJob(ctx context.Context, mgr *runs.Manager, exec *runs.Executor, swarmSvc *swarm.Service, job scheduler.Job) error {
	if kind, _ := job.Payload["kind"].(string); kind == swarm.JobKind {
		if swarmSvc == nil {
			return fmt.Errorf("job %s fired before the swarm service was up", job.ID)
		}
		return swarmSvc.HandleJob(ctx, job)
	}
	return fireJob(ctx, mgr, exec, job)
}

// fireJob turns a fired scheduler job into an agent run. It blocks until
// the run finishes so the scheduler's single-flight guard covers the whole
// run, not just its creation.
func fireJob(ctx context.Context, mgr *runs.Manager, exec *runs.Executor, job scheduler.Job) error {
	instruction, _ := job.Payload["instruction"].(string)
	if strings.TrimSpace(instruction) == "" {
		slog.Warn("job fired without instruction", "job", job.ID, "name", job.Name)
		return nil
	}
	agentID, _ := job.Payload["agentId"].(string)
	mode, _ := job.Payload["mode"].(string)

	run, err := mgr.Create(runs.Input{
		Instruction: instruction,
		AgentID:     agentID,
		JobID:       job.ID,
		Mode:        mode,
	})
	if err != nil {
		return fmt.Errorf("create run for job %s: %w", job.ID, err)
	}
	return exec.Run(ctx, run.ID)
}

// swarmRunner backs workflow node dispatch with the run manager and
// executor. Node prompts get their composed skill fragments appended.
type swarmRunner struct {
	runs   *runs.Manager
	exec   *runs.Executor
	skills *skills.Library
}

func (r *swarmRunner) StartNodeRun(_ context.Context, wf *swarm.Workflow, node *swarm.Node) (swarm.NodeRun, error) {
	instruction := strings.TrimSpace(node.Prompt)
	if instruction == "" {
		instruction = fmt.Sprintf("Execute workflow node %q.", node.Name)
	}
	if len(node.SkillRefs) > 0 {
		fragment, err := r.skills.Compose(node.SkillRefs)
		if err != nil {
			return swarm.NodeRun{}, fmt.Errorf("node %s: %w", node.ID, err)
		}
		if fragment != "" {
			instruction += "\n\n" + fragment
		}
	}

	agentID := node.AgentID
	if agentID == "" {
		agentID = wf.OrchestratorAgentID
	}

	run, err := r.runs.Create(runs.Input{
		Instruction: instruction,
		AgentID:     agentID,
		JobID:       node.JobID,
		Mode:        runs.ModeApply,
		WorkDir:     wf.WorkspaceDir,
	})
	if err != nil {
		return swarm.NodeRun{}, err
	}
	r.exec.Launch(run.ID)
	return swarm.NodeRun{RunID: run.ID, JobID: node.JobID, AgentID: agentID}, nil
}

func (r *swarmRunner) RunStatus(runID string) (runs.Status, bool) {
	run, err := r.runs.Get(runID)
	if err != nil {
		return "", false
	}
	return run.Status, true
}
