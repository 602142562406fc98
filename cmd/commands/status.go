package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/nrn-labs/undoable/clients/daemon"
	"github.com/nrn-labs/undoable/internal/config"
	"github.com/nrn-labs/undoable/internal/health"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show daemon status",
		Action: runStatus,
	}
}

func runStatus(ctx context.Context, _ *cli.Command) error {
	status, pf, err := health.Check(config.PidPath(), health.DefaultMaxAge)
	if err != nil {
		return fmt.Errorf("check pid file: %w", err)
	}

	switch status {
	case health.StatusAlive:
		fmt.Printf("Daemon: ALIVE (PID %d, port %d, uptime %s)\n",
			pf.PID, pf.Port, time.Since(pf.StartedAt).Truncate(time.Second))
	case health.StatusStale:
		fmt.Printf("Daemon: STALE (PID %d, last refresh %s ago)\n",
			pf.PID, time.Since(pf.RefreshedAt).Truncate(time.Second))
		return nil
	case health.StatusDown:
		fmt.Println("Daemon: NOT RUNNING")
		return nil
	}

	// Alive per the pid file; ask the gateway how ready it actually is.
	client, err := daemon.Connect()
	if err != nil {
		fmt.Printf("Gateway: UNREACHABLE (%v)\n", err)
		return nil
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rep, err := client.Health(reqCtx)
	if err != nil {
		fmt.Printf("Gateway: UNREACHABLE (%v)\n", err)
		return nil
	}

	readiness := "READY"
	if !rep.Ready {
		readiness = "NOT READY"
	}
	fmt.Printf("Gateway: %s\n", readiness)

	names := make([]string, 0, len(rep.Checks))
	for name := range rep.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		mark := "ok"
		if !rep.Checks[name] {
			mark = "FAIL"
		}
		fmt.Printf("  %-20s %s\n", name, mark)
	}
	return nil
}
