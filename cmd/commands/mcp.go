package commands

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/approval"
	"github.com/nrn-labs/undoable/internal/config"
	"github.com/nrn-labs/undoable/internal/events"
	undomcp "github.com/nrn-labs/undoable/internal/mcp"
	"github.com/nrn-labs/undoable/internal/tools"
)

// NewMCPCommand returns the mcp subcommand.
func NewMCPCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Expose the built-in tools as an MCP server (stdio)",
		Arguments: []cli.Argument{
			&cli.StringArg{
				Name:      "filter",
				UsageText: "Tool or family name to expose (empty = all)",
			},
		},
		Action: runMCP,
	}
}

func runMCP(ctx context.Context, cmd *cli.Command) error {
	// stdout is the MCP transport; all logging goes to stderr.
	level := slog.LevelWarn
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Debug("config not found, using defaults", "path", configPath, "error", err)
		cfg = config.Default()
	}

	// MCP callers are trusted local operators: the gate stays off and the
	// client handles its own confirmations. Policy checks and the action
	// log still apply through the registry.
	bus := events.NewBus(64)
	gate := approval.NewGate(bus, approval.ModeOff, time.Second)
	log := actions.NewLog(nil)

	polLevel, err := tools.ParseLevel(cfg.Tools.SecurityPolicy)
	if err != nil {
		return err
	}
	policy := tools.NewPolicy(polLevel, cfg.Tools.AllowIrreversibleActions, cfg.Tools.AllowedPaths)
	reg := tools.NewRegistry(bus, gate, log, policy)
	table := tools.NewProcessTable()
	if err := reg.RegisterTools(tools.Builtins(ctx, *cfg, table, nil)...); err != nil {
		return err
	}

	filter := cmd.StringArg("filter")
	slog.Debug("starting MCP server", "filter", filter, "tools", len(reg.Names()))

	server := undomcp.NewServer(reg, filter, version)
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}
