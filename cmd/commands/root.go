// Package commands builds the undoable CLI: the daemon itself plus thin
// operator commands that talk to it through the gateway.
package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/nrn-labs/undoable/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "undoable",
		Usage: "Local-first agent runtime with an undo story",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewDaemonCommand(),
			NewStatusCommand(),
			NewAskCommand(),
			NewJobsCommand(),
			NewEventsCommand(),
			NewTokenCommand(),
			NewMCPCommand(),
			NewVersionCommand(),
		},
	}
}
