package commands

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/urfave/cli/v3"
)

// version is stamped by the release build; dev builds fall back to module
// build info.
var version = "dev"

// NewVersionCommand returns the version subcommand.
func NewVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the undoable version",
		Action: func(_ context.Context, _ *cli.Command) error {
			v := version
			if v == "dev" {
				if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
					v = info.Main.Version
				}
			}
			fmt.Println(v)
			return nil
		},
	}
}
