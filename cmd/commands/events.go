package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"

	"github.com/nrn-labs/undoable/clients/daemon"
	wsprotocol "github.com/nrn-labs/undoable/internal/gateway/ws"
)

// NewEventsCommand returns the events subcommand.
func NewEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Tail the daemon's event feed",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "run",
				Usage: "Only show events for this run id",
			},
		},
		Action: runEvents,
	}
}

func runEvents(_ context.Context, cmd *cli.Command) error {
	client, err := daemon.Connect()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stream, err := client.Events(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	runFilter := cmd.String("run")
	for {
		frame, err := stream.Read(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if frame.Type != wsprotocol.FrameTypeEvent {
			continue
		}
		if runFilter != "" && frame.RunID != runFilter {
			continue
		}
		if frame.RunID != "" {
			fmt.Printf("%-22s run=%s %s\n", frame.Event, frame.RunID, frame.Payload)
		} else {
			fmt.Printf("%-22s %s\n", frame.Event, frame.Payload)
		}
	}
}
