package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/nrn-labs/undoable/clients/daemon"
	"github.com/nrn-labs/undoable/internal/chat"
	"github.com/nrn-labs/undoable/internal/config"
)

// NewAskCommand returns the ask subcommand.
func NewAskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send a message to the agent and stream the response",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "session",
				Aliases: []string{"s"},
				Usage:   "Session ID to resume (empty = new session)",
			},
			&cli.StringFlag{
				Name:  "agent",
				Usage: "Agent id whose instructions apply",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Run mode for this turn (plan, shadow, apply)",
			},
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Approve every tool call without prompting",
			},
			&cli.IntFlag{
				Name:  "timeout",
				Usage: "Turn timeout in seconds",
				Value: 300,
			},
		},
		Action: runAsk,
	}
}

func runAsk(_ context.Context, cmd *cli.Command) error {
	message := cmd.Args().First()
	if message == "" {
		return fmt.Errorf("usage: undoable ask <message>")
	}

	client, err := daemon.Connect()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cmd.Int("timeout"))*time.Second)
	defer cancel()

	req := daemon.ChatRequest{
		Message:   message,
		SessionID: cmd.String("session"),
		AgentID:   cmd.String("agent"),
	}
	if mode := cmd.String("mode"); mode != "" {
		req.Config = &config.RunConfig{Mode: mode}
	}

	acceptAll := cmd.Bool("yes")
	sessionFlag := cmd.String("session")
	streamed := false

	// The emitter runs on the stream-reading goroutine. Blocking on the
	// approval prompt is safe: the daemon's turn is blocked on the same
	// approval and produces nothing until it resolves.
	err = client.Chat(ctx, req, func(env chat.Envelope) {
		switch env.Type {
		case chat.TypeSessionInfo:
			if sessionFlag == "" {
				fmt.Fprintf(os.Stderr, "session: %s\n", env.SessionID)
				sessionFlag = env.SessionID
			}
		case chat.TypeToken:
			streamed = true
			fmt.Fprint(os.Stdout, env.Content)
		case chat.TypeToolCall:
			fmt.Fprintf(os.Stderr, "\n[tool] %s\n", env.Name)
		case chat.TypeToolResult:
			if env.Error != "" {
				fmt.Fprintf(os.Stderr, "[tool] %s failed: %s\n", env.Name, env.Error)
			}
		case chat.TypeApprovalRequest:
			resolveApproval(ctx, client, env, acceptAll)
		case chat.TypeWarning:
			fmt.Fprintf(os.Stderr, "warning: %s\n", env.Message)
		case chat.TypeDone:
			if streamed {
				fmt.Fprintln(os.Stdout)
			} else if env.Content != "" {
				fmt.Fprintln(os.Stdout, env.Content)
			}
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("timeout waiting for response")
		}
		return err
	}
	return nil
}

// resolveApproval prompts on stderr and answers through the gateway. An
// unanswerable prompt (closed stdin) denies; the daemon's timeout is the
// backstop either way.
func resolveApproval(ctx context.Context, client *daemon.Client, env chat.Envelope, acceptAll bool) {
	approved := acceptAll
	allowAlways := false

	if !acceptAll {
		fmt.Fprintf(os.Stderr, "\napprove %s? [y/N/a=always] ", env.Name)
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			switch strings.TrimSpace(strings.ToLower(scanner.Text())) {
			case "y", "yes":
				approved = true
			case "a", "always":
				approved = true
				allowAlways = true
			}
		}
	}

	if err := client.Approve(ctx, env.ApprovalID, approved, allowAlways); err != nil {
		fmt.Fprintf(os.Stderr, "warning: send approval: %v\n", err)
	}
}
