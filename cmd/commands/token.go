package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/nrn-labs/undoable/clients/daemon"
	"github.com/nrn-labs/undoable/internal/config"
	"github.com/nrn-labs/undoable/internal/settings"
)

// NewTokenCommand returns the token subcommand.
func NewTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Manage the gateway bearer token",
		Commands: []*cli.Command{
			{
				Name:   "set",
				Usage:  "Set the bearer token (prompts without echo on a TTY)",
				Action: runTokenSet,
			},
			{
				Name:   "rotate",
				Usage:  "Generate a fresh random token",
				Action: runTokenRotate,
			},
		},
	}
}

func runTokenSet(ctx context.Context, _ *cli.Command) error {
	token, err := readToken()
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}
	_, err = applyTokenPatch(ctx, settings.Patch{Token: &token})
	return err
}

// runTokenRotate echoes the generated value; unlike set, the caller has no
// other way to learn it.
func runTokenRotate(ctx context.Context, _ *cli.Command) error {
	snap, err := applyTokenPatch(ctx, settings.Patch{RotateToken: true})
	if err != nil {
		return err
	}
	fmt.Printf("Token: %s\n", snap.Desired.Token)
	return nil
}

// applyTokenPatch goes through the running daemon when there is one;
// otherwise it edits daemon-settings.json directly. Either way the token is
// restart-bound: the daemon keeps enforcing its boot token until relaunch.
func applyTokenPatch(ctx context.Context, patch settings.Patch) (settings.Snapshot, error) {
	if client, err := daemon.Connect(); err == nil {
		snap, err := client.PatchSettings(ctx, patch)
		if err != nil {
			return settings.Snapshot{}, err
		}
		fmt.Println("Token stored; restart the daemon to make it effective.")
		return snap, nil
	}

	mgr, err := settings.New(settings.Config{Path: config.SettingsPath()})
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("load daemon settings: %w", err)
	}
	snap, err := mgr.Apply(patch)
	if err != nil {
		return settings.Snapshot{}, err
	}
	fmt.Println("Token stored; it applies when the daemon starts.")
	return snap, nil
}

// readToken prompts without echo on a TTY and falls back to a plain line
// read when stdin is piped.
func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Token: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return "", fmt.Errorf("no token on stdin")
	}
	return strings.TrimSpace(scanner.Text()), nil
}
