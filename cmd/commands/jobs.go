package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/nrn-labs/undoable/clients/daemon"
	"github.com/nrn-labs/undoable/internal/scheduler"
)

// NewJobsCommand returns the jobs subcommand.
func NewJobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "Manage scheduled jobs",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List jobs",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "all",
						Aliases: []string{"a"},
						Usage:   "Include disabled jobs",
					},
				},
				Action: runJobsList,
			},
			{
				Name:  "add",
				Usage: "Create a job that runs an agent instruction",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Usage:    "Job name",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "description",
						Usage: "What the job is for",
					},
					&cli.StringFlag{
						Name:     "instruction",
						Usage:    "Agent instruction to run on each fire",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "agent",
						Usage: "Agent id the run is attributed to",
					},
					&cli.StringFlag{
						Name:  "mode",
						Usage: "Run mode (plan, shadow, apply)",
					},
					&cli.DurationFlag{
						Name:  "every",
						Usage: "Fixed interval (e.g. 30m, 2h)",
					},
					&cli.StringFlag{
						Name:  "cron",
						Usage: "5-field cron expression (e.g. \"0 7 * * 1\")",
					},
					&cli.StringFlag{
						Name:  "at",
						Usage: "One-shot time, RFC 3339 (e.g. 2026-09-01T07:00:00Z)",
					},
					&cli.BoolFlag{
						Name:  "delete-after-run",
						Usage: "Delete a one-shot job after it fires",
					},
				},
				Action: runJobsAdd,
			},
			{
				Name:      "run",
				Usage:     "Force-fire a job now",
				ArgsUsage: "<job-id>",
				Action:    runJobsRun,
			},
			{
				Name:      "remove",
				Usage:     "Delete a job",
				ArgsUsage: "<job-id>",
				Action:    runJobsRemove,
			},
			{
				Name:   "undo",
				Usage:  "Undo the most recent job mutation",
				Action: runJobsUndo,
			},
			{
				Name:   "redo",
				Usage:  "Replay the most recently undone job mutation",
				Action: runJobsRedo,
			},
			{
				Name:   "status",
				Usage:  "Show scheduler counters",
				Action: runJobsStatus,
			},
		},
		DefaultCommand: "list",
	}
}

func runJobsList(ctx context.Context, cmd *cli.Command) error {
	client, err := daemon.Connect()
	if err != nil {
		return err
	}
	jobs, err := client.Jobs(ctx, cmd.Bool("all"))
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT WAKE\tFIRES\tLAST ERROR")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%d\t%s\n",
			job.ID, job.Name, describeSchedule(job.Schedule), job.Enabled,
			formatWake(job.State.NextWakeAtMs), job.State.FireCount,
			dash(job.State.LastError))
	}
	return w.Flush()
}

func runJobsAdd(ctx context.Context, cmd *cli.Command) error {
	schedule := scheduler.Schedule{
		Every: cmd.Duration("every").Milliseconds(),
		Cron:  cmd.String("cron"),
	}
	if at := cmd.String("at"); at != "" {
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("parse --at: %w", err)
		}
		schedule.At = ts.UnixMilli()
	}
	if schedule.Kind() == "" {
		return fmt.Errorf("one of --every, --cron, --at is required")
	}

	payload := map[string]any{"instruction": cmd.String("instruction")}
	if agent := cmd.String("agent"); agent != "" {
		payload["agentId"] = agent
	}
	if mode := cmd.String("mode"); mode != "" {
		payload["mode"] = mode
	}

	client, err := daemon.Connect()
	if err != nil {
		return err
	}
	created, err := client.AddJob(ctx, &scheduler.Job{
		Name:           cmd.String("name"),
		Description:    cmd.String("description"),
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		DeleteAfterRun: cmd.Bool("delete-after-run"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created %s (%s), next wake %s\n",
		created.ID, created.Name, formatWake(created.State.NextWakeAtMs))
	return nil
}

func runJobsRun(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: undoable jobs run <job-id>")
	}
	client, err := daemon.Connect()
	if err != nil {
		return err
	}
	fired, err := client.RunJob(ctx, id)
	if err != nil {
		return err
	}
	if !fired {
		fmt.Println("Job already in flight; not fired.")
		return nil
	}
	fmt.Println("Fired.")
	return nil
}

func runJobsRemove(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: undoable jobs remove <job-id>")
	}
	client, err := daemon.Connect()
	if err != nil {
		return err
	}
	if err := client.RemoveJob(ctx, id); err != nil {
		return err
	}
	fmt.Println("Removed.")
	return nil
}

func runJobsUndo(ctx context.Context, _ *cli.Command) error {
	client, err := daemon.Connect()
	if err != nil {
		return err
	}
	op, err := client.UndoJobs(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Undid %s of %s\n", op.Kind, op.JobID)
	return nil
}

func runJobsRedo(ctx context.Context, _ *cli.Command) error {
	client, err := daemon.Connect()
	if err != nil {
		return err
	}
	op, err := client.RedoJobs(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Redid %s of %s\n", op.Kind, op.JobID)
	return nil
}

func runJobsStatus(ctx context.Context, _ *cli.Command) error {
	client, err := daemon.Connect()
	if err != nil {
		return err
	}
	st, err := client.JobsStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Jobs: %d (%d enabled), in flight %d, paused %t\n",
		st.Jobs, st.Enabled, st.InFlight, st.Paused)
	fmt.Printf("Next wake: %s\n", formatWake(st.NextWakeAtMs))
	fmt.Printf("History: %d undoable, %d redoable\n", st.UndoDepth, st.RedoDepth)
	return nil
}

func describeSchedule(s scheduler.Schedule) string {
	switch s.Kind() {
	case scheduler.KindEvery:
		return "every " + (time.Duration(s.Every) * time.Millisecond).String()
	case scheduler.KindCron:
		return "cron " + s.Cron
	case scheduler.KindAt:
		return "at " + time.UnixMilli(s.At).Format(time.RFC3339)
	}
	return "-"
}

func formatWake(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
