package tools

import (
	"context"
	"log/slog"

	"github.com/nrn-labs/undoable/internal/config"
	"github.com/nrn-labs/undoable/internal/scheduler"
)

// Builtins assembles the default tool set. Web tools degrade gracefully:
// a search provider that fails to initialize is skipped with a warning
// instead of aborting daemon startup.
func Builtins(ctx context.Context, cfg config.Config, table *ProcessTable, sched *scheduler.Scheduler) []Tool {
	ts := []Tool{
		NewFSWriteTool(),
		NewFSReadTool(),
		NewFSListTool(),
		NewExecCommandTool(table),
		NewProcessPollTool(table),
	}

	if sched != nil {
		ts = append(ts, NewJobsScheduleTool(sched))
	}

	if !cfg.Web.Search.Disabled {
		search, err := NewWebSearchTool(ctx, cfg.Web.Search)
		if err != nil {
			slog.Warn("web.search disabled", "error", err)
		} else {
			ts = append(ts, search)
		}
	}
	if !cfg.Web.Fetch.Disabled {
		ts = append(ts, NewWebFetchTool(cfg.Web.Fetch))
	}

	return ts
}
