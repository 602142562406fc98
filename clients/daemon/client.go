// Package daemon is the operator CLI's client for a locally running
// Undoable daemon. Connection details come from the daemon's own state
// files: the listener port from daemon.pid.json, the bearer token from
// daemon-settings.json. Both live under the data root, so any process that
// can read them is already trusted with the daemon.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/nrn-labs/undoable/internal/config"
	"github.com/nrn-labs/undoable/internal/health"
	"github.com/nrn-labs/undoable/internal/scheduler"
	"github.com/nrn-labs/undoable/internal/settings"
)

// ErrDaemonDown means no pid file was found or the daemon it names is gone.
var ErrDaemonDown = errors.New("daemon is not running")

// Client talks to the gateway over HTTP. The embedded http.Client carries
// no timeout; callers bound requests through their context so the chat
// stream can run as long as the turn does.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client against an explicit base URL.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
	}
}

// Connect resolves a client from the local daemon state files. A stale pid
// file still yields a client; the first request decides whether the daemon
// is actually reachable.
func Connect() (*Client, error) {
	status, pf, err := health.Check(config.PidPath(), health.DefaultMaxAge)
	if err != nil {
		return nil, err
	}
	if status == health.StatusDown || pf == nil {
		return nil, ErrDaemonDown
	}
	token, err := LocalToken()
	if err != nil {
		return nil, err
	}
	return New(fmt.Sprintf("http://127.0.0.1:%d", pf.Port), token), nil
}

// LocalToken reads the bearer token from daemon-settings.json. An absent
// file or open auth mode yields the empty token.
func LocalToken() (string, error) {
	data, err := os.ReadFile(config.SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read daemon settings: %w", err)
	}
	var state struct {
		Settings settings.Settings `json:"settings"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return "", fmt.Errorf("parse daemon settings: %w", err)
	}
	return state.Settings.Token, nil
}

// do runs one JSON request/response exchange. A nil out discards the body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError surfaces the gateway's {error} body, falling back to the status.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("daemon: %s (HTTP %d)", body.Error, resp.StatusCode)
	}
	return fmt.Errorf("daemon: HTTP %d", resp.StatusCode)
}

// HealthReport is the GET /health body.
type HealthReport struct {
	Ready  bool            `json:"ready"`
	Checks map[string]bool `json:"checks"`
}

// Health asks the gateway's readiness probe.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	var rep HealthReport
	err := c.do(ctx, http.MethodGet, "/health", nil, &rep)
	return rep, err
}

// Jobs lists scheduled jobs.
func (c *Client) Jobs(ctx context.Context, includeDisabled bool) ([]*scheduler.Job, error) {
	path := "/jobs"
	if includeDisabled {
		path += "?includeDisabled=true"
	}
	var jobs []*scheduler.Job
	err := c.do(ctx, http.MethodGet, path, nil, &jobs)
	return jobs, err
}

// AddJob creates a scheduled job.
func (c *Client) AddJob(ctx context.Context, job *scheduler.Job) (*scheduler.Job, error) {
	var created scheduler.Job
	if err := c.do(ctx, http.MethodPost, "/jobs", job, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// RunJob force-fires a job and reports whether it actually ran.
func (c *Client) RunJob(ctx context.Context, id string) (bool, error) {
	var out struct {
		Fired bool `json:"fired"`
	}
	err := c.do(ctx, http.MethodPost, "/jobs/"+id+"/run", nil, &out)
	return out.Fired, err
}

// RemoveJob deletes a job.
func (c *Client) RemoveJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+id, nil, nil)
}

// JobsStatus returns scheduler counters.
func (c *Client) JobsStatus(ctx context.Context) (scheduler.Status, error) {
	var st scheduler.Status
	err := c.do(ctx, http.MethodGet, "/jobs/status", nil, &st)
	return st, err
}

// UndoJobs reverses the scheduler's most recent user mutation.
func (c *Client) UndoJobs(ctx context.Context) (scheduler.HistoryOp, error) {
	var op scheduler.HistoryOp
	err := c.do(ctx, http.MethodPost, "/jobs/history/undo", nil, &op)
	return op, err
}

// RedoJobs replays the most recently undone scheduler mutation.
func (c *Client) RedoJobs(ctx context.Context) (scheduler.HistoryOp, error) {
	var op scheduler.HistoryOp
	err := c.do(ctx, http.MethodPost, "/jobs/history/redo", nil, &op)
	return op, err
}

// Settings returns the daemon settings snapshot.
func (c *Client) Settings(ctx context.Context) (settings.Snapshot, error) {
	var snap settings.Snapshot
	err := c.do(ctx, http.MethodGet, "/settings/daemon", nil, &snap)
	return snap, err
}

// PatchSettings applies a partial settings update.
func (c *Client) PatchSettings(ctx context.Context, patch settings.Patch) (settings.Snapshot, error) {
	var snap settings.Snapshot
	err := c.do(ctx, http.MethodPatch, "/settings/daemon", patch, &snap)
	return snap, err
}

// Approve resolves a pending approval request.
func (c *Client) Approve(ctx context.Context, id string, approved, allowAlways bool) error {
	body := map[string]any{"id": id, "approved": approved, "allowAlways": allowAlways}
	return c.do(ctx, http.MethodPost, "/chat/approve", body, nil)
}
