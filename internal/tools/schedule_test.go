package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nrn-labs/undoable/internal/scheduler"
)

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	return scheduler.New(scheduler.Config{
		Path: filepath.Join(t.TempDir(), "jobs-state.json"),
	})
}

func TestJobsScheduleCreatesJob(t *testing.T) {
	sched := newTestScheduler(t)
	j := NewJobsScheduleTool(sched)

	out, err := j.InvokableRun(context.Background(),
		`{"name":"morning summary","cron":"0 7 * * *","payload":{"instruction":"summarize my inbox"}}`)
	if err != nil {
		t.Fatalf("InvokableRun: %v", err)
	}

	var result jobsScheduleOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if result.JobID == "" {
		t.Fatal("expected a job id")
	}
	if result.Kind != scheduler.KindCron {
		t.Errorf("kind: got %q", result.Kind)
	}
	if result.NextWakeAtMs == 0 {
		t.Error("expected a computed wake time")
	}

	job, err := sched.Get(result.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !job.Enabled {
		t.Error("created job should be enabled")
	}
	if job.Payload["instruction"] != "summarize my inbox" {
		t.Errorf("payload: got %v", job.Payload)
	}
}

func TestJobsScheduleInverseRemovesJob(t *testing.T) {
	sched := newTestScheduler(t)
	j := NewJobsScheduleTool(sched)

	out, err := j.InvokableRun(context.Background(), `{"name":"once","atMs":99999999999999}`)
	if err != nil {
		t.Fatalf("InvokableRun: %v", err)
	}

	payload, err := j.InverseFromOutput(context.Background(), nil, out)
	if err != nil {
		t.Fatalf("InverseFromOutput: %v", err)
	}
	jobID, _ := payload["jobId"].(string)
	if jobID == "" {
		t.Fatal("inverse payload should carry the job id")
	}

	if err := j.ApplyInverse(context.Background(), payload); err != nil {
		t.Fatalf("ApplyInverse: %v", err)
	}
	if _, err := sched.Get(jobID); err != scheduler.ErrJobNotFound {
		t.Errorf("expected job removed, got %v", err)
	}

	// Undoing twice tolerates the already-removed job.
	if err := j.ApplyInverse(context.Background(), payload); err != nil {
		t.Fatalf("repeated ApplyInverse: %v", err)
	}
}

func TestJobsScheduleRejectsAmbiguousSchedule(t *testing.T) {
	sched := newTestScheduler(t)
	j := NewJobsScheduleTool(sched)

	if _, err := j.InvokableRun(context.Background(),
		`{"name":"bad","everyMs":5000,"cron":"* * * * *"}`); err == nil {
		t.Fatal("expected rejection for two schedule kinds")
	}
	if _, err := j.InvokableRun(context.Background(), `{"name":"empty"}`); err == nil {
		t.Fatal("expected rejection for no schedule")
	}
}

func TestJobsScheduleCaptureDefersToOutput(t *testing.T) {
	j := NewJobsScheduleTool(newTestScheduler(t))

	payload, err := j.CaptureInverse(context.Background(), map[string]any{"name": "x"})
	if err != nil {
		t.Fatalf("CaptureInverse: %v", err)
	}
	if payload != nil {
		t.Errorf("expected nil pre-call payload, got %v", payload)
	}
}
