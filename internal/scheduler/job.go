package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Schedule is a tagged variant: exactly one of Every, Cron, At is set.
//   - Every: fixed interval in milliseconds, next wake = last fire + interval.
//   - Cron: 5-field cron expression, next wake = next occurrence >= now.
//   - At: one-shot unix-millisecond timestamp.
type Schedule struct {
	Every int64  `json:"every,omitempty"`
	Cron  string `json:"cron,omitempty"`
	At    int64  `json:"at,omitempty"`
}

// Schedule kinds.
const (
	KindEvery = "every"
	KindCron  = "cron"
	KindAt    = "at"
)

// Kind returns which variant is set, or "" when none is.
func (s Schedule) Kind() string {
	switch {
	case s.Every > 0:
		return KindEvery
	case s.Cron != "":
		return KindCron
	case s.At > 0:
		return KindAt
	}
	return ""
}

// Validate checks that exactly one variant is set and is well-formed.
func (s Schedule) Validate() error {
	set := 0
	if s.Every != 0 {
		set++
	}
	if s.Cron != "" {
		set++
	}
	if s.At != 0 {
		set++
	}
	if set == 0 {
		return errors.New("schedule must set one of every, cron, at")
	}
	if set > 1 {
		return errors.New("schedule must set exactly one of every, cron, at")
	}
	if s.Every < 0 || s.At < 0 {
		return errors.New("schedule timestamps must be positive")
	}
	if s.Every > 0 && s.Every < 1000 {
		return errors.New("every interval must be at least 1000ms")
	}
	if s.Cron != "" {
		if _, err := ParseCron(s.Cron); err != nil {
			return err
		}
	}
	return nil
}

// JobState is the mutable wake-tracking bag attached to each job.
// NextWakeAtMs is recomputed after every fire.
type JobState struct {
	NextWakeAtMs int64  `json:"nextWakeAtMs,omitempty"`
	LastFiredAt  int64  `json:"lastFiredAt,omitempty"`
	FireCount    int    `json:"fireCount,omitempty"`
	LastError    string `json:"lastError,omitempty"`
}

// Job is a scheduled unit of work. The payload is opaque to the scheduler;
// the owner of the payload handler decides what firing means.
type Job struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Enabled        bool           `json:"enabled"`
	Schedule       Schedule       `json:"schedule"`
	Payload        map[string]any `json:"payload,omitempty"`
	State          JobState       `json:"state"`
	DeleteAfterRun bool           `json:"deleteAfterRun,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy so callers can't mutate scheduler-owned state.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// Patch carries partial updates for Update. Nil fields are left untouched.
type Patch struct {
	Name           *string        `json:"name,omitempty"`
	Description    *string        `json:"description,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	Schedule       *Schedule      `json:"schedule,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	DeleteAfterRun *bool          `json:"deleteAfterRun,omitempty"`
}

func (p Patch) apply(j *Job) {
	if p.Name != nil {
		j.Name = *p.Name
	}
	if p.Description != nil {
		j.Description = *p.Description
	}
	if p.Enabled != nil {
		j.Enabled = *p.Enabled
	}
	if p.Schedule != nil {
		j.Schedule = *p.Schedule
	}
	if p.Payload != nil {
		j.Payload = p.Payload
	}
	if p.DeleteAfterRun != nil {
		j.DeleteAfterRun = *p.DeleteAfterRun
	}
}

func validateJob(j *Job) error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name is required")
	}
	if err := j.Schedule.Validate(); err != nil {
		return fmt.Errorf("job %q: %w", j.Name, err)
	}
	return nil
}

// GenerateJobID creates a unique job identifier with "job_" prefix.
func GenerateJobID() string {
	u := uuid.New().String()
	return "job_" + strings.ReplaceAll(u[:8], "-", "")
}
