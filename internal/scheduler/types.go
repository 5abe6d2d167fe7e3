// Package scheduler is the persistent cron registry: it fires due jobs
// through the task execution engine, tracks currently-running state across
// process restarts, prevents overlap, and records every run as a session
// referencing the originating schedule.
package scheduler

import (
	"errors"
	"time"
)

// Execution modes for scheduled jobs.
type ExecutionMode string

const (
	ModeForeground ExecutionMode = "foreground"
	ModeBackground ExecutionMode = "background"
)

// ScheduledJob is one persistent registry record.
type ScheduledJob struct {
	ID string `json:"id"`

	// Source is the recipe path after copy into the managed directory.
	Source string `json:"source"`

	// Cron holds the canonical 6-field expression (5-field input gets a
	// leading "0" for seconds).
	Cron string `json:"cron"`

	LastRun          *time.Time `json:"last_run,omitempty"`
	CurrentlyRunning bool       `json:"currently_running"`
	Paused           bool       `json:"paused"`

	CurrentSessionID string     `json:"current_session_id,omitempty"`
	ProcessStartTime *time.Time `json:"process_start_time,omitempty"`

	// ProcessID is the PID of the spawned child (its process group leader)
	// while a run is in flight; used for kill and startup reconciliation.
	ProcessID int `json:"process_id,omitempty"`

	ExecutionMode ExecutionMode `json:"execution_mode,omitempty"`

	// AllowOverlap permits concurrent runs for background jobs. Off by
	// default: no job overlaps unless explicitly configured.
	AllowOverlap bool `json:"allow_overlap,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// clone returns a copy safe to hand outside the lock.
func (j *ScheduledJob) clone() ScheduledJob {
	c := *j
	if j.LastRun != nil {
		t := *j.LastRun
		c.LastRun = &t
	}
	if j.ProcessStartTime != nil {
		t := *j.ProcessStartTime
		c.ProcessStartTime = &t
	}
	return c
}

// registryFile is the on-disk shape of the registry.
type registryFile struct {
	Version int             `json:"version"`
	Jobs    []*ScheduledJob `json:"jobs"`
}

// RunningInfo describes an in-flight run, as returned by Inspect.
type RunningInfo struct {
	SessionID string
	StartedAt time.Time
}

// Structured scheduler errors. Callers match with errors.Is.
var (
	ErrJobIDExists       = errors.New("job id already exists")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobRunning        = errors.New("job currently running")
	ErrInvalidCron       = errors.New("invalid cron expression")
	ErrRecipeLoad        = errors.New("recipe load error")
	ErrSchedulerInternal = errors.New("scheduler internal error")
)
