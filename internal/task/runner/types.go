package runner

import (
	"errors"
	"time"

	"pulse/internal/task/scheduler"
)

const (
	DefaultPollInterval = time.Second
	DefaultHistorySize  = 100
)

var ErrAlreadyRunning = errors.New("scheduler loop already running")

// Event types published on the bus.
const (
	EventStarted     = "scheduler.started"
	EventStopped     = "scheduler.stopped"
	EventJobFinished = "job.finished"
	EventJobFailed   = "job.failed"
)

type Config struct {
	// PollInterval is used by Start/StartBackground when they get 0.
	PollInterval time.Duration
	HistorySize  int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// RunEvent is the payload of job.finished and job.failed events.
type RunEvent struct {
	RunID    string        `json:"run_id"`
	JobID    string        `json:"job_id"`
	Schedule string        `json:"schedule"`
	Due      time.Time     `json:"due"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Panicked bool          `json:"panicked,omitempty"`
}

// HistoryItem is one execution attempt kept in the in-memory ring.
type HistoryItem struct {
	RunID    string
	JobID    string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// TickReport summarizes one RunPending pass.
type TickReport struct {
	At      time.Time
	Due     []string
	Ran     []string
	Skipped []string
	Failed  []string
}

// Snapshot is a diagnostics view of the loop.
type Snapshot struct {
	Running      bool
	PollInterval time.Duration
	Ticks        uint64
	Runs         uint64
	Failures     uint64
	Jobs         []scheduler.JobInfo
	History      []HistoryItem
}
