package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retain bounds the number of kept records. 0 keeps everything.
	Retain int
}

// RunRecord is one execution attempt of a job.
// Keep it compact and schema-stable.
type RunRecord struct {
	ID       string        `json:"id"`
	JobID    string        `json:"job_id"`
	Schedule string        `json:"schedule,omitempty"`
	Due      time.Time     `json:"due"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Panicked bool          `json:"panicked,omitempty"`
}

func (r RunRecord) OK() bool { return r.Error == "" }
