package scheduler

import (
	"context"
	"time"
)

// Action is the unit of work a job runs. Jobs that need parameters capture
// them in a closure before registration.
type Action func(ctx context.Context) error

// Job is a registered job as seen at one instant. Values returned by the
// registry are copies; mutating them has no effect on the schedule.
type Job struct {
	ID         string
	Rule       Rule
	Action     Action
	Registered time.Time

	// LastFired is zero until the first execution attempt.
	LastFired time.Time
	NextRun   time.Time

	seq uint64
}

// Fired reports whether the job was attempted at least once.
func (j Job) Fired() bool { return !j.LastFired.IsZero() }

// JobInfo is a diagnostics view of a job (no Action).
type JobInfo struct {
	ID         string
	Kind       RuleKind
	Schedule   string
	Registered time.Time
	LastFired  time.Time
	NextRun    time.Time
}

func (j Job) Info() JobInfo {
	return JobInfo{
		ID:         j.ID,
		Kind:       j.Rule.Kind(),
		Schedule:   j.Rule.String(),
		Registered: j.Registered,
		LastFired:  j.LastFired,
		NextRun:    j.NextRun,
	}
}

// Handle refers to one registration of a job. It stays tied to that
// registration: after the id is removed and registered again, the old handle
// reports ErrNotFound.
type Handle struct {
	ID string

	reg *Registry
	seq uint64
}

// Remove unregisters the job this handle refers to.
func (h Handle) Remove() error {
	if h.reg == nil {
		return ErrNotFound
	}
	return h.reg.removeSeq(h.ID, h.seq)
}

// Info returns the current state of the registration.
func (h Handle) Info() (JobInfo, bool) {
	if h.reg == nil {
		return JobInfo{}, false
	}
	j, ok := h.reg.Lookup(h.ID)
	if !ok || j.seq != h.seq {
		return JobInfo{}, false
	}
	return j.Info(), true
}
