package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"pulse/internal/clock"
	logx "pulse/pkg/logx"
)

// Registry owns the registered jobs in insertion order. All methods are safe
// for concurrent use; the poll loop and callers registering or removing jobs
// are serialized by mu.
type Registry struct {
	mu sync.Mutex

	clk  clock.Clock
	log  logx.Logger
	jobs []*Job
	seq  uint64
}

func NewRegistry(clk clock.Clock, log logx.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{clk: clk, log: log}
}

// Register adds a job. The first fire is computed from the registration time.
func (r *Registry) Register(id string, rule Rule, action Action) (Handle, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Handle{}, fmt.Errorf("%w: id required", ErrInvalidJob)
	}
	if rule == nil {
		return Handle{}, fmt.Errorf("%w: %q has no schedule", ErrInvalidJob, id)
	}
	if action == nil {
		return Handle{}, fmt.Errorf("%w: %q has no action", ErrInvalidJob, id)
	}
	if err := rule.Validate(); err != nil {
		return Handle{}, fmt.Errorf("job %q: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(id) >= 0 {
		return Handle{}, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	now := r.clk.Now()
	r.seq++
	j := &Job{
		ID:         id,
		Rule:       rule,
		Action:     action,
		Registered: now,
		NextRun:    rule.Next(now),
		seq:        r.seq,
	}
	r.jobs = append(r.jobs, j)

	if r.log.Enabled(logx.LevelDebug) {
		r.log.Debug("job registered",
			logx.String("job", id),
			logx.String("schedule", rule.String()),
			logx.String("next", previewRuns(rule, now, 3)),
		)
	}
	return Handle{ID: id, reg: r, seq: j.seq}, nil
}

// RegisterSpec parses spec with ParseSchedule and registers the job.
func (r *Registry) RegisterSpec(id, spec string, action Action) (Handle, error) {
	rule, err := ParseSchedule(spec)
	if err != nil {
		return Handle{}, fmt.Errorf("job %q: %w", id, err)
	}
	return r.Register(id, rule, action)
}

// DueJobs returns the jobs whose next fire is at or before now, in
// registration order. It does not mark them; see MarkFired.
func (r *Registry) DueJobs(now time.Time) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []Job
	for _, j := range r.jobs {
		if j.NextRun.IsZero() || j.NextRun.After(now) {
			continue
		}
		due = append(due, *j)
	}
	return due
}

// MarkFired records an execution attempt at instant at and schedules the
// next fire from it.
func (r *Registry) MarkFired(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	r.markAtLocked(i, at)
	return nil
}

// MarkFiredJob is MarkFired for the registration j came from. A job removed
// and registered again under the same id is left untouched (ErrNotFound).
func (r *Registry) MarkFiredJob(j Job, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(j.ID)
	if i < 0 || r.jobs[i].seq != j.seq {
		return fmt.Errorf("%w: %q", ErrNotFound, j.ID)
	}
	r.markAtLocked(i, at)
	return nil
}

// Call with r.mu held.
func (r *Registry) markAtLocked(i int, at time.Time) {
	j := r.jobs[i]
	j.LastFired = at
	j.NextRun = j.Rule.Next(at)
}

// Remove unregisters a job.
func (r *Registry) Remove(id string) error {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	r.removeAtLocked(i)
	return nil
}

func (r *Registry) removeSeq(id string, seq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 || r.jobs[i].seq != seq {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	r.removeAtLocked(i)
	return nil
}

// Call with r.mu held.
func (r *Registry) removeAtLocked(i int) {
	id := r.jobs[i].ID
	copy(r.jobs[i:], r.jobs[i+1:])
	r.jobs[len(r.jobs)-1] = nil
	r.jobs = r.jobs[:len(r.jobs)-1]
	r.log.Debug("job removed", logx.String("job", id))
}

// Active reports whether the registration j came from is still present.
// The runner uses it to skip a job removed after DueJobs returned it.
func (r *Registry) Active(j Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(j.ID)
	return i >= 0 && r.jobs[i].seq == j.seq
}

func (r *Registry) Lookup(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(strings.TrimSpace(id))
	if i < 0 {
		return Job{}, false
	}
	return *r.jobs[i], true
}

// Jobs returns a snapshot of all registrations in order.
func (r *Registry) Jobs() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Info())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Call with r.mu held. Linear scan keeps insertion order as the only index.
func (r *Registry) indexLocked(id string) int {
	for i, j := range r.jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

// previewRuns returns a short, human-friendly list of upcoming fire times.
func previewRuns(rule Rule, from time.Time, n int) string {
	var b strings.Builder
	t := from
	for i := 0; i < n; i++ {
		t = rule.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
