package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pulse/internal/clock"
	"pulse/internal/eventbus"
	rtsup "pulse/internal/runtime/supervisor"
	"pulse/internal/task/scheduler"
	logx "pulse/pkg/logx"
)

// Runner drives a Registry: every poll it runs the due jobs one after another
// on the loop goroutine, then suspends until the next poll.
type Runner struct {
	reg *scheduler.Registry
	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus
	cfg Config

	mu       sync.Mutex
	running  bool
	poll     time.Duration
	stopCh   chan struct{}
	stopOnce *sync.Once
	sup      *rtsup.Supervisor

	ticks    atomic.Uint64
	runs     atomic.Uint64
	failures atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a stopped runner. clk and bus may be nil.
func New(reg *scheduler.Registry, clk clock.Clock, log logx.Logger, bus eventbus.Bus, cfg Config) *Runner {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		reg: reg,
		clk: clk,
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
		cfg: cfg.withDefaults(),
	}
}

// RunPending runs every job due at now, in registration order, and marks each
// one fired at now whatever the outcome. Job failures are logged and recorded,
// never returned.
func (r *Runner) RunPending(ctx context.Context, now time.Time) TickReport {
	if ctx == nil {
		ctx = context.Background()
	}
	r.ticks.Add(1)
	due := r.reg.DueJobs(now)
	rep := TickReport{At: now, Due: make([]string, 0, len(due))}
	for _, j := range due {
		rep.Due = append(rep.Due, j.ID)
	}
	if len(due) == 0 {
		r.log.Trace("tick", logx.Time("now", now))
		return rep
	}
	r.log.Debug("tick", logx.Time("now", now), logx.Strings("due", rep.Due))

	// Stop must not interrupt a running job.
	jobCtx := context.WithoutCancel(ctx)
	for _, j := range due {
		if !r.reg.Active(j) {
			r.log.Debug("job removed before it ran; skipped", logx.String("job", j.ID))
			rep.Skipped = append(rep.Skipped, j.ID)
			continue
		}
		if err := r.execute(jobCtx, j, now); err != nil {
			rep.Failed = append(rep.Failed, j.ID)
		}
		rep.Ran = append(rep.Ran, j.ID)
		if err := r.reg.MarkFiredJob(j, now); err != nil {
			r.log.Debug("job removed or replaced while running", logx.String("job", j.ID))
		}
	}
	return rep
}

func (r *Runner) execute(ctx context.Context, j scheduler.Job, due time.Time) error {
	runID := uuid.NewString()
	started := r.clk.Now()
	r.log.Debug("job started", logx.String("job", j.ID), logx.String("run_id", runID))

	err := invoke(ctx, j)
	dur := r.clk.Now().Sub(started)
	r.runs.Add(1)

	ev := RunEvent{
		RunID:    runID,
		JobID:    j.ID,
		Schedule: j.Rule.String(),
		Due:      due,
		Started:  started,
		Duration: dur,
	}
	typ := EventJobFinished
	if err != nil {
		r.failures.Add(1)
		typ = EventJobFailed
		ev.Error = err.Error()
		fields := []logx.Field{logx.String("job", j.ID), logx.String("run_id", runID), logx.Duration("dur", dur), logx.Err(err)}
		var xe *scheduler.JobExecutionError
		if errors.As(err, &xe) && xe.Panic != nil {
			ev.Panicked = true
			fields = append(fields, logx.Stack(xe.Stack))
		}
		r.log.Error("job failed", fields...)
	} else {
		r.log.Info("job finished", logx.String("job", j.ID), logx.String("run_id", runID), logx.Duration("dur", dur))
	}

	r.record(HistoryItem{RunID: runID, JobID: j.ID, Started: started, Duration: dur, Error: ev.Error})
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Time: started, Data: ev})
	}
	return err
}

func invoke(ctx context.Context, j scheduler.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &scheduler.JobExecutionError{JobID: j.ID, Panic: rec, Stack: string(debug.Stack())}
		}
	}()
	if e := j.Action(ctx); e != nil {
		return &scheduler.JobExecutionError{JobID: j.ID, Err: e}
	}
	return nil
}

func (r *Runner) record(item HistoryItem) {
	r.hmu.Lock()
	r.history = append(r.history, item)
	if len(r.history) > r.cfg.HistorySize {
		r.history = r.history[len(r.history)-r.cfg.HistorySize:]
	}
	r.hmu.Unlock()
}

// Start runs the loop on the calling goroutine until Stop is called or ctx
// is done. poll <= 0 uses the configured interval.
func (r *Runner) Start(ctx context.Context, poll time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stop, poll, err := r.begin(poll)
	if err != nil {
		return err
	}
	r.loop(ctx, poll, stop)
	return nil
}

// StartBackground runs the loop on a supervised goroutine and returns once
// it is launched. Use Stop and Wait to end it.
func (r *Runner) StartBackground(ctx context.Context, poll time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stop, poll, err := r.begin(poll)
	if err != nil {
		return err
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	r.mu.Lock()
	r.sup = sup
	r.mu.Unlock()
	sup.Go0("scheduler.loop", func(c context.Context) {
		r.loop(c, poll, stop)
	})
	return nil
}

// Wait blocks until a loop started with StartBackground has returned.
func (r *Runner) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	sup := r.sup
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Wait(ctx); err != nil {
		return fmt.Errorf("scheduler loop: %w", err)
	}
	return nil
}

// Stop asks the loop to exit. It is safe to call from any goroutine, any
// number of times, including from inside a job; the current tick completes.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		r.stopOnce.Do(func() { close(r.stopCh) })
	}
}

func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	running, poll := r.running, r.poll
	r.mu.Unlock()

	r.hmu.Lock()
	h := make([]HistoryItem, len(r.history))
	copy(h, r.history)
	r.hmu.Unlock()

	return Snapshot{
		Running:      running,
		PollInterval: poll,
		Ticks:        r.ticks.Load(),
		Runs:         r.runs.Load(),
		Failures:     r.failures.Load(),
		Jobs:         r.reg.Jobs(),
		History:      h,
	}
}

func (r *Runner) begin(poll time.Duration) (chan struct{}, time.Duration, error) {
	if poll <= 0 {
		poll = r.cfg.PollInterval
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil, 0, ErrAlreadyRunning
	}
	r.running = true
	r.poll = poll
	r.stopCh = make(chan struct{})
	r.stopOnce = new(sync.Once)

	r.log.Info("scheduler started", logx.Duration("poll", poll), logx.Int("jobs", r.reg.Len()))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventStarted, Time: r.clk.Now()})
	}
	return r.stopCh, poll, nil
}

func (r *Runner) end(reason string) {
	r.mu.Lock()
	r.running = false
	r.stopCh = nil
	r.mu.Unlock()

	r.log.Info("scheduler stopped", logx.String("reason", reason))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventStopped, Time: r.clk.Now(), Data: reason})
	}
}

func (r *Runner) loop(ctx context.Context, poll time.Duration, stop <-chan struct{}) {
	reason := "stopped"
	defer func() { r.end(reason) }()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			reason = "context done"
			return
		default:
		}

		r.RunPending(ctx, r.clk.Now())

		select {
		case <-stop:
			return
		case <-ctx.Done():
			reason = "context done"
			return
		case <-r.clk.After(poll):
		}
	}
}
