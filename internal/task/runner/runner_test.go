package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pulse/internal/clock"
	"pulse/internal/eventbus"
	"pulse/internal/task/scheduler"
	logx "pulse/pkg/logx"
)

// Monday 12:00:00 local, on a minute boundary.
var t0 = time.Date(2026, 1, 5, 12, 0, 0, 0, time.Local)

func newRunner(t *testing.T, cfg Config) (*Runner, *scheduler.Registry, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	reg := scheduler.NewRegistry(clk, logx.Nop())
	return New(reg, clk, logx.Nop(), nil, cfg), reg, clk
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSixtyFiveSecondScenario(t *testing.T) {
	t.Parallel()
	rn, reg, clk := newRunner(t, Config{})

	var mu sync.Mutex
	fired := map[string][]time.Duration{}
	rec := func(id string) scheduler.Action {
		return func(context.Context) error {
			mu.Lock()
			fired[id] = append(fired[id], clk.Now().Sub(t0))
			mu.Unlock()
			return nil
		}
	}
	if _, err := reg.Register("J1", scheduler.EveryMinute{}, rec("J1")); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register("J2", scheduler.Interval{Every: 10 * time.Second}, rec("J2")); err != nil {
		t.Fatal(err)
	}

	for s := 1; s <= 65; s++ {
		clk.Set(t0.Add(time.Duration(s) * time.Second))
		rn.RunPending(context.Background(), clk.Now())
	}

	if got := fmt.Sprint(fired["J1"]); got != "[1m0s]" {
		t.Fatalf("J1 fired at %s, want [1m0s]", got)
	}
	if got := fmt.Sprint(fired["J2"]); got != "[10s 20s 30s 40s 50s 1m0s]" {
		t.Fatalf("J2 fired at %s", got)
	}
	if snap := rn.Snapshot(); snap.Ticks != 65 || snap.Runs != 7 || snap.Failures != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunPendingIsolatesFailures(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	clk := clock.NewManual(t0)
	reg := scheduler.NewRegistry(clk, logx.Nop())
	rn := New(reg, clk, logx.NewWriter(&buf, "debug"), nil, Config{})

	var goodRuns atomic.Int32
	_, _ = reg.Register("bad", scheduler.EveryMinute{}, func(context.Context) error { return errors.New("disk full") })
	_, _ = reg.Register("boom", scheduler.EveryMinute{}, func(context.Context) error { panic("nil map") })
	_, _ = reg.Register("good", scheduler.EveryMinute{}, func(context.Context) error { goodRuns.Add(1); return nil })

	for i := 1; i <= 2; i++ {
		now := t0.Add(time.Duration(i) * time.Minute)
		rep := rn.RunPending(context.Background(), now)
		if got := fmt.Sprint(rep.Ran); got != "[bad boom good]" {
			t.Fatalf("tick %d ran %s", i, got)
		}
		if got := fmt.Sprint(rep.Failed); got != "[bad boom]" {
			t.Fatalf("tick %d failed %s", i, got)
		}
		for _, id := range []string{"bad", "boom", "good"} {
			j, _ := reg.Lookup(id)
			if !j.LastFired.Equal(now) {
				t.Fatalf("%s LastFired = %v, want %v", id, j.LastFired, now)
			}
		}
	}
	if goodRuns.Load() != 2 {
		t.Fatalf("good ran %d times, want 2", goodRuns.Load())
	}
	snap := rn.Snapshot()
	if snap.Runs != 6 || snap.Failures != 4 || len(snap.History) != 6 {
		t.Fatalf("snapshot = %+v", snap)
	}
	out := buf.String()
	for _, want := range []string{`"message":"job failed"`, `"job":"bad"`, "disk full", `"job":"boom"`, "nil map"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestRemovedJobIsNeverInvoked(t *testing.T) {
	t.Parallel()
	rn, reg, _ := newRunner(t, Config{})
	var ran atomic.Int32
	_, _ = reg.Register("gone", scheduler.Interval{Every: time.Second}, func(context.Context) error { ran.Add(1); return nil })
	if err := reg.Remove("gone"); err != nil {
		t.Fatal(err)
	}
	rn.RunPending(context.Background(), t0.Add(time.Hour))
	if ran.Load() != 0 {
		t.Fatal("removed job ran")
	}
}

func TestJobRemovedMidTickIsSkipped(t *testing.T) {
	t.Parallel()
	rn, reg, _ := newRunner(t, Config{})
	var victimRan atomic.Bool
	_, _ = reg.Register("killer", scheduler.EveryMinute{}, func(context.Context) error {
		return reg.Remove("victim")
	})
	_, _ = reg.Register("victim", scheduler.EveryMinute{}, func(context.Context) error {
		victimRan.Store(true)
		return nil
	})

	rep := rn.RunPending(context.Background(), t0.Add(time.Minute))
	if victimRan.Load() {
		t.Fatal("job removed during the tick still ran")
	}
	if fmt.Sprint(rep.Due) != "[killer victim]" || fmt.Sprint(rep.Skipped) != "[victim]" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestJobReplacedWhileRunningKeepsFreshSchedule(t *testing.T) {
	t.Parallel()
	rn, reg, _ := newRunner(t, Config{})
	_, _ = reg.Register("x", scheduler.EveryMinute{}, func(context.Context) error {
		if err := reg.Remove("x"); err != nil {
			return err
		}
		_, err := reg.Register("x", scheduler.Interval{Every: time.Hour}, func(context.Context) error { return nil })
		return err
	})

	rep := rn.RunPending(context.Background(), t0.Add(time.Minute))
	if fmt.Sprint(rep.Ran) != "[x]" || len(rep.Failed) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	j, ok := reg.Lookup("x")
	if !ok {
		t.Fatal("replacement missing")
	}
	// Registered at t0 by the manual clock; never fired.
	if !j.LastFired.IsZero() || !j.NextRun.Equal(t0.Add(time.Hour)) {
		t.Fatalf("replacement stamped as fired: last=%v next=%v", j.LastFired, j.NextRun)
	}
}

func TestStartPollsWithManualClock(t *testing.T) {
	t.Parallel()
	rn, reg, clk := newRunner(t, Config{})
	fired := make(chan time.Time, 1)
	_, _ = reg.Register("tick", scheduler.Interval{Every: 10 * time.Second}, func(context.Context) error {
		fired <- clk.Now()
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- rn.Start(context.Background(), time.Second) }()

	for i := 0; i < 10; i++ {
		waitFor(t, "loop suspension", func() bool { return clk.Waiters() == 1 })
		clk.Advance(time.Second)
	}
	select {
	case at := <-fired:
		if want := t0.Add(10 * time.Second); !at.Equal(want) {
			t.Fatalf("fired at %v, want %v", at, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}

	if err := rn.Start(context.Background(), time.Second); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}

	rn.Stop()
	rn.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if rn.Running() {
		t.Fatal("still running after Stop")
	}
}

func TestStopFromJobFinishesTick(t *testing.T) {
	t.Parallel()
	rn, reg, clk := newRunner(t, Config{})
	var after atomic.Bool
	_, _ = reg.Register("stopper", scheduler.EveryMinute{}, func(context.Context) error {
		rn.Stop()
		return nil
	})
	_, _ = reg.Register("after", scheduler.EveryMinute{}, func(ctx context.Context) error {
		if ctx.Err() != nil {
			t.Errorf("job context cancelled by Stop: %v", ctx.Err())
		}
		after.Store(true)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- rn.Start(context.Background(), time.Minute) }()
	waitFor(t, "loop suspension", func() bool { return clk.Waiters() == 1 })
	clk.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not exit")
	}
	if !after.Load() {
		t.Fatal("Stop inside a job cut the tick short")
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	t.Parallel()
	rn, _, clk := newRunner(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rn.Start(ctx, 0) }()
	waitFor(t, "loop suspension", func() bool { return clk.Waiters() == 1 })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start ignored context cancellation")
	}
	if got := rn.Snapshot().PollInterval; got != DefaultPollInterval {
		t.Fatalf("poll interval = %v, want default", got)
	}
}

func TestBackgroundLoopPicksUpLateRegistration(t *testing.T) {
	t.Parallel()
	reg := scheduler.NewRegistry(clock.Real(), logx.Nop())
	rn := New(reg, clock.Real(), logx.Nop(), nil, Config{})

	if err := rn.StartBackground(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("StartBackground: %v", err)
	}
	if err := rn.StartBackground(context.Background(), 5*time.Millisecond); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second StartBackground = %v, want ErrAlreadyRunning", err)
	}

	time.Sleep(25 * time.Millisecond)
	fired := make(chan struct{})
	var once sync.Once
	if _, err := reg.Register("late", scheduler.Interval{Every: 20 * time.Millisecond}, func(context.Context) error {
		once.Do(func() { close(fired) })
		return nil
	}); err != nil {
		t.Fatalf("Register while running: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job registered while the loop ran never fired")
	}

	rn.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rn.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rn.Running() {
		t.Fatal("still running after Wait")
	}
}

func TestStopWhenNotRunningIsNoop(t *testing.T) {
	t.Parallel()
	rn, _, _ := newRunner(t, Config{})
	rn.Stop()
	rn.Stop()
	if err := rn.Wait(context.Background()); err != nil {
		t.Fatalf("Wait without background loop = %v", err)
	}
}

func TestRunEventsPublished(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(t0)
	reg := scheduler.NewRegistry(clk, logx.Nop())
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, EventJobFinished, EventJobFailed)
	defer unsub()
	rn := New(reg, clk, logx.Nop(), bus, Config{})

	_, _ = reg.Register("ok", scheduler.EveryMinute{}, func(context.Context) error { return nil })
	_, _ = reg.Register("panics", scheduler.EveryMinute{}, func(context.Context) error { panic("x") })
	rn.RunPending(context.Background(), t0.Add(time.Minute))

	first, second := <-ch, <-ch
	if first.Type != EventJobFinished || first.Data.(RunEvent).JobID != "ok" {
		t.Fatalf("first event = %+v", first)
	}
	ev := second.Data.(RunEvent)
	if second.Type != EventJobFailed || ev.JobID != "panics" || !ev.Panicked || ev.Error == "" || ev.RunID == "" {
		t.Fatalf("second event = %+v", second)
	}
	if ev.Schedule != "every minute" || !ev.Due.Equal(t0.Add(time.Minute)) {
		t.Fatalf("event = %+v", ev)
	}
}

func TestHistoryRingIsBounded(t *testing.T) {
	t.Parallel()
	rn, reg, _ := newRunner(t, Config{HistorySize: 2})
	_, _ = reg.Register("a", scheduler.Interval{Every: time.Second}, func(context.Context) error { return nil })
	for s := 1; s <= 3; s++ {
		rn.RunPending(context.Background(), t0.Add(time.Duration(s)*time.Second))
	}
	h := rn.Snapshot().History
	if len(h) != 2 {
		t.Fatalf("history len = %d, want 2", len(h))
	}
}
