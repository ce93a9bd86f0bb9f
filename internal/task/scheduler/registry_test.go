package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pulse/internal/clock"
	logx "pulse/pkg/logx"
)

// Monday, on a minute boundary, local time (wall-clock rules use time.Local).
var t0 = time.Date(2026, 1, 5, 12, 0, 0, 0, time.Local)

func noop(context.Context) error { return nil }

func newTestRegistry(at time.Time) (*Registry, *clock.Manual) {
	clk := clock.NewManual(at)
	return NewRegistry(clk, logx.Nop()), clk
}

func ids(jobs []Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func TestIntervalDueExactlyAtPeriod(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t0)
	if _, err := reg.Register("tick", Interval{Every: 10 * time.Second}, noop); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if due := reg.DueJobs(t0.Add(10*time.Second - time.Nanosecond)); len(due) != 0 {
		t.Fatalf("due before period: %v", ids(due))
	}
	due := reg.DueJobs(t0.Add(10 * time.Second))
	if len(due) != 1 || due[0].ID != "tick" {
		t.Fatalf("due at period = %v, want [tick]", ids(due))
	}
	if due[0].Fired() {
		t.Fatal("DueJobs must not mark the job fired")
	}
}

func TestIntervalRelativeToLastFire(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t0)
	_, _ = reg.Register("tick", Interval{Every: 10 * time.Second}, noop)

	late := t0.Add(13 * time.Second)
	if err := reg.MarkFired("tick", late); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	j, _ := reg.Lookup("tick")
	if !j.LastFired.Equal(late) {
		t.Fatalf("LastFired = %v, want %v", j.LastFired, late)
	}
	if want := late.Add(10 * time.Second); !j.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", j.NextRun, want)
	}
}

func TestDueJobsKeepsRegistrationOrderOnTies(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t0)
	for _, id := range []string{"A", "B"} {
		if _, err := reg.Register(id, EveryMinute{}, noop); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	got := ids(reg.DueJobs(t0.Add(time.Minute)))
	if fmt.Sprint(got) != "[A B]" {
		t.Fatalf("due = %v, want [A B]", got)
	}
}

func TestDailyAtFiresOncePerDayWithSecondPolling(t *testing.T) {
	t.Parallel()
	midnight := time.Date(2026, 1, 5, 0, 0, 0, 0, time.Local)
	reg, _ := newTestRegistry(midnight)
	_, _ = reg.Register("report", DailyAt{At: TimeOfDay{Hour: 10, Minute: 30}}, noop)

	fires := 0
	var firedAt time.Time
	for s := 1; s <= 24*60*60; s++ {
		now := midnight.Add(time.Duration(s) * time.Second)
		for _, j := range reg.DueJobs(now) {
			fires++
			firedAt = now
			_ = reg.MarkFired(j.ID, now)
		}
	}
	if fires != 1 {
		t.Fatalf("fires = %d, want 1", fires)
	}
	if want := midnight.Add(10*time.Hour + 30*time.Minute); !firedAt.Equal(want) {
		t.Fatalf("fired at %v, want %v", firedAt, want)
	}
}

func TestWeeklyAtNext(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rule WeeklyAt
		want time.Time
	}{
		{
			name: "later same day",
			rule: WeeklyAt{Weekday: time.Monday, At: TimeOfDay{Hour: 13}},
			want: time.Date(2026, 1, 5, 13, 0, 0, 0, time.Local),
		},
		{
			name: "passed today rolls a week",
			rule: WeeklyAt{Weekday: time.Monday, At: TimeOfDay{Hour: 11}},
			want: time.Date(2026, 1, 12, 11, 0, 0, 0, time.Local),
		},
		{
			name: "wednesday",
			rule: WeeklyAt{Weekday: time.Wednesday, At: TimeOfDay{Hour: 15}},
			want: time.Date(2026, 1, 7, 15, 0, 0, 0, time.Local),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.rule.Next(t0); !got.Equal(tt.want) {
				t.Fatalf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMissedBoundaryIsNotCaughtUp(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t0)
	_, _ = reg.Register("m", EveryMinute{}, noop)

	// The process "slept" through five minute boundaries.
	late := t0.Add(5*time.Minute + 30*time.Second)
	if due := reg.DueJobs(late); len(due) != 1 {
		t.Fatalf("due = %v, want one late fire", ids(due))
	}
	_ = reg.MarkFired("m", late)
	if due := reg.DueJobs(late); len(due) != 0 {
		t.Fatalf("still due after fire: %v", ids(due))
	}
	j, _ := reg.Lookup("m")
	if want := t0.Add(6 * time.Minute); !j.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want next boundary %v", j.NextRun, want)
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t0)
	if _, err := reg.Register("job", EveryMinute{}, noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := reg.Register("job", Interval{Every: time.Second}, noop)
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
	j, _ := reg.Lookup("job")
	if j.Rule.Kind() != KindEveryMinute {
		t.Fatalf("duplicate registration replaced the original schedule: %v", j.Rule)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t0)
	tests := []struct {
		name   string
		id     string
		rule   Rule
		action Action
		want   error
	}{
		{name: "empty id", id: " ", rule: EveryMinute{}, action: noop, want: ErrInvalidJob},
		{name: "nil rule", id: "a", rule: nil, action: noop, want: ErrInvalidJob},
		{name: "nil action", id: "a", rule: EveryMinute{}, action: nil, want: ErrInvalidJob},
		{name: "zero interval", id: "a", rule: Interval{}, action: noop, want: ErrInvalidSchedule},
		{name: "bad time", id: "a", rule: DailyAt{At: TimeOfDay{Hour: 24}}, action: noop, want: ErrInvalidSchedule},
		{name: "bad cron", id: "a", rule: Cron{Expr: "nope"}, action: noop, want: ErrInvalidSchedule},
	}
	for _, tt := range tests {
		if _, err := reg.Register(tt.id, tt.rule, tt.action); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("invalid registrations leaked: %d jobs", reg.Len())
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t0)
	_, _ = reg.Register("a", EveryMinute{}, noop)
	_, _ = reg.Register("b", EveryMinute{}, noop)

	if err := reg.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := ids(reg.DueJobs(t0.Add(time.Hour))); fmt.Sprint(got) != "[b]" {
		t.Fatalf("due after remove = %v, want [b]", got)
	}

	if err := reg.Remove("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}
	if err := reg.MarkFired("a", t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkFired removed job: err = %v, want ErrNotFound", err)
	}
}

func TestHandleTiedToRegistration(t *testing.T) {
	t.Parallel()
	reg, clk := newTestRegistry(t0)
	old, _ := reg.Register("job", EveryMinute{}, noop)
	oldJob, _ := reg.Lookup("job")

	if err := old.Remove(); err != nil {
		t.Fatalf("Handle.Remove: %v", err)
	}
	clk.Advance(time.Second)
	fresh, err := reg.Register("job", Interval{Every: time.Minute}, noop)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if err := old.Remove(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale handle removed the new registration: %v", err)
	}
	if reg.Active(oldJob) {
		t.Fatal("old job value reported active")
	}
	info, ok := fresh.Info()
	if !ok || info.Kind != KindInterval || !info.Registered.Equal(t0.Add(time.Second)) {
		t.Fatalf("fresh.Info() = %+v, %v", info, ok)
	}
}

func TestMarkFiredJobIgnoresReplacedRegistration(t *testing.T) {
	t.Parallel()
	reg, clk := newTestRegistry(t0)
	_, _ = reg.Register("job", EveryMinute{}, noop)
	oldJob, _ := reg.Lookup("job")
	if err := reg.MarkFiredJob(oldJob, t0.Add(time.Minute)); err != nil {
		t.Fatalf("MarkFiredJob: %v", err)
	}

	_ = reg.Remove("job")
	clk.Advance(time.Second)
	_, _ = reg.Register("job", Interval{Every: time.Hour}, noop)

	if err := reg.MarkFiredJob(oldJob, t0.Add(2*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	fresh, _ := reg.Lookup("job")
	if !fresh.LastFired.IsZero() || !fresh.NextRun.Equal(t0.Add(time.Second+time.Hour)) {
		t.Fatalf("replacement touched: last=%v next=%v", fresh.LastFired, fresh.NextRun)
	}
}

func TestRegisterSpec(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t0)
	if _, err := reg.RegisterSpec("j", "every 10 seconds", noop); err != nil {
		t.Fatalf("RegisterSpec: %v", err)
	}
	if _, err := reg.RegisterSpec("k", "whenever", noop); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
	jobs := reg.Jobs()
	if len(jobs) != 1 || jobs[0].Schedule != "every 10s" {
		t.Fatalf("Jobs() = %+v", jobs)
	}
}

func TestConcurrentRegisterAndPoll(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t0)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		w := w
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if _, err := reg.Register(id, Interval{Every: time.Second}, noop); err != nil {
					t.Errorf("Register %s: %v", id, err)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				for _, j := range reg.DueJobs(t0.Add(time.Hour)) {
					_ = reg.MarkFired(j.ID, t0.Add(time.Hour))
				}
			}
		}()
	}
	wg.Wait()
	if reg.Len() != 200 {
		t.Fatalf("Len = %d, want 200 (lost registrations)", reg.Len())
	}
}
