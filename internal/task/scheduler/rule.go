package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RuleKind tags the recurrence variant of a Rule.
type RuleKind int

const (
	KindInterval RuleKind = iota
	KindDaily
	KindWeekly
	KindEveryMinute
	KindCron
)

func (k RuleKind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindDaily:
		return "daily"
	case KindWeekly:
		return "weekly"
	case KindEveryMinute:
		return "every_minute"
	case KindCron:
		return "cron"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Rule decides when a job fires next.
//
// Next returns the first fire instant strictly after anchor, where anchor is
// the job's last fire or, if it never fired, its registration time.
// A zero result means the rule never fires again.
type Rule interface {
	Kind() RuleKind
	Next(anchor time.Time) time.Time
	Validate() error
	String() string
}

// Interval fires every Every, measured from the previous fire.
type Interval struct {
	Every time.Duration
}

func (r Interval) Kind() RuleKind                  { return KindInterval }
func (r Interval) Next(anchor time.Time) time.Time { return anchor.Add(r.Every) }
func (r Interval) String() string                  { return "every " + r.Every.String() }

func (r Interval) Validate() error {
	if r.Every <= 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return nil
}

// DailyAt fires once per local calendar day at At.
type DailyAt struct {
	At TimeOfDay
}

func (r DailyAt) Kind() RuleKind  { return KindDaily }
func (r DailyAt) Validate() error { return r.At.Validate() }
func (r DailyAt) String() string  { return "daily " + r.At.String() }

func (r DailyAt) Next(anchor time.Time) time.Time {
	return nextOnGrid(fmt.Sprintf("%d %d %d * * *", r.At.Second, r.At.Minute, r.At.Hour), anchor)
}

// WeeklyAt fires once per week on Weekday at At (local time).
type WeeklyAt struct {
	Weekday time.Weekday
	At      TimeOfDay
}

func (r WeeklyAt) Kind() RuleKind { return KindWeekly }

func (r WeeklyAt) Validate() error {
	if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
		return fmt.Errorf("%w: invalid weekday %d", ErrInvalidSchedule, int(r.Weekday))
	}
	return r.At.Validate()
}

func (r WeeklyAt) String() string {
	return "weekly " + strings.ToLower(r.Weekday.String()) + " " + r.At.String()
}

func (r WeeklyAt) Next(anchor time.Time) time.Time {
	// cron day-of-week is Sunday=0, same as time.Weekday.
	return nextOnGrid(fmt.Sprintf("%d %d %d * * %d", r.At.Second, r.At.Minute, r.At.Hour, int(r.Weekday)), anchor)
}

// EveryMinute fires on each minute boundary.
type EveryMinute struct{}

func (EveryMinute) Kind() RuleKind                  { return KindEveryMinute }
func (EveryMinute) Validate() error                 { return nil }
func (EveryMinute) String() string                  { return "every minute" }
func (EveryMinute) Next(anchor time.Time) time.Time { return nextOnGrid("0 * * * * *", anchor) }

// Cron fires on a robfig/cron expression: 5 fields, 6 fields with seconds,
// or a descriptor such as "@hourly".
type Cron struct {
	Expr string
}

func (r Cron) Kind() RuleKind { return KindCron }
func (r Cron) String() string { return "cron:" + r.Expr }

func (r Cron) Validate() error {
	if strings.TrimSpace(r.Expr) == "" {
		return fmt.Errorf("%w: cron expression required", ErrInvalidSchedule)
	}
	if strings.HasPrefix(strings.TrimSpace(r.Expr), "@every") {
		// Interval semantics belong to the Interval rule.
		return fmt.Errorf("%w: use an interval schedule instead of %q", ErrInvalidSchedule, r.Expr)
	}
	if _, err := gridSchedule(r.Expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}

func (r Cron) Next(anchor time.Time) time.Time { return nextOnGrid(r.Expr, anchor) }

// TimeOfDay is a local wall-clock time.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return fmt.Errorf("%w: invalid time of day %02d:%02d:%02d", ErrInvalidSchedule, t.Hour, t.Minute, t.Second)
	}
	return nil
}

func (t TimeOfDay) String() string {
	if t.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var gridParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parsed wall-clock schedules keyed by spec; the set of distinct specs is small.
var gridCache sync.Map // string -> cron.Schedule

func gridSchedule(spec string) (cron.Schedule, error) {
	if v, ok := gridCache.Load(spec); ok {
		return v.(cron.Schedule), nil
	}
	sched, err := gridParser.Parse(spec)
	if err != nil {
		return nil, err
	}
	gridCache.Store(spec, sched)
	return sched, nil
}

// nextOnGrid returns the first boundary of spec strictly after anchor, or the
// zero time when spec is invalid or has no further occurrence.
func nextOnGrid(spec string, anchor time.Time) time.Time {
	sched, err := gridSchedule(spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(anchor)
}
