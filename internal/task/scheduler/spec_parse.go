package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseSchedule parses a schedule string into a Rule.
//
// Supported forms:
//   - Interval: "every 10s", "10s", "every 10 seconds", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Every minute: "every minute", "minutely"
//   - Daily: "daily 10:30", "every day at 10:30", "daily 10:30:15"
//   - Weekly: "monday 13:00", "weekly mon 13:00", "every wednesday at 15:00"
//   - Cron (crontab.guru-style): "*/5 * * * *", "0 30 10 * * *", "@hourly"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
func ParseSchedule(raw string) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: schedule required", ErrInvalidSchedule)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		return validated(Cron{Expr: expr})
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalRule(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseIntervalRule(s[len("every:"):])
	case strings.HasPrefix(low, "@"):
		if strings.HasPrefix(low, "@every") {
			return parseIntervalRule(s[len("@every"):])
		}
		return validated(Cron{Expr: s})
	}

	if r, ok, err := parseWords(low); ok {
		return r, err
	}

	// Anything else with 5 or 6 whitespace-separated fields is treated as cron.
	// Cron fields never start with "every", so those fall through to the
	// human-syntax error below.
	if n := len(strings.Fields(s)); (n == 5 || n == 6) && !strings.HasPrefix(low, "every") {
		return validated(Cron{Expr: s})
	}

	return nil, fmt.Errorf(
		"%w: %q (use 'every 10s', 'daily 10:30', 'monday 13:00', 'every minute' or cron like '*/5 * * * *')",
		ErrInvalidSchedule, raw,
	)
}

// parseWords handles the human forms. ok=false means the input did not look
// like one of them and the caller should try other syntaxes.
func parseWords(low string) (Rule, bool, error) {
	fields := strings.Fields(low)
	if len(fields) > 0 && fields[0] == "every" {
		fields = fields[1:]
	}
	// "at" is filler: "every day at 10:30".
	words := fields[:0:0]
	for _, f := range fields {
		if f != "at" {
			words = append(words, f)
		}
	}

	switch len(words) {
	case 1:
		switch words[0] {
		case "minute", "minutely":
			return EveryMinute{}, true, nil
		}
		if reHHMM.MatchString(words[0]) {
			d, err := parseHHMMDuration(words[0])
			if err != nil {
				return nil, true, err
			}
			return Interval{Every: d}, true, nil
		}
		if d, err := time.ParseDuration(words[0]); err == nil {
			r, err := validated(Interval{Every: d})
			return r, true, err
		}
	case 2:
		if n, err := strconv.Atoi(words[0]); err == nil {
			unit, ok := unitDurations[words[1]]
			if !ok {
				return nil, false, nil
			}
			r, err := validated(Interval{Every: time.Duration(n) * unit})
			return r, true, err
		}
		if words[0] == "day" || words[0] == "daily" {
			at, err := parseTimeOfDay(words[1])
			if err != nil {
				return nil, true, err
			}
			return DailyAt{At: at}, true, nil
		}
		if wd, ok := parseWeekday(words[0]); ok {
			at, err := parseTimeOfDay(words[1])
			if err != nil {
				return nil, true, err
			}
			return WeeklyAt{Weekday: wd, At: at}, true, nil
		}
	case 3:
		// "every 1 day at 10:30"
		if n, err := strconv.Atoi(words[0]); err == nil && (words[1] == "day" || words[1] == "days") {
			if n != 1 {
				return nil, true, fmt.Errorf("%w: %q: a time of day needs a 1-day period", ErrInvalidSchedule, low)
			}
			at, err := parseTimeOfDay(words[2])
			if err != nil {
				return nil, true, err
			}
			return DailyAt{At: at}, true, nil
		}
		if words[0] == "weekly" || words[0] == "week" {
			wd, ok := parseWeekday(words[1])
			if !ok {
				return nil, true, fmt.Errorf("%w: invalid weekday %q", ErrInvalidSchedule, words[1])
			}
			at, err := parseTimeOfDay(words[2])
			if err != nil {
				return nil, true, err
			}
			return WeeklyAt{Weekday: wd, At: at}, true, nil
		}
	}
	return nil, false, nil
}

var unitDurations = map[string]time.Duration{
	"second": time.Second, "seconds": time.Second,
	"minute": time.Minute, "minutes": time.Minute,
	"hour": time.Hour, "hours": time.Hour,
	"day": 24 * time.Hour, "days": 24 * time.Hour,
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, bool) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return wd, ok
}

func validated(r Rule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func parseIntervalRule(v string) (Rule, error) {
	d, err := parseInterval(v)
	if err != nil {
		return nil, err
	}
	return Interval{Every: d}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalidSchedule)
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", ErrInvalidSchedule, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return d, nil
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidSchedule, v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidSchedule, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return d, nil
}

// parseTimeOfDay accepts HH:MM or HH:MM:SS.
func parseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("%w: invalid time %q, expected HH:MM", ErrInvalidSchedule, s)
	}
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || len(p) > 2 {
			return TimeOfDay{}, fmt.Errorf("%w: invalid time %q, expected HH:MM", ErrInvalidSchedule, s)
		}
		vals[i] = n
	}
	t := TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}
	if err := t.Validate(); err != nil {
		return TimeOfDay{}, err
	}
	return t, nil
}
